// Package pkgerr defines the error taxonomy shared across the homeserver
// core. Every component surfaces failures as a *Error carrying a Kind, a
// short message, and optional machine-parseable Data, instead of ad-hoc
// sentinel values per package — the storage interface's bare
// ErrNotFound/ErrAlreadyExists sentinels don't carry enough structure for
// capability errors (which need the offending entries back) or HTTP-boundary
// mapping (which needs one Kind->status switch, not one per package).
package pkgerr

import "fmt"

// Kind is one of the error categories a component can raise. It is not a
// type name; it is what the HTTP boundary and callers switch on.
type Kind int

const (
	// KindInvalidInput covers malformed capabilities, unparseable URLs, bad
	// recovery file headers, non-z-base-32 pubkeys, missing trailing slash
	// on a list path, and invalid quota configuration.
	KindInvalidInput Kind = iota
	// KindAuthentication covers bad token signatures, expiry/skew, replay,
	// and unknown session cookies.
	KindAuthentication
	// KindAuthorization covers capability scope mismatches, writes outside
	// /pub/, and missing sessions where one is required.
	KindAuthorization
	// KindNotFound covers absent resources, sessions, and pkarr records.
	KindNotFound
	// KindQuotaExceeded covers a PUT that would exceed the per-user byte
	// budget.
	KindQuotaExceeded
	// KindConflict covers a stale cursor retry or other compare-and-swap
	// mismatch in underlying storage.
	KindConflict
	// KindTransport covers unreachable DHT/relay/HTTP endpoints after the
	// owning component's retry policy is exhausted.
	KindTransport
	// KindPkarrNotFound and KindPkarrTransport distinguish the DHT answering
	// definitively "no such record" from a transient lookup failure.
	KindPkarrNotFound
	KindPkarrTransport
	// KindClientState covers the flow orchestrator being reused after
	// completion, or awaited concurrently.
	KindClientState
	// KindInternal covers storage backing failures and invariant
	// violations. Always logged; never retried.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindAuthentication:
		return "AuthenticationError"
	case KindAuthorization:
		return "AuthorizationError"
	case KindNotFound:
		return "NotFound"
	case KindQuotaExceeded:
		return "QuotaExceeded"
	case KindConflict:
		return "Conflict"
	case KindTransport:
		return "TransportError"
	case KindPkarrNotFound:
		return "PkarrNotFound"
	case KindPkarrTransport:
		return "PkarrTransportError"
	case KindClientState:
		return "ClientStateError"
	case KindInternal:
		return "InternalError"
	default:
		return "UnknownError"
	}
}

// Error is the structured failure value every core component returns.
type Error struct {
	Kind    Kind
	Message string
	// Data carries machine-parseable context, e.g. {"invalidEntries": [...]}
	// for capability errors or {"statusCode": 409} for exchange failures.
	Data map[string]interface{}

	// Cause is wrapped, not embedded, so errors.Is/As still reach the
	// underlying driver/transport error without leaking it into Message.
	Cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a *Error with no data or cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a *Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a *Error that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithData attaches machine-parseable context and returns the same *Error
// for chaining at the construction site.
func (e *Error) WithData(data map[string]interface{}) *Error {
	e.Data = data
	return e
}

// Is reports whether err is a *Error of the given kind, unwrapping plain
// wrapped errors along the way.
func Is(err error, kind Kind) bool {
	var pe *Error
	for err != nil {
		if p, ok := err.(*Error); ok {
			pe = p
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return pe != nil && pe.Kind == kind
}

// KindOf returns the Kind of err if it is a *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	p, ok := err.(*Error)
	if !ok {
		return 0, false
	}
	return p.Kind, true
}
