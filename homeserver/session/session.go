// Package session implements the server-side session table: a
// (owner, session-id) keyed store of cookie secrets and granted
// capabilities, with the dual UUID/legacy cookie lookup scheme.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"

	"github.com/pubky/pubky-homeserver/auth/token"
	"github.com/pubky/pubky-homeserver/pkg/clock"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// Record is one session: a cookie secret bound to a set of capabilities
// granted to whoever holds it.
type Record struct {
	ID           string // UUID, also the non-legacy cookie name
	Owner        crypto.PublicKey
	Secret       string // cookie value
	Capabilities []token.Capability
	CreatedAt    clock.Timestamp
}

// Allows reports whether r grants action on path, per the capability-check
// rule: some capability's scope is a prefix of path and action is among its
// actions.
func (r *Record) Allows(path string, action byte) bool {
	for _, c := range r.Capabilities {
		if c.Allows(path, action) {
			return true
		}
	}
	return false
}

// Store is the session table's contract.
type Store interface {
	// Create mints a new session for owner with caps, sets it as the
	// owner's current legacy session, and returns the record (including
	// its freshly generated Secret — callers must capture it now, it is
	// not retrievable again).
	Create(ctx context.Context, owner crypto.PublicKey, caps []token.Capability) (*Record, error)

	// LookupCandidates resolves every (name, secret) pair in cookies whose
	// name is either owner's legacy cookie name (owner.String()) or a
	// UUID, returning the Records whose stored secret matches. Order is
	// unspecified; callers needing a specific session for a capability
	// requirement should use Authenticate.
	LookupCandidates(ctx context.Context, owner crypto.PublicKey, cookies map[string]string) ([]*Record, error)

	// SignoutAll deletes every session belonging to owner.
	SignoutAll(ctx context.Context, owner crypto.PublicKey) error
}

// NewSecret returns a fresh random cookie secret, base64url-encoded.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", pkgerr.Wrap(pkgerr.KindInternal, "generate session secret", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CandidateCookieNames filters a request's cookie-name set down to those
// the lookup algorithm considers: the owner's legacy name, or any
// syntactically valid UUID.
func CandidateCookieNames(owner crypto.PublicKey, names []string) []string {
	legacy := owner.String()
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == legacy || isUUID(n) {
			out = append(out, n)
		}
	}
	return out
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Authenticate runs LookupCandidates and returns the first record whose
// capabilities allow action on path. An empty/missing session set is
// anonymous — callers should treat a (nil, false, nil) result as public
// read-only access, not an error.
func Authenticate(ctx context.Context, store Store, owner crypto.PublicKey, cookies map[string]string, path string, action byte) (*Record, bool, error) {
	candidates, err := store.LookupCandidates(ctx, owner, cookies)
	if err != nil {
		return nil, false, err
	}
	for _, r := range candidates {
		if r.Allows(path, action) {
			return r, true, nil
		}
	}
	return nil, false, nil
}
