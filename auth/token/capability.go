package token

import (
	"sort"
	"strings"

	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// Capability authorizes a session (or requests authorization, in an
// AuthToken) to perform a set of actions on any path prefixed by scope.
type Capability struct {
	Scope   string
	Actions string // canonical: letters sorted, deduped, e.g. "rw"
}

// String renders the capability in the wire form scope:actions.
func (c Capability) String() string {
	return c.Scope + ":" + c.Actions
}

// Allows reports whether this capability grants action on path.
func (c Capability) Allows(path string, action byte) bool {
	if !strings.HasPrefix(path, c.Scope) {
		return false
	}
	return strings.IndexByte(c.Actions, action) >= 0
}

// normalizeActions sorts and dedups an actions string, rejecting anything
// outside {r,w}. "wr" and "rw" and "rwr" all normalize to "rw".
func normalizeActions(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	seen := map[byte]bool{}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != 'r' && c != 'w' {
			return "", false
		}
		seen[c] = true
	}
	var out []byte
	if seen['r'] {
		out = append(out, 'r')
	}
	if seen['w'] {
		out = append(out, 'w')
	}
	return string(out), true
}

// ParseCapability parses a single scope:actions token, normalizing actions.
func ParseCapability(s string) (Capability, bool) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return Capability{}, false
	}
	scope, actions := s[:idx], s[idx+1:]
	if !strings.HasPrefix(scope, "/") {
		return Capability{}, false
	}
	norm, ok := normalizeActions(actions)
	if !ok {
		return Capability{}, false
	}
	return Capability{Scope: scope, Actions: norm}, true
}

// ParseCapabilities parses a comma-separated list of scope:actions entries.
// It is idempotent: re-parsing the canonical output of FormatCapabilities
// yields an identical slice. Invalid entries are collected and returned
// verbatim (in input order) inside a *pkgerr.Error of KindInvalidInput so
// callers can report exactly which substrings were rejected.
func ParseCapabilities(s string) ([]Capability, error) {
	s = strings.TrimRight(s, ",")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	caps := make([]Capability, 0, len(parts))
	var invalid []string
	for _, p := range parts {
		if p == "" {
			continue
		}
		cap, ok := ParseCapability(p)
		if !ok {
			invalid = append(invalid, p)
			continue
		}
		caps = append(caps, cap)
	}
	if len(invalid) > 0 {
		return nil, pkgerr.New(pkgerr.KindInvalidInput, "invalid capability entries").
			WithData(map[string]interface{}{"invalidEntries": invalid})
	}
	return caps, nil
}

// FormatCapabilities renders capabilities back to the comma-separated wire
// form, each entry already in canonical scope:actions order.
func FormatCapabilities(caps []Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// SortCapabilities orders capabilities by scope for deterministic display
// and comparison; it does not affect wire semantics (a session's capability
// list is matched by prefix lookup, not position).
func SortCapabilities(caps []Capability) {
	sort.Slice(caps, func(i, j int) bool { return caps[i].Scope < caps[j].Scope })
}
