// Package token implements the capability-based AuthToken: its binary
// codec, offline signature verification, and the replay cache that makes
// verification single-use.
package token

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"time"

	"github.com/pubky/pubky-homeserver/pkg/clock"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

const (
	namespace        = "PUBKY:AUTH"
	namespaceLen     = len(namespace)
	currentVersion   = 0
	sigOffset        = 0
	sigLen           = ed25519.SignatureSize // 64
	namespaceOffset  = sigLen
	versionOffset    = namespaceOffset + namespaceLen // 74
	versionLen       = 1
	timestampOffset  = versionOffset + versionLen
	timestampLen     = 8
	pubkyOffset      = timestampOffset + timestampLen
	pubkyLen         = crypto.PublicKeySize
	capsOffset       = pubkyOffset + pubkyLen
	minTokenLen      = capsOffset // caps may be empty in principle, but never in practice
	// DefaultWindow is the ±skew tolerance applied during Verify.
	DefaultWindow = 45 * time.Second
)

// AuthToken is a parsed, not-yet-verified capability request signed by a
// keypair. It is single-use: the (Timestamp, Pubky) pair is its replay ID.
type AuthToken struct {
	Signature    [sigLen]byte
	Timestamp    clock.Timestamp
	Pubky        crypto.PublicKey
	Capabilities []Capability

	raw []byte // full serialized bytes, kept for re-verification of the signature
}

// Sign builds and signs a fresh AuthToken for caps, timestamped now.
func Sign(kp *crypto.Keypair, now clock.Timestamp, caps []Capability) ([]byte, error) {
	capsStr := FormatCapabilities(caps)
	buf := make([]byte, capsOffset+len(capsStr))

	copy(buf[namespaceOffset:], namespace)
	buf[versionOffset] = currentVersion
	binary.BigEndian.PutUint64(buf[timestampOffset:], uint64(now))
	copy(buf[pubkyOffset:], kp.Public().Bytes())
	copy(buf[capsOffset:], capsStr)

	sig := kp.Sign(buf[sigLen:])
	copy(buf[sigOffset:], sig)
	return buf, nil
}

// Parse decodes the binary AuthToken format without verifying its signature
// or checking replay/expiry — callers needing a trusted token must call
// Verify.
func Parse(b []byte) (*AuthToken, error) {
	if len(b) < minTokenLen {
		return nil, pkgerr.Newf(pkgerr.KindInvalidInput, "auth token too short: got %d bytes, need at least %d", len(b), minTokenLen)
	}
	if !bytes.Equal(b[namespaceOffset:namespaceOffset+namespaceLen], []byte(namespace)) {
		return nil, pkgerr.New(pkgerr.KindAuthentication, "auth token has unrecognized namespace")
	}
	if b[versionOffset] != currentVersion {
		return nil, pkgerr.Newf(pkgerr.KindInvalidInput, "unsupported auth token version %d", b[versionOffset])
	}

	pubky, err := crypto.PublicKeyFromBytes(b[pubkyOffset : pubkyOffset+pubkyLen])
	if err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInvalidInput, "malformed auth token pubky", err)
	}

	capsStr := string(b[capsOffset:])
	caps, err := ParseCapabilities(capsStr)
	if err != nil {
		return nil, err
	}

	t := &AuthToken{
		Pubky:        pubky,
		Timestamp:    clock.Timestamp(binary.BigEndian.Uint64(b[timestampOffset : timestampOffset+timestampLen])),
		Capabilities: caps,
		raw:          append([]byte(nil), b...),
	}
	copy(t.Signature[:], b[sigOffset:sigOffset+sigLen])
	return t, nil
}

// ReplayKey returns the 40-byte (timestamp_be, pubky) tuple that identifies
// this token for single-use enforcement.
func (t *AuthToken) ReplayKey() [timestampLen + pubkyLen]byte {
	var k [timestampLen + pubkyLen]byte
	binary.BigEndian.PutUint64(k[:timestampLen], uint64(t.Timestamp))
	copy(k[timestampLen:], t.Pubky.Bytes())
	return k
}

// Verify checks the skew window, signature, and replay cache membership
// (namespace and version are checked by Parse), recording the token as spent on success. now is supplied by
// the caller (not read from the system clock) so verification is
// deterministic in tests.
func Verify(t *AuthToken, now clock.Timestamp, window time.Duration, cache *ReplayCache) error {
	skew := (time.Duration(int64(now)-int64(t.Timestamp)) * time.Microsecond).Abs()
	if t.Timestamp > now && skew > window {
		return pkgerr.New(pkgerr.KindAuthentication, "auth token timestamp too far in the future")
	}
	if t.Timestamp < now && skew > window {
		return pkgerr.New(pkgerr.KindAuthentication, "auth token expired")
	}

	if !crypto.Verify(t.Pubky, t.raw[sigLen:], t.Signature[:]) {
		return pkgerr.New(pkgerr.KindAuthentication, "auth token signature invalid")
	}

	if !cache.InsertIfAbsent(t.ReplayKey(), t.Timestamp, now) {
		return pkgerr.New(pkgerr.KindAuthentication, "auth token already used")
	}
	return nil
}
