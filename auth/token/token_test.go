package token

import (
	"testing"
	"time"

	"github.com/pubky/pubky-homeserver/pkg/clock"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
	"github.com/stretchr/testify/require"
)

func mustCaps(t *testing.T, s string) []Capability {
	t.Helper()
	caps, err := ParseCapabilities(s)
	require.NoError(t, err)
	return caps
}

func TestSignParseRoundTrip(t *testing.T) {
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	caps := mustCaps(t, "/pub/posts/:rw")
	now := clock.Timestamp(time.Now().UnixMicro())

	raw, err := Sign(kp, now, caps)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 115)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, now, parsed.Timestamp)
	require.True(t, kp.Public().Equal(parsed.Pubky))
	require.Equal(t, caps, parsed.Capabilities)
}

func TestVerifySucceedsOnce(t *testing.T) {
	kp, _ := crypto.GenerateKeypair()
	caps := mustCaps(t, "/pub/x:r")
	now := clock.Timestamp(time.Now().UnixMicro())

	raw, err := Sign(kp, now, caps)
	require.NoError(t, err)
	parsed, err := Parse(raw)
	require.NoError(t, err)

	cache := NewReplayCache(clock.Timestamp(90 * time.Second / time.Microsecond))
	require.NoError(t, Verify(parsed, now, DefaultWindow, cache))

	parsed2, err := Parse(raw)
	require.NoError(t, err)
	err = Verify(parsed2, now, DefaultWindow, cache)
	require.Error(t, err)
	kind, ok := pkgerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, pkgerr.KindAuthentication, kind)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	kp, _ := crypto.GenerateKeypair()
	caps := mustCaps(t, "/pub/x:r")
	now := clock.Timestamp(time.Now().UnixMicro())

	raw, err := Sign(kp, now, caps)
	require.NoError(t, err)
	raw[90] ^= 0xFF // flip a byte inside the signed region (pubky)

	parsed, err := Parse(raw)
	require.NoError(t, err)

	cache := NewReplayCache(clock.Timestamp(90 * time.Second / time.Microsecond))
	err = Verify(parsed, now, DefaultWindow, cache)
	require.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	kp, _ := crypto.GenerateKeypair()
	caps := mustCaps(t, "/pub/x:r")
	tokenTime := clock.Timestamp(time.Now().Add(-time.Hour).UnixMicro())

	raw, err := Sign(kp, tokenTime, caps)
	require.NoError(t, err)
	parsed, err := Parse(raw)
	require.NoError(t, err)

	cache := NewReplayCache(clock.Timestamp(90 * time.Second / time.Microsecond))
	now := clock.Timestamp(time.Now().UnixMicro())
	err = Verify(parsed, now, DefaultWindow, cache)
	require.Error(t, err)
}

func TestVerifyRejectsFutureSkew(t *testing.T) {
	kp, _ := crypto.GenerateKeypair()
	caps := mustCaps(t, "/pub/x:r")
	tokenTime := clock.Timestamp(time.Now().Add(time.Hour).UnixMicro())

	raw, err := Sign(kp, tokenTime, caps)
	require.NoError(t, err)
	parsed, err := Parse(raw)
	require.NoError(t, err)

	cache := NewReplayCache(clock.Timestamp(90 * time.Second / time.Microsecond))
	now := clock.Timestamp(time.Now().UnixMicro())
	err = Verify(parsed, now, DefaultWindow, cache)
	require.Error(t, err)
}

func TestParseRejectsTooShort(t *testing.T) {
	_, err := Parse(make([]byte, 10))
	require.Error(t, err)
}

func TestParseRejectsUnknownVersion(t *testing.T) {
	kp, _ := crypto.GenerateKeypair()
	raw, err := Sign(kp, clock.Timestamp(time.Now().UnixMicro()), nil)
	require.NoError(t, err)
	raw[versionOffset] = 7

	_, err = Parse(raw)
	require.Error(t, err)
}

func TestParseRejectsBadNamespace(t *testing.T) {
	kp, _ := crypto.GenerateKeypair()
	raw, err := Sign(kp, clock.Timestamp(time.Now().UnixMicro()), nil)
	require.NoError(t, err)
	raw[namespaceOffset] = 'X'

	_, err = Parse(raw)
	require.Error(t, err)
}

func TestReplayCacheGCsOldEntries(t *testing.T) {
	window := clock.Timestamp(int64(90 * time.Second / time.Microsecond))
	cache := NewReplayCache(window)

	var key1, key2 [timestampLen + pubkyLen]byte
	key1[0] = 1
	key2[0] = 2

	t0 := clock.Timestamp(1_000_000_000)
	require.True(t, cache.InsertIfAbsent(key1, t0, t0))
	require.Equal(t, 1, cache.Len())

	later := t0 + clock.Timestamp(int64(window))*2
	require.True(t, cache.InsertIfAbsent(key2, later, later))
	require.Equal(t, 1, cache.Len()) // key1 fell out of the window
}
