package store

import (
	"context"
	"testing"

	"github.com/pubky/pubky-homeserver/pkg/clock"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
	"github.com/stretchr/testify/require"
)

type fakeEventSink struct {
	puts []string
	dels []string
}

func (f *fakeEventSink) AppendPut(ctx context.Context, owner crypto.PublicKey, path string, hash crypto.Hash) error {
	f.puts = append(f.puts, path)
	return nil
}

func (f *fakeEventSink) AppendDelete(ctx context.Context, owner crypto.PublicKey, path string) error {
	f.dels = append(f.dels, path)
	return nil
}

func newTestOwner(t *testing.T) crypto.PublicKey {
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	return kp.Public()
}

func TestPutGetRoundTrip(t *testing.T) {
	sink := &fakeEventSink{}
	s := NewMemoryStore(0, clock.New(1), sink)
	owner := newTestOwner(t)
	ctx := context.Background()

	meta, err := s.Put(ctx, owner, "/pub/example.com/hello.txt", []byte("hi"), "text/plain")
	require.NoError(t, err)
	require.EqualValues(t, 2, meta.ContentLength)

	body, gotMeta, err := s.Get(ctx, owner, "/pub/example.com/hello.txt")
	require.NoError(t, err)
	require.Equal(t, "hi", string(body))
	require.Equal(t, meta.ContentHash, gotMeta.ContentHash)

	exists, err := s.Exists(ctx, owner, "/pub/example.com/hello.txt")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, s.Delete(ctx, owner, "/pub/example.com/hello.txt"))
	_, _, err = s.Get(ctx, owner, "/pub/example.com/hello.txt")
	require.Error(t, err)

	require.Equal(t, []string{"/pub/example.com/hello.txt"}, sink.puts)
	require.Equal(t, []string{"/pub/example.com/hello.txt"}, sink.dels)
}

func TestPutRejectsOutsidePub(t *testing.T) {
	s := NewMemoryStore(0, clock.New(1), nil)
	owner := newTestOwner(t)

	_, err := s.Put(context.Background(), owner, "/priv/x", []byte("x"), "")
	require.Error(t, err)
	kind, ok := pkgerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, pkgerr.KindAuthorization, kind)
}

func TestPutEnforcesQuota(t *testing.T) {
	s := NewMemoryStore(5, clock.New(1), nil)
	owner := newTestOwner(t)
	ctx := context.Background()

	_, err := s.Put(ctx, owner, "/pub/a", []byte("1234"), "")
	require.NoError(t, err)

	_, err = s.Put(ctx, owner, "/pub/b", []byte("12"), "")
	require.Error(t, err)
	kind, _ := pkgerr.KindOf(err)
	require.Equal(t, pkgerr.KindQuotaExceeded, kind)

	// Overwriting the same key should only count the new size, not double.
	_, err = s.Put(ctx, owner, "/pub/a", []byte("12345"), "")
	require.NoError(t, err)
}

func TestDeleteNonexistentIsNoop(t *testing.T) {
	s := NewMemoryStore(0, clock.New(1), nil)
	owner := newTestOwner(t)
	require.NoError(t, s.Delete(context.Background(), owner, "/pub/missing"))
}

func TestListForwardAndReverseWithCursor(t *testing.T) {
	s := NewMemoryStore(0, clock.New(1), nil)
	owner := newTestOwner(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c", "d"} {
		_, err := s.Put(ctx, owner, "/pub/dir/"+name, []byte(name), "")
		require.NoError(t, err)
	}

	entries, err := s.List(ctx, owner, "/pub/dir/", ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.Equal(t, "/pub/dir/a", entries[0].Path)
	require.Equal(t, "/pub/dir/d", entries[3].Path)

	forward, err := s.List(ctx, owner, "/pub/dir/", ListOptions{Cursor: "/pub/dir/b"})
	require.NoError(t, err)
	require.Len(t, forward, 2)
	require.Equal(t, "/pub/dir/c", forward[0].Path)

	reverse, err := s.List(ctx, owner, "/pub/dir/", ListOptions{Reverse: true, Cursor: "/pub/dir/c"})
	require.NoError(t, err)
	require.Len(t, reverse, 2)
	require.Equal(t, "/pub/dir/b", reverse[0].Path)
	require.Equal(t, "/pub/dir/a", reverse[1].Path)
}

func TestListRejectsDirWithoutTrailingSlash(t *testing.T) {
	s := NewMemoryStore(0, clock.New(1), nil)
	owner := newTestOwner(t)
	_, err := s.List(context.Background(), owner, "/pub/dir", ListOptions{})
	require.Error(t, err)
}

func TestListShallowSynthesizesDirectorySentinels(t *testing.T) {
	s := NewMemoryStore(0, clock.New(1), nil)
	owner := newTestOwner(t)
	ctx := context.Background()

	for _, path := range []string{
		"/pub/dir/example.con",
		"/pub/dir/example.con/sub.txt",
		"/pub/dir/other",
	} {
		_, err := s.Put(ctx, owner, path, []byte("x"), "")
		require.NoError(t, err)
	}

	entries, err := s.List(ctx, owner, "/pub/dir/", ListOptions{Shallow: true})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// The file "example.con" sorts before the synthesized directory
	// sentinel "example.con/".
	require.Equal(t, "/pub/dir/example.con", entries[0].Path)
	require.False(t, entries[0].IsDirectory)
	require.Equal(t, "/pub/dir/example.con/", entries[1].Path)
	require.True(t, entries[1].IsDirectory)
	require.Equal(t, "/pub/dir/other", entries[2].Path)
}

func TestListNeverReturnsEntriesOutsideDir(t *testing.T) {
	s := NewMemoryStore(0, clock.New(1), nil)
	owner := newTestOwner(t)
	ctx := context.Background()

	_, err := s.Put(ctx, owner, "/pub/dir/a", []byte("x"), "")
	require.NoError(t, err)
	_, err = s.Put(ctx, owner, "/pub/other/b", []byte("x"), "")
	require.NoError(t, err)

	entries, err := s.List(ctx, owner, "/pub/dir/", ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "/pub/dir/a", entries[0].Path)
}
