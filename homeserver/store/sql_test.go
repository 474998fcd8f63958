//go:build cgo

package store

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/pubky/pubky-homeserver/pkg/clock"
)

const sqliteSchema = `
CREATE TABLE resources (
	owner        TEXT NOT NULL,
	path         TEXT NOT NULL,
	body         BLOB NOT NULL,
	content_type TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	modified_us  BIGINT NOT NULL,
	PRIMARY KEY (owner, path)
);`

func newTestSQLStore(t *testing.T) *SQLStore {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)

	return NewSQLStore(db, SQLiteDialect, 0, clock.New(1), nil)
}

func TestSQLStorePutGetDeleteRoundtrip(t *testing.T) {
	s := newTestSQLStore(t)
	owner := newTestOwner(t)
	ctx := context.Background()

	meta, err := s.Put(ctx, owner, "/pub/example.com/hello.txt", []byte("hi"), "text/plain")
	require.NoError(t, err)
	require.EqualValues(t, 2, meta.ContentLength)

	body, gotMeta, err := s.Get(ctx, owner, "/pub/example.com/hello.txt")
	require.NoError(t, err)
	require.Equal(t, "hi", string(body))
	require.Equal(t, meta.ContentHash, gotMeta.ContentHash)

	require.NoError(t, s.Delete(ctx, owner, "/pub/example.com/hello.txt"))
	_, _, err = s.Get(ctx, owner, "/pub/example.com/hello.txt")
	require.Error(t, err)
}

// TestSQLStoreListEscapesLikeMetacharacters guards against the LIKE
// injection where a dir name containing '%' or '_' would otherwise match
// rows outside that directory.
func TestSQLStoreListEscapesLikeMetacharacters(t *testing.T) {
	s := newTestSQLStore(t)
	owner := newTestOwner(t)
	ctx := context.Background()

	_, err := s.Put(ctx, owner, "/pub/100%off/a", []byte("x"), "")
	require.NoError(t, err)
	_, err = s.Put(ctx, owner, "/pub/100Xoff/b", []byte("x"), "")
	require.NoError(t, err)
	_, err = s.Put(ctx, owner, "/pub/other/c", []byte("x"), "")
	require.NoError(t, err)

	entries, err := s.List(ctx, owner, "/pub/100%off/", ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "/pub/100%off/a", entries[0].Path)

	underscoreEntries, err := s.List(ctx, owner, "/pub/100_off/", ListOptions{})
	require.NoError(t, err)
	require.Empty(t, underscoreEntries)
}

func TestSQLStoreListNeverReturnsEntriesOutsideDir(t *testing.T) {
	s := newTestSQLStore(t)
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

func TestSQLStoreEnforcesQuota(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)

	s := NewSQLStore(db, SQLiteDialect, 5, clock.New(1), nil)
	owner := newTestOwner(t)
	ctx := context.Background()

	_, err = s.Put(ctx, owner, "/pub/a", []byte("1234"), "")
	require.NoError(t, err)

	_, err = s.Put(ctx, owner, "/pub/b", []byte("12"), "")
	require.Error(t, err)
}
