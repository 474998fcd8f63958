package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pubky/pubky-homeserver/pkg/clock"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// Dialect abstracts the placeholder syntax difference between postgres
// ($1, $2, ...), mysql/sqlite (?, ?, ...), matching the teacher's
// storage/sql package split across driver-specific config structs while
// sharing one CRUD implementation.
type Dialect interface {
	Placeholder(argPosition int) string
	Name() string
}

type questionMarkDialect struct{ name string }

func (d questionMarkDialect) Placeholder(int) string { return "?" }
func (d questionMarkDialect) Name() string           { return d.name }

type dollarDialect struct{}

func (dollarDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (dollarDialect) Name() string             { return "postgres" }

// MySQLDialect and SQLiteDialect both use '?' placeholders.
var (
	MySQLDialect  Dialect = questionMarkDialect{"mysql"}
	SQLiteDialect Dialect = questionMarkDialect{"sqlite3"}
	PostgresDialect Dialect = dollarDialect{}
)

// SQLStore persists resources as rows in a single table, for deployments
// that want durability across restarts without a separate DB. Schema
// (dialect-appropriate types):
//
//	CREATE TABLE resources (
//	  owner       TEXT NOT NULL,
//	  path        TEXT NOT NULL,
//	  body        BLOB NOT NULL,
//	  content_type TEXT NOT NULL,
//	  content_hash TEXT NOT NULL,
//	  modified_us BIGINT NOT NULL,
//	  PRIMARY KEY (owner, path)
//	);
type SQLStore struct {
	db         *sql.DB
	dialect    Dialect
	quotaBytes int64
	clock      *clock.Clock
	events     EventSink
}

// NewSQLStore wraps an already-open *sql.DB (lib/pq, go-sql-driver/mysql,
// or mattn/go-sqlite3) assumed to already have the resources table created.
func NewSQLStore(db *sql.DB, dialect Dialect, quotaBytes int64, clk *clock.Clock, events EventSink) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, quotaBytes: quotaBytes, clock: clk, events: events}
}

func (s *SQLStore) ph(n int) string { return s.dialect.Placeholder(n) }

func (s *SQLStore) Put(ctx context.Context, owner crypto.PublicKey, path string, body []byte, contentType string) (Meta, error) {
	if err := validateWritePath(path); err != nil {
		return Meta{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Meta{}, pkgerr.Wrap(pkgerr.KindInternal, "begin put transaction", err)
	}
	defer tx.Rollback()

	var currentUsage, previousSize int64
	row := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(SUM(LENGTH(body)), 0) FROM resources WHERE owner = %s", s.ph(1)), owner.String())
	if err := row.Scan(&currentUsage); err != nil {
		return Meta{}, pkgerr.Wrap(pkgerr.KindInternal, "read owner usage", err)
	}
	row = tx.QueryRowContext(ctx, fmt.Sprintf("SELECT LENGTH(body) FROM resources WHERE owner = %s AND path = %s", s.ph(1), s.ph(2)), owner.String(), path)
	_ = row.Scan(&previousSize) // sql.ErrNoRows means no prior value; previousSize stays 0

	newTotal := currentUsage - previousSize + int64(len(body))
	if s.quotaBytes > 0 && newTotal > s.quotaBytes {
		return Meta{}, pkgerr.Newf(pkgerr.KindQuotaExceeded, "put would exceed quota of %d bytes", s.quotaBytes)
	}

	hash := crypto.HashBytes(body)
	now := s.clock.Now()
	upsert := fmt.Sprintf(`DELETE FROM resources WHERE owner = %s AND path = %s`, s.ph(1), s.ph(2))
	if _, err := tx.ExecContext(ctx, upsert, owner.String(), path); err != nil {
		return Meta{}, pkgerr.Wrap(pkgerr.KindInternal, "clear prior resource row", err)
	}
	insert := fmt.Sprintf(`INSERT INTO resources (owner, path, body, content_type, content_hash, modified_us) VALUES (%s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	if _, err := tx.ExecContext(ctx, insert, owner.String(), path, body, contentType, hash.Hex(), int64(now)); err != nil {
		return Meta{}, pkgerr.Wrap(pkgerr.KindInternal, "insert resource row", err)
	}

	if err := tx.Commit(); err != nil {
		return Meta{}, pkgerr.Wrap(pkgerr.KindInternal, "commit put transaction", err)
	}

	meta := Meta{
		ContentLength:  int64(len(body)),
		ContentType:    contentType,
		ContentHash:    hash,
		ETag:           etagFor(hash),
		LastModifiedMs: int64(now) / 1000,
	}
	if s.events != nil {
		if err := s.events.AppendPut(ctx, owner, path, hash); err != nil {
			return Meta{}, err
		}
	}
	return meta, nil
}

func (s *SQLStore) Get(ctx context.Context, owner crypto.PublicKey, path string) ([]byte, Meta, error) {
	if err := validateReadPath(path); err != nil {
		return nil, Meta{}, err
	}

	q := fmt.Sprintf("SELECT body, content_type, content_hash, modified_us FROM resources WHERE owner = %s AND path = %s", s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, q, owner.String(), path)

	var body []byte
	var contentType, contentHashHex string
	var modifiedUs int64
	if err := row.Scan(&body, &contentType, &contentHashHex, &modifiedUs); err != nil {
		if err == sql.ErrNoRows {
			return nil, Meta{}, pkgerr.New(pkgerr.KindNotFound, "resource not found")
		}
		return nil, Meta{}, pkgerr.Wrap(pkgerr.KindInternal, "read resource row", err)
	}

	hash, err := hashFromHex(contentHashHex)
	if err != nil {
		return nil, Meta{}, err
	}
	meta := Meta{
		ContentLength:  int64(len(body)),
		ContentType:    contentType,
		ContentHash:    hash,
		ETag:           etagFor(hash),
		LastModifiedMs: modifiedUs / 1000,
	}
	return body, meta, nil
}

func (s *SQLStore) Stats(ctx context.Context, owner crypto.PublicKey, path string) (Meta, error) {
	_, meta, err := s.Get(ctx, owner, path)
	return meta, err
}

func (s *SQLStore) Exists(ctx context.Context, owner crypto.PublicKey, path string) (bool, error) {
	if err := validateReadPath(path); err != nil {
		return false, err
	}
	q := fmt.Sprintf("SELECT 1 FROM resources WHERE owner = %s AND path = %s", s.ph(1), s.ph(2))
	var one int
	err := s.db.QueryRowContext(ctx, q, owner.String(), path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, pkgerr.Wrap(pkgerr.KindInternal, "check resource existence", err)
	}
	return true, nil
}

func (s *SQLStore) Delete(ctx context.Context, owner crypto.PublicKey, path string) error {
	if err := validateWritePath(path); err != nil {
		return err
	}
	exists, err := s.Exists(ctx, owner, path)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	q := fmt.Sprintf("DELETE FROM resources WHERE owner = %s AND path = %s", s.ph(1), s.ph(2))
	if _, err := s.db.ExecContext(ctx, q, owner.String(), path); err != nil {
		return pkgerr.Wrap(pkgerr.KindInternal, "delete resource row", err)
	}
	if s.events != nil {
		return s.events.AppendDelete(ctx, owner, path)
	}
	return nil
}

func (s *SQLStore) Usage(ctx context.Context, owner crypto.PublicKey) (int64, error) {
	q := fmt.Sprintf("SELECT COALESCE(SUM(LENGTH(body)), 0) FROM resources WHERE owner = %s", s.ph(1))
	var usage int64
	if err := s.db.QueryRowContext(ctx, q, owner.String()).Scan(&usage); err != nil {
		return 0, pkgerr.Wrap(pkgerr.KindInternal, "read owner usage", err)
	}
	return usage, nil
}

func (s *SQLStore) List(ctx context.Context, owner crypto.PublicKey, dir string, opts ListOptions) ([]Entry, error) {
	if err := validateDir(dir); err != nil {
		return nil, err
	}

	q := fmt.Sprintf("SELECT path, content_type, content_hash, modified_us, LENGTH(body) FROM resources WHERE owner = %s AND path LIKE %s ESCAPE '\\'",
		s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, q, owner.String(), escapeLikePattern(dir)+"%")
	if err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInternal, "list resource rows", err)
	}
	defer rows.Close()

	matching := map[string]Meta{}
	for rows.Next() {
		var path, contentType, contentHashHex string
		var modifiedUs, length int64
		if err := rows.Scan(&path, &contentType, &contentHashHex, &modifiedUs, &length); err != nil {
			return nil, pkgerr.Wrap(pkgerr.KindInternal, "scan resource row", err)
		}
		hash, err := hashFromHex(contentHashHex)
		if err != nil {
			return nil, err
		}
		matching[path] = Meta{
			ContentLength:  length,
			ContentType:    contentType,
			ContentHash:    hash,
			ETag:           etagFor(hash),
			LastModifiedMs: modifiedUs / 1000,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInternal, "iterate resource rows", err)
	}

	var entries []Entry
	if opts.Shallow {
		entries = shallowEntries(dir, matching)
	} else {
		entries = make([]Entry, 0, len(matching))
		for path, meta := range matching {
			entries = append(entries, Entry{Path: path, Meta: meta})
		}
		sortEntries(entries)
	}

	cursor := normalizeCursor(dir, opts.Cursor)
	return applyCursorAndLimit(entries, cursor, opts.Reverse, opts.Limit), nil
}

// escapeLikePattern escapes LIKE metacharacters in a literal path segment
// so a dir containing '%' or '_' (both legal path bytes) only matches
// itself, not an arbitrary wildcard. Paired with ESCAPE '\' in the query.
func escapeLikePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func hashFromHex(hexStr string) (crypto.Hash, error) {
	var h crypto.Hash
	decoded, err := hex.DecodeString(hexStr)
	if err != nil || len(decoded) != crypto.HashSize {
		return h, pkgerr.New(pkgerr.KindInternal, "decode stored content hash")
	}
	copy(h[:], decoded)
	return h, nil
}
