// Package store implements the per-owner resource store: the public-key
// scoped key/value filesystem under /pub/, with quota enforcement,
// cursor-based listing, and shallow directory-sentinel synthesis.
package store

import (
	"context"
	"sort"
	"strings"

	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// WritablePrefix is the only path prefix PUT/DELETE may target.
const WritablePrefix = "/pub/"

// Meta is a resource's metadata, returned alone by Stats/HEAD and
// alongside the body by Get.
type Meta struct {
	ContentLength  int64
	ContentType    string
	ContentHash    crypto.Hash
	ETag           string
	LastModifiedMs int64
}

// Entry is one row of a listing: either a resource or a synthesized
// directory sentinel (IsDirectory, no Meta).
type Entry struct {
	Path        string // absolute path under the owner's namespace
	IsDirectory bool
	Meta        Meta
}

// ListOptions controls List's cursor, ordering, and shallow-mode behavior.
type ListOptions struct {
	Cursor  string // suffix relative to dir, or a full path; both map to the same key
	Reverse bool
	Limit   int
	Shallow bool
}

// EventSink is the narrow interface the store needs to emit PUT/DEL
// events; homeserver/events.Log satisfies it by method signature.
type EventSink interface {
	AppendPut(ctx context.Context, owner crypto.PublicKey, path string, hash crypto.Hash) error
	AppendDelete(ctx context.Context, owner crypto.PublicKey, path string) error
}

// Store is the resource store's public contract. Implementations must be
// safe for concurrent use and linearizable per owner: a Get issued after a
// Put returns must observe that Put (or a later write).
type Store interface {
	Put(ctx context.Context, owner crypto.PublicKey, path string, body []byte, contentType string) (Meta, error)
	Get(ctx context.Context, owner crypto.PublicKey, path string) ([]byte, Meta, error)
	Stats(ctx context.Context, owner crypto.PublicKey, path string) (Meta, error)
	Exists(ctx context.Context, owner crypto.PublicKey, path string) (bool, error)
	Delete(ctx context.Context, owner crypto.PublicKey, path string) error
	List(ctx context.Context, owner crypto.PublicKey, dir string, opts ListOptions) ([]Entry, error)
	// Usage returns owner's current stored-byte total, for quota reporting.
	Usage(ctx context.Context, owner crypto.PublicKey) (int64, error)
}

func validateWritePath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return pkgerr.New(pkgerr.KindInvalidInput, "path must be absolute")
	}
	if strings.Contains(path, "..") {
		return pkgerr.New(pkgerr.KindInvalidInput, "path must not contain '..'")
	}
	if !strings.HasPrefix(path, WritablePrefix) {
		return pkgerr.New(pkgerr.KindAuthorization, "writing to directories other than '/pub/' is forbidden")
	}
	return nil
}

func validateReadPath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return pkgerr.New(pkgerr.KindInvalidInput, "path must be absolute")
	}
	if strings.Contains(path, "..") {
		return pkgerr.New(pkgerr.KindInvalidInput, "path must not contain '..'")
	}
	return nil
}

func validateDir(dir string) error {
	if !strings.HasSuffix(dir, "/") {
		return pkgerr.New(pkgerr.KindInvalidInput, "listing requires a trailing '/' on the directory")
	}
	return validateReadPath(dir)
}

// normalizeCursor maps a cursor given either as a suffix relative to dir or
// as a full path back to the canonical full-path form.
func normalizeCursor(dir, cursor string) string {
	if cursor == "" {
		return ""
	}
	if strings.HasPrefix(cursor, dir) {
		return cursor
	}
	return dir + cursor
}

func etagFor(hash crypto.Hash) string {
	return hash.ShortHex()
}

// shallowEntries synthesizes directory sentinels from a flat, sorted list
// of full resource keys under dir: every immediate child prefix of dir
// appears exactly once, interleaved with files whose names share that
// prefix without a trailing slash. A file "x" and a directory "x/" both
// appear when both exist, with the file sorting first (string "x" is a
// prefix of "x/", so plain lexicographic ordering already places it
// first — no bespoke comparator is needed once both are rendered as
// strings).
func shallowEntries(dir string, files map[string]Meta) []Entry {
	type seenEntry struct {
		meta  Meta
		isDir bool
		has   bool
	}
	seen := map[string]seenEntry{}

	for full, meta := range files {
		rest := full[len(dir):]
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			key := dir + rest[:idx+1]
			seen[key] = seenEntry{isDir: true, has: true}
		} else {
			key := dir + rest
			seen[key] = seenEntry{meta: meta, isDir: false, has: true}
		}
	}

	out := make([]Entry, 0, len(seen))
	for path, e := range seen {
		out = append(out, Entry{Path: path, IsDirectory: e.isDir, Meta: e.meta})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// applyCursorAndLimit filters a sorted-ascending entry list by cursor and
// ordering, then truncates to limit.
func applyCursorAndLimit(entries []Entry, cursor string, reverse bool, limit int) []Entry {
	var filtered []Entry
	for _, e := range entries {
		if cursor != "" {
			if reverse && e.Path >= cursor {
				continue
			}
			if !reverse && e.Path <= cursor {
				continue
			}
		}
		filtered = append(filtered, e)
	}
	if reverse {
		for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}
