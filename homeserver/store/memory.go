package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pubky/pubky-homeserver/pkg/clock"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

type record struct {
	body        []byte
	contentType string
	hash        crypto.Hash
	modifiedUs  clock.Timestamp
}

func (r record) meta() Meta {
	return Meta{
		ContentLength:  int64(len(r.body)),
		ContentType:    r.contentType,
		ContentHash:    r.hash,
		ETag:           etagFor(r.hash),
		LastModifiedMs: int64(r.modifiedUs) / 1000,
	}
}

// MemoryStore is an in-memory Store, mirroring the teacher's
// mutex-guarded-map-plus-tx-closure storage idiom: every mutation runs
// inside tx so quota accounting and the map write stay atomic together.
type MemoryStore struct {
	mu          sync.RWMutex
	byOwner     map[crypto.PublicKey]map[string]record
	usage       map[crypto.PublicKey]int64
	quotaBytes  int64 // 0 means unlimited
	clock       *clock.Clock
	events      EventSink
}

// NewMemoryStore returns an empty MemoryStore. quotaBytes is the per-owner
// byte budget (0 = unlimited); events receives PUT/DEL notifications (may
// be nil to run without an event log, e.g. in store-only tests).
func NewMemoryStore(quotaBytes int64, clk *clock.Clock, events EventSink) *MemoryStore {
	return &MemoryStore{
		byOwner:    map[crypto.PublicKey]map[string]record{},
		usage:      map[crypto.PublicKey]int64{},
		quotaBytes: quotaBytes,
		clock:      clk,
		events:     events,
	}
}

func (s *MemoryStore) tx(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *MemoryStore) Put(ctx context.Context, owner crypto.PublicKey, path string, body []byte, contentType string) (Meta, error) {
	if err := validateWritePath(path); err != nil {
		return Meta{}, err
	}

	var meta Meta
	var txErr error
	s.tx(func() {
		owned := s.byOwner[owner]
		var previousSize int64
		if owned != nil {
			if prev, ok := owned[path]; ok {
				previousSize = int64(len(prev.body))
			}
		}

		newTotal := s.usage[owner] - previousSize + int64(len(body))
		if s.quotaBytes > 0 && newTotal > s.quotaBytes {
			txErr = pkgerr.Newf(pkgerr.KindQuotaExceeded, "put would exceed quota of %d bytes", s.quotaBytes)
			return
		}

		rec := record{
			body:        append([]byte(nil), body...),
			contentType: contentType,
			hash:        crypto.HashBytes(body),
			modifiedUs:  s.clock.Now(),
		}
		if owned == nil {
			owned = map[string]record{}
			s.byOwner[owner] = owned
		}
		owned[path] = rec
		s.usage[owner] = newTotal
		meta = rec.meta()
	})
	if txErr != nil {
		return Meta{}, txErr
	}

	if s.events != nil {
		if err := s.events.AppendPut(ctx, owner, path, meta.ContentHash); err != nil {
			return Meta{}, err
		}
	}
	return meta, nil
}

func (s *MemoryStore) Get(ctx context.Context, owner crypto.PublicKey, path string) ([]byte, Meta, error) {
	if err := validateReadPath(path); err != nil {
		return nil, Meta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	owned, ok := s.byOwner[owner]
	if !ok {
		return nil, Meta{}, pkgerr.New(pkgerr.KindNotFound, "resource not found")
	}
	rec, ok := owned[path]
	if !ok {
		return nil, Meta{}, pkgerr.New(pkgerr.KindNotFound, "resource not found")
	}
	return append([]byte(nil), rec.body...), rec.meta(), nil
}

func (s *MemoryStore) Stats(ctx context.Context, owner crypto.PublicKey, path string) (Meta, error) {
	_, meta, err := s.Get(ctx, owner, path)
	return meta, err
}

func (s *MemoryStore) Exists(ctx context.Context, owner crypto.PublicKey, path string) (bool, error) {
	if err := validateReadPath(path); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	owned, ok := s.byOwner[owner]
	if !ok {
		return false, nil
	}
	_, ok = owned[path]
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, owner crypto.PublicKey, path string) error {
	if err := validateWritePath(path); err != nil {
		return err
	}

	var existed bool
	s.tx(func() {
		owned := s.byOwner[owner]
		if owned == nil {
			return
		}
		rec, ok := owned[path]
		if !ok {
			return
		}
		existed = true
		delete(owned, path)
		s.usage[owner] -= int64(len(rec.body))
	})

	if existed && s.events != nil {
		return s.events.AppendDelete(ctx, owner, path)
	}
	return nil
}

func (s *MemoryStore) Usage(ctx context.Context, owner crypto.PublicKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[owner], nil
}

func (s *MemoryStore) List(ctx context.Context, owner crypto.PublicKey, dir string, opts ListOptions) ([]Entry, error) {
	if err := validateDir(dir); err != nil {
		return nil, err
	}

	s.mu.RLock()
	owned := s.byOwner[owner]
	matching := map[string]Meta{}
	for path, rec := range owned {
		if strings.HasPrefix(path, dir) {
			matching[path] = rec.meta()
		}
	}
	s.mu.RUnlock()

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

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
}
