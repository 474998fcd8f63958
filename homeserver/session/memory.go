package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pubky/pubky-homeserver/auth/token"
	"github.com/pubky/pubky-homeserver/pkg/clock"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
)

// MemoryStore is an in-memory Store, grounded in the same
// mutex-guarded-map idiom as the resource store's MemoryStore.
type MemoryStore struct {
	mu      sync.Mutex
	byOwner map[crypto.PublicKey]map[string]*Record // sessionID -> Record
	legacy  map[crypto.PublicKey]string              // owner -> sessionID currently bound to the legacy cookie
	clock   *clock.Clock
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(clk *clock.Clock) *MemoryStore {
	return &MemoryStore{
		byOwner: map[crypto.PublicKey]map[string]*Record{},
		legacy:  map[crypto.PublicKey]string{},
		clock:   clk,
	}
}

func (s *MemoryStore) Create(ctx context.Context, owner crypto.PublicKey, caps []token.Capability) (*Record, error) {
	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:           uuid.NewString(),
		Owner:        owner,
		Secret:       secret,
		Capabilities: append([]token.Capability(nil), caps...),
		CreatedAt:    s.clock.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	owned := s.byOwner[owner]
	if owned == nil {
		owned = map[string]*Record{}
		s.byOwner[owner] = owned
	}
	owned[rec.ID] = rec
	s.legacy[owner] = rec.ID // last-write-wins

	return rec, nil
}

func (s *MemoryStore) LookupCandidates(ctx context.Context, owner crypto.PublicKey, cookies map[string]string) ([]*Record, error) {
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	candidateNames := CandidateCookieNames(owner, names)

	s.mu.Lock()
	defer s.mu.Unlock()
	owned := s.byOwner[owner]
	if owned == nil {
		return nil, nil
	}

	var out []*Record
	legacyID := s.legacy[owner]
	for _, name := range candidateNames {
		value := cookies[name]
		var rec *Record
		if name == owner.String() {
			rec = owned[legacyID]
		} else {
			rec = owned[name]
		}
		if rec != nil && rec.Secret == value {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) SignoutAll(ctx context.Context, owner crypto.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byOwner, owner)
	delete(s.legacy, owner)
	return nil
}
