package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/pubky/pubky-homeserver/auth/token"
	"github.com/pubky/pubky-homeserver/pkg/clock"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// EtcdStore is a Store backed by etcd, for homeserver deployments that run
// more than one instance and need a shared session table. Grounded in the
// teacher's key-prefix-plus-JSON-value etcd storage implementation: one key
// per session under sessionPrefix, plus a secondary pointer key recording
// which session id currently owns the legacy cookie name.
type EtcdStore struct {
	db      *clientv3.Client
	clock   *clock.Clock
	timeout time.Duration
}

const (
	sessionPrefix = "pubky/session/"
	legacyPrefix  = "pubky/session-legacy/"

	defaultEtcdTimeout = 5 * time.Second
)

// NewEtcdStore wraps an already-connected client.
func NewEtcdStore(db *clientv3.Client, clk *clock.Clock) *EtcdStore {
	return &EtcdStore{db: db, clock: clk, timeout: defaultEtcdTimeout}
}

type etcdRecord struct {
	ID           string              `json:"id"`
	Owner        string              `json:"owner"`
	Secret       string              `json:"secret"`
	Capabilities []token.Capability  `json:"capabilities"`
	CreatedAt    clock.Timestamp     `json:"createdAt"`
}

func sessionKey(owner crypto.PublicKey, id string) string {
	return sessionPrefix + owner.String() + "/" + id
}

func legacyKey(owner crypto.PublicKey) string {
	return legacyPrefix + owner.String()
}

func (s *EtcdStore) Create(ctx context.Context, owner crypto.PublicKey, caps []token.Capability) (*Record, error) {
	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec := &Record{
		ID:           uuid.NewString(),
		Owner:        owner,
		Secret:       secret,
		Capabilities: append([]token.Capability(nil), caps...),
		CreatedAt:    s.clock.Now(),
	}
	encoded := etcdRecord{ID: rec.ID, Owner: owner.String(), Secret: rec.Secret, Capabilities: rec.Capabilities, CreatedAt: rec.CreatedAt}
	body, err := json.Marshal(encoded)
	if err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInternal, "marshal session record", err)
	}

	if _, err := s.db.Put(ctx, sessionKey(owner, rec.ID), string(body)); err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInternal, "create session", err)
	}
	if _, err := s.db.Put(ctx, legacyKey(owner), rec.ID); err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInternal, "bind legacy session pointer", err)
	}
	return rec, nil
}

func (s *EtcdStore) getLegacyID(ctx context.Context, owner crypto.PublicKey) (string, bool, error) {
	res, err := s.db.Get(ctx, legacyKey(owner))
	if err != nil {
		return "", false, pkgerr.Wrap(pkgerr.KindInternal, "read legacy session pointer", err)
	}
	if res.Count == 0 {
		return "", false, nil
	}
	return string(res.Kvs[0].Value), true, nil
}

func (s *EtcdStore) getSession(ctx context.Context, owner crypto.PublicKey, id string) (*Record, error) {
	res, err := s.db.Get(ctx, sessionKey(owner, id))
	if err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInternal, "read session", err)
	}
	if res.Count == 0 {
		return nil, nil
	}
	var enc etcdRecord
	if err := json.Unmarshal(res.Kvs[0].Value, &enc); err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInternal, "decode session record", err)
	}
	return &Record{ID: enc.ID, Owner: owner, Secret: enc.Secret, Capabilities: enc.Capabilities, CreatedAt: enc.CreatedAt}, nil
}

func (s *EtcdStore) LookupCandidates(ctx context.Context, owner crypto.PublicKey, cookies map[string]string) ([]*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	candidateNames := CandidateCookieNames(owner, names)

	legacyID, hasLegacy, err := s.getLegacyID(ctx, owner)
	if err != nil {
		return nil, err
	}

	var out []*Record
	for _, name := range candidateNames {
		value := cookies[name]
		id := name
		if name == owner.String() {
			if !hasLegacy {
				continue
			}
			id = legacyID
		}
		rec, err := s.getSession(ctx, owner, id)
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.Secret == value {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *EtcdStore) SignoutAll(ctx context.Context, owner crypto.PublicKey) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.Delete(ctx, sessionPrefix+owner.String()+"/", clientv3.WithPrefix()); err != nil {
		return pkgerr.Wrap(pkgerr.KindInternal, "delete owner sessions", err)
	}
	if _, err := s.db.Delete(ctx, legacyKey(owner)); err != nil {
		return pkgerr.Wrap(pkgerr.KindInternal, "delete legacy session pointer", err)
	}
	return nil
}
