// Package keystore holds the keypairs of users who have opted the
// homeserver into republishing their _pubky record on their behalf,
// satisfying pkarr.KeySource. The homeserver is non-custodial by default
// (§1): a user's root secret never has to pass through it at signup, and
// nothing in the auth/session path depends on this package. It exists only
// for the narrow convenience case of a user handing the homeserver a
// derived signing key so the server-side republisher can keep their
// record fresh without the user's own client running continuously.
package keystore

import (
	"context"
	"sync"

	"github.com/pubky/pubky-homeserver/pkg/crypto"
)

// Keystore is the registry a Republisher sweeps.
type Keystore interface {
	// Register adds or replaces the keypair the republisher should keep
	// fresh on owner's behalf.
	Register(owner crypto.PublicKey, kp *crypto.Keypair)
	// Forget removes owner; the republisher stops sweeping it.
	Forget(owner crypto.PublicKey)
	// KnownKeypairs satisfies pkarr.KeySource.
	KnownKeypairs(ctx context.Context) ([]*crypto.Keypair, error)
}

// MemoryKeystore is a mutex-guarded in-process Keystore.
type MemoryKeystore struct {
	mu   sync.RWMutex
	keys map[crypto.PublicKey]*crypto.Keypair
}

// NewMemoryKeystore returns an empty MemoryKeystore.
func NewMemoryKeystore() *MemoryKeystore {
	return &MemoryKeystore{keys: map[crypto.PublicKey]*crypto.Keypair{}}
}

func (k *MemoryKeystore) Register(owner crypto.PublicKey, kp *crypto.Keypair) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[owner] = kp
}

func (k *MemoryKeystore) Forget(owner crypto.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, owner)
}

func (k *MemoryKeystore) KnownKeypairs(_ context.Context) ([]*crypto.Keypair, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]*crypto.Keypair, 0, len(k.keys))
	for _, kp := range k.keys {
		out = append(out, kp)
	}
	return out, nil
}
