// Package crypto holds the cryptographic primitives the rest of the
// homeserver builds on: Ed25519 keypairs, z-base-32 encoding of public keys,
// BLAKE3 content hashing, Argon2id-protected recovery files, and a
// random-nonce symmetric sealed box used to carry auth tokens across the
// relay. It mirrors the standard-library-first style of the teacher's
// pkg/crypto package (AES/HMAC helpers built directly on crypto/*), extended
// with the primitives the Ed25519 public-key network actually calls for.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// PublicKeySize is the length in bytes of a Pubky public key.
const PublicKeySize = ed25519.PublicKeySize // 32

// SecretKeySize is the length in bytes of an Ed25519 seed (not the expanded
// 64-byte signing key crypto/ed25519 otherwise uses internally).
const SecretKeySize = ed25519.SeedSize // 32

// PublicKey is a Pubky user's Ed25519 public key.
type PublicKey [PublicKeySize]byte

// Bytes returns the raw 32 bytes of the public key.
func (p PublicKey) Bytes() []byte { return p[:] }

// Ed25519 returns the ed25519.PublicKey view of this key for use with the
// standard library's Verify.
func (p PublicKey) Ed25519() ed25519.PublicKey { return ed25519.PublicKey(p[:]) }

// String renders the public key in canonical z-base-32 form (52 chars).
func (p PublicKey) String() string { return EncodeZ32(p[:]) }

// Equal reports whether two public keys are the same point.
func (p PublicKey) Equal(o PublicKey) bool {
	return subtle.ConstantTimeCompare(p[:], o[:]) == 1
}

// PublicKeyFromZ32 decodes a canonical z-base-32 public key string.
func PublicKeyFromZ32(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := DecodeZ32(s)
	if err != nil {
		return pk, pkgerr.Wrap(pkgerr.KindInvalidInput, "invalid z-base-32 public key", err)
	}
	if len(b) != PublicKeySize {
		return pk, pkgerr.Newf(pkgerr.KindInvalidInput, "public key must decode to %d bytes, got %d", PublicKeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// PublicKeyFromBytes wraps a raw 32-byte slice.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, pkgerr.Newf(pkgerr.KindInvalidInput, "public key must be %d bytes, got %d", PublicKeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// Keypair owns an Ed25519 secret. The secret is never logged and should be
// overwritten with Zeroize once the caller is done with it — Go has no
// destructors, so this is the caller's responsibility at the end of the
// keypair's useful life (e.g. after a recovery-file import completes, or at
// process shutdown for a signer held only in memory).
type Keypair struct {
	public PublicKey
	secret ed25519.PrivateKey // 64-byte expanded form; Seed() recovers the 32-byte seed
}

// GenerateKeypair creates a new random Ed25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInternal, "generate ed25519 key", err)
	}
	pk, err := PublicKeyFromBytes(pub)
	if err != nil {
		return nil, err
	}
	return &Keypair{public: pk, secret: priv}, nil
}

// KeypairFromSeed reconstructs a Keypair from a 32-byte Ed25519 seed, as
// decrypted from a RecoveryFile.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != SecretKeySize {
		return nil, pkgerr.Newf(pkgerr.KindInvalidInput, "seed must be %d bytes, got %d", SecretKeySize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, err := PublicKeyFromBytes(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Keypair{public: pub, secret: priv}, nil
}

// Public returns the keypair's public key.
func (k *Keypair) Public() PublicKey { return k.public }

// Seed returns the 32-byte Ed25519 seed, suitable for re-encrypting into a
// RecoveryFile.
func (k *Keypair) Seed() []byte {
	return k.secret.Seed()
}

// Sign signs msg and returns the 64-byte Ed25519 signature.
func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.secret, msg)
}

// Verify checks sig over msg under pub.
func Verify(pub PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub.Ed25519(), msg, sig)
}

// Zeroize overwrites the secret key material in place. After calling this,
// the Keypair must not be used to Sign again.
func (k *Keypair) Zeroize() {
	for i := range k.secret {
		k.secret[i] = 0
	}
}

// GoString keeps the secret out of %#v dumps, fmt.Sprintf, and test failure
// output — never print a Keypair's Seed().
func (k *Keypair) GoString() string {
	return fmt.Sprintf("Keypair{public: %s}", k.public)
}

func (k *Keypair) String() string { return k.GoString() }
