package crypto

import (
	"crypto/rand"

	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
	"golang.org/x/crypto/nacl/secretbox"
)

// nonceSize matches secretbox's 24-byte XSalsa20 nonce.
const nonceSize = 24

// SealWithSecret encrypts plaintext under a symmetric key using a fresh
// random nonce each call, prepending the nonce to the ciphertext. Both the
// auth-flow's relay transport (key = client_secret) and the recovery file
// (key = Argon2id(passphrase)) use this same envelope.
func SealWithSecret(key *[32]byte, plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInternal, "read random nonce", err)
	}
	out := make([]byte, 0, nonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, key)
	return out, nil
}

// OpenWithSecret decrypts a value produced by SealWithSecret.
func OpenWithSecret(key *[32]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, pkgerr.New(pkgerr.KindInvalidInput, "sealed value too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, pkgerr.New(pkgerr.KindInvalidInput, "decryption failed: bad key or corrupt ciphertext")
	}
	return plaintext, nil
}

// SecretFromBytes copies a variable-length secret into the fixed 32-byte key
// array secretbox requires. Callers that derive a key via BLAKE3 or Argon2id
// already produce exactly 32 bytes; this guards against a malformed or
// truncated value doing so.
func SecretFromBytes(b []byte) (*[32]byte, error) {
	if len(b) != 32 {
		return nil, pkgerr.Newf(pkgerr.KindInvalidInput, "secret must be 32 bytes, got %d", len(b))
	}
	var key [32]byte
	copy(key[:], b)
	return &key, nil
}
