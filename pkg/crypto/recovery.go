package crypto

import (
	"bytes"
	"crypto/rand"
	"strings"

	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
	"golang.org/x/crypto/argon2"
)

// recoveryHeader is the literal first line of a recovery file.
const recoveryHeader = "pubky.org/recovery\n"

const (
	argonSaltSize = 16
	argonTime     = 3
	argonMemoryKB = 64 * 1024
	argonThreads  = 4
)

// EncryptRecoveryFile serializes a keypair's seed into the recovery file
// format: a literal header line followed by salt ‖ AEAD(Argon2id(passphrase,
// salt), seed). The salt is stored alongside the ciphertext (not secret) so
// decryption can re-derive the same key.
func EncryptRecoveryFile(seed []byte, passphrase []byte) ([]byte, error) {
	if len(seed) != SecretKeySize {
		return nil, pkgerr.Newf(pkgerr.KindInvalidInput, "seed must be %d bytes, got %d", SecretKeySize, len(seed))
	}

	salt := make([]byte, argonSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInternal, "read random salt", err)
	}

	keyBytes := argon2.IDKey(passphrase, salt, argonTime, argonMemoryKB, argonThreads, 32)
	key, err := SecretFromBytes(keyBytes)
	if err != nil {
		return nil, err
	}

	sealed, err := SealWithSecret(key, seed)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(recoveryHeader)
	buf.Write(salt)
	buf.Write(sealed)
	return buf.Bytes(), nil
}

// DecryptRecoveryFile parses and decrypts a recovery file, returning the
// 32-byte Ed25519 seed.
func DecryptRecoveryFile(data []byte, passphrase []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(recoveryHeader)) {
		return nil, pkgerr.New(pkgerr.KindInvalidInput, "bad recovery file header")
	}
	body := data[len(recoveryHeader):]
	if len(body) < argonSaltSize {
		return nil, pkgerr.New(pkgerr.KindInvalidInput, "recovery file truncated before salt")
	}
	salt := body[:argonSaltSize]
	sealed := body[argonSaltSize:]

	keyBytes := argon2.IDKey(passphrase, salt, argonTime, argonMemoryKB, argonThreads, 32)
	key, err := SecretFromBytes(keyBytes)
	if err != nil {
		return nil, err
	}

	seed, err := OpenWithSecret(key, sealed)
	if err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInvalidInput, "wrong passphrase or corrupt recovery file", err)
	}
	if len(seed) != SecretKeySize {
		return nil, pkgerr.Newf(pkgerr.KindInvalidInput, "decrypted seed must be %d bytes, got %d", SecretKeySize, len(seed))
	}
	return seed, nil
}

// LooksLikeRecoveryFile is a cheap header sniff used by callers deciding
// whether to attempt DecryptRecoveryFile at all.
func LooksLikeRecoveryFile(data []byte) bool {
	return strings.HasPrefix(string(data), recoveryHeader)
}
