package crypto

import (
	"encoding/base32"
	"strings"

	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// zAlphabet is Zooko Wilcox-O'Hearn's human-oriented base-32 alphabet:
// case-insensitive, avoids visually confusable characters (no 0/o, 1/l/i
// confusion, etc.), used throughout Pubky to render 32-byte Ed25519 public
// keys as 52-character identifiers.
const zAlphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"

// zEncoding packs 5 bits per character MSB-first like standard RFC 4648
// base32, just with z-base-32's alphabet substituted in and no padding —
// the teacher's storage.NewID uses the same base32.NewEncoding(custom
// alphabet) approach for its device-code/ID encoding (storage/storage.go).
var zEncoding = base32.NewEncoding(zAlphabet).WithPadding(base32.NoPadding)

// EncodeZ32 encodes b as lowercase z-base-32.
func EncodeZ32(b []byte) string {
	return zEncoding.EncodeToString(b)
}

// DecodeZ32 decodes a z-base-32 string, accepting either case.
func DecodeZ32(s string) ([]byte, error) {
	b, err := zEncoding.DecodeString(strings.ToLower(s))
	if err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInvalidInput, "malformed z-base-32 string", err)
	}
	return b, nil
}
