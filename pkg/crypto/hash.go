package crypto

import "lukechampine.com/blake3"

// HashSize is the length in bytes of a content hash.
const HashSize = 32

// Hash is a BLAKE3-256 content hash, used for resource content addressing
// and event PUT records.
type Hash [HashSize]byte

// Bytes returns the raw hash bytes.
func (h Hash) Bytes() []byte { return h[:] }

// Hex returns the lowercase hex encoding of the full hash.
func (h Hash) Hex() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 2*HashSize)
	for i, b := range h {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// ShortHex returns the hex encoding of the first 16 bytes of the hash, used
// as a strong ETag validator.
func (h Hash) ShortHex() string {
	return h.Hex()[:32]
}

// HashBytes computes the BLAKE3-256 hash of b.
func HashBytes(b []byte) Hash {
	var h Hash
	sum := blake3.Sum256(b)
	copy(h[:], sum[:])
	return h
}

// NewHasher returns a streaming BLAKE3-256 hasher implementing io.Writer, for
// callers that want to hash a body while copying it (e.g. while writing to a
// backing file), instead of buffering first.
func NewHasher() *blake3.Hasher {
	return blake3.New(HashSize, nil)
}

// SumHasher finalizes a streaming hasher into a Hash.
func SumHasher(h *blake3.Hasher) Hash {
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ChannelID derives a relay rendezvous channel id from a client secret:
// base64url(BLAKE3(client_secret)).
func ChannelID(clientSecret []byte) string {
	sum := HashBytes(clientSecret)
	return base64URLNoPad(sum[:])
}
