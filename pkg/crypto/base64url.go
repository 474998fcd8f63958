package crypto

import "encoding/base64"

// base64URLNoPad is used for relay channel ids and client secrets embedded
// in pubkyauth:// URLs, where padding characters would need percent-escaping
// for no benefit.
func base64URLNoPad(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64URL decodes an unpadded base64url string, as used for the
// `secret` query parameter of a pubkyauth:// URL.
func DecodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// EncodeBase64URL encodes b as unpadded base64url.
func EncodeBase64URL(b []byte) string {
	return base64URLNoPad(b)
}
