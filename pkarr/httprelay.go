package pkarr

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"

	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// HTTPRelayTransport resolves and publishes records through a pkarr HTTP
// relay: a REST front-end over the DHT for runtimes that cannot or prefer
// not to speak the raw UDP protocol (the browser/sandboxed case the
// fetch/publish/resolve capability split exists for). The wire format for
// a GET/PUT body is seq(8 BE) || sig(64) || value, matching the relay's own
// BEP44 item framing.
type HTTPRelayTransport struct {
	base       string
	httpClient *http.Client
}

// NewHTTPRelayTransport returns a transport rooted at base (e.g.
// "https://relay.pkarr.org").
func NewHTTPRelayTransport(base string, httpClient *http.Client) *HTTPRelayTransport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPRelayTransport{base: base, httpClient: httpClient}
}

func (t *HTTPRelayTransport) url(owner crypto.PublicKey) string {
	return fmt.Sprintf("%s/%s", t.base, owner.String())
}

// Resolve fetches owner's current record from the relay.
func (t *HTTPRelayTransport) Resolve(ctx context.Context, owner crypto.PublicKey) (*SignedRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url(owner), nil)
	if err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInvalidInput, "build pkarr relay GET request", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindPkarrTransport, "pkarr relay GET failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, pkgerr.Wrap(pkgerr.KindPkarrTransport, "read pkarr relay response", err)
		}
		return decodeRelayBody(owner, body)
	case http.StatusNotFound:
		return nil, pkgerr.New(pkgerr.KindPkarrNotFound, "pkarr relay has no record for this key")
	default:
		return nil, pkgerr.Newf(pkgerr.KindPkarrTransport, "pkarr relay GET returned unexpected status %d", resp.StatusCode)
	}
}

// Publish PUTs sr to the relay for onward publication to the DHT.
func (t *HTTPRelayTransport) Publish(ctx context.Context, sr *SignedRecord) error {
	if !sr.Verify() {
		return pkgerr.New(pkgerr.KindInvalidInput, "refusing to publish unsigned or corrupt record")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.url(sr.Owner), bytes.NewReader(encodeRelayBody(sr)))
	if err != nil {
		return pkgerr.Wrap(pkgerr.KindInvalidInput, "build pkarr relay PUT request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return pkgerr.Wrap(pkgerr.KindPkarrTransport, "pkarr relay PUT failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return pkgerr.Newf(pkgerr.KindPkarrTransport, "pkarr relay PUT returned unexpected status %d", resp.StatusCode)
	}
	return nil
}

func encodeRelayBody(sr *SignedRecord) []byte {
	buf := make([]byte, 8+64+len(sr.Value))
	binary.BigEndian.PutUint64(buf[:8], uint64(sr.Seq))
	copy(buf[8:72], sr.Signature[:])
	copy(buf[72:], sr.Value)
	return buf
}

func decodeRelayBody(owner crypto.PublicKey, body []byte) (*SignedRecord, error) {
	if len(body) < 72 {
		return nil, pkgerr.New(pkgerr.KindInvalidInput, "pkarr relay body too short")
	}
	sr := &SignedRecord{
		Owner: owner,
		Seq:   int64(binary.BigEndian.Uint64(body[:8])),
		Value: append([]byte(nil), body[72:]...),
	}
	copy(sr.Signature[:], body[8:72])
	if !sr.Verify() {
		return nil, pkgerr.New(pkgerr.KindAuthentication, "pkarr relay record signature invalid")
	}
	return sr, nil
}
