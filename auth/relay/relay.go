// Package relay implements the narrow two-endpoint client for the HTTP
// relay rendezvous: a single long-poll GET and a single POST, used to
// exchange one encrypted auth-flow payload between a signer and a
// third-party app that share only a channel id derived from a secret.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pubky/pubky-homeserver/pkg/log"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// Client talks to one relay base URL on behalf of either side of an
// auth-flow: the third-party app polling for a delivery, or the signer
// posting one.
type Client struct {
	base       string
	httpClient *http.Client
	logger     log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client, e.g. to set a custom
// transport in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a relay Client rooted at base (e.g. "https://relay.pubky.app/link").
func New(base string, logger log.Logger, opts ...Option) *Client {
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) channelURL(channelID string) string {
	return fmt.Sprintf("%s/%s", c.base, url.PathEscape(channelID))
}

// TryPollOnce issues a single bounded GET against the channel and returns
// the delivered body, or (nil, false, nil) on a clean timeout so the caller
// can decide whether to retry.
func (c *Client) TryPollOnce(ctx context.Context, channelID string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.channelURL(channelID), nil)
	if err != nil {
		return nil, false, pkgerr.Wrap(pkgerr.KindInvalidInput, "build relay GET request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, pkgerr.Wrap(pkgerr.KindTransport, "relay GET failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, pkgerr.Wrap(pkgerr.KindTransport, "read relay GET body", err)
		}
		return body, true, nil
	case http.StatusRequestTimeout, http.StatusGatewayTimeout, http.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, pkgerr.Newf(pkgerr.KindTransport, "relay GET returned unexpected status %d", resp.StatusCode)
	}
}

// AwaitApproval retries TryPollOnce until a delivery arrives, ctx is
// canceled, or TryPollOnce returns an error. Clean long-poll timeouts are
// retried without limit; any error ends the wait at once. It is cooperatively
// cancelable: canceling ctx aborts the in-flight GET and returns ctx.Err().
func (c *Client) AwaitApproval(ctx context.Context, channelID string, retryDelay time.Duration) ([]byte, error) {
	for {
		body, ok, err := c.TryPollOnce(ctx, channelID)
		if err != nil {
			return nil, err
		}
		if ok {
			return body, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
			c.logger.Debugf("relay: retrying long-poll on channel %s", channelID)
		}
	}
}

// Post delivers one opaque payload to the channel. The relay dispatches it
// to a currently-waiting GETter; if none is waiting, the payload is
// typically dropped by the relay (the contract is "at most one delivery",
// not "store and forward").
func (c *Client) Post(ctx context.Context, channelID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.channelURL(channelID), bytes.NewReader(payload))
	if err != nil {
		return pkgerr.Wrap(pkgerr.KindInvalidInput, "build relay POST request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return pkgerr.Wrap(pkgerr.KindTransport, "relay POST failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return pkgerr.Newf(pkgerr.KindTransport, "relay POST returned unexpected status %d", resp.StatusCode)
	}
	return nil
}
