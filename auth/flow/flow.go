// Package flow orchestrates the third-party and signer sides of the
// capability auth flow: generating the rendezvous secret, composing and
// parsing pubkyauth:// URLs, and driving each side's state machine across
// the relay.
package flow

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pubky/pubky-homeserver/auth/relay"
	"github.com/pubky/pubky-homeserver/auth/token"
	"github.com/pubky/pubky-homeserver/pkg/clock"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// State is a third-party flow's position in its state machine.
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateShowingURL
	StateDecrypting
	StateExchanging
	StateDone
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSubscribing:
		return "Subscribing"
	case StateShowingURL:
		return "ShowingURL"
	case StateDecrypting:
		return "Decrypting"
	case StateExchanging:
		return "Exchanging"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	case StateCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

const clientSecretSize = 32

// ClientFlow is the third-party (keyless) app side of an auth flow: it
// never holds a keypair, only the ephemeral client_secret used to derive
// the relay channel and decrypt the eventual AuthToken.
type ClientFlow struct {
	mu           sync.Mutex
	state        State
	clientSecret [clientSecretSize]byte
	channelID    string
	relayBase    string
	caps         []token.Capability
	relayClient  *relay.Client

	awaited bool
}

// Session is what the third-party app receives on a successful exchange.
type Session struct {
	Owner        crypto.PublicKey
	Capabilities []token.Capability
}

// Exchanger performs POST /session against the resolved homeserver and
// returns the resulting session, or an error. The handler layer supplies
// the concrete implementation; this package only needs the contract.
type Exchanger interface {
	Exchange(ctx context.Context, authTokenBytes []byte) (Session, error)
}

// NewClientFlow generates a fresh client_secret and derives its channel id.
func NewClientFlow(relayBase string, caps []token.Capability, relayClient *relay.Client) (*ClientFlow, error) {
	f := &ClientFlow{
		state:       StateIdle,
		relayBase:   strings.TrimRight(relayBase, "/"),
		caps:        caps,
		relayClient: relayClient,
	}
	if _, err := rand.Read(f.clientSecret[:]); err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInternal, "generate client secret", err)
	}
	f.channelID = crypto.ChannelID(f.clientSecret[:])
	return f, nil
}

// State returns the flow's current state.
func (f *ClientFlow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// AuthURL composes the pubkyauth:// URL to show the user (QR/deeplink),
// transitioning Idle/Subscribing -> ShowingURL. Per the rendezvous
// contract, callers must begin the long-poll subscription (AwaitApproval or
// TryPollOnce) before — or concurrently with — showing this URL, since
// delivery is one-shot and a POST arriving before any GET is listening is
// lost.
func (f *ClientFlow) AuthURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateIdle {
		f.state = StateSubscribing
	}
	f.state = StateShowingURL

	q := url.Values{}
	q.Set("relay", f.relayBase)
	q.Set("caps", token.FormatCapabilities(f.caps))
	q.Set("secret", crypto.EncodeBase64URL(f.clientSecret[:]))
	return "pubkyauth:///?" + q.Encode()
}

// Cancel transitions a ShowingURL flow to Canceled, releasing any
// in-flight subscription (the caller's ctx cancellation does the actual
// releasing; this just records the terminal state).
func (f *ClientFlow) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateDone && f.state != StateFailed {
		f.state = StateCanceled
	}
}

// TryPollOnce performs one bounded poll of the relay channel without
// blocking for approval, decrypting and exchanging the token if one has
// arrived.
func (f *ClientFlow) TryPollOnce(ctx context.Context, exchanger Exchanger) (*Session, error) {
	f.mu.Lock()
	if f.awaited || f.state == StateDone || f.state == StateFailed || f.state == StateCanceled {
		f.mu.Unlock()
		return nil, pkgerr.New(pkgerr.KindClientState, "flow already awaited or completed")
	}
	f.mu.Unlock()

	body, ok, err := f.relayClient.TryPollOnce(ctx, f.channelID)
	if err != nil {
		f.fail()
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return f.deliver(ctx, body, exchanger)
}

// AwaitApproval blocks (retrying on relay timeout) until a delivery
// arrives, ctx is canceled, or the underlying relay client gives up. It may
// only be called once per flow; a second call, or a call after the flow
// has reached a terminal state, fails fast with a KindClientState error.
func (f *ClientFlow) AwaitApproval(ctx context.Context, exchanger Exchanger, retryDelay time.Duration) (*Session, error) {
	f.mu.Lock()
	if f.awaited {
		f.mu.Unlock()
		return nil, pkgerr.New(pkgerr.KindClientState, "awaitApproval called twice on the same flow")
	}
	if f.state == StateDone || f.state == StateFailed || f.state == StateCanceled {
		f.mu.Unlock()
		return nil, pkgerr.New(pkgerr.KindClientState, "flow already completed")
	}
	f.awaited = true
	f.mu.Unlock()

	body, err := f.relayClient.AwaitApproval(ctx, f.channelID, retryDelay)
	if err != nil {
		if ctx.Err() != nil {
			f.mu.Lock()
			f.state = StateCanceled
			f.mu.Unlock()
		} else {
			f.fail()
		}
		return nil, err
	}
	return f.deliver(ctx, body, exchanger)
}

func (f *ClientFlow) deliver(ctx context.Context, encrypted []byte, exchanger Exchanger) (*Session, error) {
	f.mu.Lock()
	f.state = StateDecrypting
	f.mu.Unlock()

	key, err := crypto.SecretFromBytes(f.clientSecret[:])
	if err != nil {
		f.fail()
		return nil, err
	}
	tokenBytes, err := crypto.OpenWithSecret(key, encrypted)
	if err != nil {
		f.fail()
		return nil, pkgerr.Wrap(pkgerr.KindAuthentication, "decrypt delivered auth token", err)
	}

	f.mu.Lock()
	f.state = StateExchanging
	f.mu.Unlock()

	session, err := exchanger.Exchange(ctx, tokenBytes)
	if err != nil {
		f.fail()
		return nil, err
	}

	f.mu.Lock()
	f.state = StateDone
	f.mu.Unlock()
	return &session, nil
}

func (f *ClientFlow) fail() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateCanceled {
		f.state = StateFailed
	}
}

// ParsedAuthURL is the signer side's view of a scanned pubkyauth:// URL.
type ParsedAuthURL struct {
	RelayBase    string
	Capabilities []token.Capability
	ClientSecret [clientSecretSize]byte
}

// ParseAuthURL parses and validates a pubkyauth:// URL produced by
// ClientFlow.AuthURL.
func ParseAuthURL(raw string) (*ParsedAuthURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInvalidInput, "malformed pubkyauth url", err)
	}
	if u.Scheme != "pubkyauth" {
		return nil, pkgerr.Newf(pkgerr.KindInvalidInput, "unexpected scheme %q", u.Scheme)
	}

	q := u.Query()
	relayBase := q.Get("relay")
	if relayBase == "" {
		return nil, pkgerr.New(pkgerr.KindInvalidInput, "pubkyauth url missing relay parameter")
	}

	caps, err := token.ParseCapabilities(q.Get("caps"))
	if err != nil {
		return nil, err
	}

	secretBytes, err := crypto.DecodeBase64URL(q.Get("secret"))
	if err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindInvalidInput, "malformed secret parameter", err)
	}
	if len(secretBytes) != clientSecretSize {
		return nil, pkgerr.Newf(pkgerr.KindInvalidInput, "secret must be %d bytes, got %d", clientSecretSize, len(secretBytes))
	}

	p := &ParsedAuthURL{RelayBase: relayBase, Capabilities: caps}
	copy(p.ClientSecret[:], secretBytes)
	return p, nil
}

// SignerFlow is the authenticator (keypair-holding) side: it signs an
// AuthToken for the requested capabilities, encrypts it under the shared
// client_secret, and delivers it to the relay channel the client is
// already listening on.
type SignerFlow struct {
	relayClient *relay.Client
	clock       *clock.Clock
}

// NewSignerFlow returns a signer-side flow driver using clk to timestamp
// the tokens it signs.
func NewSignerFlow(relayClient *relay.Client, clk *clock.Clock) *SignerFlow {
	return &SignerFlow{relayClient: relayClient, clock: clk}
}

// Approve signs caps with kp, encrypts the token under parsed.ClientSecret,
// and posts it to the channel derived from that secret.
func (s *SignerFlow) Approve(ctx context.Context, kp *crypto.Keypair, parsed *ParsedAuthURL) error {
	raw, err := token.Sign(kp, s.clock.Now(), parsed.Capabilities)
	if err != nil {
		return err
	}

	key, err := crypto.SecretFromBytes(parsed.ClientSecret[:])
	if err != nil {
		return err
	}
	sealed, err := crypto.SealWithSecret(key, raw)
	if err != nil {
		return err
	}

	channelID := crypto.ChannelID(parsed.ClientSecret[:])
	if err := s.relayClient.Post(ctx, channelID, sealed); err != nil {
		return fmt.Errorf("deliver auth token to relay: %w", err)
	}
	return nil
}
