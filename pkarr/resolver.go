package pkarr

import (
	"context"
	"time"

	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/log"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// BackoffPolicy describes the exponential backoff used for retryable
// transport failures.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxRetries int
}

// DefaultBackoff matches the republisher's default retry budget.
var DefaultBackoff = BackoffPolicy{
	Initial:    200 * time.Millisecond,
	Max:        10 * time.Second,
	Multiplier: 2,
	MaxRetries: 5,
}

func (b BackoffPolicy) delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d > b.Max {
			return b.Max
		}
	}
	return d
}

// Resolver looks up _pubky records, retrying transient transport failures
// with exponential backoff and treating a definitive "not found" as
// terminal rather than retryable.
type Resolver struct {
	transport Transport
	backoff   BackoffPolicy
	logger    log.Logger
}

// NewResolver returns a Resolver backed by transport.
func NewResolver(transport Transport, backoff BackoffPolicy, logger log.Logger) *Resolver {
	return &Resolver{transport: transport, backoff: backoff, logger: logger}
}

// Resolve returns owner's current record, retrying on transport errors up
// to the backoff policy's retry budget. A KindPkarrNotFound result is
// returned immediately without retrying.
func (r *Resolver) Resolve(ctx context.Context, owner crypto.PublicKey) (*SignedRecord, error) {
	var lastErr error
	for attempt := 0; attempt <= r.backoff.MaxRetries; attempt++ {
		sr, err := r.transport.Resolve(ctx, owner)
		if err == nil {
			return sr, nil
		}
		if pkgerr.Is(err, pkgerr.KindPkarrNotFound) || pkgerr.Is(err, pkgerr.KindAuthentication) || pkgerr.Is(err, pkgerr.KindInvalidInput) {
			return nil, err
		}
		lastErr = err
		r.logger.Debugf("pkarr resolve attempt %d failed: %v", attempt, err)

		if attempt == r.backoff.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.backoff.delay(attempt)):
		}
	}
	return nil, pkgerr.Wrap(pkgerr.KindPkarrTransport, "pkarr resolve exhausted retry budget", lastErr)
}
