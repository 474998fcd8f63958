package pkarr

import (
	"context"
	"time"

	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/log"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// DefaultStaleness is how old a record may get before PublishIfStale
// republishes it.
const DefaultStaleness = 6 * time.Hour

// Publisher proves ownership of a user's public key (via their Keypair)
// and publishes the signed record naming their current homeserver.
type Publisher struct {
	transport Transport
	resolver  *Resolver
	logger    log.Logger

	// lastSeq tracks the sequence number this process has last published
	// per owner, so consecutive publishes from the same process strictly
	// increase seq even if the DHT's own copy lags.
	lastSeq map[crypto.PublicKey]int64
}

// NewPublisher returns a Publisher that resolves through resolver and
// publishes through transport (ordinarily the same DHT/relay transport
// resolver wraps, but kept separate so a read replica resolver can be
// paired with a write-capable transport).
func NewPublisher(transport Transport, resolver *Resolver, logger log.Logger) *Publisher {
	return &Publisher{transport: transport, resolver: resolver, logger: logger, lastSeq: map[crypto.PublicKey]int64{}}
}

func (p *Publisher) nextSeq(owner crypto.PublicKey, observed int64) int64 {
	seq := observed + 1
	if last, ok := p.lastSeq[owner]; ok && last >= seq {
		seq = last + 1
	}
	p.lastSeq[owner] = seq
	return seq
}

// PublishForce always republishes, regardless of the existing record's
// freshness. If target is nil, the existing record's target/ports are
// preserved and only the sequence number advances.
func (p *Publisher) PublishForce(ctx context.Context, kp *crypto.Keypair, target *Record) (*SignedRecord, error) {
	var seq int64
	var record Record

	existing, err := p.resolver.Resolve(ctx, kp.Public())
	switch {
	case err == nil:
		seq = p.nextSeq(kp.Public(), existing.Seq)
		record = mustDecode(existing)
	case pkgerr.Is(err, pkgerr.KindPkarrNotFound):
		seq = p.nextSeq(kp.Public(), 0)
	default:
		return nil, err
	}

	if target != nil {
		record = *target
	} else if existing == nil {
		return nil, pkgerr.New(pkgerr.KindInvalidInput, "no existing record and no target given to publish")
	}

	sr := SignRecord(kp, seq, record)
	if err := p.transport.Publish(ctx, sr); err != nil {
		return nil, err
	}
	return sr, nil
}

// PublishIfStale resolves the current record and republishes only if it is
// missing or older than staleness. "Older" is judged by the caller
// supplying the record's last-known publish time, since the record itself
// carries no wall-clock timestamp (only a sequence number) — the
// republisher tracks this per owner.
func (p *Publisher) PublishIfStale(ctx context.Context, kp *crypto.Keypair, target *Record, lastPublished time.Time, staleness time.Duration) (published bool, sr *SignedRecord, err error) {
	existing, resolveErr := p.resolver.Resolve(ctx, kp.Public())
	stale := resolveErr != nil && pkgerr.Is(resolveErr, pkgerr.KindPkarrNotFound)
	if resolveErr != nil && !stale {
		return false, nil, resolveErr
	}
	if !stale && time.Since(lastPublished) < staleness {
		return false, existing, nil
	}

	sr, err = p.PublishForce(ctx, kp, target)
	if err != nil {
		return false, nil, err
	}
	return true, sr, nil
}

func mustDecode(sr *SignedRecord) Record {
	r, err := sr.Record()
	if err != nil {
		return Record{}
	}
	return r
}
