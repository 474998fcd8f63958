package pkarr

import (
	"context"
	"sync"
	"time"

	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/log"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// AttemptState is one user's position in the republisher's per-attempt
// state machine: a tick-driven {Idle, InFlight, Backoff, Done, Failed}
// cycle, rather than nested retry callbacks, so a shutdown can cancel any
// user's attempt in one transition regardless of where it is.
type AttemptState int

const (
	AttemptIdle AttemptState = iota
	AttemptInFlight
	AttemptBackoff
	AttemptDone
	AttemptFailed
)

// Outcome categorizes one republish attempt's final result.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeMissing
	OutcomePublishFailed
)

// Result reports one user's republish outcome for metrics/logging.
type Result struct {
	Owner       crypto.PublicKey
	Outcome     Outcome
	Attempts    int
	NodesReached int
}

// KeySource supplies the set of locally-known users the republisher should
// keep fresh, and their keypairs (the republisher never reads secrets off
// disk itself).
type KeySource interface {
	KnownKeypairs(ctx context.Context) ([]*crypto.Keypair, error)
}

// Republisher runs a periodic task over all locally-known users,
// republishing stale _pubky records with bounded concurrency.
type Republisher struct {
	publisher   *Publisher
	keys        KeySource
	interval    time.Duration
	staleness   time.Duration
	concurrency int
	logger      log.Logger

	mu            sync.Mutex
	lastPublished map[crypto.PublicKey]time.Time
	state         map[crypto.PublicKey]AttemptState
}

// DefaultInterval is how often the republisher sweeps known users.
const DefaultInterval = 4 * time.Hour

// NewRepublisher returns a Republisher. concurrency bounds how many users
// are republished at once; interval is the sweep period.
func NewRepublisher(publisher *Publisher, keys KeySource, interval, staleness time.Duration, concurrency int, logger log.Logger) *Republisher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Republisher{
		publisher:     publisher,
		keys:          keys,
		interval:      interval,
		staleness:     staleness,
		concurrency:   concurrency,
		logger:        logger,
		lastPublished: map[crypto.PublicKey]time.Time{},
		state:         map[crypto.PublicKey]AttemptState{},
	}
}

// Run drives the periodic sweep until ctx is canceled. It is intended to
// be run as one member of an oklog/run group alongside the HTTP listener.
func (r *Republisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Republisher) sweepOnce(ctx context.Context) {
	keypairs, err := r.keys.KnownKeypairs(ctx)
	if err != nil {
		r.logger.Errorf("pkarr republisher: failed to list known keys: %v", err)
		return
	}

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, kp := range keypairs {
		kp := kp
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			result := r.attempt(ctx, kp)
			r.logger.Debugf("pkarr republisher: %s outcome=%d attempts=%d", kp.Public(), result.Outcome, result.Attempts)
		}()
	}
	wg.Wait()
}

func (r *Republisher) attempt(ctx context.Context, kp *crypto.Keypair) Result {
	owner := kp.Public()
	r.setState(owner, AttemptInFlight)

	r.mu.Lock()
	last := r.lastPublished[owner]
	r.mu.Unlock()

	attempts := 0
	backoff := DefaultBackoff
	for {
		attempts++
		published, _, err := r.publisher.PublishIfStale(ctx, kp, nil, last, r.staleness)
		if err == nil {
			if published {
				r.mu.Lock()
				r.lastPublished[owner] = time.Now()
				r.mu.Unlock()
			}
			r.setState(owner, AttemptDone)
			return Result{Owner: owner, Outcome: OutcomeSuccess, Attempts: attempts}
		}

		if pkgerr.Is(err, pkgerr.KindPkarrNotFound) {
			r.setState(owner, AttemptFailed)
			return Result{Owner: owner, Outcome: OutcomeMissing, Attempts: attempts}
		}

		if attempts > backoff.MaxRetries {
			r.setState(owner, AttemptFailed)
			return Result{Owner: owner, Outcome: OutcomePublishFailed, Attempts: attempts}
		}

		r.setState(owner, AttemptBackoff)
		select {
		case <-ctx.Done():
			r.setState(owner, AttemptFailed)
			return Result{Owner: owner, Outcome: OutcomePublishFailed, Attempts: attempts}
		case <-time.After(backoff.delay(attempts - 1)):
		}
	}
}

func (r *Republisher) setState(owner crypto.PublicKey, s AttemptState) {
	r.mu.Lock()
	r.state[owner] = s
	r.mu.Unlock()
}

// StateOf reports a user's current attempt state, for diagnostics.
func (r *Republisher) StateOf(owner crypto.PublicKey) AttemptState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state[owner]
}
