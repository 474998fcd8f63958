package pkarr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/log"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	return log.NewLogrusLogger(logrus.New())
}

// fakeTransport is an in-memory Transport used to test the resolver,
// publisher, and republisher without any real networking.
type fakeTransport struct {
	mu       sync.Mutex
	records  map[crypto.PublicKey]*SignedRecord
	failNext int // number of subsequent calls to fail with a transient error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{records: map[crypto.PublicKey]*SignedRecord{}}
}

func (f *fakeTransport) Resolve(ctx context.Context, owner crypto.PublicKey) (*SignedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, pkgerr.New(pkgerr.KindPkarrTransport, "injected transient failure")
	}
	sr, ok := f.records[owner]
	if !ok {
		return nil, pkgerr.New(pkgerr.KindPkarrNotFound, "no record")
	}
	return sr, nil
}

func (f *fakeTransport) Publish(ctx context.Context, sr *SignedRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[sr.Owner] = sr
	return nil
}

func noBackoffDelay() BackoffPolicy {
	return BackoffPolicy{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1, MaxRetries: 3}
}

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	kp, _ := crypto.GenerateKeypair()
	r := Record{Target: kp.Public(), Ports: []uint16{443, 8080}}
	decoded, err := DecodeRecord(r.EncodeValue())
	require.NoError(t, err)
	require.Equal(t, r, decoded)
}

func TestSignRecordVerify(t *testing.T) {
	owner, _ := crypto.GenerateKeypair()
	target, _ := crypto.GenerateKeypair()
	sr := SignRecord(owner, 1, Record{Target: target.Public()})
	require.True(t, sr.Verify())

	sr.Seq = 2 // tampering invalidates the signature
	require.False(t, sr.Verify())
}

func TestResolverReturnsNotFoundWithoutRetry(t *testing.T) {
	transport := newFakeTransport()
	resolver := NewResolver(transport, noBackoffDelay(), testLogger())

	kp, _ := crypto.GenerateKeypair()
	_, err := resolver.Resolve(context.Background(), kp.Public())
	require.Error(t, err)
	kind, ok := pkgerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, pkgerr.KindPkarrNotFound, kind)
}

func TestResolverRetriesTransientFailures(t *testing.T) {
	transport := newFakeTransport()
	owner, _ := crypto.GenerateKeypair()
	target, _ := crypto.GenerateKeypair()
	sr := SignRecord(owner, 1, Record{Target: target.Public()})
	transport.records[owner.Public()] = sr
	transport.failNext = 2

	resolver := NewResolver(transport, noBackoffDelay(), testLogger())
	got, err := resolver.Resolve(context.Background(), owner.Public())
	require.NoError(t, err)
	require.Equal(t, sr.Seq, got.Seq)
}

func TestPublishForceRequiresTargetWhenNoExistingRecord(t *testing.T) {
	transport := newFakeTransport()
	resolver := NewResolver(transport, noBackoffDelay(), testLogger())
	publisher := NewPublisher(transport, resolver, testLogger())

	kp, _ := crypto.GenerateKeypair()
	_, err := publisher.PublishForce(context.Background(), kp, nil)
	require.Error(t, err)
}

func TestPublishForcePreservesExistingTargetWhenNilGiven(t *testing.T) {
	transport := newFakeTransport()
	resolver := NewResolver(transport, noBackoffDelay(), testLogger())
	publisher := NewPublisher(transport, resolver, testLogger())

	kp, _ := crypto.GenerateKeypair()
	host, _ := crypto.GenerateKeypair()

	sr1, err := publisher.PublishForce(context.Background(), kp, &Record{Target: host.Public(), Ports: []uint16{443}})
	require.NoError(t, err)

	sr2, err := publisher.PublishForce(context.Background(), kp, nil)
	require.NoError(t, err)
	require.Greater(t, sr2.Seq, sr1.Seq)

	record, err := sr2.Record()
	require.NoError(t, err)
	require.True(t, record.Target.Equal(host.Public()))
}

func TestPublishIfStaleSkipsFreshRecord(t *testing.T) {
	transport := newFakeTransport()
	resolver := NewResolver(transport, noBackoffDelay(), testLogger())
	publisher := NewPublisher(transport, resolver, testLogger())

	kp, _ := crypto.GenerateKeypair()
	host, _ := crypto.GenerateKeypair()

	_, err := publisher.PublishForce(context.Background(), kp, &Record{Target: host.Public()})
	require.NoError(t, err)

	published, _, err := publisher.PublishIfStale(context.Background(), kp, nil, time.Now(), time.Hour)
	require.NoError(t, err)
	require.False(t, published)
}

func TestPublishIfStaleRepublishesWhenMissing(t *testing.T) {
	transport := newFakeTransport()
	resolver := NewResolver(transport, noBackoffDelay(), testLogger())
	publisher := NewPublisher(transport, resolver, testLogger())

	kp, _ := crypto.GenerateKeypair()
	host, _ := crypto.GenerateKeypair()

	published, sr, err := publisher.PublishIfStale(context.Background(), kp, &Record{Target: host.Public()}, time.Time{}, time.Hour)
	require.NoError(t, err)
	require.True(t, published)
	require.NotNil(t, sr)
}

type fakeKeySource struct {
	keys []*crypto.Keypair
}

func (f fakeKeySource) KnownKeypairs(ctx context.Context) ([]*crypto.Keypair, error) {
	return f.keys, nil
}

func TestRepublisherSweepPublishesAllKnownUsers(t *testing.T) {
	transport := newFakeTransport()
	resolver := NewResolver(transport, noBackoffDelay(), testLogger())
	publisher := NewPublisher(transport, resolver, testLogger())

	kp1, _ := crypto.GenerateKeypair()
	kp2, _ := crypto.GenerateKeypair()
	host, _ := crypto.GenerateKeypair()

	// Seed an initial record for each so PublishIfStale has a target to
	// preserve.
	_, err := publisher.PublishForce(context.Background(), kp1, &Record{Target: host.Public()})
	require.NoError(t, err)
	_, err = publisher.PublishForce(context.Background(), kp2, &Record{Target: host.Public()})
	require.NoError(t, err)

	republisher := NewRepublisher(publisher, fakeKeySource{keys: []*crypto.Keypair{kp1, kp2}}, time.Hour, time.Millisecond, 2, testLogger())
	republisher.sweepOnce(context.Background())

	require.Equal(t, AttemptDone, republisher.StateOf(kp1.Public()))
	require.Equal(t, AttemptDone, republisher.StateOf(kp2.Public()))
}
