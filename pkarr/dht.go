package pkarr

import (
	"context"
	"crypto/sha1"
	"net"
	"sync"
	"time"

	anacrolix "github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/bep44"
	"github.com/anacrolix/dht/v2/krpc"

	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/log"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// DefaultQueryTimeout is the per-call DHT timeout.
const DefaultQueryTimeout = 2 * time.Second

// DHTTransport resolves and publishes pkarr records against the mainline
// BEP44 DHT, the actual substrate pkarr is built on.
type DHTTransport struct {
	server *anacrolix.Server
	logger log.Logger

	mu    sync.Mutex
	store *bep44.Store // local cache of items this node has seen or put
}

// DHTOption configures a DHTTransport.
type DHTOption func(*anacrolix.ServerConfig)

// WithBootstrapAddrs overrides the default bootstrap node list with a fixed
// set of host:port addresses, useful in tests and private deployments.
func WithBootstrapAddrs(addrs []string) DHTOption {
	return func(cfg *anacrolix.ServerConfig) {
		cfg.StartingNodes = func() ([]krpc.NodeAddr, error) {
			nodes := make([]krpc.NodeAddr, 0, len(addrs))
			for _, a := range addrs {
				udpAddr, err := net.ResolveUDPAddr("udp", a)
				if err != nil {
					continue
				}
				nodes = append(nodes, krpc.NodeAddr{IP: udpAddr.IP, Port: udpAddr.Port})
			}
			return nodes, nil
		}
	}
}

// NewDHTTransport starts a DHT node and joins the mainline swarm.
func NewDHTTransport(logger log.Logger, opts ...DHTOption) (*DHTTransport, error) {
	store := bep44.NewMemoryStore()
	cfg := anacrolix.NewDefaultServerConfig()
	cfg.Store = store
	for _, opt := range opts {
		opt(cfg)
	}

	server, err := anacrolix.NewServer(cfg)
	if err != nil {
		return nil, pkgerr.Wrap(pkgerr.KindPkarrTransport, "start dht server", err)
	}
	return &DHTTransport{server: server, logger: logger, store: store}, nil
}

// Close shuts down the underlying DHT node.
func (d *DHTTransport) Close() error {
	d.server.Close()
	return nil
}

// target derives the BEP44 target id for owner's mutable item: sha1 of the
// owner's raw public key, with no salt (pkarr records use unsalted items).
func target(owner crypto.PublicKey) bep44.Target {
	return sha1.Sum(owner.Bytes())
}

// Resolve queries the DHT for owner's current record.
func (d *DHTTransport) Resolve(ctx context.Context, owner crypto.PublicKey) (*SignedRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	id := target(owner)

	d.mu.Lock()
	cached, ok := d.store.Get(id)
	d.mu.Unlock()
	if ok {
		return itemToSignedRecord(owner, cached)
	}

	item, err := d.server.Get(ctx, id, nil, 0, anacrolix.QueryRateLimiting{})
	if err != nil {
		if ctx.Err() != nil {
			return nil, pkgerr.Wrap(pkgerr.KindPkarrTransport, "dht resolve timed out", err)
		}
		return nil, pkgerr.Wrap(pkgerr.KindPkarrTransport, "dht resolve failed", err)
	}
	if item == nil {
		return nil, pkgerr.New(pkgerr.KindPkarrNotFound, "no pkarr record found on dht")
	}
	return itemToSignedRecord(owner, *item)
}

func itemToSignedRecord(owner crypto.PublicKey, item bep44.Item) (*SignedRecord, error) {
	value, ok := item.V.([]byte)
	if !ok {
		return nil, pkgerr.New(pkgerr.KindInvalidInput, "dht item value is not a byte string")
	}
	sr := &SignedRecord{Owner: owner, Seq: item.Seq, Value: value}
	copy(sr.Signature[:], item.Sig[:])
	if !sr.Verify() {
		return nil, pkgerr.New(pkgerr.KindAuthentication, "dht item signature does not match owner")
	}
	return sr, nil
}

// Publish announces sr to the DHT as a mutable BEP44 item keyed by its
// owner's public key.
func (d *DHTTransport) Publish(ctx context.Context, sr *SignedRecord) error {
	if !sr.Verify() {
		return pkgerr.New(pkgerr.KindInvalidInput, "refusing to publish unsigned or corrupt record")
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var k [32]byte
	copy(k[:], sr.Owner.Bytes())
	var sig [64]byte
	copy(sig[:], sr.Signature[:])

	item := bep44.Item{
		K:   &k,
		V:   sr.Value,
		Seq: sr.Seq,
		Sig: sig,
	}

	d.mu.Lock()
	d.store.Put(item)
	d.mu.Unlock()

	if err := d.server.Put(ctx, item, anacrolix.QueryRateLimiting{}); err != nil {
		return pkgerr.Wrap(pkgerr.KindPkarrTransport, "dht publish failed", err)
	}
	return nil
}
