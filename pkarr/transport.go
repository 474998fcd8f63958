package pkarr

import (
	"context"

	"github.com/pubky/pubky-homeserver/pkg/crypto"
)

// Transport is the narrow capability set pkarr needs from whatever
// substrate carries its records: resolve a key to its current signed
// record, or publish one. Abstracting behind this interface lets the
// resolver/publisher run unchanged over a mainline-DHT transport, an HTTP
// relay transport, or (in tests) an in-memory fake — mirroring the
// fetch/publish/resolve capability split the broader session model uses to
// stay agnostic of the underlying runtime's networking primitives.
type Transport interface {
	// Resolve looks up the current SignedRecord for owner. It returns a
	// *pkgerr.Error of KindPkarrNotFound if the transport definitively has
	// no record (as opposed to a transient failure, KindPkarrTransport).
	Resolve(ctx context.Context, owner crypto.PublicKey) (*SignedRecord, error)

	// Publish announces sr, which the caller has already signed.
	Publish(ctx context.Context, sr *SignedRecord) error
}
