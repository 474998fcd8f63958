package server

import (
	"context"
	"fmt"

	"github.com/pubky/pubky-homeserver/homeserver/events"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
)

// healthProbeOwner is a fixed, never-assigned key used only to read
// store/event-log reachability without touching any real user's data,
// mirroring the teacher's health check creating and immediately deleting
// a throwaway row.
var healthProbeOwner = crypto.PublicKey{}

// StoreHealthCheckFunc returns a go-sundheit CheckFunc verifying the
// resource store answers a read, grounded on the teacher's
// storage.NewCustomHealthCheckFunc pattern (exercise a real operation,
// report its error rather than pinging a separate liveness field).
func (s *Server) StoreHealthCheckFunc() func(context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		if _, err := s.store.Usage(ctx, healthProbeOwner); err != nil {
			return nil, fmt.Errorf("store usage probe: %w", err)
		}
		return nil, nil
	}
}

// EventsHealthCheckFunc verifies the event log answers a finite,
// zero-result Subscribe call.
func (s *Server) EventsHealthCheckFunc() func(context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		ch, err := s.events.Subscribe(ctx, nil, events.SubscribeOptions{})
		if err != nil {
			return nil, fmt.Errorf("events subscribe probe: %w", err)
		}
		for range ch {
		}
		return nil, nil
	}
}
