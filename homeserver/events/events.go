// Package events implements the per-owner, append-only event log: PUT/DEL
// records with a strictly increasing cursor, and finite/live subscriptions
// filtered by path prefix.
package events

import (
	"context"
	"strings"
	"sync"

	"github.com/pubky/pubky-homeserver/pkg/clock"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
)

// Kind distinguishes a resource creation/overwrite from a removal.
type Kind int

const (
	KindPut Kind = iota
	KindDelete
)

func (k Kind) String() string {
	if k == KindPut {
		return "PUT"
	}
	return "DEL"
}

// Event is one append-only record in an owner's stream.
type Event struct {
	Cursor      int64
	Owner       crypto.PublicKey
	Kind        Kind
	Path        string
	ContentHash crypto.Hash // present only for KindPut
	HasHash     bool
	TimestampMs int64
}

// Line renders the event in the wire form <kind>\t<pubky-url>\t<cursor>\t<content-hash-or-"-">.
func (e Event) Line() string {
	hash := "-"
	if e.HasHash {
		hash = e.ContentHash.Hex()
	}
	return e.Kind.String() + "\t" + "pubky://" + e.Owner.String() + e.Path + "\t" + itoa(e.Cursor) + "\t" + hash
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// SubscribeOptions controls a Subscribe call's filtering and liveness.
type SubscribeOptions struct {
	// Cursors gives, per owner (keyed by the owner's public key), the cursor
	// after which to start; 0/absent means from the start.
	Cursors    map[crypto.PublicKey]int64
	Reverse    bool
	PathPrefix string
	Limit      int
	Live       bool
}

// Log is the event log's contract. live=true with reverse=true must be
// rejected by implementations at construction (InvalidInput), per the
// subscription contract.
type Log interface {
	AppendPut(ctx context.Context, owner crypto.PublicKey, path string, hash crypto.Hash) error
	AppendDelete(ctx context.Context, owner crypto.PublicKey, path string) error
	// Subscribe returns a channel of events matching opts across owners,
	// interleaved in cursor order per owner, or an error if opts are invalid.
	// For live=false it closes the channel once history is drained; for
	// live=true it keeps delivering until ctx is canceled.
	Subscribe(ctx context.Context, owners []crypto.PublicKey, opts SubscribeOptions) (<-chan Event, error)
}

// MemoryLog is an in-memory Log: one append-only slice per owner, plus a
// condition variable live subscribers wait on for new arrivals.
type MemoryLog struct {
	mu      sync.Mutex
	cond    *sync.Cond
	streams map[crypto.PublicKey][]Event
	clock   *clock.Clock
}

// NewMemoryLog returns an empty MemoryLog.
func NewMemoryLog(clk *clock.Clock) *MemoryLog {
	l := &MemoryLog{streams: map[crypto.PublicKey][]Event{}, clock: clk}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *MemoryLog) append(owner crypto.PublicKey, kind Kind, path string, hash crypto.Hash, hasHash bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stream := l.streams[owner]
	cursor := int64(1)
	if len(stream) > 0 {
		cursor = stream[len(stream)-1].Cursor + 1
	}
	e := Event{
		Cursor:      cursor,
		Owner:       owner,
		Kind:        kind,
		Path:        path,
		ContentHash: hash,
		HasHash:     hasHash,
		TimestampMs: int64(l.clock.Now()) / 1000,
	}
	l.streams[owner] = append(stream, e)
	l.cond.Broadcast()
}

func (l *MemoryLog) AppendPut(ctx context.Context, owner crypto.PublicKey, path string, hash crypto.Hash) error {
	l.append(owner, KindPut, path, hash, true)
	return nil
}

func (l *MemoryLog) AppendDelete(ctx context.Context, owner crypto.PublicKey, path string) error {
	l.append(owner, KindDelete, path, crypto.Hash{}, false)
	return nil
}

func (l *MemoryLog) snapshot(owner crypto.PublicKey) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.streams[owner]...)
}

// Subscribe implements Log.Subscribe. The returned channel is closed when
// the subscription is done (history drained for live=false, or ctx
// canceled for live=true).
func (l *MemoryLog) Subscribe(ctx context.Context, owners []crypto.PublicKey, opts SubscribeOptions) (<-chan Event, error) {
	if opts.Live && opts.Reverse {
		return nil, pkgerr.New(pkgerr.KindInvalidInput, "reverse subscription is incompatible with live=true")
	}

	out := make(chan Event)
	go func() {
		defer close(out)

		cursors := make(map[crypto.PublicKey]int64, len(owners))
		for _, o := range owners {
			cursors[o] = opts.Cursors[o]
		}

		emit := func(e Event) bool {
			if opts.PathPrefix != "" && !strings.HasPrefix(e.Path, opts.PathPrefix) {
				return true
			}
			select {
			case out <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		drain := func() int {
			count := 0
			for _, owner := range owners {
				stream := l.snapshot(owner)
				after := cursors[owner]
				var matched []Event
				for _, e := range stream {
					if e.Cursor > after && (opts.PathPrefix == "" || strings.HasPrefix(e.Path, opts.PathPrefix)) {
						matched = append(matched, e)
					}
				}
				if opts.Reverse {
					for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
						matched[i], matched[j] = matched[j], matched[i]
					}
				}
				for _, e := range matched {
					if opts.Limit > 0 && count >= opts.Limit {
						return count
					}
					if !emit(e) {
						return count
					}
					cursors[owner] = e.Cursor
					count++
				}
			}
			return count
		}

		drain()
		if !opts.Live {
			return
		}

		// Wake every waiter (including the one below) once ctx is done,
		// since sync.Cond has no context-aware wait.
		go func() {
			<-ctx.Done()
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
		}()

		for {
			if ctx.Err() != nil {
				return
			}

			if drain() > 0 {
				continue
			}

			l.mu.Lock()
			for !l.hasNewLocked(owners, cursors, opts.PathPrefix) && ctx.Err() == nil {
				l.cond.Wait()
			}
			l.mu.Unlock()
		}
	}()
	return out, nil
}

// hasNewLocked reports whether any owner's stream holds an event past its
// recorded cursor matching prefix. Callers must hold l.mu.
func (l *MemoryLog) hasNewLocked(owners []crypto.PublicKey, cursors map[crypto.PublicKey]int64, prefix string) bool {
	for _, owner := range owners {
		after := cursors[owner]
		for _, e := range l.streams[owner] {
			if e.Cursor > after && (prefix == "" || strings.HasPrefix(e.Path, prefix)) {
				return true
			}
		}
	}
	return false
}
