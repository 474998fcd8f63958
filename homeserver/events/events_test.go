package events

import (
	"context"
	"testing"
	"time"

	"github.com/pubky/pubky-homeserver/pkg/clock"
	"github.com/pubky/pubky-homeserver/pkg/crypto"
	"github.com/pubky/pubky-homeserver/pkg/pkgerr"
	"github.com/stretchr/testify/require"
)

func newOwner(t *testing.T) crypto.PublicKey {
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	return kp.Public()
}

func drainChan(ch <-chan Event) []Event {
	var out []Event
	for e := range ch {
		out = append(out, e)
	}
	return out
}

func TestAppendAssignsStrictlyIncreasingCursors(t *testing.T) {
	log := NewMemoryLog(clock.New(1))
	owner := newOwner(t)
	ctx := context.Background()

	require.NoError(t, log.AppendPut(ctx, owner, "/pub/a", crypto.HashBytes([]byte("a"))))
	require.NoError(t, log.AppendPut(ctx, owner, "/pub/b", crypto.HashBytes([]byte("b"))))
	require.NoError(t, log.AppendDelete(ctx, owner, "/pub/a"))

	events := log.snapshot(owner)
	require.Len(t, events, 3)
	require.EqualValues(t, 1, events[0].Cursor)
	require.EqualValues(t, 2, events[1].Cursor)
	require.EqualValues(t, 3, events[2].Cursor)
	require.Equal(t, KindDelete, events[2].Kind)
	require.False(t, events[2].HasHash)
}

func TestSubscribeFiniteDrainsHistoryThenCloses(t *testing.T) {
	log := NewMemoryLog(clock.New(1))
	owner := newOwner(t)
	ctx := context.Background()

	for _, p := range []string{"/pub/a", "/pub/b", "/pub/c"} {
		require.NoError(t, log.AppendPut(ctx, owner, p, crypto.HashBytes([]byte(p))))
	}

	ch, err := log.Subscribe(ctx, []crypto.PublicKey{owner}, SubscribeOptions{})
	require.NoError(t, err)

	got := drainChan(ch)
	require.Len(t, got, 3)
	require.Equal(t, "/pub/a", got[0].Path)
	require.Equal(t, "/pub/c", got[2].Path)
}

func TestSubscribeRespectsCursorAndPathPrefix(t *testing.T) {
	log := NewMemoryLog(clock.New(1))
	owner := newOwner(t)
	ctx := context.Background()

	require.NoError(t, log.AppendPut(ctx, owner, "/pub/keep/a", crypto.Hash{}))
	require.NoError(t, log.AppendPut(ctx, owner, "/pub/skip/b", crypto.Hash{}))
	require.NoError(t, log.AppendPut(ctx, owner, "/pub/keep/c", crypto.Hash{}))

	ch, err := log.Subscribe(ctx, []crypto.PublicKey{owner}, SubscribeOptions{
		PathPrefix: "/pub/keep/",
	})
	require.NoError(t, err)

	got := drainChan(ch)
	require.Len(t, got, 2)
	require.Equal(t, "/pub/keep/a", got[0].Path)
	require.Equal(t, "/pub/keep/c", got[1].Path)

	cursors := map[crypto.PublicKey]int64{owner: got[0].Cursor}
	ch2, err := log.Subscribe(ctx, []crypto.PublicKey{owner}, SubscribeOptions{Cursors: cursors})
	require.NoError(t, err)
	got2 := drainChan(ch2)
	require.Len(t, got2, 2)
	require.Equal(t, "/pub/skip/b", got2[0].Path)
}

func TestSubscribeReverseOrdersDescending(t *testing.T) {
	log := NewMemoryLog(clock.New(1))
	owner := newOwner(t)
	ctx := context.Background()

	for _, p := range []string{"/pub/a", "/pub/b", "/pub/c"} {
		require.NoError(t, log.AppendPut(ctx, owner, p, crypto.Hash{}))
	}

	ch, err := log.Subscribe(ctx, []crypto.PublicKey{owner}, SubscribeOptions{Reverse: true})
	require.NoError(t, err)
	got := drainChan(ch)
	require.Len(t, got, 3)
	require.Equal(t, "/pub/c", got[0].Path)
	require.Equal(t, "/pub/a", got[2].Path)
}

func TestSubscribeLiveAndReverseIsRejected(t *testing.T) {
	log := NewMemoryLog(clock.New(1))
	owner := newOwner(t)

	_, err := log.Subscribe(context.Background(), []crypto.PublicKey{owner}, SubscribeOptions{Live: true, Reverse: true})
	require.Error(t, err)
	kind, ok := pkgerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, pkgerr.KindInvalidInput, kind)
}

func TestSubscribeLiveDeliversFutureAppends(t *testing.T) {
	log := NewMemoryLog(clock.New(1))
	owner := newOwner(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := log.Subscribe(ctx, []crypto.PublicKey{owner}, SubscribeOptions{Live: true})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = log.AppendPut(context.Background(), owner, "/pub/later", crypto.Hash{})
	}()

	select {
	case e := <-ch:
		require.Equal(t, "/pub/later", e.Path)
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("timed out waiting for live event")
	}
	cancel()
}

func TestSubscribeMultiOwnerInterleavesEachInCursorOrder(t *testing.T) {
	log := NewMemoryLog(clock.New(1))
	ownerA := newOwner(t)
	ownerB := newOwner(t)
	ctx := context.Background()

	require.NoError(t, log.AppendPut(ctx, ownerA, "/pub/a1", crypto.Hash{}))
	require.NoError(t, log.AppendPut(ctx, ownerB, "/pub/b1", crypto.Hash{}))
	require.NoError(t, log.AppendPut(ctx, ownerA, "/pub/a2", crypto.Hash{}))

	ch, err := log.Subscribe(ctx, []crypto.PublicKey{ownerA, ownerB}, SubscribeOptions{})
	require.NoError(t, err)
	got := drainChan(ch)
	require.Len(t, got, 3)

	seenA := 0
	seenB := 0
	for _, e := range got {
		if e.Owner == ownerA {
			seenA++
		} else {
			seenB++
		}
	}
	require.Equal(t, 2, seenA)
	require.Equal(t, 1, seenB)
}

func TestSubscribeLimitTruncates(t *testing.T) {
	log := NewMemoryLog(clock.New(1))
	owner := newOwner(t)
	ctx := context.Background()
	for _, p := range []string{"/pub/a", "/pub/b", "/pub/c"} {
		require.NoError(t, log.AppendPut(ctx, owner, p, crypto.Hash{}))
	}

	ch, err := log.Subscribe(ctx, []crypto.PublicKey{owner}, SubscribeOptions{Limit: 2})
	require.NoError(t, err)
	got := drainChan(ch)
	require.Len(t, got, 2)
}

func TestEventLineRendersPutAndDelete(t *testing.T) {
	owner := newOwner(t)
	hash := crypto.HashBytes([]byte("x"))
	put := Event{Cursor: 7, Owner: owner, Kind: KindPut, Path: "/pub/x", ContentHash: hash, HasHash: true}
	require.Contains(t, put.Line(), "PUT\tpubky://"+owner.String()+"/pub/x\t7\t"+hash.Hex())

	del := Event{Cursor: 8, Owner: owner, Kind: KindDelete, Path: "/pub/x"}
	require.Contains(t, del.Line(), "DEL\tpubky://"+owner.String()+"/pub/x\t8\t-")
}
