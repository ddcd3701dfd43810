package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/multiformats/go-multihash"

	"github.com/radicle-go/ribc/urn"
)

func testPeer(t *testing.T, seed byte) urn.PeerID {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = seed
	}
	return urn.PeerID{Key: key}
}

func testEventURN(t *testing.T, seed string) urn.URN {
	t.Helper()
	u, err := urn.New("object-v1", []byte(seed), multihash.SHA2_256)
	if err != nil {
		t.Fatalf("urn.New: %v", err)
	}
	return u
}

func TestEnqueueAdmitsDistinctEvents(t *testing.T) {
	q := NewQueue(time.Hour, 0)
	e1 := Event{Peer: testPeer(t, 1), URN: testEventURN(t, "a")}
	e2 := Event{Peer: testPeer(t, 2), URN: testEventURN(t, "b")}

	if !q.Enqueue(e1) {
		t.Fatalf("expected e1 to be admitted")
	}
	if !q.Enqueue(e2) {
		t.Fatalf("expected e2 to be admitted")
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 pending, got %d", q.Len())
	}
}

func TestEnqueueDebouncesDuplicateWithinWindow(t *testing.T) {
	q := NewQueue(time.Hour, 0)
	e := Event{Peer: testPeer(t, 1), URN: testEventURN(t, "a")}

	if !q.Enqueue(e) {
		t.Fatalf("expected first enqueue to be admitted")
	}
	if q.Enqueue(e) {
		t.Fatalf("expected duplicate within debounce window to be dropped")
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 pending, got %d", q.Len())
	}
}

func TestEnqueueAdmitsDuplicateAfterWindowExpires(t *testing.T) {
	q := NewQueue(10*time.Millisecond, 0)
	e := Event{Peer: testPeer(t, 1), URN: testEventURN(t, "a")}

	if !q.Enqueue(e) {
		t.Fatalf("expected first enqueue to be admitted")
	}
	time.Sleep(20 * time.Millisecond)
	if !q.Enqueue(e) {
		t.Fatalf("expected re-enqueue after debounce window to be admitted")
	}
}

func TestEnqueueDropsNewKeysPastCeiling(t *testing.T) {
	q := NewQueue(time.Hour, 1)
	e1 := Event{Peer: testPeer(t, 1), URN: testEventURN(t, "a")}
	e2 := Event{Peer: testPeer(t, 2), URN: testEventURN(t, "b")}

	if !q.Enqueue(e1) {
		t.Fatalf("expected e1 to be admitted under the ceiling")
	}
	if q.Enqueue(e2) {
		t.Fatalf("expected e2 to be dropped past the ceiling")
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 pending, got %d", q.Len())
	}
}

func TestDispatchDrainsReadyEventsAndRemovesThem(t *testing.T) {
	q := NewQueue(5*time.Millisecond, 0)
	e := Event{Peer: testPeer(t, 1), URN: testEventURN(t, "a")}
	if !q.Enqueue(e) {
		t.Fatalf("expected enqueue to succeed")
	}

	var mu sync.Mutex
	var got []Event
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		q.Dispatch(ctx, func(ev Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
			cancel()
		})
		close(done)
	}()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || !got[0].URN.Equal(e.URN) {
		t.Fatalf("expected dispatch to deliver the enqueued event, got %+v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue to be drained, got %d pending", q.Len())
	}
}

func TestDispatchStopsOnContextCancel(t *testing.T) {
	q := NewQueue(time.Hour, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		q.Dispatch(ctx, func(Event) {
			t.Errorf("work should not run: queue is empty")
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Dispatch did not return after context cancellation")
	}
}
