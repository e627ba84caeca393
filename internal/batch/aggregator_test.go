package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/constellation-overwatch/arc-relay/internal/rules"
)

func TestQueueOrReleaseWaitsForThreshold(t *testing.T) {
	a := NewAggregator(nil)

	_, _, released := a.QueueOrRelease("k", 1, []byte("a"), 2, time.Minute, false, nil)
	if released {
		t.Fatalf("expected batch to stay queued below threshold")
	}

	packets, _, released := a.QueueOrRelease("k", 2, []byte("b"), 2, time.Minute, false, nil)
	if !released {
		t.Fatalf("expected threshold met on second unique system")
	}
	if len(packets) != 2 {
		t.Fatalf("expected 2 packets released, got %d", len(packets))
	}
}

func TestQueueOrReleaseDuplicateSystemDoesNotCount(t *testing.T) {
	a := NewAggregator(nil)

	_, _, released := a.QueueOrRelease("k", 1, []byte("a"), 2, time.Minute, false, nil)
	if released {
		t.Fatalf("unexpected release")
	}
	_, _, released = a.QueueOrRelease("k", 1, []byte("b"), 2, time.Minute, false, nil)
	if released {
		t.Fatalf("same system_id twice must not satisfy a 2-unique-system threshold")
	}
}

func TestQueueOrReleaseTailCapturedAtCreation(t *testing.T) {
	a := NewAggregator(nil)
	creationTail := []rules.ActionStep{{Kind: rules.ActionModify}}
	laterTail := []rules.ActionStep{{Kind: rules.ActionForward}}

	_, _, released := a.QueueOrRelease("k", 1, []byte("a"), 2, time.Minute, false, creationTail)
	if released {
		t.Fatalf("expected batch to stay queued below threshold")
	}

	_, gotTail, released := a.QueueOrRelease("k", 2, []byte("b"), 2, time.Minute, false, laterTail)
	if !released {
		t.Fatalf("expected threshold met on second unique system")
	}
	if len(gotTail) != 1 || gotTail[0].Kind != rules.ActionModify {
		t.Fatalf("expected the creation-time tail to win, got %+v", gotTail)
	}
}

func TestTimeoutForwardsWhenConfigured(t *testing.T) {
	var mu sync.Mutex
	var gotKey string
	var gotPackets []Packet
	var gotForward bool
	done := make(chan struct{})

	a := NewAggregator(func(key string, packets []Packet, tail []rules.ActionStep, forward bool) {
		mu.Lock()
		gotKey, gotPackets, gotForward = key, packets, forward
		mu.Unlock()
		close(done)
	})

	a.QueueOrRelease("timeout-key", 1, []byte("a"), 5, 10*time.Millisecond, true, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timeout handler never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotKey != "timeout-key" || len(gotPackets) != 1 || !gotForward {
		t.Fatalf("unexpected timeout result: key=%s packets=%d forward=%v", gotKey, len(gotPackets), gotForward)
	}
}

func TestStaleTimeoutDoesNotActOnSuccessorBatch(t *testing.T) {
	calls := make(chan string, 2)
	a := NewAggregator(func(key string, packets []Packet, tail []rules.ActionStep, forward bool) {
		calls <- key
	})

	// First batch released by threshold before its timeout fires.
	a.QueueOrRelease("k", 1, []byte("a"), 1, 20*time.Millisecond, true, nil)

	// A second batch under the same key starts immediately after.
	_, _, released := a.QueueOrRelease("k", 9, []byte("c"), 5, time.Minute, false, nil)
	if released {
		t.Fatalf("successor batch should still be waiting on its own threshold")
	}

	select {
	case key := <-calls:
		t.Fatalf("stale timeout from the first batch fired against key %q", key)
	case <-time.After(100 * time.Millisecond):
		// No timeout fired — the successor batch is unaffected, as required.
	}
}
