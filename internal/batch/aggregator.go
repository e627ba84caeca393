// Package batch implements the Batch Aggregator (C6): packets queue under a
// rule-supplied key until a unique-source-count threshold is met or a
// timeout elapses.
package batch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/constellation-overwatch/arc-relay/internal/rules"
)

// Packet is one queued frame tagged with the source system ID that
// contributed it, used for the unique-source threshold check.
type Packet struct {
	SystemID uint8
	Data     []byte
}

// state holds one key's queue. generation distinguishes this particular
// batch instance from any later batch that reuses the same key, so a
// timeout goroutine scheduled against an already-released batch can detect
// it is stale and do nothing instead of acting on a successor batch that
// happens to share the key (spec.md §9). tail is the action list that was
// still pending after the Batch step that created this queue — captured
// once, at creation, so every packet released under this key (by threshold
// or by timeout) resumes the same continuation regardless of what a later
// caller under the same key was carrying.
type state struct {
	packets          []Packet
	systems          map[uint8]struct{}
	threshold        int
	createdAt        time.Time
	forwardOnTimeout bool
	generation       uint64
	tail             []rules.ActionStep
}

func newState(threshold int, forwardOnTimeout bool, generation uint64, tail []rules.ActionStep) *state {
	return &state{
		systems:          make(map[uint8]struct{}),
		threshold:        threshold,
		createdAt:        time.Now(),
		forwardOnTimeout: forwardOnTimeout,
		generation:       generation,
		tail:             tail,
	}
}

func (s *state) add(systemID uint8, data []byte) {
	s.systems[systemID] = struct{}{}
	s.packets = append(s.packets, Packet{SystemID: systemID, Data: data})
}

func (s *state) ready() bool {
	return len(s.systems) >= s.threshold
}

// TimeoutHandler is invoked when a batch's timeout elapses before its
// threshold was met. forwardOnTimeout indicates whether the caller should
// forward the queued packets (true) or drop them (false); tail is the
// action list queued at that key's creation, to resume against each
// forwarded packet instead of writing it to the wire as-is.
type TimeoutHandler func(key string, packets []Packet, tail []rules.ActionStep, forwardOnTimeout bool)

// Aggregator is the C6 component. One Aggregator instance is shared by
// every rule that has a batch action; rules partition it by key.
type Aggregator struct {
	mu      sync.Mutex
	batches map[string]*state
	nextGen uint64

	onTimeout TimeoutHandler
}

// NewAggregator builds an Aggregator that calls onTimeout for any batch
// whose timeout elapses before its threshold is met.
func NewAggregator(onTimeout TimeoutHandler) *Aggregator {
	return &Aggregator{
		batches:   make(map[string]*state),
		onTimeout: onTimeout,
	}
}

// QueueOrRelease adds a packet to the named batch, creating it (and
// arming its timeout) if this is the first packet under that key. tail is
// the action list still pending after the Batch step; it is only recorded
// when the batch is first created under key, matching the semantics of the
// threshold itself (set once, by whichever rule happens to queue first).
// It returns the full packet list and tail, and true, if the threshold was
// just met, in which case the batch is removed and the caller is
// responsible for resuming tail against every packet.
func (a *Aggregator) QueueOrRelease(key string, systemID uint8, data []byte, threshold int, timeout time.Duration, forwardOnTimeout bool, tail []rules.ActionStep) ([]Packet, []rules.ActionStep, bool) {
	a.mu.Lock()

	b, existed := a.batches[key]
	if !existed {
		a.nextGen++
		b = newState(threshold, forwardOnTimeout, a.nextGen, tail)
		a.batches[key] = b
		slog.Info("batch group created", "key", key, "threshold", threshold, "timeout", timeout)
		generation := b.generation
		go a.armTimeout(key, generation, timeout)
	}

	b.add(systemID, data)
	unique := len(b.systems)
	total := len(b.packets)
	slog.Debug("batch packet queued", "key", key, "system_id", systemID, "unique_systems", unique, "threshold", threshold, "total_packets", total)

	if !b.ready() {
		a.mu.Unlock()
		return nil, nil, false
	}

	delete(a.batches, key)
	a.mu.Unlock()

	slog.Info("batch threshold met, releasing", "key", key, "unique_systems", unique, "packet_count", total)
	return b.packets, b.tail, true
}

func (a *Aggregator) armTimeout(key string, generation uint64, timeout time.Duration) {
	time.Sleep(timeout)

	a.mu.Lock()
	b, ok := a.batches[key]
	if !ok || b.generation != generation {
		// Already released by threshold, or superseded by a later batch
		// under the same key. Either way this timeout has nothing to do.
		a.mu.Unlock()
		return
	}
	delete(a.batches, key)
	a.mu.Unlock()

	elapsed := time.Since(b.createdAt)
	if b.forwardOnTimeout {
		slog.Warn("batch timed out, forwarding queued packets", "key", key, "elapsed", elapsed, "unique_systems", len(b.systems), "threshold", b.threshold, "packet_count", len(b.packets))
	} else {
		slog.Warn("batch timed out, dropping queued packets", "key", key, "elapsed", elapsed, "unique_systems", len(b.systems), "threshold", b.threshold, "packet_count", len(b.packets))
	}

	if a.onTimeout != nil {
		a.onTimeout(key, b.packets, b.tail, b.forwardOnTimeout)
	}
}
