package rules

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// activation is one rule's enabled/TTL/trigger-context state (spec.md's
// RuleActivation).
type activation struct {
	enabled   bool
	expiresAt time.Time // zero means no expiry
	context   map[string]any
}

// StateManager tracks the enabled/TTL state of every rule and sweeps
// expired activations once a second (C4). A name absent from the map is
// treated as enabled — only rules the engine has touched (seeded at
// construction, or activated/deactivated later) appear here.
type StateManager struct {
	mu          sync.RWMutex
	activations map[string]*activation

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewStateManager seeds activation state from each rule's EnabledByDefault
// and starts the 1s sweeper goroutine.
func NewStateManager(store *Store) *StateManager {
	sm := &StateManager{
		activations: make(map[string]*activation, len(store.All())),
	}
	for _, r := range store.All() {
		sm.activations[r.Name] = &activation{enabled: r.EnabledByDefault}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sm.cancel = cancel
	go sm.sweep(ctx)
	return sm
}

// Stop halts the background sweeper. Safe to call multiple times.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		sm.cancel()
	})
}

// IsEnabled reports whether a named rule currently fires. An unlisted name
// is treated as enabled, per spec.md §4.4.
func (sm *StateManager) IsEnabled(name string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	a, ok := sm.activations[name]
	if !ok {
		return true
	}
	return a.enabled
}

// Activate enables a rule for duration, recording trigger context for
// later retrieval by GetTriggerContext. A zero duration never expires.
func (sm *StateManager) Activate(name string, duration time.Duration, triggerContext map[string]any) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var expiresAt time.Time
	if duration > 0 {
		expiresAt = time.Now().Add(duration)
	}
	ctxCopy := make(map[string]any, len(triggerContext))
	for k, v := range triggerContext {
		ctxCopy[k] = v
	}
	sm.activations[name] = &activation{enabled: true, expiresAt: expiresAt, context: ctxCopy}
}

// Deactivate disables a rule immediately and clears any expiry/context.
func (sm *StateManager) Deactivate(name string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.activations[name] = &activation{enabled: false}
}

// GetTriggerContext returns a snapshot of the named rule's trigger
// context, or nil if it has none.
func (sm *StateManager) GetTriggerContext(name string) map[string]any {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	a, ok := sm.activations[name]
	if !ok || a.context == nil {
		return nil
	}
	out := make(map[string]any, len(a.context))
	for k, v := range a.context {
		out[k] = v
	}
	return out
}

// cleanupExpired disables any activation whose expiry has passed. It is
// acceptable for a rule to remain enabled up to one sweep period past its
// deadline (spec.md §4.4).
func (sm *StateManager) cleanupExpired() {
	now := time.Now()
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for name, a := range sm.activations {
		if a.expiresAt.IsZero() || now.Before(a.expiresAt) {
			continue
		}
		a.enabled = false
		a.expiresAt = time.Time{}
		a.context = nil
		slog.Debug("rule activation expired", "rule", name)
	}
}

func (sm *StateManager) sweep(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.cleanupExpired()
		}
	}
}
