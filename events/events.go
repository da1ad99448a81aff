// Package events is the notification surface the sync engine exposes to
// application code.
package events

import (
	"log/slog"
	"sync"

	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/model"
)

// Listener receives engine notifications. Calls are made synchronously from
// the goroutine that produced the event and must not block for long.
type Listener interface {
	OnActionResolved(id string)
	OnActionDeadLettered(id, reason string)
	OnConflictNeedsUser(d model.ConflictDescriptor)
	OnPullApplied(patchCount int)
	OnClaimCompleted(r model.ClaimResult)
	OnCoordinatorHalted(err error)
}

// NopListener ignores every event. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) OnActionResolved(string) {}
func (NopListener) OnActionDeadLettered(string, string) {}
func (NopListener) OnConflictNeedsUser(model.ConflictDescriptor) {}
func (NopListener) OnPullApplied(int) {}
func (NopListener) OnClaimCompleted(model.ClaimResult) {}
func (NopListener) OnCoordinatorHalted(error) {}

// Bus fans events out to subscribed listeners. A panicking listener is
// logged and does not affect the others.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *slog.Logger
}

var _ Listener = (*Bus)(nil)

// NewBus creates a Bus. A nil logger uses the default "events" logger.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = logging.WithComponent("events")
	}
	return &Bus{logger: logger}
}

// Subscribe adds l and returns a function that removes it.
func (b *Bus) Subscribe(l Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
	b.logger.Debug("listener subscribed", "total_listeners", len(b.listeners))
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, other := range b.listeners {
			if other == l {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) each(event string, fn func(Listener)) {
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("listener panic recovered", "event", event, "panic", r)
				}
			}()
			fn(l)
		}()
	}
}

func (b *Bus) OnActionResolved(id string) {
	b.each("action_resolved", func(l Listener) { l.OnActionResolved(id) })
}

func (b *Bus) OnActionDeadLettered(id, reason string) {
	b.each("action_dead_lettered", func(l Listener) { l.OnActionDeadLettered(id, reason) })
}

func (b *Bus) OnConflictNeedsUser(d model.ConflictDescriptor) {
	b.each("conflict_needs_user", func(l Listener) { l.OnConflictNeedsUser(d) })
}

func (b *Bus) OnPullApplied(n int) {
	b.each("pull_applied", func(l Listener) { l.OnPullApplied(n) })
}

func (b *Bus) OnClaimCompleted(r model.ClaimResult) {
	b.each("claim_completed", func(l Listener) { l.OnClaimCompleted(r) })
}

func (b *Bus) OnCoordinatorHalted(err error) {
	b.each("coordinator_halted", func(l Listener) { l.OnCoordinatorHalted(err) })
}
