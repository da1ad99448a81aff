// Package trigger turns connectivity and app lifecycle transitions, plus an
// optional periodic schedule, into coordinator triggers.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/c0deZ3R0/go-offline-sync/clock"
	"github.com/c0deZ3R0/go-offline-sync/logging"
)

// Coordinator is the part of the sync coordinator the trigger drives.
type Coordinator interface {
	Trigger() bool
	Cancel()
}

// Lifecycle tracks whether the process is online and in the foreground.
// It starts online and foregrounded.
type Lifecycle struct {
	coord    Coordinator
	clock    clock.Clock
	logger   *slog.Logger
	schedule cron.Schedule
	spec     string

	mu         sync.Mutex
	online     bool
	foreground bool
	timer      clock.Timer
	running    bool
	done       chan struct{}
}

// Option configures a Lifecycle.
type Option func(*Lifecycle) error

// WithSchedule sets the periodic trigger. spec is a standard cron expression
// or a descriptor such as "@every 5m" or "@hourly". Empty disables it.
func WithSchedule(spec string) Option {
	return func(l *Lifecycle) error {
		if spec == "" {
			l.schedule, l.spec = nil, ""
			return nil
		}
		s, err := cron.ParseStandard(spec)
		if err != nil {
			return fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
		l.schedule, l.spec = s, spec
		return nil
	}
}

// WithInterval is WithSchedule("@every d").
func WithInterval(d time.Duration) Option {
	return func(l *Lifecycle) error {
		if d <= 0 {
			l.schedule, l.spec = nil, ""
			return nil
		}
		l.schedule, l.spec = cron.Every(d), "@every "+d.String()
		return nil
	}
}

func WithClock(c clock.Clock) Option {
	return func(l *Lifecycle) error { l.clock = c; return nil }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Lifecycle) error { l.logger = logger; return nil }
}

// WithInitialState overrides the starting connectivity and lifecycle state.
func WithInitialState(online, foreground bool) Option {
	return func(l *Lifecycle) error {
		l.online, l.foreground = online, foreground
		return nil
	}
}

// New creates a Lifecycle for c.
func New(c Coordinator, opts ...Option) (*Lifecycle, error) {
	if c == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	l := &Lifecycle{coord: c, clock: clock.Real{}, online: true, foreground: true}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.logger == nil {
		l.logger = logging.WithComponent("trigger")
	}
	return l, nil
}

// NetworkAvailable records an offline to online transition and triggers a pass.
func (l *Lifecycle) NetworkAvailable() {
	l.mu.Lock()
	was := l.online
	l.online = true
	l.mu.Unlock()
	if !was {
		l.logger.Info("network available")
		l.coord.Trigger()
	}
}

// NetworkLost records going offline and cancels the running pass.
func (l *Lifecycle) NetworkLost() {
	l.mu.Lock()
	was := l.online
	l.online = false
	l.mu.Unlock()
	if was {
		l.logger.Info("network lost")
		l.coord.Cancel()
	}
}

// Foregrounded records the app coming to the foreground and triggers a pass
// when online.
func (l *Lifecycle) Foregrounded() {
	l.mu.Lock()
	was := l.foreground
	l.foreground = true
	online := l.online
	l.mu.Unlock()
	if !was && online {
		l.logger.Debug("foregrounded")
		l.coord.Trigger()
	}
}

// Backgrounded records the app leaving the foreground and cancels the
// running pass.
func (l *Lifecycle) Backgrounded() {
	l.mu.Lock()
	was := l.foreground
	l.foreground = false
	l.mu.Unlock()
	if was {
		l.logger.Debug("backgrounded")
		l.coord.Cancel()
	}
}

// Online reports the last known connectivity state.
func (l *Lifecycle) Online() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}

// Start arms the periodic trigger, if one is configured, until Stop or ctx
// is done.
func (l *Lifecycle) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running || l.schedule == nil {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.done = make(chan struct{})
	done := l.done
	l.armLocked()
	l.mu.Unlock()
	l.logger.Info("periodic sync started", "schedule", l.spec)

	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-done:
		}
	}()
}

// Stop disarms the periodic trigger.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	close(l.done)
	l.logger.Info("periodic sync stopped")
}

func (l *Lifecycle) armLocked() {
	now := l.clock.Now()
	d := l.schedule.Next(now).Sub(now)
	if d <= 0 {
		d = time.Second
	}
	l.timer = l.clock.AfterFunc(d, l.tick)
}

func (l *Lifecycle) tick() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	fire := l.online && l.foreground
	l.armLocked()
	l.mu.Unlock()

	if fire {
		l.logger.Debug("periodic trigger")
		l.coord.Trigger()
	}
}
