package coordinator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/clock"
	"github.com/c0deZ3R0/go-offline-sync/events"
	"github.com/c0deZ3R0/go-offline-sync/idmap"
	"github.com/c0deZ3R0/go-offline-sync/localstore"
	"github.com/c0deZ3R0/go-offline-sync/resolver"
)

const (
	DefaultMaxAttempts    = 5
	DefaultParallelism    = 4
	DefaultMaxPushRounds  = 8
	DefaultMaxPullBatches = 50
	DefaultPullLimit      = 100
	DefaultSendTimeout    = 30 * time.Second
)

// Option configures a Coordinator.
type Option func(*Coordinator) error

// WithLocalStore sets the local entity store. Required.
func WithLocalStore(s localstore.Store) Option {
	return func(c *Coordinator) error {
		if s == nil {
			return fmt.Errorf("local store cannot be nil")
		}
		c.store = s
		return nil
	}
}

// WithClient sets the network client. Required.
func WithClient(nc NetworkClient) Option {
	return func(c *Coordinator) error {
		if nc == nil {
			return fmt.Errorf("network client cannot be nil")
		}
		c.client = nc
		return nil
	}
}

// WithResolver sets the conflict resolver. Defaults to last-write-wins.
func WithResolver(r resolver.Resolver) Option {
	return func(c *Coordinator) error {
		if r == nil {
			return fmt.Errorf("resolver cannot be nil")
		}
		c.resolver = r
		return nil
	}
}

// WithIDMap sets the cid translation table. Defaults to an in-memory table.
func WithIDMap(t idmap.Table) Option {
	return func(c *Coordinator) error {
		if t == nil {
			return fmt.Errorf("id map cannot be nil")
		}
		c.ids = t
		return nil
	}
}

// WithCursorStore sets where the SyncCursor is persisted.
func WithCursorStore(s CursorStore) Option {
	return func(c *Coordinator) error {
		if s == nil {
			return fmt.Errorf("cursor store cannot be nil")
		}
		c.cursors = s
		return nil
	}
}

// WithListener sets the event listener.
func WithListener(l events.Listener) Option {
	return func(c *Coordinator) error {
		if l == nil {
			l = events.NopListener{}
		}
		c.listener = l
		return nil
	}
}

// WithClock sets the clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) error {
		c.clock = clk
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) error {
		c.logger = l
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) error {
		if m == nil {
			m = NoOpMetrics{}
		}
		c.metrics = m
		return nil
	}
}

// WithBackoff sets the retry delay policy.
func WithBackoff(b Backoff) Option {
	return func(c *Coordinator) error {
		if b.Base < 0 || b.Max < 0 || b.Jitter < 0 || b.Jitter > 1 {
			return fmt.Errorf("invalid backoff %+v", b)
		}
		c.backoff = b
		return nil
	}
}

// WithMaxAttempts sets the dead-letter ceiling.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) error {
		if n < 1 {
			return fmt.Errorf("max attempts must be at least 1, got %d", n)
		}
		c.maxAttempts = n
		return nil
	}
}

// WithParallelism bounds the number of entities pushed concurrently.
func WithParallelism(n int) Option {
	return func(c *Coordinator) error {
		if n < 1 {
			return fmt.Errorf("parallelism must be at least 1, got %d", n)
		}
		c.parallelism = n
		return nil
	}
}

// WithMaxPushRounds bounds how often the queue is re-read within one pass.
func WithMaxPushRounds(n int) Option {
	return func(c *Coordinator) error {
		if n < 1 {
			return fmt.Errorf("max push rounds must be at least 1, got %d", n)
		}
		c.maxPushRounds = n
		return nil
	}
}

// WithPullLimits sets the batch size and number of batches per pull phase.
func WithPullLimits(limit, maxBatches int) Option {
	return func(c *Coordinator) error {
		if limit < 1 || maxBatches < 1 {
			return fmt.Errorf("pull limits must be positive, got %d/%d", limit, maxBatches)
		}
		c.pullLimit = limit
		c.maxPullBatches = maxBatches
		return nil
	}
}

// WithSendTimeout bounds a single Send call.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Coordinator) error {
		if d <= 0 {
			return fmt.Errorf("send timeout must be positive")
		}
		c.sendTimeout = d
		return nil
	}
}

// WithUserDecisionTTL auto-resolves conflicts left undecided for d in favor of
// the server. Zero keeps them until the caller decides.
func WithUserDecisionTTL(d time.Duration) Option {
	return func(c *Coordinator) error {
		if d < 0 {
			return fmt.Errorf("user decision ttl cannot be negative")
		}
		c.decisionTTL = d
		return nil
	}
}
