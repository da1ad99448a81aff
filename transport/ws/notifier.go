package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/c0deZ3R0/go-offline-sync/coordinator"
	"github.com/c0deZ3R0/go-offline-sync/logging"
)

// Connectivity receives network transitions.
type Connectivity interface {
	NetworkAvailable()
	NetworkLost()
}

// Triggerer starts a sync pass.
type Triggerer interface {
	Trigger() bool
}

// Notifier keeps a connection to a Hub and turns its notifications into
// sync triggers.
type Notifier struct {
	url     string
	net     Connectivity
	trigger Triggerer
	backoff coordinator.Backoff
	header  http.Header
	logger  *slog.Logger

	lastSeq   atomic.Uint64
	connected atomic.Bool
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithConnectivity reports connects and disconnects to c.
func WithConnectivity(c Connectivity) NotifierOption { return func(n *Notifier) { n.net = c } }

// WithReconnectBackoff sets the delays between reconnect attempts.
func WithReconnectBackoff(b coordinator.Backoff) NotifierOption {
	return func(n *Notifier) { n.backoff = b }
}

// WithHeader adds headers to the handshake, e.g. Authorization.
func WithHeader(h http.Header) NotifierOption { return func(n *Notifier) { n.header = h } }

func WithNotifierLogger(l *slog.Logger) NotifierOption { return func(n *Notifier) { n.logger = l } }

// NewNotifier creates a notifier for the hub at url. http and https URLs are
// accepted and dialed as ws and wss.
func NewNotifier(url string, t Triggerer, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		url:     url,
		trigger: t,
		backoff: coordinator.Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.2},
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = logging.WithComponent(component)
	}
	return n
}

// LastSeq returns the latest change seq the hub announced.
func (n *Notifier) LastSeq() uint64 { return n.lastSeq.Load() }

// Connected reports whether the notifier currently holds a connection.
func (n *Notifier) Connected() bool { return n.connected.Load() }

// Run connects and listens until ctx is done, reconnecting with backoff.
// It always returns ctx.Err().
func (n *Notifier) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := n.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if n.connected.Swap(false) {
			attempt = 0
			if n.net != nil {
				n.net.NetworkLost()
			}
		}
		attempt++
		delay := n.backoff.Next(attempt)
		n.logger.Debug("notification stream down", "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (n *Notifier) listen(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, dialURL(n.url), &websocket.DialOptions{HTTPHeader: n.header})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	n.connected.Store(true)
	n.logger.Info("notification stream connected", "url", n.url)
	if n.net != nil {
		n.net.NetworkAvailable()
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			n.logger.Warn("malformed notification", "error", err)
			continue
		}
		if !n.advance(msg.Seq) && msg.Type == TypeHello {
			continue
		}
		n.trigger.Trigger()
	}
}

// advance raises lastSeq to seq and reports whether it moved.
func (n *Notifier) advance(seq uint64) bool {
	for {
		prev := n.lastSeq.Load()
		if seq <= prev {
			return false
		}
		if n.lastSeq.CompareAndSwap(prev, seq) {
			return true
		}
	}
}

func dialURL(u string) string {
	switch {
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return u
}
