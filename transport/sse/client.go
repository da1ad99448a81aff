package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/coordinator"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	kiterr "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
)

// Client reads the event stream served at URL.
type Client struct {
	URL    string
	Client *http.Client
	Header http.Header
}

// NewClient creates a new SSE client for the stream at streamURL.
func NewClient(streamURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		URL:    streamURL,
		Client: httpClient,
	}
}

// Subscribe opens one stream starting after since, or at the head when since
// is nil, and calls handler for each notice until the stream ends, ctx is
// done, or handler fails.
func (c *Client) Subscribe(ctx context.Context, since cursor.Cursor, handler func(Notice) error) error {
	const op = "sse.Subscribe"
	u := c.URL
	if since != nil {
		wc, err := cursor.MarshalWire(since)
		if err != nil {
			return kiterr.E(kiterr.Op(op), kiterr.Component(component), kiterr.KindInvalid, err)
		}
		b, _ := json.Marshal(wc)
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "cursor=" + url.QueryEscape(string(b))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return kiterr.E(kiterr.Op(op), kiterr.Component(component), kiterr.KindInvalid, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return kiterr.E(kiterr.Op(op), kiterr.Component(component), err, "http request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return kiterr.E(kiterr.Op(op), kiterr.Component(component), fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		var n Notice
		if err := json.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &n); err != nil {
			return kiterr.E(kiterr.Op(op), kiterr.Component(component), kiterr.KindInvalid, err, "decode notice")
		}
		if err := handler(n); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return kiterr.E(kiterr.Op(op), kiterr.Component(component), err, "scan")
	}
	return nil
}

// Notifier keeps a stream open and turns notices into sync triggers.
type Notifier struct {
	client  *Client
	trigger Triggerer
	net     Connectivity
	backoff coordinator.Backoff
	logger  *slog.Logger

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

func WithNotifierLogger(l *slog.Logger) NotifierOption { return func(n *Notifier) { n.logger = l } }

func NewNotifier(c *Client, t Triggerer, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		client:  c,
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

// Connected reports whether the notifier currently holds a stream.
func (n *Notifier) Connected() bool { return n.connected.Load() }

// Run subscribes until ctx is done, resuming after the last cursor seen and
// reconnecting with backoff. It always returns ctx.Err().
func (n *Notifier) Run(ctx context.Context) error {
	var (
		last    cursor.Cursor
		attempt int
	)
	for {
		err := n.client.Subscribe(ctx, last, func(notice Notice) error {
			if !n.connected.Swap(true) {
				attempt = 0
				n.logger.Info("event stream connected", "url", n.client.URL)
				if n.net != nil {
					n.net.NetworkAvailable()
				}
			}
			if notice.NextCursor != nil {
				if c, err := cursor.UnmarshalWire(notice.NextCursor); err == nil {
					last = c
				}
			}
			n.trigger.Trigger()
			return nil
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if n.connected.Swap(false) && n.net != nil {
			n.net.NetworkLost()
		}
		attempt++
		delay := n.backoff.Next(attempt)
		n.logger.Debug("event stream down", "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
