package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
)

type Server struct {
	Feed         Feed
	Logger       *slog.Logger
	BatchSize    int
	PollInterval time.Duration
}

// NewServer creates a new SSE server with default settings
func NewServer(feed Feed, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.WithComponent(component)
	}
	return &Server{
		Feed:         feed,
		Logger:       logger,
		BatchSize:    100,
		PollInterval: 200 * time.Millisecond,
	}
}

// Handler streams a Notice for every batch of changes after the cursor query
// parameter, a JSON wire cursor. Without one the stream starts at the head.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		ctx := r.Context()
		var cur cursor.Cursor
		if curParam := r.URL.Query().Get("cursor"); curParam != "" {
			var wc cursor.WireCursor
			if err := json.Unmarshal([]byte(curParam), &wc); err != nil {
				http.Error(w, "bad cursor format", http.StatusBadRequest)
				return
			}
			parsed, err := cursor.UnmarshalWire(&wc)
			if err != nil {
				http.Error(w, "bad cursor", http.StatusBadRequest)
				return
			}
			cur = parsed
		} else {
			head, err := s.head(ctx)
			if err != nil {
				s.fail(w, err)
				return
			}
			cur = head
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		if err := s.write(w, 0, cur); err != nil {
			return
		}
		flusher.Flush()

		timer := time.NewTimer(s.PollInterval)
		defer timer.Stop()
		for {
			res, err := s.Feed.Changes(ctx, cur, s.BatchSize)
			if err != nil {
				if ctx.Err() == nil {
					s.Logger.Error("change feed failed", "error", errors.E(errors.Op("sse.Handler"), errors.Component(component), errors.KindInternal, err))
				}
				return
			}
			if res.Next != nil {
				cur = res.Next
			}
			if len(res.Patches) > 0 {
				if err := s.write(w, len(res.Patches), cur); err != nil {
					return
				}
				flusher.Flush()
				if res.HasMore {
					continue
				}
			}

			timer.Reset(s.PollInterval)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
	})
}

// head pages through the feed to its latest cursor.
func (s *Server) head(ctx context.Context) (cursor.Cursor, error) {
	var cur cursor.Cursor
	for {
		res, err := s.Feed.Changes(ctx, cur, s.BatchSize)
		if err != nil {
			return nil, err
		}
		if res.Next != nil {
			cur = res.Next
		}
		if !res.HasMore {
			return cur, nil
		}
	}
}

func (s *Server) write(w http.ResponseWriter, changes int, cur cursor.Cursor) error {
	n := Notice{Changes: changes}
	if cur != nil {
		wc, err := cursor.MarshalWire(cur)
		if err != nil {
			return err
		}
		n.NextCursor = wc
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.Logger.Error("change feed unavailable", "error", err)
	http.Error(w, "change feed unavailable", http.StatusServiceUnavailable)
}
