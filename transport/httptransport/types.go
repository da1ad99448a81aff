// Package httptransport carries the sync protocol over HTTP: a Client that
// implements coordinator.NetworkClient and a Handler that serves a
// remote.Remote on the same routes.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/clock"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/model"
)

const component = "transport/http"

// Routes served by Handler.
const (
	PathActions = "/actions"
	PathChanges = "/changes"
	PathClaim   = "/guest/claim"
	PathNotify  = "/notify"
	PathEvents  = "/events"
)

// HeaderPrincipal names the guest or account a request acts for when no
// bearer token is sent.
const HeaderPrincipal = "X-Principal"

// ServerOptions configures the HTTP transport server behavior
type ServerOptions struct {
	// MaxRequestSize is the maximum allowed size of incoming request bodies in bytes (compressed)
	// If 0, defaults to 10MB
	MaxRequestSize int64

	// MaxDecompressedSize is the maximum allowed size of decompressed request bodies in bytes
	// If 0, defaults to 20MB
	MaxDecompressedSize int64

	// CompressionEnabled enables gzip compression for responses larger than CompressionThreshold
	CompressionEnabled bool

	// CompressionThreshold is the minimum size in bytes before responses are compressed
	CompressionThreshold int64

	// RequestTimeout bounds the processing of a single request
	RequestTimeout time.Duration

	// ShutdownTimeout is the maximum duration to wait for in-flight requests during shutdown
	ShutdownTimeout time.Duration

	// TokenSecret verifies bearer tokens. Without it tokens are trusted unverified.
	TokenSecret []byte

	// Notify is mounted at PathNotify when set.
	Notify http.Handler
	// Events is mounted at PathEvents when set.
	Events http.Handler

	// Clock checks token expiry.
	Clock  clock.Clock
	Logger *slog.Logger
}

// DefaultServerOptions returns the default server options
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		MaxRequestSize:       10 * 1024 * 1024, // 10MB
		MaxDecompressedSize:  20 * 1024 * 1024, // 20MB
		CompressionEnabled:   true,
		CompressionThreshold: 1024,
		RequestTimeout:       30 * time.Second,
		ShutdownTimeout:      10 * time.Second,
		Clock:                clock.Real{},
	}
}

// ClientOptions configures the HTTP transport client behavior
type ClientOptions struct {
	// CompressionEnabled gzips request bodies above GzipMinBytes and asks for
	// gzip responses.
	CompressionEnabled bool
	GzipMinBytes       int

	// MaxResponseSize is the maximum allowed size of response bodies in bytes (compressed)
	MaxResponseSize int64

	// MaxDecompressedResponseSize is the maximum allowed size of decompressed response bodies
	MaxDecompressedResponseSize int64

	// RequestTimeout bounds a single request. Zero leaves it to the caller's context.
	RequestTimeout time.Duration

	// Token is sent as a bearer token on every request.
	Token string

	// Principal returns the guest or account id sent in HeaderPrincipal.
	Principal func() string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefaultClientOptions returns the default client options
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		CompressionEnabled:          true,
		GzipMinBytes:                1024,
		MaxResponseSize:             10 * 1024 * 1024, // 10MB
		MaxDecompressedResponseSize: 20 * 1024 * 1024, // 20MB
		RequestTimeout:              30 * time.Second,
	}
}

// ChangesResponse is the body of GET /changes.
type ChangesResponse struct {
	Patches []model.Patch      `json:"patches"`
	Next    *cursor.WireCursor `json:"next,omitempty"`
	HasMore bool               `json:"has_more"`
}

// ClaimRequest is the body of POST /guest/claim.
type ClaimRequest struct {
	GuestID string `json:"guest_id"`
}

// ClaimResponse is the body answering a claim. A 409 carries Conflicts.
type ClaimResponse struct {
	AccountID string                     `json:"account_id,omitempty"`
	Mapping   map[string]string          `json:"mapping,omitempty"`
	Next      *cursor.WireCursor         `json:"next,omitempty"`
	Conflicts []model.ConflictDescriptor `json:"conflicts,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
