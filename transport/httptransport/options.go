package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/clock"
)

// ServerOption is a function that configures a ServerOptions struct
type ServerOption func(*ServerOptions)

// WithMaxRequestSize sets the maximum allowed size of incoming request bodies
func WithMaxRequestSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxRequestSize = size
	}
}

// WithMaxDecompressedSize sets the maximum allowed size of decompressed request bodies
func WithMaxDecompressedSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxDecompressedSize = size
	}
}

// WithCompression enables or disables response compression
func WithCompression(enabled bool) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithCompressionThreshold sets the minimum size for response compression
func WithCompressionThreshold(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionThreshold = size
	}
}

// WithRequestTimeout sets the maximum duration for request processing
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(opts *ServerOptions) {
		opts.RequestTimeout = timeout
	}
}

// WithShutdownTimeout sets the maximum duration for graceful shutdown
func WithShutdownTimeout(timeout time.Duration) ServerOption {
	return func(opts *ServerOptions) {
		opts.ShutdownTimeout = timeout
	}
}

// WithTokenSecret makes the handler verify bearer token signatures.
func WithTokenSecret(secret []byte) ServerOption {
	return func(opts *ServerOptions) {
		opts.TokenSecret = secret
	}
}

// WithNotifyHandler mounts h at /notify.
func WithNotifyHandler(h http.Handler) ServerOption {
	return func(opts *ServerOptions) {
		opts.Notify = h
	}
}

// WithEventsHandler mounts h at /events.
func WithEventsHandler(h http.Handler) ServerOption {
	return func(opts *ServerOptions) {
		opts.Events = h
	}
}

func WithServerClock(c clock.Clock) ServerOption {
	return func(opts *ServerOptions) {
		opts.Clock = c
	}
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(opts *ServerOptions) {
		opts.Logger = l
	}
}

// ClientOption is a function that configures a ClientOptions struct
type ClientOption func(*ClientOptions)

// WithClientCompression enables or disables request/response compression
func WithClientCompression(enabled bool) ClientOption {
	return func(opts *ClientOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithGzipMinBytes sets the request size above which bodies are gzipped.
func WithGzipMinBytes(n int) ClientOption {
	return func(opts *ClientOptions) {
		opts.GzipMinBytes = n
	}
}

// WithMaxResponseSize sets the maximum allowed size of response bodies
func WithMaxResponseSize(size int64) ClientOption {
	return func(opts *ClientOptions) {
		opts.MaxResponseSize = size
	}
}

// WithClientTimeout sets the timeout for all requests
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(opts *ClientOptions) {
		opts.RequestTimeout = timeout
	}
}

// WithToken sends token as a bearer token.
func WithToken(token string) ClientOption {
	return func(opts *ClientOptions) {
		opts.Token = token
	}
}

// WithPrincipal sets the function naming the guest or account a request acts for.
func WithPrincipal(fn func() string) ClientOption {
	return func(opts *ClientOptions) {
		opts.Principal = fn
	}
}

func WithHTTPClient(cl *http.Client) ClientOption {
	return func(opts *ClientOptions) {
		opts.HTTPClient = cl
	}
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(opts *ClientOptions) {
		opts.Logger = l
	}
}

// applyServerOptions creates a new ServerOptions with the given options applied
func applyServerOptions(opts ...ServerOption) *ServerOptions {
	options := DefaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// applyClientOptions creates a new ClientOptions with the given options applied
func applyClientOptions(opts ...ClientOption) *ClientOptions {
	options := DefaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}
