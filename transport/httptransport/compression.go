package httptransport

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	errDecompressedTooLarge = errors.New("decompressed data exceeds maximum size limit")
	errBodyTooLarge         = errors.New("request body too large")
	errUnsupportedMedia     = errors.New("unsupported media type")
	errInvalidGzip          = errors.New("invalid gzip data")
	errResponseTooLarge     = errors.New("response exceeds maximum size limit")
)

// maxDecompressedReader wraps an io.Reader to enforce decompressed size limits
type maxDecompressedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
	err      error
}

func (r *maxDecompressedReader) Read(p []byte) (int, error) {
	if r.consumed >= r.limit {
		// Only an exact fit ends cleanly.
		var probe [1]byte
		if n, _ := r.reader.Read(probe[:]); n > 0 {
			return 0, r.err
		}
		return 0, io.EOF
	}

	if maxRead := r.limit - r.consumed; int64(len(p)) > maxRead {
		p = p[:maxRead]
	}
	n, err := r.reader.Read(p)
	r.consumed += int64(n)
	return n, err
}

// createSafeRequestReader creates a reader that enforces both compressed and
// decompressed size limits. The cleanup func is never nil.
func createSafeRequestReader(w http.ResponseWriter, r *http.Request, options *ServerOptions) (io.Reader, func(), error) {
	maxRequestSize := options.MaxRequestSize
	if maxRequestSize == 0 {
		maxRequestSize = 10 * 1024 * 1024
	}
	maxDecompressedSize := options.MaxDecompressedSize
	if maxDecompressedSize == 0 {
		maxDecompressedSize = 20 * 1024 * 1024
	}

	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return nil, func() {}, fmt.Errorf("%w: %s", errUnsupportedMedia, ct)
	}
	if r.ContentLength > maxRequestSize {
		return nil, func() {}, fmt.Errorf("%w: %d bytes (max %d)", errBodyTooLarge, r.ContentLength, maxRequestSize)
	}

	encoding := strings.TrimSpace(strings.ToLower(r.Header.Get("Content-Encoding")))
	switch encoding {
	case "":
		return http.MaxBytesReader(w, r.Body, min(maxRequestSize, maxDecompressedSize)), func() {}, nil
	case "gzip":
	default:
		return nil, func() {}, fmt.Errorf("%w: content encoding %s", errUnsupportedMedia, encoding)
	}

	gz, err := gzip.NewReader(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err != nil {
		return nil, func() {}, fmt.Errorf("%w: %v", errInvalidGzip, err)
	}
	reader := &maxDecompressedReader{reader: gz, limit: maxDecompressedSize, err: errDecompressedTooLarge}
	return reader, func() { _ = gz.Close() }, nil
}

// createSafeResponseReader bounds a response body the same way. Responses are
// only gzip-decoded here because the client sets Accept-Encoding itself,
// which turns off the transport's transparent decompression.
func createSafeResponseReader(resp *http.Response, options *ClientOptions) (io.Reader, func(), error) {
	body := &maxDecompressedReader{reader: resp.Body, limit: options.MaxResponseSize, err: errResponseTooLarge}
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return body, func() {}, nil
	}
	gz, err := gzip.NewReader(body)
	if err != nil {
		return nil, func() {}, fmt.Errorf("%w: %v", errInvalidGzip, err)
	}
	reader := &maxDecompressedReader{reader: gz, limit: options.MaxDecompressedResponseSize, err: errResponseTooLarge}
	return reader, func() { _ = gz.Close() }, nil
}

// mapErrorToHTTPStatus maps request body errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errDecompressedTooLarge), errors.Is(err, errBodyTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}
