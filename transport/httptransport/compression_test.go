package httptransport

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(data)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func TestSafeRequestReader_ContentTypeValidation(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		wantStatus  int
	}{
		{"application/json", "application/json", 0},
		{"json with charset", "application/json; charset=utf-8", 0},
		{"no content type", "", 0},
		{"text/plain", "text/plain", http.StatusUnsupportedMediaType},
		{"application/xml", "application/xml", http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/actions", strings.NewReader(`{"id":"a"}`))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			reader, cleanup, err := createSafeRequestReader(httptest.NewRecorder(), req, DefaultServerOptions())
			defer cleanup()

			if tt.wantStatus != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantStatus, mapErrorToHTTPStatus(err))
				return
			}
			require.NoError(t, err)
			body, err := io.ReadAll(reader)
			require.NoError(t, err)
			assert.Equal(t, `{"id":"a"}`, string(body))
		})
	}
}

func TestSafeRequestReader_Gzip(t *testing.T) {
	payload := []byte(`{"id":"a","payload":"` + strings.Repeat("x", 200) + `"}`)

	t.Run("valid gzip", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/actions", bytes.NewReader(gzipBytes(t, payload)))
		req.Header.Set("Content-Encoding", "GZIP")
		reader, cleanup, err := createSafeRequestReader(httptest.NewRecorder(), req, DefaultServerOptions())
		defer cleanup()
		require.NoError(t, err)
		got, err := io.ReadAll(reader)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("invalid gzip", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/actions", strings.NewReader("not gzip"))
		req.Header.Set("Content-Encoding", "gzip")
		_, cleanup, err := createSafeRequestReader(httptest.NewRecorder(), req, DefaultServerOptions())
		defer cleanup()
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, mapErrorToHTTPStatus(err))
	})

	t.Run("unsupported encoding", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/actions", bytes.NewReader(payload))
		req.Header.Set("Content-Encoding", "br")
		_, cleanup, err := createSafeRequestReader(httptest.NewRecorder(), req, DefaultServerOptions())
		defer cleanup()
		require.Error(t, err)
		assert.Equal(t, http.StatusUnsupportedMediaType, mapErrorToHTTPStatus(err))
	})

	t.Run("decompressed limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/actions", bytes.NewReader(gzipBytes(t, payload)))
		req.Header.Set("Content-Encoding", "gzip")
		opts := DefaultServerOptions()
		opts.MaxDecompressedSize = 64
		reader, cleanup, err := createSafeRequestReader(httptest.NewRecorder(), req, opts)
		defer cleanup()
		require.NoError(t, err)
		_, err = io.ReadAll(reader)
		require.Error(t, err)
		assert.Equal(t, http.StatusRequestEntityTooLarge, mapErrorToHTTPStatus(err))
	})
}

func TestSafeRequestReader_CompressedLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/actions", strings.NewReader(strings.Repeat("x", 100)))
	opts := DefaultServerOptions()
	opts.MaxRequestSize = 10

	_, cleanup, err := createSafeRequestReader(httptest.NewRecorder(), req, opts)
	defer cleanup()
	require.Error(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, mapErrorToHTTPStatus(err))
}

func TestMaxDecompressedReader_ExactFit(t *testing.T) {
	r := &maxDecompressedReader{reader: strings.NewReader("12345"), limit: 5, err: errDecompressedTooLarge}
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(got))

	r = &maxDecompressedReader{reader: strings.NewReader("123456"), limit: 5, err: errDecompressedTooLarge}
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, errDecompressedTooLarge)
}
