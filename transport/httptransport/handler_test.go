package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/clock"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/remote"
)

func newHandler(opts ...ServerOption) (*Handler, *remote.Remote) {
	clk := clock.NewFake(epoch)
	r := remote.New(remote.WithClock(clk), remote.WithLogger(logging.Discard()))
	opts = append([]ServerOption{WithServerClock(clk), WithTokenSecret(secret), WithServerLogger(logging.Discard())}, opts...)
	return NewHandler(r, opts...), r
}

func serve(h http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestHandler_Routing(t *testing.T) {
	h, _ := newHandler()

	tests := []struct {
		name   string
		method string
		target string
		status int
	}{
		{"unknown path", http.MethodGet, "/nope", http.StatusNotFound},
		{"actions wrong method", http.MethodGet, PathActions, http.StatusMethodNotAllowed},
		{"changes wrong method", http.MethodPost, PathChanges, http.StatusMethodNotAllowed},
		{"claim wrong method", http.MethodGet, PathClaim, http.StatusMethodNotAllowed},
		{"notify not mounted", http.MethodGet, PathNotify, http.StatusNotFound},
		{"events not mounted", http.MethodGet, PathEvents, http.StatusNotFound},
		{"invalid limit", http.MethodGet, PathChanges + "?limit=abc", http.StatusBadRequest},
		{"invalid cursor", http.MethodGet, PathChanges + "?cursor=%7Bbroken", http.StatusBadRequest},
		{"empty changes", http.MethodGet, PathChanges, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, tt.method, tt.target, "", nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestHandler_ActionValidation(t *testing.T) {
	h, _ := newHandler()

	rec := serve(h, http.MethodPost, PathActions, `{"kind":"create"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "required")

	rec = serve(h, http.MethodPost, PathActions, `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPost, PathActions, `{"id":"a-1","kind":"create","target":{"id":"cid-1","temporary":true}}`,
		http.Header{"Authorization": {"Bearer garbage"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_BearerTokenNamesPrincipal(t *testing.T) {
	h, r := newHandler()
	tok := signed(t, "acct-7")

	rec := serve(h, http.MethodPost, PathActions, `{"id":"a-1","kind":"create","entity_type":"todo","target":{"id":"cid-1","temporary":true},"payload":{"n":1}}`,
		http.Header{"Authorization": {"Bearer " + tok}, HeaderPrincipal: {"someone-else"}})
	require.Equal(t, http.StatusOK, rec.Code)

	// The account owns the entity, so claiming it as a guest moves nothing.
	res, err := r.Claim(context.Background(), "someone-else", "acct-9")
	require.NoError(t, err)
	assert.Empty(t, res.Mapping)
}

func TestHandler_ClaimRequiresToken(t *testing.T) {
	h, _ := newHandler()

	rec := serve(h, http.MethodPost, PathClaim, `{"guest_id":"guest-1"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(h, http.MethodPost, PathClaim, `{}`, http.Header{"Authorization": {"Bearer " + signed(t, "acct-1")}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPost, PathClaim, `{"guest_id":"guest-1"}`, http.Header{"Authorization": {"Bearer " + signed(t, "acct-1")}})
	require.Equal(t, http.StatusOK, rec.Code)
	var body ClaimResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "acct-1", body.AccountID)
	require.NotNil(t, body.Next)
}

func TestHandler_ExpiredTokenRejected(t *testing.T) {
	h, _ := newHandler(WithTokenSecret(nil))
	tok := signed(t, "acct-1")
	h.options.Clock = clock.NewFake(epoch.Add(2 * time.Hour))

	rec := serve(h, http.MethodPost, PathClaim, `{"guest_id":"guest-1"}`, http.Header{"Authorization": {"Bearer " + tok}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_MountsNotify(t *testing.T) {
	called := false
	h, _ := newHandler(WithNotifyHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	})))

	rec := serve(h, http.MethodGet, PathNotify, "", nil)
	assert.True(t, called)
	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)
}

func TestHandler_MountsEventsWithoutTimeout(t *testing.T) {
	var deadline bool
	h, _ := newHandler(
		WithRequestTimeout(time.Second),
		WithEventsHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, deadline = r.Context().Deadline()
			w.WriteHeader(http.StatusNoContent)
		})))

	rec := serve(h, http.MethodGet, PathEvents, "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, deadline)
}

func TestHandler_ResponseCompression(t *testing.T) {
	h, r := newHandler(WithCompressionThreshold(0))
	r.Put(context.Background(), "srv-1", "todo", json.RawMessage(`{"title":"x"}`))

	rec := serve(h, http.MethodGet, PathChanges, "", http.Header{"Accept-Encoding": {"gzip"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	rec = serve(h, http.MethodGet, PathChanges, "", nil)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	var body ChangesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Patches, 1)
	assert.False(t, body.HasMore)
}
