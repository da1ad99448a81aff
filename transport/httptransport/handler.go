package httptransport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/coordinator"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/model"
	"github.com/c0deZ3R0/go-offline-sync/remote"
)

// Handler serves a remote.Remote over HTTP.
type Handler struct {
	remote  *remote.Remote
	options *ServerOptions
	logger  *slog.Logger
}

// NewHandler creates a Handler for r.
func NewHandler(r *remote.Remote, opts ...ServerOption) *Handler {
	options := applyServerOptions(opts...)
	h := &Handler{remote: r, options: options, logger: options.Logger}
	if h.logger == nil {
		h.logger = logging.WithComponent(component)
	}
	return h
}

// ServeHTTP routes requests to the action, change, claim and notify endpoints.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Streams are long-lived and skip the request timeout.
	if stream, ok := h.stream(r.URL.Path); ok {
		if stream == nil {
			respondWithError(w, r, http.StatusNotFound, "not found", h.options)
			return
		}
		stream.ServeHTTP(w, r)
		return
	}

	if h.options.RequestTimeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), h.options.RequestTimeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	switch r.URL.Path {
	case PathActions:
		h.handleActions(w, r)
	case PathChanges:
		h.handleChanges(w, r)
	case PathClaim:
		h.handleClaim(w, r)
	default:
		respondWithError(w, r, http.StatusNotFound, "not found", h.options)
	}
}

func (h *Handler) stream(path string) (http.Handler, bool) {
	switch path {
	case PathNotify:
		return h.options.Notify, true
	case PathEvents:
		return h.options.Events, true
	}
	return nil, false
}

func (h *Handler) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, r, http.StatusMethodNotAllowed, "method not allowed", h.options)
		return
	}
	principal, err := h.principal(r)
	if err != nil {
		respondWithError(w, r, http.StatusUnauthorized, err.Error(), h.options)
		return
	}

	var a model.Action
	if !h.decodeBody(w, r, &a) {
		return
	}
	if a.ID == "" || a.Target.IsZero() {
		respondWithError(w, r, http.StatusBadRequest, "action id and target are required", h.options)
		return
	}

	res, err := h.remote.Apply(remote.WithPrincipal(r.Context(), principal), a)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	switch res.Outcome {
	case coordinator.OutcomeSuccess:
		respondWithJSON(w, r, http.StatusOK, res, h.options)
	case coordinator.OutcomeConflict:
		respondWithJSON(w, r, http.StatusConflict, res, h.options)
	case coordinator.OutcomeTransient:
		respondWithError(w, r, http.StatusServiceUnavailable, res.Reason, h.options)
	default:
		respondWithError(w, r, http.StatusUnprocessableEntity, res.Reason, h.options)
	}
}

func (h *Handler) handleChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondWithError(w, r, http.StatusMethodNotAllowed, "method not allowed", h.options)
		return
	}

	q := r.URL.Query()
	since, err := cursor.Decode([]byte(q.Get("cursor")))
	if err != nil {
		respondWithError(w, r, http.StatusBadRequest, err.Error(), h.options)
		return
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			respondWithError(w, r, http.StatusBadRequest, "invalid limit", h.options)
			return
		}
	}

	res, err := h.remote.Changes(r.Context(), since, limit)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	body := ChangesResponse{Patches: res.Patches, HasMore: res.HasMore}
	if res.Next != nil {
		if body.Next, err = cursor.MarshalWire(res.Next); err != nil {
			h.respondErr(w, r, errors.E(errors.OpPull, errors.Component(component), errors.KindInternal, err))
			return
		}
	}
	respondWithJSON(w, r, http.StatusOK, body, h.options)
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, r, http.StatusMethodNotAllowed, "method not allowed", h.options)
		return
	}
	token := bearerToken(r)
	if token == "" {
		respondWithError(w, r, http.StatusUnauthorized, "bearer token required", h.options)
		return
	}
	account, err := remote.Authenticate(token, h.options.TokenSecret, h.now())
	if err != nil {
		respondWithError(w, r, http.StatusUnauthorized, err.Error(), h.options)
		return
	}

	var req ClaimRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.GuestID == "" {
		respondWithError(w, r, http.StatusBadRequest, "guest_id is required", h.options)
		return
	}

	res, err := h.remote.Claim(r.Context(), req.GuestID, account)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if len(res.Conflicts) > 0 {
		respondWithJSON(w, r, http.StatusConflict, ClaimResponse{Conflicts: res.Conflicts}, h.options)
		return
	}

	body := ClaimResponse{AccountID: res.AccountID, Mapping: res.Mapping}
	if res.Next != nil {
		if body.Next, err = cursor.MarshalWire(res.Next); err != nil {
			h.respondErr(w, r, errors.E(errors.OpClaim, errors.Component(component), errors.KindInternal, err))
			return
		}
	}
	h.logger.Info("guest claimed", "guest_id", req.GuestID, "account_id", account, "mappings", len(res.Mapping))
	respondWithJSON(w, r, http.StatusOK, body, h.options)
}

// principal prefers the bearer token's subject over the principal header.
func (h *Handler) principal(r *http.Request) (string, error) {
	if token := bearerToken(r); token != "" {
		return remote.Authenticate(token, h.options.TokenSecret, h.now())
	}
	return r.Header.Get(HeaderPrincipal), nil
}

func (h *Handler) now() time.Time {
	if h.options.Clock == nil {
		return time.Now()
	}
	return h.options.Clock.Now()
}

// decodeBody reads a JSON request body into v, responding on failure.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	reader, cleanup, err := createSafeRequestReader(w, r, h.options)
	defer cleanup()
	if err != nil {
		respondWithMappedError(w, r, err, h.options)
		return false
	}
	if err := json.NewDecoder(reader).Decode(v); err != nil {
		respondWithMappedError(w, r, err, h.options)
		return false
	}
	return true
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logging.LogError(r.Context(), err, "request failed", slog.String("path", r.URL.Path))
	}
	respondWithError(w, r, status, err.Error(), h.options)
}

func statusForError(err error) int {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	switch errors.KindOf(err) {
	case errors.KindInvalid:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindFatal:
		return http.StatusUnprocessableEntity
	case errors.KindConflict, errors.KindClaimConflict:
		return http.StatusConflict
	case errors.KindTransient, errors.KindClaimNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
