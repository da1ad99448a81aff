package httptransport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/c0deZ3R0/go-offline-sync/coordinator"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/model"
)

// Client implements coordinator.NetworkClient against a Handler.
type Client struct {
	baseURL string
	http    *http.Client
	options *ClientOptions
	logger  *slog.Logger
}

var _ coordinator.NetworkClient = (*Client)(nil)

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	options := applyClientOptions(opts...)
	defaults := DefaultClientOptions()
	if options.MaxResponseSize <= 0 {
		options.MaxResponseSize = defaults.MaxResponseSize
	}
	if options.MaxDecompressedResponseSize <= 0 {
		options.MaxDecompressedResponseSize = defaults.MaxDecompressedResponseSize
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    options.HTTPClient,
		options: options,
		logger:  options.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: options.RequestTimeout}
	}
	if c.logger == nil {
		c.logger = logging.WithComponent(component)
	}
	return c
}

// BaseURL returns the server URL the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Send posts a to /actions. Status codes map onto send outcomes; only a
// failure to get any response at all is returned as an error.
func (c *Client) Send(ctx context.Context, a model.Action) (coordinator.SendResult, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return coordinator.SendResult{}, errors.E(errors.OpPush, errors.Component(component), errors.KindFatal, err, "marshal action")
	}

	resp, err := c.do(ctx, http.MethodPost, PathActions, nil, payload, c.options.Token)
	if err != nil {
		return coordinator.SendResult{}, errors.Transient(errors.OpPush, err)
	}
	defer resp.Body.Close()

	outcome := Classify(resp.StatusCode)
	c.logger.Debug("action sent", "action_id", a.ID, "status", resp.StatusCode, "outcome", outcome)

	switch outcome {
	case coordinator.OutcomeSuccess, coordinator.OutcomeConflict:
		var res coordinator.SendResult
		if err := c.decode(resp, &res); err != nil {
			return coordinator.SendResult{}, errors.Transient(errors.OpPush, fmt.Errorf("decode send response: %w", err))
		}
		res.Outcome = outcome
		return res, nil
	default:
		return coordinator.SendResult{Outcome: outcome, Reason: c.reason(resp)}, nil
	}
}

// Pull fetches one batch of changes after since.
func (c *Client) Pull(ctx context.Context, since cursor.Cursor, limit int) (coordinator.PullResult, error) {
	query := url.Values{}
	if since != nil {
		enc, err := cursor.Encode(since)
		if err != nil {
			return coordinator.PullResult{}, errors.E(errors.OpPull, errors.Component(component), errors.KindFatal, err, "encode cursor")
		}
		query.Set("cursor", string(enc))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	resp, err := c.do(ctx, http.MethodGet, PathChanges, query, nil, c.options.Token)
	if err != nil {
		return coordinator.PullResult{}, errors.Transient(errors.OpPull, err)
	}
	defer resp.Body.Close()

	if outcome := Classify(resp.StatusCode); outcome != coordinator.OutcomeSuccess {
		err := fmt.Errorf("server error (status %d): %s", resp.StatusCode, c.reason(resp))
		if outcome == coordinator.OutcomeTransient {
			return coordinator.PullResult{}, errors.Transient(errors.OpPull, err)
		}
		return coordinator.PullResult{}, errors.Fatal(errors.OpPull, err)
	}

	var body ChangesResponse
	if err := c.decode(resp, &body); err != nil {
		return coordinator.PullResult{}, errors.Transient(errors.OpPull, fmt.Errorf("decode changes: %w", err))
	}
	res := coordinator.PullResult{Patches: body.Patches, HasMore: body.HasMore}
	if body.Next != nil {
		if res.Next, err = cursor.UnmarshalWire(body.Next); err != nil {
			return coordinator.PullResult{}, errors.Fatal(errors.OpPull, fmt.Errorf("invalid cursor in response: %w", err))
		}
	}
	c.logger.Debug("changes pulled", "patches", len(res.Patches), "has_more", res.HasMore)
	return res, nil
}

// ClaimGuest asks the server to move guestID's data to the account the
// credential authenticates.
func (c *Client) ClaimGuest(ctx context.Context, guestID, credential string) (coordinator.ClaimResponse, error) {
	payload, err := json.Marshal(ClaimRequest{GuestID: guestID})
	if err != nil {
		return coordinator.ClaimResponse{}, errors.E(errors.OpClaim, errors.Component(component), errors.KindInternal, err)
	}
	token := strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))

	resp, err := c.do(ctx, http.MethodPost, PathClaim, nil, payload, token)
	if err != nil {
		return coordinator.ClaimResponse{}, errors.ClaimNetwork(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusConflict:
	case Classify(resp.StatusCode) == coordinator.OutcomeTransient:
		return coordinator.ClaimResponse{}, errors.ClaimNetwork(fmt.Errorf("server error (status %d): %s", resp.StatusCode, c.reason(resp)))
	default:
		return coordinator.ClaimResponse{}, errors.E(errors.OpClaim, errors.Component(component), errors.KindInvalid,
			fmt.Sprintf("claim refused (status %d): %s", resp.StatusCode, c.reason(resp)))
	}

	var body ClaimResponse
	if err := c.decode(resp, &body); err != nil {
		return coordinator.ClaimResponse{}, errors.ClaimNetwork(fmt.Errorf("decode claim response: %w", err))
	}
	res := coordinator.ClaimResponse{AccountID: body.AccountID, Mapping: body.Mapping, Conflicts: body.Conflicts}
	if body.Next != nil {
		if res.Next, err = cursor.UnmarshalWire(body.Next); err != nil {
			return coordinator.ClaimResponse{}, errors.E(errors.OpClaim, errors.Component(component), errors.KindInternal, err, "claim cursor")
		}
	}
	return res, nil
}

// Classify maps an HTTP status to a send outcome.
func Classify(status int) coordinator.SendOutcome {
	switch {
	case status >= 200 && status < 300:
		return coordinator.OutcomeSuccess
	case status == http.StatusConflict:
		return coordinator.OutcomeConflict
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly,
		status == http.StatusTooManyRequests, status >= 500:
		return coordinator.OutcomeTransient
	default:
		return coordinator.OutcomeFatal
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte, token string) (*http.Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		if c.options.CompressionEnabled && len(payload) > c.options.GzipMinBytes {
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			if _, err := gw.Write(payload); err != nil {
				return nil, fmt.Errorf("compress request: %w", err)
			}
			if err := gw.Close(); err != nil {
				return nil, fmt.Errorf("compress request: %w", err)
			}
			req.Body = io.NopCloser(&buf)
			req.ContentLength = int64(buf.Len())
			req.Header.Set("Content-Encoding", "gzip")
		}
	}
	if c.options.CompressionEnabled {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.options.Principal != nil {
		if p := c.options.Principal(); p != "" {
			req.Header.Set(HeaderPrincipal, p)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "path", path, "error", err)
		return nil, fmt.Errorf("network error: %w", err)
	}
	return resp, nil
}

func (c *Client) decode(resp *http.Response, v any) error {
	reader, cleanup, err := createSafeResponseReader(resp, c.options)
	if err != nil {
		return err
	}
	defer cleanup()
	return json.NewDecoder(reader).Decode(v)
}

// reason extracts the server's error message, falling back to the status line.
func (c *Client) reason(resp *http.Response) string {
	var body errorResponse
	if err := c.decode(resp, &body); err != nil || body.Error == "" {
		return resp.Status
	}
	return body.Error
}
