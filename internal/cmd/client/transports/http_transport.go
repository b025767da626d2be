package transports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/rzbill/ciqueue/internal/item"
	httpserver "github.com/rzbill/ciqueue/internal/server/http"
)

// HTTPTransport implements QueueTransport against the worker's /v1 API.
type HTTPTransport struct {
	baseURL func() string
	client  *http.Client
}

// NewHTTPTransport builds a transport resolving the base URL on every call.
// A nil client means http.DefaultClient.
func NewHTTPTransport(baseURL func() string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{baseURL: baseURL, client: client}
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	url := strings.TrimRight(t.baseURL(), "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(httpserver.RequestIDHeader, uuid.NewString())

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e httpserver.ErrorResponse
		b, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(b))
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: msg}
		if resp.StatusCode == http.StatusConflict {
			return fmt.Errorf("%w: %w", ErrConflict, apiErr)
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Submit enqueues rev and returns its store key.
func (t *HTTPTransport) Submit(ctx context.Context, rev item.Revision) (string, error) {
	var out httpserver.SubmitResponse
	if err := t.do(ctx, http.MethodPost, "/v1/items", rev, &out); err != nil {
		return "", err
	}
	return out.Key, nil
}

// Remove deletes every entry matching needle.
func (t *HTTPTransport) Remove(ctx context.Context, needle item.Revision) (int, error) {
	var out httpserver.RemoveResponse
	if err := t.do(ctx, http.MethodDelete, "/v1/items", needle, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

// Pause stops the worker from claiming.
func (t *HTTPTransport) Pause(ctx context.Context, wait bool) (httpserver.StateView, error) {
	path := "/v1/pause"
	if wait {
		path += "?wait=true"
	}
	var out httpserver.StateView
	err := t.do(ctx, http.MethodPost, path, nil, &out)
	return out, err
}

// Resume lets a paused worker claim again.
func (t *HTTPTransport) Resume(ctx context.Context) error {
	return t.do(ctx, http.MethodPost, "/v1/resume", nil, nil)
}

// State returns the worker's lifecycle state.
func (t *HTTPTransport) State(ctx context.Context) (httpserver.StateView, error) {
	var out httpserver.StateView
	err := t.do(ctx, http.MethodGet, "/v1/state", nil, &out)
	return out, err
}

// Items lists the queue as the worker last saw it.
func (t *HTTPTransport) Items(ctx context.Context) (httpserver.ItemsView, error) {
	var out httpserver.ItemsView
	err := t.do(ctx, http.MethodGet, "/v1/items", nil, &out)
	return out, err
}

// History lists recently finished runs.
func (t *HTTPTransport) History(ctx context.Context, limit int) (httpserver.HistoryView, error) {
	var out httpserver.HistoryView
	err := t.do(ctx, http.MethodGet, "/v1/history?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}
