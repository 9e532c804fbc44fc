package coachsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// PushResult is the remote service's acknowledgement of a create or update.
type PushResult struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemoteEntity is one row of the remote service's entity listing.
type RemoteEntity struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RemoteClient is the network boundary of the engine. Implementations report
// failures as *RemoteError so the engine can classify them; any other error
// is treated as transient.
type RemoteClient interface {
	PushCreate(ctx context.Context, entityType, id string, payload json.RawMessage) (PushResult, error)
	PushUpdate(ctx context.Context, entityType, id string, payload json.RawMessage) (PushResult, error)
	PushDelete(ctx context.Context, entityType, id string) error
	PullAll(ctx context.Context, entityType string) ([]RemoteEntity, error)
}

// HTTPRemote talks JSON over HTTP to the sync service. The token func is
// called per request so callers can refresh credentials without rebuilding
// the client.
type HTTPRemote struct {
	BaseURL string
	Token   func(context.Context) (string, error)
	HTTP    *http.Client
}

// NewHTTPRemote creates a remote client for the given base URL.
func NewHTTPRemote(baseURL string, token func(context.Context) (string, error)) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// pushBody is the wire shape for creates and updates. The id rides in the
// body on create because the client generates it offline.
type pushBody struct {
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func (r *HTTPRemote) PushCreate(ctx context.Context, entityType, id string, payload json.RawMessage) (PushResult, error) {
	var result PushResult
	body, err := json.Marshal(pushBody{ID: id, Payload: payload})
	if err != nil {
		return result, fmt.Errorf("failed to marshal create body: %w", err)
	}
	err = r.do(ctx, http.MethodPost, fmt.Sprintf("/api/%s", url.PathEscape(entityType)), body, &result)
	return result, err
}

func (r *HTTPRemote) PushUpdate(ctx context.Context, entityType, id string, payload json.RawMessage) (PushResult, error) {
	var result PushResult
	body, err := json.Marshal(pushBody{Payload: payload})
	if err != nil {
		return result, fmt.Errorf("failed to marshal update body: %w", err)
	}
	err = r.do(ctx, http.MethodPut, fmt.Sprintf("/api/%s/%s", url.PathEscape(entityType), url.PathEscape(id)), body, &result)
	return result, err
}

func (r *HTTPRemote) PushDelete(ctx context.Context, entityType, id string) error {
	return r.do(ctx, http.MethodDelete, fmt.Sprintf("/api/%s/%s", url.PathEscape(entityType), url.PathEscape(id)), nil, nil)
}

func (r *HTTPRemote) PullAll(ctx context.Context, entityType string) ([]RemoteEntity, error) {
	var out []RemoteEntity
	if err := r.do(ctx, http.MethodGet, fmt.Sprintf("/api/%s", url.PathEscape(entityType)), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do issues one request and decodes the response into out (when non-nil).
// Non-2xx responses become *RemoteError with the status-derived class;
// transport errors become *RemoteError with class transient.
func (r *HTTPRemote) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return &RemoteError{Class: FailureTransient, Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RemoteError{
			StatusCode: resp.StatusCode,
			Class:      classifyStatus(resp.StatusCode),
			Body:       string(raw),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
