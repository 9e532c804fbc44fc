package coachsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newRemoteWithStatus(status int, body string) *HTTPRemote {
	r := NewHTTPRemote("http://example.com", nil)
	r.HTTP = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		rec.WriteHeader(status)
		fmt.Fprint(rec, body)
		return rec.Result(), nil
	})}
	return r
}

func TestClassifyFailures(t *testing.T) {
	cases := []struct {
		status int
		class  FailureClass
	}{
		{500, FailureTransient},
		{503, FailureTransient},
		{400, FailurePermanent},
		{404, FailurePermanent},
		{409, FailurePermanent},
		{422, FailurePermanent},
		{401, FailureUnauthorized},
		{403, FailureUnauthorized},
	}
	for _, tc := range cases {
		remote := newRemoteWithStatus(tc.status, `{"error":"x"}`)
		_, err := remote.PushUpdate(context.Background(), TypeSessions, "s1", json.RawMessage(`{}`))
		require.Error(t, err)
		require.Equal(t, tc.class, Classify(err), "status %d", tc.status)

		var re *RemoteError
		require.ErrorAs(t, err, &re)
		require.Equal(t, tc.status, re.StatusCode)
	}
}

func TestClassifyNetworkErrorIsTransient(t *testing.T) {
	r := NewHTTPRemote("http://example.com", nil)
	r.HTTP = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}
	_, err := r.PullAll(context.Background(), TypeSessions)
	require.Error(t, err)
	require.Equal(t, FailureTransient, Classify(err))

	// Errors that never came from the remote boundary at all also retry.
	require.Equal(t, FailureTransient, Classify(errors.New("some other failure")))
}

func TestHTTPRemoteRequestShapes(t *testing.T) {
	type seen struct {
		method, path, auth string
		body               map[string]json.RawMessage
	}
	var requests []seen

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := seen{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization")}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&s.body)
		}
		requests = append(requests, s)

		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			fmt.Fprint(w, `[{"id":"s1","payload":{"a":1},"updated_at":"2026-01-02T10:00:00Z"}]`)
		case http.MethodDelete:
			fmt.Fprint(w, `{"ok":true}`)
		default:
			fmt.Fprint(w, `{"id":"s1","updated_at":"2026-01-02T10:00:00Z"}`)
		}
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, func(ctx context.Context) (string, error) { return "tok-123", nil })
	ctx := context.Background()

	created, err := remote.PushCreate(ctx, TypeSessions, "s1", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, "s1", created.ID)
	require.Equal(t, time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC), created.UpdatedAt)

	updated, err := remote.PushUpdate(ctx, TypeSessions, "s1", json.RawMessage(`{"a":2}`))
	require.NoError(t, err)
	require.False(t, updated.UpdatedAt.IsZero())

	require.NoError(t, remote.PushDelete(ctx, TypeSessions, "s1"))

	rows, err := remote.PullAll(ctx, TypeSessions)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "s1", rows[0].ID)
	require.JSONEq(t, `{"a":1}`, string(rows[0].Payload))

	require.Len(t, requests, 4)
	require.Equal(t, "POST", requests[0].method)
	require.Equal(t, "/api/sessions", requests[0].path)
	require.JSONEq(t, `"s1"`, string(requests[0].body["id"]), "create carries the client-generated id")
	require.Equal(t, "PUT", requests[1].method)
	require.Equal(t, "/api/sessions/s1", requests[1].path)
	require.Equal(t, "DELETE", requests[2].method)
	require.Equal(t, "GET", requests[3].method)
	for _, req := range requests {
		require.Equal(t, "Bearer tok-123", req.auth)
	}
}
