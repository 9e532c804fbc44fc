package server_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/jmorrissey98/1-sub002/coachsync"
	"github.com/jmorrissey98/1-sub002/server"
)

// startServer runs the sync API over httptest and returns its base URL plus a
// token for the test coach.
func startServer(t *testing.T) (baseURL, token string, storage *server.Storage) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	storage, err = server.NewStorage(db)
	require.NoError(t, err)

	const secret = "integration-secret"
	ts := httptest.NewServer(server.NewRouter(storage, server.Config{JWTSecret: secret}, nil))
	t.Cleanup(ts.Close)

	token, err = server.NewJWTAuth(secret).GenerateToken("coach-1", time.Hour)
	require.NoError(t, err)
	return ts.URL, token, storage
}

func startEngine(t *testing.T, baseURL, token string, online bool) (*coachsync.Engine, *coachsync.Monitor) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	cfg := coachsync.DefaultConfig()
	cfg.SyncInterval = time.Hour
	cfg.DebounceWindow = 0
	monitor := coachsync.NewMonitor(online)
	remote := coachsync.NewHTTPRemote(baseURL, func(context.Context) (string, error) { return token, nil })

	engine, err := coachsync.NewEngine(db, remote, monitor, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine, monitor
}

// Full loop over real HTTP: create offline, reconnect, confirm, then observe
// a second device's edit arrive via pull.
func TestEngineAgainstLiveServer(t *testing.T) {
	baseURL, token, _ := startServer(t)

	engine, monitor := startEngine(t, baseURL, token, false)
	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))

	ent, err := engine.Create(ctx, coachsync.TypeSessions, json.RawMessage(`{"title":"math obs"}`))
	require.NoError(t, err)
	require.Equal(t, coachsync.StatusOffline, engine.SyncStatus().Status)

	monitor.SetOnline(true)
	require.Eventually(t, func() bool {
		s := engine.SyncStatus()
		return s.Status == coachsync.StatusSynced && s.PendingCount == 0
	}, 5*time.Second, 20*time.Millisecond)

	got, err := engine.Get(ctx, coachsync.TypeSessions, ent.ID)
	require.NoError(t, err)
	require.Equal(t, coachsync.StateConfirmed, got.State)

	// A second device edits the same session; our next cycle pulls it in.
	other, _ := startEngine(t, baseURL, token, true)
	require.NoError(t, other.TriggerSync(ctx))
	_, err = other.Update(ctx, coachsync.TypeSessions, ent.ID, json.RawMessage(`{"title":"math obs, revised"}`))
	require.NoError(t, err)
	require.NoError(t, other.TriggerSync(ctx))

	require.NoError(t, engine.TriggerSync(ctx))
	got, err = engine.Get(ctx, coachsync.TypeSessions, ent.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"math obs, revised"}`, string(got.Payload))
}

// A delete on one device converges on another through the pull phase.
func TestDeleteConvergesAcrossDevices(t *testing.T) {
	baseURL, token, _ := startServer(t)
	ctx := context.Background()

	first, _ := startEngine(t, baseURL, token, true)
	ent, err := first.Create(ctx, coachsync.TypeCoaches, json.RawMessage(`{"name":"Dana"}`))
	require.NoError(t, err)
	require.NoError(t, first.TriggerSync(ctx))

	second, _ := startEngine(t, baseURL, token, true)
	require.NoError(t, second.TriggerSync(ctx))
	_, err = second.Get(ctx, coachsync.TypeCoaches, ent.ID)
	require.NoError(t, err)

	require.NoError(t, first.Delete(ctx, coachsync.TypeCoaches, ent.ID))
	require.NoError(t, first.TriggerSync(ctx))

	require.NoError(t, second.TriggerSync(ctx))
	_, err = second.Get(ctx, coachsync.TypeCoaches, ent.ID)
	require.ErrorIs(t, err, coachsync.ErrNotFound)
}

// An expired token surfaces as an auth error, not a retry loop.
func TestExpiredTokenSurfacesError(t *testing.T) {
	baseURL, _, _ := startServer(t)
	ctx := context.Background()

	expired, err := server.NewJWTAuth("integration-secret").GenerateToken("coach-1", -time.Minute)
	require.NoError(t, err)

	engine, _ := startEngine(t, baseURL, expired, true)
	_, err = engine.Create(ctx, coachsync.TypeSessions, json.RawMessage(`{"title":"x"}`))
	require.NoError(t, err)

	require.NoError(t, engine.TriggerSync(ctx))

	require.Equal(t, coachsync.StatusError, engine.SyncStatus().Status)
	conflicts, err := engine.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
}
