package status_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svsettings/internal/db"
	"svsettings/internal/engine"
	"svsettings/internal/migrate"
	"svsettings/internal/registry"
	"svsettings/internal/status"
)

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return engine.New(conn, registry.Default())
}

func TestStatusMergesSnapshot(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"last_heartbeat":"2026-01-01T00:00:00Z","runs_active":3,"runs_queued":1,"components":{"queue":"ok"}}`))
	}))
	defer srv.Close()

	_, err := eng.CreateInstance(ctx, "prod", "", srv.URL, "tester")
	require.NoError(t, err)

	agg := status.New(eng.Repo)
	view, err := agg.Status(ctx, "prod")
	require.NoError(t, err)

	assert.True(t, view.StatusAvailable)
	assert.Empty(t, view.StatusReason)
	require.NotNil(t, view.Snapshot)
	assert.Equal(t, 3, view.Snapshot.RunsActive)
	assert.Equal(t, "ok", view.Snapshot.Components["queue"])
	assert.NotEmpty(t, view.Config, "config portion must always be present")
}

func TestStatusDegradesWhenUnreachable(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	// a closed server guarantees connection refused
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := eng.CreateInstance(ctx, "prod", "", url, "tester")
	require.NoError(t, err)

	agg := status.New(eng.Repo)
	view, err := agg.Status(ctx, "prod")
	require.NoError(t, err, "probe failure must not fail the request")

	assert.False(t, view.StatusAvailable)
	assert.Equal(t, "status source unreachable", view.StatusReason)
	assert.Nil(t, view.Snapshot)
	assert.NotEmpty(t, view.Config)
}

func TestStatusNoSourceConfigured(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	_, err := eng.CreateInstance(ctx, "prod", "", "", "tester")
	require.NoError(t, err)

	agg := status.New(eng.Repo)
	view, err := agg.Status(ctx, "prod")
	require.NoError(t, err)
	assert.False(t, view.StatusAvailable)
	assert.Equal(t, "no status source configured", view.StatusReason)
}

func TestStatusUnknownInstance(t *testing.T) {
	eng := newEngine(t)
	agg := status.New(eng.Repo)
	_, err := agg.Status(context.Background(), "nope")
	assert.Error(t, err)
}

func TestSnapshotCachedWithinTTL(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`{"runs_active":1,"runs_queued":0}`))
	}))
	defer srv.Close()

	_, err := eng.CreateInstance(ctx, "prod", "", srv.URL, "tester")
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	agg := status.New(eng.Repo)
	agg.TTL = 10 * time.Second
	agg.Now = func() time.Time { return now }

	_, err = agg.Status(ctx, "prod")
	require.NoError(t, err)
	_, err = agg.Status(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "second call inside TTL must hit the cache")

	// advancing past the TTL refetches
	now = now.Add(11 * time.Second)
	_, err = agg.Status(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	// Invalidate drops the cache immediately
	agg.Invalidate("prod")
	_, err = agg.Status(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestProbeFailureDoesNotPoisonCache(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"runs_active":2,"runs_queued":0}`))
	}))
	defer srv.Close()

	_, err := eng.CreateInstance(ctx, "prod", "", srv.URL, "tester")
	require.NoError(t, err)

	agg := status.New(eng.Repo)
	view, err := agg.Status(ctx, "prod")
	require.NoError(t, err)
	assert.False(t, view.StatusAvailable)

	fail.Store(false)
	view, err = agg.Status(ctx, "prod")
	require.NoError(t, err)
	assert.True(t, view.StatusAvailable)
	assert.Equal(t, 2, view.Snapshot.RunsActive)
}
