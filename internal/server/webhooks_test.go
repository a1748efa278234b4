package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"svsettings/internal/db"
	"svsettings/internal/engine"
	"svsettings/internal/migrate"
	"svsettings/internal/registry"
)

func newDispatcherEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, registry.Default())
	if _, err := e.CreateInstance(context.Background(), "prod", "", "", "tester"); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return e
}

func TestWebhookDispatcherStopsOnCancel(t *testing.T) {
	e := newDispatcherEngine(t)
	d := &webhookDispatcher{
		engine:  e,
		client:  &http.Client{Timeout: time.Second},
		cursors: map[string]int64{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher kept running after cancel")
	}
}

func TestWebhookDelivery(t *testing.T) {
	e := newDispatcherEngine(t)
	var mu sync.Mutex
	var got []webhookEvent
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	}))
	defer hook.Close()

	ctx := context.Background()
	d := &webhookDispatcher{
		engine:  e,
		client:  hook.Client(),
		cursors: map[string]int64{},
	}
	if _, err := e.SetSetting(ctx, engine.SetOptions{
		InstanceID: "prod", Key: "webhook_url", Value: hook.URL, ActorID: "tester",
	}); err != nil {
		t.Fatalf("set webhook_url: %v", err)
	}
	// first pass pins the cursor at the current head
	d.dispatchAll(ctx)
	mu.Lock()
	if len(got) != 0 {
		mu.Unlock()
		t.Fatalf("events before dispatcher start were delivered: %+v", got)
	}
	mu.Unlock()

	if _, err := e.SetSetting(ctx, engine.SetOptions{
		InstanceID: "prod", Key: "log_level", Value: "debug", ActorID: "tester",
	}); err != nil {
		t.Fatalf("set log_level: %v", err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivered event, got %d: %+v", len(got), got)
	}
	evt := got[0]
	if evt.Action != "config.update" || evt.Key != "log_level" || evt.InstanceID != "prod" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}
