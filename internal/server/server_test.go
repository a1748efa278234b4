package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"svsettings/internal/db"
	"svsettings/internal/domain"
	"svsettings/internal/engine"
	"svsettings/internal/migrate"
	"svsettings/internal/registry"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

const testJWTSecret = "test-secret"

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, registry.Default())
	if _, err := e.CreateInstance(context.Background(), "prod", "", "", "tester"); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func signToken(t *testing.T, subject string, scopes []string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: scopes,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestPutGetConfigEntry(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{DevActorID: "tester"})
	defer cleanup()
	client := srv.Client()

	putRes, putBody := doJSON(t, client, http.MethodPut, srv.URL+"/v1/instances/prod/config/max_workers", map[string]any{
		"value": 32,
	}, nil)
	if putRes.StatusCode != http.StatusOK {
		t.Fatalf("put status %d: %s", putRes.StatusCode, string(putBody))
	}
	var put ConfigEntryResponse
	if err := json.Unmarshal(putBody, &put); err != nil {
		t.Fatalf("unmarshal put: %v", err)
	}
	if put.Value != float64(32) {
		t.Fatalf("unexpected value %v", put.Value)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/instances/prod/config/max_workers", nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", getRes.StatusCode, string(getBody))
	}
	var got ConfigEntryResponse
	_ = json.Unmarshal(getBody, &got)
	if got.Value != float64(32) || got.Version != put.Version {
		t.Fatalf("get mismatch: %+v vs %+v", got, put)
	}
}

func TestInvalidValueRejectedWithoutMutation(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{DevActorID: "tester"})
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPut, srv.URL+"/v1/instances/prod/config/max_workers", map[string]any{
		"value": "ten",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %q", envelope.Error.Code)
	}
	if envelope.Error.Details["key"] != "max_workers" {
		t.Fatalf("expected key detail, got %v", envelope.Error.Details)
	}

	// seeded default survives
	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/instances/prod/config/max_workers", nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", getRes.StatusCode)
	}
	var got ConfigEntryResponse
	_ = json.Unmarshal(getBody, &got)
	if got.Value != float64(8) {
		t.Fatalf("default mutated: %v", got.Value)
	}
}

func TestUnknownKeyIs422(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{DevActorID: "tester"})
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/instances/prod/config/nonsense", map[string]any{
		"value": 1,
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(body))
	}
}

func TestVersionConflictIs409(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{DevActorID: "tester"})
	defer cleanup()
	client := srv.Client()

	putRes, putBody := doJSON(t, client, http.MethodPut, srv.URL+"/v1/instances/prod/config/log_level", map[string]any{
		"value": "debug",
	}, nil)
	if putRes.StatusCode != http.StatusOK {
		t.Fatalf("put: %d %s", putRes.StatusCode, string(putBody))
	}
	var put ConfigEntryResponse
	_ = json.Unmarshal(putBody, &put)

	staleRes, staleBody := doJSON(t, client, http.MethodPut, srv.URL+"/v1/instances/prod/config/log_level", map[string]any{
		"value":            "warn",
		"expected_version": put.Version - 1,
	}, nil)
	if staleRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", staleRes.StatusCode, string(staleBody))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(staleBody, &envelope)
	if envelope.Error.Code != "version_conflict" {
		t.Fatalf("expected version_conflict, got %q", envelope.Error.Code)
	}
}

func TestStatusDegradedStill200(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{DevActorID: "tester"})
	defer cleanup()
	client := srv.Client()

	// point the instance at a dead status source
	if _, err := srv.Engine.CreateInstance(context.Background(), "edge", "", "http://127.0.0.1:1/status", "tester"); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/instances/edge/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, string(body))
	}
	var view StatusResponse
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.StatusAvailable {
		t.Fatalf("expected degraded view")
	}
	if len(view.Config) == 0 {
		t.Fatalf("config portion missing from degraded view")
	}
}

func TestDeleteConfigEntry(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{DevActorID: "tester"})
	defer cleanup()
	client := srv.Client()

	delRes, delBody := doJSON(t, client, http.MethodDelete, srv.URL+"/v1/instances/prod/config/paused", nil, nil)
	if delRes.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d %s", delRes.StatusCode, string(delBody))
	}
	getRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/instances/prod/config/paused", nil, nil)
	if getRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", getRes.StatusCode)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{DevActorID: "tester"})
	defer cleanup()
	client := srv.Client()

	_, _ = doJSON(t, client, http.MethodPut, srv.URL+"/v1/instances/prod/config/db_type", map[string]any{"value": "mysql"}, nil)
	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/instances/prod/events?limit=50", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(body))
	}
	var events EventsResponse
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(events.Items) == 0 {
		t.Fatalf("expected audit events")
	}
	last := events.Items[len(events.Items)-1]
	if last.Action != "config.update" || last.Key != "db_type" {
		t.Fatalf("unexpected last event: %+v", last)
	}
	if events.NextAfter != last.ID {
		t.Fatalf("cursor mismatch: %d vs %d", events.NextAfter, last.ID)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testJWTSecret})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/instances", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestJWTScopes(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testJWTSecret})
	defer cleanup()
	client := srv.Client()

	reader := signToken(t, "reader", []string{domain.ScopeConfigRead})
	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/instances/prod/config", nil, map[string]string{
		"Authorization": "Bearer " + reader,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("read with config.read: %d %s", res.StatusCode, string(body))
	}

	// read-only token cannot write
	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v1/instances/prod/config/max_workers", map[string]any{
		"value": 12,
	}, map[string]string{"Authorization": "Bearer " + reader})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(body))
	}

	writer := signToken(t, "writer", []string{domain.ScopeConfigWrite})
	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v1/instances/prod/config/max_workers", map[string]any{
		"value": 12,
	}, map[string]string{"Authorization": "Bearer " + writer})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("write with config.write: %d %s", res.StatusCode, string(body))
	}

	// a garbage token is rejected
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/instances", nil, map[string]string{
		"Authorization": "Bearer not.a.token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testJWTSecret})
	defer cleanup()
	client := srv.Client()

	_, secret, err := srv.Engine.CreateAPIKey(context.Background(), "svc-ui", "ui", []string{domain.ScopeConfigRead})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/instances/prod/config", nil, map[string]string{
		"X-Api-Key": secret,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key read: %d %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/instances/prod/config/paused", nil, map[string]string{
		"X-Api-Key": secret,
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for read-only key, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/instances", nil, map[string]string{
		"X-Api-Key": "svs_wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestUpdateInstanceEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{DevActorID: "tester"})
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPut, srv.URL+"/v1/instances/prod", map[string]any{
		"status_url": "http://127.0.0.1:1/status",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", res.StatusCode, string(body))
	}
	var in InstanceResponse
	if err := json.Unmarshal(body, &in); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if in.StatusURL != "http://127.0.0.1:1/status" {
		t.Fatalf("status url not applied: %+v", in)
	}
	// the change is persisted, other fields untouched
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/instances/prod", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get: %d", res.StatusCode)
	}
	_ = json.Unmarshal(body, &in)
	if in.StatusURL != "http://127.0.0.1:1/status" || in.ID != "prod" {
		t.Fatalf("update not persisted: %+v", in)
	}
	res, _ = doJSON(t, client, http.MethodPut, srv.URL+"/v1/instances/ghost", map[string]any{
		"description": "x",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown instance, got %d", res.StatusCode)
	}
}

func TestOpenAPIConcurrentFetch(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{DevActorID: "tester"})
	defer cleanup()
	client := srv.Client()

	const fetchers = 8
	bodies := make(chan []byte, fetchers)
	errs := make(chan error, fetchers)
	var wg sync.WaitGroup
	for i := 0; i < fetchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := client.Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				errs <- err
				return
			}
			body, err := io.ReadAll(res.Body)
			res.Body.Close()
			if err != nil {
				errs <- err
				return
			}
			if res.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("status %d", res.StatusCode)
				return
			}
			bodies <- body
		}()
	}
	wg.Wait()
	close(bodies)
	close(errs)
	for err := range errs {
		t.Fatalf("openapi fetch: %v", err)
	}
	var first []byte
	for body := range bodies {
		if len(body) == 0 {
			t.Fatalf("empty openapi document")
		}
		if first == nil {
			first = body
			continue
		}
		if !bytes.Equal(first, body) {
			t.Fatalf("openapi documents differ between concurrent fetches")
		}
	}
}

func TestCreateInstanceEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{DevActorID: "tester"})
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/instances", map[string]any{
		"id":          "staging",
		"description": "staging cluster",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(body))
	}
	// duplicate is a conflict
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/instances", map[string]any{
		"id": "staging",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(body))
	}
	// seeded config is visible immediately
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/instances/staging/config", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list config: %d", res.StatusCode)
	}
	var entries []ConfigEntryResponse
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected seeded entries")
	}
}
