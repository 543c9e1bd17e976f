package tideflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/jeanjacintho/tide-flow-sub000/session"
)

var testNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

const testPassword = "Str0ng!pass"

// testEnv runs fake auth and AI services and a client wired to them.
type testEnv struct {
	authMux *http.ServeMux
	aiMux   *http.ServeMux
	authSrv *httptest.Server
	aiSrv   *httptest.Server

	authHits atomic.Int64
	aiHits   atomic.Int64

	backend *flakyBackend
	store   *session.Store
	sink    *ChannelSink
	client  *Client
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	env := &testEnv{
		authMux: http.NewServeMux(),
		aiMux:   http.NewServeMux(),
		backend: &flakyBackend{Backend: session.NewMemoryBackend()},
		sink:    NewChannelSink(64),
	}
	env.authSrv = httptest.NewServer(countHits(&env.authHits, env.authMux))
	env.aiSrv = httptest.NewServer(countHits(&env.aiHits, env.aiMux))
	t.Cleanup(env.authSrv.Close)
	t.Cleanup(env.aiSrv.Close)

	cfg := DefaultConfig()
	cfg.Services.AuthBaseURL = env.authSrv.URL
	cfg.Services.AIBaseURL = env.aiSrv.URL
	cfg.Storage.Backend = StorageMemory
	cfg.Reports.InitialDelay = time.Millisecond
	cfg.Reports.MaxDelay = 5 * time.Millisecond
	for _, fn := range mutate {
		fn(&cfg)
	}

	client, err := New().
		WithConfig(cfg).
		WithBackend(env.backend).
		WithAuditSink(env.sink).
		WithClock(func() time.Time { return testNow }).
		Build()
	if err != nil {
		t.Fatalf("build client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	env.client = client
	env.store = session.NewStore(env.backend, cfg.Storage.Prefix)
	return env
}

func countHits(n *atomic.Int64, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		h.ServeHTTP(w, r)
	})
}

func (e *testEnv) serveLogin(token string) {
	e.authMux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	})
}

func (e *testEnv) serveUser(p *Principal) {
	e.authMux.HandleFunc("GET /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != p.ID {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "user not found"})
			return
		}
		writeJSON(w, http.StatusOK, p)
	})
}

// login authenticates testPrincipal through the fake auth service.
func (e *testEnv) login(t *testing.T) *Principal {
	t.Helper()
	p := testPrincipal()
	e.serveLogin(userToken(t, p.ID))
	e.serveUser(p)
	if err := e.client.Sessions().Login(context.Background(), p.Email, testPassword); err != nil {
		t.Fatalf("login: %v", err)
	}
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func mintToken(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()
	tok, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func userToken(t *testing.T, userID string) string {
	t.Helper()
	return mintToken(t, gojwt.MapClaims{
		"user_id": userID,
		"iat":     testNow.Add(-time.Minute).Unix(),
		"exp":     testNow.Add(time.Hour).Unix(),
	})
}

func testPrincipal() *Principal {
	return &Principal{
		ID:          "u-1",
		Name:        "Ana Souza",
		Email:       "ana@example.com",
		CompanyID:   "c-1",
		CompanyRole: "ADMIN",
		SystemRole:  "USER",
	}
}

// flakyBackend fails writes or deletes on demand.
type flakyBackend struct {
	session.Backend
	failSet    atomic.Bool
	failDelete atomic.Bool
}

func (f *flakyBackend) Set(ctx context.Context, key string, value []byte) error {
	if f.failSet.Load() {
		return session.ErrBackendUnavailable
	}
	return f.Backend.Set(ctx, key, value)
}

func (f *flakyBackend) Delete(ctx context.Context, key string) error {
	if f.failDelete.Load() {
		return session.ErrBackendUnavailable
	}
	return f.Backend.Delete(ctx, key)
}

// staticSnapshots is a fixed SnapshotSource.
type staticSnapshots struct {
	snap SessionSnapshot
}

func (s *staticSnapshots) Snapshot() SessionSnapshot {
	return s.snap
}
