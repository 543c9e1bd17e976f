package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	tideflow "github.com/jeanjacintho/tide-flow-sub000"
)

type dashboardEnv struct {
	router *mux.Router
	client *tideflow.Client
}

func newDashboardEnv(t *testing.T, companyRole, systemRole string) *dashboardEnv {
	t.Helper()

	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": "u-1",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("dashboard-test"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	authMux := http.NewServeMux()
	authMux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "Str0ng!pass" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"Invalid credentials"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
	authMux.HandleFunc("GET /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":          r.PathValue("id"),
			"name":        "Ana Souza",
			"email":       "ana@example.com",
			"companyId":   "c-1",
			"companyRole": companyRole,
			"systemRole":  systemRole,
		})
	})

	aiMux := http.NewServeMux()
	aiMux.HandleFunc("GET /api/corporate/{id}/dashboard/overview", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"averageStress":3.2}`)
	})
	aiMux.HandleFunc("GET /api/corporate/{id}/dashboard/stress-timeline", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"days": r.URL.Query().Get("days")})
	})
	aiMux.HandleFunc("GET /api/corporate/{id}/reports/{report}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("report") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"message":"Report not found"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": r.PathValue("report"), "status": "PROCESSING"})
	})

	authSrv := httptest.NewServer(authMux)
	aiSrv := httptest.NewServer(aiMux)
	t.Cleanup(authSrv.Close)
	t.Cleanup(aiSrv.Close)

	cfg := tideflow.DefaultConfig()
	cfg.Services.AuthBaseURL = authSrv.URL
	cfg.Services.AIBaseURL = aiSrv.URL
	cfg.Storage.Backend = tideflow.StorageMemory

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := tideflow.New().WithConfig(cfg).WithLogger(logger).Build()
	if err != nil {
		t.Fatalf("build client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	router, err := newRouter(client, logger)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return &dashboardEnv{router: router, client: client}
}

func (e *dashboardEnv) do(method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *dashboardEnv) signIn(t *testing.T) {
	t.Helper()
	e.client.Sessions().Rehydrate(context.Background())
	form := url.Values{"email": {"ana@example.com"}, "password": {"Str0ng!pass"}}
	rec := e.do(http.MethodPost, "/login", strings.NewReader(form.Encode()),
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303 after login, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDashboardLoadingThenLoginRedirect(t *testing.T) {
	env := newDashboardEnv(t, "ADMIN", "USER")

	rec := env.do(http.MethodGet, "/dashboard", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before rehydration, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}

	env.client.Sessions().Rehydrate(context.Background())
	rec = env.do(http.MethodGet, "/dashboard/stress?days=7", nil, nil)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/login?next="+url.QueryEscape("/dashboard/stress?days=7") {
		t.Fatalf("unexpected login redirect %q", loc)
	}
}

func TestDashboardLoginFlow(t *testing.T) {
	env := newDashboardEnv(t, "ADMIN", "USER")
	env.client.Sessions().Rehydrate(context.Background())

	form := url.Values{"email": {"ana@example.com"}, "password": {"wrong"}}
	rec := env.do(http.MethodPost, "/login", strings.NewReader(form.Encode()),
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad credentials, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Invalid credentials") {
		t.Fatalf("expected backend message in form, got %s", rec.Body.String())
	}

	form.Set("password", "Str0ng!pass")
	form.Set("next", "/dashboard/stress?days=7")
	rec = env.do(http.MethodPost, "/login", strings.NewReader(form.Encode()),
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/dashboard/stress?days=7" {
		t.Fatalf("expected redirect to next, got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	rec = env.do(http.MethodGet, "/dashboard", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "averageStress") {
		t.Fatalf("expected overview, got %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(http.MethodGet, "/dashboard/stress?days=7", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"days":"7"`) {
		t.Fatalf("expected stress timeline for 7 days, got %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(http.MethodPost, "/logout", nil, nil)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/login" {
		t.Fatalf("expected redirect to login, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if env.client.Sessions().Snapshot().Authenticated() {
		t.Fatal("expected session cleared after logout")
	}
}

func TestDashboardRoleRouting(t *testing.T) {
	cases := []struct {
		name        string
		companyRole string
		systemRole  string
		path        string
		accept      string
		wantCode    int
		wantTarget  string
	}{
		{name: "employee sent to profile", companyRole: "EMPLOYEE", systemRole: "USER", path: "/dashboard", wantCode: http.StatusSeeOther, wantTarget: "/me"},
		{name: "employee profile", companyRole: "EMPLOYEE", systemRole: "USER", path: "/me", wantCode: http.StatusOK},
		{name: "system admin sees dashboard", companyRole: "", systemRole: "SYSTEM_ADMIN", path: "/dashboard", wantCode: http.StatusOK},
		{name: "manager kept out of reports", companyRole: "MANAGER", systemRole: "USER", path: "/dashboard/reports/r-1", wantCode: http.StatusSeeOther, wantTarget: "/dashboard"},
		{name: "hr manager polls report", companyRole: "HR_MANAGER", systemRole: "USER", path: "/dashboard/reports/r-1", wantCode: http.StatusAccepted},
		{name: "missing report", companyRole: "OWNER", systemRole: "USER", path: "/dashboard/reports/missing", wantCode: http.StatusNotFound},
		{name: "admin page needs system role", companyRole: "ADMIN", systemRole: "USER", path: "/admin", wantCode: http.StatusSeeOther, wantTarget: "/dashboard"},
		{name: "json clients get 403", companyRole: "ADMIN", systemRole: "USER", path: "/admin", accept: "application/json", wantCode: http.StatusForbidden},
		{name: "system admin page", companyRole: "", systemRole: "SYSTEM_ADMIN", path: "/admin", wantCode: http.StatusOK},
		{name: "bad days", companyRole: "ADMIN", systemRole: "USER", path: "/dashboard/stress?days=soon", wantCode: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newDashboardEnv(t, tc.companyRole, tc.systemRole)
			env.signIn(t)

			var header map[string]string
			if tc.accept != "" {
				header = map[string]string{"Accept": tc.accept}
			}
			rec := env.do(http.MethodGet, tc.path, nil, header)
			if rec.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d: %s", tc.wantCode, rec.Code, rec.Body.String())
			}
			if tc.wantTarget != "" && rec.Header().Get("Location") != tc.wantTarget {
				t.Fatalf("expected redirect to %q, got %q", tc.wantTarget, rec.Header().Get("Location"))
			}
		})
	}
}

func TestMetricsRouteIsPublic(t *testing.T) {
	env := newDashboardEnv(t, "ADMIN", "USER")
	env.signIn(t)

	rec := env.do(http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tideflow_login_success_total 1") {
		t.Fatalf("expected login counter, got:\n%s", rec.Body.String())
	}
}

func TestSafeNext(t *testing.T) {
	cases := map[string]string{
		"":                         "/dashboard",
		"/dashboard/impact":        "/dashboard/impact",
		"/dashboard/stress?days=7": "/dashboard/stress?days=7",
		"https://evil.example/":    "/dashboard",
		"//evil.example/x":         "/dashboard",
		"/login":                   "/dashboard",
		"relative":                 "/dashboard",
	}
	for in, want := range cases {
		if got := safeNext(in); got != want {
			t.Fatalf("safeNext(%q): expected %q, got %q", in, want, got)
		}
	}
}
