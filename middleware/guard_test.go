package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tideflow "github.com/jeanjacintho/tide-flow-sub000"
	"github.com/jeanjacintho/tide-flow-sub000/permission"
)

type fixedSnapshot tideflow.SessionSnapshot

func (f fixedSnapshot) Snapshot() tideflow.SessionSnapshot {
	return tideflow.SessionSnapshot(f)
}

func authenticated(companyRole string) fixedSnapshot {
	return fixedSnapshot{
		State: tideflow.StateAuthenticated,
		Principal: &tideflow.Principal{
			ID:          "u-1",
			Name:        "Ana",
			Email:       "ana@example.com",
			CompanyID:   "c-1",
			CompanyRole: companyRole,
			SystemRole:  "USER",
		},
	}
}

func ownerRule(t *testing.T, redirect string) permission.Rule {
	t.Helper()
	rule, err := permission.Requirement{
		CompanyRoles: []string{permission.CompanyOwner},
		RedirectTo:   redirect,
	}.Compile(permission.DefaultCompanyRoles(), permission.DefaultSystemRoles())
	if err != nil {
		t.Fatal(err)
	}
	return rule
}

func serve(h http.Handler, target, accept string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGuard(t *testing.T) {
	var reached bool
	var seen tideflow.SessionSnapshot
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		seen, _ = tideflow.SnapshotFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		sessions   tideflow.SnapshotSource
		rule       permission.Rule
		target     string
		accept     string
		wantStatus int
		wantLoc    string
		wantNext   bool
	}{
		{name: "loading", sessions: fixedSnapshot{State: tideflow.StateLoading}, target: "/dashboard", wantStatus: http.StatusServiceUnavailable},
		{name: "anonymous browser", sessions: fixedSnapshot{State: tideflow.StateUnauthenticated}, target: "/dashboard?days=7", wantStatus: http.StatusSeeOther, wantLoc: "/login?next=%2Fdashboard%3Fdays%3D7"},
		{name: "anonymous api", sessions: fixedSnapshot{State: tideflow.StateUnauthenticated}, target: "/dashboard", accept: "application/json", wantStatus: http.StatusUnauthorized},
		{name: "missing role", sessions: authenticated("EMPLOYEE"), rule: ownerRule(t, "/home"), target: "/reports", wantStatus: http.StatusSeeOther, wantLoc: "/home"},
		{name: "missing role self redirect", sessions: authenticated("EMPLOYEE"), rule: ownerRule(t, "/reports/"), target: "/reports", wantStatus: http.StatusForbidden},
		{name: "missing role api", sessions: authenticated("EMPLOYEE"), rule: ownerRule(t, "/home"), target: "/reports", accept: "application/json", wantStatus: http.StatusForbidden},
		{name: "role held", sessions: authenticated("owner"), rule: ownerRule(t, "/home"), target: "/reports", wantStatus: http.StatusNoContent, wantNext: true},
		{name: "open rule", sessions: authenticated(""), target: "/profile", wantStatus: http.StatusNoContent, wantNext: true},
		{name: "nil source", sessions: nil, target: "/profile", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached = false
			h := Guard(tt.sessions, tt.rule, Options{LoginPath: "/login"})(next)
			rec := serve(h, tt.target, tt.accept)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantLoc != "" && rec.Header().Get("Location") != tt.wantLoc {
				t.Fatalf("expected Location %q, got %q", tt.wantLoc, rec.Header().Get("Location"))
			}
			if reached != tt.wantNext {
				t.Fatalf("expected next reached=%v", tt.wantNext)
			}
			if tt.wantNext && (seen.Principal == nil || seen.Principal.ID != "u-1") {
				t.Fatalf("expected snapshot in context, got %+v", seen)
			}
		})
	}
}

func TestGuardRetryAfter(t *testing.T) {
	h := RequireSession(fixedSnapshot{}, Options{RetryAfter: 2500 * time.Millisecond})(http.NotFoundHandler())
	rec := serve(h, "/", "")
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") != "3" {
		t.Fatalf("expected 503 with Retry-After 3, got %d %q", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestRequireSessionWithoutLoginPath(t *testing.T) {
	h := RequireSession(fixedSnapshot{State: tideflow.StateUnauthenticated}, Options{})(http.NotFoundHandler())
	if rec := serve(h, "/dashboard", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLoginURLSkipsLoginPage(t *testing.T) {
	h := RequireSession(fixedSnapshot{State: tideflow.StateUnauthenticated}, Options{LoginPath: "/login"})(http.NotFoundHandler())
	rec := serve(h, "/login/", "")
	if rec.Header().Get("Location") != "/login" {
		t.Fatalf("expected plain login redirect, got %q", rec.Header().Get("Location"))
	}
}
