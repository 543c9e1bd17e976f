package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	tideflow "github.com/jeanjacintho/tide-flow-sub000"
	"github.com/jeanjacintho/tide-flow-sub000/gateway"
	"github.com/jeanjacintho/tide-flow-sub000/metrics/export/prometheus"
	"github.com/jeanjacintho/tide-flow-sub000/middleware"
	"github.com/jeanjacintho/tide-flow-sub000/permission"
)

const loginPath = "/login"

// Route requirements. Employees without a management role land on /me.
var (
	corporateAccess = permission.Requirement{
		CompanyRoles: []string{permission.CompanyOwner, permission.CompanyAdmin, permission.CompanyHRManager, permission.CompanyManager},
		SystemRoles:  []string{permission.SystemAdmin},
		RedirectTo:   "/me",
	}
	reportAccess = permission.Requirement{
		CompanyRoles: []string{permission.CompanyOwner, permission.CompanyAdmin, permission.CompanyHRManager},
		RedirectTo:   "/dashboard",
	}
	adminAccess = permission.Requirement{
		SystemRoles: []string{permission.SystemAdmin},
		RedirectTo:  "/dashboard",
	}
)

type server struct {
	client *tideflow.Client
	logger *slog.Logger
	opts   middleware.Options
}

func newRouter(client *tideflow.Client, logger *slog.Logger) (*mux.Router, error) {
	s := &server{
		client: client,
		logger: logger,
		opts:   middleware.Options{LoginPath: loginPath},
	}

	guard := func(req permission.Requirement) (mux.MiddlewareFunc, error) {
		rule, err := client.CompileRequirement(req)
		if err != nil {
			return nil, err
		}
		return mux.MiddlewareFunc(middleware.Guard(client.Sessions(), rule, s.opts)), nil
	}
	corporate, err := guard(corporateAccess)
	if err != nil {
		return nil, err
	}
	reports, err := guard(reportAccess)
	if err != nil {
		return nil, err
	}
	admin, err := guard(adminAccess)
	if err != nil {
		return nil, err
	}
	session := mux.MiddlewareFunc(middleware.RequireSession(client.Sessions(), s.opts))

	r := mux.NewRouter()
	r.HandleFunc(loginPath, s.loginForm).Methods(http.MethodGet)
	r.HandleFunc(loginPath, s.login).Methods(http.MethodPost)
	r.HandleFunc("/logout", s.logout).Methods(http.MethodPost)
	r.Handle("/metrics", prometheus.NewExporter(client).Handler()).Methods(http.MethodGet)
	r.Handle("/me", session(http.HandlerFunc(s.me))).Methods(http.MethodGet)
	r.Handle("/", http.RedirectHandler("/dashboard", http.StatusSeeOther)).Methods(http.MethodGet)

	analytics := client.Analytics()
	r.Handle("/dashboard", corporate(s.document(analytics.Overview))).Methods(http.MethodGet)
	r.Handle("/dashboard/stress", corporate(http.HandlerFunc(s.stress))).Methods(http.MethodGet)
	r.Handle("/dashboard/heatmap", corporate(s.document(analytics.DepartmentHeatmap))).Methods(http.MethodGet)
	r.Handle("/dashboard/turnover", corporate(s.document(analytics.TurnoverPrediction))).Methods(http.MethodGet)
	r.Handle("/dashboard/impact", corporate(s.document(analytics.ImpactAnalysis))).Methods(http.MethodGet)
	r.Handle("/dashboard/reports", reports(s.document(analytics.ListReports))).Methods(http.MethodGet)
	r.Handle("/dashboard/reports", reports(http.HandlerFunc(s.generateReport))).Methods(http.MethodPost)
	r.Handle("/dashboard/reports/{id}", reports(http.HandlerFunc(s.getReport))).Methods(http.MethodGet)
	r.Handle("/dashboard/reports/{id}", reports(http.HandlerFunc(s.deleteReport))).Methods(http.MethodDelete)
	r.Handle("/admin", admin(http.HandlerFunc(s.admin))).Methods(http.MethodGet)
	return r, nil
}

/* ==== SESSION ==== */

var loginPage = template.Must(template.New("login").Parse(`<!doctype html>
<title>Tide Flow</title>
<h1>Sign in</h1>
{{if .Error}}<p role="alert">{{.Error}}</p>{{end}}
<form method="post" action="/login">
<input type="hidden" name="next" value="{{.Next}}">
<label>Email <input name="email" type="email" value="{{.Email}}"></label>
<label>Password <input name="password" type="password"></label>
<button>Sign in</button>
</form>
`))

type loginData struct {
	Error string
	Email string
	Next  string
}

func (s *server) loginForm(w http.ResponseWriter, r *http.Request) {
	if s.client.Sessions().Snapshot().Authenticated() {
		http.Redirect(w, r, safeNext(r.URL.Query().Get("next")), http.StatusSeeOther)
		return
	}
	s.renderLogin(w, http.StatusOK, loginData{Next: r.URL.Query().Get("next")})
}

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderLogin(w, http.StatusBadRequest, loginData{Error: "Invalid form."})
		return
	}
	email := strings.TrimSpace(r.PostFormValue("email"))
	next := r.PostFormValue("next")

	if err := s.client.Sessions().Login(r.Context(), email, r.PostFormValue("password")); err != nil {
		s.renderLogin(w, statusFor(err), loginData{Error: tideflow.UserMessage(err), Email: email, Next: next})
		return
	}
	http.Redirect(w, r, safeNext(next), http.StatusSeeOther)
}

func (s *server) renderLogin(w http.ResponseWriter, status int, data loginData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := loginPage.Execute(w, data); err != nil {
		s.logger.Warn("render login", "error", err)
	}
}

func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	s.client.Sessions().Logout(r.Context())
	http.Redirect(w, r, loginPath, http.StatusSeeOther)
}

func (s *server) me(w http.ResponseWriter, r *http.Request) {
	snap, _ := tideflow.SnapshotFromContext(r.Context())
	writeJSON(w, http.StatusOK, snap.Principal)
}

func (s *server) admin(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics":      s.client.MetricsSnapshot().Counters,
		"auditDropped": s.client.AuditDropped(),
	})
}

// safeNext keeps redirects on this host.
func safeNext(next string) string {
	u, err := url.Parse(next)
	if next == "" || err != nil || u.IsAbs() || u.Host != "" || !strings.HasPrefix(u.Path, "/") || u.Path == loginPath {
		return "/dashboard"
	}
	return u.RequestURI()
}

/* ==== ANALYTICS ==== */

func (s *server) document(fetch func(ctx context.Context) (tideflow.Document, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc, err := fetch(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeDocument(w, http.StatusOK, doc)
	})
}

func (s *server) stress(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, fmt.Errorf("%w: days must be a positive integer", tideflow.ErrValidationFailed))
			return
		}
		days = n
	}
	s.document(func(ctx context.Context) (tideflow.Document, error) {
		return s.client.Analytics().StressTimeline(ctx, days)
	}).ServeHTTP(w, r)
}

func (s *server) generateReport(w http.ResponseWriter, r *http.Request) {
	var req tideflow.ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	rep, err := s.client.Analytics().GenerateReport(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeDocument(w, http.StatusAccepted, rep.Raw)
}

func (s *server) getReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a := s.client.Analytics()

	var (
		rep tideflow.Report
		err error
	)
	if r.URL.Query().Get("wait") == "true" {
		var res tideflow.PollResult
		res, err = a.AwaitReport(r.Context(), id)
		rep = res.Report
	} else {
		rep, err = a.GetReport(r.Context(), id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !rep.Status.Terminal() {
		status = http.StatusAccepted
	}
	writeDocument(w, status, rep.Raw)
}

func (s *server) deleteReport(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Analytics().DeleteReport(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/* ==== RESPONSES ==== */

type errorBody struct {
	Error string `json:"error"`
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Error: tideflow.UserMessage(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tideflow.ErrUnauthenticated), errors.Is(err, tideflow.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, tideflow.ErrNoCompany), errors.Is(err, tideflow.ErrRoleRequired):
		return http.StatusForbidden
	case errors.Is(err, tideflow.ErrReportFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, tideflow.ErrServiceUnreachable):
		return http.StatusBadGateway
	}
	if he, ok := gateway.AsHTTPError(err); ok {
		if he.ClientError() {
			return he.Status
		}
		return http.StatusBadGateway
	}
	if errors.Is(err, tideflow.ErrValidationFailed) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDocument(w http.ResponseWriter, status int, doc tideflow.Document) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(doc)
}
