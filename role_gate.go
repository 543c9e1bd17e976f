package tideflow

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jeanjacintho/tide-flow-sub000/permission"
)

// AccessResult is the outcome of one access check.
type AccessResult struct {
	HasAccess  bool
	IsChecking bool
}

// EvaluateAccess decides whether snap may render a route guarded by rule.
// It is pure: the same inputs always give the same result.
//
// While the session is loading the result is checking. An unauthenticated
// session never has access; routing it to a login screen is the job of a
// higher-level guard. An empty rule admits every authenticated principal.
func EvaluateAccess(snap SessionSnapshot, rule permission.Rule) AccessResult {
	if snap.Loading() {
		return AccessResult{IsChecking: true}
	}
	if !snap.Authenticated() {
		return AccessResult{}
	}
	if rule.Empty() {
		return AccessResult{HasAccess: true}
	}
	return AccessResult{
		HasAccess: rule.Allows(snap.Principal.CompanyRole, snap.Principal.SystemRole),
	}
}

// Redirector performs navigation for a [RoleGate].
type Redirector interface {
	Redirect(target string)
}

// RedirectFunc adapts a function to [Redirector].
type RedirectFunc func(target string)

func (f RedirectFunc) Redirect(target string) { f(target) }

// SnapshotSource is satisfied by *SessionStore.
type SnapshotSource interface {
	Snapshot() SessionSnapshot
}

// RoleGate guards one mounted route. Each denied access check for a given
// (principal, roles, rule) fires at most one redirect; the latch re-arms as
// soon as any of those change.
type RoleGate struct {
	route    string
	rule     permission.Rule
	sessions SnapshotSource
	redirect Redirector

	logger  *slog.Logger
	metrics *Metrics
	audit   *auditDispatcher
	now     func() time.Time

	mu       sync.Mutex
	latchKey string
	fired    bool
}

// NewRoleGate builds a gate without client wiring. Route is the path the
// gate protects; a rule redirecting to that same path never fires.
func NewRoleGate(route string, rule permission.Rule, sessions SnapshotSource, r Redirector) *RoleGate {
	return &RoleGate{
		route:    route,
		rule:     rule,
		sessions: sessions,
		redirect: r,
		logger:   discardLogger(),
		now:      time.Now,
	}
}

// Rule returns the compiled requirement.
func (g *RoleGate) Rule() permission.Rule {
	return g.rule
}

// Check evaluates the current session and redirects if an authenticated
// principal lacks the role.
func (g *RoleGate) Check(ctx context.Context) AccessResult {
	snap := g.sessions.Snapshot()
	res := EvaluateAccess(snap, g.rule)
	if res.HasAccess || res.IsChecking || !snap.Authenticated() {
		return res
	}

	g.metrics.Inc(MetricAccessDenied)

	key := latchKey(snap.Principal, g.rule)
	g.mu.Lock()
	if g.latchKey != key {
		g.latchKey = key
		g.fired = false
	}
	fire := !g.fired
	g.fired = true
	g.mu.Unlock()

	if !fire {
		return res
	}

	target := g.rule.RedirectTo()
	if g.route != "" && samePath(target, g.route) {
		g.logger.Warn("role gate redirect suppressed: target is the guarded route", "route", g.route)
		return res
	}
	if g.redirect != nil {
		g.redirect.Redirect(target)
	}

	g.metrics.Inc(MetricRoleRedirect)
	emitAudit(ctx, g.audit, g.now, AuditRoleRedirect, snap.Principal.ID, true, nil, map[string]string{
		"route":  g.route,
		"target": target,
	})
	return res
}

func latchKey(p *Principal, rule permission.Rule) string {
	return p.ID + "|" + strings.ToUpper(p.CompanyRole) + "|" + strings.ToUpper(p.SystemRole) + "|" + rule.Key()
}

func samePath(a, b string) bool {
	norm := func(s string) string {
		s = strings.TrimSpace(s)
		if i := strings.IndexAny(s, "?#"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimRight(s, "/")
		if s == "" {
			return "/"
		}
		return s
	}
	return norm(a) == norm(b)
}
