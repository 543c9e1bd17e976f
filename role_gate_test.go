package tideflow

import (
	"context"
	"testing"

	"github.com/jeanjacintho/tide-flow-sub000/permission"
)

func compileRule(t *testing.T, req permission.Requirement) permission.Rule {
	t.Helper()
	rule, err := req.Compile(permission.DefaultCompanyRoles(), permission.DefaultSystemRoles())
	if err != nil {
		t.Fatalf("compile requirement: %v", err)
	}
	return rule
}

func authenticatedAs(companyRole, systemRole string) SessionSnapshot {
	p := testPrincipal()
	p.CompanyRole = companyRole
	p.SystemRole = systemRole
	return SessionSnapshot{State: StateAuthenticated, Principal: p}
}

func TestEvaluateAccess(t *testing.T) {
	adminOnly := compileRule(t, permission.Requirement{
		CompanyRoles: []string{permission.CompanyOwner, permission.CompanyAdmin},
		RedirectTo:   "/home",
	})
	open := compileRule(t, permission.Requirement{})

	tests := []struct {
		name string
		snap SessionSnapshot
		rule permission.Rule
		want AccessResult
	}{
		{name: "uninitialized is checking", snap: SessionSnapshot{}, rule: adminOnly, want: AccessResult{IsChecking: true}},
		{name: "loading is checking", snap: SessionSnapshot{State: StateLoading, Principal: testPrincipal()}, rule: adminOnly, want: AccessResult{IsChecking: true}},
		{name: "unauthenticated has no access", snap: SessionSnapshot{State: StateUnauthenticated}, rule: adminOnly, want: AccessResult{}},
		{name: "unauthenticated with open rule", snap: SessionSnapshot{State: StateUnauthenticated}, rule: open, want: AccessResult{}},
		{name: "role held", snap: authenticatedAs("ADMIN", "USER"), rule: adminOnly, want: AccessResult{HasAccess: true}},
		{name: "role held lower case", snap: authenticatedAs("owner", "USER"), rule: adminOnly, want: AccessResult{HasAccess: true}},
		{name: "role missing", snap: authenticatedAs("EMPLOYEE", "USER"), rule: adminOnly, want: AccessResult{}},
		{name: "no company role", snap: authenticatedAs("", "USER"), rule: adminOnly, want: AccessResult{}},
		{name: "open rule admits any principal", snap: authenticatedAs("", ""), rule: open, want: AccessResult{HasAccess: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateAccess(tt.snap, tt.rule); got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestEvaluateAccessMatchModes(t *testing.T) {
	anyRule := compileRule(t, permission.Requirement{
		CompanyRoles: []string{permission.CompanyHRManager},
		SystemRoles:  []string{permission.SystemAdmin},
	})
	allRule := compileRule(t, permission.Requirement{
		CompanyRoles: []string{permission.CompanyHRManager},
		SystemRoles:  []string{permission.SystemAdmin},
		Mode:         permission.MatchAll,
	})

	systemAdmin := authenticatedAs("EMPLOYEE", "SYSTEM_ADMIN")
	both := authenticatedAs("HR_MANAGER", "SYSTEM_ADMIN")

	if !EvaluateAccess(systemAdmin, anyRule).HasAccess {
		t.Fatal("expected either membership to satisfy MatchAny")
	}
	if EvaluateAccess(systemAdmin, allRule).HasAccess {
		t.Fatal("expected MatchAll to require both memberships")
	}
	if !EvaluateAccess(both, allRule).HasAccess {
		t.Fatal("expected both memberships to satisfy MatchAll")
	}
}

type recordingRedirector struct {
	targets []string
}

func (r *recordingRedirector) Redirect(target string) {
	r.targets = append(r.targets, target)
}

func TestRoleGateDoesNotRedirectWhileLoadingOrAnonymous(t *testing.T) {
	rule := compileRule(t, permission.Requirement{CompanyRoles: []string{"ADMIN"}, RedirectTo: "/home"})
	src := &staticSnapshots{snap: SessionSnapshot{State: StateLoading}}
	r := &recordingRedirector{}
	gate := NewRoleGate("/dashboard", rule, src, r)

	if res := gate.Check(context.Background()); !res.IsChecking {
		t.Fatalf("expected checking, got %+v", res)
	}
	src.snap = SessionSnapshot{State: StateUnauthenticated}
	if res := gate.Check(context.Background()); res.HasAccess || res.IsChecking {
		t.Fatalf("expected no access, got %+v", res)
	}
	if len(r.targets) != 0 {
		t.Fatalf("expected no redirect, got %v", r.targets)
	}
}

func TestRoleGateRedirectsOncePerDenial(t *testing.T) {
	rule := compileRule(t, permission.Requirement{CompanyRoles: []string{"ADMIN", "OWNER"}, RedirectTo: "/home"})
	src := &staticSnapshots{snap: authenticatedAs("EMPLOYEE", "USER")}
	r := &recordingRedirector{}
	gate := NewRoleGate("/dashboard", rule, src, r)

	for i := 0; i < 3; i++ {
		if res := gate.Check(context.Background()); res.HasAccess {
			t.Fatal("expected denied")
		}
	}
	if len(r.targets) != 1 || r.targets[0] != "/home" {
		t.Fatalf("expected a single redirect to /home, got %v", r.targets)
	}

	src.snap = authenticatedAs("MANAGER", "USER")
	gate.Check(context.Background())
	if len(r.targets) != 2 {
		t.Fatalf("expected the latch to re-arm on role change, got %v", r.targets)
	}

	src.snap = authenticatedAs("ADMIN", "USER")
	if res := gate.Check(context.Background()); !res.HasAccess {
		t.Fatal("expected access once the role is held")
	}
	if len(r.targets) != 2 {
		t.Fatalf("expected no redirect with access, got %v", r.targets)
	}
}

func TestRoleGateSuppressesSelfRedirect(t *testing.T) {
	rule := compileRule(t, permission.Requirement{CompanyRoles: []string{"ADMIN"}, RedirectTo: "/dashboard/"})
	src := &staticSnapshots{snap: authenticatedAs("EMPLOYEE", "USER")}
	r := &recordingRedirector{}
	gate := NewRoleGate("/dashboard", rule, src, r)

	gate.Check(context.Background())
	if len(r.targets) != 0 {
		t.Fatalf("expected redirect to the guarded route suppressed, got %v", r.targets)
	}
}

func TestRoleGateDefaultRedirect(t *testing.T) {
	rule := compileRule(t, permission.Requirement{SystemRoles: []string{permission.SystemAdmin}})
	src := &staticSnapshots{snap: authenticatedAs("OWNER", "USER")}
	var got string
	gate := NewRoleGate("/admin", rule, src, RedirectFunc(func(target string) { got = target }))

	gate.Check(context.Background())
	if got != permission.DefaultRedirect {
		t.Fatalf("expected default redirect %q, got %q", permission.DefaultRedirect, got)
	}
}

func TestClientRoleGate(t *testing.T) {
	env := newTestEnv(t)
	r := &recordingRedirector{}

	if _, err := env.client.NewRoleGate("/x", permission.Requirement{CompanyRoles: []string{"JANITOR"}}, r); err == nil {
		t.Fatal("expected unknown role to fail compilation")
	}

	gate, err := env.client.NewRoleGate("/reports", permission.Requirement{
		CompanyRoles: []string{permission.CompanyOwner},
		RedirectTo:   "/home",
	}, r)
	if err != nil {
		t.Fatalf("new role gate: %v", err)
	}

	env.login(t)
	if res := gate.Check(context.Background()); res.HasAccess {
		t.Fatal("expected ADMIN to be denied an OWNER route")
	}
	if len(r.targets) != 1 {
		t.Fatalf("expected one redirect, got %v", r.targets)
	}
	m := env.client.Metrics()
	if m.Value(MetricRoleRedirect) != 1 || m.Value(MetricAccessDenied) != 1 {
		t.Fatal("expected redirect and denial counted")
	}
}
