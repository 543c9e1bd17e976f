package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	tideflow "github.com/jeanjacintho/tide-flow-sub000"
	"github.com/jeanjacintho/tide-flow-sub000/internal/chatui"
	"github.com/jeanjacintho/tide-flow-sub000/permission"
)

type cmdEnv struct {
	client *tideflow.Client
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

type command struct {
	summary string
	run     func(ctx context.Context, env *cmdEnv, args []string) error
}

var commandOrder = []string{
	"login", "register", "logout", "whoami", "profile",
	"chat", "send", "history", "new", "transcribe",
	"dashboard", "report",
}

var commands = map[string]command{
	"login":      {"sign in and remember the session on this device", runLogin},
	"register":   {"create an account and sign in", runRegister},
	"logout":     {"forget the session on this device", runLogout},
	"whoami":     {"show the signed-in user", runWhoami},
	"profile":    {"update name, email, phone or avatar", runProfile},
	"chat":       {"open the interactive conversation", runChat},
	"send":       {"send one message and print the reply", runSend},
	"history":    {"print the current conversation", runHistory},
	"new":        {"start a new conversation", runNew},
	"transcribe": {"transcribe an audio file", runTranscribe},
	"dashboard":  {"print a company dashboard (overview|stress|heatmap|turnover|impact)", runDashboard},
	"report":     {"manage reports (generate|status|wait|list|delete)", runReport},
}

func newFlagSet(env *cmdEnv, name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("tideflow "+name, pflag.ContinueOnError)
	fs.SetOutput(env.stderr)
	return fs
}

func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return exitError(2)
	}
	return nil
}

// requireSession rehydrates the persisted session and fails when nobody is
// signed in.
func requireSession(ctx context.Context, env *cmdEnv) (tideflow.SessionSnapshot, error) {
	sessions := env.client.Sessions()
	sessions.Rehydrate(ctx)
	snap := sessions.Snapshot()
	if !snap.Authenticated() {
		return snap, tideflow.ErrUnauthenticated
	}
	return snap, nil
}

// Command requirements mirror the dashboard routes. RedirectTo names the
// command suggested instead.
var (
	dashboardAccess = permission.Requirement{
		CompanyRoles: []string{permission.CompanyOwner, permission.CompanyAdmin, permission.CompanyHRManager, permission.CompanyManager},
		SystemRoles:  []string{permission.SystemAdmin},
		RedirectTo:   "whoami",
	}
	reportAccess = permission.Requirement{
		CompanyRoles: []string{permission.CompanyOwner, permission.CompanyAdmin, permission.CompanyHRManager},
		RedirectTo:   "dashboard",
	}
)

// requireRole rehydrates like requireSession, then runs the command through
// a role gate. A denied principal gets a pointer to the suggested command.
func requireRole(ctx context.Context, env *cmdEnv, name string, req permission.Requirement) error {
	if _, err := requireSession(ctx, env); err != nil {
		return err
	}
	var suggested string
	gate, err := env.client.NewRoleGate(name, req, tideflow.RedirectFunc(func(target string) {
		suggested = target
	}))
	if err != nil {
		return err
	}
	if gate.Check(ctx).HasAccess {
		return nil
	}
	if suggested != "" {
		fmt.Fprintf(env.stderr, "%s is not available for your role; try `tideflow %s`\n", name, suggested)
	}
	return fmt.Errorf("%w: %s", tideflow.ErrRoleRequired, name)
}

// readPassword takes the first line of stdin when the flag was not given.
func readPassword(env *cmdEnv, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	fmt.Fprint(env.stderr, "Password: ")
	line, err := bufio.NewReader(env.stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printPrincipal(w io.Writer, p *tideflow.Principal) {
	fmt.Fprintf(w, "%s <%s>\n", p.Name, p.Email)
	fmt.Fprintf(w, "  id:           %s\n", p.ID)
	if p.CompanyID != "" {
		fmt.Fprintf(w, "  company:      %s\n", p.CompanyID)
	}
	if p.DepartmentID != "" {
		fmt.Fprintf(w, "  department:   %s\n", p.DepartmentID)
	}
	if p.CompanyRole != "" {
		fmt.Fprintf(w, "  company role: %s\n", p.CompanyRole)
	}
	if p.SystemRole != "" {
		fmt.Fprintf(w, "  system role:  %s\n", p.SystemRole)
	}
}

func printDocument(w io.Writer, doc tideflow.Document) error {
	var out bytes.Buffer
	if err := json.Indent(&out, doc, "", "  "); err != nil {
		_, err = w.Write(doc)
		return err
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(w)
	return err
}

/* ==== SESSION ==== */

func runLogin(ctx context.Context, env *cmdEnv, args []string) error {
	fs := newFlagSet(env, "login")
	email := fs.StringP("email", "e", "", "email address")
	password := fs.StringP("password", "p", "", "password (read from stdin when omitted)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *email == "" {
		return fmt.Errorf("%w: --email is required", tideflow.ErrValidationFailed)
	}
	pw, err := readPassword(env, *password)
	if err != nil {
		return err
	}

	sessions := env.client.Sessions()
	if err := sessions.Login(ctx, *email, pw); err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "Signed in as %s\n", sessions.Snapshot().Principal.Name)
	return nil
}

func runRegister(ctx context.Context, env *cmdEnv, args []string) error {
	fs := newFlagSet(env, "register")
	name := fs.StringP("name", "n", "", "full name")
	email := fs.StringP("email", "e", "", "email address")
	password := fs.StringP("password", "p", "", "password (read from stdin when omitted)")
	if err := parse(fs, args); err != nil {
		return err
	}
	pw, err := readPassword(env, *password)
	if err != nil {
		return err
	}

	sessions := env.client.Sessions()
	if err := sessions.Register(ctx, *name, *email, pw); err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "Welcome, %s\n", sessions.Snapshot().Principal.Name)
	return nil
}

func runLogout(ctx context.Context, env *cmdEnv, args []string) error {
	if err := parse(newFlagSet(env, "logout"), args); err != nil {
		return err
	}
	sessions := env.client.Sessions()
	sessions.Rehydrate(ctx)
	sessions.Logout(ctx)
	fmt.Fprintln(env.stdout, "Signed out")
	return nil
}

func runWhoami(ctx context.Context, env *cmdEnv, args []string) error {
	fs := newFlagSet(env, "whoami")
	asJSON := fs.Bool("json", false, "print the cached record as JSON")
	if err := parse(fs, args); err != nil {
		return err
	}
	snap, err := requireSession(ctx, env)
	if err != nil {
		fmt.Fprintln(env.stdout, "Not signed in")
		return exitError(1)
	}
	if *asJSON {
		enc := json.NewEncoder(env.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap.Principal)
	}
	printPrincipal(env.stdout, snap.Principal)
	return nil
}

func runProfile(ctx context.Context, env *cmdEnv, args []string) error {
	fs := newFlagSet(env, "profile")
	var upd tideflow.ProfileUpdate
	fs.StringVar(&upd.Name, "name", "", "new display name")
	fs.StringVar(&upd.Email, "email", "", "new email address")
	fs.StringVar(&upd.Phone, "phone", "", "new phone number")
	fs.StringVar(&upd.AvatarURL, "avatar", "", "new avatar URL")
	if err := parse(fs, args); err != nil {
		return err
	}
	if _, err := requireSession(ctx, env); err != nil {
		return err
	}
	p, err := env.client.Sessions().UpdateProfile(ctx, upd)
	if err != nil {
		return err
	}
	printPrincipal(env.stdout, p)
	return nil
}

/* ==== CONVERSATION ==== */

func runChat(ctx context.Context, env *cmdEnv, args []string) error {
	if err := parse(newFlagSet(env, "chat"), args); err != nil {
		return err
	}
	if _, err := requireSession(ctx, env); err != nil {
		return err
	}

	conv := env.client.NewConversation()
	defer conv.Close()

	model := chatui.NewModel(conv)
	defer model.Stop()

	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	return err
}

func runSend(ctx context.Context, env *cmdEnv, args []string) error {
	fs := newFlagSet(env, "send")
	if err := parse(fs, args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if _, err := requireSession(ctx, env); err != nil {
		return err
	}

	conv := env.client.NewConversation()
	defer conv.Close()
	if err := conv.Restore(ctx); err != nil {
		return err
	}
	reply, err := conv.Send(ctx, text)
	if err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, reply.Content)
	return nil
}

func runHistory(ctx context.Context, env *cmdEnv, args []string) error {
	if err := parse(newFlagSet(env, "history"), args); err != nil {
		return err
	}
	if _, err := requireSession(ctx, env); err != nil {
		return err
	}

	conv := env.client.NewConversation()
	defer conv.Close()
	if err := conv.Restore(ctx); err != nil {
		return err
	}
	view := conv.View()
	if view.ID == "" {
		fmt.Fprintln(env.stdout, "No conversation yet")
		return nil
	}
	for _, m := range view.Messages {
		who := "you"
		if m.Role == tideflow.RoleAssistant {
			who = "tide"
		}
		fmt.Fprintf(env.stdout, "[%s] %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), who, m.Content)
	}
	return nil
}

func runNew(ctx context.Context, env *cmdEnv, args []string) error {
	if err := parse(newFlagSet(env, "new"), args); err != nil {
		return err
	}
	if _, err := requireSession(ctx, env); err != nil {
		return err
	}
	conv := env.client.NewConversation()
	defer conv.Close()
	if err := conv.Restore(ctx); err != nil {
		return err
	}
	conv.Reset(ctx)
	fmt.Fprintln(env.stdout, "Started a new conversation")
	return nil
}

func runTranscribe(ctx context.Context, env *cmdEnv, args []string) error {
	fs := newFlagSet(env, "transcribe")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: transcribe takes one audio file", tideflow.ErrValidationFailed)
	}
	if _, err := requireSession(ctx, env); err != nil {
		return err
	}

	path := fs.Arg(0)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	conv := env.client.NewConversation()
	defer conv.Close()
	text, err := conv.Transcribe(ctx, filepath.Base(path), f)
	if err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, text)
	return nil
}

/* ==== ANALYTICS ==== */

func runDashboard(ctx context.Context, env *cmdEnv, args []string) error {
	fs := newFlagSet(env, "dashboard")
	days := fs.Int("days", 30, "stress timeline window in days")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: dashboard takes one of overview, stress, heatmap, turnover, impact", tideflow.ErrValidationFailed)
	}
	if err := requireRole(ctx, env, "dashboard", dashboardAccess); err != nil {
		return err
	}

	a := env.client.Analytics()
	var (
		doc tideflow.Document
		err error
	)
	switch fs.Arg(0) {
	case "overview":
		doc, err = a.Overview(ctx)
	case "stress":
		doc, err = a.StressTimeline(ctx, *days)
	case "heatmap":
		doc, err = a.DepartmentHeatmap(ctx)
	case "turnover":
		doc, err = a.TurnoverPrediction(ctx)
	case "impact":
		doc, err = a.ImpactAnalysis(ctx)
	default:
		return fmt.Errorf("%w: unknown dashboard %q", tideflow.ErrValidationFailed, fs.Arg(0))
	}
	if err != nil {
		return err
	}
	return printDocument(env.stdout, doc)
}

func runReport(ctx context.Context, env *cmdEnv, args []string) error {
	fs := newFlagSet(env, "report")
	var req tideflow.ReportRequest
	fs.StringVar(&req.Type, "type", "", "report type for generate")
	fs.StringVar(&req.PeriodStart, "from", "", "period start (YYYY-MM-DD)")
	fs.StringVar(&req.PeriodEnd, "to", "", "period end (YYYY-MM-DD)")
	fs.StringVar(&req.DepartmentID, "department", "", "limit to one department")
	wait := fs.Bool("wait", false, "poll a generated report until it completes")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: report takes one of generate, status, wait, list, delete", tideflow.ErrValidationFailed)
	}
	if err := requireRole(ctx, env, "report", reportAccess); err != nil {
		return err
	}

	a := env.client.Analytics()
	sub := fs.Arg(0)
	id := ""
	if sub != "generate" && sub != "list" {
		if fs.NArg() != 2 {
			return fmt.Errorf("%w: report %s takes a report id", tideflow.ErrValidationFailed, sub)
		}
		id = fs.Arg(1)
	}

	switch sub {
	case "generate":
		rep, err := a.GenerateReport(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.stdout, "Report %s: %s\n", rep.ID, rep.Status)
		if !*wait || rep.Status.Terminal() {
			return nil
		}
		return awaitReport(ctx, env, a, rep.ID)
	case "status":
		rep, err := a.GetReport(ctx, id)
		if err != nil {
			return err
		}
		return printDocument(env.stdout, rep.Raw)
	case "wait":
		return awaitReport(ctx, env, a, id)
	case "list":
		doc, err := a.ListReports(ctx)
		if err != nil {
			return err
		}
		return printDocument(env.stdout, doc)
	case "delete":
		if err := a.DeleteReport(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(env.stdout, "Deleted report %s\n", id)
		return nil
	default:
		return fmt.Errorf("%w: unknown report command %q", tideflow.ErrValidationFailed, sub)
	}
}

func awaitReport(ctx context.Context, env *cmdEnv, a *tideflow.Analytics, id string) error {
	res, err := a.AwaitReport(ctx, id)
	if err != nil {
		return err
	}
	if res.Outcome == tideflow.PollPending {
		fmt.Fprintf(env.stdout, "Report %s still %s after %d attempts; run `tideflow report wait %s` later\n",
			id, res.Report.Status, res.Attempts, id)
		return nil
	}
	return printDocument(env.stdout, res.Report.Raw)
}
