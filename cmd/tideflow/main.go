// tideflow is a terminal client for the Tide Flow services: sign in, chat
// with the assistant and pull company analytics.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	tideflow "github.com/jeanjacintho/tide-flow-sub000"
	"github.com/jeanjacintho/tide-flow-sub000/metrics/export/prometheus"
)

// lookupEnv is replaced in tests.
var lookupEnv = os.LookupEnv

// exitError carries a process exit code without an extra message.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func (e exitError) ExitCode() int { return int(e) }

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %s\n", tideflow.UserMessage(err))
		os.Exit(1)
	}
}

// globals are the flags accepted before the command name.
type globals struct {
	configPath  string
	logLevel    string
	auditLog    string
	showMetrics bool
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var g globals
	fs := pflag.NewFlagSet("tideflow", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	fs.StringVarP(&g.configPath, "config", "c", "", "YAML config file")
	fs.StringVar(&g.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	fs.StringVar(&g.auditLog, "audit-log", "", "append JSON audit events to this file")
	fs.BoolVar(&g.showMetrics, "metrics", false, "print client metrics to stderr on exit")
	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return exitError(2)
	}
	if fs.NArg() == 0 {
		printUsage(stderr, fs)
		return exitError(2)
	}

	name, rest := fs.Arg(0), fs.Args()[1:]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", name)
		printUsage(stderr, fs)
		return exitError(2)
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	logger, err := tideflow.NewLogger(stderr, cfg.Log.Level)
	if err != nil {
		return err
	}

	builder := tideflow.New().WithConfig(cfg).WithLogger(logger)
	if g.auditLog != "" {
		f, err := os.OpenFile(g.auditLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer f.Close()
		builder = builder.WithAuditSink(tideflow.NewJSONWriterSink(f))
	}
	client, err := builder.Build()
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("close client", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := &cmdEnv{
		client: client,
		logger: logger,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}
	err = cmd.run(ctx, env, rest)

	if g.showMetrics {
		fmt.Fprint(stderr, prometheus.NewExporter(client).Render())
	}
	if err != nil {
		logger.Debug("command failed", slog.String("command", name), slog.Any("error", err))
	}
	return err
}

// loadConfig layers defaults, the optional file, the environment and
// flags, then validates.
func loadConfig(g globals) (tideflow.Config, error) {
	cfg := tideflow.DefaultConfig()
	if g.configPath != "" {
		loaded, err := tideflow.LoadConfig(g.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(lookupEnv); err != nil {
		return cfg, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.auditLog != "" {
		cfg.Audit.Enabled = true
	}
	return cfg, cfg.Validate()
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprint(w, `Usage:
  tideflow [global flags] <command> [command flags]

Commands:
`)
	for _, name := range commandOrder {
		fmt.Fprintf(w, "  %-11s %s\n", name, commands[name].summary)
	}
	fmt.Fprint(w, "\nGlobal flags:\n")
	fs.SetOutput(w)
	fs.PrintDefaults()
}
