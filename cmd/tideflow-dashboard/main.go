// tideflow-dashboard serves the company analytics for the session stored on
// this device, gating each route on the signed-in user's roles.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	tideflow "github.com/jeanjacintho/tide-flow-sub000"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		addr       string
		logLevel   string
	)
	fs := pflag.NewFlagSet("tideflow-dashboard", pflag.ContinueOnError)
	fs.StringVarP(&configPath, "config", "c", "", "YAML config file")
	fs.StringVar(&addr, "addr", "127.0.0.1:8090", "listen address")
	fs.StringVar(&logLevel, "log-level", "", "override log level")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := tideflow.DefaultConfig()
	if configPath != "" {
		loaded, err := tideflow.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := tideflow.NewLogger(os.Stderr, cfg.Log.Level)
	if err != nil {
		return err
	}
	client, err := tideflow.New().
		WithConfig(cfg).
		WithLogger(logger).
		WithAuditSink(tideflow.SlogSink{Logger: logger}).
		WithRehydrate().
		Build()
	if err != nil {
		return err
	}
	defer client.Close()

	router, err := newRouter(client, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTP.Timeout + 10*time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("dashboard listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
