package tideflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jeanjacintho/tide-flow-sub000/gateway"
	"github.com/jeanjacintho/tide-flow-sub000/permission"
	"github.com/jeanjacintho/tide-flow-sub000/session"
)

// Client is the assembled SDK. Methods are safe for concurrent use.
type Client struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	store     *session.Store
	sessions  *SessionStore
	auth      *gateway.Client
	ai        *gateway.Client
	analytics *Analytics
	metrics   *Metrics
	audit     *auditDispatcher

	companyRoles *permission.Registry
	systemRoles  *permission.Registry

	closers []func() error

	rehydrateCancel context.CancelFunc
	rehydrated      chan struct{}
}

// Sessions returns the session store. It reports loading until Rehydrate
// has run, either called directly or started by Builder.WithRehydrate.
func (c *Client) Sessions() *SessionStore {
	return c.sessions
}

func (c *Client) startRehydrate() {
	ctx, cancel := context.WithCancel(context.Background())
	c.rehydrateCancel = cancel
	c.rehydrated = make(chan struct{})
	go func() {
		defer close(c.rehydrated)
		c.sessions.Rehydrate(ctx)
	}()
}

// Rehydrated is closed once the background rehydration started by
// Builder.WithRehydrate settles. It is nil when none was requested.
func (c *Client) Rehydrated() <-chan struct{} {
	return c.rehydrated
}

// Analytics returns the company dashboard and report service.
func (c *Client) Analytics() *Analytics {
	return c.analytics
}

// AuthGateway and AIGateway expose the raw gateways for calls the SDK does
// not wrap.
func (c *Client) AuthGateway() *gateway.Client {
	return c.auth
}

func (c *Client) AIGateway() *gateway.Client {
	return c.ai
}

// NewConversation creates a view-model for one mounted chat surface. Call
// Restore to continue the persisted thread and Close on unmount.
func (c *Client) NewConversation() *Conversation {
	return newConversation(conversationDeps{
		ai:       c.ai,
		sessions: c.sessions,
		store:    c.store,
		logger:   c.logger.With("component", "conversation"),
		metrics:  c.metrics,
		audit:    c.audit,
		now:      c.now,
	})
}

// CompileRequirement resolves role names against the client's registries.
func (c *Client) CompileRequirement(req permission.Requirement) (permission.Rule, error) {
	return req.Compile(c.companyRoles, c.systemRoles)
}

// NewRoleGate guards route with req, redirecting through r.
func (c *Client) NewRoleGate(route string, req permission.Requirement, r Redirector) (*RoleGate, error) {
	rule, err := c.CompileRequirement(req)
	if err != nil {
		return nil, err
	}
	g := NewRoleGate(route, rule, c.sessions, r)
	g.logger = c.logger.With("component", "role_gate", "route", route)
	g.metrics = c.metrics
	g.audit = c.audit
	g.now = c.now
	return g, nil
}

// Metrics returns the live counters.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// MetricsSnapshot copies the counters and histogram.
func (c *Client) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// Config returns a copy of the effective configuration.
func (c *Client) Config() Config {
	return cloneConfig(c.config)
}

// AuditDropped reports events lost because the audit buffer was full.
func (c *Client) AuditDropped() uint64 {
	return c.audit.Dropped()
}

// Close flushes audit events and releases connections the client opened.
func (c *Client) Close() error {
	if c.rehydrateCancel != nil {
		c.rehydrateCancel()
		<-c.rehydrated
	}
	c.audit.Close()
	var errs []error
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	c.closers = nil
	return errors.Join(errs...)
}
