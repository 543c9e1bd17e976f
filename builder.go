package tideflow

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jeanjacintho/tide-flow-sub000/gateway"
	"github.com/jeanjacintho/tide-flow-sub000/permission"
	"github.com/jeanjacintho/tide-flow-sub000/session"
)

// Builder assembles a [Client]. A Builder is single-use.
type Builder struct {
	config Config

	backend    session.Backend
	redis      redis.UniversalClient
	httpClient *http.Client
	logger     *slog.Logger
	auditSink  AuditSink

	companyRoles *permission.Registry
	systemRoles  *permission.Registry

	now       func() time.Time
	rehydrate bool
	built     bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the configuration; Build validates it.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithBackend overrides the storage backend selected by the config.
func (b *Builder) WithBackend(backend session.Backend) *Builder {
	b.backend = backend
	return b
}

// WithRedis supplies the client used when the storage backend is redis.
// Without it Build dials Storage.RedisAddr itself and Client.Close closes
// the connection.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithHTTPClient shares hc between both gateways.
func (b *Builder) WithHTTPClient(hc *http.Client) *Builder {
	b.httpClient = hc
	return b
}

// WithLogger sets the structured logger. The default discards.
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// WithAuditSink receives audit events when auditing is enabled.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithRoleRegistries replaces the default company and system role sets.
func (b *Builder) WithRoleRegistries(company, system *permission.Registry) *Builder {
	b.companyRoles = company
	b.systemRoles = system
	return b
}

// WithClock injects the time source used for token expiry and timestamps.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithRehydrate makes Build start SessionStore.Rehydrate in the background.
// The session reports loading until it settles; Client.Rehydrated signals
// completion and Client.Close cancels an unfinished run.
func (b *Builder) WithRehydrate() *Builder {
	b.rehydrate = true
	return b
}

// WithMetricsEnabled overrides Metrics.Enabled from the config.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the gateway latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the client. The session store
// starts out loading: either call SessionStore.Rehydrate, which blocks until
// the persisted session is restored, or opt into a background run with
// WithRehydrate. Without either, guarded surfaces stay in the loading state.
func (b *Builder) Build() (*Client, error) {
	if b.built {
		return nil, ErrBuilderUsed
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = discardLogger()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	company, system := b.companyRoles, b.systemRoles
	if company == nil {
		company = permission.DefaultCompanyRoles()
	}
	if system == nil {
		system = permission.DefaultSystemRoles()
	}

	c := &Client{
		config:       cloneConfig(cfg),
		logger:       logger,
		now:          now,
		companyRoles: company,
		systemRoles:  system,
	}

	backend, err := b.resolveBackend(cfg, c)
	if err != nil {
		return nil, err
	}

	c.store = session.NewStore(backend, cfg.Storage.Prefix)
	c.metrics = NewMetrics(cfg.Metrics)
	c.audit = newAuditDispatcher(cfg.Audit, b.auditSink)

	c.sessions = newSessionStore(sessionStoreDeps{
		store:   c.store,
		logger:  logger.With("component", "session"),
		metrics: c.metrics,
		audit:   c.audit,
		now:     now,
		config:  cfg,
	})

	hc := b.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.HTTP.Timeout}
	}
	gatewayOpts := []gateway.Option{
		gateway.WithHTTPClient(hc),
		gateway.WithTokenSource(c.sessions),
		gateway.WithLogger(logger.With("component", "gateway")),
	}
	if c.metrics.Enabled() {
		gatewayOpts = append(gatewayOpts, gateway.WithObserver(c.metrics.observeGateway))
	}
	c.auth = gateway.New(cfg.Services.AuthBaseURL, gatewayOpts...)
	c.ai = gateway.New(cfg.Services.AIBaseURL, gatewayOpts...)
	c.sessions.auth = c.auth

	c.analytics = newAnalytics(c.ai, c.sessions, cfg.Reports, logger.With("component", "analytics"), c.metrics, c.audit, now)

	if b.rehydrate {
		c.startRehydrate()
	}

	b.built = true
	return c, nil
}

func (b *Builder) resolveBackend(cfg Config, c *Client) (session.Backend, error) {
	if b.backend != nil {
		return b.backend, nil
	}

	switch cfg.Storage.Backend {
	case StorageMemory:
		return session.NewMemoryBackend(), nil
	case StorageFile:
		dir := cfg.Storage.Path
		if dir == "" {
			d, err := session.DefaultStateDir()
			if err != nil {
				return nil, fmt.Errorf("resolve state directory: %w", err)
			}
			dir = d
		}
		return session.NewFileBackend(dir)
	case StorageRedis:
		client := b.redis
		if client == nil {
			owned := redis.NewClient(&redis.Options{
				Addr: cfg.Storage.RedisAddr,
				DB:   cfg.Storage.RedisDB,
			})
			c.closers = append(c.closers, owned.Close)
			client = owned
		}
		return session.NewRedisBackend(client), nil
	}
	return nil, errors.New("unknown storage backend")
}
