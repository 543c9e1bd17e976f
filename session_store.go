package tideflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jeanjacintho/tide-flow-sub000/gateway"
	"github.com/jeanjacintho/tide-flow-sub000/jwt"
	"github.com/jeanjacintho/tide-flow-sub000/session"
)

// Auth service endpoints.
const (
	pathLogin    = "/auth/login"
	pathRegister = "/auth/register"
	pathUsers    = "/users/"
)

// SessionStore is the single source of truth for who is logged in. It is the
// only writer of the persisted token and principal.
//
// A second Login issued before the first returns is not serialized; surfaces
// disable the triggering control while a call is in flight.
type SessionStore struct {
	store   *session.Store
	auth    *gateway.Client
	logger  *slog.Logger
	metrics *Metrics
	audit   *auditDispatcher
	now     func() time.Time

	policy       PasswordPolicy
	purgeExpired bool
	leeway       time.Duration

	mu        sync.Mutex
	state     SessionState
	token     string
	principal *Principal

	listenerMu   sync.Mutex
	listeners    map[uint64]func(SessionSnapshot)
	nextListener uint64

	rehydrateOnce sync.Once
}

type sessionStoreDeps struct {
	store   *session.Store
	logger  *slog.Logger
	metrics *Metrics
	audit   *auditDispatcher
	now     func() time.Time
	config  Config
}

func newSessionStore(d sessionStoreDeps) *SessionStore {
	return &SessionStore{
		store:        d.store,
		logger:       d.logger,
		metrics:      d.metrics,
		audit:        d.audit,
		now:          d.now,
		policy:       d.config.Password,
		purgeExpired: d.config.Session.PurgeExpiredTokens,
		leeway:       d.config.Session.TokenLeeway,
		state:        StateUninitialized,
		listeners:    make(map[uint64]func(SessionSnapshot)),
	}
}

// Token returns the bearer token held in memory. It satisfies
// gateway.TokenSource.
func (s *SessionStore) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Snapshot returns the current state. The principal is a copy.
func (s *SessionStore) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *SessionStore) snapshotLocked() SessionSnapshot {
	return SessionSnapshot{State: s.state, Principal: s.principal.Clone()}
}

// Subscribe registers fn to run after every state transition. fn runs on the
// goroutine that caused the transition and must not block. The returned
// func unregisters it.
func (s *SessionStore) Subscribe(fn func(SessionSnapshot)) func() {
	if fn == nil {
		return func() {}
	}
	s.listenerMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenerMu.Lock()
			delete(s.listeners, id)
			s.listenerMu.Unlock()
		})
	}
}

func (s *SessionStore) notify(snap SessionSnapshot) {
	s.listenerMu.Lock()
	fns := make([]func(SessionSnapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// transition applies mutate under the lock and notifies listeners.
func (s *SessionStore) transition(mutate func()) SessionSnapshot {
	s.mu.Lock()
	mutate()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return snap
}

func (s *SessionStore) setLoading() SessionSnapshot {
	var prev SessionSnapshot
	s.transition(func() {
		prev = SessionSnapshot{State: s.state, Principal: s.principal}
		s.state = StateLoading
	})
	return prev
}

func (s *SessionStore) settleAuthenticated(token string, p *Principal) {
	s.transition(func() {
		s.state = StateAuthenticated
		s.token = token
		s.principal = p.Clone()
	})
}

func (s *SessionStore) settleUnauthenticated() {
	s.transition(func() {
		s.state = StateUnauthenticated
		s.token = ""
		s.principal = nil
	})
}

func (s *SessionStore) restore(prev SessionSnapshot) {
	s.transition(func() {
		if prev.State == StateUninitialized || prev.State == StateLoading {
			s.state = StateUnauthenticated
		} else {
			s.state = prev.State
		}
		s.principal = prev.Principal
	})
}

/*
====================================
LOGIN / REGISTER / LOGOUT
====================================
*/

// Login exchanges credentials for a token, decodes the user id claim,
// fetches the principal and persists both. The state passes through
// StateLoading.
//
// A failure before a token is obtained restores the previous state. A
// failure after the token was stored purges it and ends unauthenticated.
func (s *SessionStore) Login(ctx context.Context, identifier, password string) error {
	prev := s.setLoading()

	token, err := s.requestToken(ctx, identifier, password)
	if err != nil {
		s.restore(prev)
		s.metrics.Inc(MetricLoginFailure)
		s.emitAudit(ctx, AuditLogin, "", false, err, map[string]string{"identifier": identifier})
		return err
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	if err := s.store.SaveToken(ctx, token); err != nil {
		s.persistFailed("save token", err)
	}

	p, err := s.principalFromToken(ctx, token)
	if err != nil {
		s.purge(ctx, "login")
		s.metrics.Inc(MetricLoginFailure)
		s.emitAudit(ctx, AuditLogin, "", false, err, map[string]string{"identifier": identifier})
		return err
	}

	if err := s.store.SavePrincipal(ctx, p); err != nil {
		s.persistFailed("save principal", err)
	}
	s.settleAuthenticated(token, p)

	s.metrics.Inc(MetricLoginSuccess)
	s.emitAudit(ctx, AuditLogin, p.ID, true, nil, nil)
	s.logger.Info("session authenticated", "user_id", p.ID)
	return nil
}

func (s *SessionStore) requestToken(ctx context.Context, identifier, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := s.auth.DoJSON(ctx, gateway.Request{
		Method:    http.MethodPost,
		Path:      pathLogin,
		Body:      map[string]string{"username": identifier, "password": password},
		Strict:    true,
		Anonymous: true,
	}, &resp)
	if err != nil {
		return "", classifyLoginError(err)
	}

	token := strings.TrimSpace(resp.Token)
	if token == "" {
		return "", fmt.Errorf("%w: no token in response", ErrEmptyLoginResponse)
	}
	return token, nil
}

func classifyLoginError(err error) error {
	switch {
	case errors.Is(err, gateway.ErrEmptyResponse), errors.Is(err, gateway.ErrInvalidResponse):
		return fmt.Errorf("%w: %w", ErrEmptyLoginResponse, err)
	}
	if he, ok := gateway.AsHTTPError(err); ok && he.ClientError() {
		return fmt.Errorf("%w: %s", ErrInvalidCredentials, he.Message)
	}
	return err
}

// principalFromToken decodes the user id and fetches a complete principal.
func (s *SessionStore) principalFromToken(ctx context.Context, token string) (*Principal, error) {
	claims, err := jwt.DecodeClaims(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	return s.fetchPrincipal(ctx, claims.UserID)
}

func (s *SessionStore) fetchPrincipal(ctx context.Context, userID string) (*Principal, error) {
	var p Principal
	err := s.auth.DoJSON(ctx, gateway.Request{
		Method: http.MethodGet,
		Path:   pathUsers + url.PathEscape(userID),
	}, &p)
	if err != nil {
		return nil, fmt.Errorf("fetch principal: %w", err)
	}
	if !p.Valid() {
		return nil, ErrPrincipalIncomplete
	}
	s.metrics.Inc(MetricPrincipalFetched)
	return &p, nil
}

// Register validates the form locally, signs up with role USER and then
// logs in with the same credentials.
func (s *SessionStore) Register(ctx context.Context, name, email, password string) error {
	if err := ValidateRegistration(s.policy, name, email, password); err != nil {
		return err
	}

	_, err := s.auth.Do(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   pathRegister,
		Body: map[string]string{
			"name":     strings.TrimSpace(name),
			"email":    strings.TrimSpace(email),
			"password": password,
			"role":     "USER",
		},
		Anonymous: true,
	})
	if err != nil {
		if he, ok := gateway.AsHTTPError(err); ok {
			err = fmt.Errorf("%w: %s", ErrRegistrationFailed, he.Message)
		}
		s.metrics.Inc(MetricRegisterFailure)
		s.emitAudit(ctx, AuditRegister, "", false, err, map[string]string{"email": email})
		return err
	}

	s.metrics.Inc(MetricRegisterSuccess)
	s.emitAudit(ctx, AuditRegister, "", true, nil, map[string]string{"email": email})
	return s.Login(ctx, strings.TrimSpace(email), password)
}

// Logout clears the persisted token and principal. In-memory state always
// resets, even when the backend fails.
func (s *SessionStore) Logout(ctx context.Context) {
	userID := ""
	if snap := s.Snapshot(); snap.Principal != nil {
		userID = snap.Principal.ID
	}

	if err := s.store.Clear(ctx); err != nil {
		s.persistFailed("clear session", err)
	}
	s.settleUnauthenticated()

	s.metrics.Inc(MetricLogout)
	s.emitAudit(ctx, AuditLogout, userID, true, nil, nil)
	s.logger.Info("session cleared", "user_id", userID)
}

/*
====================================
PRINCIPAL
====================================
*/

// SetPrincipal replaces the cached principal after an out-of-band update.
// nil clears the principal and, since a session cannot exist without both,
// the token as well.
func (s *SessionStore) SetPrincipal(ctx context.Context, p *Principal) error {
	if p == nil {
		s.Logout(ctx)
		return nil
	}
	if !p.Valid() {
		return ErrPrincipalIncomplete
	}

	token := s.Token()
	if token == "" {
		return ErrUnauthenticated
	}

	if err := s.store.SavePrincipal(ctx, p); err != nil {
		s.persistFailed("save principal", err)
	}
	s.settleAuthenticated(token, p)
	s.emitAudit(ctx, AuditPrincipalUpdated, p.ID, true, nil, nil)
	return nil
}

// UpdateProfile sends the editable fields to the auth service and adopts
// the returned record. When the service answers without a complete record
// the update is merged into the current principal.
func (s *SessionStore) UpdateProfile(ctx context.Context, upd ProfileUpdate) (*Principal, error) {
	snap := s.Snapshot()
	if !snap.Authenticated() {
		return nil, ErrUnauthenticated
	}
	if upd.Email != "" {
		if err := ValidateEmail(upd.Email); err != nil {
			return nil, err
		}
	}

	var updated Principal
	err := s.auth.DoJSON(ctx, gateway.Request{
		Method: http.MethodPut,
		Path:   pathUsers + url.PathEscape(snap.Principal.ID),
		Body:   upd,
	}, &updated)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}

	if !updated.Valid() {
		merged := snap.Principal.Clone()
		applyProfile(merged, upd)
		updated = *merged
	}
	if err := s.SetPrincipal(ctx, &updated); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

func applyProfile(p *Principal, upd ProfileUpdate) {
	if v := strings.TrimSpace(upd.Name); v != "" {
		p.Name = v
	}
	if v := strings.TrimSpace(upd.Email); v != "" {
		p.Email = v
	}
	if v := strings.TrimSpace(upd.Phone); v != "" {
		p.Phone = v
	}
	if v := strings.TrimSpace(upd.AvatarURL); v != "" {
		p.AvatarURL = v
	}
}

/*
====================================
REHYDRATE
====================================
*/

// Rehydrate restores the session from device storage. It runs at most once
// per store; later calls return immediately. Failures never surface: the
// token is purged and the store ends unauthenticated.
func (s *SessionStore) Rehydrate(ctx context.Context) {
	s.rehydrateOnce.Do(func() {
		s.setLoading()
		if s.rehydrate(ctx) {
			s.metrics.Inc(MetricRehydrateAuthenticated)
			return
		}
		s.metrics.Inc(MetricRehydrateUnauthenticated)
	})
}

func (s *SessionStore) rehydrate(ctx context.Context) bool {
	token, err := s.store.Token(ctx)
	if err != nil {
		s.persistFailed("read token", err)
		s.settleUnauthenticated()
		return false
	}
	if token == "" {
		s.settleUnauthenticated()
		return false
	}

	claims, err := jwt.DecodeClaims(token)
	if err != nil {
		s.logger.Warn("persisted token is malformed", "error", err)
		s.purge(ctx, "malformed")
		return false
	}
	if s.purgeExpired && claims.Expired(s.now(), s.leeway) {
		s.logger.Info("persisted token expired", "user_id", claims.UserID, "expired_at", claims.ExpiresAt)
		s.purge(ctx, "expired")
		return false
	}

	cached, err := s.store.Principal(ctx)
	if err != nil {
		s.logger.Warn("cached principal unreadable", "error", err)
	}
	if cached.Valid() && cached.ID == claims.UserID {
		s.metrics.Inc(MetricPrincipalCacheHit)
		s.settleAuthenticated(token, cached)
		return true
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	p, err := s.fetchPrincipal(ctx, claims.UserID)
	if err != nil && ctx.Err() != nil {
		// Cancelled, not rejected: the stored session stays for the next run.
		s.logger.Info("rehydrate cancelled", "user_id", claims.UserID)
		s.settleUnauthenticated()
		return false
	}
	if err != nil {
		s.logger.Warn("principal fetch failed during rehydrate", "user_id", claims.UserID, "error", err)
		s.purge(ctx, "fetch_failed")
		return false
	}

	if err := s.store.SavePrincipal(ctx, p); err != nil {
		s.persistFailed("save principal", err)
	}
	s.settleAuthenticated(token, p)
	return true
}

// purge drops the persisted session because the token cannot be used.
func (s *SessionStore) purge(ctx context.Context, reason string) {
	if err := s.store.Clear(ctx); err != nil {
		s.persistFailed("purge session", err)
	}
	s.settleUnauthenticated()
	s.metrics.Inc(MetricTokenPurged)
	s.emitAudit(ctx, AuditTokenPurged, "", true, nil, map[string]string{"reason": reason})
}

func (s *SessionStore) persistFailed(op string, err error) {
	s.metrics.Inc(MetricPersistFailure)
	s.logger.Warn("session persistence failed", "op", op, "error", err)
}
