package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Fixed keys of the persisted device state.
const (
	KeyToken          = "token"
	KeyPrincipal      = "user"
	KeyConversationID = "conversation_id"
)

// DefaultPrefix namespaces keys when the caller supplies none.
const DefaultPrefix = "tideflow"

// ErrNotFound is returned by a [Backend] when a key holds no value.
var ErrNotFound = errors.New("session key not found")

// ErrBackendUnavailable wraps I/O failures of the underlying backend.
var ErrBackendUnavailable = errors.New("session backend unavailable")

// Backend is the key/value surface the store persists through.
// Delete must be idempotent.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Store reads and writes the device session state. It is the single writer
// of the token and principal keys.
type Store struct {
	backend Backend
	prefix  string
}

// NewStore creates a [Store] over backend. An empty prefix uses
// [DefaultPrefix].
func NewStore(backend Backend, prefix string) *Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{backend: backend, prefix: prefix}
}

func (s *Store) key(name string) string {
	return s.prefix + ":" + name
}

// Token returns the persisted bearer token, or "" when none is stored.
func (s *Store) Token(ctx context.Context) (string, error) {
	v, err := s.getString(ctx, KeyToken)
	if err != nil {
		return "", err
	}
	return v, nil
}

// SaveToken persists the bearer token.
func (s *Store) SaveToken(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("empty token")
	}
	return s.set(ctx, KeyToken, []byte(token))
}

// ClearToken removes the bearer token.
func (s *Store) ClearToken(ctx context.Context) error {
	return s.delete(ctx, KeyToken)
}

// Principal returns the cached principal or nil when none is stored.
// Records in a legacy format are rewritten in the current format; a failed
// rewrite does not fail the read.
func (s *Store) Principal(ctx context.Context) (*Principal, error) {
	data, err := s.get(ctx, KeyPrincipal)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	p, version, err := DecodePrincipal(data)
	if err != nil {
		return nil, err
	}

	if version != FormatVersionCurrent {
		if encoded, encErr := EncodePrincipal(p); encErr == nil {
			_ = s.set(ctx, KeyPrincipal, encoded)
		}
	}

	return p, nil
}

// SavePrincipal persists p in the current format.
func (s *Store) SavePrincipal(ctx context.Context, p *Principal) error {
	data, err := EncodePrincipal(p)
	if err != nil {
		return err
	}
	return s.set(ctx, KeyPrincipal, data)
}

// ClearPrincipal removes the cached principal.
func (s *Store) ClearPrincipal(ctx context.Context) error {
	return s.delete(ctx, KeyPrincipal)
}

// ConversationID returns the active conversation id, or "".
func (s *Store) ConversationID(ctx context.Context) (string, error) {
	return s.getString(ctx, KeyConversationID)
}

// SaveConversationID persists the active conversation id.
func (s *Store) SaveConversationID(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("empty conversation id")
	}
	return s.set(ctx, KeyConversationID, []byte(id))
}

// ClearConversationID forgets the active conversation.
func (s *Store) ClearConversationID(ctx context.Context) error {
	return s.delete(ctx, KeyConversationID)
}

// Clear removes token and principal. Both deletes are attempted even if the
// first fails; the returned error joins every failure.
func (s *Store) Clear(ctx context.Context) error {
	return errors.Join(s.ClearToken(ctx), s.ClearPrincipal(ctx))
}

func (s *Store) getString(ctx context.Context, name string) (string, error) {
	data, err := s.get(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Store) get(ctx context.Context, name string) ([]byte, error) {
	if s == nil || s.backend == nil {
		return nil, ErrNotFound
	}
	data, err := s.backend.Get(ctx, s.key(name))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, wrapUnavailable(err)
	}
	return data, nil
}

func (s *Store) set(ctx context.Context, name string, value []byte) error {
	if s == nil || s.backend == nil {
		return ErrBackendUnavailable
	}
	if err := s.backend.Set(ctx, s.key(name), value); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, name string) error {
	if s == nil || s.backend == nil {
		return nil
	}
	if err := s.backend.Delete(ctx, s.key(name)); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

func wrapUnavailable(err error) error {
	if errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
