package tideflow

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Audit event types emitted by the client.
const (
	AuditLogin             = "login"
	AuditRegister          = "register"
	AuditLogout            = "logout"
	AuditTokenPurged       = "token_purged"
	AuditPrincipalUpdated  = "principal_updated"
	AuditRoleRedirect      = "role_redirect"
	AuditConversationReset = "conversation_reset"
	AuditReportGenerated   = "report_generated"
)

// AuditEvent records one security-relevant client action.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	CompanyID string            `json:"company_id,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives events from the dispatcher goroutine.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink discards events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink hands events to a consumer goroutine.
type ChannelSink struct {
	events chan AuditEvent
}

// NewChannelSink buffers up to buffer events. Emit blocks when the buffer
// is full until the event is read or ctx ends.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan AuditEvent, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink returns a sink writing to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

func (s *JSONWriterSink) Emit(_ context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.writer.Write(data)
}

// SlogSink forwards events to a structured logger at info level.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Emit(ctx context.Context, event AuditEvent) {
	if s.Logger == nil {
		return
	}
	attrs := []any{
		"event", event.EventType,
		"success", event.Success,
	}
	if event.UserID != "" {
		attrs = append(attrs, "user_id", event.UserID)
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, k, v)
	}
	s.Logger.InfoContext(ctx, "audit", attrs...)
}

func (s *SessionStore) emitAudit(ctx context.Context, eventType, userID string, success bool, err error, meta map[string]string) {
	emitAudit(ctx, s.audit, s.now, eventType, userID, success, err, meta)
}

func emitAudit(ctx context.Context, d *auditDispatcher, now func() time.Time, eventType, userID string, success bool, err error, meta map[string]string) {
	if d == nil {
		return
	}
	ev := AuditEvent{
		Timestamp: now(),
		EventType: eventType,
		UserID:    userID,
		Success:   success,
		Metadata:  meta,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	d.Emit(ctx, ev)
}
