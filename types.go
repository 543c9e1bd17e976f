package tideflow

import (
	"encoding/json"
	"time"

	"github.com/jeanjacintho/tide-flow-sub000/session"
)

// Principal is the authenticated user record.
type Principal = session.Principal

// SessionState is the lifecycle position of a [SessionStore].
type SessionState uint8

const (
	StateUninitialized SessionState = iota
	StateLoading
	StateAuthenticated
	StateUnauthenticated
)

func (s SessionState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "uninitialized"
	}
}

// SessionSnapshot is an immutable view of the session at one instant.
type SessionSnapshot struct {
	State     SessionState
	Principal *Principal
}

// Loading reports whether the session is not yet settled.
func (s SessionSnapshot) Loading() bool {
	return s.State == StateUninitialized || s.State == StateLoading
}

// Authenticated reports whether a principal is logged in.
func (s SessionSnapshot) Authenticated() bool {
	return s.State == StateAuthenticated && s.Principal != nil
}

// ProfileUpdate carries the editable profile fields. Empty fields are left
// unchanged.
type ProfileUpdate struct {
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// MessageRole identifies the author of a conversation turn.
type MessageRole string

const (
	RoleUser      MessageRole = "USER"
	RoleAssistant MessageRole = "ASSISTANT"
)

// TempIDPrefix marks messages the backend has not yet committed.
const TempIDPrefix = "temp-"

// Message is one conversation turn.
type Message struct {
	ID        string      `json:"id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"createdAt"`
	Sequence  int         `json:"sequenceNumber"`
}

// Temporary reports whether the message is a local placeholder.
func (m Message) Temporary() bool {
	return len(m.ID) >= len(TempIDPrefix) && m.ID[:len(TempIDPrefix)] == TempIDPrefix
}

// Document is an analytics payload the client does not interpret.
type Document = json.RawMessage
