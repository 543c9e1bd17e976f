package tideflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeanjacintho/tide-flow-sub000/gateway"
	"github.com/jeanjacintho/tide-flow-sub000/session"
)

// AI service endpoints.
const (
	pathConversations = "/api/conversations"
	pathTranscribe    = "/api/conversations/transcribe"
)

// ErrConversationClosed is returned by calls made after Close.
var ErrConversationClosed = errors.New("conversation closed")

// ConversationView is what a surface renders.
type ConversationView struct {
	ID       string
	Messages []Message
	Sending  bool
}

// Conversation is the view-model of one chat thread. It inserts the user's
// message optimistically, rolls it back on failure and reconciles with the
// server's history once a conversation id is known.
//
// Sends are not serialized: the surface disables input while Sending is
// true.
type Conversation struct {
	ai       *gateway.Client
	sessions SnapshotSource
	store    *session.Store
	logger   *slog.Logger
	metrics  *Metrics
	audit    *auditDispatcher
	now      func() time.Time

	mu       sync.Mutex
	id       string
	messages []Message
	nextSeq  int
	inFlight int
	closed   bool

	listeners    map[uint64]func(ConversationView)
	nextListener uint64
}

type conversationDeps struct {
	ai       *gateway.Client
	sessions SnapshotSource
	store    *session.Store
	logger   *slog.Logger
	metrics  *Metrics
	audit    *auditDispatcher
	now      func() time.Time
}

func newConversation(d conversationDeps) *Conversation {
	return &Conversation{
		ai:        d.ai,
		sessions:  d.sessions,
		store:     d.store,
		logger:    d.logger,
		metrics:   d.metrics,
		audit:     d.audit,
		now:       d.now,
		listeners: make(map[uint64]func(ConversationView)),
	}
}

// ID returns the active conversation id, or "" before the first send.
func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Messages returns a copy of the visible list.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// Sending reports whether a send is in flight.
func (c *Conversation) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight > 0
}

// View returns everything a surface renders in one consistent read.
func (c *Conversation) View() ConversationView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Conversation) viewLocked() ConversationView {
	return ConversationView{
		ID:       c.id,
		Messages: append([]Message(nil), c.messages...),
		Sending:  c.inFlight > 0,
	}
}

// Subscribe registers fn to run after every change of the view.
func (c *Conversation) Subscribe(fn func(ConversationView)) func() {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// update mutates state under the lock and notifies listeners outside it.
// It reports false, without calling mutate, once the view-model is closed.
func (c *Conversation) update(mutate func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	mutate()
	view := c.viewLocked()
	fns := make([]func(ConversationView), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(view)
	}
	return true
}

// Close detaches the view-model. Requests already in flight complete, but
// their results are discarded.
func (c *Conversation) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.listeners = map[uint64]func(ConversationView){}
}

func (c *Conversation) userID() (string, error) {
	snap := c.sessions.Snapshot()
	if !snap.Authenticated() {
		return "", ErrUnauthenticated
	}
	return snap.Principal.ID, nil
}

/*
====================================
SEND
====================================
*/

type sendRequest struct {
	UserID         string  `json:"userId"`
	Message        string  `json:"message"`
	ConversationID *string `json:"conversationId"`
}

type sendResponse struct {
	AIResponse     *string `json:"aiResponse"`
	Response       *string `json:"response"`
	ConversationID string  `json:"conversationId"`
	IsComplete     bool    `json:"isComplete"`
}

// Send posts text to the AI service and returns the assistant reply.
//
// The user's message is visible before the request is issued. On failure
// exactly that message is removed and the error returned; previously
// confirmed messages are untouched.
func (c *Conversation) Send(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, fmt.Errorf("%w: message is empty", ErrValidationFailed)
	}
	userID, err := c.userID()
	if err != nil {
		return Message{}, err
	}

	temp := Message{
		ID:        TempIDPrefix + uuid.NewString(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: c.now(),
	}
	var convID string
	ok := c.update(func() {
		temp.Sequence = c.nextSeq
		c.nextSeq++
		c.messages = append(c.messages, temp)
		c.inFlight++
		convID = c.id
	})
	if !ok {
		return Message{}, ErrConversationClosed
	}

	req := sendRequest{UserID: userID, Message: text}
	if convID != "" {
		req.ConversationID = &convID
	}

	var resp sendResponse
	err = c.ai.DoJSON(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   pathConversations,
		Body:   req,
	}, &resp)
	if err != nil {
		return Message{}, c.rollback(ctx, temp.ID, convID, err)
	}

	reply := Message{
		ID:        TempIDPrefix + uuid.NewString(),
		Role:      RoleAssistant,
		Content:   c.replyText(resp),
		CreatedAt: c.now(),
	}
	var (
		newID   string
		adopted bool
	)
	ok = c.update(func() {
		if resp.ConversationID != "" && resp.ConversationID != c.id {
			c.id = resp.ConversationID
			adopted = true
		}
		reply.Sequence = c.nextSeq
		c.nextSeq++
		c.messages = append(c.messages, reply)
		c.inFlight--
		newID = c.id
	})
	if !ok {
		return reply, nil
	}
	c.metrics.Inc(MetricMessageSent)

	if adopted {
		if err := c.store.SaveConversationID(ctx, newID); err != nil {
			c.metrics.Inc(MetricPersistFailure)
			c.logger.Warn("persist conversation id failed", "conversation_id", newID, "error", err)
		}
	}

	if newID != "" {
		if err := c.Reload(ctx); err != nil {
			c.logger.Warn("history reload after send failed", "conversation_id", newID, "error", err)
		}
	}
	return reply, nil
}

func (c *Conversation) replyText(resp sendResponse) string {
	if resp.AIResponse != nil {
		return *resp.AIResponse
	}
	if resp.Response != nil {
		c.logger.Warn("conversation reply used legacy field", "field", "response", "expected", "aiResponse")
		return *resp.Response
	}
	return ""
}

func (c *Conversation) rollback(ctx context.Context, tempID, convID string, cause error) error {
	c.metrics.Inc(MetricMessageRolledBack)

	stale := convID != "" && isConversationNotFound(cause)
	c.update(func() {
		for i, m := range c.messages {
			if m.ID == tempID {
				c.messages = append(c.messages[:i:i], c.messages[i+1:]...)
				break
			}
		}
		c.inFlight--
		if stale && c.id == convID {
			c.id = ""
		}
	})

	if stale {
		c.forgetPersisted(ctx)
		return fmt.Errorf("%w: %w", ErrConversationNotFound, cause)
	}
	return cause
}

/*
====================================
HISTORY
====================================
*/

// Reload replaces the visible list with the server's history. A conversation
// the backend no longer knows is forgotten locally and the view starts over
// empty; that case returns nil.
func (c *Conversation) Reload(ctx context.Context) error {
	id := c.ID()
	if id == "" {
		return nil
	}
	userID, err := c.userID()
	if err != nil {
		return err
	}

	doc, err := c.ai.Do(ctx, gateway.Request{
		Method: http.MethodGet,
		Path:   pathConversations + "/" + url.PathEscape(id),
		Header: http.Header{gateway.HeaderUserID: {userID}},
	})
	if err != nil {
		if isConversationNotFound(err) {
			c.metrics.Inc(MetricConversationNotFound)
			c.logger.Info("conversation not found, starting over", "conversation_id", id)
			c.reset(ctx, id)
			return nil
		}
		return err
	}

	msgs, ok, err := decodeHistory(doc)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Warn("conversation history carried no messages, keeping local list", "conversation_id", id)
		return nil
	}
	c.metrics.Inc(MetricHistoryReload)

	c.update(func() {
		if c.id != id {
			return
		}
		c.messages = msgs
		c.nextSeq = nextSequence(msgs)
	})
	return nil
}

// Restore reads the persisted conversation id and loads its history so a
// returning user continues the previous thread.
func (c *Conversation) Restore(ctx context.Context) error {
	id, err := c.store.ConversationID(ctx)
	if err != nil {
		c.logger.Warn("read conversation id failed", "error", err)
		return nil
	}
	if id == "" {
		return nil
	}
	if !c.update(func() { c.id = id }) {
		return ErrConversationClosed
	}
	return c.Reload(ctx)
}

// Reset starts a new conversation; the next send lets the backend mint an id.
func (c *Conversation) Reset(ctx context.Context) {
	id := c.ID()
	c.reset(ctx, id)

	userID, _ := c.userID()
	c.metrics.Inc(MetricConversationReset)
	emitAudit(ctx, c.audit, c.now, AuditConversationReset, userID, true, nil, map[string]string{"conversation_id": id})
}

// reset clears local state if the active id is still expected.
func (c *Conversation) reset(ctx context.Context, expected string) {
	c.update(func() {
		if c.id != expected {
			return
		}
		c.id = ""
		c.messages = nil
		c.nextSeq = 0
	})
	c.forgetPersisted(ctx)
}

func (c *Conversation) forgetPersisted(ctx context.Context) {
	if err := c.store.ClearConversationID(ctx); err != nil {
		c.metrics.Inc(MetricPersistFailure)
		c.logger.Warn("clear conversation id failed", "error", err)
	}
}

func isConversationNotFound(err error) bool {
	if errors.Is(err, gateway.ErrNotFound) {
		return true
	}
	he, ok := gateway.AsHTTPError(err)
	return ok && he.ClientError() && strings.Contains(strings.ToLower(he.Message), "not found")
}

func nextSequence(msgs []Message) int {
	next := 0
	for _, m := range msgs {
		if m.Sequence >= next {
			next = m.Sequence + 1
		}
	}
	return next
}

/*
====================================
TRANSCRIPTION
====================================
*/

// Transcribe uploads recorded audio and returns the transcript. The caller
// decides whether to send it.
func (c *Conversation) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	if audio == nil {
		return "", fmt.Errorf("%w: no audio", ErrValidationFailed)
	}
	userID, err := c.userID()
	if err != nil {
		return "", err
	}

	name := filepath.Base(filename)
	if name == "." || name == string(filepath.Separator) {
		name = "audio.m4a"
	}
	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}

	var out struct {
		Transcript string `json:"transcript"`
	}
	err = c.ai.DoJSON(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   pathTranscribe,
		Header: http.Header{gateway.HeaderUserID: {userID}},
		Multipart: &gateway.Multipart{Files: []gateway.File{{
			Field:       "audio",
			Name:        name,
			ContentType: ctype,
			Content:     audio,
		}}},
	}, &out)
	if err != nil {
		return "", err
	}

	c.metrics.Inc(MetricTranscription)
	return strings.TrimSpace(out.Transcript), nil
}

/*
====================================
WIRE FORMAT
====================================
*/

type wireMessage struct {
	ID             flexString `json:"id"`
	Role           string     `json:"role"`
	Content        string     `json:"content"`
	CreatedAt      string     `json:"createdAt"`
	SequenceNumber *int       `json:"sequenceNumber"`
	Sequence       *int       `json:"sequence"`
}

// decodeHistory accepts a bare message array or an object with a
// "messages" array. Order is kept as the server sent it. ok is false when
// the document holds neither, as with the empty object a 204 yields.
func decodeHistory(doc json.RawMessage) (msgs []Message, ok bool, err error) {
	trimmed := bytes.TrimSpace(doc)

	var wire []wireMessage
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return nil, false, fmt.Errorf("%w: history: %v", gateway.ErrInvalidResponse, err)
		}
	} else {
		var env struct {
			Messages *[]wireMessage `json:"messages"`
		}
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, false, fmt.Errorf("%w: history: %v", gateway.ErrInvalidResponse, err)
		}
		if env.Messages == nil {
			return nil, false, nil
		}
		wire = *env.Messages
	}

	out := make([]Message, 0, len(wire))
	for i, w := range wire {
		seq := i
		switch {
		case w.SequenceNumber != nil:
			seq = *w.SequenceNumber
		case w.Sequence != nil:
			seq = *w.Sequence
		}
		out = append(out, Message{
			ID:        string(w.ID),
			Role:      MessageRole(strings.ToUpper(w.Role)),
			Content:   w.Content,
			CreatedAt: parseTimestamp(w.CreatedAt),
			Sequence:  seq,
		})
	}
	return out, true, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// flexString decodes a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
