// Package gateway performs authenticated calls to the Tide Flow backends and
// normalizes every outcome into one contract: a JSON document (possibly the
// empty object), an *HTTPError, or ErrServiceUnreachable.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 4 << 20

	// HeaderRequestID is set on every outgoing request.
	HeaderRequestID = "X-Request-Id"
	// HeaderUserID scopes conversation calls to the caller.
	HeaderUserID = "X-User-Id"
)

// EmptyObject is returned for successful responses that carry no JSON.
var EmptyObject = json.RawMessage(`{}`)

// TokenSource yields the current bearer token, or "" when there is none.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a function to [TokenSource].
type TokenFunc func() string

// Token calls f.
func (f TokenFunc) Token() string { return f() }

// Observer receives one call per completed request. Status is 0 when no
// response was received.
type Observer func(method, path string, status int, elapsed time.Duration)

// Client talks to one backend base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
	observe    Observer
}

// Option configures a Client at construction.
type Option func(*Client)

// WithHTTPClient replaces the default client. A nil hc is ignored.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTokenSource supplies the bearer token attached to each request.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithLogger sets the request logger. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver installs o to receive the status and latency of every request.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observe = o }
}

// New creates a client for baseURL. Trailing slashes are trimmed.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// File is one multipart file part.
type File struct {
	Field       string
	Name        string
	ContentType string
	Content     io.Reader
}

// Multipart is a multipart/form-data body.
type Multipart struct {
	Fields map[string]string
	Files  []File
}

// Request describes one call. Body, when non-nil, is JSON encoded; it is
// ignored when Multipart is set.
type Request struct {
	Method    string
	Path      string
	Query     url.Values
	Header    http.Header
	Body      any
	Multipart *Multipart

	// Strict turns an empty or unparseable 2xx body into an error instead
	// of the empty object. Used for the login endpoint, which cannot
	// legitimately succeed without a token.
	Strict bool
	// Anonymous suppresses the bearer token.
	Anonymous bool
}

// Do executes req and returns the response document.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.finish(req, 0, start)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Debug("gateway request failed",
			"method", httpReq.Method, "path", req.Path, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrServiceUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.finish(req, resp.StatusCode, start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: read body: %v", ErrServiceUnreachable, err)
	}

	c.logger.Debug("gateway request",
		"method", httpReq.Method,
		"path", req.Path,
		"status", resp.StatusCode,
		"request_id", httpReq.Header.Get(HeaderRequestID),
		"elapsed", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, body)}
	}

	return successBody(resp, body, req.Strict)
}

// DoJSON executes req and decodes the document into out. A nil out discards
// the document.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) error {
	doc, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(doc, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if !strings.HasPrefix(req.Path, "/") {
		return nil, fmt.Errorf("gateway: path %q must start with /", req.Path)
	}

	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.Multipart != nil:
		buf, ct, err := encodeMultipart(req.Multipart)
		if err != nil {
			return nil, err
		}
		body, contentType = buf, ct
	case req.Body != nil:
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("gateway: encode request body: %w", err)
		}
		body, contentType = bytes.NewReader(data), "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(HeaderRequestID, uuid.NewString())

	if !req.Anonymous && c.tokens != nil {
		if tok := strings.TrimSpace(c.tokens.Token()); tok != "" {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	return httpReq, nil
}

func (c *Client) finish(req Request, status int, start time.Time) {
	if c.observe == nil {
		return
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	c.observe(method, req.Path, status, time.Since(start))
}

func successBody(resp *http.Response, body []byte, strict bool) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)

	if strict {
		if len(trimmed) == 0 {
			return nil, ErrEmptyResponse
		}
		if !json.Valid(trimmed) {
			return nil, ErrInvalidResponse
		}
		return json.RawMessage(trimmed), nil
	}

	if resp.StatusCode == http.StatusNoContent || len(trimmed) == 0 || !isJSON(resp.Header.Get("Content-Type")) {
		return emptyObject(), nil
	}
	if !json.Valid(trimmed) {
		return emptyObject(), nil
	}
	return json.RawMessage(trimmed), nil
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// errorMessage prefers a JSON "message", then "error", then the raw text.
func errorMessage(status int, body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return fmt.Sprintf("HTTP error %d", status)
	}

	var parsed struct {
		Message json.RawMessage `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal(trimmed, &parsed) == nil {
		if msg := jsonText(parsed.Message); msg != "" {
			return msg
		}
		if msg := jsonText(parsed.Error); msg != "" {
			return msg
		}
	}
	return string(trimmed)
}

func jsonText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var nested struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &nested) == nil {
		return strings.TrimSpace(nested.Message)
	}
	return ""
}

func encodeMultipart(m *Multipart) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	for k, v := range m.Fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("gateway: multipart field %s: %w", k, err)
		}
	}
	for _, f := range m.Files {
		if f.Content == nil {
			return nil, "", errors.New("gateway: multipart file has no content")
		}
		part, err := createFilePart(w, f)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return nil, "", fmt.Errorf("gateway: multipart copy %s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

func createFilePart(w *multipart.Writer, f File) (io.Writer, error) {
	if f.ContentType == "" {
		return w.CreateFormFile(f.Field, f.Name)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.Field, f.Name))
	h.Set("Content-Type", f.ContentType)
	return w.CreatePart(h)
}

func emptyObject() json.RawMessage {
	return append(json.RawMessage(nil), EmptyObject...)
}
