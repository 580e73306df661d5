// Package client is the HTTP and SSE implementation of the collaborators the
// board engine talks to.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"prism-board/domain"
)

const tracerName = "prism-board/client"

// SessionHeader carries the client session id. Reorder sequence numbers are
// scoped to it on the hub.
const SessionHeader = "X-Client-Session"

// TokenSource returns the bearer token for a request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns tok.
func StaticToken(tok string) TokenSource {
	return func(context.Context) (string, error) { return tok, nil }
}

// Client talks to a board hub.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
	upload  *http.Client
	token   TokenSource
	logger  *log.Logger
	tracer  trace.Tracer
	session string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for request/response calls.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithUploadClient sets the client used for attachment uploads. Each upload
// is bounded by its context, so it should not carry an overall timeout.
func WithUploadClient(h *http.Client) Option { return func(c *Client) { c.upload = h } }

// WithStreamClient sets the client used for realtime streams. It should not
// carry an overall timeout.
func WithStreamClient(h *http.Client) Option { return func(c *Client) { c.stream = h } }

func WithToken(ts TokenSource) Option { return func(c *Client) { c.token = ts } }
func WithLogger(l *log.Logger) Option { return func(c *Client) { c.logger = l } }

// WithSession overrides the generated session id.
func WithSession(id string) Option { return func(c *Client) { c.session = id } }

// New creates a client for the hub at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		stream:  &http.Client{},
		upload:  &http.Client{},
		logger:  log.StandardLogger(),
		session: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tracer = otel.Tracer(tracerName)
	return c
}

// call describes one request/response exchange.
type call struct {
	op          string
	method      string
	path        string
	body        any
	reader      io.Reader
	contentType string
	out         any
	// client overrides the request/response client.
	client *http.Client
	// conflict is the sentinel a 409 maps to.
	conflict error
	attrs    []attribute.KeyValue
}

func (c *Client) do(ctx context.Context, cl call) (err error) {
	ctx, span := c.tracer.Start(ctx, "prism.board."+cl.op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("http.method", cl.method),
			attribute.String("http.route", cl.path),
		}, cl.attrs...)...))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		c.logger.WithFields(log.Fields{"op": cl.op, "path": cl.path, "duration_ms": float64(time.Since(start)) / float64(time.Millisecond)}).Debug("board.client.call")
	}()

	req, err := c.newRequest(ctx, cl)
	if err != nil {
		return err
	}
	hc := c.http
	if cl.client != nil {
		hc = cl.client
	}
	resp, err := hc.Do(req)
	if err != nil {
		return &domain.NetworkError{Op: cl.op, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 300 {
		return statusError(cl.op, resp, cl.conflict)
	}
	if cl.out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.NetworkError{Op: cl.op, Status: resp.StatusCode, Err: err}
	}
	if err := sonic.Unmarshal(data, cl.out); err != nil {
		return &domain.NetworkError{Op: cl.op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, cl call) (*http.Request, error) {
	body, contentType := cl.reader, cl.contentType
	if cl.body != nil {
		data, err := sonic.Marshal(cl.body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", cl.op, err)
		}
		body, contentType = bytes.NewReader(data), "application/json"
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Session returns the id sent in SessionHeader unless the request context
// carries its own (see domain.WithClientSession).
func (c *Client) Session() string { return c.session }

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	session := c.session
	if id := domain.ClientSession(ctx); id != "" {
		session = id
	}
	if session != "" {
		req.Header.Set(SessionHeader, session)
	}
	if c.token == nil {
		return nil
	}
	tok, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return nil
}

// statusError maps a failed response to the engine's error taxonomy.
func statusError(op string, resp *http.Response, conflict error) error {
	msg := readErrorMessage(resp)
	switch {
	case resp.StatusCode == http.StatusConflict && conflict != nil:
		return fmt.Errorf("%s: %w: %s", op, conflict, msg)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %s", op, domain.ErrNotFound, msg)
	default:
		return &domain.NetworkError{Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
	}
}

func readErrorMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body domain.ErrorResponse
	if err := sonic.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return http.StatusText(resp.StatusCode)
}
