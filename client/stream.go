package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"prism-board/domain"
	"prism-board/presence"
)

func threadPath(threadID string) string {
	return "/api/threads/" + url.PathEscape(threadID)
}

// Dial opens the realtime stream of threadID, resuming after the given
// message id when it is not empty.
func (c *Client) Dial(ctx context.Context, threadID, after string) (presence.Conn, error) {
	spanCtx, span := c.tracer.Start(ctx, "prism.board.stream.dial", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("prism.thread.id", threadID), attribute.String("prism.thread.after", after)))
	defer span.End()

	path := threadPath(threadID) + "/stream"
	if after != "" {
		path += "?after=" + url.QueryEscape(after)
	}
	connCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if err := c.authorize(spanCtx, req); err != nil {
		cancel()
		return nil, err
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		cancel()
		span.SetStatus(codes.Error, err.Error())
		return nil, &domain.NetworkError{Op: "stream.dial", Err: err}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		err := statusError("stream.dial", resp, nil)
		resp.Body.Close()
		cancel()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")

	conn := &sseConn{
		events: make(chan domain.ChannelEvent, 16),
		body:   resp.Body,
		cancel: cancel,
		logger: c.logger.WithField("thread", threadID),
	}
	go conn.read(connCtx)
	return conn, nil
}

type sseConn struct {
	events chan domain.ChannelEvent
	body   io.ReadCloser
	cancel context.CancelFunc
	logger *log.Entry

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (s *sseConn) Events() <-chan domain.ChannelEvent { return s.events }

func (s *sseConn) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *sseConn) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.body.Close()
	})
	return nil
}

func (s *sseConn) read(ctx context.Context) {
	defer close(s.events)
	err := readFrames(s.body, func(f frame) error {
		ev, err := decodeEvent(f)
		if err != nil {
			s.logger.WithError(err).Warn("dropping malformed stream event")
			return nil
		}
		select {
		case s.events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err == nil {
		err = io.EOF
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Send posts a chat message to threadID.
func (c *Client) Send(ctx context.Context, threadID string, msg presence.Outgoing) error {
	return c.do(ctx, call{
		op:     "thread.send",
		method: http.MethodPost,
		path:   threadPath(threadID) + "/messages",
		body:   domain.MessageRequest{Content: msg.Content, ClientID: msg.ClientID},
		attrs:  []attribute.KeyValue{attribute.String("prism.thread.id", threadID)},
	})
}
