package hub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

func (s *Server) postMessage(c echo.Context) error {
	userID, ok, err := s.authenticate(c, false)
	if !ok {
		return err
	}
	var req domain.MessageRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, "decode", err)
	}
	m := metricsFrom(c)
	start := time.Now()
	msg, err := s.threads.AppendMessage(c.Request().Context(), c.Param("thread"), domain.ChatMessage{
		Author:   userID,
		Content:  req.Content,
		ClientID: req.ClientID,
	})
	m.ObserveStore(time.Since(start))
	if err != nil {
		return s.fail(c, "storage", err)
	}
	m.SetItems(1)
	return c.JSON(http.StatusAccepted, msg)
}

// streamThread serves the realtime events of one thread. The subscription is
// opened before the snapshot is read so no message falls between the two;
// clients drop the duplicates by id.
func (s *Server) streamThread(c echo.Context) error {
	userID, ok, err := s.authenticate(c, true)
	if !ok {
		return err
	}
	threadID := c.Param("thread")
	ctx := c.Request().Context()
	entry := s.logger.WithFields(log.Fields{"thread": threadID, "user": userID})

	sub, err := s.threads.Subscribe(ctx, threadID, s.logger)
	if err != nil {
		return s.fail(c, "subscribe", err)
	}
	defer sub.Close()

	msgs, err := s.threads.Messages(ctx, threadID, c.QueryParam("after"))
	if err != nil {
		return s.fail(c, "storage", err)
	}
	if err := s.threads.Join(ctx, threadID, domain.PresenceEntry{UserID: userID}); err != nil {
		return s.fail(c, "join", err)
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
		defer cancel()
		if err := s.threads.Leave(leaveCtx, threadID, userID); err != nil {
			entry.WithError(err).Warn("leave thread failed")
		}
	}()
	roster, err := s.threads.Roster(ctx, threadID)
	if err != nil {
		return s.fail(c, "storage", err)
	}

	w := c.Response()
	flusher, ok := w.Writer.(http.Flusher)
	if !ok {
		return s.fail(c, "stream", fmt.Errorf("streaming unsupported"))
	}
	h := w.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, ":ok\n\n"); err != nil {
		return nil
	}

	if err := writeEvent(w, "", domain.EventMessages, msgs); err != nil {
		return nil
	}
	if err := writeEvent(w, "", domain.EventPresence, roster); err != nil {
		return nil
	}
	flusher.Flush()
	metricsFrom(c).SetItems(len(msgs))
	entry.WithField("snapshot", len(msgs)).Debug("thread stream opened")

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			entry.Debug("thread stream closed by client")
			return nil
		case <-ticker.C:
			if _, err := io.WriteString(w, ":keepalive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				entry.Warn("thread subscription ended")
				return nil
			}
			if err := writeChannelEvent(w, ev); err != nil {
				entry.WithError(err).Debug("write thread event")
				return nil
			}
			flusher.Flush()
		}
	}
}

func writeChannelEvent(w io.Writer, ev domain.ChannelEvent) error {
	switch ev.Type {
	case domain.EventMessage:
		if ev.Message == nil {
			return nil
		}
		return writeEvent(w, ev.Message.ID, ev.Type, ev.Message)
	case domain.EventJoin, domain.EventLeave:
		if ev.Member == nil {
			return nil
		}
		return writeEvent(w, "", ev.Type, ev.Member)
	case domain.EventMessages:
		return writeEvent(w, "", ev.Type, ev.Messages)
	case domain.EventPresence:
		return writeEvent(w, "", ev.Type, ev.Roster)
	default:
		return writeEvent(w, "", "", ev)
	}
}

// writeEvent writes one event stream frame. Nil slices are sent as empty
// arrays so snapshots always replace client state.
func writeEvent(w io.Writer, id, event string, v any) error {
	switch vv := v.(type) {
	case []domain.ChatMessage:
		if vv == nil {
			v = []domain.ChatMessage{}
		}
	case []domain.PresenceEntry:
		if vv == nil {
			v = []domain.PresenceEntry{}
		}
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(data)+64)
	if id != "" {
		buf = append(buf, "id: "...)
		buf = append(buf, id...)
		buf = append(buf, '\n')
	}
	if event != "" {
		buf = append(buf, "event: "...)
		buf = append(buf, event...)
		buf = append(buf, '\n')
	}
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	_, err = w.Write(buf)
	return err
}
