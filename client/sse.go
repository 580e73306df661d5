package client

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic"

	"prism-board/domain"
)

const maxFrameSize = 1 << 20

type frame struct {
	ID    string
	Event string
	Data  []byte
}

// readFrames parses a text/event-stream body and calls fn for each complete
// frame. Comment lines are skipped.
func readFrames(r io.Reader, fn func(frame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var cur frame
	var data bytes.Buffer
	hasData := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if hasData {
				cur.Data = append([]byte(nil), data.Bytes()...)
				if err := fn(cur); err != nil {
					return err
				}
			}
			cur, hasData = frame{}, false
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		name, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch name {
		case "id":
			cur.ID = value
		case "event":
			cur.Event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}
	return scanner.Err()
}

// decodeEvent turns a frame into a channel event. Frames without an event
// name carry a full ChannelEvent document.
func decodeEvent(f frame) (domain.ChannelEvent, error) {
	ev := domain.ChannelEvent{Type: f.Event}
	var err error
	switch f.Event {
	case domain.EventMessages:
		err = sonic.Unmarshal(f.Data, &ev.Messages)
	case domain.EventPresence:
		err = sonic.Unmarshal(f.Data, &ev.Roster)
	case domain.EventMessage:
		var m domain.ChatMessage
		if err = sonic.Unmarshal(f.Data, &m); err == nil {
			if m.ID == "" {
				m.ID = f.ID
			}
			ev.Message = &m
		}
	case domain.EventJoin, domain.EventLeave:
		var p domain.PresenceEntry
		if err = sonic.Unmarshal(f.Data, &p); err == nil {
			ev.Member = &p
		}
	case "":
		err = sonic.Unmarshal(f.Data, &ev)
	default:
		return ev, fmt.Errorf("unknown event %q", f.Event)
	}
	if err != nil {
		return ev, fmt.Errorf("decode %s event: %w", f.Event, err)
	}
	return ev, nil
}
