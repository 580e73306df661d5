package domain

import "time"

// ChatMessage is one entry of a task's chat thread.
type ChatMessage struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId,omitempty"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	ClientID  string    `json:"clientId,omitempty"`
	// Pending marks a locally appended message awaiting its server echo.
	Pending bool `json:"-"`
}

// PresenceEntry is one participant of a thread's online roster.
type PresenceEntry struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Realtime event names delivered on a thread channel.
const (
	EventMessages = "messages"
	EventPresence = "presence"
	EventMessage  = "message"
	EventJoin     = "join"
	EventLeave    = "leave"
)

// ChannelEvent is a decoded realtime event.
type ChannelEvent struct {
	Type     string          `json:"type"`
	Messages []ChatMessage   `json:"messages,omitempty"`
	Roster   []PresenceEntry `json:"roster,omitempty"`
	Message  *ChatMessage    `json:"message,omitempty"`
	Member   *PresenceEntry  `json:"member,omitempty"`
}
