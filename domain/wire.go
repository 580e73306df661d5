package domain

import "context"

// ReorderRequest is the body of a row order batch update.
type ReorderRequest struct {
	IDs    []string `json:"ids"`
	Orders []int    `json:"orders"`
	Seq    uint64   `json:"seq"`
}

// ColumnsRequest replaces the full column list of a board.
type ColumnsRequest struct {
	Columns []Column `json:"columns"`
	Seq     uint64   `json:"seq"`
}

// MessageRequest posts a chat message. ClientID lets the sender match the
// echoed message to a pending local copy.
type MessageRequest struct {
	Content  string `json:"content"`
	ClientID string `json:"clientId,omitempty"`
}

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

type clientSessionKey struct{}

// WithClientSession marks requests made with ctx as belonging to client
// session id. Reorder sequence numbers are scoped to that session.
func WithClientSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientSessionKey{}, id)
}

// ClientSession returns the session id set by WithClientSession.
func ClientSession(ctx context.Context) string {
	id, _ := ctx.Value(clientSessionKey{}).(string)
	return id
}
