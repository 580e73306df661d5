package domain

import "time"

// ColumnType enumerates the field kinds a column can describe.
type ColumnType string

const (
	ColumnText    ColumnType = "text"
	ColumnNumber  ColumnType = "number"
	ColumnDate    ColumnType = "date"
	ColumnBoolean ColumnType = "boolean"
	ColumnSelect  ColumnType = "select"
	ColumnMembers ColumnType = "members"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case ColumnText, ColumnNumber, ColumnDate, ColumnBoolean, ColumnSelect, ColumnMembers:
		return true
	}
	return false
}

// Column defines one field across all tasks of a board.
type Column struct {
	ID      string     `json:"id"`
	Key     string     `json:"key,omitempty"`
	Name    string     `json:"name"`
	Type    ColumnType `json:"type"`
	Order   int        `json:"order"`
	Visible bool       `json:"visible"`
	Options []string   `json:"options,omitempty"`
}

// FieldKey returns the key used for this column in a task field map.
func (c Column) FieldKey() string {
	if c.Key != "" {
		return c.Key
	}
	return c.ID
}

// Clone returns a copy that does not share the options slice.
func (c Column) Clone() Column {
	if c.Options != nil {
		c.Options = append([]string(nil), c.Options...)
	}
	return c
}

// Member is a board participant that can be assigned to tasks.
type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Attachment is file metadata returned by the upload endpoint.
type Attachment struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	OriginalName string    `json:"originalName"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Task is a single board row.
type Task struct {
	ID          string         `json:"id"`
	Order       int            `json:"order"`
	Fields      map[string]any `json:"fields,omitempty"`
	Members     []Member       `json:"members,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	ThreadID    string         `json:"threadId,omitempty"`
	Revision    int64          `json:"revision"`
}

// Clone returns a copy of t that shares no maps or slices with the original.
// Field values themselves are treated as immutable.
func (t Task) Clone() Task {
	if t.Fields != nil {
		fields := make(map[string]any, len(t.Fields))
		for k, v := range t.Fields {
			fields[k] = v
		}
		t.Fields = fields
	}
	if t.Members != nil {
		t.Members = append([]Member(nil), t.Members...)
	}
	if t.Attachments != nil {
		t.Attachments = append([]Attachment(nil), t.Attachments...)
	}
	return t
}

// Board is the ordered container of columns and tasks.
type Board struct {
	ID      string   `json:"id"`
	Columns []Column `json:"columns"`
	Tasks   []Task   `json:"tasks"`
}
