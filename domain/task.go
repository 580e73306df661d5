package domain

import (
	"reflect"

	"github.com/bytedance/sonic"
)

// TaskDelta carries a partial change to a task. Nil members are left untouched,
// so the order owner and the field owner can update the same record without
// clobbering each other.
type TaskDelta struct {
	Order       *int
	Fields      map[string]any
	Members     *[]Member
	Attachments []Attachment
	Revision    *int64
}

// MergeTask applies d to base and returns the result. Fields are merged key by
// key; attachments are appended unless an attachment with the same id exists.
func MergeTask(base Task, d TaskDelta) Task {
	out := base.Clone()
	if d.Order != nil {
		out.Order = *d.Order
	}
	if len(d.Fields) > 0 {
		if out.Fields == nil {
			out.Fields = make(map[string]any, len(d.Fields))
		}
		for k, v := range d.Fields {
			out.Fields[k] = v
		}
	}
	if d.Members != nil {
		out.Members = append([]Member(nil), (*d.Members)...)
	}
	if len(d.Attachments) > 0 {
		out.Attachments = MergeAttachments(out.Attachments, d.Attachments)
	}
	if d.Revision != nil {
		out.Revision = *d.Revision
	}
	return out
}

// MergeAttachments appends incoming attachments that are not already present.
func MergeAttachments(existing, incoming []Attachment) []Attachment {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]Attachment, 0, len(existing)+len(incoming))
	for _, a := range existing {
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	for _, a := range incoming {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out
}

// NormalizeMemberIDs extracts member ids, dropping blanks and duplicates while
// keeping first-occurrence order.
func NormalizeMemberIDs(members []Member) []string {
	ids := make([]string, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m.ID == "" {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		ids = append(ids, m.ID)
	}
	return ids
}

// RowPayload is the full-row body of a partial row update.
type RowPayload struct {
	Fields    map[string]any `json:"fields"`
	MemberIDs []string       `json:"memberIds"`
	Revision  int64          `json:"revision"`
}

// PayloadFor builds the update payload for t.
func PayloadFor(t Task) RowPayload {
	fields := t.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return RowPayload{Fields: fields, MemberIDs: NormalizeMemberIDs(t.Members), Revision: t.Revision}
}

type snapshotBody struct {
	Fields    map[string]any `json:"fields"`
	MemberIDs []string       `json:"memberIds"`
}

// Snapshot serializes the business half of a task canonically. Order,
// attachments and revision are excluded: they are owned elsewhere.
func Snapshot(t Task) ([]byte, error) {
	body := snapshotBody{Fields: t.Fields, MemberIDs: NormalizeMemberIDs(t.Members)}
	if body.Fields == nil {
		body.Fields = map[string]any{}
	}
	return sonic.ConfigStd.Marshal(body)
}

// ValuesEqual compares two field values.
func ValuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
