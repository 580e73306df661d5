// Package storage holds the hub's persistence: board stores, the chat thread
// store, the reorder sequence guard and the attachment file store.
package storage

import (
	"fmt"

	"prism-board/domain"
)

// applyPayload merges an accepted row update into t and bumps its revision.
// Member names already known on the task are kept.
func applyPayload(t domain.Task, p domain.RowPayload) domain.Task {
	out := t.Clone()
	if out.Fields == nil {
		out.Fields = make(map[string]any, len(p.Fields))
	}
	for k, v := range p.Fields {
		out.Fields[k] = v
	}
	known := make(map[string]domain.Member, len(t.Members))
	for _, m := range t.Members {
		known[m.ID] = m
	}
	members := make([]domain.Member, 0, len(p.MemberIDs))
	seen := make(map[string]struct{}, len(p.MemberIDs))
	for _, id := range p.MemberIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if m, ok := known[id]; ok {
			members = append(members, m)
		} else {
			members = append(members, domain.Member{ID: id})
		}
	}
	out.Members = members
	out.Revision = t.Revision + 1
	return out
}

func checkOrderBatch(ids []string, orders []int) error {
	if len(ids) != len(orders) {
		return &domain.ValidationError{Field: "orders", Reason: fmt.Sprintf("%d ids but %d orders", len(ids), len(orders))}
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return &domain.ValidationError{Field: "ids", Reason: "duplicate id " + id}
		}
		seen[id] = struct{}{}
	}
	return nil
}

func checkColumns(cols []domain.Column) error {
	seen := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		if c.ID == "" {
			return &domain.ValidationError{Field: "columns", Reason: "column id required"}
		}
		if !c.Type.Valid() {
			return &domain.ValidationError{Field: "columns", Reason: fmt.Sprintf("column %s has unknown type %q", c.ID, c.Type)}
		}
		if _, dup := seen[c.ID]; dup {
			return &domain.ValidationError{Field: "columns", Reason: "duplicate column " + c.ID}
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}
