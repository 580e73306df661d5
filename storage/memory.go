package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"prism-board/domain"
)

// Memory is a board store kept in process memory. It backs local runs and
// tests of the hub.
type Memory struct {
	mu     sync.RWMutex
	boards map[string]*domain.Board
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{boards: make(map[string]*domain.Board)}
}

// PutBoard stores b, replacing any board with the same id.
func (m *Memory) PutBoard(ctx context.Context, b domain.Board) error {
	if b.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "board id required"}
	}
	cp := cloneBoard(b)
	m.mu.Lock()
	m.boards[b.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadBoard(ctx context.Context, boardID string) (domain.Board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.boards[boardID]
	if !ok {
		return domain.Board{}, fmt.Errorf("board %s: %w", boardID, domain.ErrNotFound)
	}
	out := cloneBoard(*b)
	sortBoard(&out)
	return out, nil
}

func (m *Memory) Task(ctx context.Context, boardID, taskID string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.taskLocked(boardID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	return t.Clone(), nil
}

func (m *Memory) taskLocked(boardID, taskID string) (*domain.Task, error) {
	b, ok := m.boards[boardID]
	if !ok {
		return nil, fmt.Errorf("board %s: %w", boardID, domain.ErrNotFound)
	}
	for i := range b.Tasks {
		if b.Tasks[i].ID == taskID {
			return &b.Tasks[i], nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
}

// UpdateTask applies p when p.Revision matches the stored revision.
func (m *Memory) UpdateTask(ctx context.Context, boardID, taskID string, p domain.RowPayload) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.taskLocked(boardID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Revision != p.Revision {
		return domain.Task{}, fmt.Errorf("task %s at revision %d, update based on %d: %w", taskID, t.Revision, p.Revision, domain.ErrRevisionConflict)
	}
	*t = applyPayload(*t, p)
	return t.Clone(), nil
}

func (m *Memory) ReorderTasks(ctx context.Context, boardID string, ids []string, orders []int) error {
	if err := checkOrderBatch(ids, orders); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[boardID]
	if !ok {
		return fmt.Errorf("board %s: %w", boardID, domain.ErrNotFound)
	}
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = orders[i]
	}
	for i := range b.Tasks {
		if o, ok := pos[b.Tasks[i].ID]; ok {
			b.Tasks[i].Order = o
		}
	}
	return nil
}

func (m *Memory) ReplaceColumns(ctx context.Context, boardID string, cols []domain.Column) error {
	if err := checkColumns(cols); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[boardID]
	if !ok {
		return fmt.Errorf("board %s: %w", boardID, domain.ErrNotFound)
	}
	b.Columns = make([]domain.Column, len(cols))
	for i, c := range cols {
		b.Columns[i] = c.Clone()
	}
	return nil
}

// AddAttachments appends atts to the task, skipping ids already present.
func (m *Memory) AddAttachments(ctx context.Context, boardID, taskID string, atts []domain.Attachment) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.taskLocked(boardID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	t.Attachments = domain.MergeAttachments(t.Attachments, atts)
	return t.Clone(), nil
}

func cloneBoard(b domain.Board) domain.Board {
	out := domain.Board{ID: b.ID}
	out.Columns = make([]domain.Column, len(b.Columns))
	for i, c := range b.Columns {
		out.Columns[i] = c.Clone()
	}
	out.Tasks = make([]domain.Task, len(b.Tasks))
	for i, t := range b.Tasks {
		out.Tasks[i] = t.Clone()
	}
	return out
}

func sortBoard(b *domain.Board) {
	sort.SliceStable(b.Columns, func(i, j int) bool { return b.Columns[i].Order < b.Columns[j].Order })
	sort.SliceStable(b.Tasks, func(i, j int) bool { return b.Tasks[i].Order < b.Tasks[j].Order })
}
