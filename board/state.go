package board

import (
	"fmt"
	"sort"
	"sync"

	"prism-board/domain"
)

// ChangeKind identifies what part of the board state changed.
type ChangeKind int

const (
	BoardLoaded ChangeKind = iota
	RowsReordered
	ColumnsReordered
	TaskChanged
)

// Change describes one mutation of the shared state.
type Change struct {
	Kind   ChangeKind
	TaskID string
}

// State is the shared board/task record set. The order of rows and columns
// and the business fields of each row are independent halves of the same
// records; every mutation goes through a delta so neither half is replaced
// wholesale.
type State struct {
	mu      sync.RWMutex
	id      string
	columns []domain.Column
	tasks   []domain.Task
	index   map[string]int

	lmu       sync.Mutex
	nextSubID int
	listeners map[int]func(Change)
}

// New creates state seeded with b. Rows and columns are sorted by their order
// value; ties keep their input position.
func New(b domain.Board) *State {
	s := &State{listeners: make(map[int]func(Change))}
	s.load(b)
	return s
}

// Load replaces the whole board, e.g. after a full refetch.
func (s *State) Load(b domain.Board) {
	s.load(b)
	s.emit(Change{Kind: BoardLoaded})
}

func (s *State) load(b domain.Board) {
	cols := make([]domain.Column, len(b.Columns))
	for i, c := range b.Columns {
		cols[i] = c.Clone()
	}
	sort.SliceStable(cols, func(i, j int) bool { return cols[i].Order < cols[j].Order })

	tasks := make([]domain.Task, len(b.Tasks))
	for i, t := range b.Tasks {
		tasks[i] = t.Clone()
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Order < tasks[j].Order })

	s.mu.Lock()
	s.id = b.ID
	s.columns = cols
	s.tasks = tasks
	s.reindexLocked()
	s.mu.Unlock()
}

func (s *State) reindexLocked() {
	s.index = make(map[string]int, len(s.tasks))
	for i, t := range s.tasks {
		s.index[t.ID] = i
	}
}

// ID returns the board id.
func (s *State) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Tasks returns a copy of the rows in display order.
func (s *State) Tasks() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Task, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t.Clone()
	}
	return out
}

// TaskIDs returns row ids in display order.
func (s *State) TaskIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		ids[i] = t.ID
	}
	return ids
}

// Task returns a copy of one row.
func (s *State) Task(id string) (domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return domain.Task{}, false
	}
	return s.tasks[i].Clone(), true
}

// Columns returns a copy of the columns in display order.
func (s *State) Columns() []domain.Column {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Column, len(s.columns))
	for i, c := range s.columns {
		out[i] = c.Clone()
	}
	return out
}

// PermuteTasks lets fn compute a new row order from the current one and
// applies it atomically, renumbering every row densely. fn must return a
// permutation of its input.
func (s *State) PermuteTasks(fn func(ids []string) ([]string, error)) ([]string, []int, error) {
	s.mu.Lock()
	ids := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		ids[i] = t.ID
	}
	next, err := fn(ids)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	if err := checkPermutation(ids, next); err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	s.applyTaskOrderLocked(next)
	orders := make([]int, len(s.tasks))
	for i, t := range s.tasks {
		orders[i] = t.Order
	}
	s.mu.Unlock()

	s.emit(Change{Kind: RowsReordered})
	return next, orders, nil
}

// ApplyTaskOrder reorders rows to follow ids. Rows missing from ids keep
// their relative order after the listed ones; unknown ids are ignored.
func (s *State) ApplyTaskOrder(ids []string) {
	s.mu.Lock()
	s.applyTaskOrderLocked(ids)
	s.mu.Unlock()
	s.emit(Change{Kind: RowsReordered})
}

func (s *State) applyTaskOrderLocked(ids []string) {
	reordered := make([]domain.Task, 0, len(s.tasks))
	used := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		i, ok := s.index[id]
		if !ok {
			continue
		}
		if _, dup := used[id]; dup {
			continue
		}
		used[id] = struct{}{}
		reordered = append(reordered, s.tasks[i])
	}
	for _, t := range s.tasks {
		if _, ok := used[t.ID]; !ok {
			reordered = append(reordered, t)
		}
	}
	domain.RenumberTasks(reordered)
	s.tasks = reordered
	s.reindexLocked()
}

// PermuteColumns lets fn compute a new column list and applies it atomically.
// Only positions may change: fn must return the same columns.
func (s *State) PermuteColumns(fn func(cols []domain.Column) ([]domain.Column, error)) ([]domain.Column, error) {
	s.mu.Lock()
	cur := make([]domain.Column, len(s.columns))
	for i, c := range s.columns {
		cur[i] = c.Clone()
	}
	next, err := fn(cur)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := checkPermutation(columnIDs(s.columns), columnIDs(next)); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	domain.RenumberColumns(next)
	s.columns = next
	out := make([]domain.Column, len(next))
	for i, c := range next {
		out[i] = c.Clone()
	}
	s.mu.Unlock()

	s.emit(Change{Kind: ColumnsReordered})
	return out, nil
}

// SetColumns replaces the column list, renumbering densely.
func (s *State) SetColumns(cols []domain.Column) {
	next := make([]domain.Column, len(cols))
	for i, c := range cols {
		next[i] = c.Clone()
	}
	domain.RenumberColumns(next)
	s.mu.Lock()
	s.columns = next
	s.mu.Unlock()
	s.emit(Change{Kind: ColumnsReordered})
}

// Apply merges d into the row with the given id.
func (s *State) Apply(id string, d domain.TaskDelta) (domain.Task, error) {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	s.tasks[i] = domain.MergeTask(s.tasks[i], d)
	out := s.tasks[i].Clone()
	s.mu.Unlock()

	s.emit(Change{Kind: TaskChanged, TaskID: id})
	return out, nil
}

// ApplyAck merges a server acknowledgement of sent into the row. A field is
// taken from ack only while the local value still equals what was sent; a
// field edited after the send is dirty and keeps its local value.
func (s *State) ApplyAck(id string, sent, ack domain.Task) (domain.Task, error) {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	local := s.tasks[i]
	d := domain.TaskDelta{Revision: &ack.Revision, Attachments: ack.Attachments}
	d.Fields = make(map[string]any, len(ack.Fields))
	for k, v := range ack.Fields {
		lv, lok := local.Fields[k]
		sv, sok := sent.Fields[k]
		if lok == sok && domain.ValuesEqual(lv, sv) {
			d.Fields[k] = v
		}
	}
	if membersEqual(local.Members, sent.Members) && ack.Members != nil {
		members := ack.Members
		d.Members = &members
	}
	s.tasks[i] = domain.MergeTask(local, d)
	out := s.tasks[i].Clone()
	s.mu.Unlock()

	s.emit(Change{Kind: TaskChanged, TaskID: id})
	return out, nil
}

// Rebase replaces the row's business half with server, then reapplies every
// local change made since baseline on top of it. Order is left untouched.
func (s *State) Rebase(id string, server, baseline domain.Task) (domain.Task, error) {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	local := s.tasks[i]
	fields := make(map[string]any, len(server.Fields)+len(local.Fields))
	for k, v := range server.Fields {
		fields[k] = v
	}
	for k, lv := range local.Fields {
		bv, bok := baseline.Fields[k]
		if !bok || !domain.ValuesEqual(lv, bv) {
			fields[k] = lv
		}
	}
	members := server.Members
	if !membersEqual(local.Members, baseline.Members) {
		members = local.Members
	}

	next := local.Clone()
	next.Fields = fields
	next.Members = append([]domain.Member(nil), members...)
	next.Revision = server.Revision
	next.Attachments = domain.MergeAttachments(local.Attachments, server.Attachments)
	s.tasks[i] = next
	out := next.Clone()
	s.mu.Unlock()

	s.emit(Change{Kind: TaskChanged, TaskID: id})
	return out, nil
}

// Subscribe registers fn for every change. Listeners run outside the state
// lock, on the goroutine that made the change.
func (s *State) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.lmu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.listeners[id] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *State) emit(c Change) {
	s.lmu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func columnIDs(cols []domain.Column) []string {
	ids := make([]string, len(cols))
	for i, c := range cols {
		ids[i] = c.ID
	}
	return ids
}

func membersEqual(a, b []domain.Member) bool {
	ai := domain.NormalizeMemberIDs(a)
	bi := domain.NormalizeMemberIDs(b)
	if len(ai) != len(bi) {
		return false
	}
	for i := range ai {
		if ai[i] != bi[i] {
			return false
		}
	}
	return true
}

func checkPermutation(before, after []string) error {
	if len(before) != len(after) {
		return fmt.Errorf("permutation length %d, want %d", len(after), len(before))
	}
	counts := make(map[string]int, len(before))
	for _, id := range before {
		counts[id]++
	}
	for _, id := range after {
		counts[id]--
		if counts[id] < 0 {
			return fmt.Errorf("permutation contains unexpected id %q", id)
		}
	}
	return nil
}
