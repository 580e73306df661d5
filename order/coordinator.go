package order

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/board"
	"prism-board/domain"
)

// Persister is the batch persistence collaborator for reorders.
type Persister interface {
	// ReorderRows persists the full row id list and the matching dense orders.
	ReorderRows(ctx context.Context, boardID string, ids []string, orders []int, seq uint64) error
	// ReplaceColumns persists the full reordered column list as authoritative state.
	ReplaceColumns(ctx context.Context, boardID string, cols []domain.Column, seq uint64) error
}

// Policy decides what happens to local order when persistence fails and no
// newer reorder is queued behind the failed one.
type Policy int

const (
	// ReconcileReport keeps local order and only reports the divergence.
	ReconcileReport Policy = iota
	// ReconcileRollback restores the last acknowledged order.
	ReconcileRollback
)

const defaultPersistTimeout = 30 * time.Second

var errSuperseded = errors.New("superseded by a newer reorder")

type mutation struct {
	seq    uint64
	ids    []string
	orders []int
	cols   []domain.Column
}

// lane serializes persistence for one scope: at most one request in flight
// and one queued successor. A queued successor always carries full state, so
// a newer mutation replaces an older queued one.
type lane struct {
	scope domain.Scope
	seq   atomic.Uint64

	inflight   bool
	pending    *mutation
	dispatched uint64
	acked      []string
	ackedSeq   uint64
	idle       chan struct{}
}

// Coordinator applies row and column reorders optimistically and persists
// them in the background.
type Coordinator struct {
	state     *board.State
	persister Persister
	logger    *log.Logger
	notifier  domain.Notifier
	policy    Policy
	timeout   time.Duration
	session   string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu     sync.Mutex
	lanes  [2]*lane
	closed bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *log.Logger) Option       { return func(c *Coordinator) { c.logger = l } }
func WithNotifier(n domain.Notifier) Option { return func(c *Coordinator) { c.notifier = n } }
func WithPolicy(p Policy) Option            { return func(c *Coordinator) { c.policy = p } }

// WithSession sets the client session the sequence numbers are scoped to.
// Each coordinator gets a fresh one by default.
func WithSession(id string) Option { return func(c *Coordinator) { c.session = id } }

// WithTimeout bounds a single persistence call.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a coordinator. The current state is taken as the last
// acknowledged order for both scopes.
func New(state *board.State, persister Persister, opts ...Option) *Coordinator {
	if state == nil || persister == nil {
		panic("order.New: state and persister are required")
	}
	c := &Coordinator{
		state:     state,
		persister: persister,
		logger:    log.StandardLogger(),
		timeout:   defaultPersistTimeout,
		session:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = domain.LogNotifier{Logger: c.logger}
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	rows := &lane{scope: domain.ScopeRow, acked: state.TaskIDs(), idle: closedChan()}
	cols := &lane{scope: domain.ScopeColumn, acked: columnIDs(state.Columns()), idle: closedChan()}
	c.lanes[domain.ScopeRow] = rows
	c.lanes[domain.ScopeColumn] = cols
	return c
}

// Reorder moves the item at src to dst within scope, renumbers the scope
// densely and applies the result to local state before returning. The
// returned sequence number identifies the mutation; persistence runs in the
// background. Invalid indices are rejected with a ValidationError and never
// reach the network.
func (c *Coordinator) Reorder(scope domain.Scope, src, dst int) (uint64, error) {
	seq, _, err := c.Move(scope, src, dst)
	return seq, err
}

// Move is Reorder that also returns the id of the moved row or column.
func (c *Coordinator) Move(scope domain.Scope, src, dst int) (uint64, string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, "", domain.ErrClosed
	}

	var (
		m     *mutation
		moved string
	)
	switch scope {
	case domain.ScopeRow:
		l := c.lanes[domain.ScopeRow]
		var seq uint64
		// seq is taken under the state lock so sequence order matches the
		// order in which local permutations were applied.
		ids, orders, err := c.state.PermuteTasks(func(ids []string) ([]string, error) {
			if err := domain.CheckIndices(scope, len(ids), src, dst); err != nil {
				return nil, err
			}
			seq = l.seq.Add(1)
			moved = ids[src]
			return domain.Move(ids, src, dst), nil
		})
		if err != nil {
			return 0, "", err
		}
		m = &mutation{seq: seq, ids: ids, orders: orders}
	case domain.ScopeColumn:
		l := c.lanes[domain.ScopeColumn]
		var seq uint64
		cols, err := c.state.PermuteColumns(func(cols []domain.Column) ([]domain.Column, error) {
			visible := visibleIndices(cols)
			if err := domain.CheckIndices(scope, len(visible), src, dst); err != nil {
				return nil, err
			}
			seq = l.seq.Add(1)
			moved = cols[visible[src]].ID
			return domain.Move(cols, visible[src], visible[dst]), nil
		})
		if err != nil {
			return 0, "", err
		}
		m = &mutation{seq: seq, cols: cols}
	default:
		return 0, "", &domain.ValidationError{Field: "scope", Reason: "unknown scope"}
	}

	c.logger.WithFields(log.Fields{"board": c.state.ID(), "scope": scope.String(), "seq": m.seq, "from": src, "to": dst}).Debug("reorder applied locally")
	c.submit(c.lanes[scope], m)
	return m.seq, moved, nil
}

func (c *Coordinator) submit(l *lane, m *mutation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if m.seq <= l.dispatched {
		return
	}
	if l.pending != nil && l.pending.seq > m.seq {
		return
	}
	l.pending = m
	if l.inflight {
		return
	}
	l.inflight = true
	l.idle = make(chan struct{})
	c.wg.Add(1)
	go c.drain(l)
}

func (c *Coordinator) drain(l *lane) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		m := l.pending
		if m == nil || c.closed {
			l.pending = nil
			l.inflight = false
			close(l.idle)
			c.mu.Unlock()
			return
		}
		l.pending = nil
		l.dispatched = m.seq
		c.mu.Unlock()

		err := c.persist(l.scope, m)

		c.mu.Lock()
		if err == nil {
			l.acked = m.ids
			if l.scope == domain.ScopeColumn {
				l.acked = columnIDs(m.cols)
			}
			l.ackedSeq = m.seq
		}
		superseded := l.pending != nil
		closed := c.closed
		acked := append([]string(nil), l.acked...)
		c.mu.Unlock()

		if err != nil {
			c.handleFailure(l, m, err, acked, superseded, closed)
		}
	}
}

func (c *Coordinator) persist(scope domain.Scope, m *mutation) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	ctx = domain.WithClientSession(ctx, c.session)
	boardID := c.state.ID()
	if scope == domain.ScopeRow {
		return c.persister.ReorderRows(ctx, boardID, m.ids, m.orders, m.seq)
	}
	return c.persister.ReplaceColumns(ctx, boardID, m.cols, m.seq)
}

func (c *Coordinator) handleFailure(l *lane, m *mutation, err error, acked []string, superseded, closed bool) {
	entry := c.logger.WithFields(log.Fields{"board": c.state.ID(), "scope": l.scope.String(), "seq": m.seq})
	if closed || errors.Is(err, context.Canceled) && c.ctx.Err() != nil {
		entry.WithError(err).Debug("reorder persistence abandoned on close")
		return
	}
	// A newer reorder of this coordinator is queued and carries full state.
	if errors.Is(err, domain.ErrStaleSequence) && superseded {
		entry.Debug("reorder superseded on server")
		return
	}
	entry.WithError(err).Error("reorder persistence failed")
	if superseded {
		c.notifier.Notify(domain.Notice{
			Level:   domain.NoticeWarn,
			Op:      "reorder." + l.scope.String(),
			Message: "saving the new order failed; a newer order is being saved",
			Err:     err,
		})
		return
	}

	var local []string
	if l.scope == domain.ScopeRow {
		local = c.state.TaskIDs()
	} else {
		local = columnIDs(c.state.Columns())
	}
	moved := domain.PositionDiff(acked, local)
	notice := domain.Notice{Level: domain.NoticeError, Op: "reorder." + l.scope.String(), Err: err, Moved: moved}

	if c.policy == ReconcileReport {
		notice.Message = "the new order could not be saved and differs from the server"
		c.notifier.Notify(notice)
		return
	}

	if rbErr := c.rollback(l, m.seq, acked); rbErr != nil {
		if errors.Is(rbErr, errSuperseded) {
			notice.Level = domain.NoticeWarn
			notice.Message = "saving the new order failed; a newer order is being saved"
			c.notifier.Notify(notice)
			return
		}
		entry.WithError(rbErr).Error("reorder rollback failed")
	}
	notice.Message = "the new order could not be saved and was reverted"
	c.notifier.Notify(notice)
}

// rollback restores acked unless a newer reorder was issued for the scope.
func (c *Coordinator) rollback(l *lane, seq uint64, acked []string) error {
	if l.scope == domain.ScopeRow {
		_, _, err := c.state.PermuteTasks(func(ids []string) ([]string, error) {
			if l.seq.Load() != seq {
				return nil, errSuperseded
			}
			return follow(ids, acked), nil
		})
		return err
	}
	_, err := c.state.PermuteColumns(func(cols []domain.Column) ([]domain.Column, error) {
		if l.seq.Load() != seq {
			return nil, errSuperseded
		}
		byID := make(map[string]domain.Column, len(cols))
		for _, col := range cols {
			byID[col.ID] = col
		}
		ids := follow(columnIDs(cols), acked)
		out := make([]domain.Column, len(ids))
		for i, id := range ids {
			out[i] = byID[id]
		}
		return out, nil
	})
	return err
}

// Resync takes the current local order of both scopes as acknowledged, for
// use after local state was reloaded from the server.
func (c *Coordinator) Resync() {
	rows := c.state.TaskIDs()
	cols := columnIDs(c.state.Columns())
	c.mu.Lock()
	c.lanes[domain.ScopeRow].acked = rows
	c.lanes[domain.ScopeColumn].acked = cols
	c.mu.Unlock()
}

// Acknowledged returns the last sequence number the server accepted for scope.
func (c *Coordinator) Acknowledged(scope domain.Scope) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lanes[scope].ackedSeq
}

// Flush blocks until no persistence is in flight or queued for either scope.
func (c *Coordinator) Flush(ctx context.Context) error {
	for {
		c.mu.Lock()
		waits := []chan struct{}{c.lanes[0].idle, c.lanes[1].idle}
		c.mu.Unlock()
		for _, ch := range waits {
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		c.mu.Lock()
		busy := c.lanes[0].inflight || c.lanes[1].inflight
		c.mu.Unlock()
		if !busy {
			return nil
		}
	}
}

// Close abandons in-flight persistence and rejects further reorders. It is
// safe to call more than once.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.wg.Wait()
	})
}

// follow orders current like target; ids absent from target keep their
// relative order at the end.
func follow(current, target []string) []string {
	present := make(map[string]struct{}, len(current))
	for _, id := range current {
		present[id] = struct{}{}
	}
	out := make([]string, 0, len(current))
	used := make(map[string]struct{}, len(current))
	for _, id := range target {
		if _, ok := present[id]; !ok {
			continue
		}
		if _, ok := used[id]; ok {
			continue
		}
		used[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range current {
		if _, ok := used[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func visibleIndices(cols []domain.Column) []int {
	idx := make([]int, 0, len(cols))
	for i, col := range cols {
		if col.Visible {
			idx = append(idx, i)
		}
	}
	return idx
}

func columnIDs(cols []domain.Column) []string {
	ids := make([]string, len(cols))
	for i, col := range cols {
		ids[i] = col.ID
	}
	return ids
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
