package autosave

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-board/board"
	"prism-board/domain"
)

// DefaultInterval is the debounce tick of the loop.
const DefaultInterval = 300 * time.Millisecond

// Persister is the partial row update collaborator.
type Persister interface {
	// UpdateRow sends the full current row payload based on payload.Revision
	// and returns the row as stored. A stale revision yields
	// domain.ErrRevisionConflict.
	UpdateRow(ctx context.Context, boardID, rowID string, payload domain.RowPayload) (domain.Task, error)
	FetchRow(ctx context.Context, boardID, rowID string) (domain.Task, error)
}

// session is the edit buffer of one row: the last acknowledged business half
// of the row and its canonical snapshot.
type session struct {
	baseline domain.Task
	acked    []byte
	failures int
	noticed  bool
}

// Loop persists row edits on a fixed tick. Every row being edited has its own
// session, so moving focus to another row never drops a pending diff.
type Loop struct {
	state       *board.State
	persister   Persister
	logger      *log.Logger
	notifier    domain.Notifier
	interval    time.Duration
	noticeAfter int
	flushClose  bool
	onSaved     func(domain.Task)

	tickMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*session
	focus    string
	closed   bool
	running  bool
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Option configures a Loop.
type Option func(*Loop)

func WithLogger(l *log.Logger) Option       { return func(s *Loop) { s.logger = l } }
func WithNotifier(n domain.Notifier) Option { return func(s *Loop) { s.notifier = n } }

// WithInterval sets the debounce tick.
func WithInterval(d time.Duration) Option {
	return func(s *Loop) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithFailureNotice surfaces a notice once a row has failed n consecutive
// ticks. Zero disables notices.
func WithFailureNotice(n int) Option { return func(s *Loop) { s.noticeAfter = n } }

// WithFlushOnClose makes Close run one last tick.
func WithFlushOnClose() Option { return func(s *Loop) { s.flushClose = true } }

// WithOnSaved is called with the merged row after each acknowledged write.
func WithOnSaved(fn func(domain.Task)) Option { return func(s *Loop) { s.onSaved = fn } }

// New creates a loop over state.
func New(state *board.State, persister Persister, opts ...Option) *Loop {
	if state == nil || persister == nil {
		panic("autosave.New: state and persister are required")
	}
	l := &Loop{
		state:       state,
		persister:   persister,
		logger:      log.StandardLogger(),
		interval:    DefaultInterval,
		noticeAfter: 3,
		sessions:    make(map[string]*session),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.notifier == nil {
		l.notifier = domain.LogNotifier{Logger: l.logger}
	}
	return l
}

// Interval returns the debounce tick.
func (l *Loop) Interval() time.Duration { return l.interval }

// Begin opens an edit session for rowID using the current row as baseline.
// It is a no-op when the session already exists.
func (l *Loop) Begin(rowID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.beginLocked(rowID)
}

func (l *Loop) beginLocked(rowID string) error {
	if l.closed {
		return domain.ErrClosed
	}
	if _, ok := l.sessions[rowID]; ok {
		return nil
	}
	cur, ok := l.state.Task(rowID)
	if !ok {
		return fmt.Errorf("task %s: %w", rowID, domain.ErrNotFound)
	}
	snap, err := domain.Snapshot(cur)
	if err != nil {
		return err
	}
	l.sessions[rowID] = &session{baseline: cur, acked: snap}
	return nil
}

// Focus marks rowID as the row being edited. Other rows keep their sessions.
func (l *Loop) Focus(rowID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.beginLocked(rowID); err != nil {
		return err
	}
	l.focus = rowID
	return nil
}

// Focused returns the row last passed to Focus.
func (l *Loop) Focused() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.focus
}

// Edit sets one field locally. The change is visible immediately and
// persisted on a later tick.
func (l *Loop) Edit(rowID, key string, value any) error {
	if err := l.Begin(rowID); err != nil {
		return err
	}
	_, err := l.state.Apply(rowID, domain.TaskDelta{Fields: map[string]any{key: value}})
	return err
}

// SetMembers replaces the assigned members locally.
func (l *Loop) SetMembers(rowID string, members []domain.Member) error {
	if err := l.Begin(rowID); err != nil {
		return err
	}
	m := append([]domain.Member(nil), members...)
	_, err := l.state.Apply(rowID, domain.TaskDelta{Members: &m})
	return err
}

// Dirty reports whether rowID diverges from its acknowledged snapshot.
func (l *Loop) Dirty(rowID string) bool {
	l.mu.Lock()
	s, ok := l.sessions[rowID]
	var acked []byte
	if ok {
		acked = s.acked
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	cur, ok := l.state.Task(rowID)
	if !ok {
		return false
	}
	snap, err := domain.Snapshot(cur)
	if err != nil {
		return true
	}
	return !bytes.Equal(snap, acked)
}

// Sessions returns the ids of rows with an open edit session.
func (l *Loop) Sessions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.sessions))
	for id := range l.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resync takes the current state of every row with a session as its new
// acknowledged baseline. Sessions of rows that are gone are dropped.
func (l *Loop) Resync() {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, s := range l.sessions {
		cur, ok := l.state.Task(id)
		if !ok {
			delete(l.sessions, id)
			if l.focus == id {
				l.focus = ""
			}
			continue
		}
		snap, err := domain.Snapshot(cur)
		if err != nil {
			continue
		}
		s.baseline = cur
		s.acked = snap
		s.failures = 0
		s.noticed = false
	}
}

// Tick runs one debounce pass over every session: rows whose snapshot equals
// the acknowledged one are skipped without a network call; the others send
// their full current payload.
func (l *Loop) Tick(ctx context.Context) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()
	for _, id := range l.Sessions() {
		if ctx.Err() != nil {
			return
		}
		_ = l.syncRow(ctx, id)
	}
}

// End flushes rowID and closes its session. If the flush fails the session
// is kept so the pending diff is not lost.
func (l *Loop) End(ctx context.Context, rowID string) error {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()
	if err := l.syncRow(ctx, rowID); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.sessions, rowID)
	if l.focus == rowID {
		l.focus = ""
	}
	l.mu.Unlock()
	return nil
}

func (l *Loop) syncRow(ctx context.Context, rowID string) error {
	l.mu.Lock()
	s, ok := l.sessions[rowID]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	acked := s.acked
	l.mu.Unlock()

	cur, ok := l.state.Task(rowID)
	if !ok {
		l.mu.Lock()
		delete(l.sessions, rowID)
		l.mu.Unlock()
		return nil
	}
	snap, err := domain.Snapshot(cur)
	if err != nil {
		return err
	}
	if bytes.Equal(snap, acked) {
		return nil
	}

	boardID := l.state.ID()
	entry := l.logger.WithFields(log.Fields{"board": boardID, "row": rowID, "revision": cur.Revision})
	ack, err := l.persister.UpdateRow(ctx, boardID, rowID, domain.PayloadFor(cur))
	if err == nil {
		merged, mErr := l.state.ApplyAck(rowID, cur, ack)
		if mErr != nil {
			return mErr
		}
		baseline := cur
		if ack.Fields != nil {
			baseline.Fields = ack.Fields
			baseline.Members = ack.Members
		}
		baseline.Revision = ack.Revision
		ackSnap, sErr := domain.Snapshot(baseline)
		if sErr != nil {
			return sErr
		}
		l.mu.Lock()
		s.baseline = baseline
		s.acked = ackSnap
		s.failures = 0
		s.noticed = false
		l.mu.Unlock()
		entry.WithField("revision", ack.Revision).Debug("row saved")
		if l.onSaved != nil {
			l.onSaved(merged)
		}
		return nil
	}

	if errors.Is(err, domain.ErrRevisionConflict) {
		return l.rebase(ctx, s, rowID, entry)
	}
	l.recordFailure(s, rowID, err, entry)
	return err
}

// rebase refetches the row after a revision conflict and replays the local
// diff on top of it; the next tick sends the rebased row.
func (l *Loop) rebase(ctx context.Context, s *session, rowID string, entry *log.Entry) error {
	server, err := l.persister.FetchRow(ctx, l.state.ID(), rowID)
	if err != nil {
		l.recordFailure(s, rowID, err, entry)
		return err
	}
	l.mu.Lock()
	baseline := s.baseline
	l.mu.Unlock()
	if _, err := l.state.Rebase(rowID, server, baseline); err != nil {
		return err
	}
	snap, err := domain.Snapshot(server)
	if err != nil {
		return err
	}
	l.mu.Lock()
	s.baseline = server
	s.acked = snap
	l.mu.Unlock()
	entry.WithField("server_revision", server.Revision).Info("row rebased after revision conflict")
	return domain.ErrRevisionConflict
}

func (l *Loop) recordFailure(s *session, rowID string, err error, entry *log.Entry) {
	l.mu.Lock()
	s.failures++
	failures := s.failures
	notify := l.noticeAfter > 0 && failures >= l.noticeAfter && !s.noticed
	if notify {
		s.noticed = true
	}
	l.mu.Unlock()

	entry.WithError(err).WithField("failures", failures).Warn("row save failed; retrying next tick")
	if notify {
		l.notifier.Notify(domain.Notice{
			Level:   domain.NoticeWarn,
			Op:      "autosave",
			Message: fmt.Sprintf("changes to row %s are not saved yet", rowID),
			Err:     err,
		})
	}
}

// Run ticks every interval until ctx is done or Close is called.
func (l *Loop) Run(ctx context.Context) {
	l.mu.Lock()
	if l.closed || l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Tick(ctx)
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the ticker. With WithFlushOnClose a final tick runs first.
// It is safe to call more than once.
func (l *Loop) Close(ctx context.Context) {
	l.once.Do(func() {
		l.mu.Lock()
		running := l.running
		l.mu.Unlock()
		close(l.stop)
		if running {
			<-l.done
		}
		if l.flushClose {
			l.Tick(ctx)
		}
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
	})
}
