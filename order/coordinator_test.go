package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/board"
	"prism-board/domain"
)

type rowCall struct {
	ids    []string
	orders []int
	seq    uint64
}

type fakePersister struct {
	mu       sync.Mutex
	rows     []rowCall
	sessions []string
	cols     [][]domain.Column
	err      error
	gate     chan struct{}
	active   int
	maxAlive int
}

func (f *fakePersister) enter() {
	f.mu.Lock()
	f.active++
	if f.active > f.maxAlive {
		f.maxAlive = f.active
	}
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (f *fakePersister) leave() {
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
}

func (f *fakePersister) ReorderRows(ctx context.Context, boardID string, ids []string, orders []int, seq uint64) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rowCall{ids: append([]string(nil), ids...), orders: append([]int(nil), orders...), seq: seq})
	f.sessions = append(f.sessions, domain.ClientSession(ctx))
	return f.err
}

func (f *fakePersister) ReplaceColumns(ctx context.Context, boardID string, cols []domain.Column, seq uint64) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cols = append(f.cols, append([]domain.Column(nil), cols...))
	return f.err
}

func (f *fakePersister) rowCalls() []rowCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rowCall(nil), f.rows...)
}

func quietLogger() *log.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func rowsBoard(names ...string) domain.Board {
	b := domain.Board{ID: "b1"}
	for i, n := range names {
		b.Tasks = append(b.Tasks, domain.Task{ID: n, Order: i + 1, Fields: map[string]any{"title": n}})
	}
	return b
}

func flush(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestReorderMovesLastRowToFront(t *testing.T) {
	state := board.New(rowsBoard("A", "B", "C", "D", "E"))
	fp := &fakePersister{}
	c := New(state, fp, WithLogger(quietLogger()))
	defer c.Close()

	if _, err := c.Reorder(domain.ScopeRow, 4, 0); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	// the local order is visible before persistence completes
	want := []string{"E", "A", "B", "C", "D"}
	for i, tk := range state.Tasks() {
		if tk.ID != want[i] || tk.Order != i+1 {
			t.Fatalf("row %d: got %s/%d", i, tk.ID, tk.Order)
		}
	}

	flush(t, c)
	calls := fp.rowCalls()
	if len(calls) != 1 {
		t.Fatalf("expected one batch call, got %d", len(calls))
	}
	for i, id := range want {
		if calls[0].ids[i] != id || calls[0].orders[i] != i+1 {
			t.Fatalf("unexpected batch payload %+v", calls[0])
		}
	}
	if c.Acknowledged(domain.ScopeRow) != calls[0].seq {
		t.Fatalf("expected ack seq %d, got %d", calls[0].seq, c.Acknowledged(domain.ScopeRow))
	}
}

func TestReorderDenseForAllPairs(t *testing.T) {
	for n := 1; n <= 6; n++ {
		for src := 0; src < n; src++ {
			for dst := 0; dst < n; dst++ {
				names := make([]string, n)
				for i := range names {
					names[i] = string(rune('A' + i))
				}
				state := board.New(rowsBoard(names...))
				c := New(state, &fakePersister{}, WithLogger(quietLogger()))
				if _, err := c.Reorder(domain.ScopeRow, src, dst); err != nil {
					t.Fatalf("n=%d reorder(%d,%d): %v", n, src, dst, err)
				}
				tasks := state.Tasks()
				orders := make([]int, len(tasks))
				for i, tk := range tasks {
					orders[i] = tk.Order
				}
				if !domain.IsDense(orders) {
					t.Fatalf("n=%d reorder(%d,%d): orders %v", n, src, dst, orders)
				}
				if tasks[dst].ID != names[src] {
					t.Fatalf("n=%d reorder(%d,%d): %s at dst", n, src, dst, tasks[dst].ID)
				}
				c.Close()
			}
		}
	}
}

func TestReorderOutOfRangeMakesNoCall(t *testing.T) {
	state := board.New(rowsBoard("A", "B"))
	fp := &fakePersister{}
	c := New(state, fp, WithLogger(quietLogger()))
	defer c.Close()

	_, err := c.Reorder(domain.ScopeRow, 0, 2)
	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	flush(t, c)
	if len(fp.rowCalls()) != 0 {
		t.Fatalf("expected no network call")
	}
}

func TestReorderSerializesPersistence(t *testing.T) {
	state := board.New(rowsBoard("A", "B", "C", "D"))
	fp := &fakePersister{gate: make(chan struct{})}
	c := New(state, fp, WithLogger(quietLogger()))
	defer c.Close()

	if _, err := c.Reorder(domain.ScopeRow, 0, 3); err != nil {
		t.Fatalf("reorder 1: %v", err)
	}
	// wait for the first request to be in flight
	deadline := time.Now().Add(time.Second)
	for {
		fp.mu.Lock()
		active := fp.active
		fp.mu.Unlock()
		if active == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first request never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := c.Reorder(domain.ScopeRow, 0, 1); err != nil {
		t.Fatalf("reorder 2: %v", err)
	}
	last, err := c.Reorder(domain.ScopeRow, 3, 0)
	if err != nil {
		t.Fatalf("reorder 3: %v", err)
	}
	close(fp.gate)
	flush(t, c)

	calls := fp.rowCalls()
	if len(calls) != 2 {
		t.Fatalf("expected in-flight call plus one coalesced successor, got %d", len(calls))
	}
	if fp.maxAlive != 1 {
		t.Fatalf("expected at most one request in flight, saw %d", fp.maxAlive)
	}
	final := calls[1]
	if final.seq != last {
		t.Fatalf("expected latest seq %d persisted last, got %d", last, final.seq)
	}
	local := state.TaskIDs()
	for i := range local {
		if final.ids[i] != local[i] {
			t.Fatalf("persisted %v, local %v", final.ids, local)
		}
	}
}

func TestReorderFailureRollsBack(t *testing.T) {
	state := board.New(rowsBoard("A", "B", "C"))
	fp := &fakePersister{err: &domain.NetworkError{Op: "reorder", Err: errors.New("boom")}}
	notices := &domain.NoticeRecorder{}
	c := New(state, fp, WithLogger(quietLogger()), WithNotifier(notices), WithPolicy(ReconcileRollback))
	defer c.Close()

	if _, err := c.Reorder(domain.ScopeRow, 0, 2); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	flush(t, c)

	ids := state.TaskIDs()
	if ids[0] != "A" || ids[1] != "B" || ids[2] != "C" {
		t.Fatalf("expected rollback to A,B,C got %v", ids)
	}
	got := notices.Notices()
	if len(got) != 1 || got[0].Level != domain.NoticeError || len(got[0].Moved) == 0 {
		t.Fatalf("unexpected notices %+v", got)
	}
	var netErr *domain.NetworkError
	if !errors.As(got[0].Err, &netErr) {
		t.Fatalf("expected NetworkError in notice, got %v", got[0].Err)
	}
}

func TestReorderFailureReportsByDefault(t *testing.T) {
	state := board.New(rowsBoard("A", "B", "C"))
	fp := &fakePersister{err: errors.New("boom")}
	notices := &domain.NoticeRecorder{}
	c := New(state, fp, WithLogger(quietLogger()), WithNotifier(notices))
	defer c.Close()

	if _, err := c.Reorder(domain.ScopeRow, 0, 2); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	flush(t, c)

	ids := state.TaskIDs()
	if ids[0] != "B" || ids[2] != "A" {
		t.Fatalf("expected local order kept, got %v", ids)
	}
	got := notices.Notices()
	if len(got) != 1 || len(got[0].Moved) != 3 {
		t.Fatalf("unexpected notices %+v", got)
	}
}

func TestColumnReorderAddressesVisibleColumns(t *testing.T) {
	state := board.New(domain.Board{ID: "b1", Columns: []domain.Column{
		{ID: "v0", Name: "Title", Type: domain.ColumnText, Order: 1, Visible: true},
		{ID: "h", Name: "Hidden", Type: domain.ColumnNumber, Order: 2, Visible: false},
		{ID: "v1", Name: "Due", Type: domain.ColumnDate, Order: 3, Visible: true},
		{ID: "v2", Name: "Owner", Type: domain.ColumnMembers, Order: 4, Visible: true},
	}})
	fp := &fakePersister{}
	c := New(state, fp, WithLogger(quietLogger()))
	defer c.Close()

	if _, err := c.Reorder(domain.ScopeColumn, 2, 0); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	cols := state.Columns()
	want := []string{"v2", "v0", "h", "v1"}
	for i, col := range cols {
		if col.ID != want[i] || col.Order != i+1 {
			t.Fatalf("column %d: got %s/%d", i, col.ID, col.Order)
		}
	}
	if cols[2].Visible || cols[2].Type != domain.ColumnNumber {
		t.Fatalf("hidden column changed: %+v", cols[2])
	}

	flush(t, c)
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.cols) != 1 || len(fp.cols[0]) != 4 || fp.cols[0][0].ID != "v2" {
		t.Fatalf("unexpected column persistence %+v", fp.cols)
	}

	if _, err := c.Reorder(domain.ScopeColumn, 0, 3); err == nil {
		t.Fatal("expected out-of-range error for visible index 3")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	state := board.New(rowsBoard("A", "B"))
	fp := &fakePersister{gate: make(chan struct{})}
	c := New(state, fp, WithLogger(quietLogger()))

	if _, err := c.Reorder(domain.ScopeRow, 0, 1); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(fp.gate)
	}()
	c.Close()
	c.Close()
	if _, err := c.Reorder(domain.ScopeRow, 0, 1); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestStaleSequenceWithoutNewerReorderIsReported(t *testing.T) {
	state := board.New(rowsBoard("A", "B", "C"))
	fp := &fakePersister{err: domain.ErrStaleSequence}
	notices := &domain.NoticeRecorder{}
	c := New(state, fp, WithLogger(quietLogger()), WithNotifier(notices))
	defer c.Close()

	if _, err := c.Reorder(domain.ScopeRow, 2, 0); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	flush(t, c)

	got := notices.Notices()
	if len(got) != 1 || !errors.Is(got[0].Err, domain.ErrStaleSequence) || len(got[0].Moved) != 3 {
		t.Fatalf("expected a divergence notice, got %+v", got)
	}
	if c.Acknowledged(domain.ScopeRow) != 0 {
		t.Fatalf("stale batch must not be acknowledged")
	}
}

func TestCoordinatorsUseDistinctSessions(t *testing.T) {
	fp := &fakePersister{}
	for i := 0; i < 2; i++ {
		c := New(board.New(rowsBoard("A", "B")), fp, WithLogger(quietLogger()))
		if seq, err := c.Reorder(domain.ScopeRow, 1, 0); err != nil || seq != 1 {
			t.Fatalf("reorder: seq=%d err=%v", seq, err)
		}
		flush(t, c)
		c.Close()
	}
	pinned := New(board.New(rowsBoard("A", "B")), fp, WithLogger(quietLogger()), WithSession("tab-1"))
	if _, err := pinned.Reorder(domain.ScopeRow, 1, 0); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	flush(t, pinned)
	pinned.Close()

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.sessions) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(fp.sessions))
	}
	if fp.sessions[0] == "" || fp.sessions[0] == fp.sessions[1] {
		t.Fatalf("expected distinct sessions, got %q and %q", fp.sessions[0], fp.sessions[1])
	}
	if fp.sessions[2] != "tab-1" {
		t.Fatalf("expected pinned session, got %q", fp.sessions[2])
	}
}

func TestMoveReturnsMovedID(t *testing.T) {
	state := board.New(domain.Board{
		ID: "b1",
		Columns: []domain.Column{
			{ID: "c1", Order: 1, Visible: true},
			{ID: "hidden", Order: 2},
			{ID: "c2", Order: 3, Visible: true},
		},
		Tasks: rowsBoard("A", "B", "C").Tasks,
	})
	c := New(state, &fakePersister{}, WithLogger(quietLogger()))
	defer c.Close()

	if _, id, err := c.Move(domain.ScopeRow, 1, 2); err != nil || id != "B" {
		t.Fatalf("row move: id=%q err=%v", id, err)
	}
	if _, id, err := c.Move(domain.ScopeColumn, 1, 0); err != nil || id != "c2" {
		t.Fatalf("column move: id=%q err=%v", id, err)
	}
	flush(t, c)
}

func TestResyncMovesRollbackBaseline(t *testing.T) {
	state := board.New(rowsBoard("A", "B", "C"))
	fp := &fakePersister{}
	c := New(state, fp, WithLogger(quietLogger()), WithNotifier(&domain.NoticeRecorder{}), WithPolicy(ReconcileRollback))
	defer c.Close()

	state.Load(rowsBoard("C", "B", "A"))
	c.Resync()

	fp.mu.Lock()
	fp.err = errors.New("boom")
	fp.mu.Unlock()
	if _, err := c.Reorder(domain.ScopeRow, 0, 1); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	flush(t, c)

	ids := state.TaskIDs()
	if ids[0] != "C" || ids[1] != "B" || ids[2] != "A" {
		t.Fatalf("expected rollback to the reloaded order, got %v", ids)
	}
}
