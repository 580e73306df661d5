package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/board"
	"prism-board/domain"
)

const mb = 1024 * 1024

type fakeUploader struct {
	mu       sync.Mutex
	calls    []string
	errs     []error
	progress [][2]int64
	attachID func(f File) string
	gate     chan struct{}
	alive    int
	maxAlive int
}

func (f *fakeUploader) UploadAttachment(ctx context.Context, boardID, taskID string, file File, progress func(sent, total int64)) ([]domain.Attachment, error) {
	f.mu.Lock()
	f.calls = append(f.calls, file.Name)
	f.alive++
	if f.alive > f.maxAlive {
		f.maxAlive = f.alive
	}
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	steps := f.progress
	gate := f.gate
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.alive--
		f.mu.Unlock()
	}()

	for _, s := range steps {
		progress(s[0], s[1])
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	id := "att-" + file.Name
	if f.attachID != nil {
		id = f.attachID(file)
	}
	return []domain.Attachment{{ID: id, Path: "/files/" + id, OriginalName: file.Name, CreatedAt: time.Now()}}, nil
}

func (f *fakeUploader) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakePreviewer struct {
	mu       sync.Mutex
	next     int
	released map[string]int
}

func (p *fakePreviewer) Acquire(f File) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("blob:%d", p.next)
}

func (p *fakePreviewer) Release(handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released == nil {
		p.released = make(map[string]int)
	}
	p.released[handle]++
}

func (p *fakePreviewer) releases() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.released))
	for k, v := range p.released {
		out[k] = v
	}
	return out
}

func file(name string, size int64) File {
	return File{Name: name, Size: size, Open: func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(name)), nil
	}}
}

func newQueue(t *testing.T, up Uploader, opts ...Option) (*Queue, *board.State, *domain.NoticeRecorder) {
	t.Helper()
	state := board.New(domain.Board{ID: "b1", Tasks: []domain.Task{{ID: "t1", Order: 1}, {ID: "t2", Order: 2}}})
	logger, _ := test.NewNullLogger()
	rec := &domain.NoticeRecorder{}
	base := []Option{WithLogger(logger), WithNotifier(rec), WithGrace(time.Minute)}
	q := New(state, up, append(base, opts...)...)
	t.Cleanup(q.Close)
	return q, state, rec
}

func drain(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMixedBatchRespectsCap(t *testing.T) {
	up := &fakeUploader{}
	q, state, rec := newQueue(t, up)

	admitted, err := q.Enqueue("t1", []File{file("a.pdf", 10*mb), file("b.mov", 150*mb), file("c.png", 5*mb)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if admitted[1].Status != domain.UploadError || !errors.Is(admitted[1].Err, domain.ErrFileTooLarge) {
		t.Fatalf("oversized file not rejected at admission: %+v", admitted[1])
	}
	drain(t, q)

	items := q.Items()
	want := []domain.UploadStatus{domain.UploadDone, domain.UploadError, domain.UploadDone}
	for i, w := range want {
		if items[i].Status != w {
			t.Fatalf("item %d status = %s, want %s", i, items[i].Status, w)
		}
	}
	if items[0].Progress != 100 || items[2].Progress != 100 {
		t.Fatalf("done items not at 100%%: %+v", items)
	}
	calls := up.callNames()
	if len(calls) != 2 || calls[0] != "a.pdf" || calls[1] != "c.png" {
		t.Fatalf("uploader calls = %v", calls)
	}
	task, _ := state.Task("t1")
	if len(task.Attachments) != 2 {
		t.Fatalf("attachments = %+v", task.Attachments)
	}
	if n := len(rec.Notices()); n != 1 {
		t.Fatalf("notices = %d, want 1", n)
	}
}

func TestProgressIsClampedAndMonotonic(t *testing.T) {
	up := &fakeUploader{progress: [][2]int64{{50, 100}, {30, 100}, {250, 100}, {-5, 100}}}
	var mu sync.Mutex
	var seen []int
	q, _, _ := newQueue(t, up, WithOnChange(func(it Item) {
		if it.Status == domain.UploadQueued {
			return
		}
		mu.Lock()
		seen = append(seen, it.Progress)
		mu.Unlock()
	}))
	if _, err := q.Enqueue("t1", []File{file("a", 10)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	drain(t, q)
	waitFor(t, "done event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 100
	})

	mu.Lock()
	defer mu.Unlock()
	prev := 0
	for _, p := range seen {
		if p < prev || p < 0 || p > 100 {
			t.Fatalf("progress sequence %v", seen)
		}
		prev = p
	}
	want := []int{0, 50, 99, 100}
	if len(seen) != len(want) {
		t.Fatalf("progress sequence %v, want %v", seen, want)
	}
}

func TestAttachmentsMergedOnce(t *testing.T) {
	up := &fakeUploader{attachID: func(File) string { return "same" }}
	q, state, _ := newQueue(t, up)
	if _, err := q.Enqueue("t2", []File{file("a", 1), file("b", 1)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	drain(t, q)
	task, _ := state.Task("t2")
	if len(task.Attachments) != 1 || task.Attachments[0].ID != "same" {
		t.Fatalf("attachments = %+v", task.Attachments)
	}
	other, _ := state.Task("t1")
	if len(other.Attachments) != 0 {
		t.Fatalf("attachment merged into wrong task")
	}
}

func TestRetryMovesErrorToUploading(t *testing.T) {
	up := &fakeUploader{errs: []error{&domain.NetworkError{Op: "upload", Status: 502}}}
	q, state, rec := newQueue(t, up)
	items, _ := q.Enqueue("t1", []File{file("a", 1), file("huge", 200*mb)})
	drain(t, q)

	it, _ := q.Item(items[0].ID)
	if it.Status != domain.UploadError {
		t.Fatalf("status = %s, want error", it.Status)
	}
	var netErr *domain.NetworkError
	if !errors.As(it.Err, &netErr) || netErr.Status != 502 {
		t.Fatalf("err = %v", it.Err)
	}
	if len(rec.Notices()) != 2 {
		t.Fatalf("notices = %+v", rec.Notices())
	}

	if err := q.Retry(items[0].ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	drain(t, q)
	it, _ = q.Item(items[0].ID)
	if it.Status != domain.UploadDone || it.Err != nil {
		t.Fatalf("after retry: %+v", it)
	}
	task, _ := state.Task("t1")
	if len(task.Attachments) != 1 {
		t.Fatalf("attachments = %+v", task.Attachments)
	}

	var vErr *domain.ValidationError
	if err := q.Retry(items[0].ID); !errors.As(err, &vErr) {
		t.Fatalf("retry of done item = %v", err)
	}
	if err := q.Retry(items[1].ID); !errors.Is(err, domain.ErrFileTooLarge) {
		t.Fatalf("retry of oversized item = %v", err)
	}
	if err := q.Retry("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("retry of unknown item = %v", err)
	}
}

func TestDoneItemsLeaveAfterGrace(t *testing.T) {
	up := &fakeUploader{}
	pv := &fakePreviewer{}
	q, _, _ := newQueue(t, up, WithGrace(20*time.Millisecond), WithPreviewer(pv))
	items, _ := q.Enqueue("t1", []File{file("a", 1), file("b", 1)})
	drain(t, q)
	waitFor(t, "grace removal", func() bool { return len(q.Items()) == 0 })

	rel := pv.releases()
	for _, it := range items {
		if rel[it.Preview] != 1 {
			t.Fatalf("preview %s released %d times", it.Preview, rel[it.Preview])
		}
	}
}

func TestDiscardAbandonsTransfer(t *testing.T) {
	up := &fakeUploader{gate: make(chan struct{})}
	pv := &fakePreviewer{}
	q, state, rec := newQueue(t, up, WithPreviewer(pv))
	items, _ := q.Enqueue("t1", []File{file("a", 1)})
	waitFor(t, "upload start", func() bool { return len(up.callNames()) == 1 })

	if err := q.Discard(items[0].ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	drain(t, q)
	if len(q.Items()) != 0 {
		t.Fatalf("items = %+v", q.Items())
	}
	if pv.releases()[items[0].Preview] != 1 {
		t.Fatalf("preview not released")
	}
	if len(rec.Notices()) != 0 {
		t.Fatalf("discard produced notices: %+v", rec.Notices())
	}
	task, _ := state.Task("t1")
	if len(task.Attachments) != 0 {
		t.Fatalf("discarded upload merged")
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	up := &fakeUploader{gate: make(chan struct{})}
	q, _, _ := newQueue(t, up, WithConcurrency(2))
	if _, err := q.Enqueue("t1", []File{file("a", 1), file("b", 1), file("c", 1), file("d", 1)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "two workers busy", func() bool { return len(up.callNames()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := len(up.callNames()); n != 2 {
		t.Fatalf("calls while gated = %d, want 2", n)
	}
	close(up.gate)
	drain(t, q)
	up.mu.Lock()
	defer up.mu.Unlock()
	if up.maxAlive != 2 {
		t.Fatalf("max concurrent uploads = %d", up.maxAlive)
	}
}

func TestFullBufferRejectsItem(t *testing.T) {
	up := &fakeUploader{gate: make(chan struct{})}
	q, _, _ := newQueue(t, up, WithBuffer(1))
	first, _ := q.Enqueue("t1", []File{file("a", 1)})
	waitFor(t, "worker busy", func() bool { return len(up.callNames()) == 1 })
	items, _ := q.Enqueue("t1", []File{file("b", 1), file("c", 1)})
	if items[0].Status != domain.UploadQueued {
		t.Fatalf("buffered item = %+v", items[0])
	}
	if items[1].Status != domain.UploadError || !errors.Is(items[1].Err, ErrQueueFull) {
		t.Fatalf("overflow item = %+v", items[1])
	}
	close(up.gate)
	drain(t, q)
	if it, _ := q.Item(first[0].ID); it.Status != domain.UploadDone {
		t.Fatalf("first item = %+v", it)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	up := &fakeUploader{gate: make(chan struct{})}
	pv := &fakePreviewer{}
	q, _, rec := newQueue(t, up, WithPreviewer(pv))
	items, _ := q.Enqueue("t1", []File{file("a", 1), file("b", 1)})
	waitFor(t, "upload start", func() bool { return len(up.callNames()) == 1 })

	q.Close()
	q.Close()

	if len(q.Items()) != 0 {
		t.Fatalf("items after close = %d", len(q.Items()))
	}
	rel := pv.releases()
	for _, it := range items {
		if rel[it.Preview] != 1 {
			t.Fatalf("preview %s released %d times", it.Preview, rel[it.Preview])
		}
	}
	if len(rec.Notices()) != 0 {
		t.Fatalf("close produced notices: %+v", rec.Notices())
	}
	if _, err := q.Enqueue("t1", []File{file("c", 1)}); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("enqueue after close = %v", err)
	}
	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("drain after close: %v", err)
	}
}
