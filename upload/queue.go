package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/board"
	"prism-board/domain"
)

// File is a local file handed to the queue.
type File struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// Uploader transfers a single file and returns the attachment metadata the
// server recorded for it. progress may be called with sent/total bytes.
type Uploader interface {
	UploadAttachment(ctx context.Context, boardID, taskID string, f File, progress func(sent, total int64)) ([]domain.Attachment, error)
}

// Previewer hands out preview handles for queued files. Every handle acquired
// is released exactly once, when the item leaves the queue.
type Previewer interface {
	Acquire(f File) string
	Release(handle string)
}

// Item is a snapshot of one queued upload.
type Item struct {
	ID       string
	TaskID   string
	Name     string
	Size     int64
	Status   domain.UploadStatus
	Progress int
	Err      error
	Preview  string
}

type entry struct {
	Item
	file   File
	merged bool
	cancel context.CancelFunc
	timer  *time.Timer
}

const (
	DefaultConcurrency = 1
	DefaultBuffer      = 256
	DefaultGrace       = 1500 * time.Millisecond
	DefaultTimeout     = 10 * time.Minute
)

var ErrQueueFull = errors.New("upload queue is full")

// Queue uploads files on a bounded pool of workers and merges the results
// into the owning task's attachments.
type Queue struct {
	state     *board.State
	uploader  Uploader
	previewer Previewer
	logger    *log.Logger
	notifier  domain.Notifier
	onChange  func(Item)

	maxBytes    int64
	concurrency int
	buffer      int
	grace       time.Duration
	timeout     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan string
	wg     sync.WaitGroup

	mu      sync.Mutex
	items   []*entry
	byID    map[string]*entry
	active  int
	waiters []chan struct{}
	closed  bool
	once    sync.Once
}

// Option configures a Queue.
type Option func(*Queue)

func WithLogger(l *log.Logger) Option       { return func(q *Queue) { q.logger = l } }
func WithNotifier(n domain.Notifier) Option { return func(q *Queue) { q.notifier = n } }
func WithPreviewer(p Previewer) Option      { return func(q *Queue) { q.previewer = p } }
func WithOnChange(fn func(Item)) Option     { return func(q *Queue) { q.onChange = fn } }
func WithMaxBytes(n int64) Option           { return func(q *Queue) { q.maxBytes = n } }
func WithConcurrency(n int) Option          { return func(q *Queue) { q.concurrency = n } }
func WithBuffer(n int) Option               { return func(q *Queue) { q.buffer = n } }

// WithGrace sets how long a finished item stays visible before it is removed.
func WithGrace(d time.Duration) Option { return func(q *Queue) { q.grace = d } }

// WithTimeout bounds a single file transfer.
func WithTimeout(d time.Duration) Option { return func(q *Queue) { q.timeout = d } }

// New starts the worker pool.
func New(state *board.State, uploader Uploader, opts ...Option) *Queue {
	if state == nil || uploader == nil {
		panic("upload.New: state and uploader are required")
	}
	q := &Queue{
		state:       state,
		uploader:    uploader,
		logger:      log.StandardLogger(),
		maxBytes:    domain.DefaultUploadCap,
		concurrency: DefaultConcurrency,
		buffer:      DefaultBuffer,
		grace:       DefaultGrace,
		timeout:     DefaultTimeout,
		byID:        make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.notifier == nil {
		q.notifier = domain.LogNotifier{Logger: q.logger}
	}
	if q.concurrency < 1 {
		q.concurrency = 1
	}
	if q.buffer < 1 {
		q.buffer = 1
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.jobs = make(chan string, q.buffer)
	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.logger.Debugf("upload queue started, workers: %d, buffer: %d, cap: %d", q.concurrency, q.buffer, q.maxBytes)
	return q
}

// Enqueue adds files for taskID. Files over the size cap go straight to
// error and are never sent. The returned items reflect the state right after
// admission.
func (q *Queue) Enqueue(taskID string, files []File) ([]Item, error) {
	if taskID == "" {
		return nil, &domain.ValidationError{Field: "taskId", Reason: "required"}
	}
	var changed []Item
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, domain.ErrClosed
	}
	out := make([]Item, 0, len(files))
	for _, f := range files {
		e := &entry{
			Item: Item{
				ID:     uuid.NewString(),
				TaskID: taskID,
				Name:   f.Name,
				Size:   f.Size,
				Status: domain.UploadQueued,
			},
			file: f,
		}
		if q.previewer != nil {
			e.Preview = q.previewer.Acquire(f)
		}
		q.items = append(q.items, e)
		q.byID[e.ID] = e

		if f.Size > q.maxBytes {
			e.Status = domain.UploadError
			e.Err = &domain.ValidationError{
				Field:  "size",
				Reason: fmt.Sprintf("%s is %d bytes, limit is %d", f.Name, f.Size, q.maxBytes),
				Err:    domain.ErrFileTooLarge,
			}
			q.logger.WithFields(log.Fields{"upload": e.ID, "task": taskID, "size": f.Size}).Warn("file rejected: over size cap")
		} else if !q.dispatchLocked(e) {
			e.Status = domain.UploadError
			e.Err = ErrQueueFull
		}
		out = append(out, e.Item)
		changed = append(changed, e.Item)
	}
	q.mu.Unlock()

	for _, it := range changed {
		if it.Status == domain.UploadError {
			q.notifier.Notify(domain.Notice{Level: domain.NoticeError, Op: "upload", Message: it.Name + " could not be uploaded", Err: it.Err})
		}
		q.emit(it)
	}
	return out, nil
}

// dispatchLocked hands e to the workers without blocking the caller.
func (q *Queue) dispatchLocked(e *entry) bool {
	select {
	case q.jobs <- e.ID:
		q.active++
		return true
	default:
		q.logger.WithField("upload", e.ID).Warn("upload queue full")
		return false
	}
}

// Retry re-submits an item in error. Items rejected by the size cap cannot
// be retried.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.ErrClosed
	}
	e, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("upload %s: %w", id, domain.ErrNotFound)
	}
	if e.Status != domain.UploadError {
		q.mu.Unlock()
		return &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("cannot retry upload in status %s", e.Status)}
	}
	if e.Size > q.maxBytes {
		q.mu.Unlock()
		return &domain.ValidationError{Field: "size", Reason: "file exceeds upload size cap", Err: domain.ErrFileTooLarge}
	}
	if !q.dispatchLocked(e) {
		q.mu.Unlock()
		return ErrQueueFull
	}
	e.Status = domain.UploadUploading
	e.Progress = 0
	e.Err = nil
	it := e.Item
	q.mu.Unlock()

	q.emit(it)
	return nil
}

// Discard removes an item whatever its status, abandoning a transfer in
// progress.
func (q *Queue) Discard(id string) error {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("upload %s: %w", id, domain.ErrNotFound)
	}
	if e.cancel != nil {
		e.cancel()
	}
	handle := q.removeLocked(e)
	q.mu.Unlock()

	q.release(handle)
	return nil
}

// Items returns the queue contents in admission order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.items))
	for _, e := range q.items {
		out = append(out, e.Item)
	}
	return out
}

// Item returns one item by id.
func (q *Queue) Item(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return Item{}, false
	}
	return e.Item, true
}

// Drain waits until no item is queued or uploading.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.active == 0 {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close abandons transfers in progress, stops the workers and releases every
// preview handle. It is safe to call more than once.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.cancel()
		q.mu.Lock()
		q.closed = true
		close(q.jobs)
		q.mu.Unlock()

		q.wg.Wait()

		q.mu.Lock()
		var handles []string
		for _, e := range q.items {
			if e.timer != nil {
				e.timer.Stop()
			}
			if e.Preview != "" {
				handles = append(handles, e.Preview)
			}
		}
		q.items = nil
		q.byID = make(map[string]*entry)
		q.active = 0
		q.wakeLocked()
		q.mu.Unlock()

		for _, h := range handles {
			q.release(h)
		}
	})
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for itemID := range q.jobs {
		if q.ctx.Err() != nil {
			continue
		}
		q.process(id, itemID)
	}
}

func (q *Queue) process(worker int, id string) {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok || (e.Status != domain.UploadQueued && e.Status != domain.UploadUploading) {
		// discarded before a worker picked it up
		q.finishLocked()
		q.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	defer cancel()
	e.cancel = cancel
	e.Status = domain.UploadUploading
	it, file := e.Item, e.file
	q.mu.Unlock()
	q.emit(it)

	lg := q.logger.WithFields(log.Fields{"upload": id, "task": it.TaskID, "worker": worker})
	start := time.Now()
	atts, err := q.uploader.UploadAttachment(ctx, q.state.ID(), it.TaskID, file, func(sent, total int64) {
		q.progress(id, sent, total)
	})

	if err != nil {
		q.fail(id, err, lg)
		return
	}
	lg.WithFields(log.Fields{"files": len(atts), "duration": time.Since(start)}).Debug("upload finished")
	q.complete(id, atts, lg)
}

func (q *Queue) progress(id string, sent, total int64) {
	if total <= 0 {
		return
	}
	pct := int(sent * 100 / total)
	if pct < 0 {
		pct = 0
	}
	// 100 is reserved for the done state.
	if pct > 99 {
		pct = 99
	}
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok || e.Status != domain.UploadUploading || pct <= e.Progress {
		q.mu.Unlock()
		return
	}
	e.Progress = pct
	it := e.Item
	q.mu.Unlock()
	q.emit(it)
}

func (q *Queue) fail(id string, err error, lg *log.Entry) {
	q.mu.Lock()
	q.finishLocked()
	e, ok := q.byID[id]
	if !ok || q.closed || q.ctx.Err() != nil {
		// discarded or closed mid-flight
		q.mu.Unlock()
		return
	}
	e.cancel = nil
	e.Status = domain.UploadError
	var netErr *domain.NetworkError
	if !errors.As(err, &netErr) {
		err = &domain.NetworkError{Op: "upload", Err: err}
	}
	e.Err = err
	it := e.Item
	q.mu.Unlock()

	lg.WithError(err).Error("upload failed")
	q.notifier.Notify(domain.Notice{Level: domain.NoticeError, Op: "upload", Message: it.Name + " failed to upload", Err: err})
	q.emit(it)
}

func (q *Queue) complete(id string, atts []domain.Attachment, lg *log.Entry) {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok || q.closed {
		q.finishLocked()
		q.mu.Unlock()
		return
	}
	e.cancel = nil
	merge := !e.merged
	e.merged = true
	taskID := e.TaskID
	q.mu.Unlock()

	if merge && len(atts) > 0 {
		if _, err := q.state.Apply(taskID, domain.TaskDelta{Attachments: atts}); err != nil {
			lg.WithError(err).Warn("uploaded attachment could not be merged")
		}
	}

	q.mu.Lock()
	e, ok = q.byID[id]
	if !ok {
		q.finishLocked()
		q.mu.Unlock()
		return
	}
	e.Status = domain.UploadDone
	e.Progress = 100
	e.timer = time.AfterFunc(q.grace, func() { q.expire(id) })
	it := e.Item
	q.finishLocked()
	q.mu.Unlock()
	q.emit(it)
}

func (q *Queue) expire(id string) {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	handle := q.removeLocked(e)
	q.mu.Unlock()
	q.release(handle)
}

func (q *Queue) removeLocked(e *entry) string {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(q.byID, e.ID)
	for i, x := range q.items {
		if x == e {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	return e.Preview
}

func (q *Queue) finishLocked() {
	if q.active > 0 {
		q.active--
	}
	if q.active == 0 {
		q.wakeLocked()
	}
}

func (q *Queue) wakeLocked() {
	for _, ch := range q.waiters {
		close(ch)
	}
	q.waiters = nil
}

func (q *Queue) release(handle string) {
	if handle != "" && q.previewer != nil {
		q.previewer.Release(handle)
	}
}

func (q *Queue) emit(it Item) {
	if q.onChange != nil {
		q.onChange(it)
	}
}
