// Package session wires the order coordinator, the field sync loop, the
// upload queue and the presence channel around one shared board state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-board/autosave"
	"prism-board/board"
	"prism-board/domain"
	"prism-board/order"
	"prism-board/presence"
	"prism-board/upload"
)

// BoardLoader fetches the full board a session starts from.
type BoardLoader interface {
	LoadBoard(ctx context.Context, boardID string) (domain.Board, error)
}

// Deps are the collaborators a session talks to. The HTTP client in package
// client implements all of them.
type Deps struct {
	Boards    BoardLoader
	Order     order.Persister
	Rows      autosave.Persister
	Uploads   upload.Uploader
	Chat      presence.Transport
	Previewer upload.Previewer
}

// Config tunes a session. Zero values select the component defaults.
type Config struct {
	BoardID string

	AutosaveInterval  time.Duration
	FlushOnClose      bool
	ReconcilePolicy   order.Policy
	UploadMaxBytes    int64
	UploadConcurrency int
	UploadGrace       time.Duration
	ChatBackoffMin    time.Duration
	ChatBackoffMax    time.Duration
	// OptimisticSend shows chat messages before the server echo; Self is
	// the author id used for them.
	OptimisticSend bool
	Self           string

	Logger   *log.Logger
	Notifier domain.Notifier

	OnRowMoved         func(taskID string, from, to int)
	OnColumnsReordered func(cols []domain.Column)
	OnChatOpened       func(taskID, threadID string)
	OnUploadChanged    func(upload.Item)
	OnChatChanged      func()
}

// Session is one open board view.
type Session struct {
	cfg    Config
	deps   Deps
	logger *log.Logger

	state   *board.State
	order   *order.Coordinator
	loop    *autosave.Loop
	uploads *upload.Queue

	runCancel context.CancelFunc
	runDone   chan struct{}

	mu       sync.Mutex
	chat     *presence.Channel
	chatTask string
	closed   bool
	once     sync.Once
}

// Open loads the board and starts the autosave loop.
func Open(ctx context.Context, cfg Config, deps Deps) (*Session, error) {
	if cfg.BoardID == "" {
		return nil, &domain.ValidationError{Field: "boardId", Reason: "required"}
	}
	if deps.Boards == nil || deps.Order == nil || deps.Rows == nil || deps.Uploads == nil || deps.Chat == nil {
		return nil, errors.New("session: all collaborators are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = domain.LogNotifier{Logger: cfg.Logger}
	}

	b, err := deps.Boards.LoadBoard(ctx, cfg.BoardID)
	if err != nil {
		return nil, fmt.Errorf("load board %s: %w", cfg.BoardID, err)
	}
	if b.ID == "" {
		b.ID = cfg.BoardID
	}

	s := &Session{cfg: cfg, deps: deps, logger: cfg.Logger, state: board.New(b)}
	s.order = order.New(s.state, deps.Order,
		order.WithLogger(cfg.Logger),
		order.WithNotifier(cfg.Notifier),
		order.WithPolicy(cfg.ReconcilePolicy),
	)

	loopOpts := []autosave.Option{autosave.WithLogger(cfg.Logger), autosave.WithNotifier(cfg.Notifier)}
	if cfg.AutosaveInterval > 0 {
		loopOpts = append(loopOpts, autosave.WithInterval(cfg.AutosaveInterval))
	}
	if cfg.FlushOnClose {
		loopOpts = append(loopOpts, autosave.WithFlushOnClose())
	}
	s.loop = autosave.New(s.state, deps.Rows, loopOpts...)

	upOpts := []upload.Option{upload.WithLogger(cfg.Logger), upload.WithNotifier(cfg.Notifier)}
	if cfg.UploadMaxBytes > 0 {
		upOpts = append(upOpts, upload.WithMaxBytes(cfg.UploadMaxBytes))
	}
	if cfg.UploadConcurrency > 0 {
		upOpts = append(upOpts, upload.WithConcurrency(cfg.UploadConcurrency))
	}
	if cfg.UploadGrace > 0 {
		upOpts = append(upOpts, upload.WithGrace(cfg.UploadGrace))
	}
	if deps.Previewer != nil {
		upOpts = append(upOpts, upload.WithPreviewer(deps.Previewer))
	}
	if cfg.OnUploadChanged != nil {
		upOpts = append(upOpts, upload.WithOnChange(cfg.OnUploadChanged))
	}
	s.uploads = upload.New(s.state, deps.Uploads, upOpts...)

	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	s.runDone = make(chan struct{})
	go func() {
		defer close(s.runDone)
		s.loop.Run(runCtx)
	}()

	cfg.Logger.WithFields(log.Fields{"board": b.ID, "rows": len(b.Tasks), "columns": len(b.Columns)}).Info("board session opened")
	return s, nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Reorder moves a row or a visible column. The new order is visible as soon
// as Reorder returns.
func (s *Session) Reorder(scope domain.Scope, src, dst int) (uint64, error) {
	if s.isClosed() {
		return 0, domain.ErrClosed
	}
	seq, moved, err := s.order.Move(scope, src, dst)
	if err != nil {
		return 0, err
	}
	switch scope {
	case domain.ScopeRow:
		if s.cfg.OnRowMoved != nil {
			s.cfg.OnRowMoved(moved, src, dst)
		}
	case domain.ScopeColumn:
		if s.cfg.OnColumnsReordered != nil {
			s.cfg.OnColumnsReordered(s.state.Columns())
		}
	}
	return seq, nil
}

// FlushOrder waits for pending reorders to be persisted or reconciled.
func (s *Session) FlushOrder(ctx context.Context) error {
	return s.order.Flush(ctx)
}

func (s *Session) Edit(rowID, key string, value any) error {
	return s.loop.Edit(rowID, key, value)
}

func (s *Session) SetMembers(rowID string, members []domain.Member) error {
	return s.loop.SetMembers(rowID, members)
}

func (s *Session) Focus(rowID string) error { return s.loop.Focus(rowID) }

// EndEdit flushes and closes the edit session of rowID.
func (s *Session) EndEdit(ctx context.Context, rowID string) error {
	return s.loop.End(ctx, rowID)
}

// Dirty reports whether rowID has changes not yet acknowledged.
func (s *Session) Dirty(rowID string) bool { return s.loop.Dirty(rowID) }

// SaveNow runs one autosave tick immediately.
func (s *Session) SaveNow(ctx context.Context) {
	if s.isClosed() {
		return
	}
	s.loop.Tick(ctx)
}

func (s *Session) Upload(taskID string, files []upload.File) ([]upload.Item, error) {
	if _, ok := s.state.Task(taskID); !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	return s.uploads.Enqueue(taskID, files)
}

func (s *Session) RetryUpload(id string) error   { return s.uploads.Retry(id) }
func (s *Session) DiscardUpload(id string) error { return s.uploads.Discard(id) }
func (s *Session) Uploads() []upload.Item        { return s.uploads.Items() }

// DrainUploads waits until no upload is queued or running.
func (s *Session) DrainUploads(ctx context.Context) error { return s.uploads.Drain(ctx) }

// OpenChat connects the chat of taskID, replacing any chat already open.
func (s *Session) OpenChat(ctx context.Context, taskID string) error {
	task, ok := s.state.Task(taskID)
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	threadID := task.ThreadID
	if threadID == "" {
		threadID = task.ID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrClosed
	}
	prev := s.chat
	s.chat = nil
	s.chatTask = ""
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	opts := []presence.Option{
		presence.WithLogger(s.logger),
		presence.WithNotifier(s.cfg.Notifier),
	}
	if s.cfg.ChatBackoffMin > 0 || s.cfg.ChatBackoffMax > 0 {
		opts = append(opts, presence.WithBackoff(s.cfg.ChatBackoffMin, s.cfg.ChatBackoffMax))
	}
	if s.cfg.OptimisticSend {
		opts = append(opts, presence.WithOptimisticSend(s.cfg.Self))
	}
	if s.cfg.OnChatOpened != nil {
		opts = append(opts, presence.WithOnOpened(func(thread string) { s.cfg.OnChatOpened(taskID, thread) }))
	}
	if s.cfg.OnChatChanged != nil {
		opts = append(opts, presence.WithOnChange(s.cfg.OnChatChanged))
	}
	ch := presence.New(s.deps.Chat, opts...)
	if err := ch.Open(context.Background(), threadID); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ch.Close()
		return domain.ErrClosed
	}
	s.chat = ch
	s.chatTask = taskID
	s.mu.Unlock()
	return nil
}

// CloseChat disconnects the open chat, if any.
func (s *Session) CloseChat() {
	s.mu.Lock()
	ch := s.chat
	s.chat = nil
	s.chatTask = ""
	s.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

func (s *Session) currentChat() *presence.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chat
}

// ChatReady waits for the open chat's first connection.
func (s *Session) ChatReady(ctx context.Context) error {
	ch := s.currentChat()
	if ch == nil {
		return domain.ErrClosed
	}
	return ch.Ready(ctx)
}

func (s *Session) SendMessage(ctx context.Context, content string) error {
	ch := s.currentChat()
	if ch == nil {
		return domain.ErrClosed
	}
	return ch.SendMessage(ctx, content)
}

// ChatTask returns the task whose chat is open.
func (s *Session) ChatTask() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatTask
}

func (s *Session) ChatState() presence.State {
	if ch := s.currentChat(); ch != nil {
		return ch.State()
	}
	return presence.Closed
}

func (s *Session) Messages() []domain.ChatMessage {
	if ch := s.currentChat(); ch != nil {
		return ch.Messages()
	}
	return nil
}

func (s *Session) Roster() []domain.PresenceEntry {
	if ch := s.currentChat(); ch != nil {
		return ch.Roster()
	}
	return nil
}

func (s *Session) BoardID() string                    { return s.state.ID() }
func (s *Session) Tasks() []domain.Task               { return s.state.Tasks() }
func (s *Session) Columns() []domain.Column           { return s.state.Columns() }
func (s *Session) Task(id string) (domain.Task, bool) { return s.state.Task(id) }

// VisibleColumns returns the columns shown to the user, in order.
func (s *Session) VisibleColumns() []domain.Column {
	cols := s.state.Columns()
	out := cols[:0]
	for _, c := range cols {
		if c.Visible {
			out = append(out, c)
		}
	}
	return out
}

// Attachments returns the attachments of taskID.
func (s *Session) Attachments(taskID string) []domain.Attachment {
	t, ok := s.state.Task(taskID)
	if !ok {
		return nil
	}
	return t.Attachments
}

// Subscribe registers fn for every change of the board state.
func (s *Session) Subscribe(fn func(board.Change)) (unsubscribe func()) {
	return s.state.Subscribe(fn)
}

// Reload saves pending edits, waits for pending reorders and then replaces
// local state with the board as stored. The reloaded board becomes the
// acknowledged baseline of every component.
func (s *Session) Reload(ctx context.Context) error {
	if s.isClosed() {
		return domain.ErrClosed
	}
	s.loop.Tick(ctx)
	if err := s.order.Flush(ctx); err != nil {
		return err
	}
	b, err := s.deps.Boards.LoadBoard(ctx, s.state.ID())
	if err != nil {
		return fmt.Errorf("reload board %s: %w", s.state.ID(), err)
	}
	if b.ID == "" {
		b.ID = s.state.ID()
	}
	s.state.Load(b)
	s.order.Resync()
	s.loop.Resync()
	return nil
}

// Close tears the session down: the autosave ticker stops, the chat
// disconnects and in-flight uploads and reorders are abandoned. It is safe to
// call more than once.
func (s *Session) Close(ctx context.Context) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		ch := s.chat
		s.chat = nil
		s.chatTask = ""
		s.mu.Unlock()

		s.loop.Close(ctx)
		s.runCancel()
		<-s.runDone
		s.order.Close()
		s.uploads.Close()
		if ch != nil {
			ch.Close()
		}
		s.logger.WithField("board", s.state.ID()).Info("board session closed")
	})
}
