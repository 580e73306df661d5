package presence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// State is the connection state of a channel.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one realtime connection to a thread. Events is closed when the
// connection ends; Err then reports why.
type Conn interface {
	Events() <-chan domain.ChannelEvent
	Err() error
	Close() error
}

// Transport opens thread connections and sends messages.
type Transport interface {
	// Dial connects to threadID. A non-empty after asks the server to resume
	// after that message id.
	Dial(ctx context.Context, threadID, after string) (Conn, error)
	Send(ctx context.Context, threadID string, msg Outgoing) error
}

// Outgoing is a message send request.
type Outgoing struct {
	Content  string `json:"content"`
	ClientID string `json:"clientId,omitempty"`
}

// Channel keeps the message log and online roster of one task thread.
type Channel struct {
	transport  Transport
	logger     *log.Logger
	notifier   domain.Notifier
	minBackoff time.Duration
	maxBackoff time.Duration
	optimistic bool
	self       string
	onState    func(State)
	onChange   func()
	onOpened   func(threadID string)

	mu        sync.Mutex
	state     State
	threadID  string
	messages  []domain.ChatMessage
	seen      map[string]struct{}
	pending   map[string]int
	roster    []domain.PresenceEntry
	lastSeen  string
	openedCh  chan struct{}
	announced bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Channel.
type Option func(*Channel)

func WithLogger(l *log.Logger) Option       { return func(c *Channel) { c.logger = l } }
func WithNotifier(n domain.Notifier) Option { return func(c *Channel) { c.notifier = n } }

// WithBackoff bounds the reconnect delay.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Channel) {
		c.minBackoff = min
		c.maxBackoff = max
	}
}

// WithOptimisticSend shows sent messages before the server echo, attributed
// to self.
func WithOptimisticSend(self string) Option {
	return func(c *Channel) {
		c.optimistic = true
		c.self = self
	}
}

func WithOnState(fn func(State)) Option            { return func(c *Channel) { c.onState = fn } }
func WithOnChange(fn func()) Option                { return func(c *Channel) { c.onChange = fn } }
func WithOnOpened(fn func(threadID string)) Option { return func(c *Channel) { c.onOpened = fn } }

// New creates an idle channel.
func New(transport Transport, opts ...Option) *Channel {
	if transport == nil {
		panic("presence.New: transport is required")
	}
	c := &Channel{
		transport:  transport,
		logger:     log.StandardLogger(),
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = domain.LogNotifier{Logger: c.logger}
	}
	return c
}

// Open connects to threadID in the background. A channel that was closed can
// be opened again; its log and roster start empty.
func (c *Channel) Open(ctx context.Context, threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return &domain.ValidationError{Field: "threadId", Reason: "required"}
	}
	c.mu.Lock()
	if c.state != Idle && c.state != Closed {
		c.mu.Unlock()
		return errors.New("presence: channel already open")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.threadID = threadID
	c.messages = nil
	c.seen = make(map[string]struct{})
	c.pending = make(map[string]int)
	c.roster = nil
	c.lastSeen = ""
	c.announced = false
	c.openedCh = make(chan struct{})
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.setState(Connecting)
	go c.run(runCtx, threadID, done)
	return nil
}

// Ready blocks until the channel has been open at least once.
func (c *Channel) Ready(ctx context.Context) error {
	c.mu.Lock()
	ch := c.openedCh
	c.mu.Unlock()
	if ch == nil {
		return errors.New("presence: channel not opened")
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) run(ctx context.Context, threadID string, done chan struct{}) {
	defer close(done)
	entry := c.logger.WithField("thread", threadID)
	retry := newReconnectBackoff(c.minBackoff, c.maxBackoff)
	attempt := 0
	for {
		after := c.LastSeen()
		conn, err := c.transport.Dial(ctx, threadID, after)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			c.reportOutage(entry, threadID, err, attempt)
			if !c.sleep(ctx, retry.NextBackOff()) {
				return
			}
			continue
		}

		attempt = 0
		retry.Reset()
		c.markOpen(threadID)
		entry.WithField("after", after).Debug("channel open")
		c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}

		attempt++
		cause := conn.Err()
		if cause == nil {
			cause = errors.New("stream ended")
		}
		c.reportOutage(entry, threadID, cause, attempt)
		if !c.sleep(ctx, retry.NextBackOff()) {
			return
		}
	}
}

func (c *Channel) consume(ctx context.Context, conn Conn) {
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.apply(ev)
		}
	}
}

func (c *Channel) reportOutage(entry *log.Entry, threadID string, err error, attempt int) {
	chErr := &domain.ChannelError{ThreadID: threadID, Err: err}
	entry.WithError(err).WithField("attempt", attempt).Warn("channel dropped; reconnecting")
	c.setState(Reconnecting)
	if attempt == 1 {
		c.notifier.Notify(domain.Notice{Level: domain.NoticeWarn, Op: "chat", Message: "chat connection lost; reconnecting", Err: chErr})
	}
}

func (c *Channel) markOpen(threadID string) {
	c.mu.Lock()
	first := !c.announced
	c.announced = true
	if first {
		close(c.openedCh)
	}
	c.mu.Unlock()
	c.setState(Open)
	if first && c.onOpened != nil {
		c.onOpened(threadID)
	}
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == Closed && s != Connecting {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Channel) apply(ev domain.ChannelEvent) {
	c.mu.Lock()
	switch ev.Type {
	case domain.EventMessages:
		for _, m := range ev.Messages {
			c.appendLocked(m)
		}
	case domain.EventMessage:
		if ev.Message != nil {
			c.appendLocked(*ev.Message)
		}
	case domain.EventPresence:
		c.roster = nil
		for _, p := range ev.Roster {
			c.upsertLocked(p)
		}
	case domain.EventJoin:
		if ev.Member != nil {
			c.upsertLocked(*ev.Member)
		}
	case domain.EventLeave:
		if ev.Member != nil {
			c.removeLocked(ev.Member.UserID)
		}
	default:
		c.mu.Unlock()
		c.logger.WithField("type", ev.Type).Debug("ignoring unknown channel event")
		return
	}
	c.mu.Unlock()
	if c.onChange != nil {
		c.onChange()
	}
}

// appendLocked adds m to the log unless it was already seen. A server echo of
// a pending optimistic message replaces it in place.
func (c *Channel) appendLocked(m domain.ChatMessage) {
	if m.ID == "" {
		return
	}
	if _, ok := c.seen[m.ID]; ok {
		return
	}
	c.seen[m.ID] = struct{}{}
	c.lastSeen = m.ID
	m.Pending = false
	if m.ClientID != "" {
		if idx, ok := c.pending[m.ClientID]; ok {
			delete(c.pending, m.ClientID)
			c.messages[idx] = m
			return
		}
	}
	c.messages = append(c.messages, m)
}

func (c *Channel) upsertLocked(p domain.PresenceEntry) {
	if p.UserID == "" {
		return
	}
	for i := range c.roster {
		if c.roster[i].UserID == p.UserID {
			c.roster[i] = p
			return
		}
	}
	c.roster = append(c.roster, p)
}

func (c *Channel) removeLocked(userID string) {
	for i := range c.roster {
		if c.roster[i].UserID == userID {
			c.roster = append(c.roster[:i], c.roster[i+1:]...)
			return
		}
	}
}

// SendMessage posts content to the thread. Unless optimistic send is
// enabled the message shows up in the log only once the channel echoes it.
func (c *Channel) SendMessage(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return &domain.ValidationError{Field: "content", Reason: "empty message"}
	}
	c.mu.Lock()
	if c.state == Idle || c.state == Closed {
		c.mu.Unlock()
		return domain.ErrClosed
	}
	threadID := c.threadID
	clientID := uuid.NewString()
	if c.optimistic {
		c.pending[clientID] = len(c.messages)
		c.messages = append(c.messages, domain.ChatMessage{
			ID:        "pending:" + clientID,
			ThreadID:  threadID,
			Author:    c.self,
			Content:   content,
			CreatedAt: time.Now().UTC(),
			ClientID:  clientID,
			Pending:   true,
		})
	}
	c.mu.Unlock()
	if c.optimistic && c.onChange != nil {
		c.onChange()
	}

	err := c.transport.Send(ctx, threadID, Outgoing{Content: content, ClientID: clientID})
	if err == nil {
		return nil
	}
	if c.optimistic {
		c.dropPending(clientID)
	}
	c.logger.WithField("thread", threadID).WithError(err).Error("send message failed")
	c.notifier.Notify(domain.Notice{Level: domain.NoticeError, Op: "chat.send", Message: "message could not be sent", Err: err})
	return err
}

func (c *Channel) dropPending(clientID string) {
	c.mu.Lock()
	idx, ok := c.pending[clientID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, clientID)
	c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
	for k, v := range c.pending {
		if v > idx {
			c.pending[k] = v - 1
		}
	}
	c.mu.Unlock()
	if c.onChange != nil {
		c.onChange()
	}
}

// State returns the connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ThreadID returns the thread the channel was last opened for.
func (c *Channel) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// Messages returns a copy of the message log in insertion order.
func (c *Channel) Messages() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ChatMessage(nil), c.messages...)
}

// Roster returns a copy of the online roster.
func (c *Channel) Roster() []domain.PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.PresenceEntry(nil), c.roster...)
}

// LastSeen returns the id of the newest message received from the server.
func (c *Channel) LastSeen() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Close disconnects and clears the log and roster. It is safe to call more
// than once and on a channel that was never opened.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state == Idle || c.state == Closed {
		c.state = Closed
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.state = Closed
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	c.messages = nil
	c.roster = nil
	c.pending = make(map[string]int)
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(Closed)
	}
}
