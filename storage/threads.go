package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

const (
	threadKeyPrefix = "thread:"
	defaultLogLimit = 500
)

// Threads keeps chat logs and online rosters in Redis and fans events out
// through one pub/sub channel per thread.
type Threads struct {
	client   *redis.Client
	logLimit int64
	now      func() time.Time
}

// NewThreads creates a thread store. logLimit caps the messages kept per
// thread; zero keeps the default.
func NewThreads(client *redis.Client, logLimit int) *Threads {
	if logLimit <= 0 {
		logLimit = defaultLogLimit
	}
	return &Threads{client: client, logLimit: int64(logLimit), now: time.Now}
}

func logKey(threadID string) string     { return threadKeyPrefix + threadID + ":log" }
func rosterKey(threadID string) string  { return threadKeyPrefix + threadID + ":roster" }
func connsKey(threadID string) string   { return threadKeyPrefix + threadID + ":conns" }
func channelKey(threadID string) string { return threadKeyPrefix + threadID + ":events" }

// AppendMessage stores m at the end of the thread log and publishes it. The
// id and timestamp are assigned here.
func (s *Threads) AppendMessage(ctx context.Context, threadID string, m domain.ChatMessage) (domain.ChatMessage, error) {
	if strings.TrimSpace(m.Content) == "" {
		return domain.ChatMessage{}, &domain.ValidationError{Field: "content", Reason: "empty message"}
	}
	m.ID = uuid.NewString()
	m.ThreadID = threadID
	m.CreatedAt = s.now().UTC()
	m.Pending = false
	data, err := sonic.Marshal(m)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	ev, err := sonic.Marshal(domain.ChannelEvent{Type: domain.EventMessage, Message: &m})
	if err != nil {
		return domain.ChatMessage{}, err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, logKey(threadID), data)
		pipe.LTrim(ctx, logKey(threadID), -s.logLimit, -1)
		pipe.Publish(ctx, channelKey(threadID), ev)
		return nil
	})
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return m, nil
}

// Messages returns the thread log. With a non-empty after only the messages
// following that id are returned; an unknown id yields the whole log.
func (s *Threads) Messages(ctx context.Context, threadID, after string) ([]domain.ChatMessage, error) {
	raw, err := s.client.LRange(ctx, logKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.ChatMessage, 0, len(raw))
	for _, r := range raw {
		var m domain.ChatMessage
		if err := sonic.UnmarshalString(r, &m); err != nil {
			return nil, fmt.Errorf("decode message in %s: %w", threadID, err)
		}
		msgs = append(msgs, m)
	}
	if after == "" {
		return msgs, nil
	}
	for i, m := range msgs {
		if m.ID == after {
			return msgs[i+1:], nil
		}
	}
	return msgs, nil
}

// Join records one connection of p in the thread. The first connection of a
// user adds them to the roster and publishes a join event.
func (s *Threads) Join(ctx context.Context, threadID string, p domain.PresenceEntry) error {
	if p.UserID == "" {
		return &domain.ValidationError{Field: "userId", Reason: "required"}
	}
	n, err := s.client.HIncrBy(ctx, connsKey(threadID), p.UserID, 1).Result()
	if err != nil {
		return err
	}
	data, err := sonic.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, rosterKey(threadID), p.UserID, data).Err(); err != nil {
		return err
	}
	if n > 1 {
		return nil
	}
	return s.publish(ctx, threadID, domain.ChannelEvent{Type: domain.EventJoin, Member: &p})
}

// Leave drops one connection of userID. The last connection removes the user
// from the roster and publishes a leave event.
func (s *Threads) Leave(ctx context.Context, threadID, userID string) error {
	n, err := s.client.HIncrBy(ctx, connsKey(threadID), userID, -1).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, connsKey(threadID), userID)
		pipe.HDel(ctx, rosterKey(threadID), userID)
		return nil
	})
	if err != nil {
		return err
	}
	return s.publish(ctx, threadID, domain.ChannelEvent{Type: domain.EventLeave, Member: &domain.PresenceEntry{UserID: userID}})
}

// Roster returns the users online in the thread, ordered by user id.
func (s *Threads) Roster(ctx context.Context, threadID string) ([]domain.PresenceEntry, error) {
	raw, err := s.client.HGetAll(ctx, rosterKey(threadID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.PresenceEntry, 0, len(raw))
	for uid, r := range raw {
		var p domain.PresenceEntry
		if err := sonic.UnmarshalString(r, &p); err != nil {
			return nil, fmt.Errorf("decode roster entry %s: %w", uid, err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Threads) publish(ctx context.Context, threadID string, ev domain.ChannelEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, channelKey(threadID), data).Err()
}

// Subscription delivers the events published on one thread.
type Subscription struct {
	pubsub *redis.PubSub
	events chan domain.ChannelEvent
	done   chan struct{}
	once   sync.Once
}

// Subscribe listens for events on threadID until ctx is done or Close is
// called. The subscription is active when Subscribe returns.
func (s *Threads) Subscribe(ctx context.Context, threadID string, logger *log.Logger) (*Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channelKey(threadID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	sub := &Subscription{pubsub: pubsub, events: make(chan domain.ChannelEvent, 32), done: make(chan struct{})}
	go sub.run(ctx, threadID, logger)
	return sub, nil
}

func (s *Subscription) run(ctx context.Context, threadID string, logger *log.Logger) {
	defer close(s.events)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				logger.WithField("thread", threadID).Error("subscription channel closed")
				return
			}
			var ev domain.ChannelEvent
			if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
				logger.WithField("thread", threadID).Errorf("unable to parse thread event: %v", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan domain.ChannelEvent { return s.events }

// Close stops the subscription.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
		if errors.Is(err, redis.ErrClosed) {
			err = nil
		}
	})
	return err
}
