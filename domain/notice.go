package domain

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// NoticeLevel grades user-visible notices.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeWarn  NoticeLevel = "warn"
	NoticeError NoticeLevel = "error"
)

// Notice is a non-blocking, user-visible report of a degraded operation.
type Notice struct {
	Level   NoticeLevel
	Op      string
	Message string
	Err     error
	// Moved lists ids whose position changed during an order reconciliation.
	Moved []string
}

// Notifier receives notices. Implementations must not block.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// LogNotifier writes notices to a logrus logger.
type LogNotifier struct {
	Logger *log.Logger
}

func (l LogNotifier) Notify(n Notice) {
	logger := l.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	entry := logger.WithFields(log.Fields{"op": n.Op})
	if n.Err != nil {
		entry = entry.WithError(n.Err)
	}
	if len(n.Moved) > 0 {
		entry = entry.WithField("moved", n.Moved)
	}
	switch n.Level {
	case NoticeError:
		entry.Error(n.Message)
	case NoticeWarn:
		entry.Warn(n.Message)
	default:
		entry.Info(n.Message)
	}
}

// NoticeRecorder collects notices; safe for concurrent use.
type NoticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *NoticeRecorder) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

// Notices returns a copy of the recorded notices.
func (r *NoticeRecorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}
