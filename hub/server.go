// Package hub serves the board collaborator API: board state over Azure
// Tables, chat threads and presence over Redis, and attachments on disk.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/storage"
)

const (
	// SessionHeader scopes reorder sequence numbers to one client session.
	SessionHeader = "X-Client-Session"

	DefaultUploadMaxBytes int64 = 100 << 20
	defaultKeepAlive            = 30 * time.Second
	maxJSONBody                 = 4 << 20
	leaveTimeout                = 5 * time.Second
)

// BoardStore persists boards. storage.Tables and storage.Memory implement it.
type BoardStore interface {
	LoadBoard(ctx context.Context, boardID string) (domain.Board, error)
	Task(ctx context.Context, boardID, taskID string) (domain.Task, error)
	UpdateTask(ctx context.Context, boardID, taskID string, p domain.RowPayload) (domain.Task, error)
	ReorderTasks(ctx context.Context, boardID string, ids []string, orders []int) error
	ReplaceColumns(ctx context.Context, boardID string, cols []domain.Column) error
	AddAttachments(ctx context.Context, boardID, taskID string, atts []domain.Attachment) (domain.Task, error)
}

// ThreadStore holds chat logs and presence.
type ThreadStore interface {
	AppendMessage(ctx context.Context, threadID string, m domain.ChatMessage) (domain.ChatMessage, error)
	Messages(ctx context.Context, threadID, after string) ([]domain.ChatMessage, error)
	Join(ctx context.Context, threadID string, p domain.PresenceEntry) error
	Leave(ctx context.Context, threadID, userID string) error
	Roster(ctx context.Context, threadID string) ([]domain.PresenceEntry, error)
	Subscribe(ctx context.Context, threadID string, logger *log.Logger) (*storage.Subscription, error)
}

// SeqGuard accepts only reorder batches newer than the last accepted one.
type SeqGuard interface {
	Accept(ctx context.Context, boardID, scope, session string, seq uint64) (bool, error)
}

// FileStore keeps uploaded attachment content.
type FileStore interface {
	Save(ctx context.Context, originalName string, r io.Reader, maxBytes int64) (domain.Attachment, error)
	Path(name string) (string, error)
}

// Server holds the collaborators of the hub handlers.
type Server struct {
	boards    BoardStore
	threads   ThreadStore
	seq       SeqGuard
	files     FileStore
	auth      Authenticator
	logger    *log.Logger
	maxUpload int64
	keepAlive time.Duration
	origins   []string
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *log.Logger) Option { return func(s *Server) { s.logger = l } }

// WithUploadMaxBytes caps the size of one uploaded file.
func WithUploadMaxBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithKeepAlive sets the interval of event stream keepalive comments.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// WithAllowedOrigins restricts CORS to the given origins.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// NewServer creates a Server. All collaborators are required.
func NewServer(boards BoardStore, threads ThreadStore, seq SeqGuard, files FileStore, auth Authenticator, opts ...Option) *Server {
	s := &Server{
		boards:    boards,
		threads:   threads,
		seq:       seq,
		files:     files,
		auth:      auth,
		logger:    log.StandardLogger(),
		maxUpload: DefaultUploadMaxBytes,
		keepAlive: defaultKeepAlive,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register wires the hub routes and middleware on e.
func (s *Server) Register(e *echo.Echo) {
	e.JSONSerializer = sonicSerializer{}
	e.Use(corsMiddleware(s.origins))
	e.Use(jsonBodyMiddleware(maxJSONBody))
	e.Use(metricsMiddleware(s.logger))

	e.GET("/healthz", s.healthz)
	e.GET("/files/:name", s.getFile)

	api := e.Group("/api")
	api.GET("/boards/:board", s.getBoard)
	api.PUT("/boards/:board/rows/order", s.putRowOrder)
	api.PUT("/boards/:board/columns", s.putColumns)
	api.GET("/boards/:board/rows/:row", s.getRow)
	api.PATCH("/boards/:board/rows/:row", s.patchRow)
	api.POST("/boards/:board/rows/:row/attachments", s.postAttachments)
	api.GET("/threads/:thread/stream", s.streamThread)
	api.POST("/threads/:thread/messages", s.postMessage)
}

func (s *Server) healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// authenticate resolves the caller or writes a 401.
func (s *Server) authenticate(c echo.Context, allowQuery bool) (string, bool, error) {
	m := metricsFrom(c)
	start := time.Now()
	userID, err := s.auth.UserIDFromAuthHeader(authHeader(c, allowQuery))
	m.ObserveAuth(time.Since(start))
	if err != nil {
		m.SetErrorStage("auth")
		return "", false, c.JSON(http.StatusUnauthorized, domain.ErrorResponse{Error: err.Error()})
	}
	return userID, true, nil
}

// decodeBody reads a JSON request body into v, rejecting unknown fields.
func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if bodyTooLarge(c) {
			return fmt.Errorf("body exceeds %d bytes: %w", maxJSONBody, errBodyTooLarge)
		}
		return &domain.ValidationError{Field: "body", Reason: "invalid body", Err: err}
	}
	return nil
}

// fail writes err with the status it maps to.
func (s *Server) fail(c echo.Context, stage string, err error) error {
	status := statusFor(err)
	metricsFrom(c).SetErrorStage(stage)
	if status >= http.StatusInternalServerError {
		s.logger.WithFields(log.Fields{"route": c.Path(), "stage": stage}).WithError(err).Error("request failed")
	}
	return c.JSON(status, domain.ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var vErr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrFileTooLarge), errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &vErr):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRevisionConflict),
		errors.Is(err, domain.ErrStaleSequence),
		errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type sonicSerializer struct{}

func (sonicSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (sonicSerializer) Deserialize(c echo.Context, i any) error {
	return sonic.ConfigStd.NewDecoder(c.Request().Body).Decode(i)
}
