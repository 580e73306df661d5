package hub

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/domain"
	"prism-board/storage"
)

var testSecret = []byte("test-secret")

type fixture struct {
	e       *echo.Echo
	hook    *test.Hook
	boards  *storage.Memory
	threads *storage.Threads
	redis   *miniredis.Miniredis
}

func testBoard() domain.Board {
	return domain.Board{
		ID: "b1",
		Columns: []domain.Column{
			{ID: "c1", Key: "title", Name: "Title", Type: domain.ColumnText, Order: 1, Visible: true},
			{ID: "c2", Key: "status", Name: "Status", Type: domain.ColumnSelect, Order: 2, Visible: true, Options: []string{"todo", "done"}},
		},
		Tasks: []domain.Task{
			{ID: "t1", Order: 1, Fields: map[string]any{"title": "A"}},
			{ID: "t2", Order: 2, Fields: map[string]any{"title": "B"}},
			{ID: "t3", Order: 3, Fields: map[string]any{"title": "C"}},
		},
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rc.Close()
		mr.Close()
	})

	boards := storage.NewMemory()
	if err := boards.PutBoard(context.Background(), testBoard()); err != nil {
		t.Fatalf("seed board: %v", err)
	}
	files, err := storage.NewFiles(t.TempDir(), "/files")
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	threads := storage.NewThreads(rc, 0)
	logger, hook := test.NewNullLogger()

	srv := NewServer(boards, threads, storage.NewRedisSeqGuard(rc, 0), files,
		NewAuth(nil, "", "", testSecret, 0),
		append([]Option{WithLogger(logger), WithKeepAlive(50 * time.Millisecond)}, opts...)...)
	e := echo.New()
	srv.Register(e)
	return &fixture{e: e, hook: hook, boards: boards, threads: threads, redis: mr}
}

func signToken(t *testing.T, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func bearer(t *testing.T, sub string) http.Header {
	h := make(http.Header)
	h.Set(echo.HeaderAuthorization, "Bearer "+signToken(t, sub))
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
