package hub

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"prism-board/domain"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := sonic.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestGetBoard(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/api/boards/b1", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/boards/b1", nil, bearer(t, "u1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var b domain.Board
	if err := sonic.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode board: %v", err)
	}
	if b.ID != "b1" || len(b.Tasks) != 3 || len(b.Columns) != 2 {
		t.Fatalf("unexpected board: %+v", b)
	}

	rec = f.do(t, http.MethodGet, "/api/boards/missing", nil, bearer(t, "u1"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown board, got %d", rec.Code)
	}
}

func TestRowOrderRejectsStaleSequence(t *testing.T) {
	f := newFixture(t)
	put := func(session string, seq uint64, ids []string) int {
		h := bearer(t, "u1")
		if session != "" {
			h.Set(SessionHeader, session)
		}
		body := mustJSON(t, domain.ReorderRequest{IDs: ids, Orders: domain.DenseOrders(len(ids)), Seq: seq})
		return f.do(t, http.MethodPut, "/api/boards/b1/rows/order", body, h).Code
	}

	if code := put("s1", 2, []string{"t3", "t1", "t2"}); code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
	if code := put("s1", 1, []string{"t1", "t2", "t3"}); code != http.StatusConflict {
		t.Fatalf("expected 409 for older seq, got %d", code)
	}
	if code := put("s1", 2, []string{"t1", "t2", "t3"}); code != http.StatusConflict {
		t.Fatalf("expected 409 for repeated seq, got %d", code)
	}

	b, err := f.boards.LoadBoard(context.Background(), "b1")
	if err != nil {
		t.Fatalf("load board: %v", err)
	}
	if got := []string{b.Tasks[0].ID, b.Tasks[1].ID, b.Tasks[2].ID}; strings.Join(got, ",") != "t3,t1,t2" {
		t.Fatalf("stale batch applied: %v", got)
	}

	// another session has its own sequence space
	if code := put("s2", 1, []string{"t2", "t3", "t1"}); code != http.StatusNoContent {
		t.Fatalf("expected 204 for other session, got %d", code)
	}
	if code := put("", 0, []string{"t1"}); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing seq, got %d", code)
	}
}

func TestPutColumns(t *testing.T) {
	f := newFixture(t)
	cols := testBoard().Columns
	cols[0], cols[1] = cols[1], cols[0]
	domain.RenumberColumns(cols)

	rec := f.do(t, http.MethodPut, "/api/boards/b1/columns", mustJSON(t, domain.ColumnsRequest{Columns: cols, Seq: 1}), bearer(t, "u1"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	b, _ := f.boards.LoadBoard(context.Background(), "b1")
	if b.Columns[0].ID != "c2" {
		t.Fatalf("columns not replaced: %+v", b.Columns)
	}

	bad := []domain.Column{{ID: "c1", Type: "weird"}}
	rec = f.do(t, http.MethodPut, "/api/boards/b1/columns", mustJSON(t, domain.ColumnsRequest{Columns: bad, Seq: 2}), bearer(t, "u1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid column, got %d", rec.Code)
	}
}

func TestPatchRowRevisions(t *testing.T) {
	f := newFixture(t)
	payload := domain.RowPayload{Fields: map[string]any{"title": "A2"}, MemberIDs: []string{}, Revision: 0}

	rec := f.do(t, http.MethodPatch, "/api/boards/b1/rows/t1", mustJSON(t, payload), bearer(t, "u1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var task domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Revision != 1 || task.Fields["title"] != "A2" {
		t.Fatalf("unexpected task: %+v", task)
	}

	rec = f.do(t, http.MethodPatch, "/api/boards/b1/rows/t1", mustJSON(t, payload), bearer(t, "u1"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on stale revision, got %d", rec.Code)
	}
	var errBody domain.ErrorResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &errBody); err != nil || errBody.Error == "" {
		t.Fatalf("expected error body, got %q", rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/boards/b1/rows/t1", nil, bearer(t, "u1"))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"revision":1`) {
		t.Fatalf("unexpected row fetch: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPatch, "/api/boards/b1/rows/t1", []byte(`{"bogus":1}`), bearer(t, "u1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown fields, got %d", rec.Code)
	}
}

func TestGzipRequestBody(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(mustJSON(t, domain.RowPayload{Fields: map[string]any{"title": "zipped"}, Revision: 0}))
	zw.Close()

	h := bearer(t, "u1")
	h.Set(echo.HeaderContentEncoding, "gzip")
	rec := f.do(t, http.MethodPatch, "/api/boards/b1/rows/t2", buf.Bytes(), h)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPatch, "/api/boards/b1/rows/t2", []byte("not gzip"), h)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid gzip, got %d", rec.Code)
	}
}

func TestJSONBodyCapAppliesToInflatedSize(t *testing.T) {
	f := newFixture(t)
	huge := strings.Repeat("a", maxJSONBody+1)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(mustJSON(t, domain.RowPayload{Fields: map[string]any{"title": huge}}))
	zw.Close()
	if buf.Len() >= maxJSONBody {
		t.Fatalf("compressed body should be small, got %d bytes", buf.Len())
	}

	h := bearer(t, "u1")
	h.Set(echo.HeaderContentEncoding, "gzip")
	rec := f.do(t, http.MethodPatch, "/api/boards/b1/rows/t2", buf.Bytes(), h)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized inflated body, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPatch, "/api/boards/b1/rows/t2", mustJSON(t, domain.RowPayload{Fields: map[string]any{"title": huge}}), bearer(t, "u1"))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized plain body, got %d", rec.Code)
	}
	task, _ := f.boards.Task(context.Background(), "b1", "t2")
	if task.Revision != 0 {
		t.Fatalf("oversized update was applied: %+v", task)
	}
}

func TestGzipAttachmentsRejected(t *testing.T) {
	f := newFixture(t)
	body, ct := multipartBody(t, map[string]string{"a.txt": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/boards/b1/rows/t1/attachments", body)
	req.Header.Set(echo.HeaderContentType, ct)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signToken(t, "u1"))
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		io.WriteString(part, content)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestPostAttachments(t *testing.T) {
	f := newFixture(t, WithUploadMaxBytes(16))
	post := func(row string, files map[string]string) *httptest.ResponseRecorder {
		body, ct := multipartBody(t, files)
		req := httptest.NewRequest(http.MethodPost, "/api/boards/b1/rows/"+row+"/attachments", body)
		req.Header.Set(echo.HeaderContentType, ct)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+signToken(t, "u1"))
		rec := httptest.NewRecorder()
		f.e.ServeHTTP(rec, req)
		return rec
	}

	rec := post("t1", map[string]string{"notes.txt": "hello", "pic.png": "png-bytes"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var atts []domain.Attachment
	if err := sonic.Unmarshal(rec.Body.Bytes(), &atts); err != nil {
		t.Fatalf("decode attachments: %v", err)
	}
	if len(atts) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(atts))
	}
	task, _ := f.boards.Task(context.Background(), "b1", "t1")
	if len(task.Attachments) != 2 {
		t.Fatalf("attachments not stored on task: %+v", task.Attachments)
	}

	var txt domain.Attachment
	for _, a := range atts {
		if a.OriginalName == "notes.txt" {
			txt = a
		}
	}
	if !strings.HasPrefix(txt.Path, "/files/") {
		t.Fatalf("unexpected attachment path %q", txt.Path)
	}
	get := f.do(t, http.MethodGet, txt.Path, nil, nil)
	if get.Code != http.StatusOK || get.Body.String() != "hello" {
		t.Fatalf("unexpected file response: %d %q", get.Code, get.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/files/nope.txt", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown file, got %d", rec.Code)
	}

	if rec := post("t1", map[string]string{"big.bin": strings.Repeat("x", 17)}); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if rec := post("missing", map[string]string{"a.txt": "a"}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown row, got %d", rec.Code)
	}
}
