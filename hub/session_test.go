package hub

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/client"
	"prism-board/domain"
	"prism-board/session"
	"prism-board/upload"
)

func TestSessionAgainstHub(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.e)
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger, _ := test.NewNullLogger()
	notices := &domain.NoticeRecorder{}
	cl := client.New(ts.URL, client.WithToken(client.StaticToken(signToken(t, "u1"))), client.WithLogger(logger))
	sess, err := session.Open(ctx, session.Config{
		BoardID:          "b1",
		AutosaveInterval: time.Hour,
		UploadGrace:      time.Hour,
		Logger:           logger,
		Notifier:         notices,
	}, session.Deps{Boards: cl, Order: cl, Rows: cl, Uploads: cl, Chat: cl})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer sess.Close(ctx)

	if _, err := sess.Reorder(domain.ScopeRow, 0, 2); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if err := sess.FlushOrder(ctx); err != nil {
		t.Fatalf("flush order: %v", err)
	}
	b, _ := f.boards.LoadBoard(ctx, "b1")
	if got := []string{b.Tasks[0].ID, b.Tasks[1].ID, b.Tasks[2].ID}; strings.Join(got, ",") != "t2,t3,t1" {
		t.Fatalf("server order = %v", got)
	}

	if err := sess.Edit("t2", "title", "B2"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	sess.SaveNow(ctx)
	stored, _ := f.boards.Task(ctx, "b1", "t2")
	if stored.Fields["title"] != "B2" || stored.Revision != 1 {
		t.Fatalf("row not saved: %+v", stored)
	}
	if sess.Dirty("t2") {
		t.Fatalf("row still dirty after ack")
	}

	items, err := sess.Upload("t3", []upload.File{{
		Name: "notes.txt",
		Size: 5,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("hello")), nil },
	}})
	if err != nil || len(items) != 1 {
		t.Fatalf("upload: %v %+v", err, items)
	}
	if err := sess.DrainUploads(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if atts := sess.Attachments("t3"); len(atts) != 1 || atts[0].OriginalName != "notes.txt" {
		t.Fatalf("attachment not merged: %+v", atts)
	}

	if err := sess.OpenChat(ctx, "t1"); err != nil {
		t.Fatalf("open chat: %v", err)
	}
	if err := sess.ChatReady(ctx); err != nil {
		t.Fatalf("chat ready: %v", err)
	}
	if err := sess.SendMessage(ctx, "hello there"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "echoed message", func() bool {
		msgs := sess.Messages()
		return len(msgs) == 1 && msgs[0].Content == "hello there" && msgs[0].Author == "u1"
	})
	waitFor(t, "caller in roster", func() bool {
		roster := sess.Roster()
		return len(roster) == 1 && roster[0].UserID == "u1"
	})

	if n := notices.Notices(); len(n) != 0 {
		t.Fatalf("unexpected notices: %+v", n)
	}
}

func TestReopenedSessionOnSameClientKeepsReordering(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.e)
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger, _ := test.NewNullLogger()
	cl := client.New(ts.URL, client.WithToken(client.StaticToken(signToken(t, "u1"))), client.WithLogger(logger))
	open := func(notices domain.Notifier) *session.Session {
		sess, err := session.Open(ctx, session.Config{
			BoardID:          "b1",
			AutosaveInterval: time.Hour,
			Logger:           logger,
			Notifier:         notices,
		}, session.Deps{Boards: cl, Order: cl, Rows: cl, Uploads: cl, Chat: cl})
		if err != nil {
			t.Fatalf("open session: %v", err)
		}
		return sess
	}

	first := open(&domain.NoticeRecorder{})
	for i := 0; i < 2; i++ {
		if _, err := first.Reorder(domain.ScopeRow, 0, 2); err != nil {
			t.Fatalf("reorder: %v", err)
		}
	}
	if err := first.FlushOrder(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	first.Close(ctx)

	notices := &domain.NoticeRecorder{}
	second := open(notices)
	defer second.Close(ctx)
	if seq, err := second.Reorder(domain.ScopeRow, 2, 0); err != nil || seq != 1 {
		t.Fatalf("reorder after reopen: seq=%d err=%v", seq, err)
	}
	if err := second.FlushOrder(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	local := make([]string, 0, 3)
	for _, tk := range second.Tasks() {
		local = append(local, tk.ID)
	}
	b, _ := f.boards.LoadBoard(ctx, "b1")
	server := []string{b.Tasks[0].ID, b.Tasks[1].ID, b.Tasks[2].ID}
	if strings.Join(local, ",") != strings.Join(server, ",") {
		t.Fatalf("local=%v server=%v", local, server)
	}
	if n := notices.Notices(); len(n) != 0 {
		t.Fatalf("unexpected notices: %+v", n)
	}
}
