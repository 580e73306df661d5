package storage

import (
	"context"
	"testing"
)

type seqGuard interface {
	Accept(ctx context.Context, boardID, scope, session string, seq uint64) (bool, error)
}

func TestSeqGuards(t *testing.T) {
	_, rc := newRedis(t)
	guards := map[string]seqGuard{
		"redis":  NewRedisSeqGuard(rc, 0),
		"memory": NewMemorySeqGuard(),
	}
	steps := []struct {
		board, scope, session string
		seq                   uint64
		want                  bool
	}{
		{"b1", "row", "s1", 1, true},
		{"b1", "row", "s1", 3, true},
		{"b1", "row", "s1", 2, false},
		{"b1", "row", "s1", 3, false},
		{"b1", "column", "s1", 1, true},
		{"b1", "row", "s2", 1, true},
		{"b2", "row", "s1", 1, true},
		{"b1", "row", "s1", 4, true},
	}
	for name, g := range guards {
		t.Run(name, func(t *testing.T) {
			for i, s := range steps {
				got, err := g.Accept(context.Background(), s.board, s.scope, s.session, s.seq)
				if err != nil {
					t.Fatalf("step %d: %v", i, err)
				}
				if got != s.want {
					t.Fatalf("step %d (%+v) accepted = %v, want %v", i, s, got, s.want)
				}
			}
		})
	}
}
