package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// acceptSeq stores ARGV[1] in KEYS[1] when it is greater than the stored
// value and returns 1, otherwise it returns 0.
var acceptSeq = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local seq = tonumber(ARGV[1])
if seq <= cur then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
return 1
`)

// RedisSeqGuard rejects reorder batches that are not newer than the last one
// accepted for the same board, scope and client session.
type RedisSeqGuard struct {
	client *redis.Client
	ttlSec int
}

func NewRedisSeqGuard(client *redis.Client, ttlSec int) *RedisSeqGuard {
	if ttlSec <= 0 {
		ttlSec = 24 * 60 * 60
	}
	return &RedisSeqGuard{client: client, ttlSec: ttlSec}
}

func seqKey(boardID, scope, session string) string {
	return fmt.Sprintf("seq:%s:%s:%s", boardID, scope, session)
}

// Accept reports whether seq is newer than the last accepted value and
// records it if so.
func (g *RedisSeqGuard) Accept(ctx context.Context, boardID, scope, session string, seq uint64) (bool, error) {
	n, err := acceptSeq.Run(ctx, g.client, []string{seqKey(boardID, scope, session)}, seq, g.ttlSec).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MemorySeqGuard is the in-process equivalent of RedisSeqGuard.
type MemorySeqGuard struct {
	mu   sync.Mutex
	last map[string]uint64
}

func NewMemorySeqGuard() *MemorySeqGuard {
	return &MemorySeqGuard{last: make(map[string]uint64)}
}

func (g *MemorySeqGuard) Accept(ctx context.Context, boardID, scope, session string, seq uint64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := seqKey(boardID, scope, session)
	if seq <= g.last[k] {
		return false, nil
	}
	g.last[k] = seq
	return true, nil
}
