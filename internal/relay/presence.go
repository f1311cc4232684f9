package relay

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/dialink/dialink/internal/core"
)

// PresenceStore records which virtual numbers are reachable. The in-process
// hub routes through its own session table; the store exists so other relay
// instances and ops tooling can see who is online.
type PresenceStore interface {
	Register(ctx context.Context, number string, userID core.UserID) error
	Unregister(ctx context.Context, number string) error
	Lookup(ctx context.Context, number string) (core.UserID, bool, error)
}

type RedisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

func presenceKey(number string) string {
	return fmt.Sprintf("presence:%s", number)
}

func (p *RedisPresence) Register(ctx context.Context, number string, userID core.UserID) error {
	return p.rdb.Set(ctx, presenceKey(number), int64(userID), 0).Err()
}

func (p *RedisPresence) Unregister(ctx context.Context, number string) error {
	return p.rdb.Del(ctx, presenceKey(number)).Err()
}

func (p *RedisPresence) Lookup(ctx context.Context, number string) (core.UserID, bool, error) {
	val, err := p.rdb.Get(ctx, presenceKey(number)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt presence entry for %s: %w", number, err)
	}
	return core.UserID(id), true, nil
}
