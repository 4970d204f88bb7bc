package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrAlreadyLocked is returned when another holder owns the lock.
var ErrAlreadyLocked = errors.New("lock already held")

// DefaultTTL bounds how long a crashed holder can block a room. A start
// sequence (track wait + clears + grace + remote start) finishes well inside it.
const DefaultTTL = 30 * time.Second

// RoomLocker serializes start sequences per room. Implemented on Redis;
// faked in tests.
type RoomLocker interface {
	// Acquire takes the lock for a room. On success it returns a release
	// func that must be called on every exit path. Returns ErrAlreadyLocked
	// when another start sequence holds the room.
	Acquire(ctx context.Context, roomName string) (release func(), err error)
}

// RedisLocker implements RoomLocker with a Redis SET NX PX key per room.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLocker creates a Redis-backed room locker.
func NewRedisLocker(client *redis.Client, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, ttl: DefaultTTL, logger: logger}
}

// releaseScript deletes the key only when it still holds our token, so an
// expired lock re-acquired by someone else is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Acquire takes the per-room lock.
func (l *RedisLocker) Acquire(ctx context.Context, roomName string) (func(), error) {
	key := lockKey(roomName)
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire room lock: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyLocked
	}

	release := func() {
		// Release with a fresh context: the request context may already be done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			l.logger.Warn("release room lock failed", zap.String("room", roomName), zap.Error(err))
		}
	}
	return release, nil
}

func lockKey(roomName string) string {
	return "lock:recording:" + roomName
}
