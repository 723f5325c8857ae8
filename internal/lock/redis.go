package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/telemetry"
)

var errLockHeld = errors.New("lock held by another owner")

// unlockScript deletes the key only while we still own it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a lease-based lock shared by all service instances.
type RedisLocker struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	wait    time.Duration
	backoff time.Duration
	clock   clock.Clock
}

type RedisLockerConfig struct {
	Prefix string
	// TTL bounds how long a crashed owner can hold the lock.
	TTL time.Duration
	// Wait bounds how long Lock polls for a held lock.
	Wait  time.Duration
	Delay time.Duration
	Clock clock.Clock
}

func NewRedisLocker(client *redis.Client, cfg RedisLockerConfig) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "payment_lock:"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Wait == 0 {
		cfg.Wait = 10 * time.Second
	}
	if cfg.Delay == 0 {
		cfg.Delay = 25 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &RedisLocker{
		client:  client,
		prefix:  cfg.Prefix,
		ttl:     cfg.TTL,
		wait:    cfg.Wait,
		backoff: cfg.Delay,
		clock:   cfg.Clock,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + key
	token := uuid.NewString()

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
			if err != nil {
				return err
			}
			if !ok {
				return errLockHeld
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errLockHeld)
		},
		Delay:       l.backoff,
		MaxDelay:    500 * time.Millisecond,
		BackoffFunc: retry.DoubleDelay,
		MaxDuration: l.wait,
		Clock:       l.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		switch {
		case retry.IsRetryStopped(err):
			return nil, ctx.Err()
		case retry.IsDurationExceeded(err):
			return nil, fmt.Errorf("failed to acquire %s: %w", lockKey, retry.LastError(err))
		}
		return nil, fmt.Errorf("failed to acquire %s: %w", lockKey, err)
	}

	return func() {
		// The caller's ctx may be gone by now.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(unlockCtx, l.client, []string{lockKey}, token).Err(); err != nil {
			telemetry.Logger.Warn("Failed to release lock", zap.String("key", lockKey), zap.Error(err))
		}
	}, nil
}

// Chain acquires every locker in order, releasing in reverse.
type Chain []interfaces.Locker

func (c Chain) Lock(ctx context.Context, key string) (func(), error) {
	unlocks := make([]func(), 0, len(c))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}
