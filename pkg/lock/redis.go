package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// unlockScript deletes the key only when it still holds this holder's token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisConfig configures the distributed locker.
type RedisConfig struct {
	// Address is the Redis server address (host:port).
	Address string

	// Password is the optional Redis password.
	Password string

	// DB is the Redis database number.
	DB int

	// KeyPrefix namespaces lock keys.
	KeyPrefix string

	// TTL bounds how long a crashed holder can keep a key.
	TTL time.Duration

	// RetryInterval is the polling interval while waiting for a held key.
	RetryInterval time.Duration

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
}

// RedisLocker is a distributed keyed lock for deployments running several service
// replicas against one store.
type RedisLocker struct {
	client        *redis.Client
	prefix        string
	ttl           time.Duration
	retryInterval time.Duration
	logger        zerolog.Logger
}

// NewRedisLocker creates a locker backed by a new Redis client.
func NewRedisLocker(cfg RedisConfig, logger zerolog.Logger) *RedisLocker {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	return NewRedisLockerFromClient(client, cfg, logger)
}

// NewRedisLockerFromClient creates a locker from an existing Redis client.
func NewRedisLockerFromClient(client *redis.Client, cfg RedisConfig, logger zerolog.Logger) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "barclamp:lock:"
	}
	return &RedisLocker{
		client:        client,
		prefix:        cfg.KeyPrefix,
		ttl:           cfg.TTL,
		retryInterval: cfg.RetryInterval,
		logger:        logger.With().Str("component", "redis-locker").Logger(),
	}
}

// Ping checks connectivity to Redis.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Lock polls SET NX until key is held or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := unlockScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Warn().Err(err).Str("key", key).Msg("failed to release lock")
		}
	}, nil
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
