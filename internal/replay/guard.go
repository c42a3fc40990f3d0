package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultPrefix namespaces guard keys when no prefix is configured.
const DefaultPrefix = "capi"

// RedisClient is the subset of go-redis the guard needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Guard remembers (SecretId, Timestamp, Nonce) triples for the length of the
// verifier's skew window and reports repeats.
type Guard struct {
	redis  RedisClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewGuard returns a guard whose entries live for twice maxSkew, which covers
// a Timestamp anywhere inside the accepted window. A non-positive maxSkew
// keeps entries for one hour.
func NewGuard(rdb RedisClient, prefix string, maxSkew time.Duration, logger *zap.Logger) *Guard {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	ttl := 2 * maxSkew
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{redis: rdb, prefix: prefix, ttl: ttl, logger: logger}
}

func (g *Guard) buildKey(secretID, nonce, timestamp string) string {
	return fmt.Sprintf("%s:nonce:%s:%s:%s", g.prefix, secretID, timestamp, nonce)
}

// Seen records the triple and reports whether it had already been recorded.
func (g *Guard) Seen(ctx context.Context, secretID, nonce, timestamp string) (bool, error) {
	key := g.buildKey(secretID, nonce, timestamp)
	fresh, err := g.redis.SetNX(ctx, key, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay: recording nonce: %w", err)
	}
	if !fresh {
		g.logger.Info("nonce replay detected",
			zap.String("secret_id", secretID),
			zap.String("timestamp", timestamp),
			zap.String("nonce", nonce))
	}
	return !fresh, nil
}

// TTL returns how long a recorded nonce is remembered.
func (g *Guard) TTL() time.Duration { return g.ttl }
