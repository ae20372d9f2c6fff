package directory

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/orders-cqrs/internal/domain/user"
)

var _ user.Directory = (*Cached)(nil)

// missMarker is cached for users the directory does not know.
const missMarker = "-"

// CacheConfig configures Cached.
type CacheConfig struct {
	Prefix string
	TTL    time.Duration
	// NegativeTTL is how long a not-found answer is remembered. Zero disables
	// negative caching.
	NegativeTTL time.Duration
}

// Cached is a cache-aside decorator over a user.Directory. Concurrent lookups
// of the same user share one origin call. Redis failures are logged and
// bypassed.
type Cached struct {
	origin user.Directory
	rdb    redis.UniversalClient
	cfg    CacheConfig
	group  singleflight.Group
}

// NewCached returns a Cached directory.
func NewCached(origin user.Directory, rdb redis.UniversalClient, cfg CacheConfig) *Cached {
	if cfg.Prefix == "" {
		cfg.Prefix = "orders:user:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &Cached{origin: origin, rdb: rdb, cfg: cfg}
}

func (c *Cached) key(id int64) string {
	return c.cfg.Prefix + strconv.FormatInt(id, 10)
}

// GetUserByID implements user.Directory.
func (c *Cached) GetUserByID(ctx context.Context, id int64) (*user.User, error) {
	lg := zctx.From(ctx)
	key := c.key(id)

	raw, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil && raw == missMarker:
		return nil, user.ErrNotFound
	case err == nil:
		var u user.User
		if jerr := json.Unmarshal([]byte(raw), &u); jerr == nil {
			return &u, nil
		}
		lg.Warn("Dropping corrupt cached user", zap.Int64("user_id", id))
	case errors.Is(err, redis.Nil):
	default:
		lg.Warn("User cache read failed", zap.Int64("user_id", id), zap.Error(err))
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		u, err := c.origin.GetUserByID(ctx, id)
		if err != nil {
			if errors.Is(err, user.ErrNotFound) && c.cfg.NegativeTTL > 0 {
				c.store(ctx, key, missMarker, c.cfg.NegativeTTL)
			}
			return nil, err
		}
		if data, jerr := json.Marshal(u); jerr == nil {
			c.store(ctx, key, string(data), c.cfg.TTL)
		}
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	u := *v.(*user.User)
	return &u, nil
}

// Invalidate drops a cached user.
func (c *Cached) Invalidate(ctx context.Context, id int64) error {
	return c.rdb.Del(ctx, c.key(id)).Err()
}

func (c *Cached) store(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		zctx.From(ctx).Warn("User cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Ping checks the Redis connection.
func (c *Cached) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
