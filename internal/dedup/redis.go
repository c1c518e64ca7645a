package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/imcore/internal/types"
)

// Redis is the production Set, using the same go-redis/v9 client family as
// the Sequencer (distinct key prefix, can point at a distinct logical
// database). CheckAndMark maps directly onto `SET key val NX EX ttl`:
// Redis's NX flag makes the check-then-set atomic, and SetNX's boolean
// result is the inverse of "already present".
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

type RedisConfig struct {
	Addr      string
	DB        int
	Password  string
	KeyPrefix string // defaults to "dedup:"
}

func NewRedis(cfg RedisConfig) *Redis {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "dedup:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	return &Redis{client: client, keyPrefix: prefix}
}

func (r *Redis) CheckAndMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := r.client.SetNX(ctx, r.keyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, types.Unavailable(err, "check_and_mark %s", key)
	}
	// SetNX returns true when the key was newly set, i.e. it was NOT a
	// duplicate; the contract wants "is this a duplicate" so invert.
	return !set, nil
}

func (r *Redis) IsDuplicate(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.keyPrefix+key).Result()
	if err != nil {
		return false, types.Unavailable(err, "is_duplicate %s", key)
	}
	return n > 0, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
