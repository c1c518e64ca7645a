package sequencer

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/imcore/internal/types"
)

// block tracks one conversation's currently held range of sequence
// numbers: the durable high-water mark last reserved from Redis, and the
// next value to hand out locally.
type block struct {
	mu   sync.Mutex
	next uint64 // next value to allocate, 0 == no block held yet
	high uint64 // durable high-water mark of the current block
}

// exhausted reports whether the block must reserve a new range before the
// next allocation. Must be called with mu held.
func (b *block) exhausted() bool {
	return b.next == 0 || b.next > b.high
}

// adoptHighWaterMark installs a freshly reserved durable high-water mark
// and derives the local range from it. Must be called with mu held.
func (b *block) adoptHighWaterMark(newHigh, blockSize uint64) {
	b.high = newHigh
	b.next = b.high - blockSize + 1
}

// allocate hands out the next value in the currently held range and
// advances it. Must be called with mu held, after exhausted() is false.
func (b *block) allocate() uint64 {
	seq := b.next
	b.next++
	return seq
}

// Redis is the production Sequencer, grounded on
// kedacore-keda/keda-scalers/redis_streams_scaler.go's use of go-redis/v9:
// the durable block high-water mark is `INCRBY seq:<conversation_id>
// <block_size>`, and the local allocator hands out the returned range
// without another Redis round trip until the block is exhausted.
type Redis struct {
	client    *redis.Client
	blockSize uint64
	keyPrefix string

	mu     sync.Mutex
	blocks map[string]*block
}

type RedisConfig struct {
	Addr      string
	DB        int
	Password  string
	BlockSize uint64 // defaults to 100
	KeyPrefix string // defaults to "seq:"
}

func NewRedis(cfg RedisConfig) *Redis {
	blockSize := cfg.BlockSize
	if blockSize == 0 {
		blockSize = 100
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "seq:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	return &Redis{
		client:    client,
		blockSize: blockSize,
		keyPrefix: prefix,
		blocks:    make(map[string]*block),
	}
}

func (s *Redis) blockFor(conversationID string) *block {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[conversationID]
	if !ok {
		b = &block{}
		s.blocks[conversationID] = b
	}
	return b
}

func (s *Redis) Next(ctx context.Context, conversationID string) (uint64, error) {
	b := s.blockFor(conversationID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.exhausted() {
		key := s.keyPrefix + conversationID
		newHigh, err := s.client.IncrBy(ctx, key, int64(s.blockSize)).Result()
		if err != nil {
			return 0, types.Unavailable(err, "reserve sequence block for %s", conversationID)
		}
		b.adoptHighWaterMark(uint64(newHigh), s.blockSize)
	}

	return b.allocate(), nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}
