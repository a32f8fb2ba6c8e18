package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"kanbany-api/domain"
)

type backend interface {
	Create(ctx context.Context, name, secretHash string, data json.RawMessage, expiresAt *time.Time) (string, error)
	Fetch(ctx context.Context, id string) (*domain.Board, error)
	Replace(ctx context.Context, id string, data json.RawMessage) error
}

// Cache wraps a Storage instance with Redis-backed caching for board
// reads. Writes evict so the next read observes the accepted payload.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis
// client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

// cachedBoard re-exposes the secret hash, which domain.Board hides from
// API responses. The cache is internal so the hash may round-trip here.
type cachedBoard struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data"`
	SecretHash string          `json:"secretHash"`
	ExpiresAt  *time.Time      `json:"expiresAt,omitempty"`
}

func (c *Cache) Create(ctx context.Context, name, secretHash string, data json.RawMessage, expiresAt *time.Time) (string, error) {
	return c.base.Create(ctx, name, secretHash, data, expiresAt)
}

func (c *Cache) Fetch(ctx context.Context, id string) (*domain.Board, error) {
	if board, ok := c.loadFromCache(ctx, id); ok {
		if board.Expired(time.Now()) {
			c.evict(ctx, id)
			return nil, domain.ErrExpired
		}
		return board, nil
	}

	board, err := c.base.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	c.store(ctx, id, board)
	return board, nil
}

func (c *Cache) Replace(ctx context.Context, id string, data json.RawMessage) error {
	if err := c.base.Replace(ctx, id, data); err != nil {
		return err
	}

	c.evict(ctx, id)
	return nil
}

func (c *Cache) loadFromCache(ctx context.Context, id string) (*domain.Board, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(id)).Err()
		}
		return nil, false
	}
	var cached cachedBoard
	if err := json.Unmarshal(data, &cached); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(id)).Err()
		return nil, false
	}
	return &domain.Board{
		ID:         cached.ID,
		Name:       cached.Name,
		Data:       cached.Data,
		SecretHash: cached.SecretHash,
		ExpiresAt:  cached.ExpiresAt,
	}, true
}

func (c *Cache) store(ctx context.Context, id string, board *domain.Board) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(cachedBoard{
		ID:         board.ID,
		Name:       board.Name,
		Data:       board.Data,
		SecretHash: board.SecretHash,
		ExpiresAt:  board.ExpiresAt,
	})
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(id), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, id string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, boardCacheKey(id)).Result()
}

func boardCacheKey(id string) string {
	return "board:" + id
}
