package tokencache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store persists one bearer token per processor login with no expiry. The
// cached value is authoritative until a caller observes a rejection and
// forces a renewal.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, token string) error
}

// LoginFunc performs the login/password exchange against the processor and
// returns a fresh token. Implemented by the fiscal client.
type LoginFunc func(ctx context.Context) (string, error)

// TokenCache hands out the cached token, renewing on demand. Callers racing
// on a cold cache may each trigger a login exchange; logins are idempotent
// processor-side, so no serialization is attempted.
type TokenCache struct {
	store  Store
	login  LoginFunc
	key    string
	logger *slog.Logger
}

func New(store Store, login LoginFunc, processorLogin string, logger *slog.Logger) *TokenCache {
	return &TokenCache{
		store:  store,
		login:  login,
		key:    fmt.Sprintf("fiscal_auth_token:%s", processorLogin),
		logger: logger,
	}
}

// Get returns the cached token, performing a login exchange only when the
// cache is cold. Store read failures degrade to a cache miss.
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	token, err := c.store.Get(ctx, c.key)
	if err != nil {
		c.logger.Warn("token store read failed, falling back to login exchange", "error", err)
	}
	if token != "" {
		c.logger.Debug("auth token served from cache")
		return token, nil
	}
	return c.ForceRenew(ctx)
}

// ForceRenew unconditionally performs a login exchange and overwrites the
// cache. Login failures surface as-is; no retry happens here.
func (c *TokenCache) ForceRenew(ctx context.Context) (string, error) {
	token, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	if err := c.store.Set(ctx, c.key, token); err != nil {
		// the token is still valid; next caller just logs in again
		c.logger.Warn("token store write failed", "error", err)
	}
	c.logger.Info("obtained fresh auth token")
	return token, nil
}

// MemoryStore keeps tokens process-local. Good for single-process
// deployments and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[key], nil
}

func (s *MemoryStore) Set(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = token
	return nil
}

// RedisStore shares the token across worker processes. Keys carry no TTL;
// the processor decides when a token dies.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	token, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *RedisStore) Set(ctx context.Context, key, token string) error {
	return s.client.Set(ctx, key, token, 0).Err()
}
