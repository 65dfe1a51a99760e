// Package redis provides an exact seen-store kept in a Redis set.
package redis

import (
	"context"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

// Config selects the Redis server and key.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

type setClient interface {
	SIsMember(ctx context.Context, key string, member any) *goredis.BoolCmd
	SAdd(ctx context.Context, key string, members ...any) *goredis.IntCmd
	SCard(ctx context.Context, key string) *goredis.IntCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Close() error
}

// Store keeps fingerprints as members of one Redis set.
type Store struct {
	client    setClient
	key       string
	closeOnce sync.Once
	closeErr  error
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := newClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg.Key), nil
}

// NewWithClient builds a Store around an existing client.
func NewWithClient(client setClient, key string) *Store {
	return &Store{client: client, key: keyName(key)}
}

// Seen reports whether fingerprint is a member of the set.
func (s *Store) Seen(ctx context.Context, fingerprint string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key, fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

// MarkSeen adds fingerprint to the set.
func (s *Store) MarkSeen(ctx context.Context, fingerprint string) error {
	if err := s.client.SAdd(ctx, s.key, fingerprint).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// Count returns the set cardinality.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scard: %w", err)
	}
	return n, nil
}

// Close closes the client once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

// Clean deletes the set.
func Clean(ctx context.Context, cfg Config) error {
	client := newClient(cfg)
	defer client.Close()
	return cleanWithClient(ctx, client, cfg.Key)
}

func cleanWithClient(ctx context.Context, client setClient, key string) error {
	if err := client.Del(ctx, keyName(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func newClient(cfg Config) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func keyName(key string) string {
	if key == "" {
		return "frontier:seen"
	}
	return key
}
