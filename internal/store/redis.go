package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces record documents in redis.
const DefaultRedisKeyPrefix = "aml:records:"

// RedisOptions configures a RedisDocumentStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

// RedisDocumentStore keeps one string key per owner. SET replaces the value
// atomically, which is all the store needs.
type RedisDocumentStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisDocumentStore connects to redis and verifies the connection.
func NewRedisDocumentStore(ctx context.Context, opts RedisOptions) (*RedisDocumentStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisDocumentStoreFromClient(client, opts.KeyPrefix), nil
}

// NewRedisDocumentStoreFromClient wraps an existing client.
func NewRedisDocumentStoreFromClient(client redis.UniversalClient, keyPrefix string) *RedisDocumentStore {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisDocumentStore{client: client, keyPrefix: keyPrefix}
}

func (r *RedisDocumentStore) key(owner string) string {
	return r.keyPrefix + owner
}

// Load fetches the owner's document.
func (r *RedisDocumentStore) Load(ctx context.Context, owner string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Save replaces the owner's document.
func (r *RedisDocumentStore) Save(ctx context.Context, owner string, data []byte) error {
	if err := r.client.Set(ctx, r.key(owner), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Owners scans for keys under the prefix.
func (r *RedisDocumentStore) Owners(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return ownersFromKeys(keys, r.keyPrefix), nil
}

// ownersFromKeys strips prefix and returns the sorted distinct owners. SCAN
// may return a key more than once.
func ownersFromKeys(keys []string, prefix string) []string {
	seen := make(map[string]struct{}, len(keys))
	owners := make([]string, 0, len(keys))
	for _, k := range keys {
		owner := strings.TrimPrefix(k, prefix)
		if _, ok := seen[owner]; ok {
			continue
		}
		seen[owner] = struct{}{}
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

// Ping checks the connection.
func (r *RedisDocumentStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisDocumentStore) Close() error {
	return r.client.Close()
}
