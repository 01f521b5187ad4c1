package checkpoint

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding room name -> message id.
const DefaultRedisKey = "glitter:checkpoints"

// RedisStore keeps checkpoints as fields of a single Redis hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, dbIndex int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       dbIndex,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisStore{client: client, key: DefaultRedisKey}, nil
}

// NewRedisStoreFromClient wraps an existing client under key.
func NewRedisStoreFromClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Load(ctx context.Context, room string) (string, error) {
	id, err := s.client.HGet(ctx, s.key, room).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", &Error{Op: "load", Room: room, Err: err}
	}
	return id, nil
}

func (s *RedisStore) Save(ctx context.Context, room, id string) error {
	if id == "" {
		return nil
	}
	if err := s.client.HSet(ctx, s.key, room, id).Err(); err != nil {
		return &Error{Op: "save", Room: room, Err: err}
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
