package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisPrefix    = "tessera"
)

// Store backed by Redis, for deployments that keep state outside the node
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
	prefix  string
}

type RedisOption func(*RedisStore)

// operation timeout for every Redis call
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// key namespace, lets several clusters share one Redis
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix = strings.TrimRight(prefix, ":"); prefix != "" {
			s.prefix = prefix
		}
	}
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:  client,
		timeout: defaultRedisOpTimeout,
		prefix:  defaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) lockKey(resource string) string {
	return s.prefix + ":lock:" + resource
}

func (s *RedisStore) keyValueKey(key string) string {
	return s.prefix + ":kv:" + key
}

func (s *RedisStore) GetLock(ctx context.Context, resource string) (*LockRecord, bool, error) {
	var rec LockRecord
	found, err := s.get(ctx, s.lockKey(resource), &rec)
	if err != nil || !found {
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *RedisStore) GetKeyValue(ctx context.Context, key string) (*KeyValueRecord, bool, error) {
	var rec KeyValueRecord
	found, err := s.get(ctx, s.keyValueKey(key), &rec)
	if err != nil || !found {
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *RedisStore) StoreLock(ctx context.Context, rec LockRecord) error {
	return s.set(ctx, s.lockKey(rec.Resource), rec)
}

func (s *RedisStore) StoreKeyValue(ctx context.Context, rec KeyValueRecord) error {
	return s.set(ctx, s.keyValueKey(rec.Key), rec)
}

// scans the prefix, records written during the scan may or may not be included
func (s *RedisStore) Export(ctx context.Context, w io.Writer) error {
	enc := json.NewEncoder(w)
	lockPrefix := s.prefix + ":lock:"

	iter := s.client.Scan(ctx, 0, s.prefix+":*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("export %s: %w", key, err)
		}

		var entry exportEntry
		if strings.HasPrefix(key, lockPrefix) {
			entry.Lock = &LockRecord{}
			err = json.Unmarshal(data, entry.Lock)
		} else {
			entry.KeyValue = &KeyValueRecord{}
			err = json.Unmarshal(data, entry.KeyValue)
		}
		if err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}

		if err := enc.Encode(entry); err != nil {
			return err
		}
	}

	return iter.Err()
}

func (s *RedisStore) Import(ctx context.Context, r io.Reader) error {
	return readExport(r,
		func(rec LockRecord) error { return s.StoreLock(ctx, rec) },
		func(rec KeyValueRecord) error { return s.StoreKeyValue(ctx, rec) },
	)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) get(ctx context.Context, key string, out any) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(cctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) set(ctx context.Context, key string, rec any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Set(cctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
