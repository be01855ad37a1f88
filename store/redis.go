package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 500

// RedisStore keeps entries as msgpack blobs under "<table>:entry:<key>".
//
// Each key physically expires StaleRetention after its logical ExpireAt, so
// expired entries remain readable for stale fallback for that long.
type RedisStore struct {
	client    *redis.Client
	table     string
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore wraps client. A retention of zero keeps entries forever.
func NewRedisStore(client *redis.Client, table string, retention time.Duration) *RedisStore {
	if table == "" {
		table = "ca-casher-cache"
	}
	return &RedisStore{
		client:    client,
		table:     table,
		retention: retention,
		now:       time.Now,
	}
}

func (s *RedisStore) entryKey(key string) string {
	return s.table + ":entry:" + key
}

func (s *RedisStore) watermarkKey(chainID string) string {
	return s.table + ":watermark:" + chainID
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	e, err := decodeEntry(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return e, nil
}

func (s *RedisStore) Set(ctx context.Context, entry *Entry) error {
	e := *entry
	e.ContractAddress = normalizeContract(e.ContractAddress)

	data, err := encodeEntry(&e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.Key, err)
	}

	if err := s.client.Set(ctx, s.entryKey(e.Key), data, s.physicalTTL(&e)).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// physicalTTL is zero (no expiry) when retention is disabled.
func (s *RedisStore) physicalTTL(e *Entry) time.Duration {
	if s.retention <= 0 {
		return 0
	}
	ttl := time.Unix(e.ExpireAt, 0).Add(s.retention).Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisStore) DeleteByContractAndFunction(ctx context.Context, contract, function string) (int, error) {
	contract = normalizeContract(contract)
	// keys are "<chain>:<contract>:<function>..." with ':' escaped inside components
	pattern := globEscape(s.entryKey("")) + "*:" + globEscape(contract) + ":*"

	deleted := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return deleted, fmt.Errorf("redis scan: %w", err)
		}

		n, err := s.deleteMatching(ctx, keys, contract, function)
		deleted += n
		if err != nil {
			return deleted, err
		}

		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (s *RedisStore) deleteMatching(ctx context.Context, keys []string, contract, function string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis mget: %w", err)
	}

	var victims []string
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		e, err := decodeEntry([]byte(raw))
		if err != nil || !e.matches(contract, function) {
			continue
		}
		victims = append(victims, keys[i])
	}
	if len(victims) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(victims))
	for i, k := range victims {
		cmds[i] = pipe.Del(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}

	n := 0
	for _, c := range cmds {
		n += int(c.Val())
	}
	return n, nil
}

func (s *RedisStore) Watermark(ctx context.Context, chainID string) (uint64, bool, error) {
	height, err := s.client.Get(ctx, s.watermarkKey(chainID)).Uint64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("redis get watermark: %w", err)
	}
	return height, true, nil
}

func (s *RedisStore) SetWatermark(ctx context.Context, chainID string, height uint64) error {
	if err := s.client.Set(ctx, s.watermarkKey(chainID), height, 0).Err(); err != nil {
		return fmt.Errorf("redis set watermark: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string {
	return globEscaper.Replace(s)
}
