package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BackendRedis   = "redis"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// Backend is a Store that also keeps the monitor watermark.
type Backend interface {
	Store
	Cursor
}

type Options struct {
	Backend        string
	Table          string
	RedisAddr      string
	LevelDBPath    string
	MemoryCapacity int
	StaleRetention time.Duration
}

// Open creates the configured backend and checks it is reachable.
func Open(ctx context.Context, opts Options) (Backend, error) {
	var b Backend
	switch opts.Backend {
	case BackendRedis, "":
		client := redis.NewClient(&redis.Options{
			Addr: opts.RedisAddr,
		})
		b = NewRedisStore(client, opts.Table, opts.StaleRetention)
	case BackendLevelDB:
		ldb, err := NewLevelDBStore(filepath.Join(opts.LevelDBPath, opts.Table))
		if err != nil {
			return nil, err
		}
		b = ldb
	case BackendMemory:
		mem, err := NewMemoryStore(opts.MemoryCapacity)
		if err != nil {
			return nil, err
		}
		b = mem
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}

	if err := b.Ping(ctx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("%s store unreachable: %w", opts.Backend, err)
	}
	return b, nil
}
