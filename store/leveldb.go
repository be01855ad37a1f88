package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	entryPrefix     = []byte("E:")
	watermarkPrefix = []byte("W:")
)

// LevelDBStore keeps entries in a local LevelDB database. It has no native
// expiry; Sweep removes entries past their retention.
type LevelDBStore struct {
	db *leveldb.DB
}

func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		ErrorIfMissing: false,
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func prefixed(prefix []byte, key string) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}

func (s *LevelDBStore) Get(_ context.Context, key string) (*Entry, error) {
	data, err := s.db.Get(prefixed(entryPrefix, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("leveldb get: %w", err)
	}

	e, err := decodeEntry(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return e, nil
}

func (s *LevelDBStore) Set(_ context.Context, entry *Entry) error {
	e := *entry
	e.ContractAddress = normalizeContract(e.ContractAddress)

	data, err := encodeEntry(&e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.Key, err)
	}
	if err := s.db.Put(prefixed(entryPrefix, e.Key), data, nil); err != nil {
		return fmt.Errorf("leveldb put: %w", err)
	}
	return nil
}

func (s *LevelDBStore) DeleteByContractAndFunction(ctx context.Context, contract, function string) (int, error) {
	contract = normalizeContract(contract)
	return s.deleteWhere(ctx, func(e *Entry) bool {
		return e.matches(contract, function)
	})
}

func (s *LevelDBStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	limit := cutoff.Unix()
	return s.deleteWhere(ctx, func(e *Entry) bool {
		return e.ExpireAt < limit
	})
}

func (s *LevelDBStore) deleteWhere(ctx context.Context, match func(*Entry) bool) (int, error) {
	iter := s.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		e, err := decodeEntry(iter.Value())
		if err != nil || !match(e) {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("leveldb iterate: %w", err)
	}

	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("leveldb write: %w", err)
	}
	return batch.Len(), nil
}

func (s *LevelDBStore) Watermark(_ context.Context, chainID string) (uint64, bool, error) {
	data, err := s.db.Get(prefixed(watermarkPrefix, chainID), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("leveldb get watermark: %w", err)
	}
	height, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt watermark for chain %s: %w", chainID, err)
	}
	return height, true, nil
}

func (s *LevelDBStore) SetWatermark(_ context.Context, chainID string, height uint64) error {
	value := strconv.FormatUint(height, 10)
	if err := s.db.Put(prefixed(watermarkPrefix, chainID), []byte(value), nil); err != nil {
		return fmt.Errorf("leveldb put watermark: %w", err)
	}
	return nil
}

func (s *LevelDBStore) Ping(context.Context) error {
	_, err := s.db.GetProperty("leveldb.stats")
	return err
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
