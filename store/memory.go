package store

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore keeps entries in a bounded LRU. Entries are only removed by
// eviction, purge or overwrite.
type MemoryStore struct {
	entries *lru.Cache[string, Entry]

	mu         sync.RWMutex
	watermarks map[string]uint64
}

func NewMemoryStore(capacity int) (*MemoryStore, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid memory store capacity %d", capacity)
	}
	entries, err := lru.New[string, Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		entries:    entries,
		watermarks: make(map[string]uint64),
	}, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	e, ok := s.entries.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *MemoryStore) Set(_ context.Context, entry *Entry) error {
	e := *entry
	e.ContractAddress = normalizeContract(e.ContractAddress)
	s.entries.Add(e.Key, e)
	return nil
}

func (s *MemoryStore) DeleteByContractAndFunction(ctx context.Context, contract, function string) (int, error) {
	contract = normalizeContract(contract)

	count := 0
	for _, key := range s.entries.Keys() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		e, ok := s.entries.Peek(key)
		if !ok || !e.matches(contract, function) {
			continue
		}
		if s.entries.Remove(key) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Len() int {
	return s.entries.Len()
}

func (s *MemoryStore) Watermark(_ context.Context, chainID string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	height, ok := s.watermarks[chainID]
	return height, ok, nil
}

func (s *MemoryStore) SetWatermark(_ context.Context, chainID string, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[chainID] = height
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.entries.Purge()
	return nil
}
