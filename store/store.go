// Package store persists cached contract call results.
//
// A Store never judges freshness: Get returns entries whether or not their
// ExpireAt has passed, so callers can fall back to stale values when the chain
// is unreachable. Expired entries stay until overwritten, purged, or swept by
// a backend's physical expiry.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrNotFound = errors.New("cache entry not found")

// Entry is one cached contract call result.
type Entry struct {
	Key   string `msgpack:"key" json:"key"`
	Value any    `msgpack:"value" json:"value"`
	// ExpireAt is in seconds since epoch.
	ExpireAt int64 `msgpack:"expireAt" json:"expireAt"`
	// CreatedAt is in milliseconds since epoch.
	CreatedAt int64 `msgpack:"createdAt" json:"createdAt"`

	ContractAddress string   `msgpack:"contractAddress" json:"contractAddress"`
	FunctionName    string   `msgpack:"functionName" json:"functionName"`
	Parameters      []string `msgpack:"parameters,omitempty" json:"parameters,omitempty"`
}

// Fresh reports whether the entry may be served on the normal read path.
// An entry is expired from the ExpireAt second onwards.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Unix() < e.ExpireAt
}

func (e *Entry) CreatedTime() time.Time {
	return time.UnixMilli(e.CreatedAt).UTC()
}

func (e *Entry) matches(contract, function string) bool {
	if e.ContractAddress != contract {
		return false
	}
	return function == "" || e.FunctionName == function
}

// Store is key-value persistence for cache entries.
type Store interface {
	// Get returns the entry for key regardless of expiry, or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)
	// Set overwrites the entry stored under entry.Key.
	Set(ctx context.Context, entry *Entry) error
	// DeleteByContractAndFunction removes every entry of a contract, narrowed to
	// one function when function is not empty. Not atomic across matches.
	DeleteByContractAndFunction(ctx context.Context, contract, function string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Cursor persists the event monitor's last processed block per chain.
type Cursor interface {
	Watermark(ctx context.Context, chainID string) (height uint64, ok bool, err error)
	SetWatermark(ctx context.Context, chainID string, height uint64) error
}

// Sweeper is implemented by backends without native expiry. Sweep deletes
// entries whose ExpireAt is before cutoff.
type Sweeper interface {
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

func normalizeContract(contract string) string {
	return strings.ToLower(strings.TrimSpace(contract))
}

func encodeEntry(e *Entry) ([]byte, error) {
	return msgpack.Marshal(e)
}

func decodeEntry(data []byte) (*Entry, error) {
	e := &Entry{}
	if err := msgpack.Unmarshal(data, e); err != nil {
		return nil, err
	}
	return e, nil
}
