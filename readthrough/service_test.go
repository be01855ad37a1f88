package readthrough

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web3cdk/ca-casher/chain"
	"github.com/web3cdk/ca-casher/store"
)

const contract = "0x00000000000000000000000000000000000000Ab"

type fakeReader struct {
	calls atomic.Int32
	gate  chan struct{}

	mu    sync.Mutex
	value any
	err   error
}

func (r *fakeReader) Call(_ context.Context, _, _ string, _ []string) (any, error) {
	r.calls.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.err
}

func (r *fakeReader) set(value any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value, r.err = value, err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// faultyStore fails reads or writes on demand.
type faultyStore struct {
	store.Store
	failGet bool
	failSet bool
	gets    atomic.Int32
}

func (s *faultyStore) Get(ctx context.Context, key string) (*store.Entry, error) {
	s.gets.Add(1)
	if s.failGet {
		return nil, errors.New("connection refused")
	}
	return s.Store.Get(ctx, key)
}

func (s *faultyStore) Set(ctx context.Context, e *store.Entry) error {
	if s.failSet {
		return errors.New("connection refused")
	}
	return s.Store.Set(ctx, e)
}

type fixture struct {
	svc    *Service
	reader *fakeReader
	store  *faultyStore
	clock  *clock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mem, err := store.NewMemoryStore(100)
	require.NoError(t, err)

	f := &fixture{
		reader: &fakeReader{value: "ipfs://token/5"},
		store:  &faultyStore{Store: mem},
		clock:  &clock{now: time.Unix(1_700_000_000, 0)},
	}
	opts.Now = f.clock.Now
	f.svc = New(f.store, f.reader, opts)
	return f
}

func tokenURIRequest(refresh bool) Request {
	return Request{
		Contract: contract,
		Function: "tokenURI",
		Query:    url.Values{"tokenId": {"5"}},
		Refresh:  refresh,
	}
}

func TestTokenURIScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{ChainID: "1"})

	// cold cache
	res, err := f.svc.Handle(ctx, tokenURIRequest(false))
	require.NoError(t, err)
	assert.Equal(t, "ipfs://token/5", res.Result)
	assert.False(t, res.Cached)
	assert.EqualValues(t, 1, f.reader.calls.Load())

	entry, err := f.store.Get(ctx, "1:0x00000000000000000000000000000000000000ab:tokenURI:5")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Unix()+3600, entry.ExpireAt)
	assert.Equal(t, "0x00000000000000000000000000000000000000ab", entry.ContractAddress)
	assert.Equal(t, []string{"5"}, entry.Parameters)

	// within ttl
	f.clock.Advance(10 * time.Minute)
	res, err = f.svc.Handle(ctx, tokenURIRequest(false))
	require.NoError(t, err)
	assert.Equal(t, "ipfs://token/5", res.Result)
	assert.True(t, res.Cached)
	assert.Equal(t, "2023-11-14T22:13:20.000Z", res.CachedAt)
	assert.EqualValues(t, 1, f.reader.calls.Load())

	// refresh bypasses a fresh entry
	f.reader.set("ipfs://token/5-v2", nil)
	res, err = f.svc.Handle(ctx, tokenURIRequest(true))
	require.NoError(t, err)
	assert.Equal(t, "ipfs://token/5-v2", res.Result)
	assert.True(t, res.Updated)
	assert.False(t, res.Cached)
	assert.EqualValues(t, 2, f.reader.calls.Load())

	res, err = f.svc.Handle(ctx, tokenURIRequest(false))
	require.NoError(t, err)
	assert.Equal(t, "ipfs://token/5-v2", res.Result)
	assert.True(t, res.Cached)
}

func TestRepeatedReadsHitCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	for i := 0; i < 5; i++ {
		res, err := f.svc.Handle(ctx, tokenURIRequest(false))
		require.NoError(t, err)
		assert.Equal(t, i > 0, res.Cached)
	}
	assert.EqualValues(t, 1, f.reader.calls.Load())
}

func TestExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.svc.Handle(ctx, tokenURIRequest(false))
	require.NoError(t, err)

	f.clock.Advance(time.Hour - time.Second)
	res, err := f.svc.Handle(ctx, tokenURIRequest(false))
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.EqualValues(t, 1, f.reader.calls.Load())

	// exactly at expireAt is a miss
	f.clock.Advance(time.Second)
	res, err = f.svc.Handle(ctx, tokenURIRequest(false))
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.EqualValues(t, 2, f.reader.calls.Load())
}

func TestStaleFallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.svc.Handle(ctx, tokenURIRequest(false))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	f.reader.set(nil, fmt.Errorf("%w: timeout", chain.ErrCallFailed))

	res, err := f.svc.Handle(ctx, tokenURIRequest(false))
	require.NoError(t, err)
	assert.Equal(t, "ipfs://token/5", res.Result)
	assert.True(t, res.Cached)
	assert.True(t, res.Stale)
	assert.Equal(t, "RPC error, returning cached data", res.Error)
	assert.NotEmpty(t, res.CachedAt)
}

func TestFetchFailureWithoutStale(t *testing.T) {
	f := newFixture(t, Options{})
	f.reader.set(nil, fmt.Errorf("%w: timeout", chain.ErrCallFailed))

	_, err := f.svc.Handle(context.Background(), tokenURIRequest(false))
	assert.ErrorIs(t, err, chain.ErrCallFailed)
	assert.False(t, IsClientError(err))
}

func TestRefreshNeverReturnsStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.svc.Handle(ctx, tokenURIRequest(false))
	require.NoError(t, err)

	f.reader.set(nil, fmt.Errorf("%w: execution reverted", chain.ErrCallFailed))

	// fresh entry present
	res, err := f.svc.Handle(ctx, tokenURIRequest(true))
	assert.ErrorIs(t, err, chain.ErrCallFailed)
	assert.Nil(t, res)

	// expired entry present
	f.clock.Advance(2 * time.Hour)
	res, err = f.svc.Handle(ctx, tokenURIRequest(true))
	assert.ErrorIs(t, err, chain.ErrCallFailed)
	assert.Nil(t, res)
}

func TestStoreWriteFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.failSet = true

	_, err := f.svc.Handle(context.Background(), tokenURIRequest(false))
	assert.ErrorIs(t, err, ErrStoreWrite)

	_, err = f.svc.Handle(context.Background(), tokenURIRequest(true))
	assert.ErrorIs(t, err, ErrStoreWrite)
}

func TestStoreReadFailureIsMiss(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.failGet = true

	res, err := f.svc.Handle(context.Background(), tokenURIRequest(false))
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.EqualValues(t, 1, f.reader.calls.Load())
}

func TestValidation(t *testing.T) {
	f := newFixture(t, Options{Allowed: []string{"0x00000000000000000000000000000000000000AB"}})
	ctx := context.Background()

	cases := []struct {
		req      Request
		expected error
	}{
		{Request{Contract: "0x1234", Function: "name"}, ErrInvalidAddress},
		{Request{Contract: "00000000000000000000000000000000000000ab", Function: "name"}, ErrInvalidAddress},
		{Request{Contract: "0x00000000000000000000000000000000000000cd", Function: "name"}, ErrNotWhitelisted},
		{Request{Contract: contract, Function: "transfer"}, ErrUnsupportedFunction},
		{Request{Contract: contract, Function: "tokenURI"}, ErrMissingParameters},
		{Request{Contract: contract, Function: "royaltyInfo", Query: url.Values{"tokenId": {"1"}}}, ErrMissingParameters},
		{Request{Contract: contract, Function: "tokenURI", Query: url.Values{"tokenId": {"1"}}, Refresh: true}, nil},
	}
	for _, c := range cases {
		_, err := f.svc.Handle(ctx, c.req)
		if c.expected == nil {
			assert.NoError(t, err)
			continue
		}
		assert.ErrorIs(t, err, c.expected, "%+v", c.req)
		assert.True(t, IsClientError(err))
	}
	assert.EqualValues(t, 1, f.reader.calls.Load())
}

func TestUnprefixedAllowList(t *testing.T) {
	f := newFixture(t, Options{Allowed: []string{"00000000000000000000000000000000000000Ab"}})

	res, err := f.svc.Handle(context.Background(), tokenURIRequest(false))
	require.NoError(t, err)
	assert.Equal(t, "ipfs://token/5", res.Result)
}

func TestInvalidArgumentIsClientError(t *testing.T) {
	f := newFixture(t, Options{})
	f.reader.set(nil, fmt.Errorf("%w: invalid integer", chain.ErrInvalidArgument))

	_, err := f.svc.Handle(context.Background(), Request{
		Contract: contract,
		Function: "tokenURI",
		Query:    url.Values{"tokenId": {"five"}},
	})
	assert.ErrorIs(t, err, chain.ErrInvalidArgument)
	assert.True(t, IsClientError(err))
}

func TestEquivalentParametersShareEntry(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, tokenID := range []string{"0x5", "5", "05"} {
		res, err := f.svc.Handle(ctx, Request{
			Contract: contract,
			Function: "tokenURI",
			Query:    url.Values{"tokenId": {tokenID}},
		})
		require.NoError(t, err, tokenID)
		assert.Equal(t, "ipfs://token/5", res.Result)
	}
	assert.EqualValues(t, 1, f.reader.calls.Load())

	// mixed-case addresses land on the same key
	for _, owner := range []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
	} {
		_, err := f.svc.Handle(ctx, Request{
			Contract: contract,
			Function: "balanceOf",
			Query:    url.Values{"address": {owner}},
		})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, f.reader.calls.Load())
}

func TestInvalidParameterRejectedBeforeStore(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.failGet = true

	_, err := f.svc.Handle(context.Background(), Request{
		Contract: contract,
		Function: "tokenURI",
		Query:    url.Values{"tokenId": {"abc"}},
	})
	assert.ErrorIs(t, err, chain.ErrInvalidArgument)
	assert.True(t, IsClientError(err))
	assert.Zero(t, f.reader.calls.Load())
	assert.Zero(t, f.store.gets.Load())
}

func TestConcurrentMissesShareOneCall(t *testing.T) {
	f := newFixture(t, Options{})
	f.reader.gate = make(chan struct{})

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Handle(context.Background(), tokenURIRequest(false))
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(f.reader.gate)
	wg.Wait()

	assert.EqualValues(t, 1, f.reader.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "ipfs://token/5", results[i].Result)
	}
}
