// Package readthrough serves contract reads from the cache, fetching from the
// chain on a miss and falling back to stale entries when the chain is down.
package readthrough

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/web3cdk/ca-casher/chain"
	"github.com/web3cdk/ca-casher/metrics"
	"github.com/web3cdk/ca-casher/policy"
	"github.com/web3cdk/ca-casher/store"
	"github.com/web3cdk/ca-casher/utils"
	"golang.org/x/sync/singleflight"
)

var (
	ErrInvalidAddress      = errors.New("invalid contract address")
	ErrNotWhitelisted      = errors.New("contract not whitelisted")
	ErrUnsupportedFunction = chain.ErrUnsupportedFunction
	ErrMissingParameters   = errors.New("missing required parameters")
	ErrStoreWrite          = errors.New("failed to write cache")
)

const staleNotice = "RPC error, returning cached data"

// IsClientError reports whether err was caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAddress) ||
		errors.Is(err, ErrNotWhitelisted) ||
		errors.Is(err, ErrUnsupportedFunction) ||
		errors.Is(err, ErrMissingParameters) ||
		errors.Is(err, chain.ErrInvalidArgument)
}

// Reader performs the on-chain call behind a cache miss.
type Reader interface {
	Call(ctx context.Context, contract, function string, params []string) (any, error)
}

type Options struct {
	ChainID string
	// Allowed is the contract allow-list. Empty accepts every contract.
	Allowed []string
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Service struct {
	store   store.Store
	reader  Reader
	chainID string
	allowed map[string]struct{}
	metrics *metrics.Metrics
	now     func() time.Time

	inflight singleflight.Group
}

func New(s store.Store, reader Reader, opts Options) *Service {
	svc := &Service{
		store:   s,
		reader:  reader,
		chainID: opts.ChainID,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if svc.chainID == "" {
		svc.chainID = "1"
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if len(opts.Allowed) > 0 {
		svc.allowed = make(map[string]struct{}, len(opts.Allowed))
		for _, addr := range opts.Allowed {
			if common.IsHexAddress(addr) {
				addr = common.HexToAddress(addr).Hex()
			}
			svc.allowed[policy.NormalizeAddress(addr)] = struct{}{}
		}
	}
	return svc
}

// Request is one inbound contract read.
type Request struct {
	Contract string
	Function string
	Query    url.Values
	// Refresh bypasses the cache lookup and never falls back to stale data.
	Refresh bool
}

func (r *Request) method() string {
	if r.Refresh {
		return "POST"
	}
	return "GET"
}

// Result is the response body for a served read.
type Result struct {
	Result   any    `json:"result"`
	Cached   bool   `json:"cached"`
	CachedAt string `json:"cachedAt,omitempty"`
	Stale    bool   `json:"stale,omitempty"`
	Error    string `json:"error,omitempty"`
	Updated  bool   `json:"updated,omitempty"`
}

func formatCachedAt(e *store.Entry) string {
	return e.CreatedTime().Format("2006-01-02T15:04:05.000Z07:00")
}

type call struct {
	contract string
	function policy.Function
	params   []string
	key      string
}

func (c *call) fields() string {
	return utils.Fields("contract", c.contract, "function", c.function, "params", strings.Join(c.params, ","))
}

func (s *Service) validate(req *Request) (*call, error) {
	contract := strings.TrimSpace(req.Contract)
	if !strings.HasPrefix(strings.ToLower(contract), "0x") || !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, req.Contract)
	}
	contract = policy.NormalizeAddress(contract)

	if s.allowed != nil {
		if _, ok := s.allowed[contract]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotWhitelisted, contract)
		}
	}

	f, ok := policy.Lookup(req.Function)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFunction, req.Function)
	}

	params := policy.ExtractParameters(f, req.Query)
	if names := f.ParamNames(); len(names) > 0 && len(params) == 0 {
		return nil, fmt.Errorf("%w: %s requires %s", ErrMissingParameters, f, strings.Join(names, ", "))
	}
	if len(params) > 0 {
		var err error
		if params, err = chain.CanonicalParams(f, params); err != nil {
			return nil, err
		}
	}

	return &call{
		contract: contract,
		function: f,
		params:   params,
		key:      policy.BuildKey(s.chainID, contract, f, params),
	}, nil
}

// Handle serves one read. Reads are cache-first; refreshes always hit the
// chain and overwrite the entry.
func (s *Service) Handle(ctx context.Context, req Request) (*Result, error) {
	method := req.method()

	c, err := s.validate(&req)
	if err != nil {
		utils.Logf("Cache", "%s rejected: %v", method, err)
		s.metrics.RecordRequest(ctx, method, req.Function, metrics.OutcomeInvalid)
		return nil, err
	}
	function := c.function.String()

	if !req.Refresh {
		if e := s.lookup(ctx, c); e != nil && e.Fresh(s.now()) {
			utils.Debugf("Cache", "hit %s", utils.Fields("key", c.key))
			s.metrics.RecordRequest(ctx, method, function, metrics.OutcomeHit)
			return &Result{Result: e.Value, Cached: true, CachedAt: formatCachedAt(e)}, nil
		}
		utils.Logf("Cache", "miss, calling contract %s", c.fields())
	} else {
		utils.Logf("Cache", "refresh, bypassing cache %s", c.fields())
	}

	e, err := s.fetch(ctx, c, req.Refresh)
	if err == nil {
		if req.Refresh {
			s.metrics.RecordRequest(ctx, method, function, metrics.OutcomeRefresh)
			return &Result{Result: e.Value, Updated: true}, nil
		}
		s.metrics.RecordRequest(ctx, method, function, metrics.OutcomeMiss)
		return &Result{Result: e.Value}, nil
	}

	utils.Errorf("Cache", "%s failed: %v %s", method, err, c.fields())

	if !req.Refresh && errors.Is(err, chain.ErrCallFailed) {
		if stale := s.lookup(ctx, c); stale != nil {
			utils.Warnf("Cache", "returning stale cache due to error %s", utils.Fields("key", c.key))
			s.metrics.RecordRequest(ctx, method, function, metrics.OutcomeStale)
			return &Result{
				Result:   stale.Value,
				Cached:   true,
				CachedAt: formatCachedAt(stale),
				Stale:    true,
				Error:    staleNotice,
			}, nil
		}
	}

	outcome := metrics.OutcomeError
	if IsClientError(err) {
		outcome = metrics.OutcomeInvalid
	}
	s.metrics.RecordRequest(ctx, method, function, outcome)
	return nil, err
}

// lookup treats store failures as a miss.
func (s *Service) lookup(ctx context.Context, c *call) *store.Entry {
	e, err := s.store.Get(ctx, c.key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			utils.Errorf("Cache", "store read failed, treating as miss: %v %s", err, utils.Fields("key", c.key))
			s.metrics.RecordStoreError(ctx, "get")
		}
		return nil
	}
	return e
}

// fetch collapses concurrent read misses for the same key into one chain call.
// Refreshes are never shared, each one reads the chain itself.
func (s *Service) fetch(ctx context.Context, c *call, refresh bool) (*store.Entry, error) {
	if refresh {
		return s.fetchAndStore(ctx, c)
	}

	v, err, shared := s.inflight.Do(c.key, func() (any, error) {
		return s.fetchAndStore(context.WithoutCancel(ctx), c)
	})
	if shared {
		utils.Debugf("Cache", "joined in-flight fetch %s", utils.Fields("key", c.key))
	}
	if err != nil {
		return nil, err
	}
	return v.(*store.Entry), nil
}

func (s *Service) fetchAndStore(ctx context.Context, c *call) (*store.Entry, error) {
	function := c.function.String()

	start := time.Now()
	value, err := s.reader.Call(ctx, c.contract, function, c.params)
	s.metrics.RecordChainCall(ctx, function, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	now := s.now()
	e := &store.Entry{
		Key:             c.key,
		Value:           value,
		ExpireAt:        now.Unix() + int64(c.function.TTL()/time.Second),
		CreatedAt:       now.UnixMilli(),
		ContractAddress: c.contract,
		FunctionName:    function,
		Parameters:      c.params,
	}
	if err := s.store.Set(ctx, e); err != nil {
		s.metrics.RecordStoreError(ctx, "set")
		return nil, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	return e, nil
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
