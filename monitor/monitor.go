// Package monitor watches configured contracts for state-changing events and
// purges the cache entries those events make stale.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/web3cdk/ca-casher/metrics"
	"github.com/web3cdk/ca-casher/policy"
	"github.com/web3cdk/ca-casher/store"
	"github.com/web3cdk/ca-casher/utils"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultLookback    = 10
	DefaultMaxRange    = 2000
	DefaultInterval    = 5 * time.Minute
	defaultConcurrency = 4
)

// Chain is the part of chain.Reader the monitor uses.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	Logs(ctx context.Context, contract string, topics []common.Hash, from, to uint64) ([]types.Log, error)
}

type Options struct {
	ChainID   string
	Contracts []string
	// Lookback is how many blocks the first run scans when no watermark
	// exists. Zero means DefaultLookback.
	Lookback uint64
	// MaxRange caps the blocks covered by one eth_getLogs request. Longer
	// scans are split into consecutive windows. Zero means DefaultMaxRange.
	MaxRange    uint64
	Concurrency int
	// StaleRetention bounds how long expired entries are kept on backends
	// without native expiry. Zero disables the sweep.
	StaleRetention time.Duration
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Report summarizes one run.
type Report struct {
	Height uint64
	From   uint64
	To     uint64
	// Skipped is set when the chain has not advanced past the watermark.
	Skipped         bool
	Events          map[policy.Event]int
	Deleted         int
	FailedContracts []string
	Swept           int
}

type Monitor struct {
	chain  Chain
	store  store.Backend
	opts   Options
	topics []common.Hash

	mu           sync.Mutex
	watermark    uint64
	hasWatermark bool
}

func New(c Chain, s store.Backend, opts Options) *Monitor {
	if opts.ChainID == "" {
		opts.ChainID = "1"
	}
	if opts.Lookback == 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.MaxRange == 0 {
		opts.MaxRange = DefaultMaxRange
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	contracts := make([]string, 0, len(opts.Contracts))
	for _, c := range opts.Contracts {
		contracts = append(contracts, policy.NormalizeAddress(c))
	}
	opts.Contracts = contracts

	events := policy.MonitoredEvents()
	topics := make([]common.Hash, len(events))
	for i, e := range events {
		topics[i] = common.Hash(e.Topic())
	}

	return &Monitor{
		chain:  c,
		store:  s,
		opts:   opts,
		topics: topics,
	}
}

// Watermark returns the last processed block, if any run has set one.
func (m *Monitor) Watermark() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark, m.hasWatermark
}

// startBlock resolves the watermark for this run: in memory, then persisted,
// then height minus lookback.
func (m *Monitor) startBlock(ctx context.Context, height uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasWatermark {
		return m.watermark
	}

	if persisted, ok, err := m.store.Watermark(ctx, m.opts.ChainID); err != nil {
		utils.Errorf("Monitor", "failed to load persisted watermark: %v", err)
	} else if ok {
		utils.Logf("Monitor", "resuming from persisted watermark %d", persisted)
		m.watermark, m.hasWatermark = persisted, true
		return persisted
	}

	start := uint64(0)
	if height > m.opts.Lookback {
		start = height - m.opts.Lookback
	}
	utils.Logf("Monitor", "no watermark, starting %d blocks back at %d", m.opts.Lookback, start)
	m.watermark, m.hasWatermark = start, true
	return start
}

func (m *Monitor) advance(ctx context.Context, height uint64) {
	m.mu.Lock()
	m.watermark, m.hasWatermark = height, true
	m.mu.Unlock()

	m.opts.Metrics.SetWatermark(m.opts.ChainID, height)

	err := utils.RetryWithBackoff(ctx, utils.RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2,
	}, "persist watermark", func() error {
		return m.store.SetWatermark(ctx, m.opts.ChainID, height)
	})
	if err != nil {
		utils.Errorf("Monitor", "%v", err)
	}
}

// RunOnce performs a single scan from the watermark to the current height.
// A failure to read the height aborts the run and leaves the watermark alone;
// per-contract failures are logged and skipped.
func (m *Monitor) RunOnce(ctx context.Context) (report Report, err error) {
	defer func() {
		m.opts.Metrics.RecordMonitorRun(ctx, err)
	}()

	height, err := m.chain.BlockNumber(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read chain height: %w", err)
	}

	watermark := m.startBlock(ctx, height)
	report = Report{Height: height, Events: make(map[policy.Event]int)}
	if height <= watermark {
		utils.Debugf("Monitor", "no new blocks %s", utils.Fields("height", height, "watermark", watermark))
		report.Skipped = true
		return report, nil
	}
	report.From, report.To = watermark+1, height

	utils.Logf("Monitor", "scanning blocks %d..%d for %d contracts", report.From, report.To, len(m.opts.Contracts))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(m.opts.Concurrency)
	for _, contract := range m.opts.Contracts {
		g.Go(func() error {
			events, deleted, err := m.processContract(ctx, contract, report.From, report.To)

			mu.Lock()
			defer mu.Unlock()
			for e, n := range events {
				report.Events[e] += n
			}
			report.Deleted += deleted
			if err != nil {
				utils.Errorf("Monitor", "contract %s skipped: %v", contract, err)
				report.FailedContracts = append(report.FailedContracts, contract)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.advance(ctx, height)
	report.Swept = m.sweep(ctx)

	utils.Logf("Monitor", "run complete %s", utils.Fields(
		"height", height, "events", len(report.Events), "deleted", report.Deleted, "failed", len(report.FailedContracts)))
	return report, nil
}

func (m *Monitor) processContract(ctx context.Context, contract string, from, to uint64) (map[policy.Event]int, int, error) {
	logs, err := m.logs(ctx, contract, from, to)
	if err != nil {
		return nil, 0, err
	}

	events := make(map[policy.Event]int)
	var seen []policy.Event
	for i := range logs {
		if len(logs[i].Topics) == 0 {
			continue
		}
		e, ok := policy.ClassifyTopic(logs[i].Topics[0])
		if !ok {
			utils.Debugf("Monitor", "unknown topic %s in tx %s", logs[i].Topics[0].Hex(), logs[i].TxHash.Hex())
			continue
		}
		if events[e] == 0 {
			seen = append(seen, e)
		}
		events[e]++
	}
	if len(seen) == 0 {
		return events, 0, nil
	}

	deleted := 0
	var firstErr error
	for _, f := range policy.UnionTargets(seen...) {
		n, err := m.store.DeleteByContractAndFunction(ctx, contract, f.String())
		deleted += n
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("purge %s: %w", f, err)
			}
			continue
		}
		m.opts.Metrics.RecordInvalidation(ctx, f.String(), n)
		if n > 0 {
			utils.Logf("Monitor", "invalidated %d entries %s", n, utils.Fields("contract", contract, "function", f))
		}
	}
	return events, deleted, firstErr
}

// logs fetches the monitored events of contract in [from, to], at most
// MaxRange blocks per request.
func (m *Monitor) logs(ctx context.Context, contract string, from, to uint64) ([]types.Log, error) {
	var logs []types.Log
	for start := from; ; {
		end := to
		if to-start >= m.opts.MaxRange {
			end = start + m.opts.MaxRange - 1
		}
		batch, err := m.chain.Logs(ctx, contract, m.topics, start, end)
		if err != nil {
			return nil, fmt.Errorf("logs %d..%d: %w", start, end, err)
		}
		logs = append(logs, batch...)
		if end == to {
			return logs, nil
		}
		start = end + 1
	}
}

func (m *Monitor) sweep(ctx context.Context) int {
	sweeper, ok := m.store.(store.Sweeper)
	if !ok || m.opts.StaleRetention <= 0 {
		return 0
	}
	n, err := sweeper.Sweep(ctx, m.opts.Now().Add(-m.opts.StaleRetention))
	if err != nil {
		utils.Errorf("Monitor", "sweep failed: %v", err)
		return n
	}
	if n > 0 {
		utils.Logf("Monitor", "swept %d entries past retention", n)
	}
	return n
}

// Purge removes cached entries of contract for the named functions, or every
// entry of the contract when no function is given.
func (m *Monitor) Purge(ctx context.Context, contract string, functions ...string) (int, error) {
	if !common.IsHexAddress(contract) {
		return 0, fmt.Errorf("invalid contract address %q", contract)
	}
	contract = policy.NormalizeAddress(contract)

	if len(functions) == 0 {
		return m.store.DeleteByContractAndFunction(ctx, contract, "")
	}

	targets := make([]policy.Function, 0, len(functions))
	for _, name := range functions {
		f, ok := policy.Lookup(name)
		if !ok {
			return 0, fmt.Errorf("unsupported function %q", name)
		}
		targets = append(targets, f)
	}

	total := 0
	for _, f := range targets {
		n, err := m.store.DeleteByContractAndFunction(ctx, contract, f.String())
		total += n
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", f, err)
		}
		m.opts.Metrics.RecordInvalidation(ctx, f.String(), n)
	}
	return total, nil
}

// Run scans immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	utils.Logf("Monitor", "starting event monitor (%s interval, %d contracts)", interval, len(m.opts.Contracts))
	m.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			utils.Logf("Monitor", "context cancelled, stopping")
			return
		case <-ticker.C:
			m.runLogged(ctx)
		}
	}
}

func (m *Monitor) runLogged(ctx context.Context) {
	if _, err := m.RunOnce(ctx); err != nil {
		utils.Errorf("Monitor", "run aborted: %v", err)
	}
}
