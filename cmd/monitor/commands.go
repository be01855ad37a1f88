package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli"
	"github.com/web3cdk/ca-casher/chain"
	"github.com/web3cdk/ca-casher/config"
	"github.com/web3cdk/ca-casher/metrics"
	"github.com/web3cdk/ca-casher/monitor"
	"github.com/web3cdk/ca-casher/store"
	"github.com/web3cdk/ca-casher/utils"
)

// session holds the resources one command runs with.
type session struct {
	cfg     *config.Config
	backend store.Backend
	reader  *chain.Reader
	metrics *metrics.Metrics
	monitor *monitor.Monitor
}

func (s *session) Close() {
	if s.reader != nil {
		s.reader.Close()
	}
	if s.backend != nil {
		_ = s.backend.Close()
	}
	if s.metrics != nil {
		_ = s.metrics.Shutdown(context.Background())
	}
}

func configFrom(c *cli.Context) *config.Config {
	return c.App.Metadata["config"].(*config.Config)
}

// openSession connects the store and, when withChain is set, the RPC endpoints.
func openSession(ctx context.Context, cfg *config.Config, withChain bool, m *metrics.Metrics) (*session, error) {
	s := &session{cfg: cfg, metrics: m}

	err := utils.RetryWithBackoff(ctx, utils.DefaultRetryConfig, "open store", func() error {
		b, err := store.Open(ctx, cfg.StoreOptions())
		if err != nil {
			utils.Warnf("Monitor", "store not ready: %v", err)
			return err
		}
		s.backend = b
		return nil
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	var ch monitor.Chain
	if withChain {
		s.reader, err = chain.Dial(ctx, cfg.RPCEndpoint, cfg.RPCTimeout)
		if err != nil {
			s.Close()
			return nil, err
		}
		ch = s.reader
	}

	s.monitor = monitor.New(ch, s.backend, monitor.Options{
		ChainID:        cfg.ChainID,
		Contracts:      cfg.ContractAddresses,
		Lookback:       cfg.MonitorLookback,
		MaxRange:       cfg.MonitorMaxRange,
		StaleRetention: cfg.StaleRetention,
		Metrics:        m,
	})
	return s, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runMonitor(c *cli.Context) error {
	cfg := configFrom(c)

	interval := c.Duration("interval")
	if interval <= 0 {
		interval = cfg.MonitorInterval
	}
	if len(cfg.ContractAddresses) == 0 {
		return fmt.Errorf("no contracts to monitor, set CONTRACT_ADDRESSES")
	}

	ctx, cancel := signalContext()
	defer cancel()

	m, err := metrics.New(ctx, metrics.Config{
		Service:          c.App.Name,
		ChainID:          cfg.ChainID,
		EnablePrometheus: cfg.MetricsEnabled,
		OTLPEndpoint:     cfg.OTLPEndpoint,
	})
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cfg, true, m)
	if err != nil {
		_ = m.Shutdown(context.Background())
		return err
	}
	defer s.Close()

	if addr := c.String("metrics-listen"); addr != "" {
		server := &http.Server{
			Addr:         addr,
			Handler:      m.Handler(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		go func() {
			utils.Logf("Monitor", "Serving metrics on %s", addr)
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				utils.Errorf("Monitor", "metrics server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	s.monitor.Run(ctx, interval)
	return nil
}

func runOnce(c *cli.Context) error {
	cfg := configFrom(c)

	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx, cfg, true, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := s.monitor.RunOnce(ctx)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return json.NewEncoder(c.App.Writer).Encode(reportJSON(report))
	}
	printReport(c.App.Writer, report)
	return nil
}

func runPurge(c *cli.Context) error {
	cfg := configFrom(c)

	contract := c.String("contract")
	if contract == "" {
		return fmt.Errorf("missing --contract")
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx, cfg, false, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.monitor.Purge(ctx, contract, c.StringSlice("function")...)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "purged %d entries\n", n)
	return nil
}

func runWatermark(c *cli.Context) error {
	cfg := configFrom(c)

	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx, cfg, false, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	height, ok, err := s.backend.Watermark(ctx, cfg.ChainID)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(c.App.Writer, "chain %s: no watermark\n", cfg.ChainID)
		return nil
	}
	fmt.Fprintf(c.App.Writer, "chain %s: %d\n", cfg.ChainID, height)
	return nil
}

type reportOutput struct {
	Height          uint64         `json:"height"`
	From            uint64         `json:"from,omitempty"`
	To              uint64         `json:"to,omitempty"`
	Skipped         bool           `json:"skipped,omitempty"`
	Events          map[string]int `json:"events"`
	Deleted         int            `json:"deleted"`
	FailedContracts []string       `json:"failedContracts,omitempty"`
	Swept           int            `json:"swept,omitempty"`
}

func reportJSON(r monitor.Report) reportOutput {
	events := make(map[string]int, len(r.Events))
	for e, n := range r.Events {
		events[e.String()] = n
	}
	return reportOutput{
		Height:          r.Height,
		From:            r.From,
		To:              r.To,
		Skipped:         r.Skipped,
		Events:          events,
		Deleted:         r.Deleted,
		FailedContracts: r.FailedContracts,
		Swept:           r.Swept,
	}
}

func printReport(w io.Writer, r monitor.Report) {
	if r.Skipped {
		fmt.Fprintf(w, "height %d: no new blocks\n", r.Height)
		return
	}
	fmt.Fprintf(w, "blocks %d..%d\n", r.From, r.To)

	names := make([]string, 0, len(r.Events))
	counts := reportJSON(r).Events
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-22s %d\n", name, counts[name])
	}
	fmt.Fprintf(w, "deleted %d entries\n", r.Deleted)
	if r.Swept > 0 {
		fmt.Fprintf(w, "swept %d entries\n", r.Swept)
	}
	for _, contract := range r.FailedContracts {
		fmt.Fprintf(w, "failed %s\n", contract)
	}
}
