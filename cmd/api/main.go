package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/web3cdk/ca-casher/chain"
	"github.com/web3cdk/ca-casher/config"
	"github.com/web3cdk/ca-casher/metrics"
	"github.com/web3cdk/ca-casher/monitor"
	"github.com/web3cdk/ca-casher/readthrough"
	"github.com/web3cdk/ca-casher/store"
	"github.com/web3cdk/ca-casher/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		utils.Fatalf("API", "Invalid configuration: %v", err)
	}

	// Command line flags override the environment
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	flag.StringVar(&cfg.RPCEndpoint, "rpc", cfg.RPCEndpoint, "comma-separated JSON-RPC endpoints")
	flag.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "cache store backend: redis, leveldb or memory")
	flag.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address")
	flag.StringVar(&cfg.LevelDBPath, "leveldb", cfg.LevelDBPath, "LevelDB directory")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: error, warn, info or debug")
	withMonitor := flag.Bool("monitor", false, "also run the event monitor in this process")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		utils.Fatalf("API", "Invalid configuration: %v", err)
	}
	utils.SetLogLevel(cfg.LogLevel)

	utils.Logf("API", "Contract read cache API")
	utils.Logf("API", "Listen: %s", cfg.ListenAddr)
	utils.Logf("API", "Store: %s", cfg.StoreBackend)
	utils.Logf("API", "Chain ID: %s, %d whitelisted contracts", cfg.ChainID, len(cfg.ContractAddresses))

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var backend store.Backend
	err = utils.RetryWithBackoff(ctx, utils.DefaultRetryConfig, "open store", func() error {
		b, err := store.Open(ctx, cfg.StoreOptions())
		if err != nil {
			utils.Warnf("API", "store not ready: %v", err)
			return err
		}
		backend = b
		return nil
	})
	if err != nil {
		utils.Fatalf("API", "Failed to open store: %v", err)
	}
	defer backend.Close()
	utils.Logf("API", "Connected to %s store", cfg.StoreBackend)

	reader, err := chain.Dial(ctx, cfg.RPCEndpoint, cfg.RPCTimeout)
	if err != nil {
		utils.Fatalf("API", "Failed to connect to RPC: %v", err)
	}
	defer reader.Close()
	utils.Logf("API", "Using %d RPC endpoint(s), current %s", reader.EndpointCount(), reader.CurrentEndpoint())

	m, err := metrics.New(ctx, metrics.Config{
		Service:          serviceName,
		ChainID:          cfg.ChainID,
		EnablePrometheus: cfg.MetricsEnabled,
		OTLPEndpoint:     cfg.OTLPEndpoint,
	})
	if err != nil {
		utils.Fatalf("API", "Failed to set up metrics: %v", err)
	}

	service := readthrough.New(backend, reader, readthrough.Options{
		ChainID: cfg.ChainID,
		Allowed: cfg.ContractAddresses,
		Metrics: m,
	})

	if *withMonitor {
		mon := monitor.New(reader, backend, monitor.Options{
			ChainID:        cfg.ChainID,
			Contracts:      cfg.ContractAddresses,
			Lookback:       cfg.MonitorLookback,
			MaxRange:       cfg.MonitorMaxRange,
			StaleRetention: cfg.StaleRetention,
			Metrics:        m,
		})
		go mon.Run(ctx, cfg.MonitorInterval)
	}

	api := newAPI(service, apiOptions{
		Origins:   cfg.AllowedOrigins,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Metrics:   m,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Start server in goroutine
	go func() {
		utils.Logf("API", "Starting HTTP server on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			utils.Errorf("API", "HTTP server error: %v", err)
			select {
			case sigChan <- syscall.SIGTERM:
			default:
			}
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	utils.Logf("API", "Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		utils.Errorf("API", "HTTP shutdown: %v", err)
	}
	if err := m.Shutdown(shutdownCtx); err != nil {
		utils.Errorf("API", "Metrics shutdown: %v", err)
	}

	utils.Logf("API", "Shutdown complete")
}
