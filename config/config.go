// Package config loads service settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/web3cdk/ca-casher/store"
	"github.com/web3cdk/ca-casher/utils"
)

type Config struct {
	RPCEndpoint string
	RPCTimeout  time.Duration
	ChainID     string

	// ContractAddresses is both the request allow-list and the set of
	// monitored contracts, lower-cased. Empty allows every contract.
	ContractAddresses []string
	AllowedOrigins    []string

	LogLevel string

	TableName      string
	StoreBackend   string
	RedisAddr      string
	LevelDBPath    string
	MemoryCapacity int
	StaleRetention time.Duration

	ListenAddr string
	RateLimit  float64
	RateBurst  int

	MonitorInterval time.Duration
	MonitorLookback uint64
	MonitorMaxRange uint64

	MetricsEnabled bool
	OTLPEndpoint   string
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		utils.Debugf("Config", "no .env file loaded: %v", err)
	}
	return LoadFrom(os.Getenv)
}

// LoadFrom builds a Config from getenv, applying defaults for unset keys.
func LoadFrom(getenv func(string) string) (Config, error) {
	env := envReader{getenv: getenv}

	cfg := Config{
		RPCEndpoint:       strings.TrimSpace(getenv("RPC_ENDPOINT")),
		RPCTimeout:        time.Duration(env.getInt("RPC_TIMEOUT", 5000)) * time.Millisecond,
		ChainID:           env.getString("CHAIN_ID", "1"),
		ContractAddresses: normalizeAddresses(splitList(getenv("CONTRACT_ADDRESSES"))),
		AllowedOrigins:    splitList(env.getString("ALLOWED_ORIGINS", "*")),
		LogLevel:          env.getString("LOG_LEVEL", "info"),
		TableName:         env.getString("TABLE_NAME", "ca-casher-cache"),
		StoreBackend:      strings.ToLower(env.getString("STORE_BACKEND", store.BackendRedis)),
		RedisAddr:         env.getString("REDIS_ADDR", "127.0.0.1:6379"),
		LevelDBPath:       env.getString("LEVELDB_PATH", "./data"),
		MemoryCapacity:    env.getInt("MEMORY_CAPACITY", 10000),
		StaleRetention:    env.getDuration("STALE_RETENTION", 24*time.Hour),
		ListenAddr:        env.getString("LISTEN_ADDR", ":8080"),
		RateLimit:         env.getFloat("RATE_LIMIT", 10),
		RateBurst:         env.getInt("RATE_BURST", 20),
		MonitorInterval:   env.getDuration("MONITOR_INTERVAL", 5*time.Minute),
		MonitorLookback:   uint64(env.getInt("MONITOR_LOOKBACK", 10)),
		MonitorMaxRange:   uint64(env.getInt("MONITOR_MAX_RANGE", 2000)),
		MetricsEnabled:    env.getBool("METRICS_ENABLED", true),
		OTLPEndpoint:      strings.TrimSpace(getenv("OTLP_ENDPOINT")),
	}

	if env.err != nil {
		return Config{}, env.err
	}
	return cfg, nil
}

// Validate checks the settings every binary needs before it can start.
func (c *Config) Validate() error {
	if c.RPCEndpoint == "" {
		return fmt.Errorf("RPC_ENDPOINT is required")
	}
	for _, addr := range c.ContractAddresses {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("CONTRACT_ADDRESSES: invalid address %q", addr)
		}
	}
	switch c.StoreBackend {
	case store.BackendRedis, store.BackendLevelDB, store.BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND: unknown backend %q", c.StoreBackend)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("RPC_TIMEOUT must be positive")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("MONITOR_INTERVAL must be positive")
	}
	if c.MonitorMaxRange == 0 {
		return fmt.Errorf("MONITOR_MAX_RANGE must be positive")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT and RATE_BURST must be positive")
	}
	if _, err := utils.ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:        c.StoreBackend,
		Table:          c.TableName,
		RedisAddr:      c.RedisAddr,
		LevelDBPath:    c.LevelDBPath,
		MemoryCapacity: c.MemoryCapacity,
		StaleRetention: c.StaleRetention,
	}
}

type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(e.getenv(key))
	return v, v != ""
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s=%q: %w", key, value, err)
	}
}

func (e *envReader) getString(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e *envReader) getInt(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		if err == nil {
			err = fmt.Errorf("must not be negative")
		}
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *envReader) getFloat(key string, def float64) float64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return f
}

func (e *envReader) getBool(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *envReader) getDuration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeAddresses rewrites valid addresses as lower-case 0x hex, the form
// request addresses are compared in. Invalid entries are kept for Validate.
func normalizeAddresses(list []string) []string {
	for i, addr := range list {
		if common.IsHexAddress(addr) {
			list[i] = strings.ToLower(common.HexToAddress(addr).Hex())
		} else {
			list[i] = strings.ToLower(addr)
		}
	}
	return list
}
