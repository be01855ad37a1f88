// Package chain performs read-only contract calls and log queries against
// EVM JSON-RPC endpoints.
package chain

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/web3cdk/ca-casher/policy"
	"github.com/web3cdk/ca-casher/utils"
)

var (
	ErrUnsupportedFunction = errors.New("unsupported function")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrCallFailed          = errors.New("contract call failed")
)

const DefaultTimeout = 5 * time.Second

//go:embed contracts.json
var contractsJSON []byte

var contractABI = func() abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(contractsJSON))
	if err != nil {
		panic(fmt.Errorf("parse contract abi: %w", err))
	}
	return parsed
}()

// Backend is the subset of ethclient.Client the reader needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type Endpoint struct {
	Name    string
	Backend Backend
}

// Reader calls contracts through a list of endpoints with automatic fallback.
// Transport failures move on to the next endpoint; errors returned by the node
// itself, such as reverts, do not.
type Reader struct {
	endpoints    []Endpoint
	currentIndex int
	mu           sync.RWMutex
	timeout      time.Duration
	clients      []*ethclient.Client
}

// Dial connects to a single URL or a comma-separated list for fallback,
// e.g. "https://rpc1.example,https://rpc2.example".
func Dial(ctx context.Context, addresses string, timeout time.Duration) (*Reader, error) {
	var endpoints []Endpoint
	var clients []*ethclient.Client
	for _, addr := range strings.Split(addresses, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		client, err := ethclient.DialContext(ctx, addr)
		if err != nil {
			for _, c := range clients {
				c.Close()
			}
			return nil, fmt.Errorf("dial %q: %w", addr, err)
		}
		clients = append(clients, client)
		endpoints = append(endpoints, Endpoint{Name: hostOf(addr), Backend: client})
	}

	r, err := NewReader(timeout, endpoints...)
	if err != nil {
		return nil, err
	}
	r.clients = clients
	return r, nil
}

func NewReader(timeout time.Duration, endpoints ...Endpoint) (*Reader, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no valid endpoints provided")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reader{
		endpoints: endpoints,
		timeout:   timeout,
	}, nil
}

func hostOf(addr string) string {
	if _, rest, ok := strings.Cut(addr, "://"); ok {
		addr = rest
	}
	host, _, _ := strings.Cut(addr, "/")
	return host
}

func (r *Reader) currentEndpoint() Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[r.currentIndex]
}

func (r *Reader) failover() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentIndex = (r.currentIndex + 1) % len(r.endpoints)
}

func (r *Reader) EndpointCount() int {
	return len(r.endpoints)
}

func (r *Reader) CurrentEndpoint() string {
	return r.currentEndpoint().Name
}

func (r *Reader) Close() {
	for _, c := range r.clients {
		c.Close()
	}
}

// isNodeError reports whether err is a JSON-RPC error object returned by the
// node, as opposed to a transport failure.
func isNodeError(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

func (r *Reader) do(ctx context.Context, op string, fn func(ctx context.Context, b Backend) error) error {
	var lastErr error
	for attempt := 0; attempt < len(r.endpoints); attempt++ {
		endpoint := r.currentEndpoint()

		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := fn(callCtx, endpoint.Backend)
		cancel()

		if err == nil {
			return nil
		}
		if isNodeError(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = fmt.Errorf("%s: %w", endpoint.Name, err)
		if len(r.endpoints) > 1 {
			utils.Logf("Chain", "%s on endpoint %s failed: %v, trying next...", op, endpoint.Name, err)
		}
		r.failover()
	}

	return fmt.Errorf("all endpoints failed, last error: %w", lastErr)
}

// Call invokes a supported read-only function on contract. params are the raw
// query strings in call order. The result is normalized for JSON.
func (r *Reader) Call(ctx context.Context, contract, function string, params []string) (any, error) {
	f, ok := policy.Lookup(function)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFunction, function)
	}
	method, ok := contractABI.Methods[f.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no abi", ErrUnsupportedFunction, function)
	}
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("%w: invalid contract address %q", ErrInvalidArgument, contract)
	}

	args, err := packArgs(method.Inputs, params)
	if err != nil {
		return nil, err
	}
	data, err := contractABI.Pack(method.Name, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	to := common.HexToAddress(contract)
	msg := ethereum.CallMsg{To: &to, Data: data}

	utils.Debugf("Chain", "eth_call %s", utils.Fields("contract", contract, "function", function, "params", params))

	var out []byte
	err = r.do(ctx, "eth_call", func(ctx context.Context, b Backend) error {
		var err error
		out, err = b.CallContract(ctx, msg, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCallFailed, function, err)
	}
	if len(out) == 0 && len(method.Outputs) > 0 {
		return nil, fmt.Errorf("%w: %s: empty response, no contract code at %s?", ErrCallFailed, function, to.Hex())
	}

	values, err := method.Outputs.Unpack(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: decode: %w", ErrCallFailed, function, err)
	}
	return normalizeOutputs(values), nil
}

func (r *Reader) BlockNumber(ctx context.Context) (uint64, error) {
	var height uint64
	err := r.do(ctx, "eth_blockNumber", func(ctx context.Context, b Backend) error {
		var err error
		height, err = b.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %w", ErrCallFailed, err)
	}
	return height, nil
}

// Logs returns contract logs whose topic0 is any of topics, over the inclusive
// block range [from, to].
func (r *Reader) Logs(ctx context.Context, contract string, topics []common.Hash, from, to uint64) ([]types.Log, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("%w: invalid contract address %q", ErrInvalidArgument, contract)
	}
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{common.HexToAddress(contract)},
		Topics:    [][]common.Hash{topics},
	}

	var logs []types.Log
	err := r.do(ctx, "eth_getLogs", func(ctx context.Context, b Backend) error {
		var err error
		logs, err = b.FilterLogs(ctx, q)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: logs %s: %w", ErrCallFailed, contract, err)
	}
	return logs, nil
}
