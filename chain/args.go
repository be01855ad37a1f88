package chain

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/web3cdk/ca-casher/policy"
)

// CanonicalParams checks params against the inputs of f and rewrites each one
// in a single spelling: integers in decimal, addresses and bytes in lower-case
// 0x hex. Equivalent inputs such as "5", "05" and "0x5" map to one value.
func CanonicalParams(f policy.Function, params []string) ([]string, error) {
	method, ok := contractABI.Methods[f.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no abi", ErrUnsupportedFunction, f)
	}
	args, err := packArgs(method.Inputs, params)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(args))
	for i, input := range method.Inputs {
		switch input.Type.T {
		case abi.AddressTy:
			out[i] = strings.ToLower(args[i].(common.Address).Hex())
		case abi.UintTy, abi.IntTy:
			out[i] = fmt.Sprint(args[i])
		case abi.BoolTy:
			out[i] = strconv.FormatBool(args[i].(bool))
		case abi.BytesTy, abi.FixedBytesTy:
			b, _ := hexutil.Decode(strings.TrimSpace(params[i]))
			out[i] = hexutil.Encode(b)
		default:
			out[i] = strings.TrimSpace(params[i])
		}
	}
	return out, nil
}

// packArgs converts query strings into the Go values abi.Pack expects for the
// given inputs. Integers accept decimal or 0x-prefixed hex.
func packArgs(inputs abi.Arguments, params []string) ([]any, error) {
	if len(params) != len(inputs) {
		return nil, fmt.Errorf("%w: expected %d parameters, got %d", ErrInvalidArgument, len(inputs), len(params))
	}

	args := make([]any, len(inputs))
	for i, input := range inputs {
		v, err := convertArg(input.Type, params[i])
		if err != nil {
			name := input.Name
			if name == "" {
				name = strconv.Itoa(i)
			}
			return nil, fmt.Errorf("%w: parameter %s: %w", ErrInvalidArgument, name, err)
		}
		args[i] = v
	}
	return args, nil
}

func convertArg(t abi.Type, s string) (any, error) {
	s = strings.TrimSpace(s)

	switch t.T {
	case abi.AddressTy:
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil

	case abi.UintTy, abi.IntTy:
		n, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", s)
		}
		return sizedInt(t, n)

	case abi.BoolTy:
		return strconv.ParseBool(s)

	case abi.StringTy:
		return s, nil

	case abi.BytesTy:
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid bytes %q: %w", s, err)
		}
		return b, nil

	case abi.FixedBytesTy:
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid bytes%d %q: %w", t.Size, s, err)
		}
		if len(b) != t.Size {
			return nil, fmt.Errorf("expected %d bytes, got %d", t.Size, len(b))
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil
	}

	return nil, fmt.Errorf("unsupported argument type %s", t.String())
}

// sizedInt range-checks n and returns it in the Go type abi.Pack wants:
// the native integer type for 8/16/32/64 bits, *big.Int otherwise.
func sizedInt(t abi.Type, n *big.Int) (any, error) {
	if t.T == abi.UintTy {
		if n.Sign() < 0 || n.BitLen() > t.Size {
			return nil, fmt.Errorf("%s out of range for uint%d", n, t.Size)
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
			return nil, fmt.Errorf("%s out of range for int%d", n, t.Size)
		}
	}

	goType := t.GetType()
	if goType.Kind() == reflect.Ptr {
		return n, nil
	}

	v := reflect.New(goType).Elem()
	if t.T == abi.UintTy {
		v.SetUint(n.Uint64())
	} else {
		v.SetInt(n.Int64())
	}
	return v.Interface(), nil
}
