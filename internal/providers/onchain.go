package providers

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/contraparty/internal/chain"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
)

// CallUint runs a view call that returns a single unsigned integer.
func CallUint(ctx context.Context, reader chain.Reader, contract common.Address, parsed abi.ABI, method string, args ...any) (*big.Int, error) {
	if reader == nil {
		return nil, clierr.New(clierr.CodeUnavailable, "no rpc reader")
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, fmt.Sprintf("pack %s call", method), err)
	}
	raw, err := reader.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("call %s", method), err)
	}
	values, err := parsed.Unpack(method, raw)
	if err != nil || len(values) == 0 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("decode %s", method), err)
	}
	out, ok := values[0].(*big.Int)
	if !ok || out == nil {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("invalid %s response", method))
	}
	return out, nil
}

func MustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
