package tokens

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/contraparty/internal/chain"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/id"
)

// ReadMetadata reads decimals, symbol and name of an ERC-20 token. Symbol
// and name fall back to the bytes32 encoding used by some older tokens.
func ReadMetadata(ctx context.Context, reader chain.Reader, address string) (*id.Token, error) {
	if reader == nil {
		return nil, clierr.New(clierr.CodeUnavailable, "no rpc reader")
	}
	target := common.HexToAddress(address)

	decimalsOut, err := call(ctx, reader, target, metadataABI, "decimals")
	if err != nil {
		return nil, err
	}
	if len(decimalsOut) == 0 {
		return nil, clierr.New(clierr.CodeUnsupported, "decimals returned no data")
	}
	decimals, ok := decimalsOut[0].(uint8)
	if !ok {
		return nil, clierr.New(clierr.CodeUnsupported, "decimals returned unexpected type")
	}

	symbol := readText(ctx, reader, target, "symbol")
	name := readText(ctx, reader, target, "name")
	if symbol == "" {
		return nil, clierr.New(clierr.CodeUnsupported, "invalid token metadata")
	}
	if name == "" {
		name = symbol
	}
	normalized, _ := id.NormalizeAddress(address)
	return &id.Token{Symbol: symbol, Name: name, Address: normalized, Decimals: int(decimals)}, nil
}

func readText(ctx context.Context, reader chain.Reader, target common.Address, method string) string {
	out, err := call(ctx, reader, target, metadataABI, method)
	if err == nil && len(out) > 0 {
		if s, ok := out[0].(string); ok {
			return cleanText(s)
		}
	}
	out, err = call(ctx, reader, target, metadataBytes32ABI, method)
	if err != nil || len(out) == 0 {
		return ""
	}
	raw, ok := out[0].([32]byte)
	if !ok {
		return ""
	}
	return cleanText(string(bytes.TrimRight(raw[:], "\x00")))
}

func cleanText(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}

func call(ctx context.Context, reader chain.Reader, target common.Address, parsed abi.ABI, method string) ([]any, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, fmt.Sprintf("pack %s", method), err)
	}
	raw, err := reader.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("call %s", method), err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnsupported, fmt.Sprintf("decode %s", method), err)
	}
	return out, nil
}
