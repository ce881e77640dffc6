// Package wallet is the boundary to the account that signs and sends
// transactions. The engine only consumes the Wallet interface; LocalWallet
// implements it with a local key for terminal use.
package wallet

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ggonzalez94/contraparty/internal/chain"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

// Wallet mirrors the EIP-1193 requests the engine issues.
type Wallet interface {
	// Accounts returns authorized accounts without prompting (eth_accounts).
	Accounts(ctx context.Context) ([]string, error)
	// RequestAccounts asks for authorization (eth_requestAccounts).
	RequestAccounts(ctx context.Context) ([]string, error)
	ChainID(ctx context.Context) (int64, error)
	SwitchChain(ctx context.Context, chainID int64) error
	AddChain(ctx context.Context, params AddChainParams) error
	SendTransaction(ctx context.Context, tx chain.TxRequest) (common.Hash, error)
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
	// Reader is a read client over the wallet's own transport, bound to the
	// wallet's current chain.
	Reader(ctx context.Context) (chain.Reader, error)
}

type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// AddChainParams is the wallet_addEthereumChain payload.
type AddChainParams struct {
	ChainID           hexutil.Uint64 `json:"chainId"`
	ChainName         string         `json:"chainName"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
}

// AddChainParamsFor describes network for a wallet that does not know it.
func AddChainParamsFor(network registry.Network, rpcOverrides []string) AddChainParams {
	name := strings.TrimSpace(network.Label)
	if name == "" {
		name = fmt.Sprintf("Chain %d", network.ChainID)
	}
	return AddChainParams{
		ChainID:           hexutil.Uint64(network.ChainID),
		ChainName:         name,
		NativeCurrency:    NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		RPCURLs:           registry.ResolveRPCURLs(rpcOverrides, network),
		BlockExplorerURLs: registry.BlockExplorerURLs(network.ChainID),
	}
}

// Account returns the first authorized account, optionally prompting for
// access. Errors and empty or malformed results yield "".
func Account(ctx context.Context, w Wallet, requestAccess bool) string {
	if w == nil {
		return ""
	}
	var (
		accounts []string
		err      error
	)
	if requestAccess {
		accounts, err = w.RequestAccounts(ctx)
	} else {
		accounts, err = w.Accounts(ctx)
	}
	if err != nil || len(accounts) == 0 {
		return ""
	}
	normalized, _ := id.NormalizeAddress(accounts[0])
	return normalized
}

// ChainIDOrZero reports the wallet chain, or 0 when it cannot be read.
func ChainIDOrZero(ctx context.Context, w Wallet) int64 {
	if w == nil {
		return 0
	}
	chainID, err := w.ChainID(ctx)
	if err != nil || chainID < 0 {
		return 0
	}
	return chainID
}

// EnsureChain switches the wallet to chainID, adding the chain first when the
// wallet reports it as unknown.
func EnsureChain(ctx context.Context, w Wallet, catalogue *registry.Catalogue, chainID int64, rpcOverrides []string) error {
	if w == nil {
		return clierr.New(clierr.CodeSigner, "Wallet provider not found.")
	}
	if chainID <= 0 {
		return clierr.New(clierr.CodeUsage, "Invalid chain id.")
	}
	err := w.SwitchChain(ctx, chainID)
	if err == nil {
		return nil
	}
	if ErrorCode(err) != CodeUnrecognizedChain {
		return err
	}
	var (
		network registry.Network
		ok      bool
	)
	if catalogue != nil {
		network, ok = catalogue.ByChainID(chainID)
	}
	params := AddChainParamsFor(network, rpcOverrides)
	if !ok || len(params.RPCURLs) == 0 {
		return clierr.New(clierr.CodeChainMismatch, "Target chain is not available in wallet.")
	}
	if err := w.AddChain(ctx, params); err != nil {
		return err
	}
	return w.SwitchChain(ctx, chainID)
}
