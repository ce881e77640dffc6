// Package contraparty quotes and builds swaps against the Contraparty
// quoting contract.
package contraparty

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ggonzalez94/contraparty/internal/chain"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/model"
	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

var contrapartyABI = providers.MustABI(registry.ContrapartyABI)

type Client struct {
	log log.Logger
}

func New(logger log.Logger) *Client {
	if logger == nil {
		logger = log.Root()
	}
	return &Client{log: logger}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "contraparty",
		Type:         "swap",
		RequiresKey:  false,
		Capabilities: []string{"swap.quote", "swap.execute"},
	}
}

func (c *Client) Source() providers.Source { return providers.SourceContraparty }

func (c *Client) Configured(network registry.Network) bool { return network.HasContraparty() }

func (c *Client) Quote(ctx context.Context, req providers.Request) *providers.Candidate {
	if !c.Configured(req.Network) || req.AmountIn == nil {
		return nil
	}
	contract, _ := id.NormalizeAddress(req.Network.ContrapartyContract)
	out, err := providers.CallUint(ctx, req.Reader, common.HexToAddress(contract), contrapartyABI, "quote",
		common.HexToAddress(req.TokenIn.Address),
		common.HexToAddress(req.TokenOut.Address),
		req.AmountIn,
	)
	if err != nil {
		c.log.Debug("quote backend failed", "source", providers.SourceContraparty, "version", req.Network.ContrapartyVersion, "err", err)
		return nil
	}
	if out.Sign() <= 0 {
		return nil
	}
	return &providers.Candidate{
		Source:     providers.SourceContraparty,
		QuotedOut:  out,
		Spender:    contract,
		Executable: true,
		Payload:    providers.DirectCallPayload{Contract: contract, Via: providers.SourceContraparty},
	}
}

// BuildSwap encodes swap(token_in, token_out, amount_in, min_amount_out, recipient).
func BuildSwap(contract string, tokenIn, tokenOut string, amountIn, minOut *big.Int, recipient string) (chain.TxRequest, error) {
	target, ok := id.NormalizeAddress(contract)
	if !ok {
		return chain.TxRequest{}, clierr.New(clierr.CodeUnsupported, "Contraparty contract is not configured on this chain.")
	}
	data, err := contrapartyABI.Pack("swap",
		common.HexToAddress(tokenIn),
		common.HexToAddress(tokenOut),
		amountIn,
		minOut,
		common.HexToAddress(recipient),
	)
	if err != nil {
		return chain.TxRequest{}, clierr.Wrap(clierr.CodeInternal, "pack contraparty swap calldata", err)
	}
	return chain.TxRequest{To: common.HexToAddress(target), Data: data, Value: new(big.Int)}, nil
}

func SwapSelector() []byte {
	return contrapartyABI.Methods["swap"].ID
}
