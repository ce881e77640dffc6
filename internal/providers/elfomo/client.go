// Package elfomo quotes and builds swaps against the ElfomoFi quoting
// contract on Base.
package elfomo

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

var elfomoABI = providers.MustABI(registry.ElfomoABI)

// Partner id passed to swap; the client has no partner program.
const partnerID = 0

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
		Name:         "elfomo",
		Type:         "swap",
		RequiresKey:  false,
		Capabilities: []string{"swap.quote", "swap.execute"},
	}
}

func (c *Client) Source() providers.Source { return providers.SourceElfomo }

func (c *Client) Configured(network registry.Network) bool { return network.HasElfomo() }

func (c *Client) Quote(ctx context.Context, req providers.Request) *providers.Candidate {
	if !c.Configured(req.Network) || req.AmountIn == nil {
		return nil
	}
	contract, _ := id.NormalizeAddress(req.Network.ElfomoContract)
	out, err := providers.CallUint(ctx, req.Reader, common.HexToAddress(contract), elfomoABI, "getAmountOut",
		common.HexToAddress(req.TokenIn.Address),
		common.HexToAddress(req.TokenOut.Address),
		req.AmountIn,
	)
	if err != nil {
		c.log.Debug("quote backend failed", "source", providers.SourceElfomo, "err", err)
		return nil
	}
	if out.Sign() <= 0 {
		return nil
	}
	return &providers.Candidate{
		Source:     providers.SourceElfomo,
		QuotedOut:  out,
		Spender:    contract,
		Executable: true,
		Payload:    providers.DirectCallPayload{Contract: contract, Via: providers.SourceElfomo},
	}
}

// BuildSwap encodes swap(fromToken, toToken, specifiedAmount, limitAmount,
// receiver, partnerId). A positive specified amount means exact input.
func BuildSwap(contract string, tokenIn, tokenOut string, amountIn, minOut *big.Int, receiver string) (chain.TxRequest, error) {
	target, ok := id.NormalizeAddress(contract)
	if !ok {
		return chain.TxRequest{}, clierr.New(clierr.CodeUnsupported, "Elfomo contract is not configured on this chain.")
	}
	data, err := elfomoABI.Pack("swap",
		common.HexToAddress(tokenIn),
		common.HexToAddress(tokenOut),
		new(big.Int).Set(amountIn),
		minOut,
		common.HexToAddress(receiver),
		big.NewInt(partnerID),
	)
	if err != nil {
		return chain.TxRequest{}, clierr.Wrap(clierr.CodeInternal, "pack elfomo swap calldata", err)
	}
	return chain.TxRequest{To: common.HexToAddress(target), Data: data, Value: new(big.Int)}, nil
}

// SwapSelector is the 4-byte id of swap, used by pre-send checks.
func SwapSelector() []byte {
	return elfomoABI.Methods["swap"].ID
}
