package execution

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/contraparty/internal/chain"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/execution/planner"
	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

var policyERC20ABI = providers.MustABI(registry.ERC20MinimalABI)

// validateApprovalPolicy checks an approval is approve(spender, amount) on
// the quoted input token for the spender the quote was priced against.
func validateApprovalPolicy(tx chain.TxRequest, token, spender string) error {
	if tx.To != common.HexToAddress(token) {
		return clierr.New(clierr.CodeExecution, "approval target does not match the input token")
	}
	if tx.ValueOrZero().Sign() != 0 {
		return clierr.New(clierr.CodeExecution, "approval must not carry value")
	}
	args, err := unpackCall(policyERC20ABI.Methods["approve"], planner.ApproveSelector(), tx.Data)
	if err != nil || len(args) != 2 {
		return clierr.New(clierr.CodeExecution, "approval calldata is invalid")
	}
	approved, ok := toAddress(args[0])
	if !ok || approved == (common.Address{}) || approved != common.HexToAddress(spender) {
		return clierr.New(clierr.CodeExecution, "approval spender does not match the quote")
	}
	amount, ok := toBigInt(args[1])
	if !ok || amount.Sign() <= 0 {
		return clierr.New(clierr.CodeExecution, "approval has invalid amount")
	}
	return nil
}

// validateDirectSwapPolicy checks a direct swap calls swap on the
// source's contract without attaching value.
func validateDirectSwapPolicy(tx chain.TxRequest, source providers.Source, contract string) error {
	if contract == "" || tx.To != common.HexToAddress(contract) {
		return clierr.New(clierr.CodeExecution, "swap target does not match the configured contract")
	}
	selector := planner.SwapSelector(source)
	if len(selector) == 0 || len(tx.Data) < 4 || !bytes.Equal(tx.Data[:4], selector) {
		return clierr.New(clierr.CodeExecution, "swap calldata does not call swap")
	}
	if tx.ValueOrZero().Sign() != 0 {
		return clierr.New(clierr.CodeExecution, "swap must not carry value")
	}
	return nil
}

// validateRouterPolicy checks a built aggregator transaction has a target
// and calldata.
func validateRouterPolicy(tx chain.TxRequest) error {
	if tx.To == (common.Address{}) {
		return clierr.New(clierr.CodeExecution, "Kyber route build returned invalid transaction data.")
	}
	if len(tx.Data) < 4 {
		return clierr.New(clierr.CodeExecution, "Kyber route build returned invalid transaction data.")
	}
	return nil
}

func unpackCall(method abi.Method, selector, data []byte) ([]any, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], selector) {
		return nil, clierr.New(clierr.CodeExecution, "unexpected selector")
	}
	return method.Inputs.Unpack(data[4:])
}

func toAddress(v any) (common.Address, bool) {
	switch value := v.(type) {
	case common.Address:
		return value, true
	case *common.Address:
		if value == nil {
			return common.Address{}, false
		}
		return *value, true
	default:
		return common.Address{}, false
	}
}

func toBigInt(v any) (*big.Int, bool) {
	switch value := v.(type) {
	case *big.Int:
		if value == nil {
			return nil, false
		}
		return value, true
	case big.Int:
		cpy := value
		return &cpy, true
	default:
		return nil, false
	}
}
