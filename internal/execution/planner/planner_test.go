package planner

import (
	"bytes"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/contraparty/internal/approval"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/quote"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

const (
	tokenIn  = "0x4200000000000000000000000000000000000006"
	tokenOut = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	spender  = "0x00000000000000000000000000000000000000BB"
	receiver = "0x00000000000000000000000000000000000000CC"
)

func baseNetwork(t *testing.T) registry.Network {
	t.Helper()
	network, ok := registry.DefaultCatalogue().Get("base")
	if !ok {
		t.Fatal("base network missing from default catalogue")
	}
	return network
}

func TestApprovalTxDefaultsToMaxAllowance(t *testing.T) {
	tx, err := ApprovalTx(tokenIn, spender, nil)
	if err != nil {
		t.Fatalf("ApprovalTx failed: %v", err)
	}
	if tx.To != common.HexToAddress(tokenIn) {
		t.Fatalf("unexpected target %s", tx.To.Hex())
	}
	if !bytes.Equal(tx.Data[:4], ApproveSelector()) {
		t.Fatalf("unexpected selector %x", tx.Data[:4])
	}
	args, err := erc20ABI.Methods["approve"].Inputs.Unpack(tx.Data[4:])
	if err != nil {
		t.Fatalf("unpack approve: %v", err)
	}
	if args[0].(common.Address) != common.HexToAddress(spender) {
		t.Fatalf("unexpected spender %v", args[0])
	}
	if args[1].(*big.Int).Cmp(approval.MaxAllowance.ToBig()) != 0 {
		t.Fatalf("expected max approval, got %v", args[1])
	}
	if tx.ValueOrZero().Sign() != 0 {
		t.Fatalf("approval must not carry value, got %s", tx.Value)
	}
}

func TestApprovalTxRejectsInvalidInputs(t *testing.T) {
	if _, err := ApprovalTx(id.NativeTokenAddress, spender, nil); err == nil {
		t.Fatal("expected native token to be rejected")
	}
	_, err := ApprovalTx(tokenIn, "", nil)
	if err == nil || !strings.Contains(err.Error(), "No spender configured for approval.") {
		t.Fatalf("expected missing spender error, got %v", err)
	}
	if _, err := ApprovalTx(tokenIn, spender, big.NewInt(0)); !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error for zero amount, got %v", err)
	}
}

func testQuote(source providers.Source) *quote.Quote {
	return &quote.Quote{
		Source:      source,
		NetworkKey:  "base",
		ChainID:     8453,
		FromToken:   id.Token{Address: tokenIn, Symbol: "WETH", Decimals: 18},
		ToToken:     id.Token{Address: tokenOut, Symbol: "USDC", Decimals: 6},
		AmountIn:    big.NewInt(1_000_000),
		QuotedOut:   big.NewInt(2_000),
		MinOut:      big.NewInt(1_990),
		SlippageBps: 50,
		Executable:  true,
	}
}

func TestDirectSwapTxContraparty(t *testing.T) {
	network := baseNetwork(t)
	tx, err := DirectSwapTx(network, testQuote(providers.SourceContraparty), receiver)
	if err != nil {
		t.Fatalf("DirectSwapTx failed: %v", err)
	}
	if tx.To != common.HexToAddress(network.ContrapartyContract) {
		t.Fatalf("unexpected target %s", tx.To.Hex())
	}
	if !bytes.Equal(tx.Data[:4], SwapSelector(providers.SourceContraparty)) {
		t.Fatalf("unexpected selector %x", tx.Data[:4])
	}
	swap := providers.MustABI(registry.ContrapartyABI).Methods["swap"]
	args, err := swap.Inputs.Unpack(tx.Data[4:])
	if err != nil {
		t.Fatalf("unpack swap: %v", err)
	}
	if args[2].(*big.Int).Int64() != 1_000_000 || args[3].(*big.Int).Int64() != 1_990 {
		t.Fatalf("unexpected amounts %v %v", args[2], args[3])
	}
	if args[4].(common.Address) != common.HexToAddress(receiver) {
		t.Fatalf("unexpected recipient %v", args[4])
	}
}

func TestDirectSwapTxElfomoUsesPartnerZero(t *testing.T) {
	network := baseNetwork(t)
	tx, err := DirectSwapTx(network, testQuote(providers.SourceElfomo), receiver)
	if err != nil {
		t.Fatalf("DirectSwapTx failed: %v", err)
	}
	if tx.To != common.HexToAddress(network.ElfomoContract) {
		t.Fatalf("unexpected target %s", tx.To.Hex())
	}
	swap := providers.MustABI(registry.ElfomoABI).Methods["swap"]
	args, err := swap.Inputs.Unpack(tx.Data[4:])
	if err != nil {
		t.Fatalf("unpack swap: %v", err)
	}
	if args[5].(*big.Int).Sign() != 0 {
		t.Fatalf("expected partner id 0, got %v", args[5])
	}
}

func TestDirectSwapTxFallsBackToQuoteSpender(t *testing.T) {
	q := testQuote(providers.SourceContraparty)
	q.Spender = spender
	if got := SwapContract(providers.SourceContraparty, registry.Network{Key: "bare"}, q); !strings.EqualFold(got, spender) {
		t.Fatalf("expected quote spender fallback, got %q", got)
	}
	_, err := DirectSwapTx(registry.Network{Key: "bare"}, testQuote(providers.SourceElfomo), receiver)
	if err == nil || err.Error() != "Elfomo contract is not configured on this chain." {
		t.Fatalf("expected unconfigured error, got %v", err)
	}
}

func TestDirectSwapTxRejectsOtherSources(t *testing.T) {
	_, err := DirectSwapTx(baseNetwork(t), testQuote(providers.SourceKyber), receiver)
	if err == nil || err.Error() != "Unsupported route source." {
		t.Fatalf("expected unsupported source, got %v", err)
	}
}
