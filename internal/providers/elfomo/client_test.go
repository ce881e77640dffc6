package elfomo

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/contraparty/internal/chain"
	"github.com/ggonzalez94/contraparty/internal/chain/chaintest"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/logging"
	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

func quoteRequest(t *testing.T, srv *chaintest.Server) providers.Request {
	t.Helper()
	network, _ := registry.DefaultCatalogue().Get("base")
	reader, err := chain.DialHTTP(context.Background(), srv.URL, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return providers.Request{
		Network:  network,
		TokenIn:  network.Tokens[0],
		TokenOut: network.Tokens[1],
		AmountIn: big.NewInt(1_000_000_000_000_000_000),
		Owner:    id.PlaceholderOwner,
		Receiver: id.PlaceholderOwner,
		Reader:   reader,
	}
}

func TestQuoteReturnsDirectCallCandidate(t *testing.T) {
	srv := chaintest.NewServer(t, registry.ChainIDBase)
	network, _ := registry.DefaultCatalogue().Get("base")
	srv.Handle(network.ElfomoContract, elfomoABI, "getAmountOut", func(args []any) ([]any, error) {
		if args[2].(*big.Int).String() != "1000000000000000000" {
			t.Errorf("unexpected amount arg %v", args[2])
		}
		return []any{big.NewInt(2_500_000_000)}, nil
	})

	c := New(logging.Discard())
	cand := c.Quote(context.Background(), quoteRequest(t, srv))
	if cand == nil {
		t.Fatal("expected candidate")
	}
	if cand.Source != providers.SourceElfomo || cand.QuotedOut.Int64() != 2_500_000_000 || !cand.Executable {
		t.Fatalf("unexpected candidate %+v", cand)
	}
	if !id.SameAddress(cand.Spender, network.ElfomoContract) {
		t.Fatalf("expected quoting contract as spender, got %s", cand.Spender)
	}
	payload, ok := cand.Payload.(providers.DirectCallPayload)
	if !ok || !id.SameAddress(payload.Contract, network.ElfomoContract) {
		t.Fatalf("unexpected payload %#v", cand.Payload)
	}
}

func TestQuoteAbsorbsRevertAndZero(t *testing.T) {
	srv := chaintest.NewServer(t, registry.ChainIDBase)
	network, _ := registry.DefaultCatalogue().Get("base")
	c := New(logging.Discard())

	srv.Handle(network.ElfomoContract, elfomoABI, "getAmountOut", func([]any) ([]any, error) {
		return nil, errors.New("no liquidity")
	})
	if cand := c.Quote(context.Background(), quoteRequest(t, srv)); cand != nil {
		t.Fatalf("expected nil on revert, got %+v", cand)
	}

	srv.Handle(network.ElfomoContract, elfomoABI, "getAmountOut", func([]any) ([]any, error) {
		return []any{big.NewInt(0)}, nil
	})
	if cand := c.Quote(context.Background(), quoteRequest(t, srv)); cand != nil {
		t.Fatalf("expected nil on zero output, got %+v", cand)
	}
}

func TestConfiguredOnlyOnBase(t *testing.T) {
	c := New(nil)
	catalogue := registry.DefaultCatalogue()
	for _, key := range []string{"ethereum", "megaeth"} {
		network, _ := catalogue.Get(key)
		if c.Configured(network) {
			t.Fatalf("expected %s to be unconfigured", key)
		}
		if cand := c.Quote(context.Background(), providers.Request{Network: network, AmountIn: big.NewInt(1)}); cand != nil {
			t.Fatalf("expected no candidate on %s", key)
		}
	}
}

func TestBuildSwapEncodesSignedAmountAndPartner(t *testing.T) {
	network, _ := registry.DefaultCatalogue().Get("base")
	receiver := "0x00000000000000000000000000000000000000AA"
	tx, err := BuildSwap(network.ElfomoContract, network.Tokens[0].Address, network.Tokens[1].Address, big.NewInt(1500), big.NewInt(1490), receiver)
	if err != nil {
		t.Fatalf("BuildSwap failed: %v", err)
	}
	if tx.To != common.HexToAddress(network.ElfomoContract) {
		t.Fatalf("unexpected target %s", tx.To.Hex())
	}
	args, err := elfomoABI.Methods["swap"].Inputs.Unpack(tx.Data[4:])
	if err != nil {
		t.Fatalf("unpack calldata: %v", err)
	}
	if args[2].(*big.Int).Int64() != 1500 || args[3].(*big.Int).Int64() != 1490 {
		t.Fatalf("unexpected amounts %v %v", args[2], args[3])
	}
	if args[4].(common.Address) != common.HexToAddress(receiver) || args[5].(*big.Int).Sign() != 0 {
		t.Fatalf("unexpected receiver/partner %v %v", args[4], args[5])
	}
	if tx.ValueOrZero().Sign() != 0 {
		t.Fatal("expected zero value")
	}

	if _, err := BuildSwap("", "", "", big.NewInt(1), big.NewInt(1), receiver); err == nil || err.Error() == "" {
		t.Fatal("expected missing contract error")
	}
}
