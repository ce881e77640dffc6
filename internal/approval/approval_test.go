package approval

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ggonzalez94/contraparty/internal/chain"
	"github.com/ggonzalez94/contraparty/internal/chain/chaintest"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/logging"
	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/quote"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

const owner = "0x00000000000000000000000000000000000000aa"

func fixture(t *testing.T) (registry.Network, *quote.Quote, *chaintest.Server, chain.Reader) {
	t.Helper()
	network, _ := registry.DefaultCatalogue().Get("base")
	srv := chaintest.NewServer(t, registry.ChainIDBase)
	reader, err := chain.DialHTTP(context.Background(), srv.URL, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	q := &quote.Quote{
		Source:    providers.SourceElfomo,
		FromToken: network.Tokens[1],
		ToToken:   network.Tokens[0],
		AmountIn:  big.NewInt(1_000_000),
		Spender:   network.ElfomoContract,
	}
	return network, q, srv, reader
}

func serveAllowance(srv *chaintest.Server, token string, value *big.Int) {
	srv.Handle(token, erc20ABI, "allowance", func([]any) ([]any, error) { return []any{value}, nil })
}

func TestNativeTokenNeverNeedsApproval(t *testing.T) {
	network, q, srv, reader := fixture(t)
	q.FromToken = id.Token{Symbol: "ETH", Address: id.NativeTokenAddress, Decimals: 18}
	m := NewManager(logging.Discard())

	st := m.State(context.Background(), reader, network, owner, q)
	if st.NeedsApproval || st.Allowance.Cmp(q.AmountIn) != 0 {
		t.Fatalf("unexpected native state %+v", st)
	}
	if srv.RPCCalls("eth_call") != 0 {
		t.Fatal("native token must not read allowance")
	}
}

func TestCachedAllowanceSkipsRead(t *testing.T) {
	network, q, srv, reader := fixture(t)
	serveAllowance(srv, q.FromToken.Address, big.NewInt(5_000_000))
	m := NewManager(logging.Discard())

	st := m.State(context.Background(), reader, network, owner, q)
	if st.NeedsApproval || st.Allowance.Int64() != 5_000_000 {
		t.Fatalf("unexpected first state %+v", st)
	}
	q.AmountIn = big.NewInt(4_000_000)
	st = m.State(context.Background(), reader, network, owner, q)
	if st.NeedsApproval {
		t.Fatalf("expected cached allowance to cover amount, got %+v", st)
	}
	if got := srv.Calls(q.FromToken.Address, erc20ABI, "allowance"); got != 1 {
		t.Fatalf("expected a single allowance read, got %d", got)
	}

	q.AmountIn = big.NewInt(6_000_000)
	st = m.State(context.Background(), reader, network, owner, q)
	if !st.NeedsApproval {
		t.Fatalf("expected approval for larger amount, got %+v", st)
	}
	if got := srv.Calls(q.FromToken.Address, erc20ABI, "allowance"); got != 2 {
		t.Fatalf("expected a fresh read for larger amount, got %d", got)
	}
}

func TestReadFailureIsConservative(t *testing.T) {
	network, q, srv, reader := fixture(t)
	srv.FailCalls(true)
	m := NewManager(logging.Discard())

	st := m.State(context.Background(), reader, network, owner, q)
	if !st.NeedsApproval || st.Allowance.Sign() != 0 {
		t.Fatalf("expected conservative state, got %+v", st)
	}

	m.MarkApproved(network.ChainID, owner, q.FromToken.Address, q.Spender)
	st = m.State(context.Background(), reader, network, owner, q)
	if st.NeedsApproval || st.Allowance.Cmp(MaxAllowance.ToBig()) != 0 {
		t.Fatalf("expected max approval from cache, got %+v", st)
	}
}

func TestMissingSpenderNeedsApproval(t *testing.T) {
	network, q, _, reader := fixture(t)
	network.ElfomoContract = ""
	q.Spender = ""
	m := NewManager(logging.Discard())

	st := m.State(context.Background(), reader, network, owner, q)
	if !st.NeedsApproval || st.Spender != "" || st.Allowance.Sign() != 0 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestNoOwnerOrQuote(t *testing.T) {
	network, q, _, reader := fixture(t)
	m := NewManager(logging.Discard())
	if st := m.State(context.Background(), reader, network, "", q); st.NeedsApproval {
		t.Fatalf("expected no approval without owner, got %+v", st)
	}
	if st := m.State(context.Background(), reader, network, owner, nil); st.NeedsApproval || st.Allowance.Sign() != 0 {
		t.Fatalf("expected empty state without quote, got %+v", st)
	}
}

func TestSpenderFallsBackToNetwork(t *testing.T) {
	network, _ := registry.DefaultCatalogue().Get("base")
	cases := map[providers.Source]string{
		providers.SourceElfomo:      network.ElfomoContract,
		providers.SourceContraparty: network.ContrapartyContract,
		providers.SourceCow:         registry.CowVaultRelayer,
		providers.SourceKyber:       "",
	}
	for source, want := range cases {
		got := Spender(&quote.Quote{Source: source}, network)
		if !id.SameAddress(got, want) {
			t.Fatalf("%s: expected %q, got %q", source, want, got)
		}
	}
}

func TestCacheKey(t *testing.T) {
	key := CacheKey(8453, owner, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", "0xf0f0F0F0FB0d738452EfD03A28e8be14C76d5f73")
	want := "8453:0x00000000000000000000000000000000000000aa:0x833589fcd6edb6e08f4c7c32d4f71b54bda02913:0xf0f0f0f0fb0d738452efd03a28e8be14c76d5f73"
	if key != want {
		t.Fatalf("unexpected key %q", key)
	}
	if CacheKey(0, owner, owner, owner) != "" || CacheKey(1, "bad", owner, owner) != "" {
		t.Fatal("expected empty key for invalid parts")
	}
}
