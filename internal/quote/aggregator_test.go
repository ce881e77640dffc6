package quote

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggonzalez94/contraparty/internal/logging"
	"github.com/ggonzalez94/contraparty/internal/model"
	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/registry"
	"github.com/ggonzalez94/contraparty/internal/tokens"
)

type stubBackend struct {
	source     providers.Source
	out        func(amountIn *big.Int) *big.Int
	executable bool
	spender    string
	gate       chan struct{}
	entered    chan struct{}

	mu       sync.Mutex
	requests []providers.Request
}

func (s *stubBackend) Info() model.ProviderInfo { return model.ProviderInfo{Name: string(s.source)} }

func (s *stubBackend) Source() providers.Source { return s.source }

func (s *stubBackend) Configured(registry.Network) bool { return true }

func (s *stubBackend) Quote(_ context.Context, req providers.Request) *providers.Candidate {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	first := len(s.requests) == 1
	s.mu.Unlock()
	if first && s.gate != nil {
		if s.entered != nil {
			close(s.entered)
		}
		<-s.gate
	}
	out := s.out(req.AmountIn)
	if out == nil {
		return nil
	}
	return &providers.Candidate{Source: s.source, QuotedOut: out, Spender: s.spender, Executable: s.executable}
}

func (s *stubBackend) lastRequest() providers.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func fixed(v int64) func(*big.Int) *big.Int {
	return func(*big.Int) *big.Int { return big.NewInt(v) }
}

func networkInputs(t *testing.T, key, from, to, amount string) Inputs {
	t.Helper()
	network, ok := registry.DefaultCatalogue().Get(key)
	if !ok {
		t.Fatalf("missing network %s", key)
	}
	fromTok, ok := tokens.PickNetworkToken(network, from, from)
	if !ok {
		t.Fatalf("missing token %s", from)
	}
	toTok, ok := tokens.PickNetworkToken(network, to, to)
	if !ok {
		t.Fatalf("missing token %s", to)
	}
	return Inputs{
		Network:   network,
		FromToken: fromTok,
		ToToken:   toTok,
		Amount:    amount,
		Slippage:  ResolveSlippage("auto", ""),
	}
}

func newTestAggregator(backends ...providers.Backend) *Aggregator {
	agg := NewAggregator(backends, logging.Discard())
	agg.now = func() time.Time { return time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC) }
	return agg
}

func TestRunPrefersExecutableCandidate(t *testing.T) {
	x := &stubBackend{source: providers.SourceCow, out: fixed(2_000_000_000), executable: true, spender: registry.CowVaultRelayer}
	y := &stubBackend{source: providers.SourceElfomo, out: fixed(2_500_000_000), executable: false}
	agg := newTestAggregator(y, x)

	res, ok := agg.Run(context.Background(), Request{Inputs: networkInputs(t, "base", "WETH", "USDC", "1.5")})
	if !ok {
		t.Fatal("expected current result")
	}
	if res.Quote == nil || res.Quote.Source != providers.SourceCow {
		t.Fatalf("expected cow selected, got %+v", res.Quote)
	}
	if res.ToAmount != "2000" {
		t.Fatalf("unexpected amount %q", res.ToAmount)
	}
	if res.MinOutInfo != "1990 USDC (Auto (0.5%))" {
		t.Fatalf("unexpected min out info %q", res.MinOutInfo)
	}
	if res.Quote.AmountIn.String() != "1500000000000000000" || res.Quote.MinOut.String() != "1990000000" {
		t.Fatalf("unexpected amounts %+v", res.Quote)
	}
	if res.Selection.BestOverall.Source != providers.SourceElfomo {
		t.Fatalf("expected elfomo best overall, got %s", res.Selection.BestOverall.Source)
	}
	if res.Status != "Best quote from ElfomoFi is not executable for current recipient." {
		t.Fatalf("unexpected status %q", res.Status)
	}
	if res.RouteInfo != "CoW Protocol (Base)" {
		t.Fatalf("unexpected route info %q", res.RouteInfo)
	}
	if got := x.lastRequest().Owner; got != "0x0000000000000000000000000000000000000001" {
		t.Fatalf("expected placeholder owner, got %s", got)
	}
}

func TestRunTiesKeepEarlierSource(t *testing.T) {
	cow := &stubBackend{source: providers.SourceCow, out: fixed(100), executable: true}
	elfomo := &stubBackend{source: providers.SourceElfomo, out: fixed(100), executable: true}
	agg := newTestAggregator(elfomo, cow)

	res, _ := agg.Run(context.Background(), Request{Inputs: networkInputs(t, "base", "WETH", "USDC", "1")})
	if res.Quote == nil || res.Quote.Source != providers.SourceCow {
		t.Fatalf("expected cow to win the tie, got %+v", res.Quote)
	}
	if res.Status != "Quote updated from CoW Protocol at 12:00:00." {
		t.Fatalf("unexpected status %q", res.Status)
	}
}

func TestRunNoRoute(t *testing.T) {
	empty := &stubBackend{source: providers.SourceCow, out: func(*big.Int) *big.Int { return nil }}
	zero := &stubBackend{source: providers.SourceElfomo, out: fixed(0), executable: true}
	agg := newTestAggregator(empty, zero)

	res, ok := agg.Run(context.Background(), Request{Inputs: networkInputs(t, "base", "WETH", "USDC", "1")})
	if !ok || res.Quote != nil {
		t.Fatalf("expected no quote, got %+v", res.Quote)
	}
	if res.RouteInfo != NoRouteLabel || res.Status != StatusNoQuote {
		t.Fatalf("unexpected no-route result %+v", res)
	}
}

func TestRunValidationReasons(t *testing.T) {
	backend := &stubBackend{source: providers.SourceCow, out: fixed(1), executable: true}
	agg := newTestAggregator(backend)
	cases := map[string]struct {
		amount string
		same   bool
		want   string
	}{
		"empty":    {amount: " ", want: "Type an amount to get started."},
		"same":     {amount: "1", same: true, want: "Select different tokens."},
		"invalid":  {amount: "1.2.3", want: "Amount format is invalid."},
		"zero":     {amount: "0", want: "Amount must be greater than zero."},
		"negative": {amount: "-1", want: "Amount must be greater than zero."},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			in := networkInputs(t, "base", "WETH", "USDC", tc.amount)
			if tc.same {
				in.ToToken = in.FromToken
			}
			res, ok := agg.Run(context.Background(), Request{Inputs: in})
			if !ok || !res.Cleared || res.Status != tc.want {
				t.Fatalf("unexpected result %+v", res)
			}
		})
	}
	if len(backend.requests) != 0 {
		t.Fatalf("backends must not be called for invalid inputs, got %d calls", len(backend.requests))
	}
}

type unconfigured struct{ stubBackend }

func (*unconfigured) Configured(registry.Network) bool { return false }

func TestRunWithoutConfiguredBackend(t *testing.T) {
	agg := newTestAggregator(&unconfigured{stubBackend{source: providers.SourceCow, out: fixed(1)}})
	res, _ := agg.Run(context.Background(), Request{Inputs: networkInputs(t, "base", "WETH", "USDC", "1")})
	if res.Status != "Selected chain is not supported for quote backends." {
		t.Fatalf("unexpected status %q", res.Status)
	}
}

func TestRunDropsSupersededResult(t *testing.T) {
	slow := &stubBackend{
		source:     providers.SourceCow,
		out:        func(amountIn *big.Int) *big.Int { return new(big.Int).Mul(amountIn, big.NewInt(2)) },
		executable: true,
		gate:       make(chan struct{}),
		entered:    make(chan struct{}),
	}
	agg := newTestAggregator(slow)

	type outcome struct {
		res Result
		ok  bool
	}
	firstInputs := networkInputs(t, "ethereum", "USDC", "WETH", "1")
	first := make(chan outcome, 1)
	go func() {
		res, ok := agg.Run(context.Background(), Request{Inputs: firstInputs})
		first <- outcome{res, ok}
	}()
	<-slow.entered

	res, ok := agg.Run(context.Background(), Request{Inputs: networkInputs(t, "ethereum", "USDC", "WETH", "2")})
	if !ok || res.Quote == nil || res.Quote.AmountIn.String() != "2000000" {
		t.Fatalf("expected latest round to apply, got ok=%v %+v", ok, res.Quote)
	}

	close(slow.gate)
	stale := <-first
	if stale.ok {
		t.Fatalf("expected superseded round to be dropped, got %+v", stale.res)
	}
}

func TestRunPreferredSourceOverridesHigherBackup(t *testing.T) {
	contraparty := &stubBackend{source: providers.SourceContraparty, out: fixed(3_000_000), executable: true}
	kyber := &stubBackend{source: providers.SourceKyber, out: fixed(3_100_000), executable: true}
	agg := newTestAggregator(kyber, contraparty)

	res, _ := agg.Run(context.Background(), Request{Inputs: networkInputs(t, "megaeth", "WETH", "USDT0", "0.001")})
	if res.Quote == nil || res.Quote.Source != providers.SourceContraparty {
		t.Fatalf("expected preferred source, got %+v", res.Quote)
	}
	if len(res.Notices) != 0 {
		t.Fatalf("expected backup notice suppressed, got %v", res.Notices)
	}
	if res.Status != "Quote updated from Contraparty at 12:00:00." {
		t.Fatalf("unexpected status %q", res.Status)
	}
}

func TestRunBackupRouteNotice(t *testing.T) {
	contraparty := &stubBackend{source: providers.SourceContraparty, out: func(*big.Int) *big.Int { return nil }}
	kyber := &stubBackend{source: providers.SourceKyber, out: fixed(3_100_000), executable: true}
	agg := newTestAggregator(contraparty, kyber)

	res, _ := agg.Run(context.Background(), Request{Inputs: networkInputs(t, "megaeth", "WETH", "USDT0", "0.001")})
	if res.Quote == nil || res.Quote.Source != providers.SourceKyber {
		t.Fatalf("expected backup route, got %+v", res.Quote)
	}
	if res.Status != "Using KyberSwap backup route because Contraparty quote is unavailable." {
		t.Fatalf("unexpected status %q", res.Status)
	}
}

func TestRunPreferenceNoticeForOtherSource(t *testing.T) {
	contraparty := &stubBackend{source: providers.SourceContraparty, out: fixed(3_000_000), executable: true}
	cow := &stubBackend{source: providers.SourceCow, out: fixed(4_000_000), executable: true}
	agg := newTestAggregator(contraparty, cow)

	res, _ := agg.Run(context.Background(), Request{Inputs: networkInputs(t, "megaeth", "WETH", "USDT0", "1")})
	if res.Status != "Using Contraparty by preference; CoW Protocol has a higher quoted amount." {
		t.Fatalf("unexpected status %q", res.Status)
	}
}

func TestRunNoticesOrder(t *testing.T) {
	backend := &stubBackend{source: providers.SourceCow, out: fixed(10), executable: true}
	agg := newTestAggregator(backend)
	in := networkInputs(t, "base", "WETH", "USDC", "1")
	in.Slippage = ResolveSlippage("custom", "99")
	in.Recipient = "not-an-address"

	res, _ := agg.Run(context.Background(), Request{Inputs: in})
	want := "Custom slippage must be a number between 0 and 50 with up to 2 decimals. Recipient must be a valid address."
	if res.Status != want {
		t.Fatalf("unexpected status %q", res.Status)
	}
}

type staticAccounts []string

func (s staticAccounts) Accounts(context.Context) ([]string, error) { return s, nil }

func TestRunOwnerAndReceiverResolution(t *testing.T) {
	backend := &stubBackend{source: providers.SourceCow, out: fixed(10), executable: true}
	agg := newTestAggregator(backend)
	account := "0x00000000000000000000000000000000000000aa"

	in := networkInputs(t, "base", "WETH", "USDC", "1")
	res, _ := agg.Run(context.Background(), Request{Inputs: in, Wallet: staticAccounts{account}})
	req := backend.lastRequest()
	if !strings.EqualFold(req.Owner, account) || req.Receiver != req.Owner {
		t.Fatalf("expected wallet account as owner, got %+v", req)
	}
	if res.Quote.Receiver != req.Owner {
		t.Fatalf("unexpected quote receiver %s", res.Quote.Receiver)
	}

	in.Recipient = "0x00000000000000000000000000000000000000bb"
	_, _ = agg.Run(context.Background(), Request{Inputs: in, Wallet: staticAccounts{account}})
	req = backend.lastRequest()
	if !strings.EqualFold(req.Owner, in.Recipient) || req.Receiver != req.Owner {
		t.Fatalf("expected recipient as owner, got %+v", req)
	}
}

func TestIsStale(t *testing.T) {
	backend := &stubBackend{source: providers.SourceCow, out: fixed(10), executable: true}
	agg := newTestAggregator(backend)
	in := networkInputs(t, "base", "WETH", "USDC", "1.5")
	res, _ := agg.Run(context.Background(), Request{Inputs: in})
	q := res.Quote

	if IsStale(q, in.Live()) {
		t.Fatal("unchanged inputs must not be stale")
	}
	same := in.Live()
	same.Amount = "1.50"
	if IsStale(q, same) {
		t.Fatal("equal amount with different formatting must not be stale")
	}
	mutations := map[string]func(*Live){
		"network": func(l *Live) { l.NetworkKey = "ethereum" },
		"from":    func(l *Live) { l.FromToken = l.ToToken },
		"to":      func(l *Live) { l.ToToken = l.FromToken },
		"amount":  func(l *Live) { l.Amount = "2" },
		"garbage": func(l *Live) { l.Amount = "abc" },
	}
	for name, mutate := range mutations {
		live := in.Live()
		mutate(&live)
		if !IsStale(q, live) {
			t.Fatalf("%s change must make the quote stale", name)
		}
	}
	if !IsStale(nil, in.Live()) {
		t.Fatal("missing quote must be stale")
	}
}
