package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/contraparty/internal/chain"
	"github.com/ggonzalez94/contraparty/internal/chain/chaintest"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/execution/planner"
	"github.com/ggonzalez94/contraparty/internal/execution/signer"
	"github.com/ggonzalez94/contraparty/internal/httpx"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/logging"
	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/providers/kyber"
	"github.com/ggonzalez94/contraparty/internal/quote"
	"github.com/ggonzalez94/contraparty/internal/registry"
	"github.com/ggonzalez94/contraparty/internal/wallet"
)

const testKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"

var erc20 = chaintest.MustABI(registry.ERC20MinimalABI)

type fakeHost struct {
	network   registry.Network
	recipient id.Recipient
	quote     *quote.Quote
	live      quote.Live
	liveFn    func(call int) quote.Live
	refresh   func(ctx context.Context) *quote.Quote
	reader    chain.Reader

	mu        sync.Mutex
	liveCalls int
	refreshes int
	settled   int
}

func (h *fakeHost) Network() registry.Network { return h.network }

func (h *fakeHost) Recipient() id.Recipient { return h.recipient }

func (h *fakeHost) Live() quote.Live {
	h.mu.Lock()
	h.liveCalls++
	call := h.liveCalls
	h.mu.Unlock()
	if h.liveFn != nil {
		return h.liveFn(call)
	}
	return h.live
}

func (h *fakeHost) Quote() *quote.Quote { return h.quote }

func (h *fakeHost) RefreshQuote(ctx context.Context) *quote.Quote {
	h.mu.Lock()
	h.refreshes++
	h.mu.Unlock()
	if h.refresh == nil {
		return nil
	}
	h.quote = h.refresh(ctx)
	return h.quote
}

func (h *fakeHost) Reader(context.Context) (chain.Reader, error) { return h.reader, nil }

func (h *fakeHost) Settled(context.Context) {
	h.mu.Lock()
	h.settled++
	h.mu.Unlock()
}

type recorder struct {
	mu       sync.Mutex
	statuses []Status
	busy     []string
}

func (r *recorder) status(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
}

func (r *recorder) label(l string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = append(r.busy, l)
}

func (r *recorder) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.statuses))
	for _, st := range r.statuses {
		out = append(out, st.String())
	}
	return out
}

func (r *recorder) labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.busy...)
}

func newTestSequencer(t *testing.T, opts Options) (*Sequencer, *recorder) {
	t.Helper()
	rec := &recorder{}
	status := opts.OnStatus
	opts.OnStatus = func(st Status) {
		rec.status(st)
		if status != nil {
			status(st)
		}
	}
	opts.OnBusy = rec.label
	opts.PollInterval = 10 * time.Millisecond
	opts.ReceiptTimeout = 2 * time.Second
	opts.Logger = logging.Discard()
	return NewSequencer(opts), rec
}

func newTestWallet(t *testing.T, srv *chaintest.Server, chainID int64, confirm wallet.ConfirmFunc) *wallet.LocalWallet {
	t.Helper()
	s, err := signer.NewLocalSignerFromHex(testKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	var overrides []string
	if srv != nil {
		overrides = []string{srv.URL}
	}
	if confirm == nil {
		confirm = wallet.AutoConfirm
	}
	w, err := wallet.NewLocal(wallet.LocalOptions{
		Signer:       s,
		Catalogue:    registry.DefaultCatalogue(),
		ChainID:      chainID,
		RPCOverrides: overrides,
		Confirm:      confirm,
		Timeout:      time.Second,
		Logger:       logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return w
}

func networkFor(t *testing.T, key string) registry.Network {
	t.Helper()
	network, ok := registry.DefaultCatalogue().Get(key)
	if !ok {
		t.Fatalf("missing network %s", key)
	}
	return network
}

func baseQuote(t *testing.T, source providers.Source) (*quote.Quote, quote.Live) {
	t.Helper()
	network := networkFor(t, "base")
	from, to := network.Tokens[0], network.Tokens[1]
	amount := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	out := big.NewInt(2_000_000_000)
	q := &quote.Quote{
		Source:      source,
		SourceLabel: source.Label(),
		NetworkKey:  network.Key,
		ChainID:     network.ChainID,
		CowChainID:  network.CowChainID,
		FromToken:   from,
		ToToken:     to,
		AmountIn:    amount,
		QuotedOut:   out,
		MinOut:      quote.MinOutput(out, quote.AutoSlippageBps),
		SlippageBps: quote.AutoSlippageBps,
		Executable:  true,
		Spender:     network.ContrapartyContract,
		Payload:     providers.DirectCallPayload{Contract: network.ContrapartyContract, Via: source},
	}
	return q, quote.Live{NetworkKey: network.Key, FromToken: from, ToToken: to, Amount: "1"}
}

func dialReader(t *testing.T, srv *chaintest.Server) chain.Reader {
	t.Helper()
	reader, err := chain.DialHTTP(context.Background(), srv.URL, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return reader
}

func TestSubmitRejectsInvalidRecipient(t *testing.T) {
	seq, rec := newTestSequencer(t, Options{})
	host := &fakeHost{network: networkFor(t, "base"), recipient: id.ValidateRecipient("0x1234")}

	res, err := seq.Submit(context.Background(), host, nil)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Phase != PhaseIdle || res.Status.Message != "Recipient must be a valid address." {
		t.Fatalf("unexpected result %+v", res)
	}
	if host.settled != 1 || seq.Busy() {
		t.Fatalf("expected settled host and cleared busy flag, settled=%d", host.settled)
	}
	if got := rec.lines(); len(got) != 1 {
		t.Fatalf("unexpected statuses %v", got)
	}
}

func TestSubmitRefreshesMissingQuoteOnce(t *testing.T) {
	seq, rec := newTestSequencer(t, Options{})
	host := &fakeHost{network: networkFor(t, "base"), recipient: id.ValidateRecipient("")}

	res, _ := seq.Submit(context.Background(), host, nil)
	want := []string{"Refreshing quote...", "Unable to swap without a valid quote."}
	if got := rec.lines(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	if host.refreshes != 1 || res.Phase != PhaseIdle {
		t.Fatalf("expected one refresh, got %d (%+v)", host.refreshes, res)
	}
}

func TestSubmitStopsOnNonExecutableQuote(t *testing.T) {
	seq, _ := newTestSequencer(t, Options{})
	q, live := baseQuote(t, providers.SourceCow)
	q.Executable = false
	host := &fakeHost{network: networkFor(t, "base"), recipient: id.ValidateRecipient(""), quote: q, live: live}

	res, _ := seq.Submit(context.Background(), host, nil)
	if res.Status.Message != "Current route cannot execute with the selected recipient." {
		t.Fatalf("unexpected status %q", res.Status.Message)
	}
}

func TestSubmitRequiresWallet(t *testing.T) {
	seq, _ := newTestSequencer(t, Options{})
	q, live := baseQuote(t, providers.SourceContraparty)
	host := &fakeHost{network: networkFor(t, "base"), recipient: id.ValidateRecipient(""), quote: q, live: live}

	res, _ := seq.Submit(context.Background(), host, nil)
	if res.Status.Message != "Connect wallet to continue." {
		t.Fatalf("unexpected status %q", res.Status.Message)
	}
}

func TestSubmitSwitchesChainAndStops(t *testing.T) {
	seq, rec := newTestSequencer(t, Options{})
	q, live := baseQuote(t, providers.SourceContraparty)
	host := &fakeHost{network: networkFor(t, "base"), recipient: id.ValidateRecipient(""), quote: q, live: live}
	w := newTestWallet(t, nil, registry.ChainIDEthereum, nil)

	res, _ := seq.Submit(context.Background(), host, w)
	want := []string{"Switching wallet to Base...", "Chain switched to Base. Click Swap again."}
	if got := rec.lines(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	if !res.Switched || !res.Again() {
		t.Fatalf("expected switched result, got %+v", res)
	}
	if got := wallet.ChainIDOrZero(context.Background(), w); got != registry.ChainIDBase {
		t.Fatalf("expected wallet on base, got %d", got)
	}
}

func TestSubmitReportsRejectedChainSwitch(t *testing.T) {
	seq, _ := newTestSequencer(t, Options{})
	q, live := baseQuote(t, providers.SourceContraparty)
	host := &fakeHost{network: networkFor(t, "base"), recipient: id.ValidateRecipient(""), quote: q, live: live}
	w := newTestWallet(t, nil, registry.ChainIDEthereum, func(_ context.Context, p wallet.Prompt) (bool, error) {
		return p.Kind != wallet.PromptSwitchChain, nil
	})
	_, _ = w.RequestAccounts(context.Background())

	res, _ := seq.Submit(context.Background(), host, w)
	if res.Status.Message != "User rejected the request." || res.Switched {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSubmitApprovesThenSwapsContraparty(t *testing.T) {
	ctx := context.Background()
	srv := chaintest.NewServer(t, registry.ChainIDBase)
	network := networkFor(t, "base")
	q, live := baseQuote(t, providers.SourceContraparty)
	srv.Handle(q.FromToken.Address, erc20, "allowance", func([]any) ([]any, error) {
		return []any{big.NewInt(0)}, nil
	})
	store := openTestStore(t)
	seq, rec := newTestSequencer(t, Options{Store: store})
	host := &fakeHost{network: network, recipient: id.ValidateRecipient(""), quote: q, live: live, reader: dialReader(t, srv)}
	w := newTestWallet(t, srv, registry.ChainIDBase, nil)

	res, err := seq.Submit(ctx, host, w)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !res.Approved || res.Phase != PhaseConfirmed || !res.Again() {
		t.Fatalf("expected confirmed approval, got %+v", res)
	}
	spender, _ := id.NormalizeAddress(network.ContrapartyContract)
	lines := rec.lines()
	if len(lines) != 3 {
		t.Fatalf("unexpected statuses %v", lines)
	}
	if lines[0] != "Sending approval to "+id.ShortAddress(spender)+"..." {
		t.Fatalf("unexpected first status %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "Approval submitted: https://basescan.org/tx/0x") ||
		!strings.HasPrefix(lines[2], "Approval confirmed: https://basescan.org/tx/0x") {
		t.Fatalf("unexpected approval statuses %v", lines)
	}
	if got := rec.labels(); strings.Join(got, "|") != "Approving...|" {
		t.Fatalf("unexpected busy labels %v", got)
	}
	sent := srv.Sent()
	if len(sent) != 1 || *sent[0].To() != common.HexToAddress(q.FromToken.Address) {
		t.Fatalf("expected approval sent to token, got %d txs", len(sent))
	}
	if !bytes.Equal(sent[0].Data()[:4], planner.ApproveSelector()) {
		t.Fatalf("expected approve calldata, got %x", sent[0].Data()[:4])
	}

	before := len(lines)
	res, err = seq.Submit(ctx, host, w)
	if err != nil {
		t.Fatalf("second Submit failed: %v", err)
	}
	if res.Phase != PhaseConfirmed || res.Approved || res.TxHash == "" {
		t.Fatalf("expected confirmed swap, got %+v", res)
	}
	if calls := srv.Calls(q.FromToken.Address, erc20, "allowance"); calls != 1 {
		t.Fatalf("expected cached approval to skip the allowance read, got %d reads", calls)
	}
	lines = rec.lines()[before:]
	if len(lines) != 3 || lines[0] != "Sending swap transaction to Contraparty..." ||
		!strings.HasPrefix(lines[1], "Swap submitted: https://basescan.org/tx/"+res.TxHash) ||
		lines[2] != "Swap confirmed via Contraparty: https://basescan.org/tx/"+res.TxHash {
		t.Fatalf("unexpected swap statuses %v", lines)
	}
	sent = srv.Sent()
	if len(sent) != 2 || *sent[1].To() != common.HexToAddress(network.ContrapartyContract) {
		t.Fatalf("expected swap sent to contraparty, got %d txs", len(sent))
	}
	if !bytes.Equal(sent[1].Data()[:4], planner.SwapSelector(providers.SourceContraparty)) {
		t.Fatalf("expected swap calldata, got %x", sent[1].Data()[:4])
	}

	completed, err := store.List(ctx, ListFilter{Statuses: []string{string(ActionStatusCompleted)}, Limit: 10})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(completed) != 2 {
		t.Fatalf("expected approval and swap journaled, got %d", len(completed))
	}
	if host.settled != 2 {
		t.Fatalf("expected host settled after each submit, got %d", host.settled)
	}
}

func nativeQuote(t *testing.T, key string, source providers.Source) (registry.Network, *quote.Quote, quote.Live) {
	t.Helper()
	network := networkFor(t, key)
	from := id.Token{Address: id.NativeTokenAddress, Symbol: "ETH", Decimals: 18}
	to := network.Tokens[1]
	out := big.NewInt(3_000_000)
	q := &quote.Quote{
		Source:      source,
		NetworkKey:  network.Key,
		ChainID:     network.ChainID,
		FromToken:   from,
		ToToken:     to,
		AmountIn:    big.NewInt(1_000_000_000_000_000),
		QuotedOut:   out,
		MinOut:      quote.MinOutput(out, 50),
		SlippageBps: 50,
		Executable:  true,
	}
	return network, q, quote.Live{NetworkKey: network.Key, FromToken: from, ToToken: to, Amount: "0.001"}
}

func TestSubmitReportsRevertedSwap(t *testing.T) {
	srv := chaintest.NewServer(t, registry.ChainIDBase)
	network, q, live := nativeQuote(t, "base", providers.SourceElfomo)
	store := openTestStore(t)
	seq, rec := newTestSequencer(t, Options{Store: store, OnStatus: func(st Status) {
		if st.Message == "Swap submitted:" {
			srv.Revert(common.HexToHash(st.TxHash))
		}
	}})
	host := &fakeHost{network: network, recipient: id.ValidateRecipient(""), quote: q, live: live, reader: dialReader(t, srv)}
	w := newTestWallet(t, srv, registry.ChainIDBase, nil)

	res, _ := seq.Submit(context.Background(), host, w)
	if res.Phase != PhaseFailed || res.Status.Message != "Swap failed: transaction reverted on-chain" {
		t.Fatalf("unexpected result %+v (statuses %v)", res, rec.lines())
	}
	if rec.lines()[0] != "Sending swap transaction to ElfomoFi..." {
		t.Fatalf("unexpected first status %v", rec.lines())
	}
	action, err := store.Get(context.Background(), res.ActionID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if action.Status != ActionStatusFailed || action.LastStep().Status != StepStatusFailed {
		t.Fatalf("expected failed journal entry, got %+v", action)
	}
	if seq.Phase() != PhaseIdle || seq.BusyLabel() != "" {
		t.Fatalf("unexpected sequencer state phase=%s label=%q", seq.Phase(), seq.BusyLabel())
	}
	if got := seq.LastStatus().Message; got != "Swap failed: transaction reverted on-chain" {
		t.Fatalf("failure status should survive the reset, got %q", got)
	}
}

func TestSubmitReportsUserRejection(t *testing.T) {
	srv := chaintest.NewServer(t, registry.ChainIDBase)
	network, q, live := nativeQuote(t, "base", providers.SourceContraparty)
	seq, _ := newTestSequencer(t, Options{})
	host := &fakeHost{network: network, recipient: id.ValidateRecipient(""), quote: q, live: live, reader: dialReader(t, srv)}
	w := newTestWallet(t, srv, registry.ChainIDBase, func(_ context.Context, p wallet.Prompt) (bool, error) {
		return p.Kind != wallet.PromptTransaction, nil
	})

	res, _ := seq.Submit(context.Background(), host, w)
	if res.Phase != PhaseFailed || res.Status.Message != "User rejected the request." {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(srv.Sent()) != 0 {
		t.Fatal("nothing should be broadcast")
	}
}

func TestSubmitRechecksStalenessBeforeSigning(t *testing.T) {
	srv := chaintest.NewServer(t, registry.ChainIDBase)
	network, q, live := nativeQuote(t, "base", providers.SourceContraparty)
	seq, rec := newTestSequencer(t, Options{})
	host := &fakeHost{
		network:   network,
		recipient: id.ValidateRecipient(""),
		quote:     q,
		reader:    dialReader(t, srv),
		liveFn: func(call int) quote.Live {
			if call == 1 {
				return live
			}
			changed := live
			changed.Amount = "0.002"
			return changed
		},
	}
	w := newTestWallet(t, srv, registry.ChainIDBase, nil)

	res, _ := seq.Submit(context.Background(), host, w)
	want := []string{"Quote changed. Refreshing...", "Quote refresh failed. Try again."}
	if got := rec.lines(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	if res.Phase != PhaseIdle || host.refreshes != 1 || len(srv.Sent()) != 0 {
		t.Fatalf("unexpected result %+v refreshes=%d", res, host.refreshes)
	}
}

func TestSubmitBuildsAndSendsKyberRoute(t *testing.T) {
	router := "0x6131B5fae19EA4f9D964eAc0408E4408b66337b5"
	var body map[string]any
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/megaeth/api/v1/route/build" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"code":0,"data":{"routerAddress":"` + router + `","data":"0xdeadbeef","transactionValue":"1000000000000000","gas":"250000"}}`))
	}))
	t.Cleanup(api.Close)

	srv := chaintest.NewServer(t, registry.ChainIDMegaETH)
	network, q, live := nativeQuote(t, "megaeth", providers.SourceKyber)
	q.Spender = router
	q.Payload = providers.KyberRoutePayload{ChainSlug: "megaeth", RouterAddress: router, RouteSummary: json.RawMessage(`{"amountOut":"3000000"}`)}
	client := kyber.New(httpx.New(time.Second, 0), api.URL, logging.Discard())
	seq, rec := newTestSequencer(t, Options{Kyber: client})
	host := &fakeHost{network: network, recipient: id.ValidateRecipient(""), quote: q, live: live, reader: dialReader(t, srv)}
	w := newTestWallet(t, srv, registry.ChainIDMegaETH, nil)

	res, _ := seq.Submit(context.Background(), host, w)
	if res.Phase != PhaseConfirmed {
		t.Fatalf("unexpected result %+v (statuses %v)", res, rec.lines())
	}
	lines := rec.lines()
	if len(lines) != 4 || lines[0] != "Building KyberSwap transaction..." || lines[1] != "Sending swap transaction to KyberSwap..." ||
		lines[3] != "Swap confirmed via KyberSwap: https://megaeth.blockscout.com/tx/"+res.TxHash {
		t.Fatalf("unexpected statuses %v", lines)
	}
	if got := rec.labels(); strings.Join(got, "|") != "Building...|Swapping...|" {
		t.Fatalf("unexpected busy labels %v", got)
	}
	if body["slippageTolerance"] != float64(50) || body["enableGasEstimation"] != true {
		t.Fatalf("unexpected build body %v", body)
	}
	sent := srv.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one tx, got %d", len(sent))
	}
	tx := sent[0]
	if *tx.To() != common.HexToAddress(router) || tx.Gas() != 250_000 || tx.Value().Cmp(q.AmountIn) != 0 {
		t.Fatalf("unexpected tx to=%s gas=%d value=%s", tx.To().Hex(), tx.Gas(), tx.Value())
	}
}

func TestSubmitCowWithoutTradingFails(t *testing.T) {
	srv := chaintest.NewServer(t, registry.ChainIDBase)
	network, q, live := nativeQuote(t, "base", providers.SourceCow)
	seq, _ := newTestSequencer(t, Options{})
	host := &fakeHost{network: network, recipient: id.ValidateRecipient(""), quote: q, live: live, reader: dialReader(t, srv)}
	w := newTestWallet(t, srv, registry.ChainIDBase, nil)

	res, _ := seq.Submit(context.Background(), host, w)
	if res.Status.Message != "Swap failed: CoW Protocol is not configured for this chain." {
		t.Fatalf("unexpected status %q", res.Status.Message)
	}
}

func TestSubmitRejectsUnknownSource(t *testing.T) {
	srv := chaintest.NewServer(t, registry.ChainIDBase)
	network, q, live := nativeQuote(t, "base", providers.Source("other"))
	seq, _ := newTestSequencer(t, Options{})
	host := &fakeHost{network: network, recipient: id.ValidateRecipient(""), quote: q, live: live, reader: dialReader(t, srv)}
	w := newTestWallet(t, srv, registry.ChainIDBase, nil)

	res, _ := seq.Submit(context.Background(), host, w)
	if res.Status.Message != "Swap failed: Unsupported route source." {
		t.Fatalf("unexpected status %q", res.Status.Message)
	}
}

func TestSubmitIsExclusive(t *testing.T) {
	seq, _ := newTestSequencer(t, Options{})
	entered := make(chan struct{})
	gate := make(chan struct{})
	host := &fakeHost{
		network:   networkFor(t, "base"),
		recipient: id.ValidateRecipient(""),
		refresh: func(context.Context) *quote.Quote {
			close(entered)
			<-gate
			return nil
		},
	}
	done := make(chan Result)
	go func() {
		res, _ := seq.Submit(context.Background(), host, nil)
		done <- res
	}()
	<-entered
	if !seq.Busy() {
		t.Fatal("expected sequencer to be busy")
	}
	if _, err := seq.Submit(context.Background(), host, nil); !clierr.Is(err, clierr.CodeBusy) {
		t.Fatalf("expected busy error, got %v", err)
	}
	close(gate)
	if res := <-done; res.Status.Message != "Unable to swap without a valid quote." {
		t.Fatalf("unexpected result %+v", res)
	}
	if seq.Busy() {
		t.Fatal("expected busy flag cleared")
	}
}
