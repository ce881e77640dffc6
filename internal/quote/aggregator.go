package quote

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/ggonzalez94/contraparty/internal/chain"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

const (
	StatusFetching = "Getting quote..."
	StatusNoQuote  = "No quote returned for selected pair."

	reasonEmptyAmount    = "Type an amount to get started."
	reasonSameTokens     = "Select different tokens."
	reasonInvalidAmount  = "Amount format is invalid."
	reasonNonPositive    = "Amount must be greater than zero."
	reasonNoQuoteBackend = "Selected chain is not supported for quote backends."
)

// Inputs are the user-controlled values a round is computed from.
type Inputs struct {
	Network   registry.Network
	FromToken id.Token
	ToToken   id.Token
	Amount    string
	Recipient string
	Slippage  Slippage
}

// Live is the staleness view of the inputs.
func (in Inputs) Live() Live {
	return Live{NetworkKey: in.Network.Key, FromToken: in.FromToken, ToToken: in.ToToken, Amount: in.Amount}
}

// Accounts is the part of the wallet used to find a quote owner.
type Accounts interface {
	Accounts(ctx context.Context) ([]string, error)
}

// Request is one aggregation round.
type Request struct {
	Inputs
	Reader chain.Reader
	Wallet Accounts
	// OnFetch runs once validation has passed, before backends are called.
	OnFetch func()
}

// Result is what a round produced. When Cleared is set the inputs were not
// quotable and Status holds the reason; Quote is nil whenever no route was
// found.
type Result struct {
	Generation uint64                 `json:"generation"`
	Cleared    bool                   `json:"cleared"`
	Quote      *Quote                 `json:"quote,omitempty"`
	Candidates []*providers.Candidate `json:"-"`
	Selection  Selection              `json:"-"`
	QuotedOut  *big.Int               `json:"quoted_out,omitempty"`
	MinOut     *big.Int               `json:"min_out,omitempty"`
	ToAmount   string                 `json:"to_amount"`
	MinOutInfo string                 `json:"min_out_info"`
	RouteInfo  string                 `json:"route_info"`
	Notices    []string               `json:"notices,omitempty"`
	Status     string                 `json:"status"`
}

func cleared(gen uint64, reason string) Result {
	return Result{Generation: gen, Cleared: true, RouteInfo: "-", MinOutInfo: "-", Status: reason}
}

// Aggregator fans a request out to every configured backend and applies the
// selection policy to the results.
type Aggregator struct {
	backends []providers.Backend
	gen      Generation
	log      log.Logger
	now      func() time.Time
}

func NewAggregator(backends []providers.Backend, logger log.Logger) *Aggregator {
	if logger == nil {
		logger = log.Root()
	}
	ordered := append([]providers.Backend(nil), backends...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return sourceRank(ordered[i].Source()) < sourceRank(ordered[j].Source())
	})
	return &Aggregator{backends: ordered, log: logger, now: time.Now}
}

func sourceRank(s providers.Source) int {
	for i, src := range providers.SourceOrder {
		if src == s {
			return i
		}
	}
	return len(providers.SourceOrder)
}

// Backends returns the registered backends in comparison order.
func (a *Aggregator) Backends() []providers.Backend {
	return append([]providers.Backend(nil), a.backends...)
}

// Generation exposes the round counter so callers can supersede in-flight
// rounds without starting a new one.
func (a *Aggregator) Generation() *Generation { return &a.gen }

// Configured lists the backends that apply to network.
func (a *Aggregator) Configured(network registry.Network) []providers.Backend {
	var out []providers.Backend
	for _, b := range a.backends {
		if b.Configured(network) {
			out = append(out, b)
		}
	}
	return out
}

// Validate checks that inputs can be quoted and returns the amount in minor
// units, or the user-facing reason they cannot.
func (a *Aggregator) Validate(in Inputs) (*big.Int, string) {
	raw := strings.TrimSpace(in.Amount)
	if raw == "" {
		return nil, reasonEmptyAmount
	}
	if id.SameAddress(in.FromToken.Address, in.ToToken.Address) {
		return nil, reasonSameTokens
	}
	amount, err := id.ParseUnits(raw, in.FromToken.Decimals)
	if err != nil {
		return nil, reasonInvalidAmount
	}
	if amount.Sign() <= 0 {
		return nil, reasonNonPositive
	}
	if len(a.Configured(in.Network)) == 0 {
		return nil, reasonNoQuoteBackend
	}
	return amount, ""
}

// Quotable reports whether a round started now would call backends.
func (a *Aggregator) Quotable(in Inputs) bool {
	_, reason := a.Validate(in)
	return reason == ""
}

// Run executes one round. The returned bool is false when a newer round was
// started before this one finished; the result must then be ignored.
func (a *Aggregator) Run(ctx context.Context, req Request) (Result, bool) {
	gen := a.gen.Next()
	amountIn, reason := a.Validate(req.Inputs)
	if reason != "" {
		return cleared(gen, reason), true
	}
	if req.OnFetch != nil {
		req.OnFetch()
	}

	recipient := id.ValidateRecipient(req.Recipient)
	owner := a.resolveOwner(ctx, recipient, req.Wallet)
	receiver := owner
	if recipient.Valid && recipient.Value != "" {
		receiver = recipient.Value
	}

	backendReq := providers.Request{
		Network:  req.Network,
		TokenIn:  req.FromToken,
		TokenOut: req.ToToken,
		AmountIn: amountIn,
		Owner:    owner,
		Receiver: receiver,
		Reader:   req.Reader,
	}
	candidates := a.fanOut(ctx, backendReq)

	if !a.gen.IsCurrent(gen) {
		return Result{Generation: gen}, false
	}
	if err := ctx.Err(); err != nil {
		return cleared(gen, "Quote failed: "+err.Error()), true
	}

	policy := PolicyFor(req.Network)
	sel := Select(candidates, policy)
	quotedOut := new(big.Int)
	if sel.Selected != nil {
		quotedOut.Set(sel.Selected.QuotedOut)
	}
	minOut := MinOutput(quotedOut, req.Slippage.Bps)

	res := Result{
		Generation: gen,
		Candidates: candidates,
		Selection:  sel,
		QuotedOut:  quotedOut,
		MinOut:     minOut,
		ToAmount:   id.FormatUnits(quotedOut, req.ToToken.Decimals),
		MinOutInfo: fmt.Sprintf("%s %s (%s)", id.FormatUnits(minOut, req.ToToken.Decimals), req.ToToken.Symbol, req.Slippage.Label),
	}
	if quotedOut.Sign() == 0 {
		res.RouteInfo = NoRouteLabel
		res.Status = StatusNoQuote
		return res, true
	}

	now := a.now()
	res.Quote = &Quote{
		Source:        sel.Selected.Source,
		SourceLabel:   sel.Selected.Label(),
		NetworkKey:    req.Network.Key,
		ChainID:       req.Network.ChainID,
		CowChainID:    req.Network.CowChainID,
		FromToken:     req.FromToken,
		ToToken:       req.ToToken,
		AmountIn:      amountIn,
		QuotedOut:     quotedOut,
		MinOut:        minOut,
		SlippageBps:   req.Slippage.Bps,
		SlippageLabel: req.Slippage.Label,
		Receiver:      receiver,
		Spender:       sel.Selected.Spender,
		Executable:    sel.Selected.Executable,
		Payload:       sel.Selected.Payload,
		UpdatedAt:     now,
	}
	res.RouteInfo = fmt.Sprintf("%s (%s)", res.Quote.SourceLabel, req.Network.Label)
	res.Notices = Notices(req.Slippage, recipient.Valid, policy, sel)
	if len(res.Notices) > 0 {
		res.Status = strings.Join(res.Notices, " ")
	} else {
		res.Status = fmt.Sprintf("Quote updated from %s at %s.", res.Quote.SourceLabel, now.Format(time.TimeOnly))
	}
	return res, true
}

// fanOut queries every configured backend concurrently and waits for all of
// them. Results keep comparison order.
func (a *Aggregator) fanOut(ctx context.Context, req providers.Request) []*providers.Candidate {
	configured := a.Configured(req.Network)
	results := make([]*providers.Candidate, len(configured))
	var g errgroup.Group
	for i, backend := range configured {
		g.Go(func() error {
			started := time.Now()
			results[i] = backend.Quote(ctx, req)
			a.log.Debug("quote backend finished", "source", backend.Source(), "ok", results[i] != nil, "elapsed", time.Since(started))
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*providers.Candidate, 0, len(results))
	for _, c := range results {
		if c.Positive() {
			out = append(out, c)
		}
	}
	return out
}

func (a *Aggregator) resolveOwner(ctx context.Context, recipient id.Recipient, wallet Accounts) string {
	if recipient.Valid && recipient.Value != "" {
		return recipient.Value
	}
	if wallet == nil {
		return id.PlaceholderOwner
	}
	accounts, err := wallet.Accounts(ctx)
	if err != nil {
		a.log.Debug("wallet account lookup failed", "err", err)
		return id.PlaceholderOwner
	}
	if len(accounts) > 0 {
		if normalized, ok := id.NormalizeAddress(accounts[0]); ok {
			return normalized
		}
	}
	return id.PlaceholderOwner
}
