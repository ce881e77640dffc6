// Package session holds the swap form state of one client: the active
// network, the token pair, the amount and recipient inputs, and the quote
// held for them. It schedules quote rounds, tracks the from-token balance and
// derives the swap button state, and is the host the execution sequencer
// acts on.
package session

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ggonzalez94/contraparty/internal/approval"
	"github.com/ggonzalez94/contraparty/internal/cache"
	"github.com/ggonzalez94/contraparty/internal/chain"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/quote"
	"github.com/ggonzalez94/contraparty/internal/registry"
	"github.com/ggonzalez94/contraparty/internal/tokens"
	"github.com/ggonzalez94/contraparty/internal/wallet"
)

const (
	DefaultDebounce        = 220 * time.Millisecond
	DefaultRefreshInterval = 30 * time.Second

	MsgNoBalance = "No balance available for selected token."
)

// FillPresets are the balance shares offered as amount shortcuts, in bps.
var FillPresets = []int64{10_000, 5_000, 2_500}

var erc20ABI = providers.MustABI(registry.ERC20MinimalABI)

// Side names one end of the token pair.
type Side string

const (
	SideFrom Side = "from"
	SideTo   Side = "to"
)

// Activity reports whether a submission is in flight. The execution
// sequencer implements it.
type Activity interface {
	Busy() bool
	BusyLabel() string
}

type Options struct {
	Catalogue *registry.Catalogue
	// NetworkKey and Route choose the starting network the way a shared
	// link would: the route's chain wins over the key.
	NetworkKey     string
	Route          id.Route
	Amount         string
	Recipient      string
	SlippageMode   string
	CustomSlippage string
	RPCOverrides   []string

	Aggregator    *quote.Aggregator
	Readers       *chain.Factory
	Approvals     *approval.Manager
	Wallet        wallet.Wallet
	Activity      Activity
	TokenCache    *cache.Store
	TokenCacheTTL time.Duration

	Debounce        time.Duration
	RefreshInterval time.Duration

	OnStatus  func(message string)
	OnQuote   func(quote.Result)
	OnBalance func(Balance)
	OnButton  func(Button)
	Logger    log.Logger
}

type Session struct {
	opts      Options
	log       log.Logger
	catalogue *registry.Catalogue
	agg       *quote.Aggregator
	readers   *chain.Factory
	approvals *approval.Manager
	tokens    *tokens.Registry
	wallet    wallet.Wallet

	balanceGen quote.Generation
	buttonGen  quote.Generation
	live       atomic.Bool
	rounds     atomic.Int32

	mu         sync.Mutex
	ctx        context.Context
	network    registry.Network
	from       id.Token
	to         id.Token
	amount     string
	recipient  string
	slipMode   string
	slipCustom string
	held       *quote.Quote
	last       quote.Result
	balance    *big.Int
	status     string
	timer      *time.Timer
	stop       context.CancelFunc
}

func New(opts Options) (*Session, error) {
	if opts.Aggregator == nil {
		return nil, clierr.New(clierr.CodeInternal, "session requires a quote aggregator")
	}
	if opts.Logger == nil {
		opts.Logger = log.Root()
	}
	if opts.Catalogue == nil {
		opts.Catalogue = registry.DefaultCatalogue()
	}
	if opts.Readers == nil {
		opts.Readers = chain.NewFactory(opts.Logger)
	}
	if opts.Approvals == nil {
		opts.Approvals = approval.NewManager(opts.Logger)
	}
	if opts.Debounce < 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.SlippageMode == "" {
		opts.SlippageMode = quote.SlippageModeAuto
	}

	key := opts.Catalogue.Pick(opts.Route.ChainID, opts.NetworkKey)
	network, ok := opts.Catalogue.Get(key)
	if !ok || !network.IsSupported() {
		return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no supported network available (requested %q)", opts.NetworkKey))
	}

	s := &Session{
		opts:       opts,
		log:        opts.Logger,
		catalogue:  opts.Catalogue,
		agg:        opts.Aggregator,
		readers:    opts.Readers,
		approvals:  opts.Approvals,
		tokens:     tokens.NewRegistry(network, opts.TokenCache, opts.TokenCacheTTL, opts.Logger),
		wallet:     opts.Wallet,
		ctx:        context.Background(),
		network:    network,
		amount:     strings.TrimSpace(opts.Amount),
		recipient:  strings.TrimSpace(opts.Recipient),
		slipMode:   opts.SlippageMode,
		slipCustom: opts.CustomSlippage,
		balance:    new(big.Int),
	}

	from, okFrom := s.tokens.Resolve(opts.Route.TokenIn, network.DefaultTokenIn)
	to, okTo := s.tokens.Resolve(opts.Route.TokenOut, network.DefaultTokenOut)
	if !okFrom || !okTo {
		return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("%s has no tokens configured", network.Label))
	}
	if id.SameAddress(from.Address, to.Address) {
		if other, ok := tokens.OtherToken(s.tokens.List(), from.Address); ok {
			to = other
		}
	}
	s.from, s.to = from, to
	return s, nil
}

// Host

func (s *Session) Network() registry.Network {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.network
}

func (s *Session) Recipient() id.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return id.ValidateRecipient(s.recipient)
}

func (s *Session) Live() quote.Live {
	return s.Inputs().Live()
}

// Quote is the held quote, nil when none is current.
func (s *Session) Quote() *quote.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// RefreshQuote cancels a pending debounced round and runs one immediately.
func (s *Session) RefreshQuote(ctx context.Context) *quote.Quote {
	s.cancelTimer()
	s.RunQuote(ctx)
	return s.Quote()
}

// Reader returns the read client for the active network. The wallet's own
// transport is preferred while the wallet is on that network.
func (s *Session) Reader(ctx context.Context) (chain.Reader, error) {
	network := s.Network()
	var (
		walletReader  chain.Reader
		walletChainID int64
	)
	if s.wallet != nil {
		walletChainID = wallet.ChainIDOrZero(ctx, s.wallet)
		if walletChainID == network.ChainID {
			if r, err := s.wallet.Reader(ctx); err == nil {
				walletReader = r
			}
		}
	}
	return s.readers.Reader(ctx, network, registry.ResolveRPCURLs(s.opts.RPCOverrides, network), walletReader, walletChainID)
}

// Settled refreshes the balance and the button once a submission ended.
func (s *Session) Settled(ctx context.Context) {
	s.RefreshBalance(ctx)
	s.RefreshButton(ctx)
}

// Inputs snapshots the form.
func (s *Session) Inputs() quote.Inputs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputsLocked()
}

func (s *Session) inputsLocked() quote.Inputs {
	return quote.Inputs{
		Network:   s.network,
		FromToken: s.from,
		ToToken:   s.to,
		Amount:    s.amount,
		Recipient: s.recipient,
		Slippage:  quote.ResolveSlippage(s.slipMode, s.slipCustom),
	}
}

func (s *Session) Tokens() *tokens.Registry { return s.tokens }

func (s *Session) Approvals() *approval.Manager { return s.approvals }

func (s *Session) Wallet() wallet.Wallet { return s.wallet }

// LastResult is the most recent round that was not superseded.
func (s *Session) LastResult() quote.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Status is the most recent status line.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Route formats the shareable location of the current form.
func (s *Session) Route() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return id.FormatRoute(s.network.ChainID, s.from.Symbol, s.to.Address)
}

func (s *Session) busy() bool {
	return s.opts.Activity != nil && s.opts.Activity.Busy()
}

func (s *Session) setStatus(message string) {
	s.mu.Lock()
	s.status = message
	s.mu.Unlock()
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(message)
	}
}

// Inputs

func (s *Session) SetAmount(ctx context.Context, raw string) {
	s.mu.Lock()
	s.amount = strings.TrimSpace(raw)
	s.mu.Unlock()
	s.changed(ctx, s.opts.Debounce, false)
}

func (s *Session) SetRecipient(ctx context.Context, raw string) {
	s.mu.Lock()
	s.recipient = strings.TrimSpace(raw)
	s.mu.Unlock()
	s.changed(ctx, s.opts.Debounce, false)
}

func (s *Session) SetSlippage(ctx context.Context, mode, custom string) {
	s.mu.Lock()
	s.slipMode = strings.TrimSpace(mode)
	s.slipCustom = strings.TrimSpace(custom)
	s.mu.Unlock()
	s.changed(ctx, 0, false)
}

// SelectToken sets one side of the pair from a symbol or an address. An
// unlisted address is looked up on-chain and added to the token list. When
// both sides end up equal, the other side moves to a different token.
func (s *Session) SelectToken(ctx context.Context, side Side, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	tok, err := s.findToken(ctx, ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	list := s.tokens.List()
	switch side {
	case SideFrom:
		s.from = tok
		if id.SameAddress(s.from.Address, s.to.Address) {
			if other, ok := tokens.OtherToken(list, s.from.Address); ok {
				s.to = other
			}
		}
	case SideTo:
		s.to = tok
		if id.SameAddress(s.from.Address, s.to.Address) {
			if other, ok := tokens.OtherToken(list, s.to.Address); ok {
				s.from = other
			}
		}
	default:
		s.mu.Unlock()
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown token side %q", side))
	}
	s.mu.Unlock()
	s.changed(ctx, 0, true)
	return nil
}

func (s *Session) findToken(ctx context.Context, ref string) (id.Token, error) {
	if tok, ok := s.tokens.ByAddress(ref); ok {
		return tok, nil
	}
	if strings.HasPrefix(strings.ToLower(ref), "0x") {
		if !id.IsAddress(ref) {
			return id.Token{}, clierr.New(clierr.CodeUsage, tokens.MsgNotFound)
		}
		reader, err := s.Reader(ctx)
		if err != nil {
			return id.Token{}, err
		}
		found, state := s.tokens.Lookup(ctx, reader, ref)
		switch state {
		case tokens.LookupFound, tokens.LookupKnown:
			tok, _ := s.tokens.Upsert(*found)
			return tok, nil
		case tokens.LookupPending:
			return id.Token{}, clierr.New(clierr.CodeUnavailable, tokens.MsgLookingUp)
		default:
			return id.Token{}, clierr.New(clierr.CodeUsage, tokens.MsgNotFound)
		}
	}
	for _, tok := range s.tokens.List() {
		if strings.EqualFold(tok.Symbol, ref) {
			return tok, nil
		}
	}
	return id.Token{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown token %q on %s", ref, s.Network().Label))
}

// Flip swaps the two sides of the pair.
func (s *Session) Flip(ctx context.Context) {
	s.mu.Lock()
	s.from, s.to = s.to, s.from
	s.mu.Unlock()
	s.changed(ctx, 0, true)
}

// SwitchNetwork moves the form to another supported network, keeping the
// token symbols where the new network lists them. It reports whether the
// network changed.
func (s *Session) SwitchNetwork(ctx context.Context, key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	next, ok := s.catalogue.Get(key)
	current := s.Network()
	if !ok || !next.IsSupported() || key == current.Key {
		return false
	}

	s.mu.Lock()
	fromSymbol, toSymbol := s.from.Symbol, s.to.Symbol
	s.mu.Unlock()
	if fromSymbol == "" {
		fromSymbol = next.DefaultTokenIn
	}
	if toSymbol == "" {
		toSymbol = next.DefaultTokenOut
	}
	from, okFrom := tokens.PickNetworkToken(next, fromSymbol, next.DefaultTokenIn)
	to, okTo := tokens.PickNetworkToken(next, toSymbol, next.DefaultTokenOut)
	if !okFrom || !okTo {
		s.setStatus(fmt.Sprintf("Unable to switch to %s.", next.Label))
		return false
	}
	if id.SameAddress(from.Address, to.Address) {
		if other, ok := tokens.OtherToken(next.Tokens, from.Address); ok {
			to = other
		}
	}

	s.mu.Lock()
	s.network = next
	s.from, s.to = from, to
	s.held = nil
	s.last = quote.Result{}
	s.balance = new(big.Int)
	s.mu.Unlock()
	s.tokens.Reset(next)
	s.readers.Reset()
	s.setStatus(fmt.Sprintf("Switched to %s.", next.Label))
	s.changed(ctx, 0, true)
	return true
}

// changed reacts to an input edit: the held quote is dropped at once and,
// while the session is live, a round is scheduled after delay.
func (s *Session) changed(ctx context.Context, delay time.Duration, balance bool) {
	s.invalidate()
	if !s.live.Load() {
		return
	}
	if balance {
		s.RefreshBalance(ctx)
	}
	s.ScheduleQuote(delay)
}

func (s *Session) invalidate() {
	s.mu.Lock()
	s.held = nil
	s.mu.Unlock()
}

// Quotes

// ScheduleQuote drops the held quote, supersedes any round in flight and
// runs a new round after delay. Scheduling again before it fires replaces
// the pending round.
func (s *Session) ScheduleQuote(delay time.Duration) {
	s.agg.Generation().Next()
	s.mu.Lock()
	s.held = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timer != t {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		ctx := s.ctx
		s.mu.Unlock()
		s.RunQuote(ctx)
	})
	s.timer = t
	s.mu.Unlock()
	if !s.busy() {
		s.RefreshButton(context.Background())
	}
}

// InFlight reports whether an aggregation round is running.
func (s *Session) InFlight() bool { return s.rounds.Load() > 0 }

// Pending reports whether a debounced round is waiting to fire.
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Session) cancelTimer() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

// RunQuote runs one aggregation round for the current inputs. A superseded
// round changes nothing and returns false.
func (s *Session) RunQuote(ctx context.Context) (quote.Result, bool) {
	s.rounds.Add(1)
	defer s.rounds.Add(-1)
	in := s.Inputs()
	var reader chain.Reader
	if s.agg.Quotable(in) {
		r, err := s.Reader(ctx)
		if err != nil {
			s.log.Debug("no rpc reader for quote round", "network", in.Network.Key, "err", err)
		} else {
			reader = r
		}
	}
	var accounts quote.Accounts
	if s.wallet != nil {
		accounts = s.wallet
	}
	res, ok := s.agg.Run(ctx, quote.Request{
		Inputs: in,
		Reader: reader,
		Wallet: accounts,
		OnFetch: func() {
			s.setStatus(quote.StatusFetching)
			if !s.busy() && s.opts.OnButton != nil {
				s.opts.OnButton(Button{Label: LabelGettingQuote})
			}
		},
	})
	if !ok {
		return res, false
	}

	s.mu.Lock()
	if in.Network.Key != s.network.Key {
		s.mu.Unlock()
		return res, false
	}
	s.held = res.Quote
	s.last = res
	s.mu.Unlock()

	if s.opts.OnQuote != nil {
		s.opts.OnQuote(res)
	}
	s.setStatus(res.Status)
	if !s.busy() {
		s.RefreshButton(ctx)
	}
	return res, true
}

// Balance

// Balance is the from-token balance of the connected account.
type Balance struct {
	Connected bool     `json:"connected"`
	Owner     string   `json:"owner,omitempty"`
	Token     id.Token `json:"token"`
	Amount    *big.Int `json:"amount,omitempty"`
	Display   string   `json:"display"`
	// Fillable reports whether the balance presets apply.
	Fillable bool `json:"fillable"`
}

// RefreshBalance reads the from-token balance of the wallet account. The
// result is dropped (false) when a newer refresh started or the network or
// token changed meanwhile.
func (s *Session) RefreshBalance(ctx context.Context) (Balance, bool) {
	gen := s.balanceGen.Next()
	s.mu.Lock()
	network, token := s.network, s.from
	s.mu.Unlock()
	current := func() bool {
		if !s.balanceGen.IsCurrent(gen) {
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.network.Key == network.Key && id.SameAddress(s.from.Address, token.Address)
	}

	owner := wallet.Account(ctx, s.wallet, false)
	if !current() {
		return Balance{}, false
	}
	if owner == "" {
		return s.publishBalance(Balance{Token: token, Display: "-"}, new(big.Int)), true
	}

	amount, err := s.readBalance(ctx, token, owner)
	if err != nil {
		s.log.Debug("balance read failed", "token", token.Address, "err", err)
		amount, err = s.readWalletBalance(ctx, network, token, owner)
	}
	if !current() {
		return Balance{}, false
	}
	if err != nil {
		s.log.Debug("wallet balance read failed", "token", token.Address, "err", err)
		return s.publishBalance(Balance{Connected: true, Owner: owner, Token: token, Display: "n/a"}, nil), true
	}
	if amount.Sign() < 0 {
		amount = new(big.Int)
	}
	bal := Balance{
		Connected: true,
		Owner:     owner,
		Token:     token,
		Amount:    amount,
		Display:   id.FormatBalance(amount, token.Decimals),
		Fillable:  amount.Sign() > 0,
	}
	return s.publishBalance(bal, amount), true
}

// publishBalance stores stored (unless nil) as the fill basis and emits bal.
func (s *Session) publishBalance(bal Balance, stored *big.Int) Balance {
	if stored != nil {
		s.mu.Lock()
		s.balance = new(big.Int).Set(stored)
		s.mu.Unlock()
	}
	if s.opts.OnBalance != nil {
		s.opts.OnBalance(bal)
	}
	return bal
}

func (s *Session) readBalance(ctx context.Context, token id.Token, owner string) (*big.Int, error) {
	reader, err := s.Reader(ctx)
	if err != nil {
		return nil, err
	}
	return ReadTokenBalance(ctx, reader, token, owner)
}

func (s *Session) readWalletBalance(ctx context.Context, network registry.Network, token id.Token, owner string) (*big.Int, error) {
	if s.wallet == nil || wallet.ChainIDOrZero(ctx, s.wallet) != network.ChainID {
		return nil, clierr.New(clierr.CodeUnavailable, "wallet is not on the active network")
	}
	reader, err := s.wallet.Reader(ctx)
	if err != nil {
		return nil, err
	}
	return ReadTokenBalance(ctx, reader, token, owner)
}

// ReadTokenBalance reads a native balance or an ERC-20 balanceOf.
func ReadTokenBalance(ctx context.Context, reader chain.Reader, token id.Token, owner string) (*big.Int, error) {
	if reader == nil {
		return nil, clierr.New(clierr.CodeUnavailable, "no rpc reader")
	}
	account := common.HexToAddress(owner)
	if token.IsNative() {
		bal, err := reader.BalanceAt(ctx, account, nil)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "read native balance", err)
		}
		return bal, nil
	}
	return providers.CallUint(ctx, reader, common.HexToAddress(token.Address), erc20ABI, "balanceOf", account)
}

// FillByBps sets the amount to a share of the last read balance. A share
// that rounds to zero falls back to the whole balance. It returns the
// amount written, or false when there is no balance.
func (s *Session) FillByBps(ctx context.Context, bps int64) (string, bool) {
	if bps <= 0 {
		return "", false
	}
	s.mu.Lock()
	balance := new(big.Int).Set(s.balance)
	decimals := s.from.Decimals
	s.mu.Unlock()
	if balance.Sign() <= 0 {
		s.setStatus(MsgNoBalance)
		return "", false
	}
	fill := new(big.Int).Mul(balance, big.NewInt(bps))
	fill.Quo(fill, big.NewInt(10_000))
	if fill.Sign() == 0 {
		fill = balance
	}
	amount := id.FormatUnits(fill, decimals)
	s.mu.Lock()
	s.amount = amount
	s.mu.Unlock()
	s.changed(ctx, 0, false)
	return amount, true
}

// Lifecycle

// Start makes the session live: input edits schedule debounced rounds and a
// ticker refreshes the balance and, when nothing else is pending, the quote.
// It stops when ctx ends or Stop is called.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.ctx = ctx
	s.stop = cancel
	s.mu.Unlock()
	s.live.Store(true)

	go func() {
		ticker := time.NewTicker(s.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Tick is one auto-refresh step. It never starts a round while a wallet
// action, a debounced round or another round is under way.
func (s *Session) Tick(ctx context.Context) {
	s.RefreshBalance(ctx)
	if s.busy() || s.Pending() || s.InFlight() {
		return
	}
	if !s.agg.Quotable(s.Inputs()) {
		return
	}
	s.RunQuote(ctx)
}

func (s *Session) Stop() {
	s.live.Store(false)
	s.cancelTimer()
	s.mu.Lock()
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.ctx = context.Background()
	s.mu.Unlock()
}
