package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ggonzalez94/contraparty/internal/approval"
	"github.com/ggonzalez94/contraparty/internal/chain"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/execution/planner"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/providers/cow"
	"github.com/ggonzalez94/contraparty/internal/providers/kyber"
	"github.com/ggonzalez94/contraparty/internal/quote"
	"github.com/ggonzalez94/contraparty/internal/registry"
	"github.com/ggonzalez94/contraparty/internal/wallet"
)

// Phase is where a submission currently is.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseValidating Phase = "validating"
	PhaseApproving  Phase = "approving"
	PhaseExecuting  Phase = "executing"
	PhaseConfirmed  Phase = "confirmed"
	PhaseFailed     Phase = "failed"
)

// Busy labels shown on the swap button while a step is in flight.
const (
	BusyApproving = "Approving..."
	BusySwapping  = "Swapping..."
	BusySigning   = "Signing..."
	BusyBuilding  = "Building..."
)

const (
	MsgInvalidRecipient = "Recipient must be a valid address."
	MsgRefreshing       = "Refreshing quote..."
	MsgNoValidQuote     = "Unable to swap without a valid quote."
	MsgNotExecutable    = "Current route cannot execute with the selected recipient."
	MsgConnectWallet    = "Connect wallet to continue."
	MsgQuoteChanged     = "Quote changed. Refreshing..."
	MsgRefreshFailed    = "Quote refresh failed. Try again."
)

// Status is one user-facing status line. Transaction statuses carry the
// hash and, when the chain has an explorer, a link to it.
type Status struct {
	Message string `json:"message"`
	TxHash  string `json:"tx_hash,omitempty"`
	URL     string `json:"url,omitempty"`
}

func (s Status) String() string {
	switch {
	case s.URL != "":
		return s.Message + " " + s.URL
	case s.TxHash != "":
		return s.Message + " " + s.TxHash
	default:
		return s.Message
	}
}

func txStatus(prefix string, chainID int64, hash string) Status {
	return Status{Message: prefix, TxHash: hash, URL: registry.ExplorerTxURL(chainID, hash)}
}

// Host owns the inputs and the held quote the sequencer acts on.
type Host interface {
	Network() registry.Network
	Recipient() id.Recipient
	Live() quote.Live
	Quote() *quote.Quote
	// RefreshQuote runs one aggregation round and returns the held quote
	// afterwards, which may be nil.
	RefreshQuote(ctx context.Context) *quote.Quote
	Reader(ctx context.Context) (chain.Reader, error)
}

// Settler is implemented by hosts that refresh balances and button state
// once a submission ends.
type Settler interface {
	Settled(ctx context.Context)
}

// Result is how a submission ended.
type Result struct {
	Phase    Phase  `json:"phase"`
	Status   Status `json:"status"`
	Approved bool   `json:"approved,omitempty"`
	Switched bool   `json:"switched,omitempty"`
	TxHash   string `json:"tx_hash,omitempty"`
	OrderUID string `json:"order_uid,omitempty"`
	ActionID string `json:"action_id,omitempty"`
}

// Again reports whether the caller is expected to submit once more to
// finish the swap.
func (r Result) Again() bool { return r.Approved || r.Switched }

type Options struct {
	Catalogue      *registry.Catalogue
	RPCOverrides   []string
	Approvals      *approval.Manager
	Cow            *cow.Trading
	Kyber          *kyber.Client
	Store          *Store
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	OnStatus       func(Status)
	OnBusy         func(label string)
	Logger         log.Logger
}

// Sequencer drives one swap submission at a time from validation through
// approval to execution.
type Sequencer struct {
	opts Options
	log  log.Logger
	busy atomic.Bool

	mu     sync.Mutex
	phase  Phase
	label  string
	status Status
}

func NewSequencer(opts Options) *Sequencer {
	if opts.Logger == nil {
		opts.Logger = log.Root()
	}
	if opts.Approvals == nil {
		opts.Approvals = approval.NewManager(opts.Logger)
	}
	if opts.Catalogue == nil {
		opts.Catalogue = registry.DefaultCatalogue()
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 3 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Sequencer{opts: opts, log: opts.Logger, phase: PhaseIdle}
}

func (s *Sequencer) Approvals() *approval.Manager { return s.opts.Approvals }

func (s *Sequencer) Busy() bool { return s.busy.Load() }

// BusyLabel is the label of the step in flight, or "".
func (s *Sequencer) BusyLabel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

// Phase is the step a submission is at, idle between submissions.
func (s *Sequencer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastStatus is the most recent status line reported.
func (s *Sequencer) LastStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Sequencer) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Sequencer) setBusy(label string) {
	s.mu.Lock()
	s.label = label
	s.mu.Unlock()
	if s.opts.OnBusy != nil {
		s.opts.OnBusy(label)
	}
}

func (s *Sequencer) report(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(st)
	}
}

func (s *Sequencer) end(phase Phase, message string) Result {
	st := Status{Message: message}
	s.report(st)
	return Result{Phase: phase, Status: st}
}

// Submit runs one swap attempt. An approval or a chain switch ends the
// attempt early with Again set. The only error is a concurrent submission;
// every other outcome is described by the result's status.
func (s *Sequencer) Submit(ctx context.Context, host Host, w wallet.Wallet) (Result, error) {
	if host == nil {
		return Result{}, clierr.New(clierr.CodeInternal, "missing swap host")
	}
	if !s.busy.CompareAndSwap(false, true) {
		return Result{}, clierr.New(clierr.CodeBusy, "A swap is already in progress.")
	}
	s.setPhase(PhaseValidating)
	res := s.run(ctx, host, w)
	// Back to idle whatever the outcome; res and the last status keep it.
	s.setPhase(PhaseIdle)

	s.setBusy("")
	s.busy.Store(false)
	if settler, ok := host.(Settler); ok {
		settler.Settled(ctx)
	}
	return res, nil
}

func usable(q *quote.Quote, live quote.Live) bool {
	return q != nil && !quote.IsStale(q, live) && q.Positive()
}

func (s *Sequencer) run(ctx context.Context, host Host, w wallet.Wallet) Result {
	network := host.Network()
	recipient := host.Recipient()
	if !recipient.Valid {
		return s.end(PhaseIdle, MsgInvalidRecipient)
	}

	q := host.Quote()
	if !usable(q, host.Live()) {
		s.report(Status{Message: MsgRefreshing})
		q = host.RefreshQuote(ctx)
		if !usable(q, host.Live()) {
			return s.end(PhaseIdle, MsgNoValidQuote)
		}
	}
	if !q.Executable {
		return s.end(PhaseIdle, MsgNotExecutable)
	}

	owner := wallet.Account(ctx, w, false)
	if owner == "" {
		owner = wallet.Account(ctx, w, true)
	}
	if owner == "" {
		return s.end(PhaseIdle, MsgConnectWallet)
	}

	if wallet.ChainIDOrZero(ctx, w) != network.ChainID {
		s.report(Status{Message: fmt.Sprintf("Switching wallet to %s...", network.Label)})
		if err := wallet.EnsureChain(ctx, w, s.opts.Catalogue, network.ChainID, s.opts.RPCOverrides); err != nil {
			s.log.Debug("chain switch failed", "chain", network.ChainID, "err", err)
			if wallet.IsUserRejected(err) {
				return s.end(PhaseIdle, wallet.MsgUserRejected)
			}
			return s.end(PhaseIdle, "Chain switch failed: "+wallet.ErrorMessage(err, "Unable to switch chain."))
		}
		res := s.end(PhaseIdle, fmt.Sprintf("Chain switched to %s. Click Swap again.", network.Label))
		res.Switched = true
		return res
	}

	receiver := owner
	if recipient.Value != "" {
		receiver = recipient.Value
	}

	if quote.IsStale(q, host.Live()) {
		s.report(Status{Message: MsgQuoteChanged})
		q = host.RefreshQuote(ctx)
		if !usable(q, host.Live()) {
			return s.end(PhaseIdle, MsgRefreshFailed)
		}
	}
	if !q.Executable {
		return s.end(PhaseIdle, MsgNotExecutable)
	}

	res, err := s.execute(ctx, host, w, network, owner, receiver, q)
	if err != nil {
		s.log.Debug("swap failed", "source", q.Source, "err", err)
		message := "Swap failed: " + wallet.ErrorMessage(err, "Unable to execute swap.")
		if wallet.IsUserRejected(err) {
			message = wallet.MsgUserRejected
		}
		failed := s.end(PhaseFailed, message)
		failed.ActionID = res.ActionID
		failed.TxHash = res.TxHash
		return failed
	}
	return res
}

func (s *Sequencer) execute(ctx context.Context, host Host, w wallet.Wallet, network registry.Network, owner, receiver string, q *quote.Quote) (Result, error) {
	reader, err := host.Reader(ctx)
	if err != nil {
		return Result{}, err
	}
	res, approved, err := s.approveIfNeeded(ctx, reader, w, network, owner, q)
	if err != nil || approved {
		return res, err
	}

	switch q.Source {
	case providers.SourceContraparty, providers.SourceElfomo:
		return s.executeDirect(ctx, reader, w, network, owner, receiver, q)
	case providers.SourceCow:
		return s.executeCow(ctx, reader, w, network, owner, receiver, q)
	case providers.SourceKyber:
		return s.executeKyber(ctx, reader, w, network, owner, receiver, q)
	default:
		return Result{}, clierr.New(clierr.CodeUnsupported, "Unsupported route source.")
	}
}

func (s *Sequencer) approveIfNeeded(ctx context.Context, reader chain.Reader, w wallet.Wallet, network registry.Network, owner string, q *quote.Quote) (Result, bool, error) {
	state := s.opts.Approvals.State(ctx, reader, network, owner, q)
	if !state.NeedsApproval {
		return Result{}, false, nil
	}
	if state.Spender == "" {
		return Result{}, false, clierr.New(clierr.CodeUsage, "No spender configured for approval.")
	}

	s.setPhase(PhaseApproving)
	s.setBusy(BusyApproving)
	s.report(Status{Message: fmt.Sprintf("Sending approval to %s...", id.ShortAddress(state.Spender))})

	tx, err := planner.ApprovalTx(q.FromToken.Address, state.Spender, nil)
	if err != nil {
		return Result{}, false, err
	}
	if err := validateApprovalPolicy(tx, q.FromToken.Address, state.Spender); err != nil {
		return Result{}, false, err
	}

	action := s.begin(ctx, "approve", network, owner, q)
	action.ToAddress = state.Spender
	hash, err := s.submit(ctx, reader, w, &action, ActionStep{
		StepID:      "approve-token",
		Type:        StepTypeApproval,
		Description: fmt.Sprintf("Approve %s for %s", q.FromToken.Symbol, id.ShortAddress(state.Spender)),
	}, tx, network.ChainID, "Approval submitted:")
	res := Result{ActionID: action.ActionID, TxHash: hash}
	if err != nil {
		return res, false, err
	}
	s.opts.Approvals.MarkApproved(network.ChainID, owner, q.FromToken.Address, state.Spender)

	res.Phase = PhaseConfirmed
	res.Approved = true
	res.Status = txStatus("Approval confirmed:", network.ChainID, hash)
	s.report(res.Status)
	return res, true, nil
}

func (s *Sequencer) executeDirect(ctx context.Context, reader chain.Reader, w wallet.Wallet, network registry.Network, owner, receiver string, q *quote.Quote) (Result, error) {
	tx, err := planner.DirectSwapTx(network, q, receiver)
	if err != nil {
		return Result{}, err
	}
	if err := validateDirectSwapPolicy(tx, q.Source, planner.SwapContract(q.Source, network, q)); err != nil {
		return Result{}, err
	}

	venue := q.Source.VenueName()
	s.setPhase(PhaseExecuting)
	s.setBusy(BusySwapping)
	s.report(Status{Message: fmt.Sprintf("Sending swap transaction to %s...", venue)})
	return s.swap(ctx, reader, w, network, owner, receiver, q, tx, venue)
}

func (s *Sequencer) executeKyber(ctx context.Context, reader chain.Reader, w wallet.Wallet, network registry.Network, owner, receiver string, q *quote.Quote) (Result, error) {
	if s.opts.Kyber == nil {
		return Result{}, clierr.New(clierr.CodeUnsupported, "KyberSwap is not configured for this chain.")
	}
	s.setPhase(PhaseExecuting)
	s.setBusy(BusyBuilding)
	s.report(Status{Message: "Building KyberSwap transaction..."})

	route, _ := q.Payload.(providers.KyberRoutePayload)
	tx, err := s.opts.Kyber.BuildSwap(ctx, kyber.BuildRequest{
		Route:       route,
		ChainID:     network.ChainID,
		Spender:     q.Spender,
		Sender:      owner,
		Recipient:   receiver,
		SlippageBps: q.SlippageBps,
	})
	if err != nil {
		return Result{}, err
	}
	if err := validateRouterPolicy(tx); err != nil {
		return Result{}, err
	}
	if q.Spender != "" && !id.SameAddress(tx.To.Hex(), q.Spender) {
		s.log.Warn("kyber build router differs from quoted spender", "router", tx.To.Hex(), "spender", q.Spender)
	}

	venue := providers.SourceKyber.VenueName()
	s.setBusy(BusySwapping)
	s.report(Status{Message: fmt.Sprintf("Sending swap transaction to %s...", venue)})
	return s.swap(ctx, reader, w, network, owner, receiver, q, tx, venue)
}

func (s *Sequencer) swap(ctx context.Context, reader chain.Reader, w wallet.Wallet, network registry.Network, owner, receiver string, q *quote.Quote, tx chain.TxRequest, venue string) (Result, error) {
	action := s.begin(ctx, "swap", network, owner, q)
	action.ToAddress = receiver
	hash, err := s.submit(ctx, reader, w, &action, ActionStep{
		StepID:      "swap",
		Type:        StepTypeSwap,
		Description: fmt.Sprintf("Swap %s for %s via %s", q.FromToken.Symbol, q.ToToken.Symbol, venue),
	}, tx, network.ChainID, "Swap submitted:")
	res := Result{ActionID: action.ActionID, TxHash: hash}
	if err != nil {
		return res, err
	}
	res.Phase = PhaseConfirmed
	res.Status = txStatus(fmt.Sprintf("Swap confirmed via %s:", venue), network.ChainID, hash)
	s.report(res.Status)
	return res, nil
}

func (s *Sequencer) executeCow(ctx context.Context, reader chain.Reader, w wallet.Wallet, network registry.Network, owner, receiver string, q *quote.Quote) (Result, error) {
	cowChainID := q.CowChainID
	if cowChainID == 0 {
		cowChainID = network.CowChainID
	}
	if cowChainID <= 0 || s.opts.Cow == nil {
		return Result{}, clierr.New(clierr.CodeUnsupported, "CoW Protocol is not configured for this chain.")
	}
	if _, err := s.opts.Cow.Deps(ctx, reader, cowChainID); err != nil {
		return Result{}, err
	}

	s.setPhase(PhaseExecuting)
	s.setBusy(BusySigning)
	s.report(Status{Message: "Signing CoW order..."})

	action := s.begin(ctx, "swap", network, owner, q)
	action.ToAddress = receiver
	action.Steps = append(action.Steps, ActionStep{
		StepID:      "cow-order",
		Type:        StepTypeOrder,
		Status:      StepStatusPending,
		Description: fmt.Sprintf("Sell %s for %s on CoW Protocol", q.FromToken.Symbol, q.ToToken.Symbol),
	})
	uid, err := s.opts.Cow.PostSwapOrder(ctx, cow.OrderRequest{
		CowChainID:  cowChainID,
		Owner:       owner,
		SellToken:   q.FromToken.Address,
		BuyToken:    q.ToToken.Address,
		Amount:      q.AmountIn,
		Receiver:    receiver,
		SlippageBps: q.SlippageBps,
		Reader:      reader,
		Signer:      w,
	})
	res := Result{ActionID: action.ActionID}
	if err != nil {
		s.fail(ctx, &action, err)
		return res, err
	}
	step := action.LastStep()
	step.Status = StepStatusSubmitted
	step.OrderUID = uid
	action.Status = ActionStatusCompleted
	s.save(ctx, &action)

	label := uid
	if label == "" {
		label = "submitted"
	}
	res.Phase = PhaseConfirmed
	res.OrderUID = uid
	res.Status = Status{Message: fmt.Sprintf("CoW order posted: %s.", label)}
	s.report(res.Status)
	return res, nil
}

func (s *Sequencer) begin(ctx context.Context, intent string, network registry.Network, owner string, q *quote.Quote) Action {
	action := NewAction(NewActionID(), intent, network.Key, network.ChainID)
	action.Provider = string(q.Source)
	action.FromAddress = owner
	action.TokenIn = q.FromToken.Address
	action.TokenOut = q.ToToken.Address
	if q.AmountIn != nil {
		action.InputAmount = q.AmountIn.String()
	}
	if q.MinOut != nil {
		action.MinOutput = q.MinOut.String()
	}
	action.SlippageBps = q.SlippageBps
	s.save(ctx, &action)
	return action
}

// submit sends tx as a new step of action, reports the submission and waits
// for a successful receipt.
func (s *Sequencer) submit(ctx context.Context, reader chain.Reader, w wallet.Wallet, action *Action, step ActionStep, tx chain.TxRequest, chainID int64, submitted string) (string, error) {
	step.Status = StepStatusPending
	step.Target = tx.To.Hex()
	step.Data = tx.DataHex()
	step.Value = tx.ValueOrZero().String()
	action.Steps = append(action.Steps, step)
	current := action.LastStep()

	hash, err := w.SendTransaction(ctx, tx)
	if err != nil {
		s.fail(ctx, action, err)
		return "", err
	}
	current.TxHash = hash.Hex()
	current.ExplorerURL = registry.ExplorerTxURL(chainID, current.TxHash)
	current.Status = StepStatusSubmitted
	s.save(ctx, action)
	s.report(txStatus(submitted, chainID, current.TxHash))

	if _, err := chain.WaitForReceipt(ctx, reader, hash, s.opts.ReceiptTimeout, s.opts.PollInterval); err != nil {
		s.fail(ctx, action, err)
		return current.TxHash, err
	}
	current.Status = StepStatusConfirmed
	action.Status = ActionStatusCompleted
	s.save(ctx, action)
	return current.TxHash, nil
}

func (s *Sequencer) fail(ctx context.Context, action *Action, err error) {
	if step := action.LastStep(); step != nil {
		step.Status = StepStatusFailed
		step.Error = err.Error()
	}
	action.Status = ActionStatusFailed
	s.save(ctx, action)
}

func (s *Sequencer) save(ctx context.Context, action *Action) {
	if s.opts.Store == nil {
		return
	}
	action.Touch()
	if err := s.opts.Store.Save(context.WithoutCancel(ctx), *action); err != nil {
		s.log.Warn("journal write failed", "action", action.ActionID, "err", err)
	}
}
