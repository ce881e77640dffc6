package session

import (
	"context"
	"strings"

	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/quote"
	"github.com/ggonzalez94/contraparty/internal/wallet"
)

const (
	LabelSwap             = "Swap"
	LabelFixRecipient     = "Fix Recipient"
	LabelGetQuote         = "Get Quote"
	LabelGettingQuote     = "Getting Quote..."
	LabelRouteUnavailable = "Route Unavailable"
	LabelConnectWallet    = "Connect Wallet"
	LabelSwitchChain      = "Switch Chain"
	LabelApprove          = "Approve"
)

// Button is what pressing swap would do next.
type Button struct {
	Label   string `json:"label"`
	Enabled bool   `json:"enabled"`
}

// RefreshButton derives the button from the form, the held quote, the
// wallet and the allowance. While a submission runs the busy label is
// shown. The result is dropped (false) when a newer refresh started or a
// submission began while the wallet was being read.
func (s *Session) RefreshButton(ctx context.Context) (Button, bool) {
	gen := s.buttonGen.Next()
	if s.busy() {
		return s.publishButton(Button{Label: s.opts.Activity.BusyLabel()}), true
	}
	current := func() bool { return s.buttonGen.IsCurrent(gen) && !s.busy() }

	s.mu.Lock()
	in := s.inputsLocked()
	held := s.held
	s.mu.Unlock()

	raw := strings.TrimSpace(in.Amount)
	if raw == "" {
		return s.publishButton(Button{Label: LabelSwap}), true
	}
	amount, err := id.ParseUnits(raw, in.FromToken.Decimals)
	if err != nil || amount.Sign() <= 0 || id.SameAddress(in.FromToken.Address, in.ToToken.Address) {
		return s.publishButton(Button{Label: LabelSwap}), true
	}
	if !id.ValidateRecipient(in.Recipient).Valid {
		return s.publishButton(Button{Label: LabelFixRecipient}), true
	}
	if held == nil || quote.IsStale(held, in.Live()) || !held.Positive() {
		return s.publishButton(Button{Label: LabelGetQuote, Enabled: true}), true
	}
	if !held.Executable {
		return s.publishButton(Button{Label: LabelRouteUnavailable}), true
	}

	account := wallet.Account(ctx, s.wallet, false)
	if !current() {
		return Button{}, false
	}
	if account == "" {
		return s.publishButton(Button{Label: LabelConnectWallet, Enabled: true}), true
	}
	walletChain := wallet.ChainIDOrZero(ctx, s.wallet)
	if !current() {
		return Button{}, false
	}
	if walletChain > 0 && walletChain != in.Network.ChainID {
		return s.publishButton(Button{Label: LabelSwitchChain, Enabled: true}), true
	}

	reader, err := s.Reader(ctx)
	if err != nil {
		s.log.Debug("no rpc reader for allowance", "err", err)
	}
	st := s.approvals.State(ctx, reader, in.Network, account, held)
	if !current() {
		return Button{}, false
	}
	if st.NeedsApproval {
		return s.publishButton(Button{Label: LabelApprove, Enabled: true}), true
	}
	return s.publishButton(Button{Label: LabelSwap, Enabled: true}), true
}

func (s *Session) publishButton(b Button) Button {
	if s.opts.OnButton != nil {
		s.opts.OnButton(b)
	}
	return b
}
