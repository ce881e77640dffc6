package app

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/contraparty/internal/approval"
	"github.com/ggonzalez94/contraparty/internal/chain"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/execution"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/model"
	"github.com/ggonzalez94/contraparty/internal/quote"
	"github.com/ggonzalez94/contraparty/internal/registry"
	"github.com/ggonzalez94/contraparty/internal/session"
	"github.com/ggonzalez94/contraparty/internal/tokens"
	"github.com/ggonzalez94/contraparty/internal/wallet"
)

func (s *runtimeState) newNetworksCommand() *cobra.Command {
	root := &cobra.Command{Use: "networks", Short: "Network catalogue"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List networks with their backends, default pair and RPC endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat := s.engine.catalogue
			active := cat.Pick(0, s.settings.Network)
			items := make([]model.NetworkInfo, 0)
			for _, n := range cat.List() {
				items = append(items, s.networkInfo(n, n.Key == active))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, cacheMetaBypass(), nil)
		},
	}
	root.AddCommand(list)
	return root
}

func (s *runtimeState) networkInfo(n registry.Network, active bool) model.NetworkInfo {
	sources := []string{}
	for _, b := range s.engine.aggregator.Configured(n) {
		sources = append(sources, b.Info().Name)
	}
	explorer := ""
	if urls := registry.BlockExplorerURLs(n.ChainID); len(urls) > 0 {
		explorer = urls[0]
	}
	return model.NetworkInfo{
		Key:             n.Key,
		Label:           n.Label,
		ChainID:         n.ChainID,
		CowChainID:      n.CowChainID,
		Supported:       n.IsSupported(),
		Default:         active,
		Sources:         sources,
		PreferredSource: n.PreferredSource,
		DefaultTokenIn:  n.DefaultTokenIn,
		DefaultTokenOut: n.DefaultTokenOut,
		RPCURLs:         registry.ResolveRPCURLs(s.settings.RPCURLs, n),
		Explorer:        explorer,
	}
}

func (s *runtimeState) newTokensCommand() *cobra.Command {
	root := &cobra.Command{Use: "tokens", Short: "Token list and metadata lookup"}

	var query string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the tokens of the active network",
		RunE: func(cmd *cobra.Command, args []string) error {
			network, err := s.pickNetwork(formFlags{})
			if err != nil {
				return err
			}
			reg := tokens.NewRegistry(network, s.cache, s.settings.TokenCacheTTL, s.logger)
			if strings.TrimSpace(query) == "" {
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), tokenInfos(reg.List()), nil, s.cacheMeta(), nil)
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			var warnings []string
			matches, message := reg.Search(ctx, s.publicReader(ctx, network), query)
			if message != "" {
				warnings = append(warnings, message)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), tokenInfos(matches), warnings, s.cacheMeta(), nil)
		},
	}
	list.Flags().StringVar(&query, "query", "", "Filter by address fragment; a full unlisted address is looked up on-chain")
	root.AddCommand(list)

	lookup := &cobra.Command{
		Use:   "lookup <address>",
		Short: "Read token metadata on-chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			network, err := s.pickNetwork(formFlags{})
			if err != nil {
				return err
			}
			reg := tokens.NewRegistry(network, s.cache, s.settings.TokenCacheTTL, s.logger)
			ctx, cancel := s.commandContext()
			defer cancel()
			tok, state := reg.Lookup(ctx, s.publicReader(ctx, network), args[0])
			switch state {
			case tokens.LookupFound, tokens.LookupKnown:
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), tokenInfo(*tok), nil, s.cacheMeta(), nil)
			case tokens.LookupInvalid:
				if !id.IsAddress(args[0]) {
					return clierr.New(clierr.CodeUsage, "token lookup requires a 0x address")
				}
				return clierr.New(clierr.CodeUnavailable, tokens.MsgNotFound)
			default:
				return clierr.New(clierr.CodeBusy, tokens.MsgLookingUp)
			}
		},
	}
	root.AddCommand(lookup)
	return root
}

// publicReader is the RPC reader of network, or nil when no endpoint can be
// dialled. Token reads treat nil as a failed read.
func (s *runtimeState) publicReader(ctx context.Context, network registry.Network) chain.Reader {
	reader, err := s.engine.readers.Reader(ctx, network, registry.ResolveRPCURLs(s.settings.RPCURLs, network), nil, 0)
	if err != nil {
		s.logger.Debug("no rpc reader", "network", network.Key, "err", err)
		return nil
	}
	return reader
}

func (s *runtimeState) newRouteCommand() *cobra.Command {
	root := &cobra.Command{Use: "route", Short: "Shared route helpers"}
	parse := &cobra.Command{
		Use:   "parse <route>",
		Short: "Parse a #/<chainId>/swap/<from>/<to> route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := id.ParseRoute(args[0])
			if r.ChainID == 0 && r.TokenIn == "" && r.TokenOut == "" {
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("%q is not a swap route", args[0]))
			}
			report := model.RouteReport{ChainID: r.ChainID, TokenIn: r.TokenIn, TokenOut: r.TokenOut}
			if network, ok := s.engine.catalogue.ByChainID(r.ChainID); ok {
				report.Network = network.Key
				s.lastNetwork = network.Key
				reg := tokens.NewRegistry(network, nil, 0, s.logger)
				from, okFrom := reg.Resolve(r.TokenIn, network.DefaultTokenIn)
				to, okTo := reg.Resolve(r.TokenOut, network.DefaultTokenOut)
				if okFrom && okTo {
					report.Canonical = id.FormatRoute(network.ChainID, from.Symbol, to.Address)
				}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), report, nil, cacheMetaBypass(), nil)
		},
	}
	root.AddCommand(parse)
	return root
}

func (s *runtimeState) newQuoteCommand() *cobra.Command {
	var form formFlags
	var wf walletFlags
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Quote a swap across every backend on the network",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.commandContext()
			defer cancel()
			sess, err := s.newReadSession(ctx, form, wf)
			if err != nil {
				return err
			}
			res, _ := sess.RunQuote(ctx)
			statuses := s.engine.providerStatuses(sess.Network(), res)
			s.captureCommandDiagnostics(res.Notices, statuses)
			if err := quoteError(res); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), quoteReport(sess, res), res.Notices, s.cacheMeta(), statuses)
		},
	}
	addFormFlags(cmd, &form)
	cmd.Flags().StringVar(&wf.privateKey, "private-key", "", "Hex private key used as the quote owner")
	return cmd
}

// newReadSession builds a session for a command that never signs. A
// configured key still provides the owner address.
func (s *runtimeState) newReadSession(ctx context.Context, form formFlags, wf walletFlags) (*session.Session, error) {
	network, err := s.pickNetwork(form)
	if err != nil {
		return nil, err
	}
	w, err := s.openWallet(network, wf, false, nil)
	if err != nil {
		return nil, err
	}
	return s.newSession(ctx, form, w, session.Options{})
}

// quoteError maps a round without a quote to an error.
func quoteError(res quote.Result) error {
	if res.Cleared {
		return clierr.New(clierr.CodeUsage, res.Status)
	}
	if res.Quote == nil {
		return clierr.New(clierr.CodeNoRoute, res.Status)
	}
	return nil
}

func quoteReport(sess *session.Session, res quote.Result) model.QuoteReport {
	in := sess.Inputs()
	report := model.QuoteReport{
		Network:     in.Network.Key,
		ChainID:     in.Network.ChainID,
		Route:       sess.Route(),
		FromToken:   tokenInfo(in.FromToken),
		ToToken:     tokenInfo(in.ToToken),
		AmountIn:    in.Amount,
		ToAmount:    res.ToAmount,
		MinOutInfo:  res.MinOutInfo,
		RouteInfo:   res.RouteInfo,
		SlippageBps: in.Slippage.Bps,
		Slippage:    in.Slippage.Label,
		Notices:     res.Notices,
		Status:      res.Status,
	}
	if q := res.Quote; q != nil {
		updated := q.UpdatedAt
		report.AmountInRaw = bigString(q.AmountIn)
		report.QuotedOut = bigString(q.QuotedOut)
		report.MinOut = bigString(q.MinOut)
		report.Source = string(q.Source)
		report.SourceLabel = q.SourceLabel
		report.Executable = q.Executable
		report.Spender = approval.Spender(q, in.Network)
		report.Receiver = q.Receiver
		report.UpdatedAt = &updated
	}
	for _, c := range res.Candidates {
		if !c.Positive() {
			continue
		}
		report.Candidates = append(report.Candidates, model.CandidateInfo{
			Source:     string(c.Source),
			Label:      c.Label(),
			QuotedOut:  c.QuotedOut.String(),
			Amount:     id.FormatUnits(c.QuotedOut, in.ToToken.Decimals),
			Executable: c.Executable,
			Spender:    c.Spender,
			Selected:   c == res.Selection.Selected,
		})
	}
	return report
}

func (s *runtimeState) newButtonCommand() *cobra.Command {
	var form formFlags
	var wf walletFlags
	cmd := &cobra.Command{
		Use:   "button",
		Short: "Show what pressing swap would do for the form",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.commandContext()
			defer cancel()
			sess, err := s.newReadSession(ctx, form, wf)
			if err != nil {
				return err
			}
			var res quote.Result
			if s.engine.aggregator.Quotable(sess.Inputs()) {
				res, _ = sess.RunQuote(ctx)
				s.captureCommandDiagnostics(res.Notices, s.engine.providerStatuses(sess.Network(), res))
			}
			button, _ := sess.RefreshButton(ctx)
			report := model.ButtonReport{
				Network: sess.Network().Key,
				Label:   button.Label,
				Enabled: button.Enabled,
			}
			if res.Quote != nil {
				report.Quote = res.ToAmount
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), report, s.lastWarnings, s.cacheMeta(), s.lastProviders)
		},
	}
	addFormFlags(cmd, &form)
	cmd.Flags().StringVar(&wf.privateKey, "private-key", "", "Hex private key of the wallet")
	return cmd
}

func (s *runtimeState) newBalanceCommand() *cobra.Command {
	var form formFlags
	var wf walletFlags
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show the wallet balance of the token being sold",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.commandContext()
			defer cancel()
			sess, err := s.newReadSession(ctx, form, wf)
			if err != nil {
				return err
			}
			bal, _ := sess.RefreshBalance(ctx)
			report := model.BalanceReport{
				Network:   sess.Network().Key,
				Owner:     bal.Owner,
				Token:     tokenInfo(bal.Token),
				Connected: bal.Connected,
				Balance:   bal.Display,
			}
			if bal.Amount != nil {
				report.Raw = bal.Amount.String()
			}
			var warnings []string
			if bal.Fillable {
				for _, bps := range session.FillPresets {
					amount, ok := sess.FillByBps(ctx, bps)
					if !ok {
						warnings = []string{sess.Status()}
						break
					}
					report.Fill = append(report.Fill, amount)
				}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), report, warnings, s.cacheMeta(), nil)
		},
	}
	addFormFlags(cmd, &form)
	cmd.Flags().StringVar(&wf.privateKey, "private-key", "", "Hex private key of the wallet")
	return cmd
}

func (s *runtimeState) newApprovalsCommand() *cobra.Command {
	root := &cobra.Command{Use: "approvals", Short: "Token allowance checks"}
	var form formFlags
	var wf walletFlags
	var owner string
	check := &cobra.Command{
		Use:   "check",
		Short: "Check whether the quoted route needs an approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.commandContext()
			defer cancel()
			sess, err := s.newReadSession(ctx, form, wf)
			if err != nil {
				return err
			}
			account := strings.TrimSpace(owner)
			if account == "" {
				account = wallet.Account(ctx, sess.Wallet(), false)
			}
			if !id.IsAddress(account) {
				return clierr.New(clierr.CodeUsage, "--owner is required without a signing key")
			}
			res, _ := sess.RunQuote(ctx)
			statuses := s.engine.providerStatuses(sess.Network(), res)
			s.captureCommandDiagnostics(res.Notices, statuses)
			if err := quoteError(res); err != nil {
				return err
			}
			reader, err := sess.Reader(ctx)
			if err != nil {
				return err
			}
			q := res.Quote
			network := sess.Network()
			st := s.engine.approvals.State(ctx, reader, network, account, q)
			report := model.ApprovalReport{
				Network:       network.Key,
				Owner:         account,
				Token:         q.FromToken.Address,
				Spender:       st.Spender,
				Source:        string(q.Source),
				Amount:        id.FormatUnits(q.AmountIn, q.FromToken.Decimals),
				Allowance:     displayUnits(st.Allowance, q.FromToken.Decimals),
				NeedsApproval: st.NeedsApproval,
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), report, res.Notices, s.cacheMeta(), statuses)
		},
	}
	addFormFlags(check, &form)
	check.Flags().StringVar(&owner, "owner", "", "Owner address (defaults to the signing key)")
	check.Flags().StringVar(&wf.privateKey, "private-key", "", "Hex private key of the owner")
	root.AddCommand(check)
	return root
}

func (s *runtimeState) newActionsCommand() *cobra.Command {
	root := &cobra.Command{Use: "actions", Short: "Journal of submitted approvals, swaps and orders"}

	var statusArg, providerArg string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded actions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.ensureActionStore(); err != nil {
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			// Only an explicit --network narrows the journal.
			network := ""
			if cmd.Flags().Changed("network") {
				network = s.settings.Network
			}
			items, err := s.actionStore.List(ctx, execution.ListFilter{
				Statuses: splitCSV(statusArg),
				Network:  network,
				Provider: providerArg,
				Limit:    limit,
			})
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list actions", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, cacheMetaBypass(), nil)
		},
	}
	list.Flags().StringVar(&statusArg, "status", "", "Filter by status (running,completed,failed)")
	list.Flags().StringVar(&providerArg, "provider", "", "Filter by quote source (cow,kyber,elfomo,contraparty)")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum number of actions")
	root.AddCommand(list)

	show := &cobra.Command{
		Use:   "show <action-id|tx-hash|order-uid>",
		Short: "Show one recorded action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.ensureActionStore(); err != nil {
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			action, err := s.actionStore.Find(ctx, args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, cacheMetaBypass(), nil)
		},
	}
	root.AddCommand(show)
	return root
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func tokenInfo(t id.Token) model.TokenInfo {
	return model.TokenInfo{
		Symbol:   t.Symbol,
		Name:     t.Name,
		Address:  t.Address,
		Decimals: t.Decimals,
		Native:   t.IsNative(),
	}
}

func tokenInfos(list []id.Token) []model.TokenInfo {
	out := make([]model.TokenInfo, 0, len(list))
	for _, t := range list {
		out = append(out, tokenInfo(t))
	}
	return out
}
