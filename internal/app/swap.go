package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/execution"
	"github.com/ggonzalez94/contraparty/internal/model"
	"github.com/ggonzalez94/contraparty/internal/quote"
	"github.com/ggonzalez94/contraparty/internal/schema"
	"github.com/ggonzalez94/contraparty/internal/session"
	"github.com/ggonzalez94/contraparty/internal/wallet"
)

// maxSwapRetriggers bounds how often --continue presses swap again after an
// approval or a chain switch.
const maxSwapRetriggers = 3

func (s *runtimeState) newSwapCommand() *cobra.Command {
	var form formFlags
	var wf walletFlags
	var yes, cont bool
	cmd := &cobra.Command{
		Use:   "swap",
		Short: "Quote and execute a swap with the local signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			network, err := s.pickNetwork(form)
			if err != nil {
				return err
			}
			confirm, err := s.confirmFunc(yes)
			if err != nil {
				return err
			}
			w, err := s.openWallet(network, wf, true, confirm)
			if err != nil {
				return err
			}
			if err := s.ensureActionStore(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			ind := s.newIndicator()
			defer ind.stop()
			trail := &statusLog{}
			seq := execution.NewSequencer(execution.Options{
				Catalogue:      s.engine.catalogue,
				RPCOverrides:   s.settings.RPCURLs,
				Approvals:      s.engine.approvals,
				Cow:            s.engine.trading,
				Kyber:          s.engine.kyber,
				Store:          s.actionStore,
				ReceiptTimeout: s.settings.ReceiptTimeout,
				PollInterval:   s.settings.ReceiptPoll,
				OnStatus: func(st execution.Status) {
					trail.add(st.String())
					ind.line(statusColor, st.String())
				},
				OnBusy: ind.busy,
				Logger: s.logger,
			})
			sess, err := s.newSession(ctx, form, w, session.Options{Activity: seq})
			if err != nil {
				return err
			}

			quoteCtx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
			ind.busy(quote.StatusFetching)
			res, _ := sess.RunQuote(quoteCtx)
			ind.busy("")
			cancel()
			providers := s.engine.providerStatuses(sess.Network(), res)
			s.captureCommandDiagnostics(res.Notices, providers)
			if err := quoteError(res); err != nil {
				return err
			}
			ind.line(quoteColor, quoteLine(res))

			report := model.SwapReport{
				Network: sess.Network().Key,
				Route:   sess.Route(),
				Account: w.Address().Hex(),
			}
			var last execution.Result
			for attempt := 0; ; attempt++ {
				mark := trail.len()
				last, err = seq.Submit(ctx, sess, w)
				if err != nil {
					return err
				}
				report.Attempts = append(report.Attempts, swapAttempt(last, trail.since(mark)))
				if !last.Again() || !cont || attempt >= maxSwapRetriggers {
					break
				}
			}

			warnings := append([]string(nil), res.Notices...)
			switch {
			case last.Phase == execution.PhaseConfirmed && !last.Again():
				report.Done = true
			case last.Again():
				warnings = append(warnings, "swap not finished: run swap again or pass --continue")
			default:
				s.captureCommandDiagnostics(append(warnings, trail.all()...), providers)
				return swapError(last)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), report, warnings, s.cacheMeta(), providers)
		},
	}
	schema.MarkSigns(cmd)
	addFormFlags(cmd, &form)
	addWalletFlags(cmd, &wf)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Approve every wallet request without prompting")
	cmd.Flags().BoolVar(&cont, "continue", false, "Press swap again after an approval or chain switch (at most 3 times)")
	return cmd
}

func swapAttempt(res execution.Result, statuses []string) model.SwapAttempt {
	return model.SwapAttempt{
		Phase:    string(res.Phase),
		Status:   res.Status.String(),
		Statuses: statuses,
		Approved: res.Approved,
		Switched: res.Switched,
		TxHash:   res.TxHash,
		URL:      res.Status.URL,
		OrderUID: res.OrderUID,
		ActionID: res.ActionID,
	}
}

// swapError maps an attempt that stopped without finishing to an error.
func swapError(res execution.Result) error {
	msg := res.Status.Message
	code := clierr.CodeUsage
	switch {
	case msg == wallet.MsgUserRejected:
		code = clierr.CodeUserRejected
	case res.Phase == execution.PhaseFailed:
		code = clierr.CodeExecution
	case msg == execution.MsgNoValidQuote, msg == execution.MsgRefreshFailed, msg == execution.MsgNotExecutable:
		code = clierr.CodeNoRoute
	case msg == execution.MsgConnectWallet:
		code = clierr.CodeSigner
	case strings.HasPrefix(msg, "Chain switch failed"):
		code = clierr.CodeChainMismatch
	}
	return clierr.New(code, msg)
}

func quoteLine(res quote.Result) string {
	q := res.Quote
	if q == nil {
		return res.Status
	}
	line := fmt.Sprintf("%s %s -> %s %s via %s (%s)",
		displayUnits(q.AmountIn, q.FromToken.Decimals), q.FromToken.Symbol,
		res.ToAmount, q.ToToken.Symbol, res.RouteInfo, res.MinOutInfo)
	if !q.Executable {
		line += " [quote only]"
	}
	return line
}

func (s *runtimeState) newWatchCommand() *cobra.Command {
	var form formFlags
	var wf walletFlags
	var duration time.Duration
	var fill int64
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the quote fresh, re-quoting on the refresh interval",
		Long:  "Keep the quote fresh, re-quoting on the refresh interval. Progress goes to stderr; the last quote is printed on exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fill < 0 || fill > 10_000 {
				return clierr.New(clierr.CodeUsage, "--fill must be between 0 and 10000 bps")
			}
			network, err := s.pickNetwork(form)
			if err != nil {
				return err
			}
			w, err := s.openWallet(network, wf, false, nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			ind := s.newIndicator()
			defer ind.stop()
			var (
				mu         sync.Mutex
				lastButton string
				lastQuote  quote.Result
			)
			sess, err := s.newSession(ctx, form, w, session.Options{
				OnStatus: func(message string) {
					if message == quote.StatusFetching {
						ind.busy(message)
						return
					}
					ind.busy("")
					ind.line(statusColor, message)
				},
				OnQuote: func(res quote.Result) {
					if res.Quote == nil {
						return
					}
					mu.Lock()
					lastQuote = res
					mu.Unlock()
					ind.line(quoteColor, quoteLine(res))
				},
				OnBalance: func(b session.Balance) {
					if b.Connected {
						ind.line(statusColor, fmt.Sprintf("Balance: %s %s", b.Display, b.Token.Symbol))
					}
				},
				OnButton: func(b session.Button) {
					mu.Lock()
					changed := b.Label != lastButton
					lastButton = b.Label
					mu.Unlock()
					if changed && b.Label != session.LabelGettingQuote {
						ind.line(warnColor, "["+b.Label+"]")
					}
				},
			})
			if err != nil {
				return err
			}

			sess.Start(ctx)
			defer sess.Stop()
			if _, ok := sess.RefreshBalance(ctx); ok && fill > 0 {
				if amount, ok := sess.FillByBps(ctx, fill); ok {
					sess.SetAmount(ctx, amount)
				} else {
					ind.line(errorColor, sess.Status())
				}
			}
			sess.ScheduleQuote(0)
			<-ctx.Done()
			sess.Stop()

			// A round cut short by the deadline must not hide the last quote.
			mu.Lock()
			res := lastQuote
			mu.Unlock()
			if res.Quote == nil {
				res = sess.LastResult()
			}
			providers := s.engine.providerStatuses(sess.Network(), res)
			s.captureCommandDiagnostics(res.Notices, providers)
			if res.Generation == 0 {
				return clierr.New(clierr.CodeUnavailable, "no quote round finished before watch ended")
			}
			if err := quoteError(res); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), quoteReport(sess, res), res.Notices, s.cacheMeta(), providers)
		},
	}
	addFormFlags(cmd, &form)
	cmd.Flags().StringVar(&wf.privateKey, "private-key", "", "Hex private key of the wallet")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (default: until interrupted)")
	cmd.Flags().Int64Var(&fill, "fill", 0, "Set the amount to this share of the balance in bps (10000, 5000, 2500)")
	return cmd
}

// statusLog records status lines in order.
type statusLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *statusLog) add(line string) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
}

func (l *statusLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func (l *statusLog) since(mark int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.lines[mark:]...)
}

func (l *statusLog) all() []string { return l.since(0) }

// indicator shows progress on a terminal stderr: a spinner while a step is
// busy and coloured status lines. It is silent otherwise.
type indicator struct {
	mu  sync.Mutex
	out io.Writer
	sp  *spinner.Spinner
}

func (s *runtimeState) newIndicator() *indicator {
	if !isTerminal(s.runner.stderr) {
		return &indicator{}
	}
	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(s.runner.stderr))
	return &indicator{out: s.runner.stderr, sp: sp}
}

func (i *indicator) busy(label string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sp == nil {
		return
	}
	if label == "" {
		i.sp.Stop()
		return
	}
	i.sp.Lock()
	i.sp.Suffix = " " + label
	i.sp.Unlock()
	i.sp.Start()
}

func (i *indicator) line(c *color.Color, msg string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.out == nil || msg == "" {
		return
	}
	active := i.sp.Active()
	if active {
		i.sp.Stop()
	}
	_, _ = c.Fprintln(i.out, msg)
	if active {
		i.sp.Start()
	}
}

func (i *indicator) stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sp != nil {
		i.sp.Stop()
	}
}
