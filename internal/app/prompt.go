package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/execution/signer"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/wallet"
)

func isTerminal(v any) bool {
	f, ok := v.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// confirmFunc returns how wallet requests are approved. --yes approves
// everything; otherwise the operator is asked on the terminal, and a
// non-interactive session without --yes is refused.
func (s *runtimeState) confirmFunc(yes bool) (wallet.ConfirmFunc, error) {
	if yes {
		return wallet.AutoConfirm, nil
	}
	in := s.runner.stdin
	if !isTerminal(in) {
		return nil, clierr.New(clierr.CodeUsage, "refusing to sign without --yes on a non-interactive terminal")
	}
	return newTerminalConfirm(in, s.runner.stderr), nil
}

func newTerminalConfirm(in io.Reader, out io.Writer) wallet.ConfirmFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, p wallet.Prompt) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		_, _ = fmt.Fprintln(out, color.YellowString(describePrompt(p)))
		_, _ = fmt.Fprint(out, "Continue? (y/N): ")
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return false, nil
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	}
}

func describePrompt(p wallet.Prompt) string {
	switch p.Kind {
	case wallet.PromptSwitchChain:
		return fmt.Sprintf("Switch wallet to chain %d", p.ChainID)
	case wallet.PromptAddChain:
		return fmt.Sprintf("Add chain %d to wallet", p.ChainID)
	case wallet.PromptSignature:
		msg := fmt.Sprintf("Sign order on chain %d", p.ChainID)
		if p.Summary != "" {
			msg += ": " + p.Summary
		}
		return msg
	default:
		msg := fmt.Sprintf("Send transaction to %s on chain %d", id.ShortAddress(p.To), p.ChainID)
		if p.Value != nil && p.Value.Sign() > 0 {
			msg += fmt.Sprintf(" with value %s", id.FormatUnits(p.Value, 18))
		}
		if p.Summary != "" {
			msg += " (" + p.Summary + ")"
		}
		return msg
	}
}

// passwordPrompt reads a keystore password without echo. It is nil when
// stdin is not a terminal, so keystores then need a password file.
func (s *runtimeState) passwordPrompt() signer.PasswordPrompt {
	f, ok := s.runner.stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	out := s.runner.stderr
	return func(path string) (string, error) {
		_, _ = fmt.Fprintf(out, "Keystore password for %s: ", path)
		buf, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(buf)), nil
	}
}

var (
	statusColor = color.New(color.FgCyan)
	quoteColor  = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed)
)

func displayUnits(v *big.Int, decimals int) string {
	if v == nil {
		return "-"
	}
	return id.FormatUnits(v, decimals)
}
