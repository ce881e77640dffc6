// Package logging builds the process logger on top of go-ethereum's slog
// based log package. Engine code logs through the returned log.Logger;
// nothing writes to stdout, which is reserved for command output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/term"
)

const (
	FormatTerminal = "terminal"
	FormatJSON     = "json"
)

// ParseLevel accepts trace, debug, info, warn, error, crit and off.
func ParseLevel(raw string) (slog.Level, bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return log.LevelTrace, true, nil
	case "debug":
		return log.LevelDebug, true, nil
	case "", "info":
		return log.LevelInfo, true, nil
	case "warn", "warning":
		return log.LevelWarn, true, nil
	case "error":
		return log.LevelError, true, nil
	case "crit":
		return log.LevelCrit, true, nil
	case "off", "none":
		return log.LevelCrit, false, nil
	default:
		return log.LevelInfo, false, fmt.Errorf("unsupported log level %q", raw)
	}
}

// New returns a logger writing to w at the requested level and format.
func New(w io.Writer, level, format string) (log.Logger, error) {
	lvl, enabled, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if !enabled || w == nil {
		return log.NewLogger(log.DiscardHandler()), nil
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatTerminal:
		return log.NewLogger(log.NewTerminalHandlerWithLevel(w, lvl, isColorTerminal(w))), nil
	case FormatJSON:
		return log.NewLogger(log.JSONHandlerWithLevel(w, lvl)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// Discard is used by tests and library callers that do not care about logs.
func Discard() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

func isColorTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
