package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess       Code = 0
	CodeInternal      Code = 1
	CodeUsage         Code = 2
	CodeAuth          Code = 10
	CodeRateLimited   Code = 11
	CodeUnavailable   Code = 12
	CodeUnsupported   Code = 13
	CodeStale         Code = 14
	CodeBlocked       Code = 16
	CodeNoRoute       Code = 17
	CodeUserRejected  Code = 18
	CodeChainMismatch Code = 19
	CodeExecution     Code = 20
	CodeSigner        Code = 21
	CodeBusy          Code = 22
)

var codeTypes = map[Code]string{
	CodeUsage:         "usage_error",
	CodeAuth:          "auth_error",
	CodeRateLimited:   "rate_limited",
	CodeUnavailable:   "provider_unavailable",
	CodeUnsupported:   "unsupported",
	CodeStale:         "stale_quote",
	CodeBlocked:       "command_blocked",
	CodeNoRoute:       "no_route",
	CodeUserRejected:  "user_rejected",
	CodeChainMismatch: "chain_mismatch",
	CodeExecution:     "execution_error",
	CodeSigner:        "signer_error",
	CodeBusy:          "busy",
}

// Type is the envelope error type for the code.
func (c Code) Type() string {
	if t, ok := codeTypes[c]; ok {
		return t
	}
	return "internal_error"
}

// Error is a typed CLI error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	cliErr, ok := As(err)
	return ok && cliErr.Code == code
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// Describe returns the code and message the error envelope shows. A typed
// error found through wrapping reports its own message, not the wrapper's.
func Describe(err error) (Code, string) {
	if err == nil {
		return CodeSuccess, ""
	}
	if cliErr, ok := As(err); ok {
		return cliErr.Code, cliErr.Error()
	}
	return CodeInternal, err.Error()
}

// Message returns the user-facing text of err without the code.
func Message(err error) string {
	_, msg := Describe(err)
	return msg
}
