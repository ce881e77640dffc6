package wallet

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	clierr "github.com/ggonzalez94/contraparty/internal/errors"
)

// EIP-1193 provider error codes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnrecognizedChain = 4902
)

const (
	MsgUserRejected   = "User rejected the request."
	defaultErrMessage = "Request failed."
	maxCauseDepth     = 6
)

var rejectionPhrases = []string{
	"user rejected",
	"rejected the request",
	"user denied",
	"denied transaction signature",
	"request rejected",
}

// RPCError is a wallet provider error. It satisfies rpc.Error so codes survive
// transports that only know about go-ethereum's error interface.
type RPCError struct {
	Code         int
	Name         string
	Message      string
	ShortMessage string
	Details      string
	Cause        error
}

func (e *RPCError) Error() string {
	if msg := strings.TrimSpace(e.ShortMessage); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		return msg
	}
	return defaultErrMessage
}

func (e *RPCError) Unwrap() error { return e.Cause }

func (e *RPCError) ErrorCode() int { return e.Code }

// Rejected builds the error returned when the user declines a prompt.
func Rejected() *RPCError {
	return &RPCError{Code: CodeUserRejected, Name: "UserRejectedRequestError", Message: MsgUserRejected}
}

// ErrorCode extracts a provider error code from err, or 0.
func ErrorCode(err error) int {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode()
	}
	return 0
}

// IsUserRejected recognizes a user rejection anywhere in the first few
// links of err's cause chain.
func IsUserRejected(err error) bool {
	current := err
	for depth := 0; current != nil && depth < maxCauseDepth; depth++ {
		if clierr.Is(current, clierr.CodeUserRejected) {
			return true
		}
		var text string
		switch typed := current.(type) {
		case *RPCError:
			if typed.Code == CodeUserRejected {
				return true
			}
			name := strings.ToLower(typed.Name)
			if strings.Contains(name, "userrejected") || strings.Contains(name, "rejectedrequest") {
				return true
			}
			text = typed.ShortMessage + "\n" + typed.Message + "\n" + typed.Details
		case rpc.Error:
			if typed.ErrorCode() == CodeUserRejected {
				return true
			}
			text = typed.Error()
		default:
			text = current.Error()
		}
		text = strings.ToLower(text)
		for _, phrase := range rejectionPhrases {
			if strings.Contains(text, phrase) {
				return true
			}
		}
		current = errors.Unwrap(current)
	}
	return false
}

// ErrorMessage is the most specific human-readable message err carries.
func ErrorMessage(err error, fallback string) string {
	if fallback == "" {
		fallback = defaultErrMessage
	}
	if err == nil {
		return fallback
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		if msg := strings.TrimSpace(rpcErr.ShortMessage); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(rpcErr.Message); msg != "" {
			return msg
		}
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return fallback
}
