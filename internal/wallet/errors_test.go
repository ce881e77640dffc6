package wallet

import (
	"errors"
	"fmt"
	"testing"

	clierr "github.com/ggonzalez94/contraparty/internal/errors"
)

type codedError struct{ code int }

func (e codedError) Error() string  { return "provider error" }
func (e codedError) ErrorCode() int { return e.code }

func TestIsUserRejectedShapes(t *testing.T) {
	cases := map[string]error{
		"code":            &RPCError{Code: 4001},
		"rpc code":        codedError{code: 4001},
		"name":            &RPCError{Name: "UserRejectedRequestError"},
		"short message":   &RPCError{ShortMessage: "User denied transaction signature."},
		"details":         &RPCError{Details: "MetaMask Tx Signature: User denied"},
		"plain":           errors.New("Request rejected by user"),
		"wrapped":         fmt.Errorf("send: %w", &RPCError{Code: 4001}),
		"cli code":        clierr.New(clierr.CodeUserRejected, "declined"),
		"deep cause":      clierr.Wrap(clierr.CodeExecution, "swap", fmt.Errorf("a: %w", fmt.Errorf("b: %w", &RPCError{Code: 4001}))),
		"rejected phrase": &RPCError{Message: "The user rejected the request."},
	}
	for name, err := range cases {
		if !IsUserRejected(err) {
			t.Fatalf("%s: expected rejection for %v", name, err)
		}
	}
}

func TestIsUserRejectedNegatives(t *testing.T) {
	for _, err := range []error{
		nil,
		errors.New("execution reverted"),
		&RPCError{Code: 4902, Message: "Unrecognized chain"},
		codedError{code: -32000},
	} {
		if IsUserRejected(err) {
			t.Fatalf("unexpected rejection for %v", err)
		}
	}
}

func TestIsUserRejectedStopsAtDepth(t *testing.T) {
	var err error = &RPCError{Code: 4001}
	for i := 0; i < 7; i++ {
		err = &RPCError{Message: fmt.Sprintf("layer %d", i), Cause: err}
	}
	if IsUserRejected(err) {
		t.Fatal("expected rejection beyond the walk depth to be ignored")
	}
}

func TestErrorMessage(t *testing.T) {
	if got := ErrorMessage(nil, ""); got != "Request failed." {
		t.Fatalf("unexpected fallback %q", got)
	}
	if got := ErrorMessage(&RPCError{ShortMessage: " short ", Message: "long"}, ""); got != "short" {
		t.Fatalf("expected short message, got %q", got)
	}
	if got := ErrorMessage(&RPCError{Message: "long"}, ""); got != "long" {
		t.Fatalf("expected message, got %q", got)
	}
	if got := ErrorMessage(errors.New("boom"), "x"); got != "boom" {
		t.Fatalf("expected error text, got %q", got)
	}
	if got := ErrorCode(fmt.Errorf("wrap: %w", &RPCError{Code: 4902})); got != 4902 {
		t.Fatalf("expected 4902, got %d", got)
	}
}
