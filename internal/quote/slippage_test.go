package quote

import (
	"math/big"
	"testing"
)

func TestResolveSlippageModes(t *testing.T) {
	cases := map[string]struct {
		mode, custom string
		bps          int64
		label        string
		warning      bool
	}{
		"auto":           {mode: "auto", bps: 50, label: "Auto (0.5%)"},
		"preset tenth":   {mode: "0.1", bps: 10, label: "0.1%"},
		"preset one":     {mode: "1", bps: 100, label: "1%"},
		"unknown preset": {mode: "7", bps: 50, label: "Auto (0.5%)"},
		"custom":         {mode: "custom", custom: "1.25", bps: 125, label: "1.25%"},
		"custom zero":    {mode: "custom", custom: "0", bps: 0, label: "0%"},
		"custom max":     {mode: "custom", custom: "50", bps: 5000, label: "50%"},
		"custom over":    {mode: "custom", custom: "50.01", bps: 50, label: "Auto (0.5%)", warning: true},
		"custom digits":  {mode: "custom", custom: "0.125", bps: 50, label: "Auto (0.5%)", warning: true},
		"custom text":    {mode: "custom", custom: "abc", bps: 50, label: "Auto (0.5%)", warning: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := ResolveSlippage(tc.mode, tc.custom)
			if got.Bps != tc.bps || got.Label != tc.label {
				t.Fatalf("unexpected slippage %+v", got)
			}
			if (got.Warning != "") != tc.warning {
				t.Fatalf("unexpected warning %q", got.Warning)
			}
		})
	}
}

func TestParseCustomSlippageTrailingDot(t *testing.T) {
	bps, ok := ParseCustomSlippage("3.")
	if !ok || bps != 300 {
		t.Fatalf("expected 300 bps, got %d ok=%v", bps, ok)
	}
}

func TestMinOutputFloorsAtZero(t *testing.T) {
	q := big.NewInt(2_000_000_000)
	if got := MinOutput(q, 0); got.Cmp(q) != 0 {
		t.Fatalf("bps 0 must keep amount, got %s", got)
	}
	if got := MinOutput(q, 50); got.String() != "1990000000" {
		t.Fatalf("unexpected min out %s", got)
	}
	if got := MinOutput(q, 10_000); got.Sign() != 0 {
		t.Fatalf("expected zero, got %s", got)
	}
	if got := MinOutput(big.NewInt(3), 5000); got.String() != "2" {
		t.Fatalf("expected floor of the cut, got %s", got)
	}
}
