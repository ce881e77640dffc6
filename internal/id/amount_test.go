package id

import (
	"math/big"
	"testing"
)

func TestParseUnitsDecimal(t *testing.T) {
	got, err := ParseUnits("1.5", 18)
	if err != nil {
		t.Fatalf("ParseUnits failed: %v", err)
	}
	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Fatalf("unexpected value %s", got)
	}
}

func TestParseUnitsRoundsExcessPrecision(t *testing.T) {
	got, err := ParseUnits("1.2345675", 6)
	if err != nil {
		t.Fatalf("ParseUnits failed: %v", err)
	}
	if got.String() != "1234568" {
		t.Fatalf("expected half-up rounding, got %s", got)
	}
	got, _ = ParseUnits("0.9999999", 6)
	if got.String() != "1000000" {
		t.Fatalf("expected carry into integer part, got %s", got)
	}
	got, _ = ParseUnits("2.4", 0)
	if got.String() != "2" {
		t.Fatalf("expected round down with zero decimals, got %s", got)
	}
}

func TestParseUnitsRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", ".", "abc", "1.2.3", "1e5", "--1"} {
		if _, err := ParseUnits(raw, 6); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
	got, err := ParseUnits("-1", 6)
	if err != nil {
		t.Fatalf("negative amounts parse for caller-side rejection: %v", err)
	}
	if got.Sign() >= 0 {
		t.Fatalf("expected negative value, got %s", got)
	}
}

func TestFormatUnitsRoundTrip(t *testing.T) {
	values := []string{"0", "1", "10", "123456789", "1000000000000000000", "999999999999999999999"}
	for _, decimals := range []int{0, 6, 8, 18} {
		for _, raw := range values {
			v, _ := new(big.Int).SetString(raw, 10)
			back, err := ParseUnits(FormatUnits(v, decimals), decimals)
			if err != nil {
				t.Fatalf("round trip parse failed for %s/%d: %v", raw, decimals, err)
			}
			if back.Cmp(v) != 0 {
				t.Fatalf("round trip mismatch for %s/%d: %s", raw, decimals, back)
			}
		}
	}
}

func TestFormatUnitsTrimsZeros(t *testing.T) {
	if got := FormatUnits(big.NewInt(2000000000), 6); got != "2000" {
		t.Fatalf("unexpected format %s", got)
	}
	if got := FormatUnits(big.NewInt(1990000000), 6); got != "1990" {
		t.Fatalf("unexpected format %s", got)
	}
	if got := FormatUnits(big.NewInt(1500), 6); got != "0.0015" {
		t.Fatalf("unexpected format %s", got)
	}
}

func TestFormatBalanceTruncates(t *testing.T) {
	v, _ := new(big.Int).SetString("1234567899999999999", 10)
	if got := FormatBalance(v, 18); got != "1.234567" {
		t.Fatalf("expected truncation, got %s", got)
	}
	if got := FormatBalance(big.NewInt(-5), 6); got != "0" {
		t.Fatalf("expected negative clamp, got %s", got)
	}
	if got := FormatBalance(big.NewInt(1), 18); got != "0" {
		t.Fatalf("expected dust to render as 0, got %s", got)
	}
}

func TestParseBigIntLike(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"0x10", "16"},
		{" 42 ", "42"},
		{float64(7.9), "7"},
		{float64(-1), "0"},
		{"1.5", "0"},
		{"", "0"},
		{true, "0"},
		{nil, "0"},
	}
	for _, tc := range cases {
		if got := ParseBigIntLike(tc.in).String(); got != tc.want {
			t.Fatalf("ParseBigIntLike(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
