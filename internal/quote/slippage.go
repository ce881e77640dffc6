package quote

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const AutoSlippageBps int64 = 50

const (
	SlippageModeAuto   = "auto"
	SlippageModeCustom = "custom"
)

const customSlippageWarning = "Custom slippage must be a number between 0 and 50 with up to 2 decimals."

var (
	customSlippagePattern = regexp.MustCompile(`^\d+(\.\d{0,2})?$`)
	slippagePresetBps     = map[string]int64{"0.1": 10, "0.5": 50, "1": 100}
)

// Slippage is the tolerance applied to a quoted amount. It is derived from
// the configured mode every time it is needed.
type Slippage struct {
	Bps     int64  `json:"bps"`
	Label   string `json:"label"`
	Warning string `json:"warning,omitempty"`
}

func autoSlippage(warning string) Slippage {
	return Slippage{Bps: AutoSlippageBps, Label: "Auto (" + SlippageLabel(AutoSlippageBps) + ")", Warning: warning}
}

// ResolveSlippage maps a mode (auto, a preset percentage or custom) to a
// tolerance. An invalid custom value falls back to auto with a warning.
func ResolveSlippage(mode, custom string) Slippage {
	mode = strings.ToLower(strings.TrimSpace(mode))
	switch mode {
	case "", SlippageModeAuto:
		return autoSlippage("")
	case SlippageModeCustom:
		bps, ok := ParseCustomSlippage(custom)
		if !ok {
			return autoSlippage(customSlippageWarning)
		}
		return Slippage{Bps: bps, Label: SlippageLabel(bps)}
	}
	preset, ok := slippagePresetBps[mode]
	if !ok {
		return autoSlippage("")
	}
	return Slippage{Bps: preset, Label: SlippageLabel(preset)}
}

// SlippagePresets lists the accepted preset modes.
func SlippagePresets() []string {
	return []string{"0.1", "0.5", "1"}
}

// ParseCustomSlippage accepts a percentage between 0 and 50 with at most two
// decimals and returns it in basis points.
func ParseCustomSlippage(raw string) (int64, bool) {
	clean := strings.TrimSpace(raw)
	if !customSlippagePattern.MatchString(clean) {
		return 0, false
	}
	pct, err := strconv.ParseFloat(clean, 64)
	if err != nil || pct < 0 || pct > 50 {
		return 0, false
	}
	whole, frac, _ := strings.Cut(clean, ".")
	frac = (frac + "00")[:2]
	bps, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return bps, true
}

// SlippageLabel renders bps as a percentage with the fewest decimals needed.
func SlippageLabel(bps int64) string {
	if bps < 0 {
		return "0%"
	}
	switch {
	case bps%100 == 0:
		return fmt.Sprintf("%d%%", bps/100)
	case bps%10 == 0:
		return fmt.Sprintf("%.1f%%", float64(bps)/100)
	default:
		return fmt.Sprintf("%.2f%%", float64(bps)/100)
	}
}
