// Package quote aggregates candidates from every configured backend, picks
// the route to execute and tracks whether the held quote still matches the
// live inputs.
package quote

import (
	"math/big"
	"strings"
	"time"

	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/providers"
)

const NoRouteLabel = "No route available"

// Quote is the selected candidate of a successful round. It is only valid
// for the exact network, pair and amount it was computed for.
type Quote struct {
	Source        providers.Source  `json:"source"`
	SourceLabel   string            `json:"source_label"`
	NetworkKey    string            `json:"network"`
	ChainID       int64             `json:"chain_id"`
	CowChainID    int64             `json:"cow_chain_id,omitempty"`
	FromToken     id.Token          `json:"from_token"`
	ToToken       id.Token          `json:"to_token"`
	AmountIn      *big.Int          `json:"amount_in"`
	QuotedOut     *big.Int          `json:"quoted_out"`
	MinOut        *big.Int          `json:"min_out"`
	SlippageBps   int64             `json:"slippage_bps"`
	SlippageLabel string            `json:"slippage_label"`
	Receiver      string            `json:"receiver"`
	Spender       string            `json:"spender,omitempty"`
	Executable    bool              `json:"executable"`
	Payload       providers.Payload `json:"payload,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Positive reports whether the quote carries a usable output.
func (q *Quote) Positive() bool {
	return q != nil && q.QuotedOut != nil && q.QuotedOut.Sign() > 0
}

// MinOutput computes quotedOut - floor(quotedOut*bps/10000), floored at zero.
func MinOutput(quotedOut *big.Int, bps int64) *big.Int {
	if quotedOut == nil {
		return new(big.Int)
	}
	cut := new(big.Int).Mul(quotedOut, big.NewInt(bps))
	cut.Quo(cut, big.NewInt(10_000))
	out := new(big.Int).Sub(quotedOut, cut)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}

// Live is the current state of the inputs a quote is checked against.
type Live struct {
	NetworkKey string
	FromToken  id.Token
	ToToken    id.Token
	Amount     string
}

// IsStale reports whether q no longer matches the live inputs. A missing
// quote or an amount that fails to parse is always stale.
func IsStale(q *Quote, live Live) bool {
	if q == nil {
		return true
	}
	if q.NetworkKey != live.NetworkKey {
		return true
	}
	if !id.SameAddress(q.FromToken.Address, live.FromToken.Address) || !id.SameAddress(q.ToToken.Address, live.ToToken.Address) {
		return true
	}
	amount, err := id.ParseUnits(strings.TrimSpace(live.Amount), live.FromToken.Decimals)
	if err != nil || q.AmountIn == nil {
		return true
	}
	return amount.Cmp(q.AmountIn) != 0
}
