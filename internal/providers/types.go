// Package providers defines the contract shared by quote backends and the
// candidate shape they produce.
package providers

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ggonzalez94/contraparty/internal/chain"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/model"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

// Source identifies the backend that produced a candidate.
type Source string

const (
	SourceCow         Source = "cow"
	SourceElfomo      Source = "elfomo"
	SourceContraparty Source = "contraparty"
	SourceKyber       Source = "kyber"
)

// Order in which candidates are compared. Ties keep the earlier source.
var SourceOrder = []Source{SourceCow, SourceElfomo, SourceContraparty, SourceKyber}

func (s Source) Label() string {
	switch s {
	case SourceCow:
		return "CoW Protocol"
	case SourceElfomo:
		return "ElfomoFi"
	case SourceContraparty:
		return "Contraparty"
	case SourceKyber:
		return "KyberSwap (Backup)"
	default:
		return string(s)
	}
}

// VenueName is the label used in execution status lines.
func (s Source) VenueName() string {
	switch s {
	case SourceKyber:
		return "KyberSwap"
	default:
		return s.Label()
	}
}

func ParseSource(raw string) (Source, bool) {
	switch Source(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceCow:
		return SourceCow, true
	case SourceElfomo:
		return SourceElfomo, true
	case SourceContraparty:
		return SourceContraparty, true
	case SourceKyber:
		return SourceKyber, true
	default:
		return "", false
	}
}

// Request is one aggregation round's input as seen by a backend.
type Request struct {
	Network  registry.Network
	TokenIn  id.Token
	TokenOut id.Token
	AmountIn *big.Int
	Owner    string
	Receiver string
	Reader   chain.Reader
}

// Payload is the backend-specific part of a candidate.
type Payload interface {
	source() Source
}

// DirectCallPayload is used by the on-chain quoters: execution calls swap on
// the quoting contract itself.
type DirectCallPayload struct {
	Contract string `json:"contract"`
	Via      Source `json:"via"`
}

func (p DirectCallPayload) source() Source { return p.Via }

// CowOrderPayload carries what is needed to sign and post an order.
type CowOrderPayload struct {
	CowChainID   int64  `json:"cow_chain_id"`
	VaultRelayer string `json:"vault_relayer"`
}

func (CowOrderPayload) source() Source { return SourceCow }

// KyberRoutePayload keeps the opaque route summary for the build step.
type KyberRoutePayload struct {
	ChainSlug     string          `json:"chain_slug"`
	RouterAddress string          `json:"router_address"`
	RouteSummary  json.RawMessage `json:"route_summary"`
}

func (KyberRoutePayload) source() Source { return SourceKyber }

// Candidate is one backend's result within a single aggregation round.
type Candidate struct {
	Source     Source
	QuotedOut  *big.Int
	Spender    string
	Executable bool
	Payload    Payload
}

func (c *Candidate) Label() string { return c.Source.Label() }

// Positive reports whether the candidate carries a usable amount.
func (c *Candidate) Positive() bool {
	return c != nil && c.QuotedOut != nil && c.QuotedOut.Sign() > 0
}

// Backend produces candidates. Quote never returns an error: transport,
// decoding and liquidity failures all yield nil.
type Backend interface {
	Info() model.ProviderInfo
	Source() Source
	Configured(network registry.Network) bool
	Quote(ctx context.Context, req Request) *Candidate
}
