package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Network   string           `json:"network,omitempty"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Cache     CacheStatus      `json:"cache"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

type ProviderInfo struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	RequiresKey  bool     `json:"requires_key"`
	Capabilities []string `json:"capabilities"`
	Networks     []string `json:"networks,omitempty"`
}

// TokenInfo is a listed or looked-up token.
type TokenInfo struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name,omitempty"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
	Native   bool   `json:"native"`
}

type NetworkInfo struct {
	Key             string   `json:"key"`
	Label           string   `json:"label"`
	ChainID         int64    `json:"chain_id"`
	CowChainID      int64    `json:"cow_chain_id,omitempty"`
	Supported       bool     `json:"supported"`
	Default         bool     `json:"default"`
	Sources         []string `json:"sources"`
	PreferredSource string   `json:"preferred_source,omitempty"`
	DefaultTokenIn  string   `json:"default_token_in"`
	DefaultTokenOut string   `json:"default_token_out"`
	RPCURLs         []string `json:"rpc_urls"`
	Explorer        string   `json:"explorer,omitempty"`
}

// CandidateInfo is one backend's positive result in a quote round.
type CandidateInfo struct {
	Source     string `json:"source"`
	Label      string `json:"label"`
	QuotedOut  string `json:"quoted_out"`
	Amount     string `json:"amount"`
	Executable bool   `json:"executable"`
	Spender    string `json:"spender,omitempty"`
	Selected   bool   `json:"selected"`
}

type QuoteReport struct {
	Network     string          `json:"network"`
	ChainID     int64           `json:"chain_id"`
	Route       string          `json:"route"`
	FromToken   TokenInfo       `json:"from_token"`
	ToToken     TokenInfo       `json:"to_token"`
	AmountIn    string          `json:"amount_in"`
	AmountInRaw string          `json:"amount_in_raw,omitempty"`
	ToAmount    string          `json:"to_amount"`
	QuotedOut   string          `json:"quoted_out,omitempty"`
	MinOut      string          `json:"min_out,omitempty"`
	MinOutInfo  string          `json:"min_out_info"`
	RouteInfo   string          `json:"route_info"`
	Source      string          `json:"source,omitempty"`
	SourceLabel string          `json:"source_label,omitempty"`
	Executable  bool            `json:"executable"`
	Spender     string          `json:"spender,omitempty"`
	Receiver    string          `json:"receiver,omitempty"`
	SlippageBps int64           `json:"slippage_bps"`
	Slippage    string          `json:"slippage"`
	Candidates  []CandidateInfo `json:"candidates,omitempty"`
	Notices     []string        `json:"notices,omitempty"`
	Status      string          `json:"status"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
}

type BalanceReport struct {
	Network   string    `json:"network"`
	Owner     string    `json:"owner,omitempty"`
	Token     TokenInfo `json:"token"`
	Connected bool      `json:"connected"`
	Balance   string    `json:"balance"`
	Raw       string    `json:"raw,omitempty"`
	Fill      []string  `json:"fill,omitempty"`
}

type ButtonReport struct {
	Network string `json:"network"`
	Label   string `json:"label"`
	Enabled bool   `json:"enabled"`
	Quote   string `json:"quote,omitempty"`
}

type ApprovalReport struct {
	Network       string `json:"network"`
	Owner         string `json:"owner"`
	Token         string `json:"token"`
	Spender       string `json:"spender,omitempty"`
	Source        string `json:"source"`
	Amount        string `json:"amount"`
	Allowance     string `json:"allowance"`
	NeedsApproval bool   `json:"needs_approval"`
}

// SwapAttempt is one press of the swap button.
type SwapAttempt struct {
	Phase    string   `json:"phase"`
	Status   string   `json:"status"`
	Statuses []string `json:"statuses"`
	Approved bool     `json:"approved,omitempty"`
	Switched bool     `json:"switched,omitempty"`
	TxHash   string   `json:"tx_hash,omitempty"`
	URL      string   `json:"url,omitempty"`
	OrderUID string   `json:"order_uid,omitempty"`
	ActionID string   `json:"action_id,omitempty"`
}

type SwapReport struct {
	Network  string        `json:"network"`
	Route    string        `json:"route"`
	Account  string        `json:"account,omitempty"`
	Attempts []SwapAttempt `json:"attempts"`
	Done     bool          `json:"done"`
}

type RouteReport struct {
	ChainID   int64  `json:"chain_id"`
	Network   string `json:"network,omitempty"`
	TokenIn   string `json:"token_in,omitempty"`
	TokenOut  string `json:"token_out,omitempty"`
	Canonical string `json:"canonical,omitempty"`
}
