// Package cow integrates the CoW Protocol batch auction: sell-order quotes
// for aggregation and signed off-chain orders for execution.
package cow

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/httpx"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/model"
	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

const OrderKindSell = "sell"

type Client struct {
	http    *httpx.Client
	baseURL string
	log     log.Logger
}

func New(httpClient *httpx.Client, baseURL string, logger log.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = registry.CowAPIBaseURL
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Client{http: httpClient, baseURL: strings.TrimRight(baseURL, "/"), log: logger}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "cow",
		Type:         "swap",
		RequiresKey:  false,
		Capabilities: []string{"swap.quote", "swap.order"},
	}
}

func (c *Client) Source() providers.Source { return providers.SourceCow }

func (c *Client) Configured(network registry.Network) bool { return network.HasCow() }

// QuoteRequest is the body of POST /api/v1/quote.
type QuoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	From                string `json:"from"`
	Receiver            string `json:"receiver"`
	Kind                string `json:"kind"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	AppData             string `json:"appData,omitempty"`
	AppDataHash         string `json:"appDataHash,omitempty"`
	SigningScheme       string `json:"signingScheme,omitempty"`
}

// QuoteResponse is the subset of the quote reply used here.
type QuoteResponse struct {
	Quote struct {
		SellToken  string `json:"sellToken"`
		BuyToken   string `json:"buyToken"`
		Receiver   string `json:"receiver"`
		SellAmount string `json:"sellAmount"`
		BuyAmount  string `json:"buyAmount"`
		FeeAmount  string `json:"feeAmount"`
		ValidTo    int64  `json:"validTo"`
		Kind       string `json:"kind"`
	} `json:"quote"`
	From string `json:"from"`
	ID   *int64 `json:"id"`
}

func (c *Client) Quote(ctx context.Context, req providers.Request) *providers.Candidate {
	if !c.Configured(req.Network) || req.AmountIn == nil {
		return nil
	}
	resp, err := c.PostQuote(ctx, req.Network.CowChainID, QuoteRequest{
		SellToken:           req.TokenIn.Address,
		BuyToken:            req.TokenOut.Address,
		From:                req.Owner,
		Receiver:            req.Receiver,
		Kind:                OrderKindSell,
		SellAmountBeforeFee: req.AmountIn.String(),
	})
	if err != nil {
		c.log.Debug("quote backend failed", "source", providers.SourceCow, "err", err)
		return nil
	}
	out := id.ParsePositiveInt(resp.Quote.BuyAmount)
	if out.Sign() <= 0 {
		return nil
	}
	relayer := registry.CowVaultRelayerFor(req.Network.CowChainID)
	return &providers.Candidate{
		Source:     providers.SourceCow,
		QuotedOut:  out,
		Spender:    relayer,
		Executable: true,
		Payload:    providers.CowOrderPayload{CowChainID: req.Network.CowChainID, VaultRelayer: relayer},
	}
}

// PostQuote requests a sell quote. Only a 2xx reply is accepted.
func (c *Client) PostQuote(ctx context.Context, cowChainID int64, body QuoteRequest) (QuoteResponse, error) {
	endpoint, ok := registry.CowQuoteURLWithBase(c.baseURL, cowChainID)
	if !ok {
		return QuoteResponse{}, clierr.New(clierr.CodeUnsupported, "CoW Protocol is not configured for this chain.")
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return QuoteResponse{}, clierr.Wrap(clierr.CodeInternal, "encode cow quote request", err)
	}
	resp, err := httpx.DoBody(ctx, c.http, http.MethodPost, endpoint, buf, nil)
	if err != nil {
		return QuoteResponse{}, err
	}
	if !resp.OK() {
		return QuoteResponse{}, apiError(resp, "cow quote rejected")
	}
	var out QuoteResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return QuoteResponse{}, clierr.Wrap(clierr.CodeUnavailable, "decode cow quote", err)
	}
	return out, nil
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
}

func apiError(resp *httpx.Response, fallback string) error {
	var payload errorResponse
	_ = json.Unmarshal(resp.Body, &payload)
	msg := strings.TrimSpace(payload.Description)
	if msg == "" {
		msg = strings.TrimSpace(payload.ErrorType)
	}
	if msg == "" {
		msg = fallback
	}
	code := clierr.CodeUnavailable
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		code = clierr.CodeNoRoute
	}
	return clierr.New(code, msg)
}
