// Package kyber is the aggregator backend: routes are fetched at quote time
// and materialized into a transaction by a second build call at execution.
package kyber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ggonzalez94/contraparty/internal/chain"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/httpx"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/model"
	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

const defaultSlippageBps = 50

type Client struct {
	http    *httpx.Client
	baseURL string
	log     log.Logger
}

func New(httpClient *httpx.Client, baseURL string, logger log.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = registry.KyberAPIBaseURL
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Client{http: httpClient, baseURL: strings.TrimRight(baseURL, "/"), log: logger}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "kyberswap",
		Type:         "swap",
		RequiresKey:  false,
		Capabilities: []string{"swap.quote", "swap.build"},
	}
}

func (c *Client) Source() providers.Source { return providers.SourceKyber }

func (c *Client) Configured(network registry.Network) bool { return network.HasKyber() }

type routesResponse struct {
	Data struct {
		RouteSummary  json.RawMessage `json:"routeSummary"`
		RouterAddress string          `json:"routerAddress"`
	} `json:"data"`
}

type routeSummary struct {
	AmountOut any `json:"amountOut"`
}

func (c *Client) Quote(ctx context.Context, req providers.Request) *providers.Candidate {
	if !c.Configured(req.Network) || req.AmountIn == nil {
		return nil
	}
	slug := registry.KyberChainSlug(req.Network.ChainID)
	cand, err := c.quote(ctx, slug, req)
	if err != nil {
		c.log.Debug("quote backend failed", "source", providers.SourceKyber, "slug", slug, "err", err)
		return nil
	}
	return cand
}

func (c *Client) quote(ctx context.Context, slug string, req providers.Request) (*providers.Candidate, error) {
	vals := url.Values{}
	vals.Set("tokenIn", req.TokenIn.Address)
	vals.Set("tokenOut", req.TokenOut.Address)
	vals.Set("amountIn", req.AmountIn.String())
	endpoint := fmt.Sprintf("%s/%s/api/v1/routes?%s", c.baseURL, slug, vals.Encode())

	var resp routesResponse
	headers := map[string]string{"x-client-id": registry.KyberClientID}
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodGet, endpoint, nil, headers, &resp); err != nil {
		return nil, err
	}
	summary := bytes.TrimSpace(resp.Data.RouteSummary)
	if len(summary) == 0 || bytes.Equal(summary, []byte("null")) {
		return nil, clierr.New(clierr.CodeNoRoute, "kyber returned no route summary")
	}
	router, ok := id.NormalizeAddress(resp.Data.RouterAddress)
	if !ok {
		return nil, clierr.New(clierr.CodeNoRoute, "kyber returned no router address")
	}
	var parsed routeSummary
	if err := json.Unmarshal(summary, &parsed); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode kyber route summary", err)
	}
	out := id.ParseBigIntLike(parsed.AmountOut)
	if out.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeNoRoute, "kyber route has no output")
	}
	return &providers.Candidate{
		Source:     providers.SourceKyber,
		QuotedOut:  out,
		Spender:    router,
		Executable: true,
		Payload: providers.KyberRoutePayload{
			ChainSlug:     slug,
			RouterAddress: router,
			RouteSummary:  append(json.RawMessage(nil), summary...),
		},
	}, nil
}

// BuildRequest turns a previously fetched route into a transaction.
type BuildRequest struct {
	Route       providers.KyberRoutePayload
	ChainID     int64
	Spender     string
	Sender      string
	Recipient   string
	SlippageBps int64
}

type buildBody struct {
	RouteSummary        json.RawMessage `json:"routeSummary"`
	Sender              string          `json:"sender"`
	Recipient           string          `json:"recipient"`
	SlippageTolerance   int64           `json:"slippageTolerance"`
	EnableGasEstimation bool            `json:"enableGasEstimation"`
	Source              string          `json:"source"`
}

type buildResponse struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		RouterAddress    string `json:"routerAddress"`
		Data             any    `json:"data"`
		TransactionValue any    `json:"transactionValue"`
		Value            any    `json:"value"`
		Gas              any    `json:"gas"`
	} `json:"data"`
}

// BuildSwap calls route/build with gas estimation enabled and retries once
// without it when the first attempt fails.
func (c *Client) BuildSwap(ctx context.Context, req BuildRequest) (chain.TxRequest, error) {
	slug := strings.TrimSpace(req.Route.ChainSlug)
	if slug == "" {
		slug = registry.KyberChainSlug(req.ChainID)
	}
	if slug == "" {
		return chain.TxRequest{}, clierr.New(clierr.CodeUnsupported, "KyberSwap is not configured for this chain.")
	}
	summary := bytes.TrimSpace(req.Route.RouteSummary)
	if len(summary) == 0 || bytes.Equal(summary, []byte("null")) {
		return chain.TxRequest{}, clierr.New(clierr.CodeUsage, "Missing Kyber route summary.")
	}

	payload, err := c.build(ctx, slug, summary, req, true)
	if err != nil {
		c.log.Debug("kyber build with gas estimation failed, retrying without", "err", err)
		payload, err = c.build(ctx, slug, summary, req, false)
		if err != nil {
			return chain.TxRequest{}, err
		}
	}

	routerRaw := payload.Data.RouterAddress
	if strings.TrimSpace(routerRaw) == "" {
		routerRaw = req.Spender
	}
	to, toOK := id.NormalizeAddress(routerRaw)
	callData, _ := payload.Data.Data.(string)
	if !toOK || callData == "" || !strings.HasPrefix(callData, "0x") {
		return chain.TxRequest{}, clierr.New(clierr.CodeExecution, "Kyber route build returned invalid transaction data.")
	}
	data := common.FromHex(callData)

	valueRaw := payload.Data.TransactionValue
	if !truthy(valueRaw) {
		valueRaw = payload.Data.Value
	}
	tx := chain.TxRequest{
		To:    common.HexToAddress(to),
		Data:  data,
		Value: id.ParseBigIntLike(valueRaw),
	}
	if gas := id.ParseBigIntLike(payload.Data.Gas); gas.Sign() > 0 && gas.IsUint64() {
		tx.Gas = gas.Uint64()
	}
	return tx, nil
}

func (c *Client) build(ctx context.Context, slug string, summary []byte, req BuildRequest, estimateGas bool) (buildResponse, error) {
	slippage := req.SlippageBps
	if slippage <= 0 {
		slippage = defaultSlippageBps
	}
	body, err := json.Marshal(buildBody{
		RouteSummary:        summary,
		Sender:              req.Sender,
		Recipient:           req.Recipient,
		SlippageTolerance:   slippage,
		EnableGasEstimation: estimateGas,
		Source:              registry.KyberClientID,
	})
	if err != nil {
		return buildResponse{}, clierr.Wrap(clierr.CodeInternal, "encode kyber build request", err)
	}
	endpoint := fmt.Sprintf("%s/%s/api/v1/route/build", c.baseURL, slug)
	resp, err := httpx.DoBody(ctx, c.http, http.MethodPost, endpoint, body, map[string]string{"x-client-id": registry.KyberClientID})
	if resp == nil {
		if err == nil {
			err = clierr.New(clierr.CodeUnavailable, "Kyber route build failed.")
		}
		return buildResponse{}, err
	}

	var payload buildResponse
	if len(bytes.TrimSpace(resp.Body)) > 0 {
		_ = json.Unmarshal(resp.Body, &payload)
	}
	if err != nil || !resp.OK() || !codeIsZero(payload.Code) {
		message := strings.TrimSpace(payload.Message)
		if message == "" {
			message = fmt.Sprintf("Kyber route build failed (%d).", resp.StatusCode)
		}
		return buildResponse{}, clierr.New(clierr.CodeExecution, message)
	}
	return payload, nil
}

// codeIsZero treats a missing, empty or numeric-zero code as success.
func codeIsZero(v any) bool {
	switch typed := v.(type) {
	case nil:
		return true
	case float64:
		return typed == 0
	case bool:
		return !typed
	case string:
		raw := strings.TrimSpace(typed)
		if raw == "" {
			return true
		}
		f, err := strconv.ParseFloat(raw, 64)
		return err == nil && f == 0
	default:
		return false
	}
}

func truthy(v any) bool {
	switch typed := v.(type) {
	case nil:
		return false
	case string:
		return typed != ""
	case float64:
		return typed != 0
	case bool:
		return typed
	default:
		return true
	}
}
