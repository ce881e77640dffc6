package cow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"golang.org/x/sync/singleflight"

	"github.com/ggonzalez94/contraparty/internal/chain"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/httpx"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

const (
	domainName    = "Gnosis Protocol"
	domainVersion = "v2"
	balanceERC20  = "erc20"
	schemeEIP712  = "eip712"
)

var settlementABI = providers.MustABI(registry.CowSettlementABI)

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "sellToken", Type: "address"},
		{Name: "buyToken", Type: "address"},
		{Name: "receiver", Type: "address"},
		{Name: "sellAmount", Type: "uint256"},
		{Name: "buyAmount", Type: "uint256"},
		{Name: "validTo", Type: "uint32"},
		{Name: "appData", Type: "bytes32"},
		{Name: "feeAmount", Type: "uint256"},
		{Name: "kind", Type: "string"},
		{Name: "partiallyFillable", Type: "bool"},
		{Name: "sellTokenBalance", Type: "string"},
		{Name: "buyTokenBalance", Type: "string"},
	},
}

// TypedDataSigner signs EIP-712 payloads on behalf of the order owner.
type TypedDataSigner interface {
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
}

// Deps is what order signing needs for one chain: a settlement contract
// whose on-chain domain separator matches the locally computed one.
type Deps struct {
	ChainID         int64
	Settlement      common.Address
	DomainSeparator common.Hash
}

// Trading posts signed sell orders. Dependencies are loaded on first use
// and memoized per chain; a failed load is recorded and retried next time.
type Trading struct {
	quotes  *Client
	log     log.Logger
	appData string

	group   singleflight.Group
	mu      sync.Mutex
	deps    map[int64]*Deps
	lastErr string
}

func NewTrading(quotes *Client, logger log.Logger) *Trading {
	if logger == nil {
		logger = log.Root()
	}
	return &Trading{
		quotes:  quotes,
		log:     logger,
		appData: AppDataJSON(registry.AppCode),
		deps:    map[int64]*Deps{},
	}
}

// AppDataJSON is the order metadata document; its keccak hash is signed.
func AppDataJSON(appCode string) string {
	return fmt.Sprintf(`{"appCode":%q,"metadata":{},"version":"1.1.0"}`, appCode)
}

func AppDataHash(doc string) common.Hash {
	return crypto.Keccak256Hash([]byte(doc))
}

// LastError is the message of the most recent failed dependency load, or ""
// once a load succeeds.
func (t *Trading) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Trading) Deps(ctx context.Context, reader chain.Reader, cowChainID int64) (*Deps, error) {
	t.mu.Lock()
	if d, ok := t.deps[cowChainID]; ok {
		t.mu.Unlock()
		return d, nil
	}
	t.mu.Unlock()

	v, err, _ := t.group.Do(strconv.FormatInt(cowChainID, 10), func() (any, error) {
		d, err := loadDeps(ctx, reader, cowChainID)
		t.mu.Lock()
		defer t.mu.Unlock()
		if err != nil {
			delete(t.deps, cowChainID)
			t.lastErr = err.Error()
			return nil, err
		}
		t.deps[cowChainID] = d
		t.lastErr = ""
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Deps), nil
}

func loadDeps(ctx context.Context, reader chain.Reader, cowChainID int64) (*Deps, error) {
	if _, ok := registry.CowNetworkPath(cowChainID); !ok {
		return nil, clierr.New(clierr.CodeUnsupported, "CoW Protocol is not configured for this chain.")
	}
	if reader == nil {
		return nil, clierr.New(clierr.CodeUnavailable, "Unable to load CoW swap dependencies.")
	}
	settlement := common.HexToAddress(registry.CowSettlement)
	want, err := DomainSeparator(cowChainID, settlement)
	if err != nil {
		return nil, err
	}
	data, err := settlementABI.Pack("domainSeparator")
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack domainSeparator", err)
	}
	raw, err := callContract(ctx, reader, settlement, data)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "Unable to load CoW swap dependencies.", err)
	}
	values, err := settlementABI.Unpack("domainSeparator", raw)
	if err != nil || len(values) == 0 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "Unable to load CoW swap dependencies.", err)
	}
	got, ok := values[0].([32]byte)
	if !ok || common.Hash(got) != want {
		return nil, clierr.New(clierr.CodeUnavailable, "Unable to load CoW swap dependencies.")
	}
	return &Deps{ChainID: cowChainID, Settlement: settlement, DomainSeparator: want}, nil
}

func callContract(ctx context.Context, reader chain.Reader, to common.Address, data []byte) ([]byte, error) {
	return reader.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

func domain(chainID int64, settlement common.Address) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              domainName,
		Version:           domainVersion,
		ChainId:           math.NewHexOrDecimal256(chainID),
		VerifyingContract: settlement.Hex(),
	}
}

// DomainSeparator hashes the settlement EIP-712 domain for chainID.
func DomainSeparator(chainID int64, settlement common.Address) (common.Hash, error) {
	td := apitypes.TypedData{Types: orderTypes, Domain: domain(chainID, settlement)}
	sep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeInternal, "hash cow domain", err)
	}
	return common.BytesToHash(sep), nil
}

// Order is the signed order as posted to /api/v1/orders.
type Order struct {
	SellToken         string `json:"sellToken"`
	BuyToken          string `json:"buyToken"`
	Receiver          string `json:"receiver"`
	SellAmount        string `json:"sellAmount"`
	BuyAmount         string `json:"buyAmount"`
	ValidTo           int64  `json:"validTo"`
	AppData           string `json:"appData"`
	AppDataHash       string `json:"appDataHash"`
	FeeAmount         string `json:"feeAmount"`
	Kind              string `json:"kind"`
	PartiallyFillable bool   `json:"partiallyFillable"`
	SellTokenBalance  string `json:"sellTokenBalance"`
	BuyTokenBalance   string `json:"buyTokenBalance"`
	SigningScheme     string `json:"signingScheme"`
	Signature         string `json:"signature"`
	From              string `json:"from"`
	QuoteID           *int64 `json:"quoteId,omitempty"`
}

func (o Order) typedData(chainID int64, settlement common.Address) apitypes.TypedData {
	sell, _ := new(big.Int).SetString(o.SellAmount, 10)
	buy, _ := new(big.Int).SetString(o.BuyAmount, 10)
	fee, _ := new(big.Int).SetString(o.FeeAmount, 10)
	return apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain:      domain(chainID, settlement),
		Message: apitypes.TypedDataMessage{
			"sellToken":         o.SellToken,
			"buyToken":          o.BuyToken,
			"receiver":          o.Receiver,
			"sellAmount":        (*math.HexOrDecimal256)(sell),
			"buyAmount":         (*math.HexOrDecimal256)(buy),
			"validTo":           math.NewHexOrDecimal256(o.ValidTo),
			"appData":           o.AppDataHash,
			"feeAmount":         (*math.HexOrDecimal256)(fee),
			"kind":              o.Kind,
			"partiallyFillable": o.PartiallyFillable,
			"sellTokenBalance":  o.SellTokenBalance,
			"buyTokenBalance":   o.BuyTokenBalance,
		},
	}
}

// OrderRequest describes a sell order to sign and post.
type OrderRequest struct {
	CowChainID  int64
	Owner       string
	SellToken   string
	BuyToken    string
	Amount      *big.Int
	Receiver    string
	SlippageBps int64
	Reader      chain.Reader
	Signer      TypedDataSigner
}

// PostSwapOrder quotes the order with app data attached, applies slippage to
// the buy amount, signs it and posts it. It returns the order UID.
func (t *Trading) PostSwapOrder(ctx context.Context, req OrderRequest) (string, error) {
	if req.CowChainID <= 0 {
		return "", clierr.New(clierr.CodeUnsupported, "CoW Protocol is not configured for this chain.")
	}
	deps, err := t.Deps(ctx, req.Reader, req.CowChainID)
	if err != nil {
		return "", err
	}
	if req.Signer == nil {
		return "", clierr.New(clierr.CodeSigner, "missing order signer")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return "", clierr.New(clierr.CodeUsage, "order amount must be positive")
	}

	appHash := AppDataHash(t.appData)
	quote, err := t.quotes.PostQuote(ctx, req.CowChainID, QuoteRequest{
		SellToken:           req.SellToken,
		BuyToken:            req.BuyToken,
		From:                req.Owner,
		Receiver:            req.Receiver,
		Kind:                OrderKindSell,
		SellAmountBeforeFee: req.Amount.String(),
		AppData:             t.appData,
		AppDataHash:         appHash.Hex(),
		SigningScheme:       schemeEIP712,
	})
	if err != nil {
		return "", err
	}
	sellAmount := id.ParsePositiveInt(quote.Quote.SellAmount)
	sellAmount.Add(sellAmount, id.ParsePositiveInt(quote.Quote.FeeAmount))
	buyAmount := id.ParsePositiveInt(quote.Quote.BuyAmount)
	if sellAmount.Sign() <= 0 || buyAmount.Sign() <= 0 {
		return "", clierr.New(clierr.CodeNoRoute, "No quote returned for selected pair.")
	}

	receiver := req.Receiver
	if !id.IsAddress(receiver) {
		receiver = req.Owner
	}
	order := Order{
		SellToken:         common.HexToAddress(req.SellToken).Hex(),
		BuyToken:          common.HexToAddress(req.BuyToken).Hex(),
		Receiver:          common.HexToAddress(receiver).Hex(),
		SellAmount:        sellAmount.String(),
		BuyAmount:         ApplySlippage(buyAmount, req.SlippageBps).String(),
		ValidTo:           quote.Quote.ValidTo,
		AppData:           t.appData,
		AppDataHash:       appHash.Hex(),
		FeeAmount:         "0",
		Kind:              OrderKindSell,
		PartiallyFillable: false,
		SellTokenBalance:  balanceERC20,
		BuyTokenBalance:   balanceERC20,
		SigningScheme:     schemeEIP712,
		From:              common.HexToAddress(req.Owner).Hex(),
		QuoteID:           quote.ID,
	}
	sig, err := req.Signer.SignTypedData(ctx, order.typedData(deps.ChainID, deps.Settlement))
	if err != nil {
		return "", err
	}
	order.Signature = hexutil.Encode(sig)

	return t.postOrder(ctx, req.CowChainID, order)
}

func (t *Trading) postOrder(ctx context.Context, cowChainID int64, order Order) (string, error) {
	endpoint, ok := registry.CowOrdersURL(t.quotes.baseURL, cowChainID)
	if !ok {
		return "", clierr.New(clierr.CodeUnsupported, "CoW Protocol is not configured for this chain.")
	}
	buf, err := json.Marshal(order)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "encode cow order", err)
	}
	resp, err := httpx.DoBody(ctx, t.quotes.http, http.MethodPost, endpoint, buf, nil)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", apiError(resp, fmt.Sprintf("cow order rejected (status %d)", resp.StatusCode))
	}
	var uid string
	if err := json.Unmarshal(bytes.TrimSpace(resp.Body), &uid); err != nil {
		t.log.Debug("cow order reply is not a string uid", "body", string(resp.Body))
		return "", nil
	}
	return strings.TrimSpace(uid), nil
}

// ApplySlippage lowers amount by bps basis points, flooring at zero.
func ApplySlippage(amount *big.Int, bps int64) *big.Int {
	cut := new(big.Int).Mul(amount, big.NewInt(bps))
	cut.Quo(cut, big.NewInt(10_000))
	out := new(big.Int).Sub(amount, cut)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}
