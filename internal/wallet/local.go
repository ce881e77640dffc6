package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ggonzalez94/contraparty/internal/chain"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/execution/signer"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

const (
	PromptTransaction = "transaction"
	PromptSignature   = "signature"
	PromptSwitchChain = "switch_chain"
	PromptAddChain    = "add_chain"
)

// Prompt describes a request the user has to approve.
type Prompt struct {
	Kind    string
	ChainID int64
	To      string
	Value   *big.Int
	Data    []byte
	Summary string
}

// ConfirmFunc returns false when the user declines.
type ConfirmFunc func(ctx context.Context, p Prompt) (bool, error)

// AutoConfirm approves every prompt.
func AutoConfirm(context.Context, Prompt) (bool, error) { return true, nil }

type LocalOptions struct {
	Signer    signer.Signer
	Catalogue *registry.Catalogue
	// ChainID is the chain the wallet starts on.
	ChainID int64
	// RPCOverrides are tried before the catalogue endpoints of every chain.
	RPCOverrides  []string
	Confirm       ConfirmFunc
	Connected     bool
	Timeout       time.Duration
	GasMultiplier float64
	Logger        log.Logger
}

// LocalWallet signs with a local key and talks to the chain through public
// RPC endpoints. Chains from the catalogue are known up front; others must be
// added with AddChain.
type LocalWallet struct {
	signer        signer.Signer
	confirm       ConfirmFunc
	overrides     []string
	timeout       time.Duration
	gasMultiplier float64
	log           log.Logger

	mu        sync.Mutex
	chainID   int64
	connected bool
	chains    map[int64][]string
}

func NewLocal(opts LocalOptions) (*LocalWallet, error) {
	if opts.Signer == nil {
		return nil, clierr.New(clierr.CodeSigner, "missing signer")
	}
	if opts.Confirm == nil {
		opts.Confirm = AutoConfirm
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = 1.2
	}
	if opts.Logger == nil {
		opts.Logger = log.Root()
	}
	w := &LocalWallet{
		signer:        opts.Signer,
		confirm:       opts.Confirm,
		overrides:     registry.DedupeRPCURLs(opts.RPCOverrides),
		timeout:       opts.Timeout,
		gasMultiplier: opts.GasMultiplier,
		log:           opts.Logger,
		chainID:       opts.ChainID,
		connected:     opts.Connected,
		chains:        map[int64][]string{},
	}
	if opts.Catalogue != nil {
		for _, n := range opts.Catalogue.List() {
			w.chains[n.ChainID] = registry.ResolveRPCURLs(w.overrides, n)
		}
	}
	return w, nil
}

func (w *LocalWallet) Address() common.Address { return w.signer.Address() }

func (w *LocalWallet) Accounts(context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return []string{}, nil
	}
	return []string{w.signer.Address().Hex()}, nil
}

func (w *LocalWallet) RequestAccounts(context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = true
	return []string{w.signer.Address().Hex()}, nil
}

// Disconnect revokes account access until RequestAccounts is called again.
func (w *LocalWallet) Disconnect() {
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()
}

func (w *LocalWallet) ChainID(context.Context) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chainID, nil
}

func (w *LocalWallet) SwitchChain(ctx context.Context, chainID int64) error {
	w.mu.Lock()
	_, known := w.chains[chainID]
	current := w.chainID
	w.mu.Unlock()
	if !known {
		return &RPCError{Code: CodeUnrecognizedChain, Message: fmt.Sprintf("Unrecognized chain ID %d.", chainID)}
	}
	if current == chainID {
		return nil
	}
	ok, err := w.confirm(ctx, Prompt{Kind: PromptSwitchChain, ChainID: chainID, Summary: fmt.Sprintf("Switch wallet to chain %d", chainID)})
	if err != nil {
		return err
	}
	if !ok {
		return Rejected()
	}
	w.mu.Lock()
	w.chainID = chainID
	w.mu.Unlock()
	w.log.Debug("wallet switched chain", "chain_id", chainID)
	return nil
}

func (w *LocalWallet) AddChain(ctx context.Context, params AddChainParams) error {
	chainID := int64(params.ChainID)
	urls := registry.DedupeRPCURLs(append(append([]string{}, w.overrides...), params.RPCURLs...))
	if chainID <= 0 || len(urls) == 0 {
		return &RPCError{Code: -32602, Message: "Invalid chain parameters."}
	}
	ok, err := w.confirm(ctx, Prompt{Kind: PromptAddChain, ChainID: chainID, Summary: fmt.Sprintf("Add %s (%d)", params.ChainName, chainID)})
	if err != nil {
		return err
	}
	if !ok {
		return Rejected()
	}
	w.mu.Lock()
	w.chains[chainID] = urls
	w.mu.Unlock()
	return nil
}

func (w *LocalWallet) endpoints() (int64, []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chainID, append([]string(nil), w.chains[w.chainID]...)
}

func (w *LocalWallet) Reader(ctx context.Context) (chain.Reader, error) {
	chainID, urls := w.endpoints()
	if len(urls) == 0 {
		return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no rpc endpoint for chain %d", chainID))
	}
	return chain.DialHTTP(ctx, urls[0], w.timeout)
}

// SendTransaction signs and broadcasts an EIP-1559 transaction on the
// wallet's current chain. It returns once the node accepts it.
func (w *LocalWallet) SendTransaction(ctx context.Context, req chain.TxRequest) (common.Hash, error) {
	w.mu.Lock()
	connected := w.connected
	w.mu.Unlock()
	if !connected {
		return common.Hash{}, &RPCError{Code: CodeUnauthorized, Message: "The requested account has not been authorized by the user."}
	}
	chainID, urls := w.endpoints()
	if len(urls) == 0 {
		return common.Hash{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no rpc endpoint for chain %d", chainID))
	}
	ok, err := w.confirm(ctx, Prompt{
		Kind:    PromptTransaction,
		ChainID: chainID,
		To:      req.To.Hex(),
		Value:   req.ValueOrZero(),
		Data:    req.Data,
	})
	if err != nil {
		return common.Hash{}, err
	}
	if !ok {
		return common.Hash{}, Rejected()
	}

	client, err := ethclient.DialContext(ctx, urls[0])
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	defer client.Close()

	signed, err := w.buildAndSign(ctx, client, chainID, req)
	if err != nil {
		return common.Hash{}, err
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeExecution, "broadcast transaction", err)
	}
	w.log.Debug("transaction broadcast", "chain_id", chainID, "hash", signed.Hash().Hex())
	return signed.Hash(), nil
}

func (w *LocalWallet) buildAndSign(ctx context.Context, client *ethclient.Client, chainID int64, req chain.TxRequest) (*types.Transaction, error) {
	remoteChainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if remoteChainID.Int64() != chainID {
		return nil, clierr.New(clierr.CodeChainMismatch, fmt.Sprintf("rpc endpoint serves chain %d, wallet is on %d", remoteChainID.Int64(), chainID))
	}
	from := w.signer.Address()
	to := req.To
	value := req.ValueOrZero()

	gasLimit := req.Gas
	if gasLimit == 0 {
		estimated, err := client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: req.Data})
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeExecution, "estimate gas", err)
		}
		gasLimit = uint64(float64(estimated) * w.gasMultiplier)
	}

	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		tipCap = big.NewInt(2_000_000_000)
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   remoteChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := w.signer.SignTx(remoteChainID, tx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	return signed, nil
}

// SignTypedData returns a 65-byte signature with V in {27, 28}.
func (w *LocalWallet) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "hash typed data", err)
	}
	chainID, _ := w.ChainID(ctx)
	ok, err := w.confirm(ctx, Prompt{Kind: PromptSignature, ChainID: chainID, Summary: strings.TrimSpace(data.PrimaryType + " " + data.Domain.Name)})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, Rejected()
	}
	sig, err := w.signer.SignHash(hash)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "sign typed data", err)
	}
	sig[64] += 27
	return sig, nil
}
