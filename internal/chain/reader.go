// Package chain provides read access to EVM networks: a fallback reader over
// the configured public RPC endpoints, optionally fronted by the wallet's own
// transport, cached per network and wallet chain.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

const (
	DefaultRPCTimeout    = 8 * time.Second
	DefaultRPCRetries    = 1
	DefaultRPCRetryDelay = 150 * time.Millisecond
)

// Reader is the read surface used by quoting, balances, allowances and
// receipt polling. *ethclient.Client satisfies it.
type Reader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// DialFunc opens a Reader for a single RPC endpoint.
type DialFunc func(ctx context.Context, url string, timeout time.Duration) (Reader, error)

// DialHTTP connects to url with a per-request HTTP timeout.
func DialHTTP(ctx context.Context, url string, timeout time.Duration) (Reader, error) {
	client, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	return ethclient.NewClient(client), nil
}

type endpoint struct {
	name   string
	reader Reader
	// dialed endpoints belong to the reader and are closed with it; the
	// wallet transport is borrowed.
	dialed bool
}

// FallbackReader tries each endpoint in order. Each endpoint gets a fixed
// number of retries with a constant delay before the next one is used.
type FallbackReader struct {
	endpoints  []endpoint
	retries    int
	retryDelay time.Duration
	log        log.Logger
}

func (f *FallbackReader) Endpoints() []string {
	out := make([]string, 0, len(f.endpoints))
	for _, ep := range f.endpoints {
		out = append(out, ep.name)
	}
	return out
}

// Close releases the clients the reader dialed.
func (f *FallbackReader) Close() {
	if f == nil {
		return
	}
	for _, ep := range f.endpoints {
		if !ep.dialed {
			continue
		}
		if c, ok := ep.reader.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

func (f *FallbackReader) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := f.try(ctx, "eth_call", func(r Reader) error {
		var err error
		out, err = r.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (f *FallbackReader) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var out *big.Int
	err := f.try(ctx, "eth_getBalance", func(r Reader) error {
		var err error
		out, err = r.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return out, err
}

// TransactionReceipt does not fall through on ethereum.NotFound: a pending
// transaction is not an endpoint failure.
func (f *FallbackReader) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var out *types.Receipt
	err := f.try(ctx, "eth_getTransactionReceipt", func(r Reader) error {
		var err error
		out, err = r.TransactionReceipt(ctx, txHash)
		return err
	})
	return out, err
}

func (f *FallbackReader) try(ctx context.Context, method string, call func(Reader) error) error {
	if len(f.endpoints) == 0 {
		return clierr.New(clierr.CodeUnavailable, "no rpc endpoints configured")
	}
	var lastErr error
	for _, ep := range f.endpoints {
		for attempt := 0; attempt <= f.retries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return clierr.Wrap(clierr.CodeUnavailable, method+" cancelled", ctx.Err())
				case <-time.After(f.retryDelay):
				}
			}
			err := call(ep.reader)
			if err == nil {
				return nil
			}
			if errors.Is(err, ethereum.NotFound) {
				return err
			}
			lastErr = err
			if f.log != nil {
				f.log.Debug("rpc call failed", "method", method, "endpoint", ep.name, "attempt", attempt, "err", err)
			}
			if ctx.Err() != nil {
				return clierr.Wrap(clierr.CodeUnavailable, method+" cancelled", ctx.Err())
			}
		}
	}
	return lastErr
}

// Factory caches one reader per (network, transport, wallet chain, rpc urls).
type Factory struct {
	Dial       DialFunc
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	Log        log.Logger

	mu     sync.Mutex
	key    string
	reader *FallbackReader
}

func NewFactory(logger log.Logger) *Factory {
	return &Factory{
		Dial:       DialHTTP,
		Timeout:    DefaultRPCTimeout,
		Retries:    DefaultRPCRetries,
		RetryDelay: DefaultRPCRetryDelay,
		Log:        logger,
	}
}

// ProviderKey identifies the transport stack for a network and wallet state.
func ProviderKey(networkKey string, useWallet bool, walletChainID int64, rpcURLs []string) string {
	mode := "public"
	if useWallet {
		mode = "wallet"
	}
	return fmt.Sprintf("%s:%s:%d:%s", networkKey, mode, walletChainID, strings.Join(rpcURLs, "|"))
}

// Reader returns the cached reader for network, rebuilding it when the key
// changes. The wallet reader is placed first only when the wallet reports
// the network's chain.
func (f *Factory) Reader(ctx context.Context, network registry.Network, rpcURLs []string, wallet Reader, walletChainID int64) (Reader, error) {
	urls := registry.DedupeRPCURLs(rpcURLs)
	useWallet := wallet != nil && walletChainID == network.ChainID
	key := ProviderKey(network.Key, useWallet, walletChainID, urls)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reader != nil && f.key == key {
		return f.reader, nil
	}

	dial := f.Dial
	if dial == nil {
		dial = DialHTTP
	}
	endpoints := make([]endpoint, 0, len(urls)+1)
	if useWallet {
		endpoints = append(endpoints, endpoint{name: "wallet", reader: wallet})
	}
	for _, url := range urls {
		reader, err := dial(ctx, url, f.Timeout)
		if err != nil {
			if f.Log != nil {
				f.Log.Warn("skipping rpc endpoint", "url", url, "err", err)
			}
			continue
		}
		endpoints = append(endpoints, endpoint{name: url, reader: reader, dialed: true})
	}
	if len(endpoints) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("no usable rpc endpoint for %s", network.Label))
	}
	f.reader.Close()
	f.key = key
	f.reader = &FallbackReader{endpoints: endpoints, retries: f.Retries, retryDelay: f.RetryDelay, log: f.Log}
	return f.reader, nil
}

// Key reports the key of the cached reader, or "" after Reset.
func (f *Factory) Key() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.key
}

func (f *Factory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reader.Close()
	f.key = ""
	f.reader = nil
}
