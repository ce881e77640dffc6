// Package approval decides whether the connected account must grant an
// allowance to the selected route's spender.
package approval

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/ggonzalez94/contraparty/internal/chain"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/quote"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

var erc20ABI = providers.MustABI(registry.ERC20MinimalABI)

// MaxAllowance is the approval amount submitted for every approval.
var MaxAllowance = new(uint256.Int).SetAllOne()

// State is the allowance position of one (owner, token, spender) triple.
type State struct {
	Spender       string   `json:"spender"`
	Allowance     *big.Int `json:"allowance"`
	NeedsApproval bool     `json:"needs_approval"`
}

// Manager keeps a session cache of observed allowances. A cached value only
// ever skips a read when it already covers the requested amount.
type Manager struct {
	mu    sync.Mutex
	cache map[string]*uint256.Int
	log   log.Logger
}

func NewManager(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.Root()
	}
	return &Manager{cache: map[string]*uint256.Int{}, log: logger}
}

// CacheKey is chainId:owner:token:spender in lower case, or "" when any part
// is missing or malformed.
func CacheKey(chainID int64, owner, token, spender string) string {
	if chainID <= 0 {
		return ""
	}
	parts := []string{strconv.FormatInt(chainID, 10)}
	for _, raw := range []string{owner, token, spender} {
		normalized, ok := id.NormalizeAddress(raw)
		if !ok {
			return ""
		}
		parts = append(parts, strings.ToLower(normalized))
	}
	return strings.Join(parts, ":")
}

// Spender returns the address the quote's source pulls funds through,
// falling back to the network configuration when the quote carries none.
func Spender(q *quote.Quote, network registry.Network) string {
	if q == nil {
		return ""
	}
	if normalized, ok := id.NormalizeAddress(q.Spender); ok {
		return normalized
	}
	var raw string
	switch q.Source {
	case providers.SourceElfomo:
		raw = network.ElfomoContract
	case providers.SourceContraparty:
		raw = network.ContrapartyContract
	case providers.SourceCow:
		cowChainID := q.CowChainID
		if cowChainID == 0 {
			cowChainID = network.CowChainID
		}
		return registry.CowVaultRelayerFor(cowChainID)
	}
	normalized, _ := id.NormalizeAddress(raw)
	return normalized
}

func (m *Manager) cached(key string) *big.Int {
	if key == "" {
		return new(big.Int)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cache[key]
	if !ok {
		return new(big.Int)
	}
	return v.ToBig()
}

func (m *Manager) store(key string, v *big.Int) {
	if key == "" || v == nil {
		return
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		u = new(uint256.Int).Set(MaxAllowance)
	}
	m.mu.Lock()
	m.cache[key] = u
	m.mu.Unlock()
}

// State reports whether owner must approve the quote's spender before the
// quote can execute. Failed reads never skip an approval unless the cache
// already covers the amount.
func (m *Manager) State(ctx context.Context, reader chain.Reader, network registry.Network, owner string, q *quote.Quote) State {
	spender := Spender(q, network)
	if strings.TrimSpace(owner) == "" || q == nil || q.FromToken.IsNative() {
		allowance := new(big.Int)
		if q != nil && q.AmountIn != nil {
			allowance.Set(q.AmountIn)
		}
		return State{Spender: spender, Allowance: allowance, NeedsApproval: false}
	}
	amount := q.AmountIn
	if amount == nil {
		amount = new(big.Int)
	}

	key := CacheKey(network.ChainID, owner, q.FromToken.Address, spender)
	cached := m.cached(key)
	if cached.Cmp(amount) >= 0 {
		return State{Spender: spender, Allowance: cached, NeedsApproval: false}
	}
	if spender == "" {
		return State{Allowance: new(big.Int), NeedsApproval: true}
	}

	allowance, err := providers.CallUint(ctx, reader, common.HexToAddress(q.FromToken.Address), erc20ABI, "allowance",
		common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		m.log.Debug("allowance read failed", "token", q.FromToken.Address, "spender", spender, "err", err)
		if cached.Cmp(amount) >= 0 {
			return State{Spender: spender, Allowance: cached, NeedsApproval: false}
		}
		return State{Spender: spender, Allowance: new(big.Int), NeedsApproval: true}
	}
	m.store(key, allowance)
	return State{Spender: spender, Allowance: allowance, NeedsApproval: allowance.Cmp(amount) < 0}
}

// MarkApproved records a confirmed max approval.
func (m *Manager) MarkApproved(chainID int64, owner, token, spender string) {
	m.store(CacheKey(chainID, owner, token, spender), MaxAllowance.ToBig())
}

// Reset drops every cached allowance.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.cache = map[string]*uint256.Int{}
	m.mu.Unlock()
}

// Len is the number of cached entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}
