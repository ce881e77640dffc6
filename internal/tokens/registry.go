// Package tokens keeps the token list of the active network and resolves
// unknown addresses through on-chain ERC-20 metadata.
package tokens

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ggonzalez94/contraparty/internal/cache"
	"github.com/ggonzalez94/contraparty/internal/chain"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

// LookupState describes the outcome of a metadata lookup.
type LookupState int

const (
	LookupFound LookupState = iota
	LookupKnown
	LookupPending
	LookupInvalid
)

const (
	MsgLookingUp = "Looking up token metadata onchain..."
	MsgNotFound  = "Token metadata not found for that address."
	MsgNoTokens  = "No tokens found."
)

type Registry struct {
	store *cache.Store
	ttl   time.Duration
	log   log.Logger

	mu        sync.Mutex
	network   registry.Network
	tokens    []id.Token
	byAddress map[string]id.Token
	bySymbol  map[string]id.Token
	dynamic   map[string]*id.Token
	pending   map[string]struct{}

	lookupNonce atomic.Uint64
}

func NewRegistry(network registry.Network, store *cache.Store, ttl time.Duration, logger log.Logger) *Registry {
	r := &Registry{store: store, ttl: ttl, log: logger}
	r.Reset(network)
	return r
}

// Reset replaces the token list with network's and drops dynamic lookups.
func (r *Registry) Reset(network registry.Network) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.network = network
	r.tokens = append([]id.Token(nil), network.Tokens...)
	r.byAddress = make(map[string]id.Token, len(r.tokens))
	r.bySymbol = make(map[string]id.Token, len(r.tokens))
	for _, tok := range r.tokens {
		r.byAddress[tok.Key()] = tok
		r.bySymbol[strings.ToLower(tok.Symbol)] = tok
	}
	r.dynamic = map[string]*id.Token{}
	r.pending = map[string]struct{}{}
}

func (r *Registry) Network() registry.Network {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.network
}

func (r *Registry) List() []id.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]id.Token(nil), r.tokens...)
}

// Upsert adds tok unless its address is already known, returning the
// registered token. Invalid addresses are rejected.
func (r *Registry) Upsert(tok id.Token) (id.Token, bool) {
	normalized, ok := id.NormalizeAddress(tok.Address)
	if !ok {
		return id.Token{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	lower := strings.ToLower(normalized)
	if existing, ok := r.byAddress[lower]; ok {
		return existing, true
	}
	merged := id.Token{
		Symbol:   strings.TrimSpace(tok.Symbol),
		Name:     strings.TrimSpace(tok.Name),
		Address:  normalized,
		Decimals: tok.Decimals,
	}
	if merged.Name == "" {
		merged.Name = merged.Symbol
	}
	r.tokens = append(r.tokens, merged)
	r.byAddress[lower] = merged
	r.bySymbol[strings.ToLower(merged.Symbol)] = merged
	return merged, true
}

func (r *Registry) ByAddress(addr string) (id.Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.byAddress[strings.ToLower(strings.TrimSpace(addr))]
	return tok, ok
}

// Resolve maps a reference (address or symbol, case-insensitive) to a token,
// falling back to fallbackSymbol and then to the first listed token.
func (r *Registry) Resolve(ref, fallbackSymbol string) (id.Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	normalized := strings.ToLower(strings.TrimSpace(ref))
	if strings.HasPrefix(normalized, "0x") {
		if tok, ok := r.byAddress[normalized]; ok {
			return tok, true
		}
	}
	if normalized != "" {
		if tok, ok := r.bySymbol[normalized]; ok {
			return tok, true
		}
	}
	if tok, ok := r.bySymbol[strings.ToLower(fallbackSymbol)]; ok {
		return tok, true
	}
	if len(r.tokens) > 0 {
		return r.tokens[0], true
	}
	return id.Token{}, false
}

// Lookup returns metadata for addr, reading it on-chain at most once per
// network session. Concurrent callers for the same address get LookupPending.
func (r *Registry) Lookup(ctx context.Context, reader chain.Reader, addr string) (*id.Token, LookupState) {
	normalized, ok := id.NormalizeAddress(addr)
	if !ok {
		return nil, LookupInvalid
	}
	lower := strings.ToLower(normalized)

	r.mu.Lock()
	if tok, ok := r.byAddress[lower]; ok {
		r.mu.Unlock()
		return &tok, LookupKnown
	}
	if tok, ok := r.dynamic[lower]; ok {
		r.mu.Unlock()
		if tok == nil {
			return nil, LookupInvalid
		}
		return tok, LookupFound
	}
	if _, ok := r.pending[lower]; ok {
		r.mu.Unlock()
		return nil, LookupPending
	}
	r.pending[lower] = struct{}{}
	chainID := r.network.ChainID
	r.mu.Unlock()

	nonce := r.lookupNonce.Add(1)
	tok := r.loadCached(chainID, lower)
	if tok == nil {
		var err error
		tok, err = ReadMetadata(ctx, reader, normalized)
		if err != nil {
			if r.log != nil {
				r.log.Debug("token metadata lookup failed", "address", normalized, "nonce", nonce, "err", err)
			}
			tok = nil
		} else {
			r.saveCached(chainID, lower, tok)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, lower)
	if r.network.ChainID != chainID {
		return tok, stateFor(tok)
	}
	r.dynamic[lower] = tok
	return tok, stateFor(tok)
}

// LookupNonce is the number of on-chain lookups started so far.
func (r *Registry) LookupNonce() uint64 {
	return r.lookupNonce.Load()
}

// Search filters the token list by address substring. A full address that is
// not listed triggers a metadata lookup; the returned message is non-empty
// when nothing can be shown.
func (r *Registry) Search(ctx context.Context, reader chain.Reader, query string) ([]id.Token, string) {
	needle := strings.ToLower(strings.TrimSpace(query))
	var matches []id.Token
	for _, tok := range r.List() {
		if needle == "" || strings.Contains(strings.ToLower(tok.Address), needle) {
			matches = append(matches, tok)
		}
	}
	message := ""
	if id.IsAddress(query) {
		if _, listed := r.ByAddress(query); !listed {
			tok, state := r.Lookup(ctx, reader, query)
			switch state {
			case LookupFound:
				matches = append([]id.Token{*tok}, matches...)
			case LookupPending:
				message = MsgLookingUp
			default:
				message = MsgNotFound
			}
		}
	}
	if len(matches) == 0 {
		if message == "" {
			message = MsgNoTokens
		}
		return nil, message
	}
	return matches, ""
}

func stateFor(tok *id.Token) LookupState {
	if tok == nil {
		return LookupInvalid
	}
	return LookupFound
}

func cacheKey(chainID int64, lower string) string {
	return fmt.Sprintf("token:%d:%s", chainID, lower)
}

func (r *Registry) loadCached(chainID int64, lower string) *id.Token {
	if r.store == nil {
		return nil
	}
	var tok id.Token
	hit, err := r.store.GetJSON(cacheKey(chainID, lower), &tok)
	if err != nil || !hit {
		return nil
	}
	return &tok
}

func (r *Registry) saveCached(chainID int64, lower string, tok *id.Token) {
	if r.store == nil || tok == nil {
		return
	}
	if err := r.store.SetJSON(cacheKey(chainID, lower), tok, r.ttl); err != nil && r.log != nil {
		r.log.Debug("token cache write failed", "address", lower, "err", err)
	}
}

// PickNetworkToken selects a token of network by preferred symbol, then the
// fallback symbol, then the first listed token.
func PickNetworkToken(network registry.Network, preferredSymbol, fallbackSymbol string) (id.Token, bool) {
	if len(network.Tokens) == 0 {
		return id.Token{}, false
	}
	for _, sym := range []string{preferredSymbol, fallbackSymbol} {
		sym = strings.ToLower(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		for _, tok := range network.Tokens {
			if strings.ToLower(tok.Symbol) == sym {
				return tok, true
			}
		}
	}
	return network.Tokens[0], true
}

// OtherToken returns the first token in list whose address differs from addr.
func OtherToken(list []id.Token, addr string) (id.Token, bool) {
	for _, tok := range list {
		if !id.SameAddress(tok.Address, addr) {
			return tok, true
		}
	}
	return id.Token{}, false
}

var (
	metadataABI        = mustABI(registry.ERC20MetadataABI)
	metadataBytes32ABI = mustABI(registry.ERC20MetadataBytes32ABI)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
