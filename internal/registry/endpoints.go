package registry

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/ggonzalez94/contraparty/internal/id"
)

const (
	CowAPIBaseURL   = "https://api.cow.fi"
	KyberAPIBaseURL = "https://aggregator-api.kyberswap.com"
	KyberClientID   = "contraparty"
	AppCode         = "contraparty"

	// CowVaultRelayer is the allowance target for batch-auction orders.
	CowVaultRelayer = "0xC92E8bdf79f0507f65a392b0ab4667716BFE0110"
	// CowSettlement is the GPv2Settlement contract that verifies order signatures.
	CowSettlement = "0x9008D19f58AAbD9eD0D60971565AA8510560ab41"
)

var cowNetworkPathByChainID = map[int64]string{
	ChainIDEthereum: "mainnet",
	ChainIDBase:     "base",
}

var kyberSlugByChainID = map[int64]string{
	ChainIDEthereum: "ethereum",
	ChainIDBase:     "base",
	ChainIDMegaETH:  "megaeth",
}

var explorerTxBaseByChainID = map[int64]string{
	ChainIDEthereum: "https://etherscan.io/tx/",
	ChainIDBase:     "https://basescan.org/tx/",
	ChainIDMegaETH:  "https://megaeth.blockscout.com/tx/",
	ChainIDMegaTest: "https://megaeth.blockscout.com/tx/",
}

// CowNetworkPath is the API path segment for a batch-auction chain.
func CowNetworkPath(chainID int64) (string, bool) {
	v, ok := cowNetworkPathByChainID[chainID]
	return v, ok
}

func CowQuoteURL(chainID int64) (string, bool) {
	return cowURL(CowAPIBaseURL, chainID, "/api/v1/quote")
}

func CowOrdersURL(base string, chainID int64) (string, bool) {
	return cowURL(base, chainID, "/api/v1/orders")
}

func CowQuoteURLWithBase(base string, chainID int64) (string, bool) {
	return cowURL(base, chainID, "/api/v1/quote")
}

func cowURL(base string, chainID int64, suffix string) (string, bool) {
	path, ok := CowNetworkPath(chainID)
	if !ok {
		return "", false
	}
	return strings.TrimRight(base, "/") + "/" + path + suffix, true
}

// CowVaultRelayerFor returns the spender for orders on chainID.
func CowVaultRelayerFor(chainID int64) string {
	if _, ok := cowNetworkPathByChainID[chainID]; !ok {
		return ""
	}
	return CowVaultRelayer
}

func KyberChainSlug(chainID int64) string {
	return kyberSlugByChainID[chainID]
}

// ExplorerTxURL links to the transaction page, or "" when the chain has no
// explorer or hash is not a full transaction hash.
func ExplorerTxURL(chainID int64, hash string) string {
	base := explorerTxBaseByChainID[chainID]
	if base == "" {
		return ""
	}
	hash = strings.TrimSpace(hash)
	if !id.IsTxHash(hash) {
		return ""
	}
	return base + hash
}

// BlockExplorerURLs returns the explorer origin used when adding a chain to a wallet.
func BlockExplorerURLs(chainID int64) []string {
	base := explorerTxBaseByChainID[chainID]
	if base == "" {
		return nil
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" {
		stripped := strings.TrimSuffix(strings.TrimSuffix(base, "/"), "/tx")
		if stripped == "" {
			return nil
		}
		return []string{stripped}
	}
	return []string{parsed.Scheme + "://" + parsed.Host}
}

// IsAllowedAPIBaseURL accepts overrides of a backend base URL only when they
// point at the canonical host over https, or at a loopback address.
func IsAllowedAPIBaseURL(canonical, endpoint string) bool {
	if strings.TrimSpace(endpoint) == "" {
		return true
	}
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || parsed.Host == "" {
		return false
	}
	if isLoopbackHost(parsed.Hostname()) {
		scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
		return scheme == "http" || scheme == "https"
	}
	if !strings.EqualFold(strings.TrimSpace(parsed.Scheme), "https") {
		return false
	}
	allowed, err := url.Parse(canonical)
	if err != nil {
		return false
	}
	if !strings.EqualFold(parsed.Hostname(), allowed.Hostname()) {
		return false
	}
	return normalizedURLPort(parsed) == normalizedURLPort(allowed)
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func normalizedURLPort(parsed *url.URL) string {
	if port := strings.TrimSpace(parsed.Port()); port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			return port
		}
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
