package id

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NativeTokenAddress is the sentinel used for the chain's native asset.
const NativeTokenAddress = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// PlaceholderOwner is the quote owner used when neither a recipient nor a
// connected account is known.
const PlaceholderOwner = "0x0000000000000000000000000000000000000001"

var (
	evmAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	txHashPattern     = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// Token is a tradable asset on a single network.
type Token struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Address  string `json:"address" yaml:"address"`
	Decimals int    `json:"decimals" yaml:"decimals"`
}

// Key is the registry identity of the token.
func (t Token) Key() string { return strings.ToLower(t.Address) }

func (t Token) IsNative() bool { return IsNativeToken(t.Address) }

// NormalizeAddress validates a hex address and returns its checksummed form.
func NormalizeAddress(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if !evmAddressPattern.MatchString(raw) {
		return "", false
	}
	return common.HexToAddress(raw).Hex(), true
}

// IsAddress reports whether raw is a syntactically valid EVM address.
func IsAddress(raw string) bool {
	_, ok := NormalizeAddress(raw)
	return ok
}

func IsNativeToken(addr string) bool {
	return strings.EqualFold(strings.TrimSpace(addr), NativeTokenAddress)
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Recipient is the validated content of the optional recipient field.
// An empty value is valid and means "the connected account".
type Recipient struct {
	Value string
	Valid bool
}

func ValidateRecipient(raw string) Recipient {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Recipient{Valid: true}
	}
	normalized, ok := NormalizeAddress(raw)
	if !ok {
		return Recipient{Value: raw, Valid: false}
	}
	return Recipient{Value: normalized, Valid: true}
}

// IsTxHash reports whether hash is a full 32-byte hex transaction hash.
func IsTxHash(hash string) bool {
	return txHashPattern.MatchString(hash)
}

// ShortAddress renders 0x1234...abcd.
func ShortAddress(addr string) string {
	if len(addr) < 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

func ShortHash(hash string) string {
	if len(hash) < 12 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-6:]
}

// Route is the shareable location state `#/<chainId>/swap/<from>/<to>`.
type Route struct {
	ChainID  int64
	TokenIn  string
	TokenOut string
}

func ParseRoute(raw string) Route {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "#")
	raw = strings.TrimPrefix(raw, "/")
	if raw == "" {
		return Route{}
	}
	parts := make([]string, 0, 4)
	for _, part := range strings.Split(raw, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	var out Route
	if len(parts) > 0 {
		if v, err := strconv.ParseFloat(parts[0], 64); err == nil && v > 0 {
			out.ChainID = int64(v)
		}
	}
	swapIdx := -1
	for i, part := range parts {
		if part == "swap" {
			swapIdx = i
			break
		}
	}
	if swapIdx < 0 {
		return out
	}
	if swapIdx+1 < len(parts) {
		out.TokenIn = strings.ToLower(parts[swapIdx+1])
	}
	if swapIdx+2 < len(parts) {
		out.TokenOut = strings.ToLower(parts[swapIdx+2])
	}
	return out
}

func FormatRoute(chainID int64, fromSymbol, toAddress string) string {
	return "#/" + strconv.FormatInt(chainID, 10) + "/swap/" + fromSymbol + "/" + toAddress
}
