package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/id"
)

const (
	ChainIDEthereum = 1
	ChainIDBase     = 8453
	ChainIDMegaETH  = 4326
	ChainIDMegaTest = 6342
)

// Network is the static configuration of one selectable chain.
type Network struct {
	Key                 string     `json:"key" yaml:"-"`
	Label               string     `json:"label" yaml:"label"`
	ChainID             int64      `json:"chain_id" yaml:"chain_id"`
	CowChainID          int64      `json:"cow_chain_id,omitempty" yaml:"cow_chain_id"`
	Supported           bool       `json:"supported" yaml:"supported"`
	ElfomoContract      string     `json:"elfomo_contract,omitempty" yaml:"elfomo_contract"`
	ContrapartyContract string     `json:"contraparty_contract,omitempty" yaml:"contraparty_contract"`
	ContrapartyVersion  string     `json:"contraparty_version,omitempty" yaml:"contraparty_version"`
	KyberBackup         bool       `json:"kyber_backup,omitempty" yaml:"kyber_backup"`
	PreferredSource     string     `json:"preferred_source,omitempty" yaml:"preferred_source"`
	BackupSource        string     `json:"backup_source,omitempty" yaml:"backup_source"`
	RPCURLs             []string   `json:"rpc_urls" yaml:"rpc_urls"`
	Tokens              []id.Token `json:"tokens" yaml:"tokens"`
	DefaultTokenIn      string     `json:"default_token_in" yaml:"default_token_in"`
	DefaultTokenOut     string     `json:"default_token_out" yaml:"default_token_out"`
}

// HasCow reports whether the batch-auction backend serves this network.
func (n Network) HasCow() bool {
	_, ok := CowQuoteURL(n.CowChainID)
	return n.CowChainID > 0 && ok
}

func (n Network) HasElfomo() bool {
	return n.ChainID == ChainIDBase && id.IsAddress(n.ElfomoContract)
}

func (n Network) HasContraparty() bool {
	return id.IsAddress(n.ContrapartyContract)
}

// HasKyber reports whether the aggregator is used as a quote backend here.
func (n Network) HasKyber() bool {
	return n.KyberBackup && KyberChainSlug(n.ChainID) != ""
}

// HasQuoteBackend mirrors the support check used for network selection: any
// backend with an endpoint or contract for the chain counts.
func (n Network) HasQuoteBackend() bool {
	return n.HasCow() || n.HasElfomo() || n.HasContraparty() || KyberChainSlug(n.ChainID) != ""
}

func (n Network) IsSupported() bool {
	return n.Supported && n.HasQuoteBackend()
}

// Catalogue is the ordered set of networks the engine can operate on.
type Catalogue struct {
	DefaultNetwork string
	networks       map[string]Network
	order          []string
}

type catalogueFile struct {
	DefaultNetwork string             `yaml:"default_network"`
	Networks       map[string]Network `yaml:"networks"`
}

func DefaultCatalogue() *Catalogue {
	c := &Catalogue{DefaultNetwork: "megaeth", networks: map[string]Network{}}
	for _, n := range defaultNetworks() {
		c.put(n)
	}
	return c
}

// LoadCatalogue returns the built-in networks, overlaid with the YAML file at
// path when it is set. Entries in the file replace built-ins with the same key.
func LoadCatalogue(path string) (*Catalogue, error) {
	c := DefaultCatalogue()
	path = strings.TrimSpace(path)
	if path == "" {
		return c, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "read networks file", err)
	}
	var file catalogueFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "parse networks file", err)
	}
	keys := make([]string, 0, len(file.Networks))
	for key := range file.Networks {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		n := file.Networks[key]
		n.Key = strings.ToLower(strings.TrimSpace(key))
		if n.ChainID <= 0 {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("network %s: chain_id must be > 0", n.Key))
		}
		if n.Label == "" {
			n.Label = fmt.Sprintf("Chain %d", n.ChainID)
		}
		c.put(n)
	}
	if v := strings.ToLower(strings.TrimSpace(file.DefaultNetwork)); v != "" {
		c.DefaultNetwork = v
	}
	return c, nil
}

func (c *Catalogue) put(n Network) {
	n.RPCURLs = DedupeRPCURLs(n.RPCURLs)
	if _, exists := c.networks[n.Key]; !exists {
		c.order = append(c.order, n.Key)
	}
	c.networks[n.Key] = n
}

func (c *Catalogue) Get(key string) (Network, bool) {
	n, ok := c.networks[strings.ToLower(strings.TrimSpace(key))]
	return n, ok
}

func (c *Catalogue) List() []Network {
	out := make([]Network, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.networks[key])
	}
	return out
}

func (c *Catalogue) ByChainID(chainID int64) (Network, bool) {
	if chainID <= 0 {
		return Network{}, false
	}
	for _, key := range c.order {
		if c.networks[key].ChainID == chainID {
			return c.networks[key], true
		}
	}
	return Network{}, false
}

// Pick selects the starting network: the chain named by the route, then the
// requested key, then the default, then the first supported entry.
func (c *Catalogue) Pick(routeChainID int64, requested string) string {
	if routeChainID > 0 {
		for _, key := range c.order {
			n := c.networks[key]
			if n.ChainID == routeChainID && n.IsSupported() {
				return key
			}
		}
	}
	requested = strings.ToLower(strings.TrimSpace(requested))
	if n, ok := c.networks[requested]; ok && requested != "" && n.IsSupported() {
		return requested
	}
	if n, ok := c.networks[c.DefaultNetwork]; ok && n.IsSupported() {
		return c.DefaultNetwork
	}
	for _, key := range c.order {
		if c.networks[key].IsSupported() {
			return key
		}
	}
	return c.DefaultNetwork
}

func defaultNetworks() []Network {
	return []Network{
		{
			Key:                "ethereum",
			Label:              "Ethereum",
			ChainID:            ChainIDEthereum,
			CowChainID:         ChainIDEthereum,
			Supported:          true,
			ContrapartyVersion: "v1",
			RPCURLs: []string{
				"https://ethereum-rpc.publicnode.com",
				"https://eth.llamarpc.com",
				"https://rpc.ankr.com/eth",
			},
			Tokens: []id.Token{
				{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
				{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
			},
			DefaultTokenIn:  "WETH",
			DefaultTokenOut: "USDC",
		},
		{
			Key:                 "base",
			Label:               "Base",
			ChainID:             ChainIDBase,
			CowChainID:          ChainIDBase,
			Supported:           true,
			ElfomoContract:      "0xf0f0F0F0FB0d738452EfD03A28e8be14C76d5f73",
			ContrapartyContract: "0x0341F4282D10C1A130C21CE0BDcE82076951e819",
			ContrapartyVersion:  "v1",
			RPCURLs: []string{
				"https://base-rpc.publicnode.com",
				"https://base.drpc.org",
				"https://base.llamarpc.com",
			},
			Tokens: []id.Token{
				{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
				{Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
				{Symbol: "cbBTC", Address: "0xcbb7c0000ab88b473b1f5afd9ef808440eed33bf", Decimals: 8},
			},
			DefaultTokenIn:  "WETH",
			DefaultTokenOut: "USDC",
		},
		{
			Key:                 "megaeth",
			Label:               "MegaETH",
			ChainID:             ChainIDMegaETH,
			Supported:           true,
			ContrapartyContract: "0x2Ede240d8E64e7Be3B103d9434733D56caFd9059",
			ContrapartyVersion:  "v2",
			KyberBackup:         true,
			PreferredSource:     "contraparty",
			BackupSource:        "kyber",
			RPCURLs:             []string{"https://mainnet.megaeth.com/rpc"},
			Tokens: []id.Token{
				{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
				{Symbol: "USDm", Address: "0xFAfDdbb3FC7688494971a79cc65DCa3EF82079E7", Decimals: 18},
				{Symbol: "USDT0", Address: "0xB8CE59FC3717ada4C02eaDF9682A9e934F625ebb", Decimals: 6},
				{Symbol: "BTC.b", Address: "0xB0F70C0bD6FD87dbEb7C10dC692a2a6106817072", Decimals: 8},
			},
			DefaultTokenIn:  "WETH",
			DefaultTokenOut: "USDm",
		},
	}
}
