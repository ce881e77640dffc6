package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func TestABIConstantsParse(t *testing.T) {
	abis := []string{
		ERC20MinimalABI,
		ERC20MetadataABI,
		ERC20MetadataBytes32ABI,
		ElfomoABI,
		ContrapartyABI,
		CowSettlementABI,
	}
	for i, raw := range abis {
		if _, err := abi.JSON(strings.NewReader(raw)); err != nil {
			t.Fatalf("abi %d failed to parse: %v", i, err)
		}
	}
}

func TestDefaultCatalogue(t *testing.T) {
	c := DefaultCatalogue()
	if c.DefaultNetwork != "megaeth" {
		t.Fatalf("unexpected default network %s", c.DefaultNetwork)
	}
	keys := []string{}
	for _, n := range c.List() {
		keys = append(keys, n.Key)
		if !n.IsSupported() {
			t.Fatalf("expected %s to be supported", n.Key)
		}
	}
	if strings.Join(keys, ",") != "ethereum,base,megaeth" {
		t.Fatalf("unexpected order %v", keys)
	}

	base, _ := c.Get("base")
	if !base.HasCow() || !base.HasElfomo() || !base.HasContraparty() || base.HasKyber() {
		t.Fatalf("unexpected base backends %+v", base)
	}
	mega, _ := c.Get("MegaETH")
	if mega.HasCow() || mega.HasElfomo() || !mega.HasContraparty() || !mega.HasKyber() {
		t.Fatalf("unexpected megaeth backends %+v", mega)
	}
	eth, _ := c.Get("ethereum")
	if !eth.HasCow() || eth.HasElfomo() || eth.HasContraparty() || eth.HasKyber() {
		t.Fatalf("unexpected ethereum backends %+v", eth)
	}
}

func TestCataloguePick(t *testing.T) {
	c := DefaultCatalogue()
	if got := c.Pick(8453, "ethereum"); got != "base" {
		t.Fatalf("expected route chain to win, got %s", got)
	}
	if got := c.Pick(999, "ethereum"); got != "ethereum" {
		t.Fatalf("expected requested network, got %s", got)
	}
	if got := c.Pick(0, "nope"); got != "megaeth" {
		t.Fatalf("expected default network, got %s", got)
	}
}

func TestLoadCatalogueOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	body := `
default_network: base
networks:
  local:
    label: Local
    chain_id: 31337
    supported: true
    contraparty_contract: "0x0341F4282D10C1A130C21CE0BDcE82076951e819"
    rpc_urls: ["http://127.0.0.1:8545", "http://127.0.0.1:8545"]
    tokens:
      - {symbol: WETH, address: "0x4200000000000000000000000000000000000006", decimals: 18}
    default_token_in: WETH
    default_token_out: WETH
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	c, err := LoadCatalogue(path)
	if err != nil {
		t.Fatalf("LoadCatalogue failed: %v", err)
	}
	if c.DefaultNetwork != "base" {
		t.Fatalf("unexpected default %s", c.DefaultNetwork)
	}
	local, ok := c.Get("local")
	if !ok || len(local.RPCURLs) != 1 || !local.IsSupported() {
		t.Fatalf("unexpected local network %+v", local)
	}
	if n, ok := c.ByChainID(31337); !ok || n.Key != "local" {
		t.Fatalf("expected lookup by chain id, got %+v", n)
	}
}

func TestExplorerURLs(t *testing.T) {
	hash := "0x" + strings.Repeat("a", 64)
	if got := ExplorerTxURL(8453, hash); got != "https://basescan.org/tx/"+hash {
		t.Fatalf("unexpected tx url %s", got)
	}
	if got := ExplorerTxURL(8453, "0x1234"); got != "" {
		t.Fatalf("expected empty url for bad hash, got %s", got)
	}
	if got := ExplorerTxURL(10, hash); got != "" {
		t.Fatalf("expected empty url for unknown chain, got %s", got)
	}
	urls := BlockExplorerURLs(6342)
	if len(urls) != 1 || urls[0] != "https://megaeth.blockscout.com" {
		t.Fatalf("unexpected explorer urls %v", urls)
	}
}

func TestEndpointsAndSlugs(t *testing.T) {
	if u, ok := CowQuoteURL(1); !ok || u != "https://api.cow.fi/mainnet/api/v1/quote" {
		t.Fatalf("unexpected quote url %s", u)
	}
	if _, ok := CowQuoteURL(4326); ok {
		t.Fatal("did not expect cow on megaeth")
	}
	if KyberChainSlug(4326) != "megaeth" || KyberChainSlug(10) != "" {
		t.Fatal("unexpected kyber slugs")
	}
	if CowVaultRelayerFor(8453) == "" || CowVaultRelayerFor(4326) != "" {
		t.Fatal("unexpected relayer mapping")
	}
}

func TestIsAllowedAPIBaseURL(t *testing.T) {
	if !IsAllowedAPIBaseURL(KyberAPIBaseURL, "https://aggregator-api.kyberswap.com") {
		t.Fatal("expected canonical url to be allowed")
	}
	if !IsAllowedAPIBaseURL(KyberAPIBaseURL, "http://127.0.0.1:9000") {
		t.Fatal("expected loopback url to be allowed")
	}
	if IsAllowedAPIBaseURL(KyberAPIBaseURL, "http://aggregator-api.kyberswap.com") {
		t.Fatal("expected plain http to be rejected")
	}
	if IsAllowedAPIBaseURL(CowAPIBaseURL, "https://evil.example") {
		t.Fatal("expected foreign host to be rejected")
	}
}

func TestDedupeRPCURLs(t *testing.T) {
	got := ResolveRPCURLs([]string{" https://a ", ""}, Network{RPCURLs: []string{"https://b", "https://a"}})
	if strings.Join(got, ",") != "https://a,https://b" {
		t.Fatalf("unexpected rpc urls %v", got)
	}
}
