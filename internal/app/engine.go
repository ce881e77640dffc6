package app

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/ggonzalez94/contraparty/internal/approval"
	"github.com/ggonzalez94/contraparty/internal/chain"
	"github.com/ggonzalez94/contraparty/internal/config"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/httpx"
	"github.com/ggonzalez94/contraparty/internal/model"
	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/providers/contraparty"
	"github.com/ggonzalez94/contraparty/internal/providers/cow"
	"github.com/ggonzalez94/contraparty/internal/providers/elfomo"
	"github.com/ggonzalez94/contraparty/internal/providers/kyber"
	"github.com/ggonzalez94/contraparty/internal/quote"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

// engine is the process-wide set of components every command shares: the
// network catalogue, the quote backends and the read transports.
type engine struct {
	catalogue  *registry.Catalogue
	cow        *cow.Client
	kyber      *kyber.Client
	trading    *cow.Trading
	aggregator *quote.Aggregator
	readers    *chain.Factory
	approvals  *approval.Manager
}

func newEngine(settings config.Settings, logger log.Logger) (*engine, error) {
	catalogue, err := registry.LoadCatalogue(settings.NetworksPath)
	if err != nil {
		return nil, err
	}
	if !registry.IsAllowedAPIBaseURL(registry.CowAPIBaseURL, settings.CowAPIBaseURL) {
		return nil, clierr.New(clierr.CodeUsage, "cow api url must use the canonical https host or a loopback address")
	}
	if !registry.IsAllowedAPIBaseURL(registry.KyberAPIBaseURL, settings.KyberAPIBaseURL) {
		return nil, clierr.New(clierr.CodeUsage, "kyber api url must use the canonical https host or a loopback address")
	}

	httpClient := httpx.New(settings.Timeout, settings.Retries).WithRateLimit(settings.RequestsPerSecond)
	cowClient := cow.New(httpClient, settings.CowAPIBaseURL, logger)
	kyberClient := kyber.New(httpClient, settings.KyberAPIBaseURL, logger)
	backends := []providers.Backend{
		cowClient,
		kyberClient,
		elfomo.New(logger),
		contraparty.New(logger),
	}

	readers := chain.NewFactory(logger)
	if settings.Timeout > 0 {
		readers.Timeout = settings.Timeout
	}
	if settings.Retries >= 0 {
		readers.Retries = settings.Retries
	}

	return &engine{
		catalogue:  catalogue,
		cow:        cowClient,
		kyber:      kyberClient,
		trading:    cow.NewTrading(cowClient, logger),
		aggregator: quote.NewAggregator(backends, logger),
		readers:    readers,
		approvals:  approval.NewManager(logger),
	}, nil
}

// providerInfos lists every backend with the catalogue networks it serves.
func (e *engine) providerInfos() []model.ProviderInfo {
	backends := e.aggregator.Backends()
	infos := make([]model.ProviderInfo, 0, len(backends))
	for _, b := range backends {
		info := b.Info()
		info.Networks = nil
		for _, n := range e.catalogue.List() {
			if b.Configured(n) {
				info.Networks = append(info.Networks, n.Key)
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// providerStatuses reports, per backend configured on the network, whether
// it produced a positive candidate in the round.
func (e *engine) providerStatuses(network registry.Network, res quote.Result) []model.ProviderStatus {
	answered := map[providers.Source]bool{}
	for _, c := range res.Candidates {
		if c.Positive() {
			answered[c.Source] = true
		}
	}
	configured := e.aggregator.Configured(network)
	statuses := make([]model.ProviderStatus, 0, len(configured))
	for _, b := range configured {
		status := "no_route"
		if answered[b.Source()] {
			status = "ok"
		}
		if res.Cleared {
			status = "skipped"
		}
		statuses = append(statuses, model.ProviderStatus{Name: b.Info().Name, Status: status})
	}
	return statuses
}
