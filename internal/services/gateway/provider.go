package gateway

import (
	"context"
	"sort"
	"strings"

	"github.com/vadiminshakov/satstacker/internal/clients"
	"github.com/vadiminshakov/satstacker/internal/domain"
	"github.com/vadiminshakov/satstacker/internal/services/pricer"
	"github.com/vadiminshakov/satstacker/internal/services/trader"
	"github.com/vadiminshakov/satstacker/internal/storage/simstate"
	"go.uber.org/zap"
)

// Supported exchange names.
const (
	ExchangeBinance     = "binance"
	ExchangeBybit       = "bybit"
	ExchangeHyperliquid = "hyperliquid"
	ExchangeSimulate    = "simulate"
)

// Factory opens a gateway bound to one credential set.
type Factory interface {
	Open(ctx context.Context, exchange string, keys []string) (Exchange, error)
}

// Provider is the single point of dispatch to venue connectors.
type Provider struct {
	cfg         Config
	logger      *zap.Logger
	simulateDir string
	opts        []Option
}

// NewProvider creates a Provider. simulateDir holds paper account state.
func NewProvider(cfg Config, simulateDir string, logger *zap.Logger, opts ...Option) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, logger: logger, simulateDir: simulateDir, opts: opts}
}

// Exchanges lists the names Open accepts.
func Exchanges() []string {
	names := []string{ExchangeBinance, ExchangeBybit, ExchangeHyperliquid, ExchangeSimulate}
	sort.Strings(names)
	return names
}

func (p *Provider) Open(ctx context.Context, exchange string, keys []string) (Exchange, error) {
	name := strings.ToLower(strings.TrimSpace(exchange))
	api, err := p.connect(name, keys)
	if err != nil {
		return nil, err
	}
	return New(api, p.cfg, p.logger.With(zap.String("exchange", name)), p.opts...), nil
}

func (p *Provider) connect(exchange string, keys []string) (API, error) {
	switch exchange {
	case ExchangeBinance:
		c, err := clients.NewBinanceClient(keys)
		if err != nil {
			return nil, err
		}
		return trader.NewBinanceTrader(c)
	case ExchangeBybit:
		c, err := clients.NewBybitClient(keys)
		if err != nil {
			return nil, err
		}
		return trader.NewBybitTrader(c)
	case ExchangeHyperliquid:
		c, err := clients.NewHyperliquidClient(keys)
		if err != nil {
			return nil, err
		}
		return trader.NewHyperliquidTrader(c.Exchange(), c.AccountAddress())
	case ExchangeSimulate:
		c := clients.NewSimulateClient(keys)
		store, err := simstate.NewStore(p.simulateDir, c.Account())
		if err != nil {
			return nil, domain.WrapInfrastructure(err, "open simulate state")
		}
		return trader.NewSimulateTrader(p.logger, pricer.NewSimulatePricer(c.GetBinanceClient()), store)
	default:
		return nil, domain.NewConfigurationError("unsupported exchange %q", exchange)
	}
}
