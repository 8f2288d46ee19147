package pricer

import (
	"context"
	"fmt"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// SimulatePricer fetches real market prices from the Binance public API
// without requiring authentication.
type SimulatePricer struct {
	client *binance.Client
}

func NewSimulatePricer(client *binance.Client) *SimulatePricer {
	return &SimulatePricer{client: client}
}

// GetPrice fetches the last traded price of symbol.
func (p *SimulatePricer) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := p.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(prices) == 0 {
		return decimal.Decimal{}, fmt.Errorf("binance API returned empty prices for %s", symbol)
	}

	return decimal.NewFromString(prices[0].Price)
}

// GetMarketSymbols lists every symbol Binance quotes a price for.
func (p *SimulatePricer) GetMarketSymbols(ctx context.Context) ([]string, error) {
	prices, err := p.client.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(prices))
	for _, price := range prices {
		symbols = append(symbols, price.Symbol)
	}
	return symbols, nil
}
