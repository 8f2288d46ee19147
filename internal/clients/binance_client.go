package clients

import (
	"github.com/adshao/go-binance/v2"
	"github.com/vadiminshakov/satstacker/internal/domain"
)

// NewBinanceClient builds an authenticated client from an [api key, secret] pair.
func NewBinanceClient(keys []string) (*binance.Client, error) {
	if err := requireKeys("binance", keys, 2); err != nil {
		return nil, err
	}
	return binance.NewClient(keys[0], keys[1]), nil
}

func requireKeys(exchange string, keys []string, n int) error {
	if len(keys) < n {
		return domain.NewConfigurationError("%s requires %d credential values, got %d", exchange, n, len(keys))
	}
	for i := 0; i < n; i++ {
		if keys[i] == "" {
			return domain.NewConfigurationError("%s credential %d is empty", exchange, i+1)
		}
	}
	return nil
}
