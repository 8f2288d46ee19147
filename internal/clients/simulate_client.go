package clients

import (
	"github.com/adshao/go-binance/v2"
)

// SimulateClient identifies a paper account and carries a public Binance client for prices.
type SimulateClient struct {
	account       string
	binanceClient *binance.Client
}

// NewSimulateClient uses keys[0] as the paper account name; it defaults to "default".
func NewSimulateClient(keys []string) *SimulateClient {
	account := "default"
	if len(keys) > 0 && keys[0] != "" {
		account = keys[0]
	}
	// no API keys, public market data only
	return &SimulateClient{
		account:       account,
		binanceClient: binance.NewClient("", ""),
	}
}

func (c *SimulateClient) Account() string { return c.account }

func (c *SimulateClient) GetBinanceClient() *binance.Client { return c.binanceClient }
