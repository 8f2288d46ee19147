package clients

import (
	"github.com/hirokisan/bybit/v2"
)

// NewBybitClient builds an authenticated client from an [api key, secret] pair.
func NewBybitClient(keys []string) (*bybit.Client, error) {
	if err := requireKeys("bybit", keys, 2); err != nil {
		return nil, err
	}
	return bybit.NewClient().WithAuth(keys[0], keys[1]), nil
}
