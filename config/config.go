package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/satstacker/internal/domain"
	"github.com/vadiminshakov/satstacker/internal/services/gateway"
	"github.com/vadiminshakov/satstacker/internal/services/wallet"
	"github.com/vadiminshakov/satstacker/internal/storage/schedules"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDataDir  = "./data"
	DefaultHTTPAddr = ":8080"
)

type Config struct {
	// Setup runs the new schedule wizard instead of the daemon.
	Setup          bool
	DataDir        string
	HTTPAddr       string
	AutocertDomain string
	Location       *time.Location
	Exchanges      map[string]domain.ExchangeOptions
	Retry          gateway.Config
	Wallet         wallet.Config
}

type ConfigTmp struct {
	DataDir        string        `yaml:"data_dir"`
	HTTPAddr       string        `yaml:"http_addr"`
	AutocertDomain string        `yaml:"autocert_domain,omitempty"`
	Timezone       string        `yaml:"timezone,omitempty"`
	Exchanges      []ExchangeTmp `yaml:"exchanges,omitempty"`
	Retry          RetryTmp      `yaml:"retry,omitempty"`
	Wallet         WalletTmp     `yaml:"wallet,omitempty"`
}

type ExchangeTmp struct {
	Name                 string `yaml:"name"`
	BuyOrderType         string `yaml:"buy_order_type,omitempty"`
	ReverseCurrencies    bool   `yaml:"reverse_currencies,omitempty"`
	BitcoinSymbol        string `yaml:"bitcoin_symbol,omitempty"`
	WithdrawalReserveStr string `yaml:"withdrawal_reserve,omitempty"`
	TickerPrefixes       string `yaml:"ticker_prefixes,omitempty"`
}

type RetryTmp struct {
	OrderCheckDelay time.Duration `yaml:"order_check_delay,omitempty"`
	FillPolls       *int          `yaml:"fill_polls,omitempty"`
	DetailRetries   *int          `yaml:"detail_retries,omitempty"`
}

type WalletTmp struct {
	RPCURL      string `yaml:"rpc_url,omitempty"`
	RPCUser     string `yaml:"rpc_user,omitempty"`
	RPCPassword string `yaml:"rpc_password,omitempty"`
	WalletName  string `yaml:"wallet_name,omitempty"`
}

// Get reads the command line of the process.
func Get() (Config, error) {
	return Parse(os.Args[1:])
}

// Parse reads --config and --setup from args. Without --config the defaults are used.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("satstacker", flag.ContinueOnError)
	path := fs.String("config", "", "path to yaml config")
	setup := fs.Bool("setup", false, "run the interactive new schedule wizard")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	var tmp ConfigTmp
	if *path != "" {
		f, err := os.ReadFile(*path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(f, &tmp); err != nil {
			return Config{}, fmt.Errorf("incorrect yaml config %s: %w", *path, err)
		}
	}

	cfg, err := fromTmp(tmp)
	if err != nil {
		return Config{}, err
	}
	cfg.Setup = *setup
	return cfg, nil
}

func fromTmp(c ConfigTmp) (Config, error) {
	cfg := Config{
		DataDir:        c.DataDir,
		HTTPAddr:       c.HTTPAddr,
		AutocertDomain: c.AutocertDomain,
		Location:       time.UTC,
		Exchanges:      make(map[string]domain.ExchangeOptions, len(c.Exchanges)),
		Retry:          gateway.DefaultConfig(),
		Wallet: wallet.Config{
			URL:        c.Wallet.RPCURL,
			User:       c.Wallet.RPCUser,
			Password:   c.Wallet.RPCPassword,
			WalletName: c.Wallet.WalletName,
		},
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}

	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'timezone' param in yaml config: %s, error: %w", c.Timezone, err)
		}
		cfg.Location = loc
	}

	if c.Retry.OrderCheckDelay > 0 {
		cfg.Retry.OrderCheckDelay = c.Retry.OrderCheckDelay
	}
	if c.Retry.FillPolls != nil {
		if *c.Retry.FillPolls < 0 {
			return Config{}, fmt.Errorf("incorrect 'fill_polls' param in yaml config (must not be negative): %d", *c.Retry.FillPolls)
		}
		cfg.Retry.FillPolls = *c.Retry.FillPolls
	}
	if c.Retry.DetailRetries != nil {
		if *c.Retry.DetailRetries < 0 {
			return Config{}, fmt.Errorf("incorrect 'detail_retries' param in yaml config (must not be negative): %d", *c.Retry.DetailRetries)
		}
		cfg.Retry.DetailRetries = *c.Retry.DetailRetries
	}

	for _, e := range c.Exchanges {
		name := strings.ToLower(strings.TrimSpace(e.Name))
		if name == "" {
			return Config{}, fmt.Errorf("exchange entry without 'name' in yaml config")
		}

		opts := domain.DefaultExchangeOptions()
		orderType, err := domain.ParseOrderType(e.BuyOrderType)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'buy_order_type' param for exchange %s: %w", name, err)
		}
		opts.BuyOrderType = orderType
		opts.ReverseCurrencies = e.ReverseCurrencies
		opts.TickerPrefixes = e.TickerPrefixes
		if e.BitcoinSymbol != "" {
			opts.BitcoinSymbol = strings.ToUpper(e.BitcoinSymbol)
		}
		if e.WithdrawalReserveStr != "" {
			reserve, err := decimal.NewFromString(e.WithdrawalReserveStr)
			if err != nil {
				return Config{}, fmt.Errorf("incorrect 'withdrawal_reserve' param for exchange %s (must be a decimal), error: %w", name, err)
			}
			if reserve.IsNegative() {
				return Config{}, fmt.Errorf("incorrect 'withdrawal_reserve' param for exchange %s (must not be negative)", name)
			}
			opts.WithdrawalReserve = reserve
		}

		cfg.Exchanges[name] = opts
	}

	return cfg, nil
}

// ExchangeOptions returns the settings of exchange, or the defaults for an unconfigured one.
func (c Config) ExchangeOptions(exchange string) domain.ExchangeOptions {
	if opts, ok := c.Exchanges[strings.ToLower(strings.TrimSpace(exchange))]; ok {
		return opts
	}
	return domain.DefaultExchangeOptions()
}

// WalletEnabled reports whether Dynamic withdrawals can get addresses.
func (c Config) WalletEnabled() bool {
	return c.Wallet.URL != ""
}

func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, schedules.DefaultFileName)
}

func (c Config) KeysDir() string {
	return filepath.Join(c.DataDir, "keys")
}

func (c Config) EventsWALDir() string {
	return filepath.Join(c.DataDir, "wal", "events")
}

func (c Config) RegistrationsWALDir() string {
	return filepath.Join(c.DataDir, "wal", "registrations")
}

func (c Config) SimulateDir() string {
	return filepath.Join(c.DataDir, "simulate")
}

func (c Config) CertCacheDir() string {
	return filepath.Join(c.DataDir, "certs")
}
