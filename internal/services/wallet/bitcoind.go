// Package wallet generates deposit addresses from a bitcoind wallet over JSON-RPC.
package wallet

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/satstacker/internal/domain"
	"go.uber.org/zap"
)

const (
	// AddressLabel is attached to every generated address.
	AddressLabel = "satstacker"
	// DefaultWalletName is created when the node has no wallet at all.
	DefaultWalletName = "satstacker"

	rpcWalletNotFound = -18
)

// Config locates the bitcoind RPC endpoint.
type Config struct {
	URL      string
	User     string
	Password string
	// WalletName selects a named wallet; empty uses the node's default wallet.
	WalletName string
}

// BitcoindService implements the deposit address source of Dynamic withdrawals.
type BitcoindService struct {
	cfg    Config
	logger *zap.Logger
}

func NewBitcoindService(cfg Config, logger *zap.Logger) (*BitcoindService, error) {
	if cfg.URL == "" {
		return nil, domain.NewConfigurationError("bitcoind rpc url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BitcoindService{cfg: cfg, logger: logger}, nil
}

// GenerateDepositAddress returns a fresh address, loading or creating the wallet
// first when the node reports that it is not loaded.
func (s *BitcoindService) GenerateDepositAddress(ctx context.Context) (string, error) {
	address, err := s.newAddress(ctx)
	if err == nil {
		return address, nil
	}
	if !walletNotFound(err) {
		return "", errors.Wrap(err, "getnewaddress")
	}

	s.logger.Warn("wallet is not loaded, trying to either load it or create a new one", zap.Error(err))
	if err := s.loadOrCreateWallet(ctx); err != nil {
		return "", err
	}

	address, err = s.newAddress(ctx)
	if err != nil {
		return "", errors.Wrap(err, "getnewaddress")
	}
	return address, nil
}

func (s *BitcoindService) newAddress(ctx context.Context) (string, error) {
	client, err := s.dial(ctx, s.walletURL())
	if err != nil {
		return "", err
	}
	defer client.Close()

	var address string
	if err := client.CallContext(ctx, &address, "getnewaddress", AddressLabel); err != nil {
		return "", err
	}
	return address, nil
}

type walletDir struct {
	Wallets []struct {
		Name string `json:"name"`
	} `json:"wallets"`
}

func (s *BitcoindService) loadOrCreateWallet(ctx context.Context) error {
	client, err := s.dial(ctx, s.cfg.URL)
	if err != nil {
		return err
	}
	defer client.Close()

	var dir walletDir
	if err := client.CallContext(ctx, &dir, "listwalletdir"); err != nil {
		return errors.Wrap(err, "listwalletdir")
	}

	name := s.cfg.WalletName
	exists := false
	for _, w := range dir.Wallets {
		if name == "" || w.Name == name {
			name = w.Name
			exists = true
			break
		}
	}

	if exists {
		s.logger.Info("loading wallet", zap.String("wallet", name))
		if err := client.CallContext(ctx, nil, "loadwallet", name); err != nil {
			return errors.Wrapf(err, "loadwallet %s", name)
		}
		return nil
	}

	if name == "" {
		name = DefaultWalletName
	}
	s.logger.Info("creating wallet", zap.String("wallet", name))
	if err := client.CallContext(ctx, nil, "createwallet", name); err != nil {
		return errors.Wrapf(err, "createwallet %s", name)
	}
	return nil
}

func (s *BitcoindService) walletURL() string {
	if s.cfg.WalletName == "" {
		return s.cfg.URL
	}
	return strings.TrimRight(s.cfg.URL, "/") + "/wallet/" + s.cfg.WalletName
}

func (s *BitcoindService) dial(ctx context.Context, url string) (*rpc.Client, error) {
	var opts []rpc.ClientOption
	if s.cfg.User != "" {
		token := base64.StdEncoding.EncodeToString([]byte(s.cfg.User + ":" + s.cfg.Password))
		opts = append(opts, rpc.WithHeader("Authorization", "Basic "+token))
	}

	client, err := rpc.DialOptions(ctx, url, opts...)
	if err != nil {
		return nil, domain.WrapInfrastructure(err, "dial bitcoind")
	}
	return client, nil
}

// walletNotFound matches RPC_WALLET_NOT_FOUND both as a JSON-RPC error and inside
// the body of an HTTP error, which older nodes return.
func walletNotFound(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == rpcWalletNotFound {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return bytes.Contains(httpErr.Body, []byte(`"code":-18`))
	}
	return false
}
