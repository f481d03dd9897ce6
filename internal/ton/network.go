package ton

import (
	"context"
	"fmt"
	"strings"

	"github.com/xssnick/tonutils-go/liteclient"
	tonsdk "github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
)

// Network selects the target TON network.
type Network string

const (
	Testnet Network = "testnet"
	Mainnet Network = "mainnet"
)

// Lite-server global config locations published by the TON Foundation.
const (
	MainnetConfigURL = "https://ton.org/global.config.json"
	TestnetConfigURL = "https://ton-blockchain.github.io/testnet-global.config.json"
)

// ConfigURL returns the lite-server config location for the network.
func (n Network) ConfigURL() string {
	if n == Mainnet {
		return MainnetConfigURL
	}
	return TestnetConfigURL
}

// Valid reports whether n is a known network selector.
func (n Network) Valid() bool {
	return n == Testnet || n == Mainnet
}

// dial connects to the network's lite servers and loads the admin wallet.
func (c *Client) dial(ctx context.Context, cfg Config) error {
	if !cfg.Network.Valid() {
		return fmt.Errorf("unknown network %q (want testnet or mainnet)", cfg.Network)
	}

	configURL := cfg.ConfigURL
	if configURL == "" {
		configURL = cfg.Network.ConfigURL()
	}

	pool := liteclient.NewConnectionPool()
	if err := pool.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
		return fmt.Errorf("%w: lite servers: %v", ErrNetworkUnavailable, err)
	}

	api := tonsdk.NewAPIClient(pool)
	if c.api == nil {
		c.api = api
	}

	if c.w == nil {
		words := strings.Fields(cfg.AdminSeed)
		if len(words) != 24 {
			return fmt.Errorf("admin wallet seed must be 24 words, got %d", len(words))
		}
		w, err := wallet.FromSeed(api, words, wallet.V4R2)
		if err != nil {
			return fmt.Errorf("load admin wallet: %w", err)
		}
		c.w = w
	}

	c.logger.Info("connected to TON",
		"network", cfg.Network,
		"admin_wallet", c.w.WalletAddress().String(),
	)

	return nil
}
