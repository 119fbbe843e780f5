// Package fetch provides the clients the indexer uses to read the L2 chain,
// its block explorer, the price feed and the settlement-chain bridge balance.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/bridge-kpi-indexer/internal/config"
	"github.com/yourorg/bridge-kpi-indexer/internal/model"
)

// ChainClient defines the read-only chain access the ingestion engine needs
type ChainClient interface {
	// CurrentHeight returns the latest block number
	CurrentHeight(ctx context.Context) (uint64, error)

	// GetBlock returns the block at height h, model.ErrNotFound if it does not exist
	GetBlock(ctx context.Context, h uint64) (*model.Block, error)

	// GetTransaction returns a transaction by hash, model.ErrNotFound if it does not exist
	GetTransaction(ctx context.Context, hash string) (*model.Transaction, error)

	// TransactionSucceeded reads the receipt status, model.ErrNotFound if there is no receipt
	TransactionSucceeded(ctx context.Context, hash string) (bool, error)

	// GetInternalTransfers never fails; lookup errors degrade to an empty list
	GetInternalTransfers(ctx context.Context, hash string) []model.InternalTransfer
}

// NodeClient combines the JSON-RPC node and the block explorer into one ChainClient
type NodeClient struct {
	*RPCClient
	*ExplorerClient
}

// NewChainClient dials the configured RPC endpoint and builds the explorer client.
// When cfg.ChainID is set, a node serving another chain is rejected with
// model.ErrConfiguration. An unreachable node is only logged.
func NewChainClient(ctx context.Context, cfg config.Config) (*NodeClient, error) {
	rpcClient, err := DialRPC(ctx, cfg.RPCEndpoint, cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	if cfg.ChainID != 0 {
		id, err := rpcClient.ChainID(ctx)
		switch {
		case err != nil:
			logrus.WithFields(logrus.Fields{
				"expected": cfg.ChainID,
				"error":    err,
			}).Warn("Could not verify chain id")
		case id != cfg.ChainID:
			rpcClient.Close()
			return nil, fmt.Errorf("%w: rpc endpoint serves chain %d, expected %d", model.ErrConfiguration, id, cfg.ChainID)
		}
	}
	return &NodeClient{
		RPCClient:      rpcClient,
		ExplorerClient: NewExplorerClient(cfg.ExplorerURL, cfg.RequestTimeout),
	}, nil
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient(timeout time.Duration) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.Logger = nil
	if timeout > 0 {
		c.HTTPClient.Timeout = timeout
	}
	return c
}

// StandardClient converts a retryablehttp.Client to a standard http.Client
func StandardClient(retryClient *retryablehttp.Client) *http.Client {
	return retryClient.StandardClient()
}

// connectivityError wraps an upstream failure into the connectivity class
func connectivityError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrConnectivity, op, err)
}
