package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/yourorg/bridge-kpi-indexer/internal/model"
)

// TVLSource reads the bridge contract balance on the settlement chain
type TVLSource struct {
	client   *ethclient.Client
	contract common.Address
	timeout  time.Duration
}

// DialTVLSource connects to the settlement chain RPC
func DialTVLSource(ctx context.Context, endpoint, contract string, timeout time.Duration) (*TVLSource, error) {
	if endpoint == "" || !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("%w: settlement rpc or bridge contract not set", model.ErrConfiguration)
	}
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, connectivityError("dial settlement "+endpoint, err)
	}
	return &TVLSource{
		client:   client,
		contract: common.HexToAddress(contract),
		timeout:  timeout,
	}, nil
}

// TVL returns the bridge contract balance in ETH
func (s *TVLSource) TVL(ctx context.Context) (float64, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	balance, err := s.client.BalanceAt(ctx, s.contract, nil)
	if err != nil {
		return 0, connectivityError("eth_getBalance", err)
	}
	return model.WeiToEth(balance), nil
}

// Close releases the underlying connection
func (s *TVLSource) Close() {
	s.client.Close()
}
