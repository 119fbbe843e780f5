package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/bridge-kpi-indexer/internal/model"
)

// RPCClient reads blocks and transactions over raw JSON-RPC.
// ethclient is not used here because it refuses to decode the L2 deposit
// transaction type.
type RPCClient struct {
	c       *rpc.Client
	timeout time.Duration
}

type rpcBlock struct {
	Number       hexutil.Uint64 `json:"number"`
	Timestamp    hexutil.Uint64 `json:"timestamp"`
	Transactions []string       `json:"transactions"`
}

type rpcTransaction struct {
	Hash  string         `json:"hash"`
	From  string         `json:"from"`
	To    *string        `json:"to"`
	Value *hexutil.Big   `json:"value"`
	Type  hexutil.Uint64 `json:"type"`
}

type rpcReceipt struct {
	Status *hexutil.Uint64 `json:"status"`
}

// DialRPC connects to a JSON-RPC endpoint. Every call is bounded by timeout when it is positive.
func DialRPC(ctx context.Context, endpoint string, timeout time.Duration) (*RPCClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: rpc endpoint not set", model.ErrConfiguration)
	}
	c, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, connectivityError("dial "+endpoint, err)
	}
	return &RPCClient{c: c, timeout: timeout}, nil
}

// Close releases the underlying connection
func (r *RPCClient) Close() {
	r.c.Close()
}

func (r *RPCClient) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := r.c.CallContext(ctx, result, method, args...); err != nil {
		if errors.Is(err, rpc.ErrNoResult) {
			return fmt.Errorf("%w: %s", model.ErrNotFound, method)
		}
		return connectivityError(method, err)
	}
	return nil
}

// ChainID returns the chain id the node serves
func (r *RPCClient) ChainID(ctx context.Context) (uint64, error) {
	var id hexutil.Uint64
	if err := r.call(ctx, &id, "eth_chainId"); err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// CurrentHeight returns the latest block number
func (r *RPCClient) CurrentHeight(ctx context.Context) (uint64, error) {
	var height hexutil.Uint64
	if err := r.call(ctx, &height, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(height), nil
}

// GetBlock returns the block header and its transaction hashes
func (r *RPCClient) GetBlock(ctx context.Context, h uint64) (*model.Block, error) {
	var raw *rpcBlock
	if err := r.call(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(h), false); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: block %d", model.ErrNotFound, h)
	}

	logrus.WithFields(logrus.Fields{
		"height": h,
		"txs":    len(raw.Transactions),
	}).Trace("Fetched block")

	return &model.Block{
		Height:    uint64(raw.Number),
		Timestamp: time.Unix(int64(raw.Timestamp), 0).UTC(),
		TxHashes:  raw.Transactions,
	}, nil
}

// GetTransaction returns a transaction by hash
func (r *RPCClient) GetTransaction(ctx context.Context, hash string) (*model.Transaction, error) {
	var raw *rpcTransaction
	if err := r.call(ctx, &raw, "eth_getTransactionByHash", hash); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: transaction %s", model.ErrNotFound, hash)
	}

	tx := &model.Transaction{
		Hash:  raw.Hash,
		From:  raw.From,
		Type:  uint64(raw.Type),
		Value: new(big.Int),
	}
	if raw.To != nil {
		tx.To = *raw.To
	}
	if raw.Value != nil {
		tx.Value = raw.Value.ToInt()
	}
	if tx.Hash == "" {
		tx.Hash = hash
	}
	return tx, nil
}

// TransactionSucceeded reports whether a mined transaction executed without reverting.
// Receipts without a status field count as successful.
func (r *RPCClient) TransactionSucceeded(ctx context.Context, hash string) (bool, error) {
	var raw *rpcReceipt
	if err := r.call(ctx, &raw, "eth_getTransactionReceipt", hash); err != nil {
		return false, err
	}
	if raw == nil {
		return false, fmt.Errorf("%w: receipt %s", model.ErrNotFound, hash)
	}
	if raw.Status == nil {
		return true, nil
	}
	return uint64(*raw.Status) == 1, nil
}
