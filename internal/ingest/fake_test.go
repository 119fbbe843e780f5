package ingest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/yourorg/bridge-kpi-indexer/internal/model"
)

// fakeChain is an in-memory ChainClient
type fakeChain struct {
	mu        sync.Mutex
	height    uint64
	heightErr error
	blocks    map[uint64]*model.Block
	blockErrs map[uint64]error
	txs       map[string]*model.Transaction
	txErrs    map[string]error
	transfers map[string][]model.InternalTransfer
	reverted  map[string]bool
	onBlock   func(h uint64)

	blockCalls map[uint64]int
	txCalls    map[string]int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blocks:     make(map[uint64]*model.Block),
		blockErrs:  make(map[uint64]error),
		txs:        make(map[string]*model.Transaction),
		txErrs:     make(map[string]error),
		transfers:  make(map[string][]model.InternalTransfer),
		reverted:   make(map[string]bool),
		blockCalls: make(map[uint64]int),
		txCalls:    make(map[string]int),
	}
}

var baseTime = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// addBlock registers block h with the given transactions and advances the chain height
func (f *fakeChain) addBlock(h uint64, txs ...*model.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	block := &model.Block{Height: h, Timestamp: baseTime.Add(time.Duration(h) * 2 * time.Second)}
	for _, tx := range txs {
		block.TxHashes = append(block.TxHashes, tx.Hash)
		f.txs[tx.Hash] = tx
	}
	f.blocks[h] = block
	if h > f.height {
		f.height = h
	}
}

func (f *fakeChain) setTxErr(hash string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.txErrs, hash)
		return
	}
	f.txErrs[hash] = err
}

func (f *fakeChain) CurrentHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, f.heightErr
}

func (f *fakeChain) GetBlock(ctx context.Context, h uint64) (*model.Block, error) {
	f.mu.Lock()
	f.blockCalls[h]++
	hook := f.onBlock
	err := f.blockErrs[h]
	block, ok := f.blocks[h]
	f.mu.Unlock()

	if hook != nil {
		hook(h)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		// empty block
		return &model.Block{Height: h, Timestamp: baseTime.Add(time.Duration(h) * 2 * time.Second)}, nil
	}
	copied := *block
	copied.TxHashes = append([]string(nil), block.TxHashes...)
	return &copied, nil
}

func (f *fakeChain) GetTransaction(ctx context.Context, hash string) (*model.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCalls[hash]++
	if err := f.txErrs[hash]; err != nil {
		return nil, err
	}
	tx, ok := f.txs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, hash)
	}
	copied := *tx
	return &copied, nil
}

func (f *fakeChain) TransactionSucceeded(ctx context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.txs[hash]; !ok {
		return false, fmt.Errorf("%w: receipt %s", model.ErrNotFound, hash)
	}
	return !f.reverted[hash], nil
}

func (f *fakeChain) GetInternalTransfers(ctx context.Context, hash string) []model.InternalTransfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.InternalTransfer(nil), f.transfers[hash]...)
}

func transfer(tx, from, to string, wei *big.Int) *model.Transaction {
	return &model.Transaction{Hash: tx, From: from, To: to, Value: wei}
}
