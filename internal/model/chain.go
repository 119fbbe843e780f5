package model

import (
	"errors"
	"math/big"
	"time"
)

// Error taxonomy shared by the chain client, the store and the jobs.
var (
	// ErrConnectivity marks an unreachable RPC/HTTP upstream or a non-2xx answer
	ErrConnectivity = errors.New("connectivity error")

	// ErrNotFound marks a missing block, transaction or record
	ErrNotFound = errors.New("not found")

	// ErrConfiguration marks missing or invalid required settings
	ErrConfiguration = errors.New("configuration error")
)

// Block is the subset of a chain block the indexer needs
type Block struct {
	Height    uint64
	Timestamp time.Time
	TxHashes  []string
}

// Transaction is the subset of a chain transaction the indexer needs
type Transaction struct {
	Hash  string
	From  string
	To    string
	Value *big.Int
	Type  uint64
}

// InternalTransfer is one value transfer nested in a transaction
type InternalTransfer struct {
	From  string
	To    string
	Value *big.Int
}
