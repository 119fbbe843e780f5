// Package model defines the core data structures for the bridge KPI indexer.
package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ActivityEvent records that an address originated a transaction in a given block.
// Events are immutable once written and may legitimately be stored more than once.
type ActivityEvent struct {
	// Address is the lower-case hex sender address
	Address string `json:"address"`

	// BlockHeight is the height of the block containing the transaction
	BlockHeight uint64 `json:"block_height"`

	// BlockTimestamp is the block time in UTC
	BlockTimestamp time.Time `json:"block_timestamp"`
}

// BridgeKind is the closed set of bridge event kinds.
type BridgeKind uint8

// Bridge event kinds
const (
	BridgeDeposit BridgeKind = iota + 1
	BridgeWithdrawal
)

// String returns the wire name of the kind
func (k BridgeKind) String() string {
	switch k {
	case BridgeDeposit:
		return "deposit"
	case BridgeWithdrawal:
		return "withdrawal"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the declared kinds
func (k BridgeKind) Valid() bool {
	return k == BridgeDeposit || k == BridgeWithdrawal
}

// ParseBridgeKind converts a wire name into a BridgeKind
func ParseBridgeKind(s string) (BridgeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deposit":
		return BridgeDeposit, nil
	case "withdrawal":
		return BridgeWithdrawal, nil
	default:
		return 0, fmt.Errorf("unknown bridge kind %q", s)
	}
}

// MarshalJSON encodes the kind as its wire name
func (k BridgeKind) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid bridge kind %d", k)
	}
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a wire name, rejecting unknown kinds
func (k *BridgeKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseBridgeKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// BridgeEvent is a detected cross-chain deposit or withdrawal.
// TxHash is the natural key: at most one event is stored per hash.
type BridgeEvent struct {
	TxHash string     `json:"tx_hash"`
	Kind   BridgeKind `json:"kind"`
	From   string     `json:"from"`
	To     string     `json:"to"`

	// ValueEth is the bridged amount in ETH. Deposits carry 0 until the
	// amount has been resolved from the internal transfers of the transaction.
	ValueEth float64 `json:"value_eth"`

	BlockHeight    uint64    `json:"block_height"`
	BlockTimestamp time.Time `json:"block_timestamp"`
}

// NewBridgeEvent builds an event, refusing kinds outside the closed set
func NewBridgeEvent(kind BridgeKind, txHash, from, to string, valueEth float64, height uint64, ts time.Time) (BridgeEvent, error) {
	if !kind.Valid() {
		return BridgeEvent{}, fmt.Errorf("invalid bridge kind %d", kind)
	}
	if txHash == "" {
		return BridgeEvent{}, fmt.Errorf("bridge event requires a tx hash")
	}
	return BridgeEvent{
		TxHash:         strings.ToLower(txHash),
		Kind:           kind,
		From:           strings.ToLower(from),
		To:             strings.ToLower(to),
		ValueEth:       valueEth,
		BlockHeight:    height,
		BlockTimestamp: ts.UTC(),
	}, nil
}

// NeedsAmount reports whether the deposit amount still has to be backfilled
func (e BridgeEvent) NeedsAmount() bool {
	return e.Kind == BridgeDeposit && e.ValueEth == 0
}

// SnapshotKind identifies one of the derived KPI time series.
type SnapshotKind string

// Snapshot kinds
const (
	SnapshotDailyTransactions SnapshotKind = "daily_transactions"
	SnapshotWeeklyActive      SnapshotKind = "weekly_active_addresses"
	SnapshotTVL               SnapshotKind = "tvl"
)

// SnapshotKinds lists every known kind
var SnapshotKinds = []SnapshotKind{SnapshotDailyTransactions, SnapshotWeeklyActive, SnapshotTVL}

// ParseSnapshotKind validates a snapshot kind name
func ParseSnapshotKind(s string) (SnapshotKind, error) {
	for _, k := range SnapshotKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown snapshot kind %q", s)
}

// PeriodKeyLayout is the calendar date layout used for PeriodKey
const PeriodKeyLayout = "2006-01-02"

// KpiSnapshot is an immutable point in a KPI time series.
type KpiSnapshot struct {
	Kind SnapshotKind `json:"kind"`

	// PeriodKey is the UTC calendar date for count snapshots, empty for TVL
	PeriodKey string `json:"period_key,omitempty"`

	// Value is the count for count snapshots and the TVL in USD for TVL snapshots
	Value float64 `json:"value"`

	ComputedAt time.Time `json:"computed_at"`

	// TVL specific fields
	TvlEth float64 `json:"tvl_eth,omitempty"`
	TvlUsd float64 `json:"tvl_usd,omitempty"`

	// Stale marks values served from a previous snapshot or a stale price
	Stale bool `json:"stale,omitempty"`
}

// PeriodKey formats a day as a snapshot period key
func PeriodKey(day time.Time) string {
	return day.UTC().Format(PeriodKeyLayout)
}

// StartOfDay truncates t to 00:00 UTC of its calendar day
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddressActivity summarizes one address inside a rolling window
type AddressActivity struct {
	Address   string    `json:"address"`
	TxCount   int       `json:"tx_count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// BridgeStats holds the 24h bridge activity and volume
type BridgeStats struct {
	DepositsEth     float64   `json:"deposits_eth"`
	WithdrawalsEth  float64   `json:"withdrawals_eth"`
	DepositCount    int       `json:"deposit_count"`
	WithdrawalCount int       `json:"withdrawal_count"`
	NetFlowEth      float64   `json:"net_flow_eth"`
	VolumeUsd       float64   `json:"volume_usd"`
	Price           float64   `json:"price"`
	PriceStale      bool      `json:"price_stale,omitempty"`
	Since           time.Time `json:"since"`
}

// RetryItem is a transaction whose fetch failed during a scan and is queued
// for a bounded number of further attempts.
type RetryItem struct {
	TxHash         string    `json:"tx_hash"`
	BlockHeight    uint64    `json:"block_height"`
	BlockTimestamp time.Time `json:"block_timestamp"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
}

// weiPerEth is 1e18
var weiPerEth = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// WeiToEth converts a wei amount to ETH
func WeiToEth(wei *big.Int) float64 {
	if wei == nil || wei.Sign() == 0 {
		return 0
	}
	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEth).Float64()
	return eth
}
