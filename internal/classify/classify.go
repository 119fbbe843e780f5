// Package classify turns chain transactions into activity and bridge events.
// It performs no I/O and is safe for concurrent use.
package classify

import (
	"strings"
	"time"

	"github.com/yourorg/bridge-kpi-indexer/internal/model"
)

// Classifier holds the network-specific classification rules
type Classifier struct {
	bridgeEntry   string
	depositTxType uint64
	system        map[string]struct{}
}

// Result is the outcome of classifying one transaction
type Result struct {
	Activity *model.ActivityEvent
	Bridge   *model.BridgeEvent

	// NeedsAmount is set for deposits whose value must come from internal transfers
	NeedsAmount bool
}

// New creates a classifier. Addresses are compared case-insensitively.
func New(bridgeEntry string, depositTxType uint64, systemAddresses []string) *Classifier {
	system := make(map[string]struct{}, len(systemAddresses))
	for _, a := range systemAddresses {
		system[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	return &Classifier{
		bridgeEntry:   strings.ToLower(bridgeEntry),
		depositTxType: depositTxType,
		system:        system,
	}
}

// IsSystemAddress reports whether addr is excluded from active-address counts
func (c *Classifier) IsSystemAddress(addr string) bool {
	_, ok := c.system[strings.ToLower(addr)]
	return ok
}

// SystemAddresses returns the configured system addresses, lower-cased
func (c *Classifier) SystemAddresses() []string {
	out := make([]string, 0, len(c.system))
	for a := range c.system {
		out = append(out, a)
	}
	return out
}

// Classify derives at most one activity event and at most one bridge event from tx.
// The sender always produces an activity event, system addresses included;
// exclusion happens at aggregation time.
func (c *Classifier) Classify(tx model.Transaction, height uint64, ts time.Time) Result {
	var res Result

	from := strings.ToLower(tx.From)
	to := strings.ToLower(tx.To)

	if from != "" {
		res.Activity = &model.ActivityEvent{
			Address:        from,
			BlockHeight:    height,
			BlockTimestamp: ts.UTC(),
		}
	}

	switch {
	case tx.Type == c.depositTxType:
		ev, err := model.NewBridgeEvent(model.BridgeDeposit, tx.Hash, from, to, 0, height, ts)
		if err == nil {
			res.Bridge = &ev
			res.NeedsAmount = true
		}
	case to != "" && to == c.bridgeEntry && tx.Value != nil && tx.Value.Sign() > 0:
		ev, err := model.NewBridgeEvent(model.BridgeWithdrawal, tx.Hash, from, to, model.WeiToEth(tx.Value), height, ts)
		if err == nil {
			res.Bridge = &ev
		}
	}

	return res
}
