// Package validation provides sanity checks for data read from external collaborators.
package validation

import (
	"fmt"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/bridge-kpi-indexer/internal/model"
)

// ValidationOptions holds configuration for the validation process
type ValidationOptions struct {
	// MinPrice and MaxPrice bound a plausible USD price for the native asset
	MinPrice float64
	MaxPrice float64

	// RequireSender rejects transactions without a from address
	RequireSender bool
}

// DefaultValidationOptions returns sensible defaults for validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MinPrice:      1,
		MaxPrice:      1_000_000,
		RequireSender: false,
	}
}

// ValidPrice reports whether a price quote is usable
func ValidPrice(price float64, opts ValidationOptions) error {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("price is not a finite number: %f", price)
	}
	if price < opts.MinPrice {
		return fmt.Errorf("price below minimum: %f < %f", price, opts.MinPrice)
	}
	if price > opts.MaxPrice {
		return fmt.Errorf("price above maximum: %f > %f", price, opts.MaxPrice)
	}
	return nil
}

// NormalizeAddress lower-cases a hex address, returning false when it is malformed.
// An empty input is returned as empty and valid (contract creation has no recipient).
func NormalizeAddress(addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", true
	}
	if !common.IsHexAddress(addr) {
		return "", false
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), true
}

// ValidTransaction checks a transaction read from the chain client and
// normalizes its addresses in place
func ValidTransaction(tx *model.Transaction, opts ValidationOptions) error {
	if tx == nil {
		return fmt.Errorf("nil transaction")
	}
	if tx.Hash == "" {
		return fmt.Errorf("transaction without hash")
	}

	from, ok := NormalizeAddress(tx.From)
	if !ok {
		return fmt.Errorf("malformed sender %q in %s", tx.From, tx.Hash)
	}
	if from == "" && opts.RequireSender {
		return fmt.Errorf("transaction %s has no sender", tx.Hash)
	}

	to, ok := NormalizeAddress(tx.To)
	if !ok {
		return fmt.Errorf("malformed recipient %q in %s", tx.To, tx.Hash)
	}

	if tx.Value != nil && tx.Value.Sign() < 0 {
		return fmt.Errorf("negative value in %s", tx.Hash)
	}

	tx.Hash = strings.ToLower(tx.Hash)
	tx.From = from
	tx.To = to
	return nil
}

// FilterInvalidTransfers drops internal transfers with malformed addresses or values
func FilterInvalidTransfers(transfers []model.InternalTransfer) []model.InternalTransfer {
	valid := make([]model.InternalTransfer, 0, len(transfers))
	for _, t := range transfers {
		from, okFrom := NormalizeAddress(t.From)
		to, okTo := NormalizeAddress(t.To)
		if !okFrom || !okTo || t.Value == nil || t.Value.Sign() < 0 {
			logrus.WithFields(logrus.Fields{
				"from": t.From,
				"to":   t.To,
			}).Debug("Filtered invalid internal transfer")
			continue
		}
		t.From = from
		t.To = to
		valid = append(valid, t)
	}
	return valid
}
