// Package security provides tamper detection for persisted records
package security

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrIntegrity marks a record whose digest does not match its payload
var ErrIntegrity = errors.New("integrity check failed")

// sealed is the stored layout of a protected record
type sealed struct {
	Payload   json.RawMessage `json:"payload"`
	Keccak256 string          `json:"keccak256"`
}

// Seal marshals v and wraps it with the Keccak256 digest of its JSON encoding
func Seal(v interface{}) ([]byte, error) {
	payloadBytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return json.Marshal(sealed{
		Payload:   payloadBytes,
		Keccak256: crypto.Keccak256Hash(payloadBytes).Hex(),
	})
}

// Open verifies a sealed record and decodes its payload into v
func Open(data []byte, v interface{}) error {
	var s sealed
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to unmarshal sealed record: %w", err)
	}
	if len(s.Payload) == 0 {
		return fmt.Errorf("%w: payload missing", ErrIntegrity)
	}
	if actual := crypto.Keccak256Hash(s.Payload).Hex(); actual != s.Keccak256 {
		return fmt.Errorf("%w: keccak256 mismatch", ErrIntegrity)
	}
	if err := json.Unmarshal(s.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
