// Package types contains shared type definitions used across multiple packages
package types

import (
	"fmt"
	"strings"
)

// Network selects which deployment of the L2 and its settlement chain is indexed
type Network string

// Supported networks
const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

// ParseNetwork validates a network name
func ParseNetwork(s string) (Network, error) {
	switch Network(strings.ToLower(strings.TrimSpace(s))) {
	case NetworkMainnet:
		return NetworkMainnet, nil
	case NetworkTestnet:
		return NetworkTestnet, nil
	default:
		return "", fmt.Errorf("unsupported network %q", s)
	}
}

// NetworkDefaults holds the per-network values used when no explicit setting is given
type NetworkDefaults struct {
	ChainID       uint64 `json:"chain_id"`
	RPCEndpoint   string `json:"rpc_endpoint"`
	ExplorerURL   string `json:"explorer_url"`
	SettlementRPC string `json:"settlement_rpc"`
}

// Defaults returns the built-in defaults for a network
func (n Network) Defaults() NetworkDefaults {
	switch n {
	case NetworkTestnet:
		return NetworkDefaults{
			ChainID:       17001,
			RPCEndpoint:   "https://rpc.testnet.example.org",
			ExplorerURL:   "https://explorer.testnet.example.org",
			SettlementRPC: "https://ethereum-sepolia-rpc.publicnode.com",
		}
	default:
		return NetworkDefaults{
			ChainID:       1701,
			RPCEndpoint:   "https://rpc.mainnet.example.org",
			ExplorerURL:   "https://explorer.mainnet.example.org",
			SettlementRPC: "https://ethereum-rpc.publicnode.com",
		}
	}
}
