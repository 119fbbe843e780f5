// Package config provides configuration loading and management for the application.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/bridge-kpi-indexer/internal/model"
	"github.com/yourorg/bridge-kpi-indexer/internal/types"
)

// Backfill block policies
const (
	BackfillFromGenesis int64 = -1
	BackfillDisabled    int64 = 0
)

// Config holds all application configuration
type Config struct {
	// Network selection and L2 endpoints
	Network     types.Network
	ChainID     uint64
	RPCEndpoint string
	ExplorerURL string

	// Bridge classification
	BridgeEntryAddress string
	DepositTxType      uint64
	SystemAddresses    []string

	// Ingestion policy: -1 resume or genesis, 0 resume or fallback window, >0 last N blocks fresh
	BackfillBlocks   int64
	FallbackWindow   uint64
	TxConcurrency    int
	ScanDeadline     time.Duration
	RetryMaxAttempts int

	// Deposit amount backfill
	DepositBackfillDelay time.Duration
	DepositBackfillLimit int

	// Settlement chain TVL query
	SettlementRPC  string
	BridgeContract string

	// Price feed
	PriceURL     string
	PriceAsset   string
	DefaultPrice float64

	// Aggregation
	SnapshotBackfillDays int
	ActivityRetention    time.Duration

	// Schedules, cron syntax with seconds
	IngestSchedule          string
	WeeklySchedule          string
	DailySchedule           string
	TVLSchedule             string
	BridgeSchedule          string
	DepositBackfillSchedule string
	JobTimeout              time.Duration

	// Process
	DBPath         string
	Port           string
	OtelEndpoint   string
	RequestTimeout time.Duration
}

// Default returns the built-in configuration for the mainnet network
func Default() Config {
	net := types.NetworkMainnet
	d := net.Defaults()
	return Config{
		Network:            net,
		ChainID:            d.ChainID,
		RPCEndpoint:        d.RPCEndpoint,
		ExplorerURL:        d.ExplorerURL,
		BridgeEntryAddress: "0x4200000000000000000000000000000000000016",
		DepositTxType:      105,
		SystemAddresses: []string{
			"0x0000000000000000000000000000000000000000",
			"0xdeaddeaddeaddeaddeaddeaddeaddeaddead0001",
		},
		BackfillBlocks:          BackfillDisabled,
		FallbackWindow:          100,
		TxConcurrency:           8,
		ScanDeadline:            10 * time.Minute,
		RetryMaxAttempts:        3,
		DepositBackfillDelay:    250 * time.Millisecond,
		DepositBackfillLimit:    500,
		SettlementRPC:           d.SettlementRPC,
		PriceURL:                "https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=usd",
		PriceAsset:              "ethereum",
		DefaultPrice:            2000,
		SnapshotBackfillDays:    7,
		IngestSchedule:          "0 */15 * * * *",
		WeeklySchedule:          "30 */15 * * * *",
		DailySchedule:           "0 */10 * * * *",
		TVLSchedule:             "0 */5 * * * *",
		BridgeSchedule:          "15 */5 * * * *",
		DepositBackfillSchedule: "0 7 * * * *",
		JobTimeout:              14 * time.Minute,
		DBPath:                  "./data/kpi",
		Port:                    "8080",
		RequestTimeout:          10 * time.Second,
	}
}

// Load creates a new Config from the defaults and environment variables.
// When CONFIG_FILE is set the file is applied first and the environment overrides it.
func Load() (Config, error) {
	if path := GetEnvOrDefault("CONFIG_FILE", ""); path != "" {
		return LoadFile(path)
	}
	return loadFromEnv(Default())
}

// loadFromEnv overrides cfg with every environment variable that is set
func loadFromEnv(cfg Config) (Config, error) {
	if raw, ok := GetEnv("NETWORK"); ok {
		net, err := types.ParseNetwork(raw)
		if err != nil {
			return cfg, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
		}
		if net != cfg.Network {
			cfg = applyNetwork(cfg, net)
		}
	}

	cfg.ChainID = GetEnvAsUint64("CHAIN_ID", cfg.ChainID)
	cfg.RPCEndpoint = GetEnvOrDefault("RPC_ENDPOINT", cfg.RPCEndpoint)
	cfg.ExplorerURL = GetEnvOrDefault("EXPLORER_URL", cfg.ExplorerURL)
	cfg.BridgeEntryAddress = GetEnvOrDefault("BRIDGE_ENTRY_ADDRESS", cfg.BridgeEntryAddress)
	cfg.DepositTxType = GetEnvAsUint64("DEPOSIT_TX_TYPE", cfg.DepositTxType)
	if raw, ok := GetEnv("SYSTEM_ADDRESSES"); ok {
		cfg.SystemAddresses = splitList(raw)
	}

	cfg.BackfillBlocks = GetEnvAsInt64("BACKFILL_BLOCKS", cfg.BackfillBlocks)
	cfg.FallbackWindow = GetEnvAsUint64("FALLBACK_WINDOW", cfg.FallbackWindow)
	cfg.TxConcurrency = GetEnvAsInt("TX_CONCURRENCY", cfg.TxConcurrency)
	cfg.ScanDeadline = GetEnvAsDuration("SCAN_DEADLINE", cfg.ScanDeadline)
	cfg.RetryMaxAttempts = GetEnvAsInt("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts)

	cfg.DepositBackfillDelay = GetEnvAsDuration("DEPOSIT_BACKFILL_DELAY", cfg.DepositBackfillDelay)
	cfg.DepositBackfillLimit = GetEnvAsInt("DEPOSIT_BACKFILL_LIMIT", cfg.DepositBackfillLimit)

	cfg.SettlementRPC = GetEnvOrDefault("SETTLEMENT_RPC", cfg.SettlementRPC)
	cfg.BridgeContract = GetEnvOrDefault("BRIDGE_CONTRACT", cfg.BridgeContract)

	cfg.PriceURL = GetEnvOrDefault("PRICE_URL", cfg.PriceURL)
	cfg.PriceAsset = GetEnvOrDefault("PRICE_ASSET", cfg.PriceAsset)
	cfg.DefaultPrice = GetEnvAsFloat("DEFAULT_PRICE", cfg.DefaultPrice)

	cfg.SnapshotBackfillDays = GetEnvAsInt("SNAPSHOT_BACKFILL_DAYS", cfg.SnapshotBackfillDays)
	cfg.ActivityRetention = GetEnvAsDuration("ACTIVITY_RETENTION", cfg.ActivityRetention)

	cfg.IngestSchedule = GetEnvOrDefault("INGEST_SCHEDULE", cfg.IngestSchedule)
	cfg.WeeklySchedule = GetEnvOrDefault("WEEKLY_SCHEDULE", cfg.WeeklySchedule)
	cfg.DailySchedule = GetEnvOrDefault("DAILY_SCHEDULE", cfg.DailySchedule)
	cfg.TVLSchedule = GetEnvOrDefault("TVL_SCHEDULE", cfg.TVLSchedule)
	cfg.BridgeSchedule = GetEnvOrDefault("BRIDGE_SCHEDULE", cfg.BridgeSchedule)
	cfg.DepositBackfillSchedule = GetEnvOrDefault("DEPOSIT_BACKFILL_SCHEDULE", cfg.DepositBackfillSchedule)
	cfg.JobTimeout = GetEnvAsDuration("JOB_TIMEOUT", cfg.JobTimeout)

	cfg.DBPath = GetEnvOrDefault("DB_PATH", cfg.DBPath)
	cfg.Port = GetEnvOrDefault("PORT", cfg.Port)
	cfg.OtelEndpoint = GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OtelEndpoint)
	cfg.RequestTimeout = GetEnvAsDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)

	return cfg, cfg.Validate()
}

// applyNetwork swaps endpoints that still carry the defaults of the previous network
func applyNetwork(cfg Config, net types.Network) Config {
	prev := cfg.Network.Defaults()
	next := net.Defaults()
	if cfg.ChainID == prev.ChainID {
		cfg.ChainID = next.ChainID
	}
	if cfg.RPCEndpoint == prev.RPCEndpoint {
		cfg.RPCEndpoint = next.RPCEndpoint
	}
	if cfg.ExplorerURL == prev.ExplorerURL {
		cfg.ExplorerURL = next.ExplorerURL
	}
	if cfg.SettlementRPC == prev.SettlementRPC {
		cfg.SettlementRPC = next.SettlementRPC
	}
	cfg.Network = net
	return cfg
}

// Validate checks settings every job depends on
func (c Config) Validate() error {
	var errs []error
	if c.BridgeEntryAddress != "" && !common.IsHexAddress(c.BridgeEntryAddress) {
		errs = append(errs, fmt.Errorf("invalid bridge entry address %q", c.BridgeEntryAddress))
	}
	for _, addr := range c.SystemAddresses {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Errorf("invalid system address %q", addr))
		}
	}
	if c.BackfillBlocks < BackfillFromGenesis {
		errs = append(errs, fmt.Errorf("backfill blocks must be -1, 0 or positive, got %d", c.BackfillBlocks))
	}
	if c.TxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("tx concurrency must be positive, got %d", c.TxConcurrency))
	}
	if c.DefaultPrice <= 0 {
		errs = append(errs, fmt.Errorf("default price must be positive, got %f", c.DefaultPrice))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", model.ErrConfiguration, errors.Join(errs...))
}

// ValidateIngestion checks the settings required by the ingestion job
func (c Config) ValidateIngestion() error {
	if c.RPCEndpoint == "" {
		return fmt.Errorf("%w: RPC_ENDPOINT is required for ingestion", model.ErrConfiguration)
	}
	if c.BridgeEntryAddress == "" {
		return fmt.Errorf("%w: BRIDGE_ENTRY_ADDRESS is required for ingestion", model.ErrConfiguration)
	}
	return nil
}

// ValidateDepositBackfill checks the settings required to resolve deposit amounts
func (c Config) ValidateDepositBackfill() error {
	if c.ExplorerURL == "" {
		return fmt.Errorf("%w: EXPLORER_URL is required for deposit amounts", model.ErrConfiguration)
	}
	return nil
}

// ValidateTVL checks the settings required by the TVL job
func (c Config) ValidateTVL() error {
	if c.SettlementRPC == "" {
		return fmt.Errorf("%w: SETTLEMENT_RPC is required for TVL", model.ErrConfiguration)
	}
	if !common.IsHexAddress(c.BridgeContract) {
		return fmt.Errorf("%w: BRIDGE_CONTRACT is missing or invalid", model.ErrConfiguration)
	}
	return nil
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsInt64 retrieves an environment variable as an int64 with a default value
func GetEnvAsInt64(key string, defaultValue int64) int64 {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsUint64 retrieves an environment variable as a uint64 with a default value
func GetEnvAsUint64(key string, defaultValue uint64) uint64 {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.ParseUint(value, 0, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
