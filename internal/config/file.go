package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/bridge-kpi-indexer/internal/model"
	"github.com/yourorg/bridge-kpi-indexer/internal/types"
)

// FileConfig is the JSON layout of a configuration file.
// Every field is optional; unset fields keep their defaults.
type FileConfig struct {
	Network     string `json:"network"`
	ChainID     uint64 `json:"chain_id"`
	RPCEndpoint string `json:"rpc_endpoint"`
	ExplorerURL string `json:"explorer_url"`

	Bridge     BridgeFileConfig    `json:"bridge"`
	Ingestion  IngestionFileConfig `json:"ingestion"`
	Price      PriceFileConfig     `json:"price"`
	Schedules  ScheduleFileConfig  `json:"schedules"`
	Storage    StorageFileConfig   `json:"storage"`
	HTTP       HTTPFileConfig      `json:"http"`
	Settlement SettlementConfig    `json:"settlement"`
}

// BridgeFileConfig defines how bridge transactions are recognized
type BridgeFileConfig struct {
	EntryAddress    string   `json:"entry_address"`
	DepositTxType   *uint64  `json:"deposit_tx_type,omitempty"`
	SystemAddresses []string `json:"system_addresses"`
}

// IngestionFileConfig defines scan behavior
type IngestionFileConfig struct {
	BackfillBlocks       *int64 `json:"backfill_blocks,omitempty"`
	FallbackWindow       uint64 `json:"fallback_window"`
	TxConcurrency        int    `json:"tx_concurrency"`
	ScanDeadline         string `json:"scan_deadline"`
	RetryMaxAttempts     int    `json:"retry_max_attempts"`
	DepositBackfillDelay string `json:"deposit_backfill_delay"`
	DepositBackfillLimit int    `json:"deposit_backfill_limit"`
}

// PriceFileConfig defines the price feed
type PriceFileConfig struct {
	URL          string  `json:"url"`
	Asset        string  `json:"asset"`
	DefaultPrice float64 `json:"default_price"`
}

// ScheduleFileConfig defines job schedules in cron syntax with seconds
type ScheduleFileConfig struct {
	Ingest          string `json:"ingest"`
	Weekly          string `json:"weekly"`
	Daily           string `json:"daily"`
	TVL             string `json:"tvl"`
	Bridge          string `json:"bridge"`
	DepositBackfill string `json:"deposit_backfill"`
	JobTimeout      string `json:"job_timeout"`
	BackfillDays    int    `json:"snapshot_backfill_days"`
}

// StorageFileConfig defines the embedded database
type StorageFileConfig struct {
	Path              string `json:"path"`
	ActivityRetention string `json:"activity_retention"`
}

// HTTPFileConfig defines the API server
type HTTPFileConfig struct {
	Port           string `json:"port"`
	RequestTimeout string `json:"request_timeout"`
	OtelEndpoint   string `json:"otel_endpoint"`
}

// SettlementConfig defines the chain that holds the bridge contract balance
type SettlementConfig struct {
	RPCEndpoint    string `json:"rpc_endpoint"`
	BridgeContract string `json:"bridge_contract"`
}

// LoadFile loads the configuration from a JSON file and applies environment overrides
func LoadFile(path string) (Config, error) {
	cfg := Default()

	fileData, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: failed to read config file: %v", model.ErrConfiguration, err)
	}

	var fc FileConfig
	if err := json.Unmarshal(fileData, &fc); err != nil {
		return cfg, fmt.Errorf("%w: failed to parse config file: %v", model.ErrConfiguration, err)
	}

	cfg, err = fc.apply(cfg)
	if err != nil {
		return cfg, err
	}

	logrus.Infof("Loaded configuration from %s", path)
	return loadFromEnv(cfg)
}

// apply copies every set field of the file onto cfg
func (fc FileConfig) apply(cfg Config) (Config, error) {
	if fc.Network != "" {
		net, err := types.ParseNetwork(fc.Network)
		if err != nil {
			return cfg, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
		}
		cfg = applyNetwork(cfg, net)
	}
	setUint(&cfg.ChainID, fc.ChainID)
	setString(&cfg.RPCEndpoint, fc.RPCEndpoint)
	setString(&cfg.ExplorerURL, fc.ExplorerURL)

	setString(&cfg.BridgeEntryAddress, fc.Bridge.EntryAddress)
	if fc.Bridge.DepositTxType != nil {
		cfg.DepositTxType = *fc.Bridge.DepositTxType
	}
	if len(fc.Bridge.SystemAddresses) > 0 {
		cfg.SystemAddresses = fc.Bridge.SystemAddresses
	}

	if fc.Ingestion.BackfillBlocks != nil {
		cfg.BackfillBlocks = *fc.Ingestion.BackfillBlocks
	}
	setUint(&cfg.FallbackWindow, fc.Ingestion.FallbackWindow)
	setInt(&cfg.TxConcurrency, fc.Ingestion.TxConcurrency)
	setInt(&cfg.RetryMaxAttempts, fc.Ingestion.RetryMaxAttempts)
	setInt(&cfg.DepositBackfillLimit, fc.Ingestion.DepositBackfillLimit)

	setString(&cfg.PriceURL, fc.Price.URL)
	setString(&cfg.PriceAsset, fc.Price.Asset)
	if fc.Price.DefaultPrice > 0 {
		cfg.DefaultPrice = fc.Price.DefaultPrice
	}

	setString(&cfg.IngestSchedule, fc.Schedules.Ingest)
	setString(&cfg.WeeklySchedule, fc.Schedules.Weekly)
	setString(&cfg.DailySchedule, fc.Schedules.Daily)
	setString(&cfg.TVLSchedule, fc.Schedules.TVL)
	setString(&cfg.BridgeSchedule, fc.Schedules.Bridge)
	setString(&cfg.DepositBackfillSchedule, fc.Schedules.DepositBackfill)
	setInt(&cfg.SnapshotBackfillDays, fc.Schedules.BackfillDays)

	setString(&cfg.DBPath, fc.Storage.Path)
	setString(&cfg.Port, fc.HTTP.Port)
	setString(&cfg.OtelEndpoint, fc.HTTP.OtelEndpoint)
	setString(&cfg.SettlementRPC, fc.Settlement.RPCEndpoint)
	setString(&cfg.BridgeContract, fc.Settlement.BridgeContract)

	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{fc.Ingestion.ScanDeadline, &cfg.ScanDeadline},
		{fc.Ingestion.DepositBackfillDelay, &cfg.DepositBackfillDelay},
		{fc.Schedules.JobTimeout, &cfg.JobTimeout},
		{fc.Storage.ActivityRetention, &cfg.ActivityRetention},
		{fc.HTTP.RequestTimeout, &cfg.RequestTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("%w: invalid duration %q: %v", model.ErrConfiguration, d.raw, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setUint(dst *uint64, v uint64) {
	if v != 0 {
		*dst = v
	}
}
