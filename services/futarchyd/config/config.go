// Package config loads futarchyd's runtime configuration: database DSN,
// telemetry knobs, and the set of moderators (one per base/quote/pool
// triple) the process owns.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling of human
// readable strings such as "5s" or "1h".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for futarchyd.
type Config struct {
	DatabaseURL    string           `yaml:"database_url"`
	RPCEndpoint    string           `yaml:"rpc_endpoint"`
	DammAPIURL     string           `yaml:"damm_api_url"`
	DammPoolType   string           `yaml:"damm_pool_type"` // "damm" or "dlmm"
	RPCTimeout     Duration         `yaml:"rpc_timeout"`
	RecoverySync   Duration         `yaml:"recovery_sync_delay"`
	MetricsAddress string           `yaml:"metrics_address"`
	StatusAddress  string           `yaml:"status_address"`
	Moderators     []ModeratorSpec  `yaml:"moderators"`
}

// ModeratorSpec describes one moderator's pool ownership and signing
// authorities, the yaml-level shape a ModeratorRecord is built from. Signing
// keys themselves are never stored here in plaintext: PoolAuthorities names
// the MANAGER_PRIVATE_KEY_<TICKER> environment variable to resolve per pool.
type ModeratorSpec struct {
	ID              int64             `yaml:"id"`
	ProtocolName    string            `yaml:"protocol_name"`
	BaseMint        string            `yaml:"base_mint"`
	QuoteMint       string            `yaml:"quote_mint"`
	BaseDecimals    int32             `yaml:"base_decimals"`
	QuoteDecimals   int32             `yaml:"quote_decimals"`
	RPCEndpoint     string            `yaml:"rpc_endpoint"`
	PoolAuthorities map[string]string `yaml:"pool_authorities"` // poolAddress -> ticker
	WithdrawalPct   float64           `yaml:"damm_withdrawal_percentage"`
}

// Load reads and validates configuration from path, applying environment
// overrides the same way services/swapd/config.Load does for its own knobs.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RPCTimeout.Duration == 0 {
		cfg.RPCTimeout.Duration = 5 * time.Second
	}
	if cfg.RecoverySync.Duration == 0 {
		cfg.RecoverySync.Duration = 2 * time.Second
	}
	if cfg.MetricsAddress == "" {
		cfg.MetricsAddress = ":9464"
	}
	if cfg.StatusAddress == "" {
		cfg.StatusAddress = ":9465"
	}
	if cfg.DammPoolType == "" {
		cfg.DammPoolType = "damm"
	}
	if url := strings.TrimSpace(os.Getenv("DB_URL")); url != "" {
		cfg.DatabaseURL = url
	}
	if endpoint := strings.TrimSpace(os.Getenv("RPC_ENDPOINT")); endpoint != "" {
		cfg.RPCEndpoint = endpoint
	}
	if damm := strings.TrimSpace(os.Getenv("DAMM_API_URL")); damm != "" {
		cfg.DammAPIURL = damm
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("database_url (or DB_URL) must be configured")
	}
	if len(cfg.Moderators) == 0 {
		return fmt.Errorf("at least one moderator must be configured")
	}
	if cfg.DammPoolType != "damm" && cfg.DammPoolType != "dlmm" {
		return fmt.Errorf("damm_pool_type must be damm or dlmm, got %q", cfg.DammPoolType)
	}
	seen := make(map[int64]bool, len(cfg.Moderators))
	for _, mod := range cfg.Moderators {
		if mod.ID <= 0 {
			return fmt.Errorf("moderator id must be positive")
		}
		if seen[mod.ID] {
			return fmt.Errorf("duplicate moderator id %d", mod.ID)
		}
		seen[mod.ID] = true
		if strings.TrimSpace(mod.BaseMint) == "" || strings.TrimSpace(mod.QuoteMint) == "" {
			return fmt.Errorf("moderator %d: base_mint and quote_mint are required", mod.ID)
		}
		if mod.WithdrawalPct < 0 || mod.WithdrawalPct > 50 {
			return fmt.Errorf("moderator %d: damm_withdrawal_percentage must be within [0,50]", mod.ID)
		}
		if len(mod.PoolAuthorities) == 0 {
			return fmt.Errorf("moderator %d: at least one pool authority must be configured", mod.ID)
		}
	}
	return nil
}

// SigningKeyEnvVar renders the MANAGER_PRIVATE_KEY_<TICKER> environment
// variable name for a given ticker.
func SigningKeyEnvVar(ticker string) string {
	return "MANAGER_PRIVATE_KEY_" + strings.ToUpper(strings.TrimSpace(ticker))
}
