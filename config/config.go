// Package config loads runtime configuration from environment variables for
// the pricing/free-tier knobs, plus an optional TOML file for infrastructure
// settings not named as env vars. Env vars always win over the TOML file for
// any key both define; invalid values log a warning and fall back to the
// default; a missing required value aborts startup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"
)

// FileConfig is the optional TOML shape (default path ./relay.toml,
// overridable via RELAY_CONFIG_FILE) carrying infrastructure settings that
// have no dedicated environment variable.
type FileConfig struct {
	SettlementURL   string  `toml:"SettlementURL"`
	PaymentsEnabled bool    `toml:"PaymentsEnabled"`
	BackoffBase     string  `toml:"BackoffBase"`
	BackoffMax      string  `toml:"BackoffMax"`
	BackoffJitter   float64 `toml:"BackoffJitterPct"`
	SubscriptionTTL string  `toml:"SubscriptionTTL"`
	ClaimCacheTTL   string  `toml:"ClaimCacheTTL"`
	PostgresDSN     string  `toml:"PostgresDSN"`
	KeystorePath    string  `toml:"KeystorePath"`
	ListenAddress   string  `toml:"ListenAddress"`
}

// Config is the fully resolved runtime configuration: FileConfig's parsed
// durations/URLs plus the PRICING_*/free-tier environment knobs.
type Config struct {
	SettlementURL   string
	PaymentsEnabled bool
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	BackoffJitter   float64
	SubscriptionTTL time.Duration
	ClaimCacheTTL   time.Duration
	PostgresDSN     string
	KeystorePath    string
	ListenAddress   string

	PricingStoreEvent   *uint256.Int
	PricingDeliverEvent *uint256.Int
	PricingQuery        *uint256.Int
	FreeTierEvents      int64
	KindOverrides       map[int32]*uint256.Int
}

const (
	defaultConfigPath      = "./relay.toml"
	defaultSettlementURL   = "ws://127.0.0.1:9090/settlement"
	defaultBackoffBase     = 250 * time.Millisecond
	defaultBackoffMax      = 30 * time.Second
	defaultBackoffJitter   = 0.2
	defaultSubscriptionTTL = time.Hour
	defaultClaimCacheTTL   = 24 * time.Hour
	defaultKeystorePath    = "./relay.keystore"
	defaultListenAddress   = ":4848"
)

// Load resolves the full Config from the environment and an optional TOML
// file. path, if empty, is taken from RELAY_CONFIG_FILE or defaults to
// ./relay.toml; a missing file is not an error (defaults apply throughout).
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("RELAY_CONFIG_FILE")
	}
	if path == "" {
		path = defaultConfigPath
	}

	var file FileConfig
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	cfg := &Config{
		SettlementURL:   firstNonEmpty(os.Getenv("SETTLEMENT_URL"), file.SettlementURL, defaultSettlementURL),
		PaymentsEnabled: boolOrDefault(os.Getenv("PAYMENTS_ENABLED"), file.PaymentsEnabled),
		BackoffBase:     durationOrDefault("BACKOFF_BASE", file.BackoffBase, defaultBackoffBase),
		BackoffMax:      durationOrDefault("BACKOFF_MAX", file.BackoffMax, defaultBackoffMax),
		BackoffJitter:   floatOrDefault("BACKOFF_JITTER_PCT", file.BackoffJitter, defaultBackoffJitter),
		SubscriptionTTL: durationOrDefault("SUBSCRIPTION_TTL", file.SubscriptionTTL, defaultSubscriptionTTL),
		ClaimCacheTTL:   durationOrDefault("CLAIM_CACHE_TTL", file.ClaimCacheTTL, defaultClaimCacheTTL),
		PostgresDSN:     firstNonEmpty(os.Getenv("POSTGRES_DSN"), file.PostgresDSN, ""),
		KeystorePath:    firstNonEmpty(os.Getenv("KEYSTORE_PATH"), file.KeystorePath, defaultKeystorePath),
		ListenAddress:   firstNonEmpty(os.Getenv("LISTEN_ADDRESS"), file.ListenAddress, defaultListenAddress),

		PricingStoreEvent:   amountEnv("PRICING_STORE_EVENT", uint256.NewInt(0)),
		PricingDeliverEvent: amountEnv("PRICING_DELIVER_EVENT", uint256.NewInt(0)),
		PricingQuery:        amountEnv("PRICING_QUERY", uint256.NewInt(0)),
		FreeTierEvents:      intEnv("PRICING_FREE_TIER_EVENTS", 0),
		KindOverrides:       kindOverridesEnv("PRICING_KIND_OVERRIDES"),
	}

	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("config: POSTGRES_DSN (or PostgresDSN in %s) is required", path)
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func boolOrDefault(envVal string, fallback bool) bool {
	if envVal == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(envVal)
	if err != nil {
		slog.Warn("config: invalid bool, using default", "value", envVal, "default", fallback)
		return fallback
	}
	return parsed
}

func durationOrDefault(envName, fileVal string, fallback time.Duration) time.Duration {
	raw := os.Getenv(envName)
	if raw == "" {
		raw = fileVal
	}
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("config: invalid duration, using default", "field", envName, "value", raw, "default", fallback)
		return fallback
	}
	return d
}

func floatOrDefault(envName string, fileVal, fallback float64) float64 {
	raw := os.Getenv(envName)
	if raw == "" {
		if fileVal != 0 {
			return fileVal
		}
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("config: invalid float, using default", "field", envName, "value", raw, "default", fallback)
		return fallback
	}
	return f
}

func amountEnv(name string, fallback *uint256.Int) *uint256.Int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	amount, err := uint256.FromDecimal(raw)
	if err != nil {
		slog.Warn("config: invalid pricing amount, using default", "field", name, "value", raw)
		return fallback
	}
	return amount
}

func intEnv(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		slog.Warn("config: invalid integer, using default", "field", name, "value", raw)
		return fallback
	}
	return n
}

// kindOverridesEnv parses a `kind:amount,kind:amount` list, e.g.
// "1:500,30023:2000". Malformed entries are logged and skipped
// individually rather than discarding the whole list.
func kindOverridesEnv(name string) map[int32]*uint256.Int {
	out := make(map[int32]*uint256.Int)
	raw := os.Getenv(name)
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			slog.Warn("config: malformed kind override, skipping", "field", name, "entry", entry)
			continue
		}
		kind, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 32)
		if err != nil {
			slog.Warn("config: malformed kind override, skipping", "field", name, "entry", entry)
			continue
		}
		amount, err := uint256.FromDecimal(strings.TrimSpace(parts[1]))
		if err != nil {
			slog.Warn("config: malformed kind override, skipping", "field", name, "entry", entry)
			continue
		}
		out[int32(kind)] = amount
	}
	return out
}
