// Package config loads runtime configuration: struct defaults, then an
// optional YAML file, then VNARCHIVE_* environment overrides. Nested keys
// map to env vars with double underscores (storage.data_dir becomes
// VNARCHIVE_STORAGE__DATA_DIR).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix     = "VNARCHIVE_"
	envConfigPath = "VNARCHIVE_CONFIG"
)

var defaultPaths = []string{"vnarchive.yaml", "/etc/vnarchive/vnarchive.yaml"}

type Config struct {
	Storage  Storage  `koanf:"storage"`
	HTTP     HTTP     `koanf:"http"`
	Discover Discover `koanf:"discover"`
	Fetch    Fetch    `koanf:"fetch"`
	Repair   Repair   `koanf:"repair"`
	Server   Server   `koanf:"server"`
	Feeds    []string `koanf:"feeds"`
}

type Storage struct {
	// DataDir holds the SQLite database. Required.
	DataDir string `koanf:"data_dir"`
}

type HTTP struct {
	TimeoutSeconds int     `koanf:"timeout_seconds"`
	RequestsPerSec float64 `koanf:"requests_per_sec"`
}

type Discover struct {
	EmptyPageThreshold int `koanf:"empty_page_threshold"`
	PageBudget         int `koanf:"page_budget"`
	FeedItemLimit      int `koanf:"feed_item_limit"`
}

type Fetch struct {
	Workers        int  `koanf:"workers"`
	BatchSize      int  `koanf:"batch_size"`
	MinWords       int  `koanf:"min_words"`
	LeaseMinutes   int  `koanf:"lease_minutes"`
	OrderByURLDate bool `koanf:"order_by_url_date"`
	RenderFallback bool `koanf:"render_fallback"`
}

type Repair struct {
	// ProviderURL is the quote vendor's base URL. Required by the repair
	// command.
	ProviderURL      string   `koanf:"provider_url"`
	BatchSize        int      `koanf:"batch_size"`
	LeaseMinutes     int      `koanf:"lease_minutes"`
	RecentBars       int      `koanf:"recent_bars"`
	RecentTimeframes []string `koanf:"recent_timeframes"`
	FullLookbackDays int      `koanf:"full_lookback_days"`
}

type Server struct {
	Addr string `koanf:"addr"`
}

func defaults() Config {
	return Config{
		HTTP: HTTP{TimeoutSeconds: 30, RequestsPerSec: 2},
		Discover: Discover{
			EmptyPageThreshold: 3,
			PageBudget:         200,
		},
		Fetch: Fetch{
			Workers:      4,
			BatchSize:    50,
			MinWords:     80,
			LeaseMinutes: 60,
		},
		Repair: Repair{
			BatchSize:        20,
			LeaseMinutes:     60,
			RecentBars:       50,
			RecentTimeframes: []string{"1d", "1h"},
			FullLookbackDays: 365,
		},
		Server: Server{Addr: ":8085"},
	}
}

// Load builds the configuration. path is the --config flag value; empty
// falls back to VNARCHIVE_CONFIG, then the default locations, then no file
// at all. A missing explicitly-named file is an error; missing defaults
// are not.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != "" || os.Getenv(envConfigPath) != ""
	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	if path == "" {
		for _, p := range defaultPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("loading config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("loading env overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envKey(s string) string {
	if s == envConfigPath {
		return "" // the path selector, not a config key
	}
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func (c Config) validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required (config file or VNARCHIVE_STORAGE__DATA_DIR)")
	}
	return nil
}

func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

func (c Config) FetchLease() time.Duration {
	return time.Duration(c.Fetch.LeaseMinutes) * time.Minute
}

func (c Config) RepairLease() time.Duration {
	return time.Duration(c.Repair.LeaseMinutes) * time.Minute
}

func (c Config) FullLookbackMS() int64 {
	return int64(c.Repair.FullLookbackDays) * 24 * 60 * 60 * 1000
}
