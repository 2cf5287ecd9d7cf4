// Package config loads the engine's YAML configuration file and applies
// environment-variable overrides, the way the teacher's config.Load
// does for its own much smaller shape.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/beefy-bi/import-engine/internal/planner"
	"github.com/beefy-bi/import-engine/internal/rpctransport"
)

// EndpointConfig is one RPC endpoint's declared Limitations (§4.3),
// loaded as data rather than discovered at runtime.
type EndpointConfig struct {
	URL                    string         `yaml:"url"`
	Methods                map[string]int `yaml:"methods"`
	MinDelayBetweenCallsMs int64          `yaml:"min_delay_between_calls_ms"`
	IsArchiveNode          bool           `yaml:"is_archive_node"`
}

// Limitations converts the loaded config shape into the
// rpctransport.Limitations the gate and batch operator consume.
func (e EndpointConfig) Limitations() rpctransport.Limitations {
	return rpctransport.Limitations{
		Methods:              e.Methods,
		MinDelayBetweenCalls: time.Duration(e.MinDelayBetweenCallsMs) * time.Millisecond,
		IsArchiveNode:        e.IsArchiveNode,
	}
}

// ChainConfig bundles one chain's RPC endpoints and planner tunables
// (§6.4: RPC_URLS, CHAIN_RPC_MAX_QUERY_BLOCKS, MS_PER_BLOCK_ESTIMATE,
// ETHERSCAN_API_KEY are all per-chain maps there; here they're fields of
// one entry in the Chains map instead).
type ChainConfig struct {
	Endpoints          []EndpointConfig `yaml:"endpoints"`
	MaxQueryBlocks     int64            `yaml:"max_query_blocks"`
	BlocksIn1Hour      int64            `yaml:"blocks_in_1_hour"`
	MsPerBlockEstimate int64            `yaml:"ms_per_block_estimate"`
	EtherscanAPIKey    string           `yaml:"etherscan_api_key"`
}

// StreamConfig is the bufferTime/concurrency tuning §6.4 calls out.
type StreamConfig struct {
	MaxInputTake     int   `yaml:"max_input_take"`
	MaxInputWaitMs   int64 `yaml:"max_input_wait_ms"`
	DBMaxInputTake   int   `yaml:"db_max_input_take"`
	DBMaxInputWaitMs int64 `yaml:"db_max_input_wait_ms"`
	WorkConcurrency  int   `yaml:"work_concurrency"`
	MaxTotalRetryMs  int64 `yaml:"max_total_retry_ms"`
}

// Config is the engine's full runtime configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	HTTPPort    int    `yaml:"http_port"`

	Chains map[string]ChainConfig `yaml:"chains"`
	Stream StreamConfig           `yaml:"stream"`

	BeefyPriceDataMaxQueryRangeMs int64 `yaml:"beefy_price_data_max_query_range_ms"`
	MaxRangesPerProductToGenerate int   `yaml:"max_ranges_per_product_to_generate"`

	RecentTickIntervalMs     int64 `yaml:"recent_tick_interval_ms"`
	HistoricalTickIntervalMs int64 `yaml:"historical_tick_interval_ms"`
}

// Load reads path as YAML and layers environment overrides on top, the
// same two-step shape as the teacher's Load plus repo_core.go's
// Getenv-based pool tuning.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets deploy-time secrets and per-chain RPC URLs
// override the checked-in YAML without editing it, matching the
// teacher's DB_MAX_OPEN_CONNS-style env knobs.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = n
		}
	}

	for chain, cc := range cfg.Chains {
		envChain := strings.ToUpper(strings.ReplaceAll(chain, "-", "_"))
		if v := os.Getenv("RPC_URLS_" + envChain); v != "" {
			urls := strings.Split(v, ",")
			cc.Endpoints = cc.Endpoints[:0]
			for _, u := range urls {
				u = strings.TrimSpace(u)
				if u == "" {
					continue
				}
				cc.Endpoints = append(cc.Endpoints, EndpointConfig{URL: u})
			}
		}
		if v := os.Getenv("ETHERSCAN_API_KEY_" + envChain); v != "" {
			cc.EtherscanAPIKey = v
		}
		cfg.Chains[chain] = cc
	}
}

// PlannerLimits projects one chain's tunables into planner.Limits.
func (c *Config) PlannerLimits(chain string) planner.Limits {
	cc := c.Chains[chain]
	return planner.Limits{
		MaxBlocksPerQuery:    cc.MaxQueryBlocks,
		BlocksIn1Hour:        cc.BlocksIn1Hour,
		MaxRangesToGenerate:  c.MaxRangesPerProductToGenerate,
		PriceMaxQueryRangeMs: c.BeefyPriceDataMaxQueryRangeMs,
	}
}

func (c *Config) RecentTickInterval() time.Duration {
	if c.RecentTickIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(c.RecentTickIntervalMs) * time.Millisecond
}

func (c *Config) HistoricalTickInterval() time.Duration {
	if c.HistoricalTickIntervalMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.HistoricalTickIntervalMs) * time.Millisecond
}
