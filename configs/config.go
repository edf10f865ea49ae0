package configs

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the Orchestrator's full process-wide configuration (spec §6):
// RPC URLs per chain, contract addresses, an operator credential
// reference, the pool source, scheduling/retry/timeout bounds, slippage
// bounds, the liquidation absolute minimum, and the test-mode flag. It
// mirrors the teacher's single-chain Config/config.yml shape generalized
// to the hub-and-spoke multi-chain model.
type Config struct {
	Environment string `yaml:"environment"`

	Chains map[uint64]ChainConfig `yaml:"chains"`
	HubChainID uint64 `yaml:"hub_chain_id"`

	// OperatorKeyPath must be non-empty outside test mode. cmd/orchestrator
	// does not read this file: it decrypts the operator key from the
	// ENC_PK and KEY environment variables via internal/util.Decrypt.
	OperatorKeyPath string `yaml:"operator_key_path"`

	PoolSource PoolSourceConfig `yaml:"pool_source"`

	Scheduling SchedulingConfig `yaml:"scheduling"`
	Retry      RetryConfig      `yaml:"retry"`

	SlippageBps       int    `yaml:"slippage_bps"`
	AbsoluteMinAmount string `yaml:"absolute_min_amount"` // decimal integer string, smallest unit

	// TestMode makes cmd/orchestrator use a freshly generated operator key
	// instead of decrypting one, and drops the operator_key_path
	// requirement; transactions are still submitted to the configured
	// chains. Only permitted when Environment is "development".
	TestMode bool `yaml:"test_mode"`

	DiagnosticsAddr string `yaml:"diagnostics_addr"`
}

// ChainConfig is one chain's RPC endpoint and the contract addresses this
// Orchestrator interacts with on it.
type ChainConfig struct {
	RPCURL         string           `yaml:"rpc_url"`
	HubAddress     string           `yaml:"hub_address,omitempty"`
	SpokeAddresses []string         `yaml:"spoke_addresses,omitempty"`
	Contracts      map[string]string `yaml:"contracts,omitempty"` // name -> address, for any chain-local contract not covered above
}

// PoolSourceConfig points Pool Ingestion at the data source it refreshes
// from (spec §4.2) and the credential needed to read it.
type PoolSourceConfig struct {
	URL            string `yaml:"url"`
	CredentialPath string `yaml:"credential_path"`
}

// SchedulingConfig bounds how often recurring work runs (spec §5).
type SchedulingConfig struct {
	PoolRefreshIntervalSec int `yaml:"pool_refresh_interval_sec"`
	DecisionIntervalSec    int `yaml:"decision_interval_sec"`
	LiquidationPollSec     int `yaml:"liquidation_poll_sec"`
	ShutdownGraceSec       int `yaml:"shutdown_grace_sec"`
}

// RetryConfig bounds transient-failure retry behavior (spec §7).
type RetryConfig struct {
	MaxAttempts             int `yaml:"max_attempts"`
	CircuitBreakerWindowSec int `yaml:"circuit_breaker_window_sec"`
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`
	QuoteDeadlineSec        int `yaml:"quote_deadline_sec"`
	RPCTimeoutSec           int `yaml:"rpc_timeout_sec"`
}

// LoadConfig reads and strictly parses a YAML config file: unknown keys
// are rejected outright (spec §6: "unknown options are rejected"),
// mirroring the teacher's yaml.v3 loader with UnmarshalStrict semantics.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML (unknown or malformed keys are rejected): %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs before the Orchestrator starts any task. It requires at
// least one chain, a chains entry for hub_chain_id, an rpc_url for every
// chain, slippage_bps within [0, 10000], test_mode only when environment
// is "development", and operator_key_path outside test mode. Other
// options are not checked; zero durations fall back to defaults.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("config: at least one chain must be configured")
	}
	if _, ok := c.Chains[c.HubChainID]; !ok {
		return fmt.Errorf("config: hub_chain_id %d has no matching entry in chains", c.HubChainID)
	}
	for id, cc := range c.Chains {
		if cc.RPCURL == "" {
			return fmt.Errorf("config: chain %d missing rpc_url", id)
		}
	}
	if c.SlippageBps < 0 || c.SlippageBps > 10_000 {
		return fmt.Errorf("config: slippage_bps %d out of range [0, 10000]", c.SlippageBps)
	}
	if c.TestMode && c.Environment != "development" {
		return fmt.Errorf("config: test_mode is only permitted when environment is \"development\", got %q", c.Environment)
	}
	if c.OperatorKeyPath == "" && !c.TestMode {
		return fmt.Errorf("config: operator_key_path is required outside test mode")
	}
	return nil
}

// HubRPCURL is a convenience accessor for the hub chain's RPC endpoint.
func (c *Config) HubRPCURL() string { return c.Chains[c.HubChainID].RPCURL }

// PoolRefreshInterval, DecisionInterval, LiquidationPollInterval, and
// ShutdownGrace convert the YAML's plain integers into time.Duration,
// defaulting anything left at zero to a conservative floor.
func (c *Config) PoolRefreshInterval() time.Duration {
	return durationOrDefault(c.Scheduling.PoolRefreshIntervalSec, 60*time.Second)
}

func (c *Config) DecisionInterval() time.Duration {
	return durationOrDefault(c.Scheduling.DecisionIntervalSec, 30*time.Second)
}

func (c *Config) LiquidationPollInterval() time.Duration {
	return durationOrDefault(c.Scheduling.LiquidationPollSec, 15*time.Second)
}

func (c *Config) ShutdownGrace() time.Duration {
	return durationOrDefault(c.Scheduling.ShutdownGraceSec, 30*time.Second)
}

func (c *Config) QuoteDeadline() time.Duration {
	return durationOrDefault(c.Retry.QuoteDeadlineSec, 5*time.Second)
}

func (c *Config) RPCTimeout() time.Duration {
	return durationOrDefault(c.Retry.RPCTimeoutSec, 10*time.Second)
}

func (c *Config) CircuitBreakerWindow() time.Duration {
	return durationOrDefault(c.Retry.CircuitBreakerWindowSec, 5*time.Minute)
}

func durationOrDefault(sec int, fallback time.Duration) time.Duration {
	if sec <= 0 {
		return fallback
	}
	return time.Duration(sec) * time.Second
}

// HubAddressParsed/SpokeAddressesParsed resolve a chain's configured contract
// addresses to common.Address, for wiring into contractclient.Client.
func (cc ChainConfig) HubAddressParsed() common.Address {
	return common.HexToAddress(cc.HubAddress)
}

func (cc ChainConfig) SpokeAddressesParsed() []common.Address {
	out := make([]common.Address, len(cc.SpokeAddresses))
	for i, a := range cc.SpokeAddresses {
		out[i] = common.HexToAddress(a)
	}
	return out
}
