package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mevrelay/policy"
	"mevrelay/ratelimit"
)

// Duration decodes from either a Go duration string ("30s") or a bare
// nanosecond integer. yaml.v3 only handles the latter for time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	case float64:
		*d = Duration(int64(v))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// TargetConfig names one downstream execution endpoint.
type TargetConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// SimulationConfig wires the eth_callBundle backend.
type SimulationConfig struct {
	Endpoint   string   `yaml:"endpoint"`
	Coinbase   string   `yaml:"coinbase"`
	Timeout    Duration `yaml:"timeout"`
	MinGasUsed uint64   `yaml:"minGasUsed"`
}

// PolicyConfig is the injected admission policy data.
type PolicyConfig struct {
	Blacklist     []string `yaml:"blacklist"`
	MaxDistinctTo int      `yaml:"maxDistinctTo"`
	GasFloor      uint64   `yaml:"gasFloor"`
	GasCeiling    uint64   `yaml:"gasCeiling"`
}

// RateLimitConfig holds the two-tier window parameters.
type RateLimitConfig struct {
	IdentityWindow Duration `yaml:"identityWindow"`
	IdentityLimit  int      `yaml:"identityLimit"`
	GlobalWindow   Duration `yaml:"globalWindow"`
	GlobalLimit    int      `yaml:"globalLimit"`
}

// DedupConfig bounds the replay fingerprint cache. PersistPath enables the
// LevelDB warm-start store.
type DedupConfig struct {
	Capacity    int    `yaml:"capacity"`
	PersistPath string `yaml:"persistPath"`
}

// StoreConfig points at the credential database.
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// FanoutConfig tunes downstream delivery.
type FanoutConfig struct {
	Timeout             Duration `yaml:"timeout"`
	DrainTimeout        Duration `yaml:"drainTimeout"`
	TargetRatePerSecond float64  `yaml:"targetRatePerSecond"`
	TargetBurst         int      `yaml:"targetBurst"`
}

// LogConfig enables rotating file output in addition to stdout.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// ObservabilityConfig toggles metrics and tracing.
type ObservabilityConfig struct {
	ServiceName string `yaml:"serviceName"`
	Metrics     bool   `yaml:"metrics"`
	Tracing     bool   `yaml:"tracing"`
}

type Config struct {
	ListenAddress string   `yaml:"listen"`
	ReadTimeout   Duration `yaml:"readTimeout"`
	WriteTimeout  Duration `yaml:"writeTimeout"`
	IdleTimeout   Duration `yaml:"idleTimeout"`

	Miners     []TargetConfig   `yaml:"miners"`
	Simulation SimulationConfig `yaml:"simulation"`

	Policy     PolicyConfig    `yaml:"policy"`
	RateLimits RateLimitConfig `yaml:"rateLimits"`
	Dedup      DedupConfig     `yaml:"dedup"`
	Store      StoreConfig     `yaml:"store"`
	Fanout     FanoutConfig    `yaml:"fanout"`

	Log           LogConfig           `yaml:"log"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Load reads the YAML config at path, applying defaults first. A config file
// is required: the relay cannot run without at least one miner target.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Config{}, errors.New("config path required")
	}
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		ListenAddress: ":18545",
		ReadTimeout:   Duration(30 * time.Second),
		WriteTimeout:  Duration(30 * time.Second),
		IdleTimeout:   Duration(120 * time.Second),
		Simulation: SimulationConfig{
			Timeout:    Duration(30 * time.Second),
			MinGasUsed: 42000,
		},
		Policy: PolicyConfig{
			MaxDistinctTo: policy.DefaultMaxDistinctTo,
			GasFloor:      policy.DefaultGasFloor,
			GasCeiling:    policy.DefaultGasCeiling,
		},
		RateLimits: RateLimitConfig{
			IdentityWindow: Duration(ratelimit.DefaultIdentityWindow),
			IdentityLimit:  ratelimit.DefaultIdentityLimit,
			GlobalWindow:   Duration(ratelimit.DefaultGlobalWindow),
			GlobalLimit:    ratelimit.DefaultGlobalLimit,
		},
		Dedup: DedupConfig{
			Capacity: 100_000,
		},
		Fanout: FanoutConfig{
			Timeout:      Duration(10 * time.Second),
			DrainTimeout: Duration(15 * time.Second),
		},
		Observability: ObservabilityConfig{
			ServiceName: "mev-relay",
			Metrics:     true,
			Tracing:     true,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("listen address required")
	}
	if len(c.Miners) == 0 {
		return errors.New("at least one miner target required")
	}
	for i, m := range c.Miners {
		parsed, err := url.Parse(strings.TrimSpace(m.URL))
		if err != nil {
			return fmt.Errorf("miner %d: invalid url: %w", i, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("miner %d: unsupported scheme %q", i, parsed.Scheme)
		}
	}
	if c.Policy.GasCeiling != 0 && c.Policy.GasCeiling <= c.Policy.GasFloor {
		return fmt.Errorf("policy gas ceiling %d must exceed floor %d", c.Policy.GasCeiling, c.Policy.GasFloor)
	}
	if c.RateLimits.IdentityWindow < 0 || c.RateLimits.GlobalWindow < 0 {
		return errors.New("rate limit windows must not be negative")
	}
	if c.Dedup.Capacity < 0 {
		return errors.New("dedup capacity must not be negative")
	}
	if c.Simulation.Endpoint != "" {
		if _, err := url.Parse(c.Simulation.Endpoint); err != nil {
			return fmt.Errorf("simulation endpoint: %w", err)
		}
	}
	return nil
}
