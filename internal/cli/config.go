package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/procpool/internal/observability"
	"github.com/ChuLiYu/procpool/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration file
type Config struct {
	Pool struct {
		RunDir            string        `yaml:"run_dir"`
		StatePath         string        `yaml:"state_path"`
		PickupStrategy    string        `yaml:"pickup_strategy"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		StartTimeout      time.Duration `yaml:"start_timeout"`
		ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"pool"`

	Groups []types.WorkerGroup `yaml:"groups"`

	Logging observability.LogConfig `yaml:"logging"`

	Metrics struct {
		Enabled        bool          `yaml:"enabled"`
		Port           int           `yaml:"port"`
		SampleInterval time.Duration `yaml:"sample_interval"`
	} `yaml:"metrics"`

	Gateway struct {
		Enabled bool          `yaml:"enabled"`
		Address string        `yaml:"address"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"gateway"`

	Tracing observability.TracingConfig `yaml:"tracing"`
}

const (
	defaultMetricsPort    = 9090
	defaultGatewayAddress = "127.0.0.1:50051"
)

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Metrics.Port == 0 {
		c.Metrics.Port = defaultMetricsPort
	}
	if c.Gateway.Address == "" {
		c.Gateway.Address = defaultGatewayAddress
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "procpool"
	}
	if c.Tracing.ServiceVersion == "" {
		c.Tracing.ServiceVersion = version
	}
}

// statePath is where the supervisor keeps the shared state file; empty when
// the run directory is a temporary one.
func (c *Config) statePath() string {
	if c.Pool.StatePath != "" {
		return c.Pool.StatePath
	}
	if c.Pool.RunDir != "" {
		return filepath.Join(c.Pool.RunDir, "state")
	}
	return ""
}
