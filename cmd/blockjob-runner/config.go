package main

import (
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/blockjob/internal/util/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes the environment variables overriding flags,
	// e.g. BLOCKJOB_LOG_LEVEL.
	EnvPrefix = "BLOCKJOB"

	defaultMetricsPath = "/metrics"
)

// Config holds the runner settings. Scenario content lives in the scenario
// file, not here.
type Config struct {
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `mapstructure:"log-level"`
	// Development switches logs to text output.
	Development bool `mapstructure:"development"`

	// LibvirtURI overrides the URI set in the scenario.
	LibvirtURI string `mapstructure:"libvirt-uri"`

	// MetricsAddr enables the metrics server when set, e.g. ":9090".
	MetricsAddr string `mapstructure:"metrics-addr"`
	// MetricsPath is the path metrics are served on.
	MetricsPath string `mapstructure:"metrics-path"`
}

var configKeys = []string{"log-level", "development", "libvirt-uri", "metrics-addr", "metrics-path"}

func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("development", false, "Human-readable text logs")
	flags.String("libvirt-uri", "", "libvirt connection URI, overrides the scenario")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.String("metrics-path", defaultMetricsPath, "Path of the metrics endpoint")

	for _, key := range configKeys {
		_ = v.BindPFlag(key, flags.Lookup(key))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func loadConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config invalid: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.MetricsAddr != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("metrics-path must start with /, got %q", c.MetricsPath)
	}
	return nil
}
