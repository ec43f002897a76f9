package cmd

import (
	"strings"

	"github.com/iti/fpgatopo"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const delayFormatMsg = "delay must be in the format <time><unit>s. E.g. '10ms', '23s', '200ns'."

// Config holds everything a run is configured with. Values come from, in increasing
// precedence, the flag defaults, the config file, FPGATOPO_ environment variables and flags.
type Config struct {
	Spread    int     `mapstructure:"spread"`
	Depth     int     `mapstructure:"depth"`
	Bandwidth float64 `mapstructure:"bandwidth"`
	Delay     string  `mapstructure:"delay"`
	Loss      int     `mapstructure:"loss"`

	// nil unless given
	Fpga          *int     `mapstructure:"fpga"`
	FpgaBandwidth *float64 `mapstructure:"fpga-bandwidth"`
	FpgaDelay     *string  `mapstructure:"fpga-delay"`
	FpgaLoss      *int     `mapstructure:"fpga-loss"`
	Seed          *uint64  `mapstructure:"seed"`

	Poisson        bool `mapstructure:"poisson"`
	PoissonPerLink bool `mapstructure:"poisson-per-link"`

	PingAll             bool `mapstructure:"ping-all"`
	Iperf               bool `mapstructure:"iperf"`
	CloudFpga           bool `mapstructure:"cloud-fpga"`
	DumpNodeConnections bool `mapstructure:"dump-node-connections"`
	Quick               bool `mapstructure:"quick"`

	Log       string `mapstructure:"log"`
	LogFormat string `mapstructure:"log-format"`

	Output      string `mapstructure:"output"`
	Trace       string `mapstructure:"trace"`
	MetricsFile string `mapstructure:"metrics-file"`
}

// loadConfig reads the config file, if any, and the environment, binds the flags, and
// returns the validated configuration with quick mode applied
func loadConfig(v *viper.Viper, flags *pflag.FlagSet, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("fpgatopo")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FPGATOPO")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configPath != "" {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	if err := v.BindPFlags(flags); err != nil {
		return nil, errors.Wrap(err, "failed to bind flags")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	// flag defaults must not pass for values the user gave
	if !v.IsSet("fpga") {
		cfg.Fpga = nil
	}
	if !v.IsSet("fpga-bandwidth") {
		cfg.FpgaBandwidth = nil
	}
	if !v.IsSet("fpga-delay") {
		cfg.FpgaDelay = nil
	}
	if !v.IsSet("fpga-loss") {
		cfg.FpgaLoss = nil
	}
	if !v.IsSet("seed") {
		cfg.Seed = nil
	}

	if cfg.Quick {
		cfg.applyQuick()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyQuick replaces the tree and measurement settings with a small, fast configuration
func (cfg *Config) applyQuick() {
	cfg.Spread = 3
	cfg.Depth = 3
	cfg.Bandwidth = 500
	cfg.Delay = "0ms"
	cfg.Loss = 0
	cfg.PingAll = true
	cfg.Iperf = true
	cfg.Log = "info"
}

// validate rejects malformed delays and logging settings before anything is built
func (cfg *Config) validate() error {
	if _, err := fpgatopo.ParseDuration(cfg.Delay); err != nil {
		return errors.Errorf("invalid value %q for --delay: %s", cfg.Delay, delayFormatMsg)
	}
	if cfg.FpgaDelay != nil {
		if _, err := fpgatopo.ParseDuration(*cfg.FpgaDelay); err != nil {
			return errors.Errorf("invalid value %q for --fpga-delay: %s", *cfg.FpgaDelay, delayFormatMsg)
		}
	}
	if _, err := logLevel(cfg.Log); err != nil {
		return err
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		return errors.Errorf("invalid log format %q, must be console or json", cfg.LogFormat)
	}
	return nil
}

// TreeParams converts the configuration into the builder's parameters
func (cfg *Config) TreeParams() fpgatopo.TreeParams {
	return fpgatopo.TreeParams{
		Spread:        cfg.Spread,
		Depth:         cfg.Depth,
		Bandwidth:     cfg.Bandwidth,
		Delay:         cfg.Delay,
		Loss:          cfg.Loss,
		Fpga:          cfg.Fpga,
		FpgaBandwidth: cfg.FpgaBandwidth,
		FpgaDelay:     cfg.FpgaDelay,
		FpgaLoss:      cfg.FpgaLoss,
		Poisson:       cfg.Poisson,
	}
}

// Measures selects the measurements the configuration asks for
func (cfg *Config) Measures() fpgatopo.Measures {
	return fpgatopo.Measures{
		DumpConnections: cfg.DumpNodeConnections,
		PingAll:         cfg.PingAll,
		Iperf:           cfg.Iperf,
		CloudFpga:       cfg.CloudFpga,
	}
}
