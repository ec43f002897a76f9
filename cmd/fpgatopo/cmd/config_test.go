package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// parseConfig loads the configuration the root command would see for args
func parseConfig(t *testing.T, configPath string, args ...string) (*Config, error) {
	t.Helper()
	flags := NewRootCmd().Flags()
	require.NoError(t, flags.Parse(args))
	return loadConfig(viper.New(), flags, configPath)
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		assert := require.New(t)
		cfg, err := parseConfig(t, "")
		assert.NoError(err)
		assert.Equal(3, cfg.Spread)
		assert.Equal(4, cfg.Depth)
		assert.Equal(10.0, cfg.Bandwidth)
		assert.Equal("1ms", cfg.Delay)
		assert.Equal(0, cfg.Loss)
		assert.Nil(cfg.Fpga)
		assert.Nil(cfg.FpgaBandwidth)
		assert.Nil(cfg.FpgaDelay)
		assert.Nil(cfg.FpgaLoss)
		assert.Nil(cfg.Seed)
		assert.Equal("info", cfg.Log)
		assert.Equal("console", cfg.LogFormat)
	})

	t.Run("flags", func(t *testing.T) {
		assert := require.New(t)
		cfg, err := parseConfig(t, "", "-s", "2", "-d", "3", "-b", "20", "-e", "4ms", "-l", "5",
			"--fpga", "1", "--fpga-delay", "1ms", "--seed", "42", "-p", "--cloud-fpga")
		assert.NoError(err)

		params := cfg.TreeParams()
		assert.Equal(2, params.Spread)
		assert.Equal(3, params.Depth)
		assert.Equal(20.0, params.Bandwidth)
		assert.Equal("4ms", params.Delay)
		assert.Equal(5, params.Loss)
		assert.Equal(1, *params.Fpga)
		assert.Equal("1ms", *params.FpgaDelay)
		assert.Nil(params.FpgaLoss)
		assert.Equal(uint64(42), *cfg.Seed)

		ms := cfg.Measures()
		assert.True(ms.PingAll)
		assert.True(ms.CloudFpga)
		assert.False(ms.Iperf)
	})

	t.Run("fpga level zero is kept", func(t *testing.T) {
		assert := require.New(t)
		cfg, err := parseConfig(t, "", "--fpga", "0", "--fpga-loss", "0")
		assert.NoError(err)
		assert.Equal(0, *cfg.Fpga)
		assert.Equal(0, *cfg.FpgaLoss)
	})

	t.Run("quick", func(t *testing.T) {
		assert := require.New(t)
		cfg, err := parseConfig(t, "", "-q", "-s", "7", "--log", "debug", "--cloud-fpga")
		assert.NoError(err)
		assert.Equal(3, cfg.Spread)
		assert.Equal(3, cfg.Depth)
		assert.Equal(500.0, cfg.Bandwidth)
		assert.Equal("0ms", cfg.Delay)
		assert.Equal("info", cfg.Log)
		assert.True(cfg.PingAll)
		assert.True(cfg.Iperf)
		assert.True(cfg.CloudFpga)
	})

	t.Run("config file and environment", func(t *testing.T) {
		assert := require.New(t)
		configPath := filepath.Join(t.TempDir(), "fpgatopo.yaml")
		assert.NoError(os.WriteFile(configPath, []byte("spread: 2\ndepth: 5\ndelay: 5ms\nfpga: 2\n"), 0o644))
		t.Setenv("FPGATOPO_FPGA_LOSS", "7")

		cfg, err := parseConfig(t, configPath, "-d", "3")
		assert.NoError(err)
		assert.Equal(2, cfg.Spread)
		assert.Equal(3, cfg.Depth, "flags win over the file")
		assert.Equal("5ms", cfg.Delay)
		assert.Equal(2, *cfg.Fpga)
		assert.Equal(7, *cfg.FpgaLoss)
	})

	t.Run("missing config file", func(t *testing.T) {
		assert := require.New(t)
		_, err := parseConfig(t, filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(err)
	})

	t.Run("invalid", func(t *testing.T) {
		assert := require.New(t)
		_, err := parseConfig(t, "", "--delay", "10")
		assert.Error(err)
		assert.Contains(err.Error(), delayFormatMsg)

		_, err = parseConfig(t, "", "--fpga-delay", "soon")
		assert.Error(err)
		assert.Contains(err.Error(), "--fpga-delay")

		_, err = parseConfig(t, "", "--log", "loud")
		assert.Error(err)

		_, err = parseConfig(t, "", "--log-format", "xml")
		assert.Error(err)
	})
}

func TestLogging(t *testing.T) {
	assert := require.New(t)
	for _, test := range []struct {
		name  string
		level zapcore.Level
	}{
		{name: "debug", level: zapcore.DebugLevel},
		{name: "info", level: zapcore.InfoLevel},
		{name: "output", level: zapcore.InfoLevel},
		{name: "warning", level: zapcore.WarnLevel},
		{name: "error", level: zapcore.ErrorLevel},
		{name: "critical", level: zapcore.DPanicLevel},
	} {
		level, err := logLevel(test.name)
		assert.NoError(err)
		assert.Equal(test.level, level, test.name)
	}
	_, err := logLevel("verbose")
	assert.Error(err)

	logger, err := setupLogger("warning", "json")
	assert.NoError(err)
	assert.False(logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(logger.Core().Enabled(zapcore.WarnLevel))

	_, err = setupLogger("info", "xml")
	assert.Error(err)
}
