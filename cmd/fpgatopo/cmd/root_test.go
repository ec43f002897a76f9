package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iti/fpgatopo"
	"github.com/stretchr/testify/require"
)

// execute runs the root command on args and returns what it printed
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rootCmd := NewRootCmd()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd(t *testing.T) {
	t.Run("quick", func(t *testing.T) {
		assert := require.New(t)
		out, err := execute(t, "--quick")
		assert.NoError(err)
		assert.Contains(out, "*** Ping: testing ping reachability")
		assert.Contains(out, "*** Results: 0% dropped (90/90 received)")
		assert.Contains(out, "*** Iperf: testing TCP bandwidth between h0 and h8")
		assert.Contains(out, "Mbits/sec")
	})

	t.Run("no measurements", func(t *testing.T) {
		assert := require.New(t)
		out, err := execute(t, "-s", "2", "-d", "3", "--log", "error")
		assert.NoError(err)
		assert.Empty(out)
	})

	t.Run("cloud or fpga", func(t *testing.T) {
		assert := require.New(t)
		out, err := execute(t, "-s", "2", "-d", "3", "--cloud-fpga", "--log", "error")
		assert.NoError(err)
		assert.True(strings.HasPrefix(out, "h0 -> cloud rtt min/avg/max/mdev = "), out)

		out, err = execute(t, "-s", "2", "-d", "3", "--fpga", "1", "--cloud-fpga", "--log", "error")
		assert.NoError(err)
		assert.True(strings.HasPrefix(out, "h0 -> f0 rtt min/avg/max/mdev = "), out)
	})

	t.Run("connections", func(t *testing.T) {
		assert := require.New(t)
		out, err := execute(t, "-s", "2", "-d", "3", "--dump-node-connections", "--log", "error")
		assert.NoError(err)
		assert.Contains(out, "h0 h0-eth0:s10-eth2\n")
	})

	t.Run("files", func(t *testing.T) {
		assert := require.New(t)
		dir := t.TempDir()
		topoFile := filepath.Join(dir, "topo.yaml")
		traceFile := filepath.Join(dir, "trace.json")
		metricsFile := filepath.Join(dir, "fpgatopo.prom")

		_, err := execute(t, "-s", "2", "-d", "3", "--fpga", "0", "--poisson", "--seed", "3", "-p",
			"--log", "error", "--output", topoFile, "--trace", traceFile, "--metrics-file", metricsFile)
		assert.NoError(err)

		td, err := fpgatopo.LoadTopo(topoFile)
		assert.NoError(err)
		assert.Len(td.FpgaHosts(), 1)
		assert.True(td.Params().Poisson)

		trace, err := os.ReadFile(traceFile)
		assert.NoError(err)
		assert.Contains(string(trace), `"expname": "tree-2x3"`)

		metrics, err := os.ReadFile(metricsFile)
		assert.NoError(err)
		assert.Contains(string(metrics), "fpgatopo_ping_sent_total 30")
	})

	t.Run("errors", func(t *testing.T) {
		assert := require.New(t)
		_, err := execute(t, "--delay", "10")
		assert.Error(err)
		assert.Contains(err.Error(), delayFormatMsg)

		_, err = execute(t, "-s", "0", "--log", "error")
		assert.Error(err)

		_, err = execute(t, "unexpected")
		assert.Error(err)

		_, err = execute(t, "--output", filepath.Join(t.TempDir(), "topo.txt"), "-s", "2", "-d", "3",
			"--log", "error")
		assert.Error(err)
	})
}
