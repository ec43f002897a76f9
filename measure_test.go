package fpgatopo

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const linuxPing = `PING 10.0.0.5 (10.0.0.5) 56(84) bytes of data.
64 bytes from 10.0.0.5: icmp_seq=1 ttl=64 time=4.12 ms
64 bytes from 10.0.0.5: icmp_seq=2 ttl=64 time=4.08 ms

--- 10.0.0.5 ping statistics ---
2 packets transmitted, 2 received, 0% packet loss, time 1001ms
rtt min/avg/max/mdev = 4.080/4.100/4.120/0.020 ms
`

const iperfSummary = `*** Iperf: testing TCP bandwidth between h0 and h3
*** Results: ['9.57 Mbits/sec', '11.2 Mbits/sec']
`

func TestParsers(t *testing.T) {
	t.Run("rtt", func(t *testing.T) {
		assert := require.New(t)
		stats, err := ParseRTT(linuxPing)
		assert.NoError(err)
		assert.Equal(RTTStats{Line: "rtt min/avg/max/mdev = 4.080/4.100/4.120/0.020 ms",
			Min: 4.08, Avg: 4.1, Max: 4.12, Mdev: 0.02}, stats)

		_, err = ParseRTT("rtt garbled")
		assert.True(errors.Is(err, ErrNoMeasurement))
		_, err = ParseRTT("")
		assert.True(errors.Is(err, ErrNoMeasurement))
	})

	t.Run("counts", func(t *testing.T) {
		assert := require.New(t)
		sent, received, err := ParsePingCounts(linuxPing)
		assert.NoError(err)
		assert.Equal(2, sent)
		assert.Equal(2, received)

		_, _, err = ParsePingCounts("connect: Network is unreachable")
		assert.True(errors.Is(err, ErrNoMeasurement))
	})

	t.Run("iperf", func(t *testing.T) {
		assert := require.New(t)
		assert.Equal([]string{"9.57 Mbits/sec", "11.2 Mbits/sec"}, ParseIperf(iperfSummary))
		assert.Empty(ParseIperf("connect failed"))

		for _, test := range []struct {
			rate string
			mbps float64
		}{
			{rate: "9.57 Mbits/sec", mbps: 9.57},
			{rate: "950 Kbits/sec", mbps: 0.95},
			{rate: "1.20 Gbits/sec", mbps: 1200},
			{rate: "800 bits/sec", mbps: 0.0008},
		} {
			mbps, err := RateMbps(test.rate)
			assert.NoError(err)
			assert.InDelta(test.mbps, mbps, 1e-9, test.rate)
		}
		_, err := RateMbps("fast")
		assert.True(errors.Is(err, ErrNoMeasurement))
	})
}

func TestPingAll(t *testing.T) {
	t.Run("reachable", func(t *testing.T) {
		assert := require.New(t)
		nw := startSim(t, baseParams())
		core, logs := observer.New(zap.InfoLevel)
		m := CreateMetrics()
		mr := CreateMeasureRunner(WithMeasureLogger(zap.New(core)), WithMetrics(m))

		res, err := mr.PingAll(context.Background(), nw)
		assert.NoError(err)
		assert.Equal(20, res.Sent)
		assert.Equal(20, res.Received)
		assert.Equal(0.0, res.Dropped)
		assert.Len(res.Pairs, 20)

		lines := strings.Split(strings.TrimSpace(res.Output), "\n")
		assert.Equal("*** Ping: testing ping reachability", lines[0])
		assert.Equal("h0 -> h1 h2 h3 cloud", strings.TrimSpace(lines[1]))
		assert.Equal("cloud -> h0 h1 h2 h3", strings.TrimSpace(lines[5]))
		assert.Equal("*** Results: 0% dropped (20/20 received)", lines[6])

		assert.Equal(1, logs.FilterMessage("ping test done").Len())
		assert.Equal(20.0, testutil.ToFloat64(m.pingSent))
		assert.Equal(0.0, testutil.ToFloat64(m.pingDropped))
	})

	t.Run("unreachable", func(t *testing.T) {
		assert := require.New(t)
		params := baseParams()
		params.Loss = 100
		nw := startSim(t, params)

		res, err := CreateMeasureRunner().PingAll(context.Background(), nw)
		assert.NoError(err)
		assert.Equal(0, res.Received)
		assert.Equal(100.0, res.Dropped)
		assert.Contains(res.Output, "h0 -> X X X X")
		assert.Contains(res.Output, "*** Results: 100% dropped (0/20 received)")
		for _, pair := range res.Pairs {
			assert.False(pair.Received)
		}
	})

	t.Run("stopped", func(t *testing.T) {
		assert := require.New(t)
		nw := startSim(t, baseParams())
		assert.NoError(nw.Stop())
		_, err := CreateMeasureRunner().PingAll(context.Background(), nw)
		assert.True(errors.Is(err, ErrNetworkStopped))
	})
}

func TestIperf(t *testing.T) {
	t.Run("leaves", func(t *testing.T) {
		assert := require.New(t)
		params := baseParams()
		params.Fpga = intPtr(1)
		tm := CreateTraceManager("iperf", true)
		nw := startSim(t, params, WithTraceManager(tm))
		mr := CreateMeasureRunner(WithIperfTime(2), WithMeasureTrace(tm))

		res, err := mr.Iperf(context.Background(), nw)
		assert.NoError(err)

		// FPGA hosts are not leaves
		assert.Equal("h0", res.Client)
		assert.Equal("h3", res.Server)
		assert.InDelta(10.0, res.ClientMbps, 0.5)
		assert.InDelta(res.ClientMbps, res.ServerMbps, 1e-9)
		assert.Contains(res.ClientRate, "Mbits/sec")

		// flow ticks and the measurement record
		assert.Equal(21, tm.NumRecords())
	})

	t.Run("single leaf", func(t *testing.T) {
		assert := require.New(t)
		nw := startSim(t, TreeParams{Spread: 1, Depth: 2, Bandwidth: 10, Delay: "1ms"})
		_, err := CreateMeasureRunner().Iperf(context.Background(), nw)
		assert.Error(err)
	})
}

func TestCloudFpga(t *testing.T) {
	t.Run("cloud", func(t *testing.T) {
		assert := require.New(t)
		nw := startSim(t, baseParams())
		res, err := CreateMeasureRunner().CloudFpga(context.Background(), nw, false)
		assert.NoError(err)
		assert.Equal("h0", res.Src)
		assert.Equal(CloudName, res.Dst)
		assert.Greater(res.Stats.Avg, 4.0)
		assert.True(strings.HasPrefix(res.Stats.Line, "rtt min/avg/max/mdev"))
	})

	t.Run("fpga is closer", func(t *testing.T) {
		assert := require.New(t)
		params := baseParams()
		params.Fpga = intPtr(1)
		nw := startSim(t, params)
		m := CreateMetrics()
		mr := CreateMeasureRunner(WithMetrics(m))

		toFpga, err := mr.CloudFpga(context.Background(), nw, true)
		assert.NoError(err)
		assert.Equal("f0", toFpga.Dst)
		toCloud, err := mr.CloudFpga(context.Background(), nw, false)
		assert.NoError(err)
		assert.Less(toFpga.Stats.Avg, toCloud.Stats.Avg)

		assert.Equal(toFpga.Stats.Avg, testutil.ToFloat64(m.rtt.WithLabelValues("h0", "f0", "avg")))
	})

	t.Run("no fpga host", func(t *testing.T) {
		assert := require.New(t)
		nw := startSim(t, baseParams())
		_, err := CreateMeasureRunner().CloudFpga(context.Background(), nw, true)
		assert.Error(err)
	})

	t.Run("unreachable", func(t *testing.T) {
		assert := require.New(t)
		params := baseParams()
		params.Loss = 100
		nw := startSim(t, params)
		_, err := CreateMeasureRunner().CloudFpga(context.Background(), nw, false)
		assert.True(errors.Is(err, ErrNoMeasurement))
	})
}

func TestDumpNodeConnections(t *testing.T) {
	t.Run("tree", func(t *testing.T) {
		assert := require.New(t)
		nw := startSim(t, baseParams())
		dump := CreateMeasureRunner().DumpNodeConnections(nw)
		assert.Equal("h0 h0-eth0:s10-eth2\n"+
			"h1 h1-eth0:s10-eth3\n"+
			"h2 h2-eth0:s11-eth2\n"+
			"h3 h3-eth0:s11-eth3\n"+
			"cloud cloud-eth0:s00-eth1\n", dump)
	})

	t.Run("fpga ports come first", func(t *testing.T) {
		assert := require.New(t)
		params := baseParams()
		params.Fpga = intPtr(0)
		nw := startSim(t, params)
		dump := CreateMeasureRunner().DumpNodeConnections(nw)
		assert.Contains(dump, "f0 f0-eth0:s00-eth1\n")
		assert.Contains(dump, "cloud cloud-eth0:s00-eth2\n")
	})
}
