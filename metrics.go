package fpgatopo

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors for a topology and the measurements run on it.
// Its methods do nothing on a nil *Metrics, so callers need not check whether metrics are on.
type Metrics struct {
	Registry *prometheus.Registry

	topoNodes *prometheus.GaugeVec
	topoLinks *prometheus.GaugeVec

	pingSent     prometheus.Counter
	pingReceived prometheus.Counter
	pingDropped  prometheus.Gauge

	rtt   *prometheus.GaugeVec
	iperf *prometheus.GaugeVec
}

// CreateMetrics is a constructor; the collectors are registered on a registry of their own
func CreateMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{Registry: reg}

	m.topoNodes = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fpgatopo_nodes",
		Help: "Number of nodes in the topology, by kind.",
	}, []string{"kind"})
	m.topoLinks = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fpgatopo_links",
		Help: "Number of links in the topology, by class.",
	}, []string{"class"})

	m.pingSent = factory.NewCounter(prometheus.CounterOpts{
		Name: "fpgatopo_ping_sent_total",
		Help: "Number of echo requests sent by ping-all runs.",
	})
	m.pingReceived = factory.NewCounter(prometheus.CounterOpts{
		Name: "fpgatopo_ping_received_total",
		Help: "Number of echo replies received by ping-all runs.",
	})
	m.pingDropped = factory.NewGauge(prometheus.GaugeOpts{
		Name: "fpgatopo_ping_dropped_percent",
		Help: "Percentage of probes dropped in the last ping-all run.",
	})

	m.rtt = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fpgatopo_rtt_milliseconds",
		Help: "Round trip time summary of the last leaf to FPGA or cloud ping.",
	}, []string{"src", "dst", "stat"})
	m.iperf = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fpgatopo_iperf_mbps",
		Help: "Bandwidth reported by each side of the last iperf run.",
	}, []string{"client", "server", "side"})

	for _, code := range []NodeCode{SwitchCode, HostCode, FpgaCode, CloudCode} {
		m.topoNodes.WithLabelValues(code.String())
	}
	for _, code := range []LinkCode{StdLinkCode, FpgaLinkCode, CloudLinkCode} {
		m.topoLinks.WithLabelValues(code.String())
	}
	return m
}

// ObserveTopology sets the node and link gauges from a topology
func (m *Metrics) ObserveTopology(td *TopoDesc) {
	if m == nil {
		return
	}
	for _, code := range []NodeCode{SwitchCode, HostCode, FpgaCode, CloudCode} {
		m.topoNodes.WithLabelValues(code.String()).Set(float64(len(td.NodesOfCode(code))))
	}
	counts := make(map[LinkCode]int)
	for _, lnk := range td.Links() {
		counts[lnk.Class]++
	}
	for _, code := range []LinkCode{StdLinkCode, FpgaLinkCode, CloudLinkCode} {
		m.topoLinks.WithLabelValues(code.String()).Set(float64(counts[code]))
	}
}

// ObservePingAll counts the probes of a ping-all run
func (m *Metrics) ObservePingAll(res PingAllResult) {
	if m == nil {
		return
	}
	m.pingSent.Add(float64(res.Sent))
	m.pingReceived.Add(float64(res.Received))
	m.pingDropped.Set(res.Dropped)
}

// ObserveRTT records the round trip summary of a cloud or FPGA ping
func (m *Metrics) ObserveRTT(res CloudFpgaResult) {
	if m == nil {
		return
	}
	m.rtt.WithLabelValues(res.Src, res.Dst, "min").Set(res.Stats.Min)
	m.rtt.WithLabelValues(res.Src, res.Dst, "avg").Set(res.Stats.Avg)
	m.rtt.WithLabelValues(res.Src, res.Dst, "max").Set(res.Stats.Max)
	m.rtt.WithLabelValues(res.Src, res.Dst, "mdev").Set(res.Stats.Mdev)
}

// ObserveIperf records both sides of an iperf run
func (m *Metrics) ObserveIperf(res IperfResult) {
	if m == nil {
		return
	}
	m.iperf.WithLabelValues(res.Client, res.Server, "client").Set(res.ClientMbps)
	m.iperf.WithLabelValues(res.Client, res.Server, "server").Set(res.ServerMbps)
}

// WriteToTextfile writes the metrics in the text format the node exporter textfile collector reads
func (m *Metrics) WriteToTextfile(filename string) error {
	if m == nil {
		return nil
	}
	return errors.Wrapf(prometheus.WriteToTextfile(filename, m.Registry), "writing metrics to %s", filename)
}
