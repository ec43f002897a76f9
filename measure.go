package fpgatopo

// measure.go holds the measurement routines run against a started network: ping
// reachability between all hosts, iperf between the first and last leaf hosts, the round
// trip from a leaf to the FPGA or cloud host, and the dump of host connections.
// Results come back as the tools' text output, parsed here.

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	rttLine    = regexp.MustCompile(`rtt.*`)
	rttStats   = regexp.MustCompile(`rtt min/avg/max/mdev = ([0-9.]+)/([0-9.]+)/([0-9.]+)/([0-9.]+) ms`)
	pingCounts = regexp.MustCompile(`(\d+) packets transmitted, (\d+) received`)
	iperfRate  = regexp.MustCompile(`([0-9.]+) ([KMG]?)bits/sec`)
)

// ErrNoMeasurement flags tool output that does not hold the expected result
var ErrNoMeasurement = errors.New("no measurement in output")

// RTTStats is the summary line of a ping run, in milliseconds
type RTTStats struct {
	Line string  `json:"line" yaml:"line"`
	Min  float64 `json:"min" yaml:"min"`
	Avg  float64 `json:"avg" yaml:"avg"`
	Max  float64 `json:"max" yaml:"max"`
	Mdev float64 `json:"mdev" yaml:"mdev"`
}

// ParseRTT extracts the rtt summary from ping output
func ParseRTT(output string) (RTTStats, error) {
	line := rttLine.FindString(output)
	if len(line) == 0 {
		return RTTStats{}, errors.Wrap(ErrNoMeasurement, "no rtt line in ping output")
	}
	match := rttStats.FindStringSubmatch(line)
	if match == nil {
		return RTTStats{}, errors.Wrapf(ErrNoMeasurement, "malformed rtt line %q", line)
	}
	vals := make([]float64, 4)
	for idx := range vals {
		v, err := strconv.ParseFloat(match[idx+1], 64)
		if err != nil {
			return RTTStats{}, errors.Wrapf(ErrNoMeasurement, "rtt value %q", match[idx+1])
		}
		vals[idx] = v
	}
	return RTTStats{Line: strings.TrimSpace(line), Min: vals[0], Avg: vals[1], Max: vals[2], Mdev: vals[3]}, nil
}

// ParsePingCounts extracts the numbers of echo requests sent and replies received
func ParsePingCounts(output string) (sent, received int, err error) {
	match := pingCounts.FindStringSubmatch(output)
	if match == nil {
		return 0, 0, errors.Wrap(ErrNoMeasurement, "no packet counts in ping output")
	}
	sent, _ = strconv.Atoi(match[1])
	received, _ = strconv.Atoi(match[2])
	return sent, received, nil
}

// ParseIperf extracts every bandwidth iperf reports, e.g. "9.57 Mbits/sec", in order of appearance
func ParseIperf(output string) []string {
	return iperfRate.FindAllString(output, -1)
}

// RateMbps converts a bandwidth string iperf reports into Mbps
func RateMbps(rate string) (float64, error) {
	match := iperfRate.FindStringSubmatch(rate)
	if match == nil {
		return 0, errors.Wrapf(ErrNoMeasurement, "%q is not an iperf bandwidth", rate)
	}
	v, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, errors.Wrapf(ErrNoMeasurement, "%q is not an iperf bandwidth", rate)
	}
	scale := map[string]float64{"": 1e-6, "K": 1e-3, "M": 1, "G": 1e3}
	return v * scale[match[2]], nil
}

// MeasureOption adjusts a MeasureRunner
type MeasureOption func(*MeasureRunner)

// WithMeasureLogger sets the logger measurement progress and results are reported to
func WithMeasureLogger(logger *zap.Logger) MeasureOption {
	return func(mr *MeasureRunner) {
		if logger != nil {
			mr.logger = logger
		}
	}
}

// WithMeasureTrace has measurement results recorded in tm
func WithMeasureTrace(tm *TraceManager) MeasureOption {
	return func(mr *MeasureRunner) {
		mr.traceMgr = tm
	}
}

// WithMetrics has measurement results observed by m
func WithMetrics(m *Metrics) MeasureOption {
	return func(mr *MeasureRunner) {
		mr.metrics = m
	}
}

// WithIperfTime sets the seconds an iperf run transmits for
func WithIperfTime(seconds float64) MeasureOption {
	return func(mr *MeasureRunner) {
		mr.iperfTime = seconds
	}
}

// MeasureRunner runs the measurement routines against a network
type MeasureRunner struct {
	logger    *zap.Logger
	traceMgr  *TraceManager
	metrics   *Metrics
	iperfTime float64
}

// CreateMeasureRunner is a constructor
func CreateMeasureRunner(opts ...MeasureOption) *MeasureRunner {
	mr := &MeasureRunner{logger: zap.NewNop(), iperfTime: iperfDuration}
	for _, opt := range opts {
		opt(mr)
	}
	return mr
}

// PingPair is the outcome of one probe of a ping-all run
type PingPair struct {
	Src      string `json:"src" yaml:"src"`
	Dst      string `json:"dst" yaml:"dst"`
	Received bool   `json:"received" yaml:"received"`
}

// PingAllResult is the outcome of pinging every host from every other host
type PingAllResult struct {
	Pairs    []PingPair `json:"pairs" yaml:"pairs"`
	Sent     int        `json:"sent" yaml:"sent"`
	Received int        `json:"received" yaml:"received"`

	// Dropped is the percentage of probes without a reply
	Dropped float64 `json:"dropped" yaml:"dropped"`

	// Output is the reachability table, one line per source host
	Output string `json:"output" yaml:"output"`
}

// PingAll sends one echo from every host to every other host
func (mr *MeasureRunner) PingAll(ctx context.Context, nw Network) (PingAllResult, error) {
	mr.logger.Info("running ping test between all hosts")
	hosts := nw.Hosts()
	res := PingAllResult{Pairs: make([]PingPair, 0, len(hosts)*len(hosts))}

	var sb strings.Builder
	fmt.Fprintln(&sb, "*** Ping: testing ping reachability")
	for _, src := range hosts {
		fmt.Fprintf(&sb, "%s -> ", src.Name())
		for _, dst := range hosts {
			if src.Name() == dst.Name() {
				continue
			}
			output, err := src.Cmd(ctx, "ping -c 1 "+dst.IP().String())
			if err != nil {
				return PingAllResult{}, errors.WithMessagef(err, "ping %s -> %s", src.Name(), dst.Name())
			}
			sent, received, err := ParsePingCounts(output)
			if err != nil {
				return PingAllResult{}, err
			}
			res.Sent += sent
			res.Received += received
			reached := received > 0
			res.Pairs = append(res.Pairs, PingPair{Src: src.Name(), Dst: dst.Name(), Received: reached})
			if reached {
				fmt.Fprintf(&sb, "%s ", dst.Name())
			} else {
				fmt.Fprint(&sb, "X ")
			}
		}
		fmt.Fprintln(&sb)
	}
	if res.Sent > 0 {
		res.Dropped = 100.0 * float64(res.Sent-res.Received) / float64(res.Sent)
	}
	fmt.Fprintf(&sb, "*** Results: %s%% dropped (%d/%d received)\n",
		strconv.FormatFloat(res.Dropped, 'f', 0, 64), res.Received, res.Sent)
	res.Output = sb.String()

	mr.logger.Info("ping test done", zap.Int("sent", res.Sent), zap.Int("received", res.Received),
		zap.Float64("dropped", res.Dropped))
	mr.metrics.ObservePingAll(res)
	AddMeasureTrace(mr.traceMgr, MeasureTrace{Measure: "pingall", Result: res.Output})
	return res, nil
}

// IperfResult is the outcome of an iperf run between two hosts
type IperfResult struct {
	Client string `json:"client" yaml:"client"`
	Server string `json:"server" yaml:"server"`

	// ClientRate and ServerRate are the bandwidths each side reports, e.g. "9.57 Mbits/sec"
	ClientRate string  `json:"clientrate" yaml:"clientrate"`
	ServerRate string  `json:"serverrate" yaml:"serverrate"`
	ClientMbps float64 `json:"clientmbps" yaml:"clientmbps"`
	ServerMbps float64 `json:"servermbps" yaml:"servermbps"`
}

// Iperf measures the bandwidth from the first to the last leaf host
func (mr *MeasureRunner) Iperf(ctx context.Context, nw Network) (IperfResult, error) {
	leaves := nw.Topology().Hosts()
	if len(leaves) < 2 {
		return IperfResult{}, errors.New("iperf needs at least two leaf hosts")
	}
	client, cok := nw.Host(leaves[0].Name)
	server, sok := nw.Host(leaves[len(leaves)-1].Name)
	if !cok || !sok {
		return IperfResult{}, errors.Errorf("leaf hosts %s and %s not in network",
			leaves[0].Name, leaves[len(leaves)-1].Name)
	}

	mr.logger.Info("testing bandwidth between first and last hosts",
		zap.String("client", client.Name()), zap.String("server", server.Name()))
	output, err := client.Cmd(ctx, fmt.Sprintf("iperf -c %s -t %g", server.IP(), mr.iperfTime))
	if err != nil {
		return IperfResult{}, errors.WithMessagef(err, "iperf %s -> %s", client.Name(), server.Name())
	}

	// the client line comes first, the server report last
	rates := ParseIperf(output)
	if len(rates) == 0 {
		return IperfResult{}, errors.Wrap(ErrNoMeasurement, "no bandwidth in iperf output")
	}
	res := IperfResult{Client: client.Name(), Server: server.Name(),
		ClientRate: rates[0], ServerRate: rates[len(rates)-1]}
	if res.ClientMbps, err = RateMbps(res.ClientRate); err != nil {
		return IperfResult{}, err
	}
	if res.ServerMbps, err = RateMbps(res.ServerRate); err != nil {
		return IperfResult{}, err
	}

	mr.logger.Info("iperf done", zap.Strings("results", []string{res.ServerRate, res.ClientRate}))
	mr.metrics.ObserveIperf(res)
	AddMeasureTrace(mr.traceMgr, MeasureTrace{Measure: "iperf", Hosts: []string{res.Client, res.Server},
		Result: res.ServerRate + " / " + res.ClientRate})
	return res, nil
}

// CloudFpgaResult is the round trip from a leaf to the first FPGA host, or to the cloud
type CloudFpgaResult struct {
	Src   string   `json:"src" yaml:"src"`
	Dst   string   `json:"dst" yaml:"dst"`
	Stats RTTStats `json:"stats" yaml:"stats"`
}

// CloudFpga pings from h0 to f0 when fpga is set, otherwise to the cloud host, ten times,
// and reports the round trip summary
func (mr *MeasureRunner) CloudFpga(ctx context.Context, nw Network, fpga bool) (CloudFpgaResult, error) {
	srcName, dstName := HostName(0), CloudName
	if fpga {
		dstName = FpgaName(0)
		mr.logger.Info("testing performance between leaf (h0) and FPGA switch (f0)")
	} else {
		mr.logger.Info("testing performance between leaf (h0) and cloud (cloud)")
	}

	src, present := nw.Host(srcName)
	if !present {
		return CloudFpgaResult{}, errors.Errorf("no host %s in network", srcName)
	}
	dst, present := nw.Host(dstName)
	if !present {
		return CloudFpgaResult{}, errors.Errorf("no host %s in network", dstName)
	}

	output, err := src.Cmd(ctx, "ping -c 10 "+dst.IP().String())
	if err != nil {
		return CloudFpgaResult{}, errors.WithMessagef(err, "ping %s -> %s", srcName, dstName)
	}
	stats, err := ParseRTT(output)
	if err != nil {
		return CloudFpgaResult{}, err
	}

	mr.logger.Info("ping results", zap.String("rtt", stats.Line))
	res := CloudFpgaResult{Src: srcName, Dst: dstName, Stats: stats}
	mr.metrics.ObserveRTT(res)
	AddMeasureTrace(mr.traceMgr, MeasureTrace{Measure: "cloudfpga", Hosts: []string{srcName, dstName},
		Result: stats.Line})
	return res, nil
}

// DumpNodeConnections lists, for every host, its interfaces and the interfaces they are
// linked to, e.g. "h0 h0-eth0:s20-eth1". Interfaces are numbered in link creation order,
// from 0 on hosts and from 1 on switches.
func (mr *MeasureRunner) DumpNodeConnections(nw Network) string {
	td := nw.Topology()
	var sb strings.Builder
	for _, host := range nw.Hosts() {
		node, present := td.NodeByName(host.Name())
		if !present {
			continue
		}
		fmt.Fprint(&sb, node.Name)
		for _, lnk := range td.LinksOf(node.ID) {
			other, _ := td.Node(lnk.Other(node.ID))
			fmt.Fprintf(&sb, " %s:%s", intfName(td, node, lnk), intfName(td, other, lnk))
		}
		fmt.Fprintln(&sb)
	}
	mr.logger.Info("dumping host connections")
	mr.logger.Debug(sb.String())
	return sb.String()
}

// intfName names the interface of a node that a link attaches to
func intfName(td *TopoDesc, node Node, lnk Link) string {
	port := 0
	if node.Code == SwitchCode {
		port = 1
	}
	for _, l := range td.LinksOf(node.ID) {
		if l.A == lnk.A && l.B == lnk.B {
			break
		}
		port++
	}
	return fmt.Sprintf("%s-eth%d", node.Name, port)
}
