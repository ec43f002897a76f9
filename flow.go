package fpgatopo

// flow.go simulates the TCP flow an iperf client drives to a server. The flow is sampled
// at fixed virtual time ticks; each tick the sender pushes what the path admits and every
// link drops a binomially distributed share of the segments crossing it

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gonum.org/v1/gonum/stat/distuv"
)

// parameters of the simulated flow
const (
	// SimSegmentBytes is the size of the frames a flow is cut into
	SimSegmentBytes = 1500

	// SimWindowBytes is the TCP window that bounds the rate over a path with a long round trip
	SimWindowBytes = 85.0 * 1024

	// SimFlowTick is the sampling interval of a flow, in seconds
	SimFlowTick = 0.1

	// iperf defaults
	iperfPort     = 5001
	iperfDuration = 10.0
)

// Flow is the state of one simulated iperf transfer
type Flow struct {
	ctx    context.Context
	sn     *simNetwork
	execID int

	Src, Dst *simHost
	Duration float64

	// Rate the sender pushes, in bits per second
	Rate float64

	// Sent and Delivered count segments
	Sent      int
	Delivered int

	links   []*simLink
	senders []*simDev
}

// createFlow sets up a flow along the route from src to dst. The sending rate is the
// narrowest link on the route, further bounded by the window over the round trip time
func createFlow(ctx context.Context, sn *simNetwork, src, dst *simHost, duration float64) (*Flow, error) {
	route, links, err := sn.pathLinks(src.dev.node.ID, dst.dev.node.ID)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, errors.Errorf("iperf: %s cannot connect to itself", src.Name())
	}

	flw := &Flow{ctx: ctx, sn: sn, execID: sn.traceMgr.NextExecID(),
		Src: src, Dst: dst, Duration: duration, Rate: math.Inf(1), links: links}

	rtt := SimHostDelay
	for idx, sl := range links {
		flw.Rate = math.Min(flw.Rate, sl.bps)
		flw.senders = append(flw.senders, sn.devs[route[idx]])
		rtt += 2 * sl.crossTime(SimSegmentBytes)
	}
	flw.Rate = math.Min(flw.Rate, 8*SimWindowBytes/rtt)
	return flw, nil
}

// run drives the flow through an event manager of its own
func (flw *Flow) run() {
	simMu.Lock()
	defer simMu.Unlock()
	evtMgr := evtm.New()
	evtMgr.Schedule(flw, nil, flowTick, vrtime.SecondsToTime(SimFlowTick))
	evtMgr.Run(flw.Duration + SimFlowTick)
}

// flowTick pushes one tick worth of segments across the path, and schedules the next tick
func flowTick(evtMgr *evtm.EventManager, context any, data any) any {
	flw := context.(*Flow)
	if flw.ctx.Err() != nil {
		return nil
	}

	pushed := int(math.Max(1, math.Round(flw.Rate*SimFlowTick/(8*SimSegmentBytes))))
	survive := pushed
	for idx, sl := range flw.links {
		if survive == 0 {
			break
		}
		switch {
		case sl.loss >= 1:
			survive = 0
		case sl.loss > 0:
			lost := distuv.Binomial{N: float64(survive), P: sl.loss, Src: flw.senders[idx].rng}.Rand()
			survive -= int(lost)
		}
	}
	flw.Sent += pushed
	flw.Delivered += survive

	AddFlowTrace(flw.sn.traceMgr, evtMgr.CurrentTime(), flw.execID,
		FlowTrace{Src: flw.Src.Name(), Dst: flw.Dst.Name(), Sent: pushed, Delivered: survive,
			Rate: float64(8*SimSegmentBytes*survive) / SimFlowTick})

	if evtMgr.CurrentSeconds()+SimFlowTick <= flw.Duration+1e-9 {
		evtMgr.Schedule(flw, nil, flowTick, vrtime.SecondsToTime(SimFlowTick))
	}
	return nil
}

// SentRate is the rate the client pushed, in bits per second
func (flw *Flow) SentRate() float64 {
	return float64(8*SimSegmentBytes*flw.Sent) / flw.Duration
}

// DeliveredRate is the rate the server received, in bits per second
func (flw *Flow) DeliveredRate() float64 {
	return float64(8*SimSegmentBytes*flw.Delivered) / flw.Duration
}

// iperf parses the arguments of an iperf client command line and simulates the transfer
func (sh *simHost) iperf(ctx context.Context, args []string) (string, error) {
	fs := pflag.NewFlagSet("iperf", pflag.ContinueOnError)
	server := fs.StringP("client", "c", "", "run as a client connecting to the server at this address")
	duration := fs.Float64P("time", "t", iperfDuration, "seconds to transmit for")
	if err := fs.Parse(args); err != nil {
		return "", errors.Wrap(err, "iperf")
	}
	if len(*server) == 0 {
		return "", errors.New("iperf: only client mode (-c host) is simulated")
	}
	if !(*duration > 0) {
		return "", errors.Errorf("iperf: bad transmit time %g", *duration)
	}
	if *duration+SimFlowTick > SimHorizon {
		return "", errors.Errorf("iperf: transmit time %g is past the %gs simulation horizon", *duration, SimHorizon)
	}

	dst, present := sh.sn.lookup(*server)
	if !present {
		return "", errors.Errorf("iperf: connect failed: unknown host %s", *server)
	}

	flw, err := createFlow(ctx, sh.sn, sh, dst, *duration)
	if err != nil {
		return "", err
	}
	flw.run()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return flw.report(), nil
}

// report formats the outcome of a flow as an iperf client does, server report included
func (flw *Flow) report() string {
	var sb strings.Builder
	bar := strings.Repeat("-", 60)
	interval := fmt.Sprintf("0.0-%4.1f sec", flw.Duration)

	fmt.Fprintln(&sb, bar)
	fmt.Fprintf(&sb, "Client connecting to %s, TCP port %d\n", flw.Dst.ip, iperfPort)
	fmt.Fprintf(&sb, "TCP window size: %s (default)\n", fmtBytes(SimWindowBytes))
	fmt.Fprintln(&sb, bar)
	fmt.Fprintf(&sb, "[  3] local %s port %d connected with %s port %d\n",
		flw.Src.ip, 40000+flw.execID%20000, flw.Dst.ip, iperfPort)
	fmt.Fprintln(&sb, "[ ID] Interval       Transfer     Bandwidth")
	fmt.Fprintf(&sb, "[  3] %s  %s  %s\n", interval,
		fmtBytes(float64(SimSegmentBytes*flw.Sent)), fmtRate(flw.SentRate()))
	fmt.Fprintln(&sb, "[  3] Server Report:")
	fmt.Fprintf(&sb, "[  3] %s  %s  %s\n", interval,
		fmtBytes(float64(SimSegmentBytes*flw.Delivered)), fmtRate(flw.DeliveredRate()))
	return sb.String()
}

// fmtBytes renders a byte count with a binary unit, as iperf does
func fmtBytes(n float64) string {
	units := []string{"Bytes", "KByte", "MBytes", "GBytes"}
	idx := 0
	for n >= 1024 && idx < len(units)-1 {
		n /= 1024
		idx++
	}
	return fmtSig3(n) + " " + units[idx]
}

// fmtRate renders a rate in bits per second with a decimal unit, as iperf does
func fmtRate(bps float64) string {
	units := []string{"bits/sec", "Kbits/sec", "Mbits/sec", "Gbits/sec"}
	idx := 0
	for bps >= 1000 && idx < len(units)-1 {
		bps /= 1000
		idx++
	}
	return fmtSig3(bps) + " " + units[idx]
}

// fmtSig3 keeps three significant digits without ever switching to exponent form
func fmtSig3(v float64) string {
	switch {
	case v >= 99.95:
		return fmt.Sprintf("%.0f", v)
	case v >= 9.995:
		return fmt.Sprintf("%.1f", v)
	}
	return fmt.Sprintf("%.2f", v)
}
