package fpgatopo

// net.go holds the simulated emulator. Every node of a topology becomes a device with its
// own random number stream, every host gets an address, and the ping and iperf command lines
// a host is given are answered by discrete-event simulations of traffic crossing the shaped links

import (
	"context"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// parameters of the simulated traffic
const (
	// SimUnlimitedBandwidth (Mbps) stands in for a link shaped with bandwidth 0
	SimUnlimitedBandwidth = 10000.0

	// SimHostDelay is the time (seconds) a host stack adds to every round trip
	SimHostDelay = 20e-6

	// ICMP echo defaults
	SimPingBytes = 56
	SimPingTTL   = 64

	// bytes of IP and ICMP header carried by an echo
	icmpOverhead = 28

	// seconds of virtual time a ping waits for replies after its last request
	pingDeadline = 10.0

	// SimHorizon bounds, in seconds, the virtual time one simulated command may span.
	// Event times are int64 ticks and wrap around well past it
	SimHorizon = 1e8
)

// simMu serializes simulations; evtm numbers scheduled events from package state
var simMu sync.Mutex

var (
	// ErrNetworkStopped is returned by commands run on a network after Stop
	ErrNetworkStopped = errors.New("network stopped")

	// ErrUnknownCommand is returned for a command line the simulated hosts do not implement
	ErrUnknownCommand = errors.New("command not found")
)

// SimOption adjusts a SimEmulator
type SimOption func(*SimEmulator)

// WithSimLogger has the emulator log network start, stop and each command
func WithSimLogger(logger *zap.Logger) SimOption {
	return func(se *SimEmulator) {
		if logger != nil {
			se.logger = logger
		}
	}
}

// WithTraceManager has the emulator record packet and flow events into tm
func WithTraceManager(tm *TraceManager) SimOption {
	return func(se *SimEmulator) {
		se.traceMgr = tm
	}
}

// WithFirstAddr sets the address of the first host; the rest follow consecutively
func WithFirstAddr(addr netip.Addr) SimOption {
	return func(se *SimEmulator) {
		se.firstAddr = addr
	}
}

// SimEmulator is an in-process Emulator that simulates the traffic of measurement
// commands in virtual time rather than running them
type SimEmulator struct {
	logger    *zap.Logger
	traceMgr  *TraceManager
	firstAddr netip.Addr
}

// CreateSimEmulator is a constructor
func CreateSimEmulator(opts ...SimOption) *SimEmulator {
	se := &SimEmulator{logger: zap.NewNop(), firstAddr: netip.AddrFrom4([4]byte{10, 0, 0, 1})}
	for _, opt := range opts {
		opt(se)
	}
	return se
}

// simDev is the simulation state of one node
type simDev struct {
	node Node
	rng  *StreamSource
}

// simLink is a link with its spec converted to simulation units
type simLink struct {
	link  Link
	delay float64 // seconds
	bps   float64 // bits per second
	loss  float64 // probability
}

// crossTime is the time a frame of the given size takes to cross the link
func (sl *simLink) crossTime(frameBytes int) float64 {
	return sl.delay + float64(8*frameBytes)/sl.bps
}

// simNetwork is the Network a SimEmulator starts
type simNetwork struct {
	td       *TopoDesc
	rf       *RouteFinder
	logger   *zap.Logger
	traceMgr *TraceManager

	devs   []*simDev
	links  map[nodePair]*simLink
	hosts  []*simHost
	byName map[string]*simHost
	byIP   map[netip.Addr]*simHost

	// mu serializes simulations, which draw from the device streams
	mu      sync.Mutex
	stopped bool
}

// Start materializes the topology. The description is validated first, and is not modified
func (se *SimEmulator) Start(ctx context.Context, td *TopoDesc) (Network, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if td == nil {
		return nil, errors.New("no topology to start")
	}
	if err := td.Validate(); err != nil {
		return nil, errors.WithMessage(err, "starting simulated network")
	}
	if !se.firstAddr.Is4() {
		return nil, errors.Errorf("first host address %s is not IPv4", se.firstAddr)
	}

	sn := &simNetwork{td: td, rf: CreateRouteFinder(td),
		logger:   se.logger.With(zap.String("topology", td.Name())),
		traceMgr: se.traceMgr,
		links:    make(map[nodePair]*simLink),
		byName:   make(map[string]*simHost),
		byIP:     make(map[netip.Addr]*simHost),
	}

	for _, node := range td.Nodes() {
		sn.devs = append(sn.devs, &simDev{node: node, rng: CreateStreamSource(td.Name() + "/" + node.Name)})
	}

	for _, lnk := range td.Links() {
		sl, err := createSimLink(lnk)
		if err != nil {
			return nil, errors.WithMessagef(err, "link %s-%s", sn.devs[lnk.A].node.Name, sn.devs[lnk.B].node.Name)
		}
		sn.links[pairOf(lnk.A, lnk.B)] = sl
	}

	addr := se.firstAddr
	for _, node := range td.AllHosts() {
		if !addr.IsValid() || !addr.Is4() {
			return nil, errors.Errorf("host addresses exhausted at %s", node.Name)
		}
		sh := &simHost{sn: sn, dev: sn.devs[node.ID], ip: addr}
		sn.hosts = append(sn.hosts, sh)
		sn.byName[node.Name] = sh
		sn.byIP[addr] = sh
		addr = addr.Next()
	}

	if err := sn.traceMgr.AddTopology(td); err != nil {
		return nil, err
	}

	sn.logger.Info("simulated network started",
		zap.Int("nodes", td.NumNodes()), zap.Int("hosts", len(sn.hosts)))
	return sn, nil
}

// createSimLink converts the spec of a link into simulation units
func createSimLink(lnk Link) (*simLink, error) {
	dur, err := ParseDuration(lnk.Spec.Delay)
	if err != nil {
		return nil, err
	}
	bw := lnk.Spec.Bandwidth
	if bw == 0 {
		bw = SimUnlimitedBandwidth
	}
	sl := &simLink{link: lnk, delay: math.Max(dur.Seconds(), 0),
		bps: bw * 1e6, loss: float64(lnk.Spec.Loss) / 100.0}
	if sl.crossTime(SimSegmentBytes) > SimHorizon {
		return nil, errors.Wrapf(ErrInvalidLinkSpec, "delay %s is beyond the %gs simulation horizon",
			lnk.Spec.Delay, SimHorizon)
	}
	return sl, nil
}

func (sn *simNetwork) Topology() *TopoDesc {
	return sn.td
}

func (sn *simNetwork) Hosts() []Host {
	rtn := make([]Host, len(sn.hosts))
	for idx, sh := range sn.hosts {
		rtn[idx] = sh
	}
	return rtn
}

func (sn *simNetwork) Host(name string) (Host, bool) {
	sh, present := sn.byName[name]
	return sh, present
}

func (sn *simNetwork) Stop() error {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if !sn.stopped {
		sn.stopped = true
		sn.logger.Info("simulated network stopped")
	}
	return nil
}

// lookup finds a host by address or by name
func (sn *simNetwork) lookup(target string) (*simHost, bool) {
	if addr, err := netip.ParseAddr(target); err == nil {
		sh, present := sn.byIP[addr]
		return sh, present
	}
	sh, present := sn.byName[target]
	return sh, present
}

// pathLinks returns the links from one node to another, in the order they are crossed
func (sn *simNetwork) pathLinks(from, to NodeID) ([]NodeID, []*simLink, error) {
	route, err := sn.rf.Route(from, to)
	if err != nil {
		return nil, nil, err
	}
	links := make([]*simLink, 0, len(route))
	for idx := 1; idx < len(route); idx++ {
		sl, present := sn.links[pairOf(route[idx-1], route[idx])]
		if !present {
			return nil, nil, errors.Wrapf(ErrInternal, "route step %d of %s is not a link",
				idx, sn.rf.ShowPath(route))
		}
		links = append(links, sl)
	}
	return route, links, nil
}

// simHost is a Host of a simNetwork
type simHost struct {
	sn  *simNetwork
	dev *simDev
	ip  netip.Addr
}

func (sh *simHost) Name() string {
	return sh.dev.node.Name
}

func (sh *simHost) IP() netip.Addr {
	return sh.ip
}

// Cmd runs ping or iperf in simulation and returns output formatted as the Linux tools do
func (sh *simHost) Cmd(ctx context.Context, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	args := strings.Fields(command)
	if len(args) == 0 {
		return "", errors.Wrap(ErrUnknownCommand, "empty command line")
	}

	sh.sn.mu.Lock()
	defer sh.sn.mu.Unlock()
	if sh.sn.stopped {
		return "", errors.Wrapf(ErrNetworkStopped, "%s: %s", sh.Name(), command)
	}

	sh.sn.logger.Debug("running command", zap.String("host", sh.Name()), zap.String("cmd", command))
	switch args[0] {
	case "ping":
		return sh.ping(ctx, args[1:])
	case "iperf":
		return sh.iperf(ctx, args[1:])
	}
	return "", errors.Wrapf(ErrUnknownCommand, "%s: %s", sh.Name(), args[0])
}

// pingRun is the state of one simulated ping command
type pingRun struct {
	ctx      context.Context
	sn       *simNetwork
	execID   int
	frame    int
	hops     []NodeID   // the round trip, source to target and back
	links    []*simLink // the links crossed between successive hops
	sendTime map[int]float64
	rtts     map[int]float64
	lastTime float64
}

// echo is one ICMP echo in flight
type echo struct {
	seq int
	hop int
}

// ping parses the arguments of a ping command line and simulates it
func (sh *simHost) ping(ctx context.Context, args []string) (string, error) {
	fs := pflag.NewFlagSet("ping", pflag.ContinueOnError)
	count := fs.IntP("count", "c", 4, "stop after sending count echo requests")
	interval := fs.Float64P("interval", "i", 1.0, "seconds between echo requests")
	size := fs.IntP("size", "s", SimPingBytes, "bytes of data in each echo")
	if err := fs.Parse(args); err != nil {
		return "", errors.Wrap(err, "ping")
	}
	if fs.NArg() != 1 {
		return "", errors.Errorf("ping: expected one destination, got %d", fs.NArg())
	}
	if *count < 1 || *interval < 0 || *size < 0 {
		return "", errors.Errorf("ping: bad count %d, interval %g or size %d", *count, *interval, *size)
	}
	limit := float64(*count)*(*interval) + pingDeadline
	if limit > SimHorizon {
		return "", errors.Errorf("ping: %d requests %gs apart run past the %gs simulation horizon",
			*count, *interval, SimHorizon)
	}

	dst, present := sh.sn.lookup(fs.Arg(0))
	if !present {
		return "", errors.Errorf("ping: %s: Name or service not known", fs.Arg(0))
	}

	fwd, fwdLinks, err := sh.sn.pathLinks(sh.dev.node.ID, dst.dev.node.ID)
	if err != nil {
		return "", err
	}
	hops := append([]NodeID{}, fwd...)
	links := append([]*simLink{}, fwdLinks...)
	for idx := len(fwd) - 2; idx >= 0; idx-- {
		hops = append(hops, fwd[idx])
		links = append(links, fwdLinks[idx])
	}

	frame := *size + icmpOverhead
	for _, sl := range fwdLinks {
		if sl.crossTime(frame) > SimHorizon {
			return "", errors.Errorf("ping: %d byte echoes take past the %gs simulation horizon to cross a link",
				*size, SimHorizon)
		}
	}

	run := &pingRun{ctx: ctx, sn: sh.sn, execID: sh.sn.traceMgr.NextExecID(),
		frame: frame, hops: hops, links: links,
		sendTime: make(map[int]float64), rtts: make(map[int]float64)}

	simMu.Lock()
	evtMgr := evtm.New()
	for seq := 1; seq <= *count; seq++ {
		evtMgr.Schedule(run, &echo{seq: seq}, sendEcho, vrtime.SecondsToTime(float64(seq-1)*(*interval)))
	}
	evtMgr.Run(limit)
	simMu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	return run.report(dst, *count, *size), nil
}

// sendEcho starts an echo request on its way
func sendEcho(evtMgr *evtm.EventManager, context any, data any) any {
	run := context.(*pingRun)
	ech := data.(*echo)
	if run.ctx.Err() != nil {
		return nil
	}
	run.sendTime[ech.seq] = evtMgr.CurrentSeconds()
	run.lastTime = evtMgr.CurrentSeconds()
	AddPacketTrace(run.sn.traceMgr, evtMgr.CurrentTime(), run.execID, ech.seq, run.hops[0], "send", "echo")
	crossHop(evtMgr, run, ech)
	return nil
}

// crossHop moves an echo across the link leaving its current hop, unless the sending
// device's stream says it is lost there
func crossHop(evtMgr *evtm.EventManager, run *pingRun, ech *echo) {
	if ech.hop == len(run.links) {
		rtt := evtMgr.CurrentSeconds() - run.sendTime[ech.seq] + SimHostDelay
		run.rtts[ech.seq] = rtt
		AddPacketTrace(run.sn.traceMgr, evtMgr.CurrentTime(), run.execID, ech.seq, run.hops[ech.hop], "return", "reply")
		return
	}

	sender := run.sn.devs[run.hops[ech.hop]]
	sl := run.links[ech.hop]
	if sl.loss > 0 && sender.rng.Rngstrm.RandU01() < sl.loss {
		AddPacketTrace(run.sn.traceMgr, evtMgr.CurrentTime(), run.execID, ech.seq, sender.node.ID, "drop", "echo")
		return
	}
	evtMgr.Schedule(run, ech, arriveHop, vrtime.SecondsToTime(sl.crossTime(run.frame)))
}

// arriveHop lands an echo on the next node of its round trip
func arriveHop(evtMgr *evtm.EventManager, context any, data any) any {
	run := context.(*pingRun)
	ech := data.(*echo)
	if run.ctx.Err() != nil {
		return nil
	}
	ech.hop++
	run.lastTime = evtMgr.CurrentSeconds()
	AddPacketTrace(run.sn.traceMgr, evtMgr.CurrentTime(), run.execID, ech.seq, run.hops[ech.hop], "arrive", "echo")
	crossHop(evtMgr, run, ech)
	return nil
}

// report formats the outcome of a ping run as iputils ping does
func (run *pingRun) report(dst *simHost, count, size int) string {
	var sb strings.Builder
	dstIP := dst.ip.String()
	fmt.Fprintf(&sb, "PING %s (%s) %d(%d) bytes of data.\n", dstIP, dstIP, size, size+icmpOverhead)

	rtts := make([]float64, 0, len(run.rtts))
	for seq := 1; seq <= count; seq++ {
		rtt, present := run.rtts[seq]
		if !present {
			continue
		}
		ms := rtt * 1e3
		rtts = append(rtts, ms)
		fmt.Fprintf(&sb, "%d bytes from %s: icmp_seq=%d ttl=%d time=%s ms\n",
			size+8, dstIP, seq, SimPingTTL, fmtPingTime(ms))
	}

	received := len(rtts)
	lossPct := 100.0 * float64(count-received) / float64(count)
	fmt.Fprintf(&sb, "\n--- %s ping statistics ---\n", dstIP)
	fmt.Fprintf(&sb, "%d packets transmitted, %d received, %s%% packet loss, time %dms\n",
		count, received, strconv.FormatFloat(lossPct, 'g', 6, 64), int(math.Round(run.lastTime*1e3)))
	if received > 0 {
		mean, std := stat.PopMeanStdDev(rtts, nil)
		fmt.Fprintf(&sb, "rtt min/avg/max/mdev = %.3f/%.3f/%.3f/%.3f ms\n",
			floats.Min(rtts), mean, floats.Max(rtts), std)
	}
	return sb.String()
}

// fmtPingTime renders a round trip time with the precision iputils ping uses
func fmtPingTime(ms float64) string {
	switch {
	case ms >= 100:
		return strconv.FormatFloat(ms, 'f', 0, 64)
	case ms >= 10:
		return strconv.FormatFloat(ms, 'f', 1, 64)
	case ms >= 1:
		return strconv.FormatFloat(ms, 'f', 2, 64)
	}
	return strconv.FormatFloat(ms, 'f', 3, 64)
}
