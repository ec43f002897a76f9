package fpgatopo

import (
	"context"
	"net/netip"
)

// An Emulator materializes a topology description into a running network.
// Start is the single entry point a description is handed to; it never modifies it.
type Emulator interface {
	Start(ctx context.Context, td *TopoDesc) (Network, error)
}

// A Network is a materialized topology. Stop releases whatever Start acquired, and
// may be called more than once.
type Network interface {
	// Topology returns the description the network was started from
	Topology() *TopoDesc

	// Hosts lists every host, FPGA and cloud hosts included, in creation order
	Hosts() []Host

	// Host looks a host up by name
	Host(name string) (Host, bool)

	Stop() error
}

// A Host runs measurement commands and returns their textual output
type Host interface {
	Name() string
	IP() netip.Addr

	// Cmd runs a command line on the host, e.g. "ping -c 10 10.0.0.5"
	Cmd(ctx context.Context, command string) (string, error)
}
