package fpgatopo

// param.go resolves the raw tree parameters into the concrete link specs
// the builder attaches: standard, FPGA and cloud

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// attributes of the link joining the cloud host to the root switch.
// They do not depend on any parameter.
const (
	CloudBandwidth = 1000.0
	CloudDelay     = "0ms"
	CloudLoss      = 0
)

// MaxLoss is the largest loss percentage a link can carry
const MaxLoss = 100

// LinkSpec holds the traffic shaping attributes of one link
type LinkSpec struct {
	// Bandwidth in Mbps
	Bandwidth float64 `json:"bw" yaml:"bw"`

	// Delay is a duration string, e.g. "10ms"
	Delay string `json:"delay" yaml:"delay"`

	// Loss is the percent chance a packet is dropped crossing the link
	Loss int `json:"loss" yaml:"loss"`
}

// Validate checks the bandwidth, delay grammar and loss range of the link spec
func (ls LinkSpec) Validate() error {
	errs := []error{checkBandwidth(ls.Bandwidth), checkLoss(ls.Loss)}
	if _, err := ParseDuration(ls.Delay); err != nil {
		errs = append(errs, err)
	}
	return ReportErrs(errs)
}

// String gives the spec in the order tc would be configured with
func (ls LinkSpec) String() string {
	return fmt.Sprintf("bw=%g delay=%s loss=%d", ls.Bandwidth, ls.Delay, ls.Loss)
}

func checkBandwidth(bandwidth float64) error {
	if !(bandwidth >= 0) {
		return errors.Wrapf(ErrInvalidLinkSpec, "bandwidth %g must be non-negative", bandwidth)
	}
	return nil
}

func checkLoss(loss int) error {
	if loss < 0 || loss > MaxLoss {
		return errors.Wrapf(ErrInvalidLinkSpec, "loss %d must be in [0,%d]", loss, MaxLoss)
	}
	return nil
}

// CloudLink returns the fixed spec of the link between the cloud host and the root switch
func CloudLink() LinkSpec {
	return LinkSpec{Bandwidth: CloudBandwidth, Delay: CloudDelay, Loss: CloudLoss}
}

// ResolveStandardLink builds the spec shared by the switch-to-switch and switch-to-leaf links.
// With poisson set the delay is replaced by a Poisson draw whose rate is its magnitude.
func ResolveStandardLink(bandwidth float64, delay string, loss int, poisson bool,
	src rand.Source) (LinkSpec, error) {
	ls := LinkSpec{Bandwidth: bandwidth, Delay: delay, Loss: loss}
	if err := ls.Validate(); err != nil {
		return LinkSpec{}, errors.WithMessage(err, "standard link")
	}

	if poisson {
		pd, err := PoissonDuration(delay, src)
		if err != nil {
			return LinkSpec{}, errors.WithMessage(err, "standard link")
		}
		ls.Delay = pd
	}
	return ls, nil
}

// ResolveFpgaLink builds the spec of the links between a switch and its co-located FPGA host.
// Absent overrides default from the base link: the same bandwidth, half the delay (a packet
// crosses the link twice going in and out of the FPGA), and twice the loss, clamped to MaxLoss.
// An explicit FPGA delay is used as given. With poisson set the resolved delay,
// default or explicit, is replaced by a Poisson draw.
func ResolveFpgaLink(bandwidth float64, delay string, loss int,
	fpgaBandwidth *float64, fpgaDelay *string, fpgaLoss *int,
	poisson bool, src rand.Source) (LinkSpec, error) {

	base := LinkSpec{Bandwidth: bandwidth, Delay: delay, Loss: loss}
	if err := base.Validate(); err != nil {
		return LinkSpec{}, errors.WithMessage(err, "fpga link base")
	}

	ls := LinkSpec{Bandwidth: bandwidth, Loss: min(2*loss, MaxLoss)}

	if fpgaBandwidth != nil {
		ls.Bandwidth = *fpgaBandwidth
	}

	if fpgaDelay != nil {
		ls.Delay = *fpgaDelay
	} else {
		half, err := HalveDuration(delay)
		if err != nil {
			return LinkSpec{}, errors.WithMessage(err, "fpga link")
		}
		ls.Delay = half
	}

	if fpgaLoss != nil {
		ls.Loss = *fpgaLoss
	}

	if err := ls.Validate(); err != nil {
		return LinkSpec{}, errors.WithMessage(err, "fpga link")
	}

	if poisson {
		pd, err := PoissonDuration(ls.Delay, src)
		if err != nil {
			return LinkSpec{}, errors.WithMessage(err, "fpga link")
		}
		ls.Delay = pd
	}
	return ls, nil
}

// TreeParams gathers everything the tree builder is parameterized by
type TreeParams struct {
	// Spread is the number of children of every internal node
	Spread int `json:"spread" yaml:"spread"`

	// Depth is the number of tree levels, root and leaves included
	Depth int `json:"depth" yaml:"depth"`

	// base link attributes
	Bandwidth float64 `json:"bandwidth" yaml:"bandwidth"`
	Delay     string  `json:"delay" yaml:"delay"`
	Loss      int     `json:"loss" yaml:"loss"`

	// Fpga is the tree level (root is 0) whose switches get a co-located FPGA host.
	// nil, or a level outside [0, Depth-2], means no FPGA emulation
	Fpga *int `json:"fpga,omitempty" yaml:"fpga,omitempty"`

	// optional overrides of the FPGA link attributes
	FpgaBandwidth *float64 `json:"fpgabandwidth,omitempty" yaml:"fpgabandwidth,omitempty"`
	FpgaDelay     *string  `json:"fpgadelay,omitempty" yaml:"fpgadelay,omitempty"`
	FpgaLoss      *int     `json:"fpgaloss,omitempty" yaml:"fpgaloss,omitempty"`

	// Poisson replaces link delays with Poisson draws
	Poisson bool `json:"poisson" yaml:"poisson"`
}

// FpgaLevel reports the level holding FPGA hosts, and whether the
// parameters put one inside the switch levels of the tree
func (tp *TreeParams) FpgaLevel() (int, bool) {
	if tp.Fpga == nil {
		return 0, false
	}
	level := *tp.Fpga
	return level, level >= 0 && level <= tp.Depth-2
}

// ResolvedLinks holds the three link specs a tree is built from
type ResolvedLinks struct {
	Standard LinkSpec `json:"standard" yaml:"standard"`
	Fpga     LinkSpec `json:"fpga" yaml:"fpga"`
	Cloud    LinkSpec `json:"cloud" yaml:"cloud"`
}

// Resolve produces the standard, FPGA and cloud link specs. In Poisson mode the
// standard delay is drawn before the FPGA delay.
func (tp *TreeParams) Resolve(src rand.Source) (ResolvedLinks, error) {
	std, err := ResolveStandardLink(tp.Bandwidth, tp.Delay, tp.Loss, tp.Poisson, src)
	if err != nil {
		return ResolvedLinks{}, err
	}

	fpga, err := ResolveFpgaLink(tp.Bandwidth, tp.Delay, tp.Loss,
		tp.FpgaBandwidth, tp.FpgaDelay, tp.FpgaLoss, tp.Poisson, src)
	if err != nil {
		return ResolvedLinks{}, err
	}

	return ResolvedLinks{Standard: std, Fpga: fpga, Cloud: CloudLink()}, nil
}
