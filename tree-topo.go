package fpgatopo

// tree-topo.go builds the spread-ary tree: switches level by level, FPGA hosts beside
// the switches of one level, leaf hosts, the cloud host on the root, and the tree links

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CloudName is the name of the single cloud host
const CloudName = "cloud"

// MaxTreeNodes bounds the size of a tree the builder agrees to allocate
const MaxTreeNodes = 1 << 20

// SwitchName returns the name of the switch at a tree level and index, e.g. s12
func SwitchName(level, index int) string {
	return fmt.Sprintf("s%d%d", level, index)
}

// HostName returns the name of the leaf host with the given index
func HostName(index int) string {
	return fmt.Sprintf("h%d", index)
}

// FpgaName returns the name of the FPGA host beside the switch with the given index
func FpgaName(index int) string {
	return fmt.Sprintf("f%d", index)
}

type buildCfg struct {
	name    string
	logger  *zap.Logger
	perLink bool
}

// BuildOption adjusts how BuildTreeTopo runs
type BuildOption func(*buildCfg)

// WithName names the topology. The default is tree-{spread}x{depth}
func WithName(name string) BuildOption {
	return func(bc *buildCfg) {
		bc.name = name
	}
}

// WithLogger has the builder report each node and link it adds at debug level
func WithLogger(logger *zap.Logger) BuildOption {
	return func(bc *buildCfg) {
		if logger != nil {
			bc.logger = logger
		}
	}
}

// WithPoissonPerLink draws a fresh Poisson delay for every link rather than once for each
// link class. It has no effect unless the parameters select Poisson delays.
func WithPoissonPerLink() BuildOption {
	return func(bc *buildCfg) {
		bc.perLink = true
	}
}

// BuildTreeTopo builds the tree topology the parameters describe. src supplies the Poisson
// draws and is only consulted in Poisson mode; when it is nil there a named rngstream
// stream is created for the build. The result is complete and immutable, or an error is
// returned and nothing is built.
func BuildTreeTopo(params TreeParams, src rand.Source, opts ...BuildOption) (*TopoDesc, error) {
	bc := buildCfg{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&bc)
	}

	spread, depth := params.Spread, params.Depth
	if err := checkShape(params); err != nil {
		return nil, err
	}

	if len(bc.name) == 0 {
		bc.name = fmt.Sprintf("tree-%dx%d", spread, depth)
	}
	if params.Poisson && src == nil {
		src = CreateStreamSource(bc.name)
	}

	specs, err := params.Resolve(src)
	if err != nil {
		return nil, err
	}

	// per-link draws start from the unperturbed delays
	stdDelay := params.Delay
	fpgaDelay := specs.Fpga.Delay
	perLink := bc.perLink && params.Poisson
	if perLink {
		base, err := ResolveFpgaLink(params.Bandwidth, params.Delay, params.Loss,
			params.FpgaBandwidth, params.FpgaDelay, params.FpgaLoss, false, nil)
		if err != nil {
			return nil, err
		}
		fpgaDelay = base.Delay
	}

	// linkSpec returns the spec for the next link of a class
	linkSpec := func(spec LinkSpec, delay string) (LinkSpec, error) {
		if !perLink {
			return spec, nil
		}
		pd, err := PoissonDuration(delay, src)
		if err != nil {
			return LinkSpec{}, err
		}
		spec.Delay = pd
		return spec, nil
	}

	tf := createTopoFrame(bc.name, params, specs)
	logger := bc.logger.With(zap.String("topology", bc.name))
	fpgaLevel, fpgaOn := params.FpgaLevel()

	// switches, and the FPGA hosts beside the switches of the FPGA level
	width := 1
	for level := 0; level < depth-1; level++ {
		for idx := 0; idx < width; idx++ {
			swID, err := tf.addNode(SwitchName(level, idx), SwitchCode, level, idx)
			if err != nil {
				return nil, err
			}
			if !fpgaOn || level != fpgaLevel {
				continue
			}

			fpgaID, err := tf.addNode(FpgaName(idx), FpgaCode, level, idx)
			if err != nil {
				return nil, err
			}
			spec, err := linkSpec(specs.Fpga, fpgaDelay)
			if err != nil {
				return nil, err
			}
			logger.Debug("adding fpga link",
				zap.String("switch", SwitchName(level, idx)), zap.String("fpga", FpgaName(idx)),
				zap.Stringer("spec", spec))
			if err := tf.addLink(swID, fpgaID, FpgaLinkCode, spec); err != nil {
				return nil, err
			}
		}
		width *= spread
	}

	// leaves
	for idx := 0; idx < width; idx++ {
		if _, err := tf.addNode(HostName(idx), HostCode, depth-1, idx); err != nil {
			return nil, err
		}
	}

	// the cloud hangs off the root switch
	cloudID, err := tf.addNode(CloudName, CloudCode, CloudLevel, 0)
	if err != nil {
		return nil, err
	}
	rootID, present := tf.byPos[treePos{level: 0, index: 0}]
	if !present {
		return nil, errors.Wrap(ErrInternal, "root switch missing after allocation")
	}
	if err := tf.addLink(rootID, cloudID, CloudLinkCode, specs.Cloud); err != nil {
		return nil, err
	}

	// tree links, each switch to its spread children one level down
	width = 1
	for level := 0; level < depth-1; level++ {
		childKind := "switch"
		if level == depth-2 {
			childKind = "host"
		}
		for idx := 0; idx < width; idx++ {
			parentID := tf.byPos[treePos{level: level, index: idx}]
			for k := 0; k < spread; k++ {
				child := spread*idx + k
				childID, present := tf.byPos[treePos{level: level + 1, index: child}]
				if !present {
					return nil, errors.Wrapf(ErrInternal, "no node at level %d index %d", level+1, child)
				}

				spec, err := linkSpec(specs.Standard, stdDelay)
				if err != nil {
					return nil, err
				}
				logger.Debug("adding standard link",
					zap.String("from", fmt.Sprintf("switch[%d][%d]", level, idx)),
					zap.String("to", fmt.Sprintf("%s[%d]", childKind, child)),
					zap.Stringer("spec", spec))
				if err := tf.addLink(parentID, childID, StdLinkCode, spec); err != nil {
					return nil, err
				}
			}
		}
		width *= spread
	}

	td := tf.Transform()
	logger.Debug("topology built",
		zap.Int("switches", len(td.Switches())), zap.Int("hosts", len(td.Hosts())),
		zap.Int("fpgas", len(td.FpgaHosts())), zap.Int("links", len(td.links)))
	return td, nil
}

// checkShape rejects dimensions that cannot give a rooted tree, and trees larger than MaxTreeNodes
func checkShape(params TreeParams) error {
	spread, depth := params.Spread, params.Depth
	if spread < 1 || depth < 1 {
		return errors.Wrapf(ErrInvalidTopologyShape,
			"spread %d and depth %d must both be at least 1", spread, depth)
	}
	if depth == 1 {
		return errors.Wrap(ErrInvalidTopologyShape,
			"depth 1 leaves a single host and no root switch to attach the cloud host to")
	}

	tooBig := errors.Wrapf(ErrInvalidTopologyShape,
		"spread %d and depth %d give more than %d nodes", spread, depth, MaxTreeNodes)

	// switches and leaves, level by level, without overflowing
	total, width := 0, 1
	for level := 0; level < depth; level++ {
		total += width
		if total > MaxTreeNodes {
			return tooBig
		}
		if level < depth-1 {
			if width > MaxTreeNodes/spread {
				return tooBig
			}
			width *= spread
		}
	}

	// FPGA hosts double one switch level; then the cloud host
	fpgas := 0
	if fpgaLevel, on := params.FpgaLevel(); on {
		fpgas = 1
		for level := 0; level < fpgaLevel; level++ {
			fpgas *= spread
		}
	}
	if total+fpgas+1 > MaxTreeNodes {
		return tooBig
	}
	return nil
}
