package fpgatopo

// setup.go has the code that turns parameters, or a saved topology file, into a running
// network, and runs the selected measurements against it

import (
	"context"
	"math/rand/v2"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SetupNetwork bundles the build of the tree topology with its start on the emulator.
// Nothing is started when the build fails.
func SetupNetwork(ctx context.Context, emu Emulator, params TreeParams, src rand.Source,
	opts ...BuildOption) (Network, error) {
	td, err := BuildTreeTopo(params, src, opts...)
	if err != nil {
		return nil, err
	}
	nw, err := emu.Start(ctx, td)
	if err != nil {
		return nil, errors.WithMessagef(err, "starting topology %s", td.Name())
	}
	return nw, nil
}

// LoadTopo reads a topology written by TopoCfg.WriteToFile and rebuilds its description.
// Serialization format is selected by the file extension.
func LoadTopo(topoFile string) (*TopoDesc, error) {
	useYAML, err := yamlByExt(topoFile)
	if err != nil {
		return nil, err
	}
	tc, err := ReadTopoCfg(topoFile, useYAML, nil)
	if err != nil {
		return nil, err
	}
	return tc.Build()
}

// Build rebuilds a topology description from its serialized form. The nodes and links are
// entered in the order they are listed, and the result must pass TopoDesc.Validate.
// Every failure is reported as ErrInvalidTopologyShape, the description being user input.
func (tc *TopoCfg) Build() (*TopoDesc, error) {
	if err := checkShape(tc.Params); err != nil {
		return nil, errors.WithMessagef(err, "topology %s", tc.Name)
	}
	tf := createTopoFrame(tc.Name, tc.Params, tc.Specs)

	errs := []error{}
	for _, nd := range tc.Nodes {
		code := NodeCodeFromStr(nd.Kind)
		if code == UnknownCode {
			errs = append(errs, errors.Errorf("node %s has unknown kind %q", nd.Name, nd.Kind))
			continue
		}
		if err := tc.checkLevel(nd.Name, code, nd.Level); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := tf.addNode(nd.Name, code, nd.Level, nd.Index); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ReportErrs(errs); err != nil {
		return nil, badTopo(tc.Name, err)
	}

	for _, ld := range tc.Links {
		a, aok := tf.byName[ld.Node1]
		b, bok := tf.byName[ld.Node2]
		class := LinkCodeFromStr(ld.Class)
		switch {
		case !aok || !bok:
			errs = append(errs, errors.Errorf("link %s-%s names an unknown node", ld.Node1, ld.Node2))
		case class == UnknownLinkCode:
			errs = append(errs, errors.Errorf("link %s-%s has unknown class %q", ld.Node1, ld.Node2, ld.Class))
		default:
			errs = append(errs, tf.addLink(a, b, class, ld.LinkSpec))
		}
	}
	if err := ReportErrs(errs); err != nil {
		return nil, badTopo(tc.Name, err)
	}

	td := tf.Transform()
	if err := td.Validate(); err != nil {
		return nil, badTopo(tc.Name, err)
	}
	return td, nil
}

// checkLevel holds a node to the level its kind has in a tree of depth Params.Depth
func (tc *TopoCfg) checkLevel(name string, code NodeCode, level int) error {
	depth := tc.Params.Depth
	fpgaLevel, fpgaOn := tc.Params.FpgaLevel()
	ok := true
	switch code {
	case SwitchCode:
		ok = level >= 0 && level <= depth-2
	case HostCode:
		ok = level == depth-1
	case FpgaCode:
		ok = fpgaOn && level == fpgaLevel
	case CloudCode:
		ok = level == CloudLevel
	}
	if !ok {
		return errors.Errorf("%s %s at level %d does not fit a tree of depth %d", code, name, level, depth)
	}
	return nil
}

// badTopo reports a description that does not rebuild into a tree
func badTopo(name string, err error) error {
	return errors.Wrapf(ErrInvalidTopologyShape, "topology %s: %v", name, err)
}

// Measures selects the measurement routines RunMeasures runs
type Measures struct {
	DumpConnections bool `json:"dumpconnections" yaml:"dumpconnections"`
	PingAll         bool `json:"pingall" yaml:"pingall"`
	Iperf           bool `json:"iperf" yaml:"iperf"`
	CloudFpga       bool `json:"cloudfpga" yaml:"cloudfpga"`
}

// MeasureReport gathers the results of the measurements run; unselected ones are nil
type MeasureReport struct {
	Connections string           `json:"connections,omitempty" yaml:"connections,omitempty"`
	PingAll     *PingAllResult   `json:"pingall,omitempty" yaml:"pingall,omitempty"`
	Iperf       *IperfResult     `json:"iperf,omitempty" yaml:"iperf,omitempty"`
	CloudFpga   *CloudFpgaResult `json:"cloudfpga,omitempty" yaml:"cloudfpga,omitempty"`
}

// RunMeasures runs the selected measurements in the order connections, ping-all, iperf,
// cloud/FPGA round trip. A failed measurement does not stop the ones after it; the failures
// are reported together. The cloud/FPGA probe targets f0 when the topology has FPGA hosts.
func RunMeasures(ctx context.Context, mr *MeasureRunner, nw Network, ms Measures) (MeasureReport, error) {
	var report MeasureReport
	errs := []error{}

	if ms.DumpConnections {
		report.Connections = mr.DumpNodeConnections(nw)
	}

	if ms.PingAll {
		res, err := mr.PingAll(ctx, nw)
		if err == nil {
			report.PingAll = &res
		}
		errs = append(errs, err)
	}

	if ms.Iperf {
		res, err := mr.Iperf(ctx, nw)
		if err == nil {
			report.Iperf = &res
		}
		errs = append(errs, err)
	}

	if ms.CloudFpga {
		fpga := len(nw.Topology().FpgaHosts()) > 0
		res, err := mr.CloudFpga(ctx, nw, fpga)
		if err == nil {
			report.CloudFpga = &res
		}
		errs = append(errs, err)
	}

	err := ReportErrs(errs)
	if err != nil {
		mr.logger.Warn("measurements failed", zap.Error(err))
	}
	return report, err
}
