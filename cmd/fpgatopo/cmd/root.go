package cmd

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/iti/fpgatopo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// NewRootCmd creates the fpgatopo command with its flags
func NewRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "fpgatopo",
		Short: "Build a tree network with FPGA switches and measure it",
		Long: `fpgatopo builds a spread-ary tree of switches with hosts at the leaves and a cloud
host on the root switch. One level of switches can be given co-located FPGA hosts.
The tree is started on a simulated network, where ping and iperf measurements are run.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.New(), cmd.Flags(), cfgFile)
			if err != nil {
				return err
			}
			logger, err := setupLogger(cfg.Log, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return run(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./fpgatopo.yaml)")

	flags.IntP("spread", "s", 3, "Number of children of every switch")
	flags.IntP("depth", "d", 4, "Number of tree levels, root and leaves included")
	flags.Float64P("bandwidth", "b", 10, "Bandwidth of the links, in Mbps")
	flags.StringP("delay", "e", "1ms", "Delay of the links, e.g. '10ms'")
	flags.IntP("loss", "l", 0, "Percent loss of the links")

	flags.Int("fpga", -1, "Tree level (root is 0) whose switches get an FPGA host")
	flags.Float64("fpga-bandwidth", 0, "Bandwidth of the FPGA links (default the link bandwidth)")
	flags.String("fpga-delay", "", "Delay of the FPGA links (default half the link delay)")
	flags.Int("fpga-loss", 0, "Percent loss of the FPGA links (default twice the link loss)")

	flags.Bool("poisson", false, "Replace link delays with Poisson draws")
	flags.Bool("poisson-per-link", false, "Draw a Poisson delay for every link rather than once per link class")
	flags.Uint64("seed", 0, "Seed of the Poisson draws (default a named random stream)")

	flags.BoolP("ping-all", "p", false, "Ping between all hosts")
	flags.BoolP("iperf", "i", false, "Test bandwidth between first and last host")
	flags.Bool("cloud-fpga", false, "Measure the round trip from h0 to f0, or to the cloud without FPGA hosts")
	flags.Bool("dump-node-connections", false, "List the connections of every host")
	flags.BoolP("quick", "q", false, "For testing purposes")

	flags.String("log", "info", "Set the log level, one of "+strings.Join(LogLevels, ", "))
	flags.String("log-format", "console", "Log format, console or json")

	flags.String("output", "", "Write the topology to this .yaml or .json file")
	flags.String("trace", "", "Write a trace of the simulated traffic to this .yaml or .json file")
	flags.String("metrics-file", "", "Write prometheus metrics to this textfile")

	return rootCmd
}

// run builds and starts the network, runs the measurements asked for, prints their
// results, and writes the requested files
func run(ctx context.Context, cfg *Config, logger *zap.Logger, out io.Writer) error {
	params := cfg.TreeParams()

	var src rand.Source
	if cfg.Seed != nil {
		src = fpgatopo.SeededSource(*cfg.Seed)
	}
	opts := []fpgatopo.BuildOption{fpgatopo.WithLogger(logger)}
	if cfg.PoissonPerLink {
		opts = append(opts, fpgatopo.WithPoissonPerLink())
	}

	traceMgr := fpgatopo.CreateTraceManager("", len(cfg.Trace) > 0)
	var metrics *fpgatopo.Metrics
	if len(cfg.MetricsFile) > 0 {
		metrics = fpgatopo.CreateMetrics()
	}

	emu := fpgatopo.CreateSimEmulator(fpgatopo.WithSimLogger(logger), fpgatopo.WithTraceManager(traceMgr))
	nw, err := fpgatopo.SetupNetwork(ctx, emu, params, src, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = nw.Stop() }()

	td := nw.Topology()
	traceMgr.ExpName = td.Name()
	metrics.ObserveTopology(td)
	logger.Info("network started", zap.String("topology", td.Name()),
		zap.Stringer("standard", td.Specs().Standard), zap.Stringer("fpga", td.Specs().Fpga))

	if len(cfg.Output) > 0 {
		tc := td.Transform()
		if err := tc.WriteToFile(cfg.Output); err != nil {
			return err
		}
		logger.Info("topology written", zap.String("file", cfg.Output))
	}

	mr := fpgatopo.CreateMeasureRunner(fpgatopo.WithMeasureLogger(logger),
		fpgatopo.WithMeasureTrace(traceMgr), fpgatopo.WithMetrics(metrics))
	report, merr := fpgatopo.RunMeasures(ctx, mr, nw, cfg.Measures())
	printReport(out, report)

	errs := []error{merr}
	if len(cfg.Trace) > 0 {
		_, err := traceMgr.WriteToFile(cfg.Trace, true)
		errs = append(errs, err)
	}
	if len(cfg.MetricsFile) > 0 {
		errs = append(errs, metrics.WriteToTextfile(cfg.MetricsFile))
	}
	return fpgatopo.ReportErrs(errs)
}

// printReport writes the measurement results as the measurement tools summarize them
func printReport(out io.Writer, report fpgatopo.MeasureReport) {
	if len(report.Connections) > 0 {
		fmt.Fprint(out, report.Connections)
	}
	if report.PingAll != nil {
		fmt.Fprint(out, report.PingAll.Output)
	}
	if report.Iperf != nil {
		fmt.Fprintf(out, "*** Iperf: testing TCP bandwidth between %s and %s\n",
			report.Iperf.Client, report.Iperf.Server)
		fmt.Fprintf(out, "*** Results: ['%s', '%s']\n", report.Iperf.ServerRate, report.Iperf.ClientRate)
	}
	if report.CloudFpga != nil {
		fmt.Fprintf(out, "%s -> %s %s\n", report.CloudFpga.Src, report.CloudFpga.Dst, report.CloudFpga.Stats.Line)
	}
}

// Execute runs the root command. This is called by main.main().
func Execute(ctx context.Context) {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
