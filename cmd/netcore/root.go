package main

// root.go holds the root command, the flags every subcommand shares, and the logger and
// metrics collector each subcommand runs with.

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/iti/netcore"
)

type globalFlags struct {
	verbose bool
	logFile string
	metrics bool
}

var globals globalFlags

var rootCmd = &cobra.Command{
	Use:   "netcore",
	Short: "Mesh peering, link-state SPF and WiMAX uplink scheduling models",
	Long: `netcore runs its protocol models on a virtual clock and reports what they did.
The spf command computes routing tables for a described topology, mesh forms peer links among
stations sharing a channel, and uplink builds the uplink maps of a described base station.`,
	SilenceUsage: true,
}

// Execute runs the command named on the command line
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&globals.verbose, "verbose", "v", false, "log at debug level")
	rootCmd.PersistentFlags().StringVar(&globals.logFile, "log", "", "also write the log to this file")
	rootCmd.PersistentFlags().BoolVar(&globals.metrics, "metrics", false, "print the gathered metrics on exit")
}

// runEnv is what a subcommand runs with
type runEnv struct {
	logger  *slog.Logger
	metrics *netcore.Collector
	dump    bool
	closer  io.Closer
}

func newRunEnv(gf globalFlags) (*runEnv, error) {
	logger, closer, err := netcore.NewLogger(netcore.LogConfig{Verbose: gf.verbose, File: gf.logFile})
	if err != nil {
		return nil, err
	}
	metrics, err := netcore.NewCollector(prometheus.NewRegistry())
	if err != nil {
		closer.Close()
		return nil, err
	}
	return &runEnv{logger: logger, metrics: metrics, dump: gf.metrics, closer: closer}, nil
}

// finish prints the metrics if they were asked for and releases the log file
func (env *runEnv) finish(w io.Writer) error {
	var err error
	if env.dump {
		fmt.Fprintln(w, "# metrics")
		err = netcore.DumpMetrics(w, env.metrics.Gatherer())
	}
	return errors.Join(err, env.closer.Close())
}

// runWithEnv wraps a subcommand's body with the creation and release of its environment
func runWithEnv(cmd *cobra.Command, body func(env *runEnv, w io.Writer) error) error {
	env, err := newRunEnv(globals)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	err = body(env, w)
	return errors.Join(err, env.finish(w))
}

// isYAML selects the decoder of a description file by its extension
func isYAML(filename string) bool {
	switch filepath.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		return true
	}
	return false
}

// readExp reads the experiment file if one is named.  A nil ExpCfg applies no parameters.
func readExp(filename string) (*netcore.ExpCfg, error) {
	if filename == "" {
		return nil, nil
	}
	return netcore.ReadExpCfg(filename, isYAML(filename), nil)
}

// writeTrace saves the trace if a trace file is named
func writeTrace(tm *netcore.TraceManager, filename string, w io.Writer) error {
	if filename == "" {
		return nil
	}
	if err := tm.WriteToFile(filename); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d trace records written to %s\n", tm.Count(), filename)
	return nil
}
