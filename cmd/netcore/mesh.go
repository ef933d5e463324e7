package main

// mesh.go holds the mesh command.  It places a number of mesh stations on one shared
// channel, lossless unless the experiment sets a loss probability, lets them beacon and form peer links for a stretch of virtual time driven by an
// event manager, and prints each station's links and statistics.

import (
	"fmt"
	"io"

	"github.com/iti/evt/evtm"
	"github.com/spf13/cobra"

	"github.com/iti/netcore"
	"github.com/iti/netcore/dot11s"
)

type meshOpts struct {
	nodes    int
	duration float64
	exp      string
	seed     string
	trace    string
}

var meshFlags meshOpts

var meshCmd = &cobra.Command{
	Use:   "mesh",
	Short: "Form peer links among mesh stations sharing a channel",
	Long: `mesh creates --nodes stations in range of one another, starts their beacons at random
offsets within the first beacon interval, and runs the peering protocol for --duration seconds of
virtual time.  Mesh, PeerLink and the medium's parameters can be set from an experiment file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithEnv(cmd, func(env *runEnv, w io.Writer) error {
			return runMesh(meshFlags, env, w)
		})
	},
}

func init() {
	rootCmd.AddCommand(meshCmd)
	meshCmd.Flags().IntVar(&meshFlags.nodes, "nodes", 4, "number of mesh stations")
	meshCmd.Flags().Float64Var(&meshFlags.duration, "duration", 5.0, "virtual seconds to run")
	meshCmd.Flags().StringVar(&meshFlags.exp, "exp", "", "experiment parameter file")
	meshCmd.Flags().StringVar(&meshFlags.seed, "seed", "netcore", "prefix of the random stream names")
	meshCmd.Flags().StringVar(&meshFlags.trace, "trace", "", "write peer link transitions to this trace file")
}

func runMesh(opts meshOpts, env *runEnv, w io.Writer) error {
	if opts.nodes < 1 {
		return fmt.Errorf("--nodes %d must be at least 1", opts.nodes)
	}
	if !(opts.duration > 0.0) {
		return fmt.Errorf("--duration %g must be positive", opts.duration)
	}
	exp, err := readExp(opts.exp)
	if err != nil {
		return err
	}

	mc := dot11s.DefaultMediumConfig()
	if err := mc.ApplyParams(exp.ParamsFor("Mesh", mc.MeshID, []string{})); err != nil {
		return fmt.Errorf("medium: %w", err)
	}

	evtMgr := evtm.New()
	sched := netcore.CreateEvtScheduler(evtMgr)
	// frames are lost only when the experiment asks for it, drawing from a stream of their own
	var lossRng dot11s.RandomSource
	if mc.LossProbability > 0.0 {
		lossRng = dot11s.CreateRandomSource(opts.seed + "-medium")
	}
	medium := dot11s.CreateMedium(mc, sched, lossRng, env.logger)
	tm := netcore.CreateTraceManager("mesh", opts.trace != "")
	offsets := dot11s.CreateRandomSource(opts.seed + "-offsets")

	stations := []*dot11s.MeshStation{}
	errs := []error{}
	for idx := 1; idx <= opts.nodes; idx++ {
		name := fmt.Sprintf("mp%d", idx)
		pc := dot11s.DefaultProtocolConfig()
		attrbs := []string{}
		if pc.EnableBeaconCollisionAvoidance {
			attrbs = append(attrbs, "mbca")
		}
		if err := pc.ApplyParams(exp.ParamsFor("Mesh", name, attrbs)); err != nil {
			errs = append(errs, fmt.Errorf("station %s: %w", name, err))
			continue
		}
		if err := pc.PeerLink.ApplyParams(exp.ParamsFor("PeerLink", name, []string{})); err != nil {
			errs = append(errs, fmt.Errorf("station %s: %w", name, err))
			continue
		}
		st, err := medium.AddStation(name, uint32(idx), pc, dot11s.CreateRandomSource(opts.seed+"-"+name),
			env.logger, env.metrics)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		st.PMP.SetTrace(tm, idx)
		st.PMP.SetPeerLinkStatusCallback(func(_ uint32, peer, _ dot11s.Mac48, up bool) {
			env.logger.Info("peer link status", "station", name, "peer", peer, "up", up, "time", sched.Now())
		})
		stations = append(stations, st)
	}
	if err := netcore.ReportErrs(errs); err != nil {
		return err
	}

	for _, st := range stations {
		st.Port.StartBeaconing(offsets.RandU01() * mc.BeaconInterval)
	}
	sched.ScheduleAfter(opts.duration, func() {
		for _, st := range stations {
			st.Port.StopBeaconing()
		}
	})
	evtMgr.Run(opts.duration)

	for _, st := range stations {
		fmt.Fprintf(w, "station %s (%s) active peers %d\n", st.Name, st.PMP.Address(), st.PMP.NumberOfActivePeers())
		if err := st.PMP.Report(w); err != nil {
			return err
		}
	}
	stats := medium.Stats()
	fmt.Fprintf(w, "medium: %d frames sent, %d delivered, %d lost, %d malformed\n", stats.Sent, stats.Delivered,
		stats.Lost, stats.Malformed)

	if err := writeTrace(tm, opts.trace, w); err != nil {
		return err
	}
	for _, st := range stations {
		st.PMP.Teardown()
	}
	return nil
}
