package main

// uplink.go holds the uplink command.  It builds a base station, its subscriber stations and
// their traffic sources from a description, runs a number of frames on an event manager, and
// prints how the uplink was shared among the service flows.

import (
	"fmt"
	"io"

	"github.com/iti/evt/evtm"
	"github.com/spf13/cobra"

	"github.com/iti/netcore"
	"github.com/iti/netcore/wimax"
)

type uplinkOpts struct {
	bs        string
	frames    int
	scheduler string
	exp       string
	seed      string
	trace     string
}

var uplinkFlags uplinkOpts

var uplinkCmd = &cobra.Command{
	Use:   "uplink",
	Short: "Schedule the uplink of a base station",
	Long: `uplink reads a base station description (yaml or json, chosen by extension), admits its
service flows, drives them with their traffic sources, and builds --frames uplink maps with the
scheduler of the description or the one named by --scheduler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithEnv(cmd, func(env *runEnv, w io.Writer) error {
			return runUplink(uplinkFlags, env, w)
		})
	},
}

func init() {
	rootCmd.AddCommand(uplinkCmd)
	uplinkCmd.Flags().StringVar(&uplinkFlags.bs, "bs", "", "base station description file")
	uplinkCmd.Flags().IntVar(&uplinkFlags.frames, "frames", 100, "number of frames to build")
	uplinkCmd.Flags().StringVar(&uplinkFlags.scheduler, "scheduler", "",
		fmt.Sprintf("uplink scheduler, one of %v", wimax.SchedulerNames()))
	uplinkCmd.Flags().StringVar(&uplinkFlags.exp, "exp", "", "experiment parameter file")
	uplinkCmd.Flags().StringVar(&uplinkFlags.seed, "seed", "netcore", "prefix of the random stream names")
	uplinkCmd.Flags().StringVar(&uplinkFlags.trace, "trace", "", "write a record of every frame to this trace file")
	uplinkCmd.MarkFlagRequired("bs")
}

func runUplink(opts uplinkOpts, env *runEnv, w io.Writer) error {
	if opts.frames < 1 {
		return fmt.Errorf("--frames %d must be at least 1", opts.frames)
	}
	bsd, err := wimax.ReadBSDesc(opts.bs, isYAML(opts.bs), nil)
	if err != nil {
		return err
	}
	if opts.scheduler != "" {
		bsd.Config.Scheduler = opts.scheduler
	}
	exp, err := readExp(opts.exp)
	if err != nil {
		return err
	}

	evtMgr := evtm.New()
	sched := netcore.CreateEvtScheduler(evtMgr)
	model, err := bsd.Build(exp, sched, opts.seed, env.logger, env.metrics)
	if err != nil {
		return err
	}
	bs := model.BS
	tm := netcore.CreateTraceManager(bsd.Name, model.Trace || opts.trace != "")
	bs.SetTrace(tm, 1)

	granted := make(map[uint32]uint64)
	bs.SetUlMapHandler(func(frame uint64, ulMap *wimax.UlMap, encoded []byte) {
		for _, g := range bs.UplinkScheduler().Grants() {
			granted[g.SFID] += uint64(g.Bytes)
		}
		env.logger.Debug("uplink map", "frame", frame, "elements", len(ulMap.IEs), "bytes", len(encoded))
	})

	// the last frame starts half a frame before the end of the run
	limit := (float64(opts.frames) - 0.5) * bs.Phy().FrameDuration()
	model.Start()
	sched.ScheduleAfter(limit, model.Stop)
	evtMgr.Run(limit)

	sources := make(map[uint32]*wimax.TrafficSource)
	for _, ts := range model.Sources {
		sources[ts.Flow().SFID] = ts
	}
	dcd, ucd := bs.DescriptorsSent()
	fmt.Fprintf(w, "base station %s, scheduler %s, frames %d, ul symbols %d, dcd %d, ucd %d\n", bs.Name(),
		bs.UplinkScheduler().Name(), bs.Frames(), bs.UlSymbols(), dcd, ucd)
	for _, ssr := range bs.SSManager().SSRecords() {
		fmt.Fprintf(w, "station %s basic %d %s ranging %s\n", ssr.Name, ssr.BasicCID, ssr.Modulation, ssr.RangingStatus)
		for _, sf := range ssr.ServiceFlows(wimax.SchedAll) {
			rec := sf.Record()
			offered := uint64(0)
			if ts, present := sources[sf.SFID]; present {
				offered = ts.BytesOffered()
			}
			fmt.Fprintf(w, "  flow %s offered %d requested %d granted %d backlog %d\n", sf, offered,
				rec.RequestedBandwidth, granted[sf.SFID], rec.Backlogged)
		}
	}
	return writeTrace(tm, opts.trace, w)
}
