package main

// spf.go holds the spf command.  It builds the routers of a topology description, gathers
// their LSAs, runs the shortest path first computation from one router or from all of them,
// and prints the routing tables that result.

import (
	"fmt"
	"io"
	"net/netip"
	"sort"

	"github.com/spf13/cobra"

	"github.com/iti/netcore"
	"github.com/iti/netcore/spf"
)

type spfOpts struct {
	topo   string
	exp    string
	root   string
	verify bool
	trace  string
}

var spfFlags spfOpts

var spfCmd = &cobra.Command{
	Use:   "spf",
	Short: "Compute routing tables for a topology",
	Long: `spf reads a topology description (yaml or json, chosen by extension), runs the
shortest path first computation rooted at every router, or only at the one named by --root,
and prints the routing tables.  With --verify every distance is checked against an independent
Dijkstra search of the link state database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithEnv(cmd, func(env *runEnv, w io.Writer) error {
			return runSPF(spfFlags, env, w)
		})
	},
}

func init() {
	rootCmd.AddCommand(spfCmd)
	spfCmd.Flags().StringVar(&spfFlags.topo, "topo", "", "topology description file")
	spfCmd.Flags().StringVar(&spfFlags.exp, "exp", "", "experiment parameter file")
	spfCmd.Flags().StringVar(&spfFlags.root, "root", "", "name or router id of the only root to compute from")
	spfCmd.Flags().BoolVar(&spfFlags.verify, "verify", false, "check distances against a reference Dijkstra search")
	spfCmd.Flags().StringVar(&spfFlags.trace, "trace", "", "write the routes installed to this trace file")
	spfCmd.MarkFlagRequired("topo")
}

func runSPF(opts spfOpts, env *runEnv, w io.Writer) error {
	tc, err := spf.ReadTopoCfg(opts.topo, isYAML(opts.topo), nil)
	if err != nil {
		return err
	}
	routers, err := tc.Transform()
	if err != nil {
		return fmt.Errorf("topology %s: %w", tc.Name, err)
	}
	exp, err := readExp(opts.exp)
	if err != nil {
		return err
	}

	cfg := spf.DefaultEngineConfig()
	params := exp.ParamsFor("Router", tc.Name, []string{})
	if err := cfg.ApplyParams(params); err != nil {
		return err
	}
	traced := opts.trace != ""
	if err := netcore.ParamBool(params, "trace", &traced); err != nil {
		return err
	}

	eng := spf.CreateEngine(cfg, spf.Nodes(routers), env.logger, env.metrics)
	tm := netcore.CreateTraceManager(tc.Name, traced)
	eng.SetTrace(tm, 0, nil)
	if err := eng.BuildDatabase(); err != nil {
		return err
	}
	env.logger.Info("link state database built", "topology", tc.Name, "routers", len(routers),
		"lsas", eng.LSDB().Size())

	var results []*spf.Result
	if opts.root != "" {
		rtr := spf.FindRouter(routers, opts.root)
		if rtr == nil {
			return fmt.Errorf("root %s names no router of topology %s", opts.root, tc.Name)
		}
		res, err := eng.Calculate(rtr.ID)
		if err != nil {
			return err
		}
		results = append(results, res)
	} else {
		results, err = eng.InitializeRoutes()
		if err != nil {
			return err
		}
	}

	byID := make(map[netip.Addr]*spf.Router)
	for _, rtr := range routers {
		byID[rtr.ID] = rtr
	}
	for _, res := range results {
		rtr := byID[res.Root]
		how := "full computation"
		if res.ShortCircuit {
			how = "stub short circuit"
		}
		fmt.Fprintf(w, "router %s (%s), %s, %d routes\n", rtr.Name, rtr.ID, how, rtr.Table.NRoutes())
		if rtr.Table.NRoutes() > 0 {
			fmt.Fprintln(w, rtr.Table.String())
		}
	}

	if opts.verify {
		if err := verifyDistances(eng.LSDB(), results); err != nil {
			return err
		}
		fmt.Fprintf(w, "verified %d computations against reference distances\n", len(results))
	}
	env.logger.Debug("routes traced", "records", tm.Count())
	return writeTrace(tm, opts.trace, w)
}

// verifyDistances compares the distance of every vertex a full computation reached with the
// distance found by the reference search, and checks that both reached the same vertices
func verifyDistances(lsdb *spf.LSDB, results []*spf.Result) error {
	errs := []error{}
	for _, res := range results {
		if res.ShortCircuit {
			continue
		}
		ref := spf.ReferenceDistances(lsdb, res.Root)
		ids := make([]netip.Addr, 0, len(res.Vertices))
		for id := range res.Vertices {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
		for _, id := range ids {
			vr := res.Vertices[id]
			want, present := ref[id]
			if !present {
				errs = append(errs, fmt.Errorf("root %s: %s %s reached but unreachable in the reference", res.Root, vr.Type, id))
				continue
			}
			if vr.Distance != want {
				errs = append(errs, fmt.Errorf("root %s: %s %s at distance %d, reference %d", res.Root, vr.Type, id,
					vr.Distance, want))
			}
		}
		if len(ref) != len(res.Vertices) {
			errs = append(errs, fmt.Errorf("root %s: %d vertices reached, reference reaches %d", res.Root,
				len(res.Vertices), len(ref)))
		}
	}
	return netcore.ReportErrs(errs)
}
