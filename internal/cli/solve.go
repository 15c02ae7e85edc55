package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/sugawarayuuta/sonnet"

	"github.com/latticelabs/cubefit/internal/config"
	"github.com/latticelabs/cubefit/internal/puzzle"
	"github.com/latticelabs/cubefit/internal/solver"
	"github.com/latticelabs/cubefit/internal/telemetry"
)

type solveFlags struct {
	prefixDepth    int
	prefixCount    int
	laneBudget     int
	groupSize      int
	maxSolutions   int
	timeout        time.Duration
	statusInterval time.Duration
	seed           uint64
	cpu            bool
	logLevel       string
}

func bindSolveFlags(fs *pflag.FlagSet, f *solveFlags, cfg *config.Config) {
	budget := cfg.LaneBudget
	prefixes := cfg.TargetPrefixCount
	groupSize := cfg.GroupSize
	cpu := true
	if cfg.FallbackToCPU != nil {
		cpu = *cfg.FallbackToCPU
	}
	level := cfg.LogLevel
	if level == "" {
		level = "info"
	}

	fs.IntVar(&f.prefixDepth, "prefix-depth", 0, "pin the tree-split depth (0 = probe)")
	fs.IntVar(&f.prefixCount, "prefixes", prefixes, "target prefix (lane) count (0 = default)")
	fs.IntVar(&f.laneBudget, "budget", budget, "fit-test budget per lane per dispatch (0 = default)")
	fs.IntVar(&f.groupSize, "group-size", groupSize, "lanes per dispatch group (0 = default)")
	fs.IntVar(&f.maxSolutions, "max-solutions", 0, "stop after this many covers (0 = default)")
	fs.DurationVar(&f.timeout, "timeout", 0, "wall-clock budget (0 = none)")
	fs.DurationVar(&f.statusInterval, "status-interval", 0, "status report spacing (0 = default)")
	fs.Uint64Var(&f.seed, "seed", 0, "partition shuffle seed (0 = clock)")
	fs.BoolVar(&f.cpu, "cpu", cpu, "fall back to CPU lanes when no GPU is usable")
	fs.StringVar(&f.logLevel, "log-level", level, "log level (debug, info, warn, error)")
}

func newSolveCmd(cfg *config.Config) *cobra.Command {
	var f solveFlags

	cmd := &cobra.Command{
		Use:   "solve <puzzle.json>",
		Short: "Search a compiled puzzle for complete tilings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSolve(cmd, args[0], &f, cfg)
		},
	}
	bindSolveFlags(cmd.Flags(), &f, cfg)
	return cmd
}

func runSolve(cmd *cobra.Command, path string, f *solveFlags, cfg *config.Config) error {
	log := newLogger(f.logLevel)

	puz, err := puzzle.Load(path)
	if err != nil {
		return err
	}
	log.WithFields(map[string]interface{}{
		"cells":      puz.NumCells,
		"pieces":     puz.NumPieces,
		"embeddings": puz.TotalEmbeddings(),
	}).Info("puzzle loaded")

	eng, err := solver.New(puz, solver.Options{
		PrefixDepth:       f.prefixDepth,
		TargetPrefixCount: f.prefixCount,
		LaneBudget:        f.laneBudget,
		GroupSize:         f.groupSize,
		MaxSolutions:      f.maxSolutions,
		Timeout:           f.timeout,
		StatusInterval:    f.statusInterval,
		FallbackToCPU:     f.cpu,
		Seed:              f.seed,
		Logger:            log,
	}, nil)
	if err != nil {
		return err
	}

	solCh, statusCh, summaryCh := eng.Start(cmd.Context())

	out := cmd.OutOrStdout()
	for solCh != nil || statusCh != nil {
		select {
		case sol, ok := <-solCh:
			if !ok {
				solCh = nil
				continue
			}
			line, err := sonnet.Marshal(sol.Placements)
			if err != nil {
				log.WithError(err).Warn("could not encode solution")
				continue
			}
			fmt.Fprintln(out, string(line))
		case st, ok := <-statusCh:
			if !ok {
				statusCh = nil
				continue
			}
			log.WithFields(map[string]interface{}{
				"phase":     st.Phase,
				"nodes":     st.Nodes,
				"solutions": st.Solutions,
				"fits/s":    uint64(st.FitTestsPerSecond),
				"restarts":  st.RestartCount,
			}).Info("progress")
		}
	}

	sum := <-summaryCh
	log.WithFields(map[string]interface{}{
		"reason":     sum.Reason,
		"solutions":  sum.Solutions,
		"nodes":      sum.TotalNodes,
		"fit_tests":  sum.TotalFitTests,
		"elapsed":    sum.Elapsed.Round(time.Millisecond).String(),
		"dispatches": sum.Timing.DispatchCount,
		"truncated":  sum.Truncated,
	}).Info("done")

	if cfg.TelemetryOptedIn {
		telemetry.Submit(telemetry.Payload{
			NumCells:        puz.NumCells,
			NumPieces:       puz.NumPieces,
			DurationSeconds: sum.Elapsed.Seconds(),
			Nodes:           sum.TotalNodes,
			Solutions:       sum.Solutions,
			Reason:          string(sum.Reason),
			Backend:         sum.Backend,
		})
	}

	if sum.Reason == solver.ReasonGPUError {
		return errors.Errorf("run failed: %s", sum.Diagnostic)
	}
	if sum.Solutions == 0 {
		fmt.Fprintln(os.Stderr, "no tiling found")
	}
	return nil
}
