package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/latticelabs/cubefit/internal/config"
)

// newConfigCmd persists solver defaults so they apply to every later run.
func newConfigCmd(cfg *config.Config) *cobra.Command {
	var (
		budget    int
		prefixes  int
		groupSize int
		cpu       bool
		logLevel  string
		telemetry bool
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Persist default solver settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs := cmd.Flags()
			if fs.Changed("budget") {
				cfg.LaneBudget = budget
			}
			if fs.Changed("prefixes") {
				cfg.TargetPrefixCount = prefixes
			}
			if fs.Changed("group-size") {
				cfg.GroupSize = groupSize
			}
			if fs.Changed("cpu") {
				cfg.FallbackToCPU = &cpu
			}
			if fs.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if fs.Changed("telemetry") {
				cfg.TelemetryOptedIn = telemetry
			}
			if err := config.Save(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration saved")
			return nil
		},
	}

	fs := cmd.Flags()
	fs.IntVar(&budget, "budget", 0, "default fit-test budget per lane per dispatch")
	fs.IntVar(&prefixes, "prefixes", 0, "default target prefix (lane) count")
	fs.IntVar(&groupSize, "group-size", 0, "default lanes per dispatch group")
	fs.BoolVar(&cpu, "cpu", true, "fall back to CPU lanes when no GPU is usable")
	fs.StringVar(&logLevel, "log-level", "", "default log level")
	fs.BoolVar(&telemetry, "telemetry", false, "opt in to anonymous run statistics")
	return cmd
}
