// Package cli wires the solver into a command-line surface. The engine
// itself is a library; everything user-facing lives here.
package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/latticelabs/cubefit/internal/config"
	"github.com/latticelabs/cubefit/internal/version"
)

// New builds the root command tree.
func New() *cobra.Command {
	cfg := config.Load()

	root := &cobra.Command{
		Use:           "cubefit",
		Short:         "GPU-parallel exact-cover solver for 3D lattice tiling puzzles",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSolveCmd(cfg))
	root.AddCommand(newProbeCmd())
	root.AddCommand(newConfigCmd(cfg))
	return root
}

func newLogger(level string) *logrus.Entry {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return logrus.NewEntry(log)
}
