package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/latticelabs/cubefit/internal/compute"
)

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Report the detected compute device and its limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cap := compute.NewProber().Detect()
			out := cmd.OutOrStdout()
			if !cap.Supported {
				fmt.Fprintf(out, "gpu: unsupported (%s)\n", cap.Reason)
				return nil
			}
			fmt.Fprintf(out, "gpu: %s\n", cap.DeviceName)
			fmt.Fprintf(out, "max lanes per group: %d\n", cap.MaxLanesPerGroup)
			fmt.Fprintf(out, "max buffer bytes: %d\n", cap.MaxBufferBytes)
			return nil
		},
	}
}
