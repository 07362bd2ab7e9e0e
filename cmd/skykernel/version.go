package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/kernel"
)

var versionRemote bool

// versionCmd prints the kernel version, locally or from a running host
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the kernel distribution and version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !versionRemote {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", kernel.Distribution, kernel.Version)
			return nil
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		client, closeFn, err := dial(ctx)
		if err != nil {
			return err
		}
		defer closeFn()
		v, err := client.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", v.Distribution, v.Version)
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionRemote, "remote", false, "Ask the host at --url instead")
	versionCmd.Flags().StringVar(&callURL, "url", "ws://127.0.0.1:8000/bridge", "Bridge endpoint")
	versionCmd.Flags().StringVar(&callOrigin, "origin", "http://localhost", "Page origin to present")
}
