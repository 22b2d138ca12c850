package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmelnic/stevedore/common/version"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stevedore",
		Short: "Stevedore: host lifecycle for AI coding-agent fleets",
		Long: "Stevedore provisions, tracks, and reclaims hosts that run AI coding-agent\n" +
			"sessions across Docker and local-process backends.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default $STEVEDORE_CONFIG or /etc/stevedore/config.yaml)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newShowCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newDestroyCmd())
	cmd.AddCommand(newGCCmd())
	cmd.AddCommand(newSweepCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stevedore %s\n", version.Info())
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
