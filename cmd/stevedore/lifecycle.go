package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	var (
		providerName string
		snapshotID   string
	)

	cmd := &cobra.Command{
		Use:   "start <host-id>",
		Short: "Start a stopped host, optionally from a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			h, err := a.fleet.Start(a.ctx(), providerName, args[0], snapshotID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started %s (%s)", h.Name, h.ID)
			if h.Addr != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " at %s", h.Addr)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider instance the host belongs to")
	cmd.Flags().StringVar(&snapshotID, "from-snapshot", "", "restore from this snapshot instead of the latest state")
	cmd.MarkFlagRequired("provider")
	return cmd
}

func newStopCmd() *cobra.Command {
	var (
		providerName string
		noSnapshot   bool
	)

	cmd := &cobra.Command{
		Use:   "stop <host-id>",
		Short: "Stop a running host, snapshotting it first by default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.fleet.Stop(a.ctx(), providerName, args[0], !noSnapshot); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider instance the host belongs to")
	cmd.Flags().BoolVar(&noSnapshot, "no-snapshot", false, "skip the pre-stop snapshot")
	cmd.MarkFlagRequired("provider")
	return cmd
}

func newDestroyCmd() *cobra.Command {
	var (
		providerName    string
		deleteSnapshots bool
		force           bool
	)

	cmd := &cobra.Command{
		Use:   "destroy <host-id>",
		Short: "Destroy a host irreversibly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force && !confirm(fmt.Sprintf("destroy host %s (snapshots too: %t)?", args[0], deleteSnapshots)) {
				return fmt.Errorf("aborted")
			}

			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.fleet.Destroy(a.ctx(), providerName, args[0], deleteSnapshots); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "destroyed %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider instance the host belongs to")
	cmd.Flags().BoolVar(&deleteSnapshots, "delete-snapshots", false, "also delete the host's snapshots")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the confirmation prompt")
	cmd.MarkFlagRequired("provider")
	return cmd
}

func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
