package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmelnic/stevedore/internal/stevedore/idle"
)

func newShowCmd() *cobra.Command {
	var providerName string

	cmd := &cobra.Command{
		Use:   "show <host-id>",
		Short: "Show the full record of one host",
		Long: "Prints the host's certified data (provider truth), derived state, and\n" +
			"reported activity. Reported fields come from the host's own filesystem\n" +
			"and are labelled as such.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, providerName, args[0])
		},
	}
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider instance the host belongs to")
	cmd.MarkFlagRequired("provider")
	return cmd
}

func runShow(cmd *cobra.Command, providerName, hostID string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := a.fleet.Record(a.ctx(), providerName, hostID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:        %s\n", rec.ID.Value())
	fmt.Fprintf(out, "name:      %s\n", rec.Name.Value())
	fmt.Fprintf(out, "provider:  %s\n", rec.ProviderName.Value())
	fmt.Fprintf(out, "state:     %s\n", rec.State)
	fmt.Fprintf(out, "image:     %s\n", rec.Image.Value())
	if tags := rec.Tags.Value(); len(tags) > 0 {
		fmt.Fprintf(out, "tags:      %s\n", formatTags(tags))
	}
	if bt := rec.BootTime.Value(); !bt.IsZero() {
		fmt.Fprintf(out, "boot:      %s\n", bt.Format(time.RFC3339))
	}

	policy := rec.IdlePolicy.Value()
	if policy.Mode == idle.ModeDisabled {
		fmt.Fprintf(out, "idle:      disabled\n")
	} else {
		fmt.Fprintf(out, "idle:      mode=%s timeout=%s\n", policy.Mode, policy.Timeout)
	}

	if ssh := rec.SSH; ssh.Host != "" {
		fmt.Fprintf(out, "ssh:       %s@%s:%d\n", ssh.User, ssh.Host, ssh.Port)
	}
	if len(rec.Permissions) > 0 {
		fmt.Fprintf(out, "perms:     %s\n", strings.Join(rec.Permissions, ","))
	}

	if len(rec.Agents) > 0 {
		fmt.Fprintln(out, "agents:")
		for _, ag := range rec.Agents {
			fmt.Fprintf(out, "  %s  kind=%s  last-output=%s\n",
				ag.ID.Value(), ag.Kind.Value(), formatSeen(ag.AgentActivity.Untrusted()))
		}
	}

	if snaps := rec.Snapshots.Value(); len(snaps) > 0 {
		fmt.Fprintln(out, "snapshots:")
		for _, s := range snaps {
			fmt.Fprintf(out, "  %s  %s  %s\n", s.ID, s.CreatedAt.Format(time.RFC3339), formatBytes(s.SizeBytes))
		}
	}

	act := rec.Activity.Untrusted()
	fmt.Fprintln(out, "reported activity (untrusted):")
	fmt.Fprintf(out, "  user:  %s\n", formatSeen(act.User))
	fmt.Fprintf(out, "  agent: %s\n", formatSeen(act.Agent))
	fmt.Fprintf(out, "  ssh:   %s\n", formatSeen(act.SSH))

	if lock := rec.Lock.Untrusted(); lock.Locked {
		fmt.Fprintf(out, "lock:      held since %s\n", lock.Since.Format(time.RFC3339))
	}
	return nil
}

func formatSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
