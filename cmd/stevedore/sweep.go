package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmelnic/stevedore/internal/stevedore/audit"
	"github.com/dmelnic/stevedore/internal/stevedore/enforcer"
)

func newSweepCmd() *cobra.Command {
	var daemon bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the enforcement loop",
		Long: "Re-checks every running host's idle policy from the controller side and\n" +
			"force-stops hosts whose on-host watchdog should have shut them down but\n" +
			"did not. One pass by default; --daemon keeps sweeping on the configured\n" +
			"interval or cron schedule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, daemon)
		},
	}
	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "keep sweeping until interrupted")
	return cmd
}

func runSweep(cmd *cobra.Command, daemon bool) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	notifier, err := audit.NewMatrix(audit.MatrixConfig{
		Homeserver:  a.cfg.Matrix.HomeserverURL,
		UserID:      a.cfg.Matrix.UserID,
		AccessToken: a.cfg.Matrix.AccessToken,
		RoomID:      a.cfg.Matrix.RoomID,
	})
	if err != nil {
		return fmt.Errorf("audit notifier: %w", err)
	}

	loop, err := enforcer.New(enforcer.Options{
		Fleet:      a.fleet,
		Interval:   time.Duration(a.cfg.Enforcement.IntervalSeconds) * time.Second,
		Schedule:   a.cfg.Enforcement.Schedule,
		Grace:      time.Duration(a.cfg.Enforcement.GraceSeconds) * time.Second,
		StuckAfter: time.Duration(a.cfg.Enforcement.StuckAfterSeconds) * time.Second,
		Notifier:   notifier,
	})
	if err != nil {
		return err
	}

	if !daemon {
		loop.SweepOnce(a.ctx())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
