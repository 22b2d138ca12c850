// stevedore-watchd is the on-host idle watchdog. It polls the host
// directory's activity files and invokes a shutdown command when the idle
// timeout or hard max age is exceeded. Kept dependency-light so it runs
// inside minimal container images.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmelnic/stevedore/common/environment"
	"github.com/dmelnic/stevedore/common/version"
	"github.com/dmelnic/stevedore/internal/stevedore/watcher"
)

func main() {
	// Flag defaults are env-overridable so container images can configure
	// the watchdog without changing the entrypoint.
	var (
		dir          = flag.String("dir", environment.StringOr("STEVEDORE_HOST_DIR", "/var/lib/stevedore"), "host directory root")
		shutdownCmd  = flag.String("shutdown-cmd", environment.StringOr("STEVEDORE_SHUTDOWN_CMD", "/usr/local/bin/stevedore-shutdown"), "command invoked on shutdown")
		interval     = flag.Duration("interval", environment.DurationOr("STEVEDORE_WATCH_INTERVAL", watcher.DefaultInterval), "poll interval")
		printVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *printVersion {
		log.SetFlags(0)
		log.Printf("stevedore-watchd %s", version.Info())
		return
	}

	w, err := watcher.New(watcher.Config{
		Dir:         *dir,
		ShutdownCmd: *shutdownCmd,
		Interval:    *interval,
	})
	if err != nil {
		log.Fatalf("[watcher] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("[watcher] watching %s every %s", *dir, *interval)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[watcher] exiting: %v", err)
		os.Exit(1)
	}
}
