// Package enforcer implements the controller-side enforcement loop: the
// backstop for hosts whose on-host watchdog should have shut them down but
// did not. It re-asks every provider the same idle question from reported
// activity and forcibly stops hosts past their timeout plus a grace margin.
package enforcer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dmelnic/stevedore/common/trace"
	"github.com/dmelnic/stevedore/internal/stevedore/audit"
	"github.com/dmelnic/stevedore/internal/stevedore/fleet"
	"github.com/dmelnic/stevedore/internal/stevedore/host"
	"github.com/dmelnic/stevedore/internal/stevedore/idle"
	"github.com/dmelnic/stevedore/internal/stevedore/provider"
)

// Defaults for the loop's knobs.
const (
	DefaultInterval   = 5 * time.Minute
	DefaultGrace      = 5 * time.Minute
	DefaultStuckAfter = 30 * time.Minute
)

// Options configures a Loop.
type Options struct {
	Fleet *fleet.Manager
	// Interval is the fixed sweep period. Ignored when Schedule is set.
	Interval time.Duration
	// Schedule is an optional cron expression replacing the fixed interval.
	Schedule string
	// Grace is added to each host's idle timeout before the loop forces a
	// stop, so the on-host watchdog always gets first shot at a clean
	// shutdown.
	Grace time.Duration
	// StuckAfter bounds how long a host may sit in a transitory state
	// before it is reported as stuck.
	StuckAfter time.Duration
	Notifier   audit.Notifier
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Loop sweeps all providers and enforces idle timeouts. One loop per
// controller; everything it needs between sweeps it re-reads from providers,
// except the first-seen times of transitory states, which only this process
// cares about.
type Loop struct {
	opts Options
	// transitorySince records when a host was first observed in its
	// current transitory state. Cleared when the host leaves it.
	transitorySince map[string]time.Time
}

// New validates opts and returns a Loop.
func New(opts Options) (*Loop, error) {
	if opts.Fleet == nil {
		return nil, fmt.Errorf("enforcer: fleet manager is required")
	}
	if opts.Schedule != "" {
		if _, err := cron.ParseStandard(opts.Schedule); err != nil {
			return nil, fmt.Errorf("enforcer: bad schedule %q: %w", opts.Schedule, err)
		}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = DefaultStuckAfter
	}
	if opts.Notifier == nil {
		opts.Notifier = audit.Noop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loop{opts: opts, transitorySince: make(map[string]time.Time)}, nil
}

// Run sweeps until ctx is cancelled. With a Schedule the sweeps follow the
// cron expression; otherwise a fixed ticker.
func (l *Loop) Run(ctx context.Context) error {
	if l.opts.Schedule != "" {
		return l.runCron(ctx)
	}

	log.Printf("[enforcer] sweeping every %s", l.opts.Interval)
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	l.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.SweepOnce(ctx)
		}
	}
}

func (l *Loop) runCron(ctx context.Context) error {
	log.Printf("[enforcer] sweeping on schedule %q", l.opts.Schedule)
	c := cron.New()
	_, err := c.AddFunc(l.opts.Schedule, func() { l.SweepOnce(ctx) })
	if err != nil {
		return fmt.Errorf("enforcer: schedule: %w", err)
	}
	c.Start()
	defer c.Stop()
	<-ctx.Done()
	return ctx.Err()
}

// SweepOnce runs a single enforcement pass over every provider. Errors are
// logged per host; one bad host never aborts the sweep.
func (l *Loop) SweepOnce(ctx context.Context) {
	// Daemon sweeps start their own trace so audit events stay correlatable.
	ctx = trace.Ensure(ctx)
	now := l.opts.Now()
	seen := make(map[string]bool)

	for _, lst := range l.opts.Fleet.List(ctx, nil) {
		if lst.Err != nil {
			log.Printf("[enforcer] %s: listing failed: %v", lst.Provider, lst.Err)
			continue
		}
		if lst.Stale {
			// Never force-stop from cached data; the provider may have
			// a newer view we cannot see.
			log.Printf("[enforcer] %s: listing is stale, skipping", lst.Provider)
			continue
		}

		prov, err := l.opts.Fleet.Provider(lst.Provider)
		if err != nil {
			log.Printf("[enforcer] %s: %v", lst.Provider, err)
			continue
		}
		for _, sum := range lst.Hosts {
			key := lst.Provider + "/" + sum.ID
			seen[key] = true
			l.checkHost(ctx, prov, sum, key, now)
		}
	}

	for key := range l.transitorySince {
		if !seen[key] {
			delete(l.transitorySince, key)
		}
	}
}

func (l *Loop) checkHost(ctx context.Context, prov provider.Instance, sum provider.HostSummary, key string, now time.Time) {
	if sum.State.Transitory() {
		since, ok := l.transitorySince[key]
		if !ok {
			l.transitorySince[key] = now
			return
		}
		if now.Sub(since) >= l.opts.StuckAfter {
			log.Printf("[enforcer] %s stuck in %s for %s", key, sum.State, now.Sub(since).Round(time.Second))
			l.opts.Notifier.Notify(ctx, audit.Event{
				Kind:    audit.KindHostStuck,
				Target:  sum.ID,
				Message: fmt.Sprintf("stuck in state %s since %s", sum.State, since.Format(time.RFC3339)),
				TraceID: trace.FromContext(ctx),
			})
			// Reported once; re-arm only after the state changes.
			l.transitorySince[key] = now
		}
		return
	}
	delete(l.transitorySince, key)

	if sum.State != host.StateRunning {
		return
	}

	blob, err := prov.HostState(sum.ID)
	if err != nil {
		// Ledger-only or unmanaged hosts carry no certified policy.
		return
	}
	policy := blob.IdlePolicy()
	if policy.Mode == idle.ModeDisabled || policy.Timeout <= 0 {
		return
	}

	last, eligible := l.lastActivity(ctx, prov, sum, policy)
	if !eligible {
		return
	}
	idleFor := now.Sub(last)
	if idleFor < policy.Timeout+l.opts.Grace {
		return
	}

	log.Printf("[enforcer] %s idle for %s (timeout %s), forcing stop", key, idleFor.Round(time.Second), policy.Timeout)
	if err := l.opts.Fleet.Stop(ctx, prov.Name(), sum.ID, true); err != nil {
		log.Printf("[enforcer] %s: forced stop failed: %v", key, err)
		l.opts.Notifier.Notify(ctx, audit.Event{
			Kind:    audit.KindError,
			Target:  sum.ID,
			Message: fmt.Sprintf("forced stop failed: %v", err),
			TraceID: trace.FromContext(ctx),
		})
		return
	}
	l.opts.Notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindHostEnforced,
		Target:  sum.ID,
		Message: fmt.Sprintf("idle %s exceeded timeout %s, forced stop on %s", idleFor.Round(time.Second), policy.Timeout, prov.Name()),
		TraceID: trace.FromContext(ctx),
	})
}

// lastActivity derives the freshest relevant activity time visible from the
// controller. Reported markers cover user, agent, and ssh activity; the
// lifecycle sources fall back to the provider-visible boot time, which is
// never older than the markers those sources would have written. A policy
// whose sources are all unobservable yields not-eligible, keeping the host
// alive rather than enforcing on a guess.
func (l *Loop) lastActivity(ctx context.Context, prov provider.Instance, sum provider.HostSummary, policy idle.Policy) (time.Time, bool) {
	rep, err := prov.ReportedActivity(ctx, sum.ID)
	if err != nil {
		log.Printf("[enforcer] %s/%s: reading reported activity: %v", prov.Name(), sum.ID, err)
		return time.Time{}, false
	}
	act := rep.Untrusted()

	var sources []string
	if policy.Mode == idle.ModeIO {
		for _, src := range policy.Sources {
			sources = append(sources, string(src))
		}
	} else {
		sources = []string{string(policy.Mode)}
	}

	var last time.Time
	var any bool
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if !any || t.After(last) {
			last = t
			any = true
		}
	}
	for _, src := range sources {
		switch src {
		case "user":
			consider(act.User)
		case "agent":
			consider(act.Agent)
		case "ssh":
			consider(act.SSH)
		case "boot", "create", "start", "process", "run":
			consider(sum.BootTime)
		}
	}
	return last, any
}
