// Package audit posts concise summaries of lifecycle, enforcement, and GC
// events to a Matrix audit room, so operators can watch fleet activity
// without tailing logs on every controller.
//
// Notifications are best-effort: send failures are logged and never
// propagated to the operation that produced the event.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmelnic/stevedore/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindHostCreated     Kind = "host.created"
	KindHostStarted     Kind = "host.started"
	KindHostStopped     Kind = "host.stopped"
	KindHostDestroyed   Kind = "host.destroyed"
	KindHostSnapshotted Kind = "host.snapshotted"
	// KindHostEnforced marks a forced stop by the enforcement loop: the
	// host should have shut itself down and didn't.
	KindHostEnforced Kind = "host.enforced"
	// KindHostStuck marks a host that exceeded the transitory-state
	// timeout.
	KindHostStuck   Kind = "host.stuck"
	KindGCCompleted Kind = "gc.completed"
	KindError       Kind = "error"
)

// Event carries the data the notifier formats and sends.
type Event struct {
	Kind Kind
	// Target is the primary resource affected (host name or ID).
	Target string
	// Message is a human-friendly description of what happened.
	Message string
	// TraceID correlates the notification with controller logs. When
	// empty it is taken from the context.
	TraceID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier sends audit notifications. Implementations must not block the
// caller beyond a short timeout; failures are logged, not returned.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client the notifier needs, split out
// so the notifier is unit-testable without a homeserver.
type Sender interface {
	SendNotice(roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix audit room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier posting to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats evt and posts it. Errors are logged at WARN level.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}

	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	msg := fmt.Sprintf("[%s] %s", evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("[%s] %s: %s", evt.Kind, evt.Target, evt.Message)
	}
	if tid != "" {
		msg = fmt.Sprintf("%s\n  trace: %s", msg, tid)
	}

	if err := n.sender.SendNotice(n.roomID, msg); err != nil {
		slog.Warn("audit: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
	}
}

// Noop is the Notifier used when audit notifications are not configured.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}
