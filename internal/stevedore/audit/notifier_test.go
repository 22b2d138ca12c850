package audit_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dmelnic/stevedore/common/trace"
	"github.com/dmelnic/stevedore/internal/stevedore/audit"
)

// fakeSender records notices and optionally fails.
type fakeSender struct {
	notices []string
	err     error
}

func (f *fakeSender) SendNotice(_, message string) error {
	if f.err != nil {
		return f.err
	}
	f.notices = append(f.notices, message)
	return nil
}

// TestNotifyFormatsEvent verifies kind, target, and trace ID all land in the
// notice body.
func TestNotifyFormatsEvent(t *testing.T) {
	sender := &fakeSender{}
	n := audit.NewMatrixNotifier(sender, "!room:example.org")

	ctx := trace.WithTraceID(context.Background(), "tr-123")
	n.Notify(ctx, audit.Event{
		Kind:    audit.KindHostStopped,
		Target:  "ci-worker-3",
		Message: "stopped with snapshot",
	})

	if len(sender.notices) != 1 {
		t.Fatalf("notices = %d, want 1", len(sender.notices))
	}
	got := sender.notices[0]
	for _, want := range []string{"host.stopped", "ci-worker-3", "stopped with snapshot", "tr-123"} {
		if !strings.Contains(got, want) {
			t.Errorf("notice %q missing %q", got, want)
		}
	}
}

// TestNotifySwallowsSendErrors verifies notifications stay best-effort.
func TestNotifySwallowsSendErrors(t *testing.T) {
	sender := &fakeSender{err: errors.New("homeserver unavailable")}
	n := audit.NewMatrixNotifier(sender, "!room:example.org")

	// Must not panic or propagate; the caller has no error to handle.
	n.Notify(context.Background(), audit.Event{Kind: audit.KindError, Message: "boom"})
}
