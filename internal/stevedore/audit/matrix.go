package audit

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/dmelnic/stevedore/common/redact"
	"github.com/dmelnic/stevedore/common/retry"
)

// MatrixConfig holds the credentials for the audit room connection.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
}

// matrixSender is a send-only Matrix client. The notifier never syncs or
// receives events, so no sync store is needed.
type matrixSender struct {
	client *mautrix.Client
	token  string
}

// sendTimeout bounds each notice so a slow homeserver cannot stall a
// lifecycle operation.
const sendTimeout = 5 * time.Second

// sendRetry smooths over transient homeserver hiccups without pushing the
// total send time past what a lifecycle operation can absorb.
var sendRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 300 * time.Millisecond,
	MaxDelay:     time.Second,
}

// NewMatrix builds a Notifier from cfg, or Noop when cfg is incomplete.
func NewMatrix(cfg MatrixConfig) (Notifier, error) {
	if cfg.Homeserver == "" || cfg.RoomID == "" {
		return Noop{}, nil
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("audit: matrix client: %w", err)
	}
	return NewMatrixNotifier(&matrixSender{client: client, token: cfg.AccessToken}, cfg.RoomID), nil
}

// SendNotice implements Sender with a notice message, which most clients
// render less intrusively than a normal message.
func (s *matrixSender) SendNotice(roomID, message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	err := retry.Do(ctx, sendRetry, func() error {
		_, err := s.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
		return err
	})
	if err != nil {
		// Homeserver errors can echo request details; keep the token out of
		// whatever ends up in logs.
		return fmt.Errorf("send notice: %s", redact.String(err.Error(), s.token))
	}
	return nil
}
