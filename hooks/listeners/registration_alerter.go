package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusledger/hooks"
)

// RegistrationAlerterListener logs each registration and warns once the
// number of registered users reaches a capacity threshold.
type RegistrationAlerterListener struct {
	logger    *slog.Logger
	threshold uint64
}

// NewRegistrationAlerterListener creates a listener. A zero threshold disables the warning.
func NewRegistrationAlerterListener(logger *slog.Logger, threshold uint64) *RegistrationAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RegistrationAlerterListener{
		logger:    logger.With("component", "RegistrationAlerterListener"),
		threshold: threshold,
	}
}

// OnEvent handles the PostRegisterUser event.
func (l *RegistrationAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostRegisterUser {
		return nil
	}

	payload, ok := event.Payload().(hooks.RegisterUserPayload)
	if !ok {
		l.logger.Error("Received PostRegisterUser event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	l.logger.Info("User registered", "user_id", payload.UserID, "username", payload.Username)
	// Ids are dense, so id+1 is the number of registered users.
	if l.threshold > 0 && payload.UserID+1 >= l.threshold {
		l.logger.Warn("Registered user count reached threshold",
			"users", payload.UserID+1,
			"threshold", l.threshold,
		)
	}
	return nil
}

// Priority defines the execution order.
func (l *RegistrationAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *RegistrationAlerterListener) IsAsync() bool { return true }
