// Package alert — display.go
//
// Cab display actuator.
//
// Parameter schema:
//
//	{message: string (default: alert message), duration_ms: u64 (default 5000)}
//
// The I2C display controller is a single shared device; the actuator
// serialises rendering internally and holds the message for duration_ms
// before releasing the panel.

package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultDisplayDuration applies when duration_ms is absent.
const defaultDisplayDuration = 5000 * time.Millisecond

// Panel renders a message on the physical display.
type Panel interface {
	Show(message string) error
	Clear() error
}

// DisplayActuator shows alert text on the cab display.
type DisplayActuator struct {
	mu    sync.Mutex
	panel Panel
	log   *zap.Logger
}

// NewDisplayActuator wraps an initialised display panel.
func NewDisplayActuator(panel Panel, log *zap.Logger) *DisplayActuator {
	if log == nil {
		log = zap.NewNop()
	}
	return &DisplayActuator{panel: panel, log: log}
}

// Kind implements Actuator.
func (a *DisplayActuator) Kind() ActionType { return ActionShowOnDisplay }

// Trigger implements Actuator.
func (a *DisplayActuator) Trigger(ctx context.Context, alert *Alert, action Action) error {
	message, ok := paramString(action.Parameters, "message")
	if !ok || message == "" {
		message = alert.Message
	}

	durationMS, present, err := paramUint(action.Parameters, "duration_ms")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisplay, err)
	}
	duration := defaultDisplayDuration
	if present {
		duration = time.Duration(durationMS) * time.Millisecond
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.panel.Show(message); err != nil {
		return fmt.Errorf("%w: show: %v", ErrDisplay, err)
	}
	a.log.Info("alert shown on display",
		zap.String("alert_id", alert.AlertID),
		zap.String("message", message),
		zap.Duration("duration", duration))

	select {
	case <-time.After(duration):
	case <-ctx.Done():
	}
	if err := a.panel.Clear(); err != nil {
		return fmt.Errorf("%w: clear: %v", ErrDisplay, err)
	}
	return nil
}
