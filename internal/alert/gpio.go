// Package alert — gpio.go
//
// GPIO pulse and relay toggle actuators.
//
// Parameter schema (both):
//
//	{pin: u8, state: bool, duration_ms: u64}
//
// GpioPulse drives the pin to state for duration_ms, then restores the
// inverse. RelayToggle latches the relay pin to state; duration_ms of 0
// means latch without restore.

package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PinDriver sets one GPIO line. Implementations wrap the sysfs/gpiod
// interface; tests wrap a map.
type PinDriver interface {
	Set(pin uint8, state bool) error
}

// gpioParams extracts the shared pin/state/duration schema.
func gpioParams(action Action, sentinel error) (pin uint8, state bool, duration time.Duration, err error) {
	p, ok, perr := paramUint(action.Parameters, "pin")
	if perr != nil {
		return 0, false, 0, fmt.Errorf("%w: %v", sentinel, perr)
	}
	if !ok {
		return 0, false, 0, fmt.Errorf("%w: pin not specified", sentinel)
	}
	if p > 255 {
		return 0, false, 0, fmt.Errorf("%w: pin %d out of range", sentinel, p)
	}

	state, ok, perr = paramBool(action.Parameters, "state")
	if perr != nil {
		return 0, false, 0, fmt.Errorf("%w: %v", sentinel, perr)
	}
	if !ok {
		return 0, false, 0, fmt.Errorf("%w: state not specified", sentinel)
	}

	ms, _, perr := paramUint(action.Parameters, "duration_ms")
	if perr != nil {
		return 0, false, 0, fmt.Errorf("%w: %v", sentinel, perr)
	}
	return uint8(p), state, time.Duration(ms) * time.Millisecond, nil
}

// GpioActuator pulses a GPIO line (buzzer, beacon lamp).
type GpioActuator struct {
	mu     sync.Mutex
	driver PinDriver
	log    *zap.Logger
}

// NewGpioActuator wraps a pin driver.
func NewGpioActuator(driver PinDriver, log *zap.Logger) *GpioActuator {
	if log == nil {
		log = zap.NewNop()
	}
	return &GpioActuator{driver: driver, log: log}
}

// Kind implements Actuator.
func (a *GpioActuator) Kind() ActionType { return ActionGpioPulse }

// Trigger implements Actuator.
func (a *GpioActuator) Trigger(ctx context.Context, alert *Alert, action Action) error {
	pin, state, duration, err := gpioParams(action, ErrGPIO)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.driver.Set(pin, state); err != nil {
		return fmt.Errorf("%w: set pin %d: %v", ErrGPIO, pin, err)
	}
	a.log.Info("gpio pulse",
		zap.String("alert_id", alert.AlertID),
		zap.Uint8("pin", pin), zap.Bool("state", state),
		zap.Duration("duration", duration))

	if duration > 0 {
		select {
		case <-time.After(duration):
		case <-ctx.Done():
		}
		if err := a.driver.Set(pin, !state); err != nil {
			return fmt.Errorf("%w: restore pin %d: %v", ErrGPIO, pin, err)
		}
	}
	return nil
}

// RelayActuator latches a relay line (fuel cut-off, aux power).
type RelayActuator struct {
	mu     sync.Mutex
	driver PinDriver
	log    *zap.Logger
}

// NewRelayActuator wraps a pin driver.
func NewRelayActuator(driver PinDriver, log *zap.Logger) *RelayActuator {
	if log == nil {
		log = zap.NewNop()
	}
	return &RelayActuator{driver: driver, log: log}
}

// Kind implements Actuator.
func (a *RelayActuator) Kind() ActionType { return ActionRelayToggle }

// Trigger implements Actuator.
func (a *RelayActuator) Trigger(ctx context.Context, alert *Alert, action Action) error {
	pin, state, duration, err := gpioParams(action, ErrRelay)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.driver.Set(pin, state); err != nil {
		return fmt.Errorf("%w: set relay %d: %v", ErrRelay, pin, err)
	}
	a.log.Info("relay toggled",
		zap.String("alert_id", alert.AlertID),
		zap.Uint8("pin", pin), zap.Bool("state", state))

	if duration > 0 {
		select {
		case <-time.After(duration):
		case <-ctx.Done():
		}
		if err := a.driver.Set(pin, !state); err != nil {
			return fmt.Errorf("%w: restore relay %d: %v", ErrRelay, pin, err)
		}
	}
	return nil
}
