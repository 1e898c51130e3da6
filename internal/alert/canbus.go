// Package alert — canbus.go
//
// CAN bus actuator.
//
// Parameter schema:
//
//	{can_id: u32, data: [u8; 0..=8]}
//
// The interface is opened once and owned by the actuator singleton; it
// cannot be cloned, and the raw interface is not safe for concurrent
// writes, so the actuator serialises internally.
//
// The FrameWriter seam isolates the device surface: production wires an
// SLCAN serial writer (cmd/truckagent/drivers.go), tests wire a fake.

package alert

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"
)

// canMaxDataLen is the classical CAN frame payload limit.
const canMaxDataLen = 8

// FrameWriter writes one CAN frame to the interface.
type FrameWriter interface {
	WriteFrame(canID uint32, data []byte) error
}

// CanBusActuator sends alert frames onto the vehicle bus.
type CanBusActuator struct {
	iface  string
	writer FrameWriter
	log    *zap.Logger

	// Serialises writes; the raw socket is thread-hostile.
	writeCh chan struct{}
}

// NewCanBusActuator wraps an opened CAN interface.
func NewCanBusActuator(iface string, writer FrameWriter, log *zap.Logger) *CanBusActuator {
	if log == nil {
		log = zap.NewNop()
	}
	a := &CanBusActuator{
		iface:   iface,
		writer:  writer,
		log:     log,
		writeCh: make(chan struct{}, 1),
	}
	a.writeCh <- struct{}{}
	return a
}

// Kind implements Actuator.
func (a *CanBusActuator) Kind() ActionType { return ActionSendCanMessage }

// Trigger implements Actuator. Validates the parameter schema, builds the
// frame, and writes it under the internal serialisation token.
func (a *CanBusActuator) Trigger(ctx context.Context, alert *Alert, action Action) error {
	canID, ok, err := paramUint(action.Parameters, "can_id")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCAN, err)
	}
	if !ok {
		return fmt.Errorf("%w: can_id not specified", ErrCAN)
	}
	if canID > 0x1FFFFFFF {
		return fmt.Errorf("%w: can_id 0x%X exceeds 29-bit extended range", ErrCAN, canID)
	}

	data, ok, err := paramBytes(action.Parameters, "data")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCAN, err)
	}
	if !ok {
		return fmt.Errorf("%w: data not specified", ErrCAN)
	}
	if len(data) > canMaxDataLen {
		return fmt.Errorf("%w: data too long (%d bytes, max %d)", ErrCAN, len(data), canMaxDataLen)
	}

	select {
	case <-a.writeCh:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCAN, ctx.Err())
	}
	defer func() { a.writeCh <- struct{}{} }()

	if err := a.writer.WriteFrame(uint32(canID), data); err != nil {
		return fmt.Errorf("%w: write frame on %s: %v", ErrCAN, a.iface, err)
	}

	a.log.Info("can frame sent",
		zap.String("alert_id", alert.AlertID),
		zap.Uint64("can_id", canID),
		zap.String("data", hex.EncodeToString(data)))
	return nil
}
