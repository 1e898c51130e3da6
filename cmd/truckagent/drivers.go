// Package main — drivers.go
//
// Thin hardware adapters behind the actuator seams. These are the only
// places the agent touches device files; everything above them goes
// through the alert.Actuator interfaces.
//
//   - GPIO: sysfs value files (/sys/class/gpio/gpioN/value). Pins are
//     assumed exported and direction-configured by the provisioning image.
//   - CAN: SLCAN ASCII framing over a serial adapter (t<id><len><data>\r).
//     Pure Go, no raw socket privileges needed.
//   - Display: the cab display daemon consumes lines on a FIFO; absent
//     that (bench rigs), messages fall through to the log.

package main

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// sysfsPinDriver drives GPIO lines through sysfs.
type sysfsPinDriver struct {
	basePath string // normally /sys/class/gpio
}

func (d *sysfsPinDriver) Set(pin uint8, state bool) error {
	path := fmt.Sprintf("%s/gpio%d/value", d.basePath, pin)
	value := []byte("0")
	if state {
		value = []byte("1")
	}
	if err := os.WriteFile(path, value, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// slcanFrameWriter emits classical CAN frames in SLCAN ASCII framing over
// a serial adapter device.
type slcanFrameWriter struct {
	mu   sync.Mutex
	dev  *os.File
	path string
}

func openSlcan(path string) (*slcanFrameWriter, error) {
	dev, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open slcan device %s: %w", path, err)
	}
	return &slcanFrameWriter{dev: dev, path: path}, nil
}

func (w *slcanFrameWriter) WriteFrame(canID uint32, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var frame string
	if canID <= 0x7FF {
		frame = fmt.Sprintf("t%03X%d", canID, len(data))
	} else {
		frame = fmt.Sprintf("T%08X%d", canID, len(data))
	}
	for _, b := range data {
		frame += fmt.Sprintf("%02X", b)
	}
	frame += "\r"

	if _, err := w.dev.WriteString(frame); err != nil {
		return fmt.Errorf("write %s: %w", w.path, err)
	}
	return nil
}

func (w *slcanFrameWriter) Close() error { return w.dev.Close() }

// fifoPanel hands display lines to the cab display daemon's FIFO; when the
// FIFO is absent the message goes to the log so bench rigs still show it.
type fifoPanel struct {
	mu   sync.Mutex
	path string
	log  *zap.Logger
}

func (p *fifoPanel) Show(message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// O_NONBLOCK: opening a FIFO for writing blocks until a reader
	// appears, which would hang the dispatch slot past its timeout.
	f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_APPEND|syscall.O_NONBLOCK, 0)
	if err != nil {
		p.log.Info("display (no panel)", zap.String("message", message))
		return nil
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, message)
	return err
}

func (p *fifoPanel) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_APPEND|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil
	}
	defer f.Close()
	_, err = fmt.Fprintln(f)
	return err
}
