// Package bench — walbench/main.go
//
// WAL latency measurement tool.
//
// Measures append and flush latency against a throwaway BoltDB file to
// size the flush interval and batch bounds for a vehicle's storage medium
// (eMMC vs SD card behave very differently under fsync).
//
// Method:
//  1. Opens a WAL in a temp directory.
//  2. Appends synthetic telemetry entries of the configured size.
//  3. Flushes on the configured cadence.
//  4. Records per-operation wall-clock latency.
//
// Output CSV columns:
//
//	iteration, op (append/flush), latency_us
//
// Summary (stderr): p50 / p99 / max per operation.
//
// Usage:
//
//	walbench -iterations 10000 -payload-bytes 512 -flush-every 100

package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fleetedge/fleetedge/internal/event"
	"github.com/fleetedge/fleetedge/internal/wal"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of appends to measure")
	payloadBytes := flag.Int("payload-bytes", 512, "Approximate payload size")
	flushEvery := flag.Int("flush-every", 100, "Appends between explicit flushes")
	outputFile := flag.String("output", "wal_latency.csv", "Output CSV file path")
	dir := flag.String("dir", "", "Directory for the bench database (default: temp)")
	flag.Parse()

	benchDir := *dir
	if benchDir == "" {
		var err error
		benchDir, err = os.MkdirTemp("", "walbench-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "mkdtemp: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(benchDir)
	}

	w, err := wal.Open(filepath.Join(benchDir, "bench.db"), wal.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "wal open: %v\n", err)
		os.Exit(1)
	}
	defer w.Close()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	out := csv.NewWriter(f)
	defer out.Flush()
	_ = out.Write([]string{"iteration", "op", "latency_us"})

	var appendLat, flushLat []float64
	payload := makePayload(*payloadBytes)

	for i := 0; i < *iterations; i++ {
		start := time.Now()
		if _, err := w.Append(payload); err != nil {
			fmt.Fprintf(os.Stderr, "append %d: %v\n", i, err)
			os.Exit(1)
		}
		us := float64(time.Since(start).Microseconds())
		appendLat = append(appendLat, us)
		_ = out.Write([]string{strconv.Itoa(i), "append", fmt.Sprintf("%.0f", us)})

		if *flushEvery > 0 && (i+1)%*flushEvery == 0 {
			start = time.Now()
			if err := w.Flush(); err != nil {
				fmt.Fprintf(os.Stderr, "flush at %d: %v\n", i, err)
				os.Exit(1)
			}
			us = float64(time.Since(start).Microseconds())
			flushLat = append(flushLat, us)
			_ = out.Write([]string{strconv.Itoa(i), "flush", fmt.Sprintf("%.0f", us)})
		}
	}
	out.Flush()

	report("append", appendLat)
	report("flush", flushLat)
}

// makePayload builds a telemetry payload with a random IMU block whose
// sensor ID is padded so the entry is roughly the target size.
func makePayload(size int) event.Payload {
	id := "bench-imu"
	if len(id) < size {
		id += strings.Repeat("x", size-len(id))
	}
	return event.Payload{
		Kind: event.KindTelemetry,
		Telemetry: &event.SensorEvent{
			SensorID:   id,
			SensorType: event.SensorIMU,
			Timestamp:  time.Now().UTC(),
			IMU: &event.IMUData{
				AccelX: rand.Float32(),
				AccelY: rand.Float32(),
				AccelZ: rand.Float32(),
			},
		},
	}
}

// report prints p50/p99/max for one operation.
func report(op string, lat []float64) {
	if len(lat) == 0 {
		return
	}
	sort.Float64s(lat)
	p := func(q float64) float64 {
		idx := int(q * float64(len(lat)-1))
		return lat[idx]
	}
	fmt.Fprintf(os.Stderr, "%s: n=%d p50=%.0fµs p99=%.0fµs max=%.0fµs\n",
		op, len(lat), p(0.50), p(0.99), lat[len(lat)-1])
}
