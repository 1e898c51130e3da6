// Package main — cmd/truckagent-sim/main.go
//
// Truck scenario simulator.
//
// Purpose: validate the trigger and debounce behaviour of the alert
// pipeline against synthetic driving scenarios before flashing a vehicle.
// The simulator generates sensor and ML event streams, runs them through
// the real trigger engine and debouncer, and reports which alerts fire.
//
// Scenarios:
//
//	normal  — steady cruising: gentle accelerations, legal speeds,
//	          confident-awake driver. Expected: zero alerts.
//	harsh   — stop-and-go with braking spikes and over-speed bursts.
//	          Expected: HarshBraking / OverSpeeding inside cooldown caps.
//	drowsy  — fatigued driver: drowsiness confidence ramps above 0.8.
//	          Expected: exactly one DrowsyDriver alert per cooldown window.
//
// Output: per-step CSV to stdout (step, event, g_force, speed_kmh,
// confidence, alert). Summary: alert totals to stderr.
//
// Usage:
//
//	truckagent-sim -scenario harsh -steps 1000 -seed 42

package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/fleetedge/fleetedge/internal/alert"
	"github.com/fleetedge/fleetedge/internal/event"
)

func main() {
	scenario := flag.String("scenario", "normal", "Scenario: normal, harsh, drowsy")
	steps := flag.Int("steps", 1000, "Number of simulation steps")
	stepMillis := flag.Int("step-ms", 100, "Simulated milliseconds per step")
	seed := flag.Int64("seed", 1, "PRNG seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	engine := alert.NewEngine()
	debouncer := alert.NewDebouncer(map[alert.Type]time.Duration{
		alert.TypeDrowsyDriver:  30 * time.Second,
		alert.TypeLaneDeparture: 10 * time.Second,
		alert.TypeHarshBraking:  5 * time.Second,
	}, 5*time.Second, nil)

	w := csv.NewWriter(os.Stdout)
	defer w.Flush()
	_ = w.Write([]string{"step", "event", "g_force", "speed_kmh", "confidence", "alert"})

	counts := map[alert.Type]int{}
	suppressed := 0

	for step := 0; step < *steps; step++ {
		var fired *alert.Alert
		var kind string
		var g, speed, confidence float64

		switch *scenario {
		case "harsh":
			kind = "imu"
			// Braking spike every ~3 simulated seconds.
			g = 0.2 + 0.15*rng.Float64()
			if step%30 == 0 {
				g = 0.85 + 0.4*rng.Float64()
			}
			ev := imuEvent(g, rng)
			fired = engine.FromSensor(&ev)
			if step%45 == 17 {
				kind = "obd"
				speed = 121 + 20*rng.Float64()
				obd := obdEvent(speed)
				fired = engine.FromSensor(&obd)
			}
		case "drowsy":
			kind = "ml"
			confidence = 0.5 + 0.45*math.Min(1.0, float64(step)/float64(*steps/2))
			ml := event.MLEvent{
				Model:                "drowsiness",
				DeviceID:             "sim-truck",
				Timestamp:            time.Now().UTC(),
				CalibratedConfidence: confidence,
				Drowsiness:           &event.Drowsiness{IsDrowsy: confidence > 0.6},
			}
			fired = engine.FromML(&ml)
		default: // normal
			kind = "imu"
			g = 0.1 + 0.3*rng.Float64()
			speed = 70 + 30*rng.Float64()
			ev := imuEvent(g, rng)
			fired = engine.FromSensor(&ev)
		}

		alertName := "-"
		if fired != nil {
			if debouncer.ShouldSuppress(fired) {
				suppressed++
				alertName = "(suppressed)"
			} else {
				counts[fired.Type]++
				alertName = string(fired.Type)
			}
		}

		_ = w.Write([]string{
			strconv.Itoa(step),
			kind,
			fmt.Sprintf("%.3f", g),
			fmt.Sprintf("%.1f", speed),
			fmt.Sprintf("%.3f", confidence),
			alertName,
		})

		time.Sleep(time.Duration(*stepMillis) * time.Millisecond / 100) // 1% of real time
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "scenario=%s steps=%d suppressed=%d\n", *scenario, *steps, suppressed)
	for t, n := range counts {
		fmt.Fprintf(os.Stderr, "  %s: %d\n", t, n)
	}
}

// imuEvent builds an IMU reading with the given total g split over axes.
func imuEvent(g float64, rng *rand.Rand) event.SensorEvent {
	angle := rng.Float64() * 2 * math.Pi
	return event.SensorEvent{
		SensorID:   "imu-0",
		SensorType: event.SensorIMU,
		Timestamp:  time.Now().UTC(),
		IMU: &event.IMUData{
			AccelX: float32(g * math.Cos(angle)),
			AccelY: float32(g * math.Sin(angle)),
		},
	}
}

// obdEvent builds an OBD reading at the given speed.
func obdEvent(speedKMH float64) event.SensorEvent {
	return event.SensorEvent{
		SensorID:   "obd-0",
		SensorType: event.SensorOBD,
		Timestamp:  time.Now().UTC(),
		OBD: &event.OBDData{
			RPM:      1800,
			SpeedKMH: uint8(math.Min(speedKMH, 255)),
		},
	}
}
