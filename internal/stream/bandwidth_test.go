// Package stream — bandwidth_test.go

package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetedge/fleetedge/internal/event"
)

// staticNetwork returns a fixed health report.
type staticNetwork struct{ n event.NetworkHealth }

func (s *staticNetwork) Network() event.NetworkHealth { return s.n }

func TestAdvisedKBps_Derivation(t *testing.T) {
	tests := []struct {
		name    string
		max     int
		network event.NetworkHealth
		want    int
	}{
		{"healthy link keeps ceiling", 1024, event.NetworkHealth{LatencyMS: 50}, 1024},
		{"high latency halves", 1024, event.NetworkHealth{LatencyMS: 250}, 512},
		{"loss quarters", 1024, event.NetworkHealth{LatencyMS: 50, PacketLossPercent: 6}, 256},
		{"latency and loss compound", 1024, event.NetworkHealth{LatencyMS: 250, PacketLossPercent: 6}, 128},
		{"clamped to measured", 1024, event.NetworkHealth{LatencyMS: 50, BandwidthKBps: 300}, 300},
		{"floor applies", 1024, event.NetworkHealth{LatencyMS: 300, PacketLossPercent: 50, BandwidthKBps: 10}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewBandwidthManager(tt.max, 1<<20, &staticNetwork{tt.network}, nil)
			assert.Equal(t, tt.want, m.AdvisedKBps())
		})
	}
}

func TestWait_CriticalBypassesBucket(t *testing.T) {
	// Tiny cap: a large non-critical wait would block; critical returns
	// immediately.
	m := NewBandwidthManager(50, 2048, &staticNetwork{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, m.Wait(ctx, 1<<20, true))
	assert.Less(t, time.Since(start), 10*time.Millisecond, "critical must not wait")
}

func TestWait_NonCriticalThrottled(t *testing.T) {
	m := NewBandwidthManager(50, 2048, &staticNetwork{}, nil)

	// Exhaust the burst, then a second wait must block until refill or
	// context expiry.
	require.NoError(t, m.Wait(context.Background(), 2048, false))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Wait(ctx, 2048, false)
	assert.Error(t, err, "second full-burst wait should outlive the context at 50 KBps")
}
