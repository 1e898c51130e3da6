// Package stream — bandwidth.go
//
// Bandwidth management.
//
// A token bucket (golang.org/x/time/rate, in bytes per second) paces batch
// sends. The advised cap derives from measured network health:
//
//	start at the configured ceiling
//	latency > 200 ms        → halve
//	packet loss > 5 %       → quarter
//	measured bandwidth lower → clamp to it
//	floor: 50 KBps
//
// Critical batches bypass the bucket entirely: an Emergency alert must not
// queue behind bulk telemetry.

package stream

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/fleetedge/fleetedge/internal/event"
	"github.com/fleetedge/fleetedge/internal/observability"
)

const (
	// floorKBps is the minimum advised send rate.
	floorKBps = 50

	degradeLatencyMS   = 200.0
	degradeLossPercent = 5.0
)

// NetworkReader exposes the shared network health cell (the health
// monitor).
type NetworkReader interface {
	Network() event.NetworkHealth
}

// BandwidthManager advises and enforces the send rate cap.
type BandwidthManager struct {
	maxKBps int
	network NetworkReader
	metrics *observability.Metrics

	limiter *rate.Limiter
}

// NewBandwidthManager creates the manager. burstBytes should cover one
// full batch so a single WaitN never exceeds the burst.
func NewBandwidthManager(maxKBps int, burstBytes int, network NetworkReader, metrics *observability.Metrics) *BandwidthManager {
	if maxKBps < floorKBps {
		maxKBps = floorKBps
	}
	if burstBytes < 1024 {
		burstBytes = 1024
	}
	return &BandwidthManager{
		maxKBps: maxKBps,
		network: network,
		metrics: metrics,
		limiter: rate.NewLimiter(rate.Limit(maxKBps*1024), burstBytes),
	}
}

// AdvisedKBps computes the current cap from network health.
func (m *BandwidthManager) AdvisedKBps() int {
	advised := m.maxKBps
	if m.network != nil {
		n := m.network.Network()
		if n.LatencyMS > degradeLatencyMS {
			advised /= 2
		}
		if n.PacketLossPercent > degradeLossPercent {
			advised /= 4
		}
		if n.BandwidthKBps > 0 && n.BandwidthKBps < float64(advised) {
			advised = int(n.BandwidthKBps)
		}
	}
	if advised < floorKBps {
		advised = floorKBps
	}
	return advised
}

// Refresh re-reads network health and updates the limiter. Called on the
// probe cadence.
func (m *BandwidthManager) Refresh() {
	advised := m.AdvisedKBps()
	m.limiter.SetLimit(rate.Limit(advised * 1024))
	if m.metrics != nil {
		m.metrics.StreamBandwidthLimitKBps.Set(float64(advised))
	}
}

// Wait blocks until n bytes of budget are available. Critical sends bypass
// the bucket.
func (m *BandwidthManager) Wait(ctx context.Context, n int, critical bool) error {
	if critical {
		return nil
	}
	if n > m.limiter.Burst() {
		n = m.limiter.Burst()
	}
	return m.limiter.WaitN(ctx, n)
}
