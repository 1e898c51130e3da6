// Package wal — codec_test.go
//
// Encode-then-decode is identity for every payload variant, compression
// kicks in above the threshold, and unknown markers fail loudly.

package wal

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetedge/fleetedge/internal/event"
)

func mustCodec(t *testing.T, threshold int, sealer *Sealer) *codec {
	t.Helper()
	c, err := newCodec(threshold, sealer)
	require.NoError(t, err)
	return c
}

// payloadVariants exercises every member of the union.
func payloadVariants() map[string]event.Payload {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return map[string]event.Payload{
		"telemetry": {
			Kind: event.KindTelemetry,
			Telemetry: &event.SensorEvent{
				SensorID:   "gps-0",
				SensorType: event.SensorGPS,
				Timestamp:  ts,
				GPS: &event.GPSData{
					Latitude: 52.52, Longitude: 13.405, SpeedKMH: 83.5, Satellites: 9,
				},
			},
		},
		"alert": {
			Kind: event.KindAlert,
			Alert: &event.AlertRecord{
				AlertID: "a-1", AlertType: "HarshBraking", Severity: "Warning",
				Message: "Harsh braking detected", SourceID: "imu-0", Timestamp: ts,
			},
		},
		"ml": {
			Kind: event.KindML,
			ML: &event.MLEvent{
				Model: "drowsiness", DeviceID: "truck-7", Timestamp: ts,
				CalibratedConfidence: 0.93,
				Drowsiness:           &event.Drowsiness{IsDrowsy: true, EyeClosureRate: 0.4},
			},
		},
		"health": {
			Kind: event.KindHealth,
			Health: &event.HealthEvent{
				Timestamp: ts, Level: event.HealthWarning, Resource: "disk",
				Usage: event.ResourceUsage{DiskPercent: 78.2},
			},
		},
		"heartbeat": {
			Kind: event.KindHeartbeat,
			Heartbeat: &event.Heartbeat{
				Timestamp: ts, UptimeSec: 3600, MemoryUsedBytes: 1 << 28,
			},
		},
	}
}

func TestCodec_RoundTripAllVariants(t *testing.T) {
	c := mustCodec(t, 4096, nil)

	for name, payload := range payloadVariants() {
		t.Run(name, func(t *testing.T) {
			raw, err := c.encodePayload(&payload)
			require.NoError(t, err)

			entry := Entry{
				Seq:       42,
				EventID:   "ev-" + name,
				Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			}
			stored, err := c.encodeEnvelope(&entry, raw)
			require.NoError(t, err)

			decoded, err := c.decodeEnvelope(stored)
			require.NoError(t, err)
			assert.Equal(t, entry.Seq, decoded.Seq)
			assert.Equal(t, entry.EventID, decoded.EventID)
			assert.Equal(t, payload, decoded.Payload)
			assert.Nil(t, decoded.Compression, "small payloads stay uncompressed")
		})
	}
}

func TestCodec_CompressesAboveThreshold(t *testing.T) {
	c := mustCodec(t, 64, nil)

	// A payload with a long repetitive message compresses well.
	payload := event.Payload{
		Kind: event.KindAlert,
		Alert: &event.AlertRecord{
			AlertID:   "a-big",
			AlertType: "CargoTamper",
			Message:   string(bytes.Repeat([]byte("tamper "), 200)),
			Timestamp: time.Now().UTC(),
		},
	}
	raw, err := c.encodePayload(&payload)
	require.NoError(t, err)
	require.Greater(t, len(raw), 64)

	entry := Entry{Seq: 1, EventID: "ev-big", Timestamp: time.Now().UTC()}
	stored, err := c.encodeEnvelope(&entry, raw)
	require.NoError(t, err)

	require.NotNil(t, entry.Compression)
	assert.Equal(t, "zstd", entry.Compression.Algorithm)
	assert.Less(t, len(stored), len(raw), "repetitive payload must shrink")

	decoded, err := c.decodeEnvelope(stored)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded.Payload)
}

func TestCodec_UnknownMarkerRejected(t *testing.T) {
	c := mustCodec(t, 4096, nil)

	payload := payloadVariants()["heartbeat"]
	raw, err := c.encodePayload(&payload)
	require.NoError(t, err)

	entry := Entry{Seq: 1, EventID: "ev", Timestamp: time.Now().UTC()}
	stored, err := c.encodeEnvelope(&entry, raw)
	require.NoError(t, err)

	// Re-decode the envelope, flip the marker byte, re-encode by hand is
	// brittle; instead decode a hand-built envelope with a bad marker.
	bad := envelope{
		Seq: 1, EventID: "ev", Timestamp: time.Now().UTC(),
		Payload: []byte{0xFF, 0x01, 0x02},
	}
	data, err := c.encMode.Marshal(&bad)
	require.NoError(t, err)

	_, err = c.decodeEnvelope(data)
	require.ErrorIs(t, err, ErrSerialize)

	// The untouched envelope still decodes.
	_, err = c.decodeEnvelope(stored)
	require.NoError(t, err)
}

func TestPayload_ValidateRejectsMismatch(t *testing.T) {
	p := event.Payload{
		Kind:      event.KindAlert,
		Heartbeat: &event.Heartbeat{},
	}
	require.Error(t, p.Validate())

	p = event.Payload{Kind: event.KindHeartbeat}
	require.Error(t, p.Validate(), "no variant populated")

	p = event.Payload{Kind: event.KindHeartbeat, Heartbeat: &event.Heartbeat{}}
	require.NoError(t, p.Validate())
}
