// Package wal — crypto_test.go
//
// Encrypt-then-decrypt is identity under the same key_id; a wrong key
// fails authentication; a reader without the key surfaces the Encrypted
// variant instead of failing replay.

package wal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetedge/fleetedge/internal/event"
)

func testKeyProvider(t *testing.T) *StaticKeyProvider {
	t.Helper()
	raw, err := NewRandomKey()
	require.NoError(t, err)
	return &StaticKeyProvider{ID: "key-1", Raw: raw}
}

func TestSealer_RoundTrip(t *testing.T) {
	sealer := NewSealer(testKeyProvider(t))

	plaintext := []byte("the payload under seal")
	ciphertext, info, err := sealer.Seal(plaintext)
	require.NoError(t, err)
	require.Equal(t, "chacha20poly1305", info.Algorithm)
	require.Equal(t, "key-1", info.KeyID)
	require.NotEmpty(t, info.Nonce)
	require.NotEqual(t, plaintext, ciphertext)

	opened, err := sealer.Open(ciphertext, info)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealer_NoncesDiffer(t *testing.T) {
	sealer := NewSealer(testKeyProvider(t))

	_, info1, err := sealer.Seal([]byte("x"))
	require.NoError(t, err)
	_, info2, err := sealer.Seal([]byte("x"))
	require.NoError(t, err)
	assert.NotEqual(t, info1.Nonce, info2.Nonce)
}

func TestSealer_WrongKeyFails(t *testing.T) {
	sealer := NewSealer(testKeyProvider(t))
	ciphertext, info, err := sealer.Seal([]byte("secret"))
	require.NoError(t, err)

	other := NewSealer(testKeyProvider(t)) // different random key, same ID
	_, err = other.Open(ciphertext, info)
	require.Error(t, err)
}

func TestCodec_EncryptedRoundTrip(t *testing.T) {
	sealer := NewSealer(testKeyProvider(t))
	c := mustCodec(t, 4096, sealer)

	payload := event.Payload{
		Kind: event.KindAlert,
		Alert: &event.AlertRecord{
			AlertID: "a-1", AlertType: "DrowsyDriver", Severity: "Emergency",
			Message:   "Driver is drowsy",
			Timestamp: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
		},
	}
	raw, err := c.encodePayload(&payload)
	require.NoError(t, err)

	entry := Entry{Seq: 7, EventID: "ev-7", Timestamp: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	stored, err := c.encodeEnvelope(&entry, raw)
	require.NoError(t, err)
	require.NotNil(t, entry.Encryption)
	assert.Equal(t, "key-1", entry.Encryption.KeyID)

	decoded, err := c.decodeEnvelope(stored)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded.Payload)
}

func TestCodec_WithoutKeySurfacesEncryptedVariant(t *testing.T) {
	sealer := NewSealer(testKeyProvider(t))
	writer := mustCodec(t, 4096, sealer)

	payload := event.Payload{
		Kind:      event.KindHeartbeat,
		Heartbeat: &event.Heartbeat{UptimeSec: 1, Timestamp: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)},
	}
	raw, err := writer.encodePayload(&payload)
	require.NoError(t, err)
	entry := Entry{Seq: 1, EventID: "ev-1", Timestamp: time.Now().UTC()}
	stored, err := writer.encodeEnvelope(&entry, raw)
	require.NoError(t, err)

	// A reader with no key provider still decodes the envelope; the
	// payload stays sealed.
	reader := mustCodec(t, 4096, nil)
	decoded, err := reader.decodeEnvelope(stored)
	require.NoError(t, err)
	assert.Equal(t, event.KindEncrypted, decoded.Payload.Kind)
	require.NotNil(t, decoded.Payload.Encrypted)
	assert.NotEmpty(t, decoded.Payload.Encrypted.Ciphertext)
	assert.Equal(t, "ev-1", decoded.EventID, "envelope fields stay readable")
}

func TestWAL_EncryptedEndToEnd(t *testing.T) {
	dir := t.TempDir()
	keys := testKeyProvider(t)

	w := openTestWAL(t, dir, Options{Keys: keys})
	_, err := w.Append(event.Payload{
		Kind: event.KindTelemetry,
		Telemetry: &event.SensorEvent{
			SensorID:   "obd-0",
			SensorType: event.SensorOBD,
			Timestamp:  time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
			OBD:        &event.OBDData{SpeedKMH: 90},
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	w, err = Open(dir+"/wal.db", Options{Keys: keys})
	require.NoError(t, err)
	defer w.Close()

	var entries []Entry
	require.NoError(t, w.Replay(0, func(e Entry) error {
		entries = append(entries, e)
		return nil
	}, nil))
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Encryption)
	require.NotNil(t, entries[0].Payload.Telemetry)
	assert.Equal(t, uint8(90), entries[0].Payload.Telemetry.OBD.SpeedKMH)
}
