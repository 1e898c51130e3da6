// Package stream — batch.go
//
// Batch composition and wire codec.
//
// Wire form (both transports): a 4-byte big-endian length prefix followed
// by a CBOR-encoded batch body:
//
//	{batch_id, device_id, entries: [wal envelope entries]}
//
// Entries are ordered by non-decreasing seq within a batch. The server
// acknowledges by event_id list: MQTT publishes the list on the ack topic,
// HTTP returns it as a JSON array in the response body.

package stream

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/fleetedge/fleetedge/internal/wal"
)

// Batch is a bounded, ordered group of WAL entries shipped as one message.
type Batch struct {
	BatchID  string      `cbor:"batch_id"`
	DeviceID string      `cbor:"device_id"`
	Entries  []wal.Entry `cbor:"entries"`
}

// NewBatch assigns a fresh batch ID.
func NewBatch(deviceID string, entries []wal.Entry) *Batch {
	return &Batch{
		BatchID:  uuid.NewString(),
		DeviceID: deviceID,
		Entries:  entries,
	}
}

// FirstSeq and LastSeq delimit the batch's sequence range.
func (b *Batch) FirstSeq() uint64 {
	if len(b.Entries) == 0 {
		return 0
	}
	return b.Entries[0].Seq
}

func (b *Batch) LastSeq() uint64 {
	if len(b.Entries) == 0 {
		return 0
	}
	return b.Entries[len(b.Entries)-1].Seq
}

// EventIDs returns the IDs the server is expected to acknowledge.
func (b *Batch) EventIDs() []string {
	ids := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		ids[i] = e.EventID
	}
	return ids
}

// maxWireBytes caps one encoded batch. Batches beyond this are a
// composition bug, not a network condition.
const maxWireBytes = 8 << 20

// Encode produces the length-prefixed wire bytes.
func (b *Batch) Encode() ([]byte, error) {
	body, err := cbor.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("%w: batch: %v", ErrSerialize, err)
	}
	if len(body) > maxWireBytes {
		return nil, &BatchTooLargeError{SizeBytes: len(body)}
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// DecodeBatch parses length-prefixed wire bytes. Used by tests; the agent
// itself only encodes.
func DecodeBatch(data []byte) (*Batch, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: short batch frame", ErrSerialize)
	}
	n := binary.BigEndian.Uint32(data[:4])
	if int(n) != len(data)-4 {
		return nil, fmt.Errorf("%w: batch length prefix %d does not match body %d", ErrSerialize, n, len(data)-4)
	}
	var b Batch
	if err := cbor.Unmarshal(data[4:], &b); err != nil {
		return nil, fmt.Errorf("%w: batch: %v", ErrSerialize, err)
	}
	return &b, nil
}
