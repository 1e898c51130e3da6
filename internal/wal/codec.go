// Package wal — codec.go
//
// Envelope and payload codec.
//
// Storage layout of one WAL value (the envelope) is a CBOR map:
//
//	{seq, event_id, timestamp, payload, compression?, encryption?}
//
// The payload field holds the processed payload bytes, built in order:
//
//  1. CBOR-encode the event.Payload union (self-describing).
//  2. If the encoding exceeds the compression threshold, zstd-compress and
//     prefix marker 0x01; otherwise prefix marker 0x00. The envelope's
//     compression header records the algorithm.
//  3. If encryption is enabled, seal the marked bytes with an AEAD and
//     store the ciphertext; the envelope's encryption header records
//     {algorithm, key_id, nonce}.
//
// Decoding reverses the steps. If the key for a sealed payload is not
// available, the payload is surfaced as the Encrypted variant rather than
// failing the whole replay.

package wal

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/fleetedge/fleetedge/internal/event"
)

const (
	markerRaw  byte = 0x00
	markerZstd byte = 0x01

	compressionZstd = "zstd"
)

// EncryptionInfo records the AEAD parameters of a sealed payload.
type EncryptionInfo struct {
	Algorithm string `cbor:"algorithm" json:"algorithm"`
	KeyID     string `cbor:"key_id" json:"key_id"`
	Nonce     []byte `cbor:"nonce" json:"nonce"`
}

// CompressionInfo records the compression applied to a payload.
type CompressionInfo struct {
	Algorithm string `cbor:"algorithm" json:"algorithm"`
}

// Entry is one decoded WAL record.
type Entry struct {
	Seq         uint64           `cbor:"seq" json:"seq"`
	EventID     string           `cbor:"event_id" json:"event_id"`
	Timestamp   time.Time        `cbor:"timestamp" json:"timestamp"`
	Payload     event.Payload    `cbor:"payload" json:"payload"`
	SizeBytes   int              `cbor:"size_bytes" json:"size_bytes"`
	Compression *CompressionInfo `cbor:"compression,omitempty" json:"compression,omitempty"`
	Encryption  *EncryptionInfo  `cbor:"encryption,omitempty" json:"encryption,omitempty"`
}

// envelope is the stored form: the payload is processed bytes, not the
// decoded union.
type envelope struct {
	Seq         uint64           `cbor:"seq"`
	EventID     string           `cbor:"event_id"`
	Timestamp   time.Time        `cbor:"timestamp"`
	Payload     []byte           `cbor:"payload"`
	Compression *CompressionInfo `cbor:"compression,omitempty"`
	Encryption  *EncryptionInfo  `cbor:"encryption,omitempty"`
}

// codec serialises envelopes. Safe for concurrent use: the zstd encoder and
// decoder are used in their stateless EncodeAll/DecodeAll modes.
type codec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder

	compressionThreshold int
	sealer               *Sealer // nil when encryption is disabled
}

func newCodec(compressionThreshold int, sealer *Sealer) (*codec, error) {
	encOpts := cbor.CanonicalEncOptions()
	// RFC3339Nano keeps sub-second precision and the UTC zone through the
	// round trip; the default unix-seconds mode truncates.
	encOpts.Time = cbor.TimeRFC3339Nano
	encMode, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("%w: cbor enc mode: %v", ErrSerialize, err)
	}
	decMode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("%w: cbor dec mode: %v", ErrSerialize, err)
	}
	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd writer: %v", ErrSerialize, err)
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd reader: %v", ErrSerialize, err)
	}
	return &codec{
		encMode:              encMode,
		decMode:              decMode,
		zstdEnc:              zenc,
		zstdDec:              zdec,
		compressionThreshold: compressionThreshold,
		sealer:               sealer,
	}, nil
}

// encodePayload serialises the union without compression or encryption.
// Used at append time to compute SizeBytes for buffer accounting.
func (c *codec) encodePayload(p *event.Payload) ([]byte, error) {
	raw, err := c.encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrSerialize, err)
	}
	return raw, nil
}

// encodeEnvelope builds the stored bytes for an entry whose raw payload
// encoding is already known. Applies compression and encryption per config
// and fills the entry's headers.
func (c *codec) encodeEnvelope(e *Entry, rawPayload []byte) ([]byte, error) {
	marked := make([]byte, 0, len(rawPayload)+1)
	if len(rawPayload) > c.compressionThreshold {
		compressed := c.zstdEnc.EncodeAll(rawPayload, nil)
		marked = append(marked, markerZstd)
		marked = append(marked, compressed...)
		e.Compression = &CompressionInfo{Algorithm: compressionZstd}
	} else {
		marked = append(marked, markerRaw)
		marked = append(marked, rawPayload...)
		e.Compression = nil
	}

	stored := marked
	if c.sealer != nil {
		sealed, info, err := c.sealer.Seal(marked)
		if err != nil {
			return nil, err
		}
		stored = sealed
		e.Encryption = info
	}

	env := envelope{
		Seq:         e.Seq,
		EventID:     e.EventID,
		Timestamp:   e.Timestamp,
		Payload:     stored,
		Compression: e.Compression,
		Encryption:  e.Encryption,
	}
	out, err := c.encMode.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrSerialize, err)
	}
	return out, nil
}

// decodeEnvelope parses stored bytes back into an Entry, reversing
// encryption and compression. A sealed payload whose key is unavailable is
// returned as the Encrypted variant instead of an error.
func (c *codec) decodeEnvelope(data []byte) (Entry, error) {
	var env envelope
	if err := c.decMode.Unmarshal(data, &env); err != nil {
		return Entry{}, fmt.Errorf("%w: envelope: %v", ErrSerialize, err)
	}

	e := Entry{
		Seq:         env.Seq,
		EventID:     env.EventID,
		Timestamp:   env.Timestamp,
		SizeBytes:   len(env.Payload),
		Compression: env.Compression,
		Encryption:  env.Encryption,
	}

	marked := env.Payload
	if env.Encryption != nil {
		if c.sealer == nil {
			e.Payload = event.Payload{
				Kind:      event.KindEncrypted,
				Encrypted: &event.EncryptedBlob{Ciphertext: env.Payload},
			}
			return e, nil
		}
		opened, err := c.sealer.Open(env.Payload, env.Encryption)
		if err != nil {
			return Entry{}, err
		}
		marked = opened
	}

	if len(marked) == 0 {
		return Entry{}, fmt.Errorf("%w: empty payload", ErrSerialize)
	}
	raw := marked[1:]
	switch marked[0] {
	case markerZstd:
		decompressed, err := c.zstdDec.DecodeAll(raw, nil)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: zstd: %v", ErrSerialize, err)
		}
		raw = decompressed
	case markerRaw:
	default:
		return Entry{}, fmt.Errorf("%w: unknown payload marker 0x%02x", ErrSerialize, marked[0])
	}

	if err := c.decMode.Unmarshal(raw, &e.Payload); err != nil {
		return Entry{}, fmt.Errorf("%w: payload: %v", ErrSerialize, err)
	}
	return e, nil
}
