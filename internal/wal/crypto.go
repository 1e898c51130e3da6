// Package wal — crypto.go
//
// AEAD sealing of WAL payloads with ChaCha20-Poly1305.
//
// Only the payload is sealed, never the envelope: seq, event_id, and
// timestamp stay readable so replay, acking, and compaction work without
// the key. The envelope records {algorithm, key_id, nonce}; the nonce is
// random per entry. Keys come from a KeyProvider; the WAL is agnostic to
// rotation beyond recording key_id and asking the provider for the key
// matching a stored entry.

package wal

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const algorithmChaCha20 = "chacha20poly1305"

// KeyProvider supplies AEAD keys. Implementations may back onto a TPM, a
// KMS agent, or a provisioning file; the WAL does not care.
type KeyProvider interface {
	// ActiveKey returns the key new entries are sealed with.
	ActiveKey() (keyID string, key []byte, err error)

	// Key returns the key material for a key ID recorded in an envelope.
	Key(keyID string) ([]byte, error)
}

// StaticKeyProvider serves a single fixed key. Suitable for bench setups
// and tests; production deployments provision a rotating provider.
type StaticKeyProvider struct {
	ID  string
	Raw []byte
}

func (p *StaticKeyProvider) ActiveKey() (string, []byte, error) {
	if len(p.Raw) != chacha20poly1305.KeySize {
		return "", nil, fmt.Errorf("wal: static key must be %d bytes, got %d",
			chacha20poly1305.KeySize, len(p.Raw))
	}
	return p.ID, p.Raw, nil
}

func (p *StaticKeyProvider) Key(keyID string) ([]byte, error) {
	if keyID != p.ID {
		return nil, fmt.Errorf("wal: unknown key id %q", keyID)
	}
	return p.Raw, nil
}

// NewRandomKey generates a fresh ChaCha20-Poly1305 key.
func NewRandomKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("wal: key generation: %w", err)
	}
	return key, nil
}

// Sealer seals and opens payload bytes.
type Sealer struct {
	provider KeyProvider
}

// NewSealer wraps a KeyProvider.
func NewSealer(provider KeyProvider) *Sealer {
	return &Sealer{provider: provider}
}

// Seal encrypts plaintext under the active key with a random nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, *EncryptionInfo, error) {
	keyID, key, err := s.provider.ActiveKey()
	if err != nil {
		return nil, nil, fmt.Errorf("wal: active key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("wal: aead init: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("wal: nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, &EncryptionInfo{
		Algorithm: algorithmChaCha20,
		KeyID:     keyID,
		Nonce:     nonce,
	}, nil
}

// Open decrypts a sealed payload using the key named in its header.
func (s *Sealer) Open(ciphertext []byte, info *EncryptionInfo) ([]byte, error) {
	if info.Algorithm != algorithmChaCha20 {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrSerialize, info.Algorithm)
	}
	key, err := s.provider.Key(info.KeyID)
	if err != nil {
		return nil, fmt.Errorf("wal: key %q: %w", info.KeyID, err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("wal: aead init: %w", err)
	}
	if len(info.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrSerialize, len(info.Nonce))
	}
	plaintext, err := aead.Open(nil, info.Nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Join(ErrSerialize, fmt.Errorf("wal: aead open: %w", err))
	}
	return plaintext, nil
}
