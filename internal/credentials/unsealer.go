// Package credentials decrypts sealed credential bundles fetched from the
// billing backend. Bundles are NaCl secretbox payloads under a shared
// 32-byte key: base64(nonce || ciphertext), where the plaintext is a JSON
// object of name -> value.
package credentials

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// Unsealer opens sealed bundles.
type Unsealer struct {
	key [32]byte
}

// NewUnsealer parses a hex-encoded 32-byte key.
func NewUnsealer(hexKey string) (*Unsealer, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding seal key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("seal key must be 32 bytes, got %d", len(raw))
	}
	u := &Unsealer{}
	copy(u.key[:], raw)
	return u, nil
}

// Unseal decrypts a bundle into a name -> value map.
func (u *Unsealer) Unseal(sealed string) (map[string]string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decoding sealed bundle: %w", err)
	}
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("sealed bundle too short: %d bytes", len(raw))
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &u.key)
	if !ok {
		return nil, fmt.Errorf("sealed bundle failed authentication")
	}

	var creds map[string]string
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("decoding credential bundle: %w", err)
	}
	return creds, nil
}

// Seal encrypts a bundle. The orchestrator only unseals in production; Seal
// exists for tests and operator tooling.
func Seal(creds map[string]string, hexKey string, nonce [nonceSize]byte) (string, error) {
	u, err := NewUnsealer(hexKey)
	if err != nil {
		return "", err
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("encoding credential bundle: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &u.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}
