// Package wgkey wraps wgctrl's wgtypes for key generation and validation.
// Keys are 32 bytes, base64-encoded to exactly 44 characters.
package wgkey

import (
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/edvin/wgfleet/internal/faults"
)

// EncodedLen is the length of a base64-encoded key.
const EncodedLen = 44

// Generate returns a new private key and its derived public key, both
// base64-encoded.
func Generate() (private, public string, err error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("generate private key: %w", err)
	}
	return priv.String(), priv.PublicKey().String(), nil
}

// GeneratePSK returns a new preshared key, base64-encoded.
func GeneratePSK() (string, error) {
	psk, err := wgtypes.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate preshared key: %w", err)
	}
	return psk.String(), nil
}

// Public derives the public key from a base64-encoded private key.
func Public(private string) (string, error) {
	k, err := wgtypes.ParseKey(private)
	if err != nil {
		return "", &faults.ValidationError{Field: "private_key", Msg: err.Error()}
	}
	return k.PublicKey().String(), nil
}

// Validate checks that s is a well-formed base64 key of the right length.
func Validate(s string) error {
	if len(s) != EncodedLen {
		return &faults.ValidationError{Field: "key",
			Msg: fmt.Sprintf("key must be %d base64 characters, got %d", EncodedLen, len(s))}
	}
	if _, err := wgtypes.ParseKey(s); err != nil {
		return &faults.ValidationError{Field: "key", Msg: err.Error()}
	}
	return nil
}

// Redact shortens a key for log output. Full keys never reach logs or
// error messages.
func Redact(key string) string {
	if len(key) <= 8 {
		return "…"
	}
	return key[:8] + "…"
}
