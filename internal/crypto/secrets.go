// Package crypto provides the at-rest encryption wrapper for secret
// columns (private keys, preshared keys). Encryption is per-column AEAD:
// non-secret columns stay queryable in plaintext. A datastore that has
// never been encrypted stores plain values; the wrapper passes those
// through unchanged on read.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/edvin/wgfleet/internal/faults"
)

// Tag prefixes every ciphertext column value. Its absence marks a
// plaintext column.
const Tag = "enc:v1:"

// canaryPlaintext is encrypted once and stored in the metadata singleton;
// decrypting it verifies a passphrase before any payload decrypt is tried.
const canaryPlaintext = "wgfleet canary v1"

// Params are the memory-hard KDF parameters persisted in the
// encryption_meta singleton row.
type Params struct {
	KDF         string
	Time        uint32
	MemoryKiB   uint32
	Parallelism uint8
	Salt        []byte
}

// DefaultParams returns argon2id parameters with a fresh random salt.
func DefaultParams() (Params, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return Params{}, fmt.Errorf("generate kdf salt: %w", err)
	}
	return Params{
		KDF:         "argon2id",
		Time:        2,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		Salt:        salt,
	}, nil
}

// DeriveKey derives the 32-byte master key from a passphrase.
func DeriveKey(passphrase string, p Params) []byte {
	return argon2.IDKey([]byte(passphrase), p.Salt, p.Time, p.MemoryKiB, p.Parallelism, chacha20poly1305.KeySize)
}

// Secrets encrypts and decrypts column values. A disabled instance passes
// everything through, which is what an unencrypted datastore uses.
type Secrets struct {
	key     []byte
	enabled bool
}

// New returns an enabled wrapper over a derived master key.
func New(key []byte) (*Secrets, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, &faults.CryptoError{Msg: fmt.Sprintf("master key must be %d bytes", chacha20poly1305.KeySize)}
	}
	return &Secrets{key: key, enabled: true}, nil
}

// Disabled returns a passthrough wrapper.
func Disabled() *Secrets { return &Secrets{} }

// Enabled reports whether values are encrypted on write.
func (s *Secrets) Enabled() bool { return s.enabled }

// Encrypt seals a column value: Tag + base64(nonce || ciphertext). Empty
// values stay empty so NULL-ish columns remain recognizable.
func (s *Secrets) Encrypt(plain string) (string, error) {
	if !s.enabled || plain == "" {
		return plain, nil
	}
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return "", &faults.CryptoError{Msg: err.Error()}
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plain), nil)
	return Tag + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored column value. Untagged values are returned
// unchanged; tagged values that fail to open yield a CryptoError.
func (s *Secrets) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, Tag) {
		return stored, nil
	}
	if !s.enabled {
		return "", &faults.CryptoError{Msg: "datastore is encrypted but no passphrase was supplied"}
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, Tag))
	if err != nil {
		return "", &faults.CryptoError{Msg: "corrupt ciphertext: " + err.Error()}
	}
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return "", &faults.CryptoError{Msg: err.Error()}
	}
	if len(raw) < aead.NonceSize() {
		return "", &faults.CryptoError{Msg: "ciphertext shorter than nonce"}
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", &faults.CryptoError{Msg: "decrypt failed: wrong passphrase or corrupt ciphertext"}
	}
	return string(plain), nil
}

// Canary seals the fixed canary plaintext for the metadata row.
func (s *Secrets) Canary() (string, error) {
	if !s.enabled {
		return "", &faults.CryptoError{Msg: "canary requires an enabled wrapper"}
	}
	return s.Encrypt(canaryPlaintext)
}

// VerifyCanary decrypts a stored canary and checks its content. It is
// called before any payload decrypt is attempted.
func (s *Secrets) VerifyCanary(stored string) error {
	plain, err := s.Decrypt(stored)
	if err != nil {
		return err
	}
	if plain != canaryPlaintext {
		return &faults.CryptoError{Msg: "canary mismatch: wrong passphrase"}
	}
	return nil
}
