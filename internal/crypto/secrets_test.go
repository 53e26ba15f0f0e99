package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testSecrets(t *testing.T, passphrase string) *Secrets {
	t.Helper()
	p, err := DefaultParams()
	if err != nil {
		t.Fatalf("DefaultParams: %v", err)
	}
	// Cheap parameters keep the test fast; production uses DefaultParams.
	p.Time = 1
	p.MemoryKiB = 8 * 1024
	s, err := New(DeriveKey(passphrase, p))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestRoundTrip(t *testing.T) {
	s := testSecrets(t, "hunter2")

	plaintext := "aFqwertyuiopasdfghjklzxcvbnm1234567890ABCD="
	encrypted, err := s.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(encrypted, Tag) {
		t.Fatalf("ciphertext missing tag: %q", encrypted)
	}
	if strings.Contains(encrypted, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	decrypted, err := s.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if decrypted != plaintext {
		t.Fatalf("round-trip failed: got %q, want %q", decrypted, plaintext)
	}
}

func TestUntaggedPassthrough(t *testing.T) {
	s := testSecrets(t, "hunter2")

	out, err := s.Decrypt("plain-old-value")
	if err != nil {
		t.Fatalf("Decrypt plaintext: %v", err)
	}
	if out != "plain-old-value" {
		t.Fatalf("passthrough changed value: %q", out)
	}
}

func TestDisabledPassthrough(t *testing.T) {
	s := Disabled()
	enc, err := s.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if enc != "secret" {
		t.Fatalf("disabled wrapper mutated value: %q", enc)
	}
	if _, err := s.Decrypt(Tag + "Zm9v"); err == nil {
		t.Fatal("expected error decrypting tagged value without passphrase")
	}
}

func TestWrongPassphraseRejected(t *testing.T) {
	s1 := testSecrets(t, "correct horse")
	s2 := testSecrets(t, "battery staple")

	encrypted, err := s1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := s2.Decrypt(encrypted); err == nil {
		t.Fatal("expected error decrypting with wrong key")
	}
}

func TestTamperedCiphertextRejected(t *testing.T) {
	s := testSecrets(t, "hunter2")

	encrypted, err := s.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	data, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(encrypted, Tag))
	// Flip a byte in the ciphertext portion.
	data[len(data)-1] ^= 0xff
	tampered := Tag + base64.StdEncoding.EncodeToString(data)

	if _, err := s.Decrypt(tampered); err == nil {
		t.Fatal("expected error decrypting tampered ciphertext")
	}
}

func TestCanary(t *testing.T) {
	s := testSecrets(t, "hunter2")
	canary, err := s.Canary()
	if err != nil {
		t.Fatalf("Canary: %v", err)
	}
	if err := s.VerifyCanary(canary); err != nil {
		t.Fatalf("VerifyCanary: %v", err)
	}

	other := testSecrets(t, "not it")
	if err := other.VerifyCanary(canary); err == nil {
		t.Fatal("expected canary verification to fail with wrong passphrase")
	}
}

func TestEmptyPlaintext(t *testing.T) {
	s := testSecrets(t, "hunter2")
	enc, err := s.Encrypt("")
	if err != nil {
		t.Fatalf("Encrypt empty: %v", err)
	}
	if enc != "" {
		t.Fatalf("empty value should stay empty, got %q", enc)
	}
}
