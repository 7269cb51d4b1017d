package secrets

import (
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token := "1//0refresh-token-value"
	encrypted, err := c.Encrypt(token)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if strings.Contains(encrypted, token) {
		t.Fatal("ciphertext leaks plaintext")
	}

	decrypted, err := c.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if decrypted != token {
		t.Fatalf("round trip = %q, want %q", decrypted, token)
	}
}

func TestEncryptNonDeterministic(t *testing.T) {
	c, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	if a == b {
		t.Fatal("two encryptions of the same plaintext must differ (fresh nonce)")
	}
}

func TestBadKeyLength(t *testing.T) {
	if _, err := New("short"); err == nil {
		t.Fatal("short key must be rejected")
	}
}

func TestDecryptGarbage(t *testing.T) {
	c, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Decrypt("not-base64!!!"); err == nil {
		t.Fatal("garbage input must fail")
	}
	if _, err := c.Decrypt("QQ=="); err == nil {
		t.Fatal("truncated ciphertext must fail")
	}
}
