package secrets

import "testing"

func TestRoundTrip(t *testing.T) {
	c, err := NewCipher("session-secret")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	ciphertext, err := c.Encrypt("numbers-api-key")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ciphertext == "numbers-api-key" {
		t.Fatalf("ciphertext equals plaintext")
	}

	plaintext, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plaintext != "numbers-api-key" {
		t.Fatalf("Decrypt=%q, expected original plaintext", plaintext)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	c, err := NewCipher("session-secret")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	for _, input := range []string{"", "zz", "deadbeef"} {
		if _, err := c.Decrypt(input); err == nil {
			t.Fatalf("Decrypt(%q) succeeded, expected error", input)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	a, _ := NewCipher("secret-a")
	b, _ := NewCipher("secret-b")

	ciphertext, err := a.Encrypt("token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(ciphertext); err == nil {
		t.Fatalf("expected decrypt with wrong key to fail")
	}
}
