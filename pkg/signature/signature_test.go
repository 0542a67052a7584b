package signature

import (
	"strings"
	"testing"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	payloads := []string{"", "{}", `{"event":"qr.scanned","data":{"qrCode":"X1"}}`, strings.Repeat("x", 10000)}
	secrets := []string{"abc", "another-secret", "🔑"}

	for _, p := range payloads {
		for _, s := range secrets {
			sig := Sign([]byte(p), s)
			if !Verify([]byte(p), sig, s) {
				t.Errorf("Expected verify to succeed for payload %q secret %q", p, s)
			}
		}
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	sig := Sign([]byte("payload"), "secret-one")
	if Verify([]byte("payload"), sig, "secret-two") {
		t.Error("Expected verify to fail with different secret")
	}
}

func TestVerify_TamperedPayload(t *testing.T) {
	sig := Sign([]byte("payload"), "secret")
	if Verify([]byte("payload2"), sig, "secret") {
		t.Error("Expected verify to fail for tampered payload")
	}
}

func TestVerify_MalformedSignature(t *testing.T) {
	t.Run("not hex", func(t *testing.T) {
		if Verify([]byte("payload"), "zzzz", "secret") {
			t.Error("Expected false for non-hex signature")
		}
	})

	t.Run("wrong length", func(t *testing.T) {
		if Verify([]byte("payload"), "deadbeef", "secret") {
			t.Error("Expected false for truncated signature")
		}
	})

	t.Run("empty", func(t *testing.T) {
		if Verify([]byte("payload"), "", "secret") {
			t.Error("Expected false for empty signature")
		}
	})
}

func TestCipher_EncryptDecrypt(t *testing.T) {
	c, err := NewCipher("master-key")
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	enc, err := c.Encrypt("subscriber-secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if enc == "subscriber-secret" {
		t.Error("Expected ciphertext to differ from plaintext")
	}

	dec, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if dec != "subscriber-secret" {
		t.Errorf("Round trip mismatch: %q", dec)
	}
}

func TestCipher_WrongMasterKey(t *testing.T) {
	c1, _ := NewCipher("key-one")
	c2, _ := NewCipher("key-two")

	enc, err := c1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := c2.Decrypt(enc); err == nil {
		t.Error("Expected decryption to fail under a different master key")
	}
}

func TestCipher_EmptyMasterKey(t *testing.T) {
	if _, err := NewCipher(""); err == nil {
		t.Error("Expected error for empty master key")
	}
}

func TestKeychain_Rotation(t *testing.T) {
	c, _ := NewCipher("master")

	oldSecret, _ := c.Encrypt("old-secret")
	newSecret, _ := c.Encrypt("new-secret")

	kc := NewKeychain(c, []string{newSecret, oldSecret})

	payload := []byte(`{"event":"booking.updated"}`)

	// Signing always uses the newest secret.
	sig, err := kc.Sign(payload)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !Verify(payload, sig, "new-secret") {
		t.Error("Expected signature under the newest secret")
	}

	// Verification accepts any live secret.
	if !kc.VerifyAny(payload, Sign(payload, "old-secret")) {
		t.Error("Expected old secret to still verify during rotation")
	}
	if !kc.VerifyAny(payload, Sign(payload, "new-secret")) {
		t.Error("Expected new secret to verify")
	}
	if kc.VerifyAny(payload, Sign(payload, "retired-secret")) {
		t.Error("Expected unknown secret to fail")
	}
}

func TestKeychain_Empty(t *testing.T) {
	c, _ := NewCipher("master")
	kc := NewKeychain(c, nil)

	if _, err := kc.Sign([]byte("p")); err == nil {
		t.Error("Expected error signing with empty keychain")
	}
	if kc.VerifyAny([]byte("p"), "00") {
		t.Error("Expected VerifyAny false for empty keychain")
	}
}
