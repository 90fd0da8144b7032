package chat

import (
	"bytes"
	"testing"
)

func TestSealUnsealKeyRoundTrip(t *testing.T) {
	recipient, err := newEphemeralKeyPair()
	if err != nil {
		t.Fatalf("newEphemeralKeyPair: %v", err)
	}
	sessionKey, err := generateSessionKey()
	if err != nil {
		t.Fatalf("generateSessionKey: %v", err)
	}

	sealed, err := sealKey(sessionKey, recipient.pub[:])
	if err != nil {
		t.Fatalf("sealKey: %v", err)
	}

	got, err := unsealKey(sealed, recipient.priv)
	if err != nil {
		t.Fatalf("unsealKey: %v", err)
	}
	if !bytes.Equal(got, sessionKey) {
		t.Fatalf("unsealed key does not match original")
	}
}

func TestUnsealKeyWrongRecipientFails(t *testing.T) {
	recipient, _ := newEphemeralKeyPair()
	impostor, _ := newEphemeralKeyPair()
	sessionKey, _ := generateSessionKey()

	sealed, err := sealKey(sessionKey, recipient.pub[:])
	if err != nil {
		t.Fatalf("sealKey: %v", err)
	}
	if _, err := unsealKey(sealed, impostor.priv); err == nil {
		t.Fatal("expected unsealKey to fail for the wrong recipient")
	}
}

func TestCryptoStateEncryptDecryptRoundTrip(t *testing.T) {
	key, _ := generateSessionKey()
	var cs cryptoState
	if err := cs.setKey(key); err != nil {
		t.Fatalf("setKey: %v", err)
	}

	ad := []byte("associated-data")
	nonce, ciphertext, err := cs.encrypt([]byte("plaintext message"), ad)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	plaintext, err := cs.decrypt(nonce, ciphertext, ad)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "plaintext message" {
		t.Fatalf("got %q", plaintext)
	}
}

func TestCryptoStateDecryptWrongADFails(t *testing.T) {
	key, _ := generateSessionKey()
	var cs cryptoState
	cs.setKey(key)

	nonce, ciphertext, err := cs.encrypt([]byte("data"), []byte("ad-one"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := cs.decrypt(nonce, ciphertext, []byte("ad-two")); err == nil {
		t.Fatal("expected decrypt to fail with mismatched associated data")
	}
}

func TestCryptoStateNoncesNeverRepeat(t *testing.T) {
	key, _ := generateSessionKey()
	var cs cryptoState
	cs.setKey(key)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		nonce, _, err := cs.encrypt([]byte("x"), nil)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		key := string(nonce)
		if seen[key] {
			t.Fatalf("nonce repeated at iteration %d", i)
		}
		seen[key] = true
	}
}

func TestFingerprintIsStableAndShort(t *testing.T) {
	ident, err := newIdentity()
	if err != nil {
		t.Fatalf("newIdentity: %v", err)
	}
	a := fingerprint(ident.pub)
	b := fingerprint(ident.pub)
	if a != b {
		t.Fatalf("fingerprint not stable: %q vs %q", a, b)
	}
	if len(a) != 16 { // 8 bytes hex-encoded
		t.Fatalf("got fingerprint length %d, want 16", len(a))
	}
}
