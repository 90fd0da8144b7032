package chat

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	sessionKeySize = chacha20poly1305.KeySize // 32
	sealNonceSize  = chacha20poly1305.NonceSize
)

// identity is the long-lived ed25519 keypair generated once at process
// start. It never participates in key derivation (SPEC_FULL.md §4.2); it
// only signs the ephemeral X25519 handshake key so a tampered ephemeral key
// is detectable, and its public key is what the peer fingerprint of §3 is
// computed over.
type identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func newIdentity() (*identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &identity{priv: priv, pub: pub}, nil
}

func (id *identity) sign(data []byte) []byte {
	return ed25519.Sign(id.priv, data)
}

// fingerprint returns the first 8 bytes of SHA-256(pub), hex-encoded — the
// out-of-band comparison value §4.2 says an implementation MAY surface.
func fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// ephemeralKeyPair is a fresh X25519 keypair generated per session, grounding
// the "forward secrecy is per-session only" contract of §4.2.
type ephemeralKeyPair struct {
	priv [32]byte
	pub  [32]byte
}

func newEphemeralKeyPair() (*ephemeralKeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var kp ephemeralKeyPair
	kp.priv = priv
	copy(kp.pub[:], pub)
	return &kp, nil
}

// sealKey anonymously encrypts a session key to the holder of peerEphPub,
// grounding §4.2's "derives the session key and transmits it to the peer
// encrypted under the peer's public key." The construction is a standard
// anonymous sealed box: a fresh ephemeral keypair performs one X25519
// agreement with the recipient's public key, HKDF-SHA256 derives an AEAD
// key from the shared secret, and the sender's ephemeral public key travels
// alongside the ciphertext so the recipient can redo the same agreement.
func sealKey(sessionKey []byte, peerEphPub []byte) ([]byte, error) {
	senderKP, err := newEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(senderKP.priv[:], peerEphPub)
	if err != nil {
		return nil, err
	}
	aeadKey := hkdfExpand(shared, nil, []byte("P2PCHAT_SEAL"))
	aead, err := chacha20poly1305.New(aeadKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, sealNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, sessionKey, nil)

	out := make([]byte, 32+sealNonceSize+len(ciphertext))
	copy(out, senderKP.pub[:])
	copy(out[32:], nonce)
	copy(out[32+sealNonceSize:], ciphertext)
	return out, nil
}

// unsealKey is the inverse of sealKey, performed by the holder of the
// ephemeral private key that peerEphPub in sealKey referenced.
func unsealKey(sealed []byte, localEphPriv [32]byte) ([]byte, error) {
	if len(sealed) < 32+sealNonceSize {
		return nil, &HandshakeFailed{Phase: "key_confirmed", Cause: fmt.Errorf("sealed key too short")}
	}
	senderPub := sealed[:32]
	nonce := sealed[32 : 32+sealNonceSize]
	ciphertext := sealed[32+sealNonceSize:]

	shared, err := curve25519.X25519(localEphPriv[:], senderPub)
	if err != nil {
		return nil, err
	}
	aeadKey := hkdfExpand(shared, nil, []byte("P2PCHAT_SEAL"))
	aead, err := chacha20poly1305.New(aeadKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &AuthenticationFailed{}
	}
	return plaintext, nil
}

func hkdfExpand(secret, salt, info []byte) []byte {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, sessionKeySize)
	if _, err := r.Read(out); err != nil {
		panic(fmt.Sprintf("hkdf expand failed: %v", err))
	}
	return out
}

// generateSessionKey produces a fresh random symmetric session key. Called
// once by whichever side the handshake tie-break designates as deriver
// (§4.2, §4.4).
func generateSessionKey() ([]byte, error) {
	key := make([]byte, sessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// cryptoState holds the per-session symmetric key and the monotonically
// increasing nonce counter (§3 Crypto state). Once set, the session key
// never mutates; both the reader and writer tasks read it under mu's read
// lock (§5). The nonce counter is not guarded by mu: it is owned exclusively
// by the writer and is never touched by the reader.
type cryptoState struct {
	mu    sync.RWMutex
	aead  chaAEAD
	ready bool

	nonceCounter uint64
}

// chaAEAD is the minimal AEAD surface this package needs; defined as an
// interface so tests can substitute a fake cipher.
type chaAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

func (cs *cryptoState) setKey(key []byte) error {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	cs.aead = aead
	cs.ready = true
	cs.mu.Unlock()
	return nil
}

func (cs *cryptoState) isReady() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.ready
}

// maxNonce bounds the nonce counter life of a single session key: §4.2
// requires the implementation refuse to encrypt past the counter limit
// rather than ever reuse a nonce. 2^64-1 messages is far beyond any real
// session's lifetime but the check exists so the invariant is enforced, not
// merely assumed.
const maxNonce = ^uint64(0)

// encrypt produces (nonce, ciphertext_with_tag) for plaintext, binding ad
// into the authentication tag (§4.2). Only the writer task calls this.
func (cs *cryptoState) encrypt(plaintext, ad []byte) (nonce, ciphertext []byte, err error) {
	cs.mu.RLock()
	aead := cs.aead
	ready := cs.ready
	cs.mu.RUnlock()
	if !ready {
		return nil, nil, &HandshakeFailed{Phase: "encrypt", Cause: fmt.Errorf("no session key")}
	}
	if cs.nonceCounter == maxNonce {
		return nil, nil, &HandshakeFailed{Phase: "encrypt", Cause: fmt.Errorf("nonce space exhausted")}
	}
	cs.nonceCounter++
	nonce = make([]byte, cipherNonceSize)
	binary.BigEndian.PutUint64(nonce[4:12], cs.nonceCounter)
	ciphertext = aead.Seal(nil, nonce, plaintext, ad)
	return nonce, ciphertext, nil
}

// decrypt authenticates and decrypts ciphertext under nonce and ad. Only the
// reader task calls this.
func (cs *cryptoState) decrypt(nonce, ciphertext, ad []byte) ([]byte, error) {
	cs.mu.RLock()
	aead := cs.aead
	ready := cs.ready
	cs.mu.RUnlock()
	if !ready {
		return nil, &HandshakeFailed{Phase: "decrypt", Cause: fmt.Errorf("no session key")}
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, &AuthenticationFailed{}
	}
	return plaintext, nil
}
