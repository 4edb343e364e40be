package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the XChaCha20-Poly1305 nonce prepended to every ciphertext.
const NonceSize = chacha20poly1305.NonceSizeX

// Encrypt seals plaintext under key with additional data ad.
// The output is nonce || ciphertext || tag.
func Encrypt(key *SessionKey, plaintext, ad []byte) ([]byte, error) {
	if !key.Alive() {
		return nil, ErrKeyWiped
	}
	aead, err := chacha20poly1305.NewX(key.enc)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return aead.Seal(out, out[:NonceSize], plaintext, ad), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any failure returns a nil
// plaintext and an error wrapping ErrDecrypt.
func Decrypt(key *SessionKey, ciphertext, ad []byte) ([]byte, error) {
	if !key.Alive() {
		return nil, ErrKeyWiped
	}
	aead, err := chacha20poly1305.NewX(key.enc)
	if err != nil {
		return nil, fmt.Errorf("%w: init aead", ErrDecrypt)
	}
	if len(ciphertext) < NonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	plaintext, err := aead.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], ad)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication tag mismatch", ErrDecrypt)
	}
	return plaintext, nil
}

// Sign returns HMAC-SHA256(mac key, message). A wiped key signs nothing.
func Sign(key *SessionKey, message []byte) []byte {
	if !key.Alive() {
		return nil
	}
	h := hmac.New(sha256.New, key.mac)
	h.Write(message)
	return h.Sum(nil)
}

// Verify reports whether signature is a valid Sign output for message.
func Verify(key *SessionKey, message, signature []byte) bool {
	if !key.Alive() || len(signature) != sha256.Size {
		return false
	}
	return hmac.Equal(Sign(key, message), signature)
}

// Wipe overwrites b with zeros.
//
//go:noinline
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
	runtime.KeepAlive(&b)
}
