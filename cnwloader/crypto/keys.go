package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 scalars and points and of each derived key.
	KeySize = 32

	sessionInfo = "cnw-loader|session|v1"
)

// Sentinel errors for key agreement and decryption.
var (
	ErrHandshake = errors.New("handshake failed")
	ErrDecrypt   = errors.New("decryption failed")
	ErrKeyWiped  = errors.New("key material has been wiped")
)

// KeyPair is an X25519 ephemeral key pair. The private half is clamped per RFC 7748.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
	wiped   bool
}

// GenerateKeyPair returns a fresh ephemeral key pair read from r.
// A nil reader uses crypto/rand.
func GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	kp := &KeyPair{}
	if _, err := io.ReadFull(r, kp.Private[:]); err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	clamp(&kp.Private)

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Wipe zeroes the private scalar. The public half is left intact.
func (kp *KeyPair) Wipe() {
	if kp == nil {
		return
	}
	Wipe(kp.Private[:])
	kp.wiped = true
}

func clamp(k *[KeySize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// SessionKey is the symmetric material shared by client and authority for one
// session: enc feeds the AEAD, mac feeds envelope signatures.
type SessionKey struct {
	enc   []byte
	mac   []byte
	wiped bool
}

// NewSessionKey builds a SessionKey from raw material of 2*KeySize bytes.
// The input is copied and then wiped.
func NewSessionKey(material []byte) (*SessionKey, error) {
	if len(material) != 2*KeySize {
		return nil, fmt.Errorf("%w: session key material is %d bytes, expected %d", ErrHandshake, len(material), 2*KeySize)
	}
	k := &SessionKey{
		enc: make([]byte, KeySize),
		mac: make([]byte, KeySize),
	}
	copy(k.enc, material[:KeySize])
	copy(k.mac, material[KeySize:])
	Wipe(material)
	return k, nil
}

// Alive reports whether the key can still be used.
func (k *SessionKey) Alive() bool {
	return k != nil && !k.wiped
}

// Wipe overwrites the key material. Safe to call more than once.
func (k *SessionKey) Wipe() {
	if k == nil || k.wiped {
		return
	}
	Wipe(k.enc)
	Wipe(k.mac)
	k.wiped = true
}

// DeriveSessionKey performs X25519 between local and the server's public point,
// then expands the shared secret with HKDF-SHA256 using salt (the handshake
// session id). Malformed or low-order server material yields ErrHandshake.
func DeriveSessionKey(serverPublic []byte, local *KeyPair, salt []byte) (*SessionKey, error) {
	if local == nil || local.wiped {
		return nil, fmt.Errorf("%w: local key pair unavailable", ErrHandshake)
	}
	if len(serverPublic) != KeySize {
		return nil, fmt.Errorf("%w: server public key is %d bytes, expected %d", ErrHandshake, len(serverPublic), KeySize)
	}

	shared, err := curve25519.X25519(local.Private[:], serverPublic)
	if err != nil {
		// x/crypto rejects low-order points with an all-zero output.
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	defer Wipe(shared)

	material := make([]byte, 2*KeySize)
	kdf := hkdf.New(sha256.New, shared, salt, []byte(sessionInfo))
	if _, err := io.ReadFull(kdf, material); err != nil {
		Wipe(material)
		return nil, fmt.Errorf("%w: expand: %v", ErrHandshake, err)
	}
	return NewSessionKey(material)
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
