package cnwloader

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/protocol"
)

// ParseTrustedKey decodes a base64 Ed25519 public key.
func ParseTrustedKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrServerKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: key length %d, expected %d", ErrServerKey, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// verifyServerIdentity checks the authority's Ed25519 signature over the
// handshake transcript, which binds its ephemeral key to our own.
func verifyServerIdentity(key ed25519.PublicKey, resp *protocol.HandshakeResponse, clientPublicKey string) error {
	if resp.Signature == "" {
		return fmt.Errorf("%w: handshake is unsigned", ErrServerIdentity)
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature decode: %v", ErrServerIdentity, err)
	}
	msg := protocol.HandshakeTranscript(resp.SessionID, resp.ServerPublicKey, resp.Challenge, clientPublicKey)
	if !ed25519.Verify(key, msg, sig) {
		return ErrServerIdentity
	}
	return nil
}
