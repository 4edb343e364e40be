// Package crypto holds the primitives behind a loader session.
//
// Contents
//
//   - X25519 ephemeral key pairs and session key derivation (GenerateKeyPair,
//     DeriveSessionKey), HKDF-SHA256 expanded into an encryption key and a MAC key
//   - XChaCha20-Poly1305 authenticated encryption that fails closed (Encrypt, Decrypt)
//   - HMAC-SHA256 envelope signatures (Sign, Verify)
//   - Memory wiping for key material (Wipe)
//
// # Key lifetime
//
// A SessionKey is owned by exactly one session. Callers must call Wipe when the
// session ends; a wiped key refuses every operation instead of silently using
// zeroed bytes.
package crypto
