package session

import (
	"fmt"
	"time"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/crypto"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/protocol"
)

// Session is the single live session of a client. It owns the symmetric key
// and the replay window; neither is ever handed out by copy.
//
// Session is not safe for concurrent use. The owning client serializes every
// access through its own mutex.
type Session struct {
	Token       string
	Fingerprint string
	CreatedAt   time.Time
	ExpiresAt   time.Time

	state     State
	id        string
	key       *crypto.SessionKey
	challenge []byte
	nonces    *protocol.NonceWindow
}

var _ protocol.Keyring = (*Session)(nil)

// New creates an Uninitialized session bound to fingerprint.
func New(fingerprint string, now time.Time, nonces *protocol.NonceWindow) *Session {
	if nonces == nil {
		nonces = protocol.NewNonceWindow(protocol.DefaultNonceCapacity, 2*protocol.DefaultSkew)
	}
	return &Session{
		Fingerprint: fingerprint,
		CreatedAt:   now,
		state:       Uninitialized,
		nonces:      nonces,
	}
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Transition moves the session to next if the edge is legal.
// A transition to the current state is a no-op.
func (s *Session) Transition(next State) error {
	if s.state == next {
		return nil
	}
	if !CanTransition(s.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, next)
	}
	s.state = next
	return nil
}

// Bind installs the key agreed in a handshake. A previously bound key is wiped
// and the replay window restarts, since nonces are scoped to one key.
func (s *Session) Bind(id string, key *crypto.SessionKey, challenge []byte) {
	if s.key != nil && s.key != key {
		s.key.Wipe()
	}
	crypto.Wipe(s.challenge)
	s.id = id
	s.key = key
	s.challenge = challenge
	s.nonces.Reset()
}

// Keyed reports whether a live session key is bound.
func (s *Session) Keyed() bool {
	return s.key.Alive()
}

// Challenge returns the handshake challenge the authority expects to be proven.
func (s *Session) Challenge() []byte {
	return s.challenge
}

// SessionID implements protocol.Keyring.
func (s *Session) SessionID() string {
	return s.id
}

// SessionKey implements protocol.Keyring.
func (s *Session) SessionKey() *crypto.SessionKey {
	return s.key
}

// Nonces implements protocol.Keyring.
func (s *Session) Nonces() *protocol.NonceWindow {
	return s.nonces
}

// DropKey wipes the key and challenge but keeps the token, so a later
// handshake can resume the session.
func (s *Session) DropKey() {
	s.key.Wipe()
	crypto.Wipe(s.challenge)
	s.challenge = nil
}

// Destroy wipes the key and challenge and forgets the token and nonce
// history. The state is left untouched so callers can enter Terminated or
// Banned first.
func (s *Session) Destroy() {
	s.key.Wipe()
	crypto.Wipe(s.challenge)
	s.challenge = nil
	s.Token = ""
	s.nonces.Reset()
}
