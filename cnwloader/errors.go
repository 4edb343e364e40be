package cnwloader

import (
	"errors"
	"fmt"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/protocol"
)

// Sentinel errors for authority verdicts.
var (
	ErrBanned             = errors.New("account banned")
	ErrLicenseRevoked     = errors.New("license revoked")
	ErrLicenseExpired     = errors.New("license expired")
	ErrLicenseInactive    = errors.New("license is not active")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionUnknown     = errors.New("session unknown to authority")
	ErrDeviceLimit        = errors.New("device limit reached")
)

// Sentinel errors for local session state.
var (
	ErrInvalidState   = errors.New("operation not allowed in current state")
	ErrTerminated     = errors.New("session terminated")
	ErrUntrusted      = errors.New("environment not trusted")
	ErrNotBound       = errors.New("session token and fingerprint are not bound")
	ErrServerKey      = errors.New("invalid trusted server key")
	ErrServerIdentity = errors.New("server identity verification failed")
)

// Sentinel errors for license limit enforcement.
var (
	ErrCPULimitExceeded  = errors.New("CPU limit exceeded")
	ErrSeatLimitExceeded = errors.New("seat limit exceeded")
)

// ServerError is an error reported by the authority inside a verified envelope.
type ServerError struct {
	Endpoint string
	Code     string
	Message  string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error on %s: [%s] %s", e.Endpoint, e.Code, e.Message)
}

// mapServerError converts a ServerError to a well-known sentinel error if possible.
// The returned error wraps both the sentinel error and the original ServerError
// so callers can use errors.Is() for sentinel checks and errors.As() for details.
func mapServerError(se *ServerError) error {
	var sentinel error
	switch se.Code {
	case protocol.CodeBanned:
		sentinel = ErrBanned
	case protocol.CodeLicenseRevoked:
		sentinel = ErrLicenseRevoked
	case protocol.CodeLicenseExpired:
		sentinel = ErrLicenseExpired
	case protocol.CodeInvalidCredentials:
		sentinel = ErrInvalidCredentials
	case protocol.CodeSessionUnknown:
		sentinel = ErrSessionUnknown
	case protocol.CodeDeviceLimit:
		sentinel = ErrDeviceLimit
	default:
		return se
	}
	return &mappedError{sentinel: sentinel, server: se}
}

// mappedError wraps a sentinel error with the original ServerError details.
type mappedError struct {
	sentinel error
	server   *ServerError
}

func (e *mappedError) Error() string {
	return e.sentinel.Error()
}

func (e *mappedError) Is(target error) bool {
	return target == e.sentinel
}

func (e *mappedError) As(target any) bool {
	if t, ok := target.(**ServerError); ok {
		*t = e.server
		return true
	}
	return false
}

func (e *mappedError) Unwrap() error {
	return e.sentinel
}

// TransientError is a failure expected to clear on its own: network errors,
// deadlines, 5xx and 429 responses, or a transient integrity verdict. It never
// changes license state.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// ProtocolError is a failure of the secure channel itself: a bad signature,
// replay, expired or malformed envelope, failed key agreement, or a rejected
// unauthenticated request. The session must redo its handshake.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("%s: protocol: %v", e.Op, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// TrustError is a fatal integrity verdict. The session is banned and its keys wiped.
type TrustError struct {
	Op      string
	Reasons []string
}

func (e *TrustError) Error() string {
	return fmt.Sprintf("%s: environment untrusted: %v", e.Op, e.Reasons)
}

func (e *TrustError) Unwrap() error { return ErrUntrusted }
