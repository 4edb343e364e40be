package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Authority endpoints. Only the handshake travels as plain JSON.
const (
	EndpointHandshake = "/loader/handshake"
	EndpointLogin     = "/loader/login"
	EndpointValidate  = "/loader/validate"
	EndpointHeartbeat = "/loader/heartbeat"
	EndpointVerify    = "/loader/verify"
)

// Error codes carried in ErrorBody.
const (
	CodeBanned             = "BANNED"
	CodeLicenseRevoked     = "LICENSE_REVOKED"
	CodeLicenseExpired     = "LICENSE_EXPIRED"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeSessionUnknown     = "SESSION_UNKNOWN"
	CodeDeviceLimit        = "DEVICE_LIMIT"
	CodeInvalidProof       = "INVALID_PROOF"
	CodeBadRequest         = "BAD_REQUEST"
)

// License statuses.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
	StatusBanned  = "banned"
)

// ErrorBody is the authority's error format: {"error": {"code": "...", "message": "..."}}.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reply is the plaintext of every response envelope.
type Reply struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorBody      `json:"error,omitempty"`
}

// ErrorReply is the plain JSON body of a non-2xx response.
type ErrorReply struct {
	Error ErrorBody `json:"error"`
}

// HandshakeRequest opens or resumes a session. Keys are base64.
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version" validate:"required"`
	Fingerprint     string `json:"fingerprint" validate:"required"`
	ClientPublicKey string `json:"client_public_key" validate:"required,base64"`
	ResumeToken     string `json:"resume_token,omitempty"`
}

// HandshakeResponse carries the authority's half of the key agreement.
type HandshakeResponse struct {
	SessionID       string `json:"session_id" validate:"required"`
	ServerPublicKey string `json:"server_public_key" validate:"required,base64"`
	Challenge       string `json:"challenge" validate:"required,base64"`
	Signature       string `json:"signature,omitempty" validate:"omitempty,base64"`
	ServerTime      int64  `json:"server_time"`
}

// HandshakeTranscript is the message the authority signs with its identity key.
func HandshakeTranscript(sessionID, serverPublicKey, challenge, clientPublicKey string) []byte {
	return []byte(strings.Join([]string{sessionID, serverPublicKey, challenge, clientPublicKey}, "|"))
}

// LoginRequest proves possession of the session key by signing the challenge.
type LoginRequest struct {
	Username    string `json:"username" validate:"required"`
	Password    string `json:"password" validate:"required"`
	Fingerprint string `json:"fingerprint" validate:"required"`
	Proof       string `json:"proof" validate:"required,base64"`
}

// User describes the authenticated account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// License is the authority's view of the account's license.
type License struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	MaxDevices int            `json:"max_devices,omitempty"`
	Features   map[string]any `json:"features,omitempty"`
}

// LoginResponse binds a session token to the session.
type LoginResponse struct {
	SessionToken     string    `json:"session_token"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
	User             User      `json:"user"`
	License          License   `json:"license"`
}

// TokenRequest is the payload of validate and verify.
type TokenRequest struct {
	SessionToken string `json:"session_token" validate:"required"`
	Fingerprint  string `json:"fingerprint" validate:"required"`
}

// ValidateResponse reports the current license state.
type ValidateResponse struct {
	License    License `json:"license"`
	ServerTime int64   `json:"server_time"`
}

// HeartbeatRequest is sent on every scheduler tick.
type HeartbeatRequest struct {
	SessionToken string `json:"session_token" validate:"required"`
	Fingerprint  string `json:"fingerprint" validate:"required"`
	Sequence     uint64 `json:"seq"`
}

// HeartbeatResponse carries the authority's directive.
type HeartbeatResponse struct {
	Directive        string     `json:"directive"`
	Reason           string     `json:"reason,omitempty"`
	SessionExpiresAt *time.Time `json:"session_expires_at,omitempty"`
	LicenseExpiresAt *time.Time `json:"license_expires_at,omitempty"`
	ServerTime       int64      `json:"server_time"`
}

// VerifyResponse reports whether token and fingerprint are still bound.
type VerifyResponse struct {
	Valid  bool   `json:"valid"`
	Status string `json:"status"`
}
