package cnwloader

import (
	"maps"
	"time"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/protocol"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/session"
)

// LicenseInfo is the client's view of the license bound to the session.
type LicenseInfo struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	MaxDevices int            `json:"max_devices,omitempty"`
	Features   map[string]any `json:"features,omitempty"`
}

// Active reports whether the license is active and unexpired at t.
func (l LicenseInfo) Active(t time.Time) bool {
	if l.Status != protocol.StatusActive {
		return false
	}
	return l.ExpiresAt == nil || l.ExpiresAt.After(t)
}

func licenseFromWire(l protocol.License) LicenseInfo {
	return LicenseInfo{
		ID:         l.ID,
		Type:       l.Type,
		Status:     l.Status,
		ExpiresAt:  l.ExpiresAt,
		MaxDevices: l.MaxDevices,
		Features:   maps.Clone(l.Features),
	}
}

func (l LicenseInfo) clone() LicenseInfo {
	out := l
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		out.ExpiresAt = &t
	}
	out.Features = maps.Clone(l.Features)
	return out
}

// UserInfo describes the authenticated account.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Limits holds the constraints extracted from a license's features map.
type Limits struct {
	MaxDevices    int // 0 = unlimited
	MaxCPUPerNode int // 0 = unlimited
}

// Diagnostic describes why the most recent failing operation returned false.
// It is the reason channel behind the boolean public surface.
type Diagnostic struct {
	Op    string        `json:"op"`
	Code  string        `json:"code"`
	Err   error         `json:"-"`
	State session.State `json:"state"`
	At    time.Time     `json:"at"`
}

// Diagnostic codes for failures not reported by the authority.
const (
	CodeTransient    = "TRANSIENT"
	CodeProtocol     = "PROTOCOL"
	CodeIntegrity    = "INTEGRITY"
	CodeInvalidState = "INVALID_STATE"
	CodeLimit        = "LIMIT"
	CodeClient       = "CLIENT"
)
