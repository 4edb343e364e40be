package authoritytest

import (
	"net/http/httptest"
	"time"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/protocol"
)

// Server is an Authority listening on a local httptest server.
type Server struct {
	*Authority
	*httptest.Server
}

// NewServer starts an authority on a loopback address. Close it when done.
func NewServer(opts ...Option) *Server {
	a := New(opts...)
	return &Server{Authority: a, Server: httptest.NewServer(a.Handler())}
}

// DemoAccount returns an account holding an active license valid for a year.
func DemoAccount(username, password string) Account {
	expires := time.Now().Add(365 * 24 * time.Hour).UTC().Truncate(time.Second)
	return Account{
		Username: username,
		Password: password,
		UserID:   "user-" + username,
		Email:    username + "@example.com",
		License: protocol.License{
			ID:         "lic-" + username,
			Type:       "standard",
			Status:     protocol.StatusActive,
			ExpiresAt:  &expires,
			MaxDevices: 3,
			Features:   map[string]any{"max_devices": float64(3)},
		},
	}
}
