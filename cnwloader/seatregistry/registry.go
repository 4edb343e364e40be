// Package seatregistry tracks which devices hold a seat on a license, so a
// fleet of loaders can enforce a license's device limit between themselves.
package seatregistry

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Seat is one device's claim on a license.
type Seat struct {
	Fingerprint string    `json:"fingerprint" bson:"fingerprint"`
	LicenseID   string    `json:"license_id" bson:"license_id"`
	Username    string    `json:"username" bson:"username"`
	LicenseType string    `json:"license_type" bson:"license_type"`
	Hostname    string    `json:"hostname" bson:"hostname"`
	OS          string    `json:"os" bson:"os"`
	ClaimedAt   time.Time `json:"claimed_at" bson:"claimed_at"`
	LastSeenAt  time.Time `json:"last_seen_at" bson:"last_seen_at"`
}

// ErrInvalidSeat is returned when a seat lacks its fingerprint or license id.
var ErrInvalidSeat = errors.New("seat requires fingerprint and license id")

// Registry stores seat claims.
type Registry interface {
	// Claim creates or refreshes the seat for seat.Fingerprint (upsert).
	Claim(ctx context.Context, seat Seat) (*Seat, error)

	// Release removes a device's seat.
	Release(ctx context.Context, fingerprint string) error

	// Count returns the number of seats held on a license.
	Count(ctx context.Context, licenseID string) (int, error)

	// List returns every seat held on a license, oldest claim first.
	List(ctx context.Context, licenseID string) ([]Seat, error)

	// Touch updates last_seen_at for a device.
	Touch(ctx context.Context, fingerprint string) error

	// Prune removes seats on a license not seen for olderThan and returns how many.
	Prune(ctx context.Context, licenseID string, olderThan time.Duration) (int, error)

	// Close releases any resources held by the registry.
	Close(ctx context.Context) error
}

// validIdentifier matches safe table and collection names.
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultName = "cnw_loader_seats"

func validSeat(s Seat) error {
	if s.Fingerprint == "" || s.LicenseID == "" {
		return ErrInvalidSeat
	}
	return nil
}
