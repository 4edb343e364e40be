package seatregistry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-process Registry. It only coordinates clients that
// share one process, which is what tests and single-host deployments need.
type MemoryRegistry struct {
	mu    sync.Mutex
	seats map[string]memorySeat
	seq   uint64
	now   func() time.Time
}

// memorySeat orders claims that share a timestamp.
type memorySeat struct {
	Seat
	seq uint64
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{seats: make(map[string]memorySeat), now: time.Now}
}

func (r *MemoryRegistry) Claim(_ context.Context, seat Seat) (*Seat, error) {
	if err := validSeat(seat); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry := memorySeat{Seat: seat}
	if prev, ok := r.seats[seat.Fingerprint]; ok {
		entry.ClaimedAt = prev.ClaimedAt
		entry.seq = prev.seq
	} else {
		r.seq++
		entry.ClaimedAt = now
		entry.seq = r.seq
	}
	entry.LastSeenAt = now
	r.seats[seat.Fingerprint] = entry
	out := entry.Seat
	return &out, nil
}

func (r *MemoryRegistry) Release(_ context.Context, fingerprint string) error {
	r.mu.Lock()
	delete(r.seats, fingerprint)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Count(_ context.Context, licenseID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.seats {
		if s.LicenseID == licenseID {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRegistry) List(_ context.Context, licenseID string) ([]Seat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []memorySeat
	for _, s := range r.seats {
		if s.LicenseID == licenseID {
			entries = append(entries, s)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	seats := make([]Seat, len(entries))
	for i, e := range entries {
		seats[i] = e.Seat
	}
	return seats, nil
}

func (r *MemoryRegistry) Touch(_ context.Context, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.seats[fingerprint]; ok {
		s.LastSeenAt = r.now()
		r.seats[fingerprint] = s
	}
	return nil
}

func (r *MemoryRegistry) Prune(_ context.Context, licenseID string, olderThan time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-olderThan)
	n := 0
	for fp, s := range r.seats {
		if s.LicenseID == licenseID && s.LastSeenAt.Before(cutoff) {
			delete(r.seats, fp)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRegistry) Close(_ context.Context) error {
	return nil
}
