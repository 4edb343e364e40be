// Package heartbeat drives the periodic liveness exchange of a session.
//
// The Scheduler only owns cadence. What a beat does, and how a directive from the
// authority changes the session, belongs to the Beater supplied by the caller.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the heartbeat cadence used when none is configured.
const DefaultInterval = 30 * time.Second

// Directive is the authority's instruction carried in a heartbeat response.
type Directive string

const (
	DirectiveOK     Directive = "ok"
	DirectiveRenew  Directive = "renew"
	DirectiveExpire Directive = "expire"
	DirectiveRevoke Directive = "revoke"
	DirectiveBan    Directive = "ban"
)

// ErrUnknownDirective is returned by ParseDirective for values outside the protocol.
var ErrUnknownDirective = errors.New("unknown heartbeat directive")

// ParseDirective validates s as a Directive.
func ParseDirective(s string) (Directive, error) {
	switch d := Directive(s); d {
	case DirectiveOK, DirectiveRenew, DirectiveExpire, DirectiveRevoke, DirectiveBan:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDirective, s)
}

// Terminal reports whether d ends the session permanently.
func (d Directive) Terminal() bool {
	return d == DirectiveRevoke || d == DirectiveBan
}

// ErrStop, returned by a Beater, ends the scheduler loop without logging an error.
var ErrStop = errors.New("heartbeat stopped")

// Beater performs one heartbeat.
type Beater interface {
	Beat(ctx context.Context) error
}

// BeaterFunc adapts a function to Beater.
type BeaterFunc func(ctx context.Context) error

func (f BeaterFunc) Beat(ctx context.Context) error { return f(ctx) }

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for failed beats.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithTicker replaces time.NewTicker. Tests use it to drive ticks by hand.
func WithTicker(fn func(time.Duration) (<-chan time.Time, func())) Option {
	return func(s *Scheduler) {
		s.newTicker = fn
	}
}

// Scheduler fires a Beater at a fixed interval until stopped. Ticks that arrive
// while a beat is still running are dropped, never queued.
type Scheduler struct {
	interval  time.Duration
	beater    Beater
	logger    *slog.Logger
	newTicker func(time.Duration) (<-chan time.Time, func())

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a stopped Scheduler. A non-positive interval selects DefaultInterval.
func New(interval time.Duration, beater Beater, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		interval:  interval,
		beater:    beater,
		newTicker: stdTicker,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "heartbeat")
	}
	return s
}

func stdTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Interval returns the configured cadence.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start launches the loop. It returns false if the scheduler is already running.
// The loop ends when ctx is cancelled, Stop is called or the Beater returns ErrStop.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	ticks, stop := s.newTicker(s.interval)
	go s.loop(loopCtx, ticks, stop, s.done)
	return true
}

func (s *Scheduler) loop(ctx context.Context, ticks <-chan time.Time, stopTicker func(), done chan struct{}) {
	defer func() {
		stopTicker()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			if ctx.Err() != nil {
				return
			}
			err := s.beater.Beat(ctx)
			if errors.Is(err, ErrStop) {
				s.logger.Debug("heartbeat loop stopped by beater")
				return
			}
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop cancels the loop and waits for an in-flight beat to return.
// It must not be called from inside Beat.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
