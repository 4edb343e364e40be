// Package integrity aggregates environment checks into a single trust verdict.
//
// The monitor owns only the aggregation policy and the verdict cache. The probes
// themselves are supplied by the caller as a Battery, which keeps OS-specific
// detection out of the session logic and lets tests substitute fakes.
package integrity

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Kind names one class of environment check.
type Kind string

const (
	KindDebugger        Kind = "debugger"
	KindVirtualMachine  Kind = "virtual_machine"
	KindMemoryTamper    Kind = "memory_tamper"
	KindBinaryIntegrity Kind = "binary_integrity"
)

// Kinds lists every known check kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindDebugger, KindVirtualMachine, KindMemoryTamper, KindBinaryIntegrity}
}

// Detector reports true when its check passes. A detector that cannot reach a
// verdict must return false.
type Detector func() bool

// Battery maps each kind to its detector.
type Battery map[Kind]Detector

// Severity decides how a failed check is handled by the session.
type Severity int

const (
	// Fatal failures ban the session.
	Fatal Severity = iota
	// Transient failures suspend the session and are retried at the next cadence.
	Transient
)

func (s Severity) String() string {
	if s == Transient {
		return "transient"
	}
	return "fatal"
}

const defaultWindow = 2 * time.Second

// Verdict is the aggregated judgment of one battery run.
type Verdict struct {
	Trusted    bool      `json:"trusted"`
	Fatal      bool      `json:"fatal"`
	Reasons    []Kind    `json:"reasons,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
	ValidUntil time.Time `json:"valid_until"`
}

// FreshAt reports whether the verdict may still gate a transition at t.
func (v Verdict) FreshAt(t time.Time) bool {
	return !v.CheckedAt.IsZero() && t.Before(v.ValidUntil)
}

// Monitor runs a Battery and caches the aggregated verdict for a short window.
// It is safe for concurrent use.
type Monitor struct {
	battery  Battery
	severity map[Kind]Severity
	window   time.Duration
	now      func() time.Time
	logger   *slog.Logger
	observe  func(Verdict)

	mu     sync.Mutex
	cached *Verdict
	group  singleflight.Group
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithWindow sets how long an aggregated verdict is reused. Zero disables caching.
func WithWindow(d time.Duration) Option {
	return func(m *Monitor) {
		m.window = d
	}
}

// WithSeverity overrides the severity of a failed check of kind k.
func WithSeverity(k Kind, s Severity) Option {
	return func(m *Monitor) {
		m.severity[k] = s
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithLogger sets the logger used for failed checks.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// WithObserver registers a callback invoked after every fresh battery run.
func WithObserver(fn func(Verdict)) Option {
	return func(m *Monitor) {
		m.observe = fn
	}
}

// NewMonitor creates a monitor over battery. The battery map is copied.
func NewMonitor(battery Battery, opts ...Option) *Monitor {
	m := &Monitor{
		battery:  make(Battery, len(battery)),
		severity: make(map[Kind]Severity),
		window:   defaultWindow,
		now:      time.Now,
		logger:   slog.Default().With(slog.String("component", "integrity")),
	}
	for k, d := range battery {
		if d != nil {
			m.battery[k] = d
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check runs the detector for a single kind. Unknown kinds fail closed.
func (m *Monitor) Check(kind Kind) bool {
	d, ok := m.battery[kind]
	if !ok {
		return false
	}
	return probe(d)
}

// Aggregate returns the cached verdict while it is fresh and otherwise runs
// every registered detector. Any failing detector makes the verdict untrusted.
func (m *Monitor) Aggregate() Verdict {
	now := m.now()
	m.mu.Lock()
	if m.cached != nil && m.cached.FreshAt(now) {
		v := *m.cached
		m.mu.Unlock()
		return v
	}
	m.mu.Unlock()

	res, _, _ := m.group.Do("aggregate", func() (interface{}, error) {
		// Another caller may have refreshed the cache while we waited.
		m.mu.Lock()
		if m.cached != nil && m.cached.FreshAt(m.now()) {
			v := *m.cached
			m.mu.Unlock()
			return v, nil
		}
		m.mu.Unlock()

		v := m.run()
		m.mu.Lock()
		if m.window > 0 {
			m.cached = &v
		} else {
			m.cached = nil
		}
		m.mu.Unlock()
		if m.observe != nil {
			m.observe(v)
		}
		return v, nil
	})
	return res.(Verdict)
}

// Invalidate drops the cached verdict so the next Aggregate probes again.
func (m *Monitor) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

func (m *Monitor) run() Verdict {
	checkedAt := m.now()
	v := Verdict{
		Trusted:    true,
		CheckedAt:  checkedAt,
		ValidUntil: checkedAt.Add(m.window),
	}
	for kind, d := range m.battery {
		if probe(d) {
			continue
		}
		v.Trusted = false
		v.Reasons = append(v.Reasons, kind)
		if m.severity[kind] == Fatal {
			v.Fatal = true
		}
	}
	sort.Slice(v.Reasons, func(i, j int) bool { return v.Reasons[i] < v.Reasons[j] })

	if !v.Trusted {
		reasons := make([]string, len(v.Reasons))
		for i, r := range v.Reasons {
			reasons[i] = string(r)
		}
		m.logger.Warn("integrity check failed",
			slog.Any("reasons", reasons),
			slog.Bool("fatal", v.Fatal),
		)
	}
	return v
}

// probe runs d, treating a panic as a failed check.
func probe(d Detector) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return d()
}
