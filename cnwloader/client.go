package cnwloader

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/heartbeat"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/integrity"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/protocol"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/seatregistry"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/session"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/telemetry"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/transport"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultClientVersion  = "1.0.0"
)

var validate = validator.New()

// Client drives one loader session against a license authority.
//
// Every operation that reads or mutates the session, including the background
// heartbeat, runs under a single mutex. Getters read a snapshot published on
// each change and never wait behind network I/O.
type Client struct {
	serverURL         string
	transport         transport.Transport
	monitor           *integrity.Monitor
	codec             *protocol.Codec
	logger            *slog.Logger
	meter             metric.Meter
	metrics           *telemetry.Metrics
	tracer            trace.Tracer
	requestTimeout    time.Duration
	heartbeatInterval time.Duration
	skew              time.Duration
	nonceCapacity     int
	trustedKeyB64     string
	trustedKey        ed25519.PublicKey
	configErr         error
	clientVersion     string
	fingerprintFn     func() (string, error)
	seats             seatregistry.Registry
	seatStaleAfter    time.Duration
	onDiagnostic      func(Diagnostic)
	now               func() time.Time

	mu          sync.Mutex
	sess        *session.Session
	rekey       bool
	license     LicenseInfo
	user        UserInfo
	banReason   string
	seatClaimed bool
	beatSeq     uint64
	scheduler   *heartbeat.Scheduler
	pending     []Diagnostic

	closing atomic.Bool
	snap    atomic.Pointer[snapshot]

	diagMu   sync.Mutex
	lastDiag *Diagnostic
}

type snapshot struct {
	state     session.State
	license   LicenseInfo
	user      UserInfo
	banReason string
	verdict   integrity.Verdict
}

// New creates a client for the authority at serverURL
// (e.g. "https://auth.example.com"). No I/O happens until Initialize.
func New(serverURL string, opts ...Option) *Client {
	c := &Client{
		serverURL:         strings.TrimRight(serverURL, "/"),
		requestTimeout:    defaultRequestTimeout,
		heartbeatInterval: heartbeat.DefaultInterval,
		skew:              protocol.DefaultSkew,
		nonceCapacity:     protocol.DefaultNonceCapacity,
		clientVersion:     defaultClientVersion,
		fingerprintFn:     GenerateFingerprint,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.Default().With(slog.String("component", "cnwloader"))
	}
	if c.transport == nil {
		c.transport = transport.NewHTTP(transport.WithTimeout(c.requestTimeout))
	}
	if c.monitor == nil {
		c.monitor = integrity.NewMonitor(integrity.DefaultBattery(), integrity.WithLogger(c.logger))
	}
	if c.meter == nil {
		c.meter = otel.Meter(telemetry.MeterName)
	}
	if m, err := telemetry.NewMetrics(c.meter); err == nil {
		c.metrics = m
	} else {
		c.logger.Warn("metrics disabled", slog.String("error", err.Error()))
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(telemetry.MeterName)
	}
	switch {
	case c.trustedKeyB64 != "":
		c.trustedKey, c.configErr = ParseTrustedKey(c.trustedKeyB64)
	case c.trustedKey != nil && len(c.trustedKey) != ed25519.PublicKeySize:
		c.configErr = fmt.Errorf("%w: key length %d, expected %d", ErrServerKey, len(c.trustedKey), ed25519.PublicKeySize)
	}

	c.codec = protocol.NewCodec(protocol.WithSkew(c.skew), protocol.WithClock(c.now))
	c.sess = session.New("", c.now(), protocol.NewNonceWindow(c.nonceCapacity, 2*c.skew))
	c.publish()
	return c
}

// State returns the current session state.
func (c *Client) State() session.State {
	return c.snap.Load().state
}

// GetLicenseInfo returns the last license view received from the authority.
func (c *Client) GetLicenseInfo() LicenseInfo {
	return c.snap.Load().license.clone()
}

// GetUserInfo returns the authenticated account, if any.
func (c *Client) GetUserInfo() UserInfo {
	return c.snap.Load().user
}

// IsAuthenticated reports whether credentials were accepted and the session
// has not ended.
func (c *Client) IsAuthenticated() bool {
	switch c.State() {
	case session.ValidatingLicense, session.Active, session.Suspended:
		return true
	}
	return false
}

// IsBanned reports whether the session reached the Banned state.
func (c *Client) IsBanned() bool {
	return c.State() == session.Banned
}

// GetBanReason returns the reason recorded when the session was banned.
func (c *Client) GetBanReason() string {
	return c.snap.Load().banReason
}

// Verdict returns the most recent integrity verdict consulted by an operation.
func (c *Client) Verdict() integrity.Verdict {
	return c.snap.Load().verdict
}

// LastDiagnostic returns why the most recent failing operation returned false.
func (c *Client) LastDiagnostic() (Diagnostic, bool) {
	c.diagMu.Lock()
	defer c.diagMu.Unlock()
	if c.lastDiag == nil {
		return Diagnostic{}, false
	}
	return *c.lastDiag, true
}

// Close stops the heartbeat, enters Terminated, wipes key material and
// releases this device's seat. It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closing.Store(true)

	// Stop outside mu: an in-flight beat may be waiting for it.
	c.mu.Lock()
	sched := c.scheduler
	c.mu.Unlock()
	if sched != nil {
		sched.Stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sess.State().Absorbing() {
		c.transition(ctx, session.Terminated)
	}
	c.sess.Destroy()
	c.rekey = false
	return c.releaseSeat(ctx)
}

// publish stores a fresh snapshot. mu must be held, except during New.
func (c *Client) publish() {
	s := &snapshot{
		state:     c.sess.State(),
		license:   c.license.clone(),
		user:      c.user,
		banReason: c.banReason,
	}
	if prev := c.snap.Load(); prev != nil {
		s.verdict = prev.verdict
	}
	c.snap.Store(s)
}

func (c *Client) publishVerdict(v integrity.Verdict) {
	s := *c.snap.Load()
	s.verdict = v
	c.snap.Store(&s)
}

// transition moves the session to next, records it and starts the heartbeat
// when the session first becomes Active. mu must be held.
func (c *Client) transition(ctx context.Context, next session.State) {
	prev := c.sess.State()
	if prev == next {
		return
	}
	if err := c.sess.Transition(next); err != nil {
		c.logger.ErrorContext(ctx, "state transition rejected",
			slog.String("from", prev.String()),
			slog.String("to", next.String()))
		return
	}
	c.metrics.RecordTransition(ctx, prev.String(), next.String())
	c.logger.InfoContext(ctx, "session state changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))
	c.publish()

	if next == session.Active {
		c.startScheduler()
	}
}

// suspend moves an Active session to Suspended; other states are kept.
func (c *Client) suspend(ctx context.Context) {
	if c.sess.State() == session.Active {
		c.transition(ctx, session.Suspended)
	}
}

// ban enters Banned, wipes the session and releases the seat.
func (c *Client) ban(ctx context.Context, reason string) {
	if c.sess.State().Absorbing() {
		return
	}
	c.banReason = reason
	c.transition(ctx, session.Banned)
	c.sess.Destroy()
	c.rekey = false
	if err := c.releaseSeat(ctx); err != nil {
		c.logger.WarnContext(ctx, "seat release failed", slog.String("error", err.Error()))
	}
	c.logger.WarnContext(ctx, "session banned", slog.String("reason", reason))
}

func (c *Client) releaseSeat(ctx context.Context) error {
	if c.seats == nil || !c.seatClaimed {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.requestTimeout)
	defer cancel()
	c.seatClaimed = false
	return c.seats.Release(ctx, c.sess.Fingerprint)
}

func (c *Client) startScheduler() {
	if c.heartbeatInterval <= 0 || c.closing.Load() {
		return
	}
	if c.scheduler == nil {
		c.scheduler = heartbeat.New(c.heartbeatInterval, heartbeat.BeaterFunc(c.scheduledBeat),
			heartbeat.WithLogger(c.logger))
	}
	c.scheduler.Start(context.Background())
}

// scheduledBeat is the background flow. It takes mu through Heartbeat like any
// caller, and ends the loop once the session can no longer beat.
func (c *Client) scheduledBeat(ctx context.Context) error {
	if c.closing.Load() {
		return heartbeat.ErrStop
	}
	c.Heartbeat(ctx)
	if c.closing.Load() || c.State().Absorbing() {
		return heartbeat.ErrStop
	}
	return nil
}

// record publishes a Diagnostic and annotates the current span. The hook is
// deferred until unlock. mu must be held.
func (c *Client) record(ctx context.Context, op string, err error) {
	d := Diagnostic{
		Op:    op,
		Code:  diagnosticCode(err),
		Err:   err,
		State: c.sess.State(),
		At:    c.now(),
	}
	c.diagMu.Lock()
	c.lastDiag = &d
	c.diagMu.Unlock()

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, d.Code)

	if c.onDiagnostic != nil {
		c.pending = append(c.pending, d)
	}
}

// unlock releases mu, then hands diagnostics recorded under it to the hook.
func (c *Client) unlock() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, d := range pending {
		c.onDiagnostic(d)
	}
}

func diagnosticCode(err error) string {
	var (
		trust     *TrustError
		server    *ServerError
		proto     *ProtocolError
		transient *TransientError
	)
	switch {
	case errors.As(err, &trust):
		return CodeIntegrity
	case errors.As(err, &server):
		return server.Code
	case errors.As(err, &proto):
		return CodeProtocol
	case errors.As(err, &transient):
		return CodeTransient
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrTerminated):
		return CodeInvalidState
	case errors.Is(err, ErrCPULimitExceeded), errors.Is(err, ErrSeatLimitExceeded):
		return CodeLimit
	default:
		return CodeClient
	}
}
