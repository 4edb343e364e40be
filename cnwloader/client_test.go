package cnwloader

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/authoritytest"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/integrity"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/protocol"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/seatregistry"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/session"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/telemetry"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/transport"
)

const (
	testUser     = "alice"
	testPassword = "correct horse"
)

// probes is a detector battery whose checks can be flipped from tests.
type probes struct {
	mu      sync.Mutex
	failing map[integrity.Kind]bool
}

func newProbes() *probes {
	return &probes{failing: make(map[integrity.Kind]bool)}
}

func (p *probes) set(k integrity.Kind, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[k] = failing
}

func (p *probes) anyFailing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.failing {
		if f {
			return true
		}
	}
	return false
}

func (p *probes) battery() integrity.Battery {
	b := make(integrity.Battery)
	for _, k := range integrity.Kinds() {
		b[k] = func() bool {
			p.mu.Lock()
			defer p.mu.Unlock()
			return !p.failing[k]
		}
	}
	return b
}

type harness struct {
	srv    *authoritytest.Server
	client *Client
	wire   *transport.Counting
	probes *probes
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	srv := authoritytest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddAccount(authoritytest.DemoAccount(testUser, testPassword))
	return newHarnessFor(t, srv, opts...)
}

func newHarnessFor(t *testing.T, srv *authoritytest.Server, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		srv:    srv,
		wire:   transport.NewCounting(transport.NewHTTP(transport.WithTimeout(5 * time.Second))),
		probes: newProbes(),
	}
	base := []Option{
		WithTransport(h.wire),
		WithIntegrityMonitor(integrity.NewMonitor(h.probes.battery(), integrity.WithWindow(0))),
		WithFingerprint("fp-0000-test-device"),
		WithHeartbeatInterval(0),
		WithRequestTimeout(2 * time.Second),
		WithTrustedServerKey(srv.PublicKey()),
		WithLogger(slog.New(slog.DiscardHandler)),
	}
	h.client = New(srv.URL, append(base, opts...)...)
	t.Cleanup(func() { _ = h.client.Close(context.Background()) })
	return h
}

func (h *harness) activate(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.True(t, h.client.Initialize(ctx), "initialize: %v", lastErr(h.client))
	require.True(t, h.client.Login(ctx, testUser, testPassword), "login: %v", lastErr(h.client))
	require.True(t, h.client.ValidateLicense(ctx), "validate: %v", lastErr(h.client))
	require.Equal(t, session.Active, h.client.State())
}

func lastErr(c *Client) error {
	d, ok := c.LastDiagnostic()
	if !ok {
		return nil
	}
	return d.Err
}

func lastCode(c *Client) string {
	d, _ := c.LastDiagnostic()
	return d.Code
}

func TestClient_StandardFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, session.Uninitialized, h.client.State())
	assert.False(t, h.client.IsAuthenticated())

	require.True(t, h.client.Initialize(ctx))
	assert.Equal(t, session.Authenticating, h.client.State())

	require.True(t, h.client.Login(ctx, testUser, testPassword))
	assert.Equal(t, session.ValidatingLicense, h.client.State())
	assert.True(t, h.client.IsAuthenticated())

	require.True(t, h.client.ValidateLicense(ctx))
	assert.Equal(t, session.Active, h.client.State())

	lic := h.client.GetLicenseInfo()
	assert.Equal(t, protocol.StatusActive, lic.Status)
	assert.Equal(t, "standard", lic.Type)
	require.NotNil(t, lic.ExpiresAt)
	assert.True(t, lic.ExpiresAt.After(time.Now()))

	user := h.client.GetUserInfo()
	assert.Equal(t, "user-alice", user.ID)
	assert.Equal(t, testUser, user.Username)

	assert.True(t, h.client.Heartbeat(ctx))
	assert.True(t, h.client.Verify(ctx))
	assert.Equal(t, session.Active, h.client.State())
	assert.False(t, h.client.IsBanned())
	assert.True(t, h.client.Verdict().Trusted)

	assert.Equal(t, 1, h.srv.Requests(protocol.EndpointHandshake))
	assert.Equal(t, 1, h.srv.Devices("lic-alice"))
}

func TestClient_GetLicenseInfoReturnsCopy(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	lic := h.client.GetLicenseInfo()
	lic.Features["max_devices"] = float64(99)
	*lic.ExpiresAt = time.Time{}

	again := h.client.GetLicenseInfo()
	assert.Equal(t, float64(3), again.Features["max_devices"])
	assert.False(t, again.ExpiresAt.IsZero())
}

func TestClient_OperationsOutOfOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.False(t, h.client.Login(ctx, testUser, testPassword))
	assert.Equal(t, CodeInvalidState, lastCode(h.client))
	assert.False(t, h.client.ValidateLicense(ctx))
	assert.False(t, h.client.Heartbeat(ctx))
	assert.False(t, h.client.Verify(ctx))
	assert.Equal(t, session.Uninitialized, h.client.State())
	assert.Zero(t, h.wire.Count())

	require.True(t, h.client.Initialize(ctx))
	assert.False(t, h.client.Initialize(ctx))
	assert.True(t, errors.Is(lastErr(h.client), ErrInvalidState))
}

func TestClient_HeartbeatRevokeBans(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()

	h.srv.QueueDirective("revoke", "chargeback")
	assert.False(t, h.client.Heartbeat(ctx))
	assert.Equal(t, session.Banned, h.client.State())
	assert.True(t, h.client.IsBanned())
	assert.Equal(t, "chargeback", h.client.GetBanReason())
	assert.Equal(t, protocol.CodeLicenseRevoked, lastCode(h.client))
	assert.True(t, errors.Is(lastErr(h.client), ErrLicenseRevoked))

	sent := h.wire.Count()
	for range 3 {
		assert.False(t, h.client.Heartbeat(ctx))
	}
	assert.False(t, h.client.ValidateLicense(ctx))
	assert.False(t, h.client.Verify(ctx))
	assert.Equal(t, sent, h.wire.Count(), "banned session must not reach the transport")
	assert.Equal(t, CodeInvalidState, lastCode(h.client))
}

func TestClient_LicenseRevokedAtAuthorityBans(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	h.srv.SetLicenseStatus(testUser, protocol.StatusRevoked)
	assert.False(t, h.client.Heartbeat(context.Background()))
	assert.True(t, h.client.IsBanned())
	assert.Equal(t, "license revoked", h.client.GetBanReason())
	assert.Equal(t, protocol.StatusRevoked, h.client.GetLicenseInfo().Status)
}

func TestClient_BanDirectiveCarriesReason(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	h.srv.QueueDirective("ban", "account shared")
	assert.False(t, h.client.Heartbeat(context.Background()))
	assert.True(t, h.client.IsBanned())
	assert.Equal(t, "account shared", h.client.GetBanReason())
	assert.True(t, errors.Is(lastErr(h.client), ErrBanned))
}

func TestClient_BannedAccountAtLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.Ban(testUser, "terms violation")

	require.True(t, h.client.Initialize(ctx))
	assert.False(t, h.client.Login(ctx, testUser, testPassword))
	assert.True(t, h.client.IsBanned())
	assert.Equal(t, "terms violation", h.client.GetBanReason())
	assert.False(t, h.client.IsAuthenticated())
}

func TestClient_DebuggerMidSessionBans(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()

	h.probes.set(integrity.KindDebugger, true)
	sent := h.wire.Count()

	assert.False(t, h.client.Heartbeat(ctx))
	assert.Equal(t, session.Banned, h.client.State())
	assert.Contains(t, h.client.GetBanReason(), string(integrity.KindDebugger))
	assert.Equal(t, sent, h.wire.Count(), "no request may leave an untrusted environment")
	assert.Equal(t, CodeIntegrity, lastCode(h.client))

	var trust *TrustError
	require.ErrorAs(t, lastErr(h.client), &trust)
	assert.Equal(t, []string{string(integrity.KindDebugger)}, trust.Reasons)
	assert.True(t, errors.Is(trust, ErrUntrusted))

	h.client.mu.Lock()
	assert.False(t, h.client.sess.Keyed(), "ban must wipe the session key")
	assert.Empty(t, h.client.sess.Token)
	h.client.mu.Unlock()

	h.probes.set(integrity.KindDebugger, false)
	assert.False(t, h.client.Heartbeat(ctx), "banned is absorbing")
	assert.Equal(t, sent, h.wire.Count())
}

func TestClient_TransientVerdictSuspends(t *testing.T) {
	p := newProbes()
	mon := integrity.NewMonitor(p.battery(),
		integrity.WithWindow(0),
		integrity.WithSeverity(integrity.KindVirtualMachine, integrity.Transient))
	h := newHarness(t, WithIntegrityMonitor(mon))
	h.probes = p
	h.activate(t)
	ctx := context.Background()

	p.set(integrity.KindVirtualMachine, true)
	sent := h.wire.Count()
	assert.False(t, h.client.Heartbeat(ctx))
	assert.Equal(t, session.Suspended, h.client.State())
	assert.Equal(t, CodeTransient, lastCode(h.client))
	assert.True(t, errors.Is(lastErr(h.client), ErrUntrusted))
	assert.Equal(t, sent, h.wire.Count())
	assert.False(t, h.client.Verdict().Trusted)

	p.set(integrity.KindVirtualMachine, false)
	assert.True(t, h.client.Heartbeat(ctx))
	assert.Equal(t, session.Active, h.client.State())
}

func TestClient_HeartbeatTimeoutSuspendsThenRecovers(t *testing.T) {
	h := newHarness(t, WithRequestTimeout(150*time.Millisecond))
	h.activate(t)
	ctx := context.Background()

	h.srv.FailNext(protocol.EndpointHeartbeat, authoritytest.Failure{Delay: 2 * time.Second})
	assert.False(t, h.client.Heartbeat(ctx))
	assert.Equal(t, session.Suspended, h.client.State())
	assert.Equal(t, CodeTransient, lastCode(h.client))
	assert.False(t, h.client.IsBanned())
	assert.Equal(t, protocol.StatusActive, h.client.GetLicenseInfo().Status)

	assert.True(t, h.client.Heartbeat(ctx))
	assert.Equal(t, session.Active, h.client.State())
}

func TestClient_ServerUnavailableIsTransient(t *testing.T) {
	for _, status := range []int{http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			h := newHarness(t)
			h.activate(t)

			h.srv.FailNext(protocol.EndpointHeartbeat, authoritytest.Failure{Status: status})
			assert.False(t, h.client.Heartbeat(context.Background()))
			assert.Equal(t, session.Suspended, h.client.State())
			assert.Equal(t, CodeTransient, lastCode(h.client))

			assert.True(t, h.client.Heartbeat(context.Background()))
			assert.Equal(t, 1, h.srv.Requests(protocol.EndpointHandshake), "transient failures keep the key")
		})
	}
}

func TestClient_ProtocolFailureRekeys(t *testing.T) {
	tests := []struct {
		name    string
		failure authoritytest.Failure
		want    error
	}{
		{"tampered signature", authoritytest.Failure{Tamper: true}, protocol.ErrSignature},
		{"stale timestamp", authoritytest.Failure{Stale: true}, protocol.ErrExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.activate(t)
			ctx := context.Background()

			h.srv.FailNext(protocol.EndpointHeartbeat, tt.failure)
			assert.False(t, h.client.Heartbeat(ctx))
			assert.Equal(t, session.Suspended, h.client.State())
			assert.Equal(t, CodeProtocol, lastCode(h.client))
			assert.True(t, errors.Is(lastErr(h.client), tt.want), "got %v", lastErr(h.client))
			assert.False(t, h.client.IsBanned())

			assert.True(t, h.client.Heartbeat(ctx), "heartbeat after rekey: %v", lastErr(h.client))
			assert.Equal(t, session.Active, h.client.State())
			assert.Equal(t, 2, h.srv.Requests(protocol.EndpointHandshake))
			assert.True(t, h.client.Verify(ctx), "resumed session stays bound")
		})
	}
}

func TestClient_UnauthenticatedErrorNeverBans(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	h.srv.FailNext(protocol.EndpointValidate, authoritytest.Failure{Status: http.StatusForbidden})
	assert.False(t, h.client.ValidateLicense(context.Background()))
	assert.Equal(t, session.Suspended, h.client.State())
	assert.Equal(t, CodeProtocol, lastCode(h.client))
	assert.False(t, h.client.IsBanned())

	assert.True(t, h.client.ValidateLicense(context.Background()))
	assert.Equal(t, session.Active, h.client.State())
}

func TestClient_AuthorityForgetsSession(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()

	h.srv.ForgetSessions()
	assert.False(t, h.client.Heartbeat(ctx))
	assert.Equal(t, session.Suspended, h.client.State())
	assert.Equal(t, CodeProtocol, lastCode(h.client))

	assert.False(t, h.client.Heartbeat(ctx))
	assert.Equal(t, protocol.CodeSessionUnknown, lastCode(h.client))
	assert.Equal(t, session.Suspended, h.client.State())
	assert.False(t, h.client.IsBanned())
}

func TestClient_InvalidCredentialsKeepAuthenticating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.client.Initialize(ctx))

	assert.False(t, h.client.Login(ctx, testUser, "wrong"))
	assert.Equal(t, session.Authenticating, h.client.State())
	assert.Equal(t, protocol.CodeInvalidCredentials, lastCode(h.client))
	assert.True(t, errors.Is(lastErr(h.client), ErrInvalidCredentials))

	sent := h.wire.Count()
	assert.False(t, h.client.Login(ctx, "", ""))
	assert.Equal(t, sent, h.wire.Count(), "empty credentials are rejected locally")

	assert.True(t, h.client.Login(ctx, testUser, testPassword))
	assert.Equal(t, session.ValidatingLicense, h.client.State())
}

func TestClient_DeviceLimitAtLogin(t *testing.T) {
	srv := authoritytest.NewServer()
	t.Cleanup(srv.Close)
	acct := authoritytest.DemoAccount(testUser, testPassword)
	acct.License.MaxDevices = 1
	srv.AddAccount(acct)

	first := newHarnessFor(t, srv, WithFingerprint("fp-first"))
	first.activate(t)

	second := newHarnessFor(t, srv, WithFingerprint("fp-second"))
	ctx := context.Background()
	require.True(t, second.client.Initialize(ctx))
	assert.False(t, second.client.Login(ctx, testUser, testPassword))
	assert.Equal(t, protocol.CodeDeviceLimit, lastCode(second.client))
	assert.True(t, errors.Is(lastErr(second.client), ErrDeviceLimit))
	assert.Equal(t, session.Authenticating, second.client.State())
}

func TestClient_ExpiredLicense(t *testing.T) {
	t.Run("at validation", func(t *testing.T) {
		srv := authoritytest.NewServer()
		t.Cleanup(srv.Close)
		acct := authoritytest.DemoAccount(testUser, testPassword)
		past := time.Now().Add(-time.Hour)
		acct.License.ExpiresAt = &past
		srv.AddAccount(acct)

		h := newHarnessFor(t, srv)
		ctx := context.Background()
		require.True(t, h.client.Initialize(ctx))
		require.True(t, h.client.Login(ctx, testUser, testPassword))

		assert.False(t, h.client.ValidateLicense(ctx))
		assert.Equal(t, session.ValidatingLicense, h.client.State())
		assert.Equal(t, protocol.StatusExpired, h.client.GetLicenseInfo().Status)
		assert.Equal(t, protocol.CodeLicenseExpired, lastCode(h.client))
		assert.False(t, h.client.IsBanned())
	})

	t.Run("mid session", func(t *testing.T) {
		h := newHarness(t)
		h.activate(t)
		ctx := context.Background()

		h.srv.SetLicenseExpiry(testUser, time.Now().Add(-time.Minute))
		assert.False(t, h.client.Heartbeat(ctx))
		assert.Equal(t, session.Suspended, h.client.State())
		assert.Equal(t, protocol.StatusExpired, h.client.GetLicenseInfo().Status)
		assert.True(t, errors.Is(lastErr(h.client), ErrLicenseExpired))

		h.srv.SetLicenseExpiry(testUser, time.Now().Add(time.Hour))
		assert.True(t, h.client.Heartbeat(ctx))
		assert.Equal(t, session.Active, h.client.State())
		assert.Equal(t, protocol.StatusActive, h.client.GetLicenseInfo().Status)
	})

	t.Run("expire directive", func(t *testing.T) {
		h := newHarness(t)
		h.activate(t)

		h.srv.QueueDirective("expire", "")
		assert.False(t, h.client.Heartbeat(context.Background()))
		assert.Equal(t, session.Suspended, h.client.State())
		assert.False(t, h.client.IsBanned())
	})
}

func TestClient_RenewExtendsSession(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	h.client.mu.Lock()
	before := h.client.sess.ExpiresAt
	h.client.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	h.srv.QueueDirective("renew", "")
	require.True(t, h.client.Heartbeat(context.Background()))

	h.client.mu.Lock()
	after := h.client.sess.ExpiresAt
	h.client.mu.Unlock()
	assert.True(t, after.After(before), "renew should move session expiry forward")
}

func TestClient_ServerIdentity(t *testing.T) {
	t.Run("mismatched key", func(t *testing.T) {
		pub, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		h := newHarness(t, WithTrustedServerKey(base64.StdEncoding.EncodeToString(pub)))

		assert.False(t, h.client.Initialize(context.Background()))
		assert.Equal(t, CodeProtocol, lastCode(h.client))
		assert.True(t, errors.Is(lastErr(h.client), ErrServerIdentity))
		assert.Equal(t, session.Handshaking, h.client.State())
	})

	t.Run("tampered handshake", func(t *testing.T) {
		h := newHarness(t)
		h.srv.FailNext(protocol.EndpointHandshake, authoritytest.Failure{Tamper: true})

		assert.False(t, h.client.Initialize(context.Background()))
		assert.True(t, errors.Is(lastErr(h.client), ErrServerIdentity))

		assert.True(t, h.client.Initialize(context.Background()), "retry from Handshaking")
		assert.Equal(t, session.Authenticating, h.client.State())
	})

	t.Run("invalid configured key", func(t *testing.T) {
		h := newHarness(t, WithTrustedServerKey("not base64!"))

		assert.False(t, h.client.Initialize(context.Background()))
		assert.True(t, errors.Is(lastErr(h.client), ErrServerKey))
		assert.Zero(t, h.wire.Count())
	})
}

func TestClient_SeatLimit(t *testing.T) {
	srv := authoritytest.NewServer()
	t.Cleanup(srv.Close)
	acct := authoritytest.DemoAccount(testUser, testPassword)
	acct.License.MaxDevices = 0
	acct.License.Features = map[string]any{"max_devices": float64(1)}
	srv.AddAccount(acct)

	seats := seatregistry.NewMemoryRegistry()
	first := newHarnessFor(t, srv, WithFingerprint("fp-first"), WithSeatRegistry(seats, time.Hour))
	first.activate(t)

	ctx := context.Background()
	n, err := seats.Count(ctx, "lic-alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	second := newHarnessFor(t, srv, WithFingerprint("fp-second"), WithSeatRegistry(seats, time.Hour))
	require.True(t, second.client.Initialize(ctx))
	require.True(t, second.client.Login(ctx, testUser, testPassword))
	assert.False(t, second.client.ValidateLicense(ctx))
	assert.Equal(t, CodeLimit, lastCode(second.client))
	assert.True(t, errors.Is(lastErr(second.client), ErrSeatLimitExceeded))

	n, err = seats.Count(ctx, "lic-alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "an over-limit claim is released again")

	require.NoError(t, first.client.Close(ctx))
	assert.True(t, second.client.ValidateLicense(ctx), "seat freed by Close: %v", lastErr(second.client))

	list, err := seats.List(ctx, "lic-alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fp-second", list[0].Fingerprint)
	assert.Equal(t, "standard", list[0].LicenseType)
}

func TestClient_CPULimit(t *testing.T) {
	if runtime.NumCPU() < 2 {
		t.Skip("needs at least two CPUs to exceed a limit of one")
	}
	srv := authoritytest.NewServer()
	t.Cleanup(srv.Close)
	acct := authoritytest.DemoAccount(testUser, testPassword)
	acct.License.Features["max_cpu_per_node"] = float64(1)
	srv.AddAccount(acct)

	h := newHarnessFor(t, srv)
	ctx := context.Background()
	require.True(t, h.client.Initialize(ctx))
	require.True(t, h.client.Login(ctx, testUser, testPassword))
	assert.False(t, h.client.ValidateLicense(ctx))
	assert.True(t, errors.Is(lastErr(h.client), ErrCPULimitExceeded))
	assert.Equal(t, session.ValidatingLicense, h.client.State())
}

func TestClient_CloseWipesAndTerminates(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()

	require.NoError(t, h.client.Close(ctx))
	assert.Equal(t, session.Terminated, h.client.State())
	assert.False(t, h.client.IsAuthenticated())

	h.client.mu.Lock()
	assert.False(t, h.client.sess.Keyed())
	assert.Empty(t, h.client.sess.Token)
	assert.Nil(t, h.client.sess.Challenge())
	h.client.mu.Unlock()

	sent := h.wire.Count()
	assert.False(t, h.client.Heartbeat(ctx))
	assert.True(t, errors.Is(lastErr(h.client), ErrTerminated))
	assert.False(t, h.client.Initialize(ctx))
	assert.Equal(t, sent, h.wire.Count())

	require.NoError(t, h.client.Close(ctx), "close is idempotent")
}

func TestClient_BackgroundHeartbeat(t *testing.T) {
	h := newHarness(t, WithHeartbeatInterval(20*time.Millisecond))
	h.activate(t)

	assert.Eventually(t, func() bool {
		return h.srv.Requests(protocol.EndpointHeartbeat) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	h.srv.QueueDirective("revoke", "license refunded")
	assert.Eventually(t, h.client.IsBanned, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "license refunded", h.client.GetBanReason())

	beats := h.srv.Requests(protocol.EndpointHeartbeat)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, beats, h.srv.Requests(protocol.EndpointHeartbeat), "scheduler stops once banned")
}

func TestClient_CloseStopsBackgroundHeartbeat(t *testing.T) {
	h := newHarness(t, WithHeartbeatInterval(10*time.Millisecond))
	h.activate(t)

	assert.Eventually(t, func() bool {
		return h.srv.Requests(protocol.EndpointHeartbeat) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.client.Close(context.Background()))
	beats := h.srv.Requests(protocol.EndpointHeartbeat)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, beats, h.srv.Requests(protocol.EndpointHeartbeat))
	assert.Equal(t, session.Terminated, h.client.State())
}

func TestClient_ConcurrentCallersSerialize(t *testing.T) {
	h := newHarness(t, WithHeartbeatInterval(5*time.Millisecond))
	h.activate(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				switch i % 3 {
				case 0:
					h.client.Heartbeat(ctx)
				case 1:
					h.client.ValidateLicense(ctx)
				default:
					h.client.Verify(ctx)
				}
				_ = h.client.GetLicenseInfo()
				_ = h.client.State()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, session.Active, h.client.State(), "last failure: %v", lastErr(h.client))
	assert.Equal(t, 1, h.srv.Requests(protocol.EndpointHandshake))
}

func TestClient_DiagnosticHook(t *testing.T) {
	var (
		mu    sync.Mutex
		diags []Diagnostic
	)
	h := newHarness(t, WithDiagnosticHook(func(d Diagnostic) {
		mu.Lock()
		defer mu.Unlock()
		diags = append(diags, d)
	}))
	ctx := context.Background()
	require.True(t, h.client.Initialize(ctx))
	assert.False(t, h.client.Login(ctx, testUser, "nope"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, diags, 1)
	assert.Equal(t, opLogin, diags[0].Op)
	assert.Equal(t, protocol.CodeInvalidCredentials, diags[0].Code)
	assert.Equal(t, session.Authenticating, diags[0].State)
	assert.NotContains(t, diags[0].Err.Error(), "nope")
}

func TestClient_DiagnosticHookMayReenter(t *testing.T) {
	var (
		h   *harness
		ops []string
	)
	h = newHarness(t, WithDiagnosticHook(func(d Diagnostic) {
		ops = append(ops, d.Op)
		if d.Op == opLogin {
			h.client.Verify(context.Background())
		}
	}))
	ctx := context.Background()
	require.True(t, h.client.Initialize(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.client.Login(ctx, testUser, "nope")
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("diagnostic hook deadlocked the client")
	}
	assert.Equal(t, []string{opLogin, opVerify}, ops)
	assert.Equal(t, session.Authenticating, h.client.State())
}

func TestClient_GuardedServerKeyTamperBans(t *testing.T) {
	srv := authoritytest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddAccount(authoritytest.DemoAccount(testUser, testPassword))

	key, err := ParseTrustedKey(srv.PublicKey())
	require.NoError(t, err)
	guard := integrity.NewMemoryGuard()
	guard.Protect("trusted_server_key", key)
	mon := integrity.NewMonitor(integrity.Battery{integrity.KindMemoryTamper: guard.Intact}, integrity.WithWindow(0))

	h := newHarnessFor(t, srv, WithTrustedServerPublicKey(key), WithIntegrityMonitor(mon))
	h.activate(t)
	sent := h.wire.Count()

	key[0] ^= 0xff
	assert.False(t, h.client.Heartbeat(context.Background()))
	assert.Equal(t, session.Banned, h.client.State())
	assert.Contains(t, h.client.GetBanReason(), string(integrity.KindMemoryTamper))
	assert.Equal(t, sent, h.wire.Count())
}

func TestClient_TrustedServerPublicKeyLength(t *testing.T) {
	h := newHarness(t, WithTrustedServerPublicKey([]byte("short")))
	assert.False(t, h.client.Initialize(context.Background()))
	assert.ErrorIs(t, lastErr(h.client), ErrServerKey)
	assert.Zero(t, h.wire.Count())
}

func TestClient_RequestIDCorrelatesLogsAndWire(t *testing.T) {
	var (
		logs    bytes.Buffer
		wireIDs []string
		envIDs  []string
	)
	wire := transport.NewHTTP()
	capture := transport.Func(func(ctx context.Context, url string, body []byte) ([]byte, error) {
		var env protocol.RequestEnvelope
		if json.Unmarshal(body, &env) == nil && env.RequestID != "" {
			envIDs = append(envIDs, env.RequestID)
			wireIDs = append(wireIDs, telemetry.RequestID(ctx))
		}
		return wire.Send(ctx, url, body)
	})
	logger := telemetry.NewLoggerTo(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})

	h := newHarness(t, WithTransport(capture), WithLogger(logger))
	ctx := context.Background()
	require.True(t, h.client.Initialize(ctx))
	require.True(t, h.client.Login(ctx, testUser, testPassword))

	require.Len(t, envIDs, 1, "login is the only enveloped call")
	assert.Equal(t, envIDs, wireIDs)

	var answered []string
	dec := json.NewDecoder(&logs)
	for dec.More() {
		var line map[string]any
		require.NoError(t, dec.Decode(&line))
		if line["msg"] == "request answered" {
			answered = append(answered, line["request_id"].(string))
		}
	}
	assert.Equal(t, envIDs, answered)
}
