package cnwloader

import (
	"crypto/ed25519"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/integrity"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/seatregistry"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/transport"
)

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the transport used to reach the authority.
// Default is an HTTP transport with the request timeout applied.
func WithTransport(t transport.Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithIntegrityMonitor sets the monitor consulted before every network operation.
// Default is a monitor over integrity.DefaultBattery().
func WithIntegrityMonitor(m *integrity.Monitor) Option {
	return func(c *Client) {
		c.monitor = m
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMeter sets the meter used for loader metrics. Default is the global meter provider.
func WithMeter(m metric.Meter) Option {
	return func(c *Client) {
		c.meter = m
	}
}

// WithTracer sets the tracer used for operation spans. Default is the global tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = t
	}
}

// WithRequestTimeout bounds every network operation. Default is 10 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithHeartbeatInterval sets the background heartbeat cadence. Default is 30
// seconds; zero disables the scheduler so the caller drives Heartbeat itself.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) {
		c.heartbeatInterval = d
	}
}

// WithClockSkew sets the tolerated envelope timestamp skew. Default is 5 minutes.
func WithClockSkew(d time.Duration) Option {
	return func(c *Client) {
		c.skew = d
	}
}

// WithNonceWindow bounds the replay window to capacity nonces.
func WithNonceWindow(capacity int) Option {
	return func(c *Client) {
		c.nonceCapacity = capacity
	}
}

// WithTrustedServerKey pins the authority's base64 Ed25519 identity key. When
// set, unsigned or mis-signed handshakes are rejected.
func WithTrustedServerKey(b64 string) Option {
	return func(c *Client) {
		c.trustedKeyB64 = b64
	}
}

// WithTrustedServerPublicKey pins an already decoded identity key. The slice
// is used by reference, so a MemoryGuard protecting it watches the bytes every
// handshake is verified with.
func WithTrustedServerPublicKey(pub ed25519.PublicKey) Option {
	return func(c *Client) {
		c.trustedKey = pub
		c.trustedKeyB64 = ""
	}
}

// WithClientVersion sets the version reported in the handshake.
func WithClientVersion(v string) Option {
	return func(c *Client) {
		c.clientVersion = v
	}
}

// WithFingerprintSources computes the fingerprint from sources instead of
// DefaultFingerprintSources. Hosts add facts of their own, such as a
// hardware serial, by appending to the defaults.
func WithFingerprintSources(sources ...FingerprintSource) Option {
	return func(c *Client) {
		c.fingerprintFn = func() (string, error) { return FingerprintFrom(sources...) }
	}
}

// WithFingerprint fixes the device fingerprint instead of computing it.
func WithFingerprint(fp string) Option {
	return func(c *Client) {
		c.fingerprintFn = func() (string, error) { return fp, nil }
	}
}

// WithFingerprintFunc replaces GenerateFingerprint.
func WithFingerprintFunc(fn func() (string, error)) Option {
	return func(c *Client) {
		c.fingerprintFn = fn
	}
}

// WithSeatRegistry enables fleet-wide device limit enforcement. Seats not
// seen for staleAfter are pruned before counting; zero keeps every seat.
func WithSeatRegistry(r seatregistry.Registry, staleAfter time.Duration) Option {
	return func(c *Client) {
		c.seats = r
		c.seatStaleAfter = staleAfter
	}
}

// WithDiagnosticHook registers a callback for every recorded Diagnostic.
// The hook runs after the failing operation has released the client, so it
// may call back into the Client.
func WithDiagnosticHook(fn func(Diagnostic)) Option {
	return func(c *Client) {
		c.onDiagnostic = fn
	}
}

// WithClock replaces time.Now for license expiry and envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}
