package commands

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"time"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/config"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/integrity"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/seatregistry"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/telemetry"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/transport"
)

// hostKeys is configuration decoded once and shared by the client and the
// memory guard, so the guard watches the bytes the client actually uses.
type hostKeys struct {
	trustedKey ed25519.PublicKey
}

func decodeHostKeys(c config.ServerConfig) (*hostKeys, error) {
	keys := &hostKeys{}
	if c.TrustedKey == "" {
		return keys, nil
	}
	key, err := cnwloader.ParseTrustedKey(c.TrustedKey)
	if err != nil {
		return nil, fmt.Errorf("server.trusted_key: %w", err)
	}
	keys.trustedKey = key
	return keys, nil
}

// newMonitor builds the detector battery with a memory guard over keys.
// extra options are applied after the configured ones.
func newMonitor(c *config.Config, l *slog.Logger, keys *hostKeys, extra ...integrity.BatteryOption) *integrity.Monitor {
	guard := integrity.NewMemoryGuard()
	if keys.trustedKey != nil {
		guard.Protect("trusted_server_key", keys.trustedKey)
	}

	battery := []integrity.BatteryOption{integrity.WithMemoryGuard(guard)}
	if c.Integrity.ExpectedBinaryHash != "" {
		battery = append(battery, integrity.WithExpectedBinaryHash(c.Integrity.ExpectedBinaryHash))
	}
	battery = append(battery, extra...)

	opts := []integrity.Option{
		integrity.WithWindow(c.Timing.IntegrityWindow),
		integrity.WithLogger(l),
	}
	for _, kind := range c.Integrity.TransientKinds {
		opts = append(opts, integrity.WithSeverity(integrity.Kind(kind), integrity.Transient))
	}
	return integrity.NewMonitor(integrity.DefaultBattery(battery...), opts...)
}

// openSeats returns a nil registry for the "none" driver.
func openSeats(ctx context.Context, c config.SeatsConfig) (seatregistry.Registry, error) {
	switch c.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return seatregistry.NewMemoryRegistry(), nil
	case "postgres":
		r, err := seatregistry.OpenPostgres(ctx, c.DSN, seatregistry.WithTableName(c.Table))
		if err != nil {
			return nil, err
		}
		return r, nil
	case "mongo":
		r, err := seatregistry.OpenMongo(ctx, c.DSN, c.Database, seatregistry.WithCollectionName(c.Table))
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported seats driver: %s", c.Driver)
	}
}

func newTransport(c config.ServerConfig, timeout time.Duration) *transport.HTTP {
	opts := []transport.HTTPOption{
		transport.WithTimeout(timeout),
		transport.WithUserAgent("cnwloader/" + c.ClientVersion),
	}
	if c.APIKey != "" {
		opts = append(opts, transport.WithAPIKey(c.APIKey))
	}
	if c.RateLimit > 0 {
		opts = append(opts, transport.WithRateLimit(c.RateLimit, c.RateBurst))
	}
	return transport.NewHTTP(opts...)
}

func newClient(c *config.Config, l *slog.Logger, p *telemetry.Providers, seats seatregistry.Registry, keys *hostKeys) *cnwloader.Client {
	opts := []cnwloader.Option{
		cnwloader.WithTransport(newTransport(c.Server, c.Timing.RequestTimeout)),
		cnwloader.WithIntegrityMonitor(newMonitor(c, l, keys)),
		cnwloader.WithLogger(l),
		cnwloader.WithMeter(p.Meter),
		cnwloader.WithTracer(p.Tracer),
		cnwloader.WithRequestTimeout(c.Timing.RequestTimeout),
		cnwloader.WithHeartbeatInterval(c.Timing.HeartbeatInterval),
		cnwloader.WithClockSkew(c.Timing.ClockSkew),
		cnwloader.WithNonceWindow(c.Timing.NonceCapacity),
		cnwloader.WithClientVersion(c.Server.ClientVersion),
		cnwloader.WithDiagnosticHook(func(d cnwloader.Diagnostic) {
			l.Debug("diagnostic", "op", d.Op, "code", d.Code)
		}),
	}
	if keys.trustedKey != nil {
		opts = append(opts, cnwloader.WithTrustedServerPublicKey(keys.trustedKey))
	}
	if seats != nil {
		opts = append(opts, cnwloader.WithSeatRegistry(seats, c.Seats.StaleAfter))
	}
	return cnwloader.New(c.Server.URL, opts...)
}
