package cnwloader

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/crypto"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/heartbeat"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/protocol"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/seatregistry"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/session"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/telemetry"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/transport"
)

const (
	opInitialize = "initialize"
	opLogin      = "login"
	opValidate   = "validate_license"
	opHeartbeat  = "heartbeat"
	opVerify     = "verify"
)

// Initialize computes the device fingerprint and performs the key exchange.
// It succeeds from Uninitialized (or a failed earlier attempt) and leaves the
// session in Authenticating.
func (c *Client) Initialize(ctx context.Context) bool {
	ctx, span := c.start(ctx, opInitialize)
	defer span.End()
	c.mu.Lock()
	defer c.unlock()

	if err := c.guard(ctx, opInitialize, session.Uninitialized, session.Handshaking); err != nil {
		return c.fail(ctx, opInitialize, err)
	}

	fp, err := c.fingerprintFn()
	if err != nil {
		return c.fail(ctx, opInitialize, fmt.Errorf("generate fingerprint: %w", err))
	}
	if fp == "" {
		return c.fail(ctx, opInitialize, errors.New("generate fingerprint: empty fingerprint"))
	}
	c.sess.Fingerprint = fp
	c.transition(ctx, session.Handshaking)

	if err := c.handshake(ctx, opInitialize); err != nil {
		return c.fail(ctx, opInitialize, err)
	}
	c.transition(ctx, session.Authenticating)
	return true
}

// Login proves possession of the session key and submits credentials. On
// success the session holds a token and moves to ValidatingLicense. Rejected
// credentials keep the session in Authenticating so the caller may retry.
func (c *Client) Login(ctx context.Context, username, password string) bool {
	ctx, span := c.start(ctx, opLogin)
	defer span.End()
	c.mu.Lock()
	defer c.unlock()

	if err := c.guard(ctx, opLogin, session.Authenticating); err != nil {
		return c.fail(ctx, opLogin, err)
	}
	if username == "" || password == "" {
		return c.fail(ctx, opLogin, fmt.Errorf("%w: username and password are required", ErrInvalidCredentials))
	}
	if err := c.ensureKeyed(ctx, opLogin); err != nil {
		return c.fail(ctx, opLogin, err)
	}

	proof := crypto.Sign(c.sess.SessionKey(), c.sess.Challenge())
	req := protocol.LoginRequest{
		Username:    username,
		Password:    password,
		Fingerprint: c.sess.Fingerprint,
		Proof:       base64.StdEncoding.EncodeToString(proof),
	}
	var resp protocol.LoginResponse
	if err := c.call(ctx, protocol.EndpointLogin, req, &resp); err != nil {
		return c.fail(ctx, opLogin, err)
	}
	if resp.SessionToken == "" {
		return c.fail(ctx, opLogin, &ProtocolError{Op: opLogin, Err: fmt.Errorf("%w: empty session token", protocol.ErrMalformed)})
	}

	c.sess.Token = resp.SessionToken
	c.sess.ExpiresAt = resp.SessionExpiresAt
	c.user = UserInfo{ID: resp.User.ID, Username: resp.User.Username, Email: resp.User.Email}
	c.license = licenseFromWire(resp.License)
	c.logger.InfoContext(ctx, "login accepted",
		slog.String("user_id", resp.User.ID),
		slog.String("license_type", resp.License.Type),
		slog.String("fingerprint", shortFingerprint(c.sess.Fingerprint)))
	c.transition(ctx, session.ValidatingLicense)
	return true
}

// ValidateLicense asks the authority for the current license state. An active,
// unexpired license within its CPU and seat limits makes the session Active
// and starts the heartbeat. Revoked or banned licenses ban the session.
func (c *Client) ValidateLicense(ctx context.Context) bool {
	ctx, span := c.start(ctx, opValidate)
	defer span.End()
	c.mu.Lock()
	defer c.unlock()

	if err := c.guard(ctx, opValidate, session.ValidatingLicense, session.Active, session.Suspended); err != nil {
		return c.fail(ctx, opValidate, err)
	}
	if err := c.ensureKeyed(ctx, opValidate); err != nil {
		return c.fail(ctx, opValidate, err)
	}

	var resp protocol.ValidateResponse
	req := protocol.TokenRequest{SessionToken: c.sess.Token, Fingerprint: c.sess.Fingerprint}
	if err := c.call(ctx, protocol.EndpointValidate, req, &resp); err != nil {
		return c.fail(ctx, opValidate, err)
	}

	c.license = licenseFromWire(resp.License)
	c.publish()
	serverNow := serverTime(resp.ServerTime, c.now())

	switch status := resp.License.Status; {
	case status == protocol.StatusRevoked:
		return c.fail(ctx, opValidate, authorityVerdict(opValidate, protocol.CodeLicenseRevoked, "license revoked"))
	case status == protocol.StatusBanned:
		return c.fail(ctx, opValidate, authorityVerdict(opValidate, protocol.CodeBanned, "license banned"))
	case status == protocol.StatusExpired,
		status == protocol.StatusActive && !c.license.Active(serverNow):
		return c.fail(ctx, opValidate, authorityVerdict(opValidate, protocol.CodeLicenseExpired, "license expired"))
	case status != protocol.StatusActive:
		c.suspend(ctx)
		return c.fail(ctx, opValidate, fmt.Errorf("%w: status %q", ErrLicenseInactive, status))
	}

	if err := c.enforceLimits(ctx); err != nil {
		c.suspend(ctx)
		return c.fail(ctx, opValidate, err)
	}
	c.transition(ctx, session.Active)
	return true
}

// Heartbeat sends one heartbeat and applies the authority's directive. The
// background scheduler calls it on every tick; callers that disabled the
// scheduler drive it themselves. A Suspended session that receives ok or renew
// becomes Active again.
func (c *Client) Heartbeat(ctx context.Context) bool {
	ctx, span := c.start(ctx, opHeartbeat)
	defer span.End()
	c.mu.Lock()
	defer c.unlock()

	if err := c.guard(ctx, opHeartbeat, session.Active, session.Suspended); err != nil {
		return c.fail(ctx, opHeartbeat, err)
	}
	if err := c.ensureKeyed(ctx, opHeartbeat); err != nil {
		c.metrics.RecordHeartbeat(ctx, "error")
		return c.fail(ctx, opHeartbeat, err)
	}

	c.beatSeq++
	req := protocol.HeartbeatRequest{
		SessionToken: c.sess.Token,
		Fingerprint:  c.sess.Fingerprint,
		Sequence:     c.beatSeq,
	}
	var resp protocol.HeartbeatResponse
	if err := c.call(ctx, protocol.EndpointHeartbeat, req, &resp); err != nil {
		c.metrics.RecordHeartbeat(ctx, "error")
		return c.fail(ctx, opHeartbeat, err)
	}

	directive, err := heartbeat.ParseDirective(resp.Directive)
	if err != nil {
		c.metrics.RecordHeartbeat(ctx, "error")
		return c.fail(ctx, opHeartbeat, &ProtocolError{Op: opHeartbeat, Err: fmt.Errorf("%w: %v", protocol.ErrMalformed, err)})
	}
	serverNow := serverTime(resp.ServerTime, c.now())
	if !directive.Terminal() && resp.LicenseExpiresAt != nil && !resp.LicenseExpiresAt.After(serverNow) {
		directive = heartbeat.DirectiveExpire
	}
	c.metrics.RecordHeartbeat(ctx, string(directive))

	switch directive {
	case heartbeat.DirectiveRevoke:
		c.license.Status = protocol.StatusRevoked
		return c.fail(ctx, opHeartbeat, authorityVerdict(opHeartbeat, protocol.CodeLicenseRevoked, reasonOr(resp.Reason, "license revoked")))
	case heartbeat.DirectiveBan:
		return c.fail(ctx, opHeartbeat, authorityVerdict(opHeartbeat, protocol.CodeBanned, reasonOr(resp.Reason, "banned by authority")))
	case heartbeat.DirectiveExpire:
		return c.fail(ctx, opHeartbeat, authorityVerdict(opHeartbeat, protocol.CodeLicenseExpired, reasonOr(resp.Reason, "license expired")))
	case heartbeat.DirectiveRenew:
		if resp.SessionExpiresAt != nil {
			c.sess.ExpiresAt = *resp.SessionExpiresAt
		}
	}

	if resp.LicenseExpiresAt != nil {
		t := *resp.LicenseExpiresAt
		c.license.ExpiresAt = &t
		if c.license.Status == protocol.StatusExpired && t.After(serverNow) {
			c.license.Status = protocol.StatusActive
		}
	}
	c.publish()
	if c.sess.State() == session.Suspended {
		c.transition(ctx, session.Active)
	}
	c.touchSeat(ctx)
	return true
}

// Verify checks that the session token is still bound to this device. An
// unbound session is suspended and re-keyed before its next operation.
func (c *Client) Verify(ctx context.Context) bool {
	ctx, span := c.start(ctx, opVerify)
	defer span.End()
	c.mu.Lock()
	defer c.unlock()

	if err := c.guard(ctx, opVerify, session.Active, session.Suspended); err != nil {
		return c.fail(ctx, opVerify, err)
	}
	if err := c.ensureKeyed(ctx, opVerify); err != nil {
		return c.fail(ctx, opVerify, err)
	}

	var resp protocol.VerifyResponse
	req := protocol.TokenRequest{SessionToken: c.sess.Token, Fingerprint: c.sess.Fingerprint}
	if err := c.call(ctx, protocol.EndpointVerify, req, &resp); err != nil {
		return c.fail(ctx, opVerify, err)
	}
	if !resp.Valid {
		return c.fail(ctx, opVerify, &ProtocolError{Op: opVerify, Err: fmt.Errorf("%w: status %q", ErrNotBound, resp.Status)})
	}
	return true
}

func (c *Client) start(ctx context.Context, op string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "cnwloader."+op, trace.WithAttributes(
		attribute.String("loader.op", op),
		attribute.String("loader.state", c.State().String()),
	))
}

// guard rejects op outside the allowed states and consults the integrity
// monitor. No network I/O may follow a non-nil return. mu must be held.
func (c *Client) guard(ctx context.Context, op string, allowed ...session.State) error {
	st := c.sess.State()
	switch {
	case st == session.Terminated:
		return ErrTerminated
	case st == session.Banned:
		return fmt.Errorf("%w: session is banned", ErrInvalidState)
	case !slices.Contains(allowed, st):
		return fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, st)
	case c.configErr != nil:
		return c.configErr
	}

	verdict := c.monitor.Aggregate()
	c.metrics.RecordVerdict(ctx, verdict.Trusted)
	c.publishVerdict(verdict)
	if verdict.Trusted {
		return nil
	}

	reasons := make([]string, len(verdict.Reasons))
	for i, k := range verdict.Reasons {
		reasons[i] = string(k)
	}
	if verdict.Fatal {
		c.ban(ctx, "integrity violation: "+strings.Join(reasons, ","))
		return &TrustError{Op: op, Reasons: reasons}
	}
	return &TransientError{Op: op, Err: fmt.Errorf("%w: %s", ErrUntrusted, strings.Join(reasons, ","))}
}

// fail applies the state consequence of err, records it and returns false.
// mu must be held.
func (c *Client) fail(ctx context.Context, op string, err error) bool {
	var (
		server    *ServerError
		proto     *ProtocolError
		transient *TransientError
	)
	switch {
	case errors.As(err, &server):
		c.applyServerError(ctx, server, err)
	case errors.As(err, &proto):
		c.sess.DropKey()
		c.rekey = true
		c.suspend(ctx)
	case errors.As(err, &transient):
		c.suspend(ctx)
	}

	c.record(ctx, op, err)
	c.logger.WarnContext(ctx, "loader operation failed",
		slog.String("op", op),
		slog.String("state", c.sess.State().String()),
		slog.String("error", err.Error()))
	return false
}

func (c *Client) applyServerError(ctx context.Context, se *ServerError, err error) {
	switch {
	case errors.Is(err, ErrBanned), errors.Is(err, ErrLicenseRevoked):
		c.ban(ctx, reasonOr(se.Message, se.Code))
	case errors.Is(err, ErrLicenseExpired):
		c.license.Status = protocol.StatusExpired
		c.publish()
		c.suspend(ctx)
	case errors.Is(err, ErrSessionUnknown):
		c.sess.DropKey()
		c.rekey = true
		c.suspend(ctx)
	}
}

// ensureKeyed redoes the handshake after a protocol failure, resuming the
// session token when one is bound.
func (c *Client) ensureKeyed(ctx context.Context, op string) error {
	if !c.rekey && c.sess.Keyed() {
		return nil
	}
	return c.handshake(ctx, op)
}

// handshake performs the X25519 exchange. The ephemeral private key is wiped
// before return whatever the outcome.
func (c *Client) handshake(ctx context.Context, op string) error {
	kp, err := crypto.GenerateKeyPair(nil)
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	defer kp.Wipe()

	clientPub := base64.StdEncoding.EncodeToString(kp.Public[:])
	req := protocol.HandshakeRequest{
		ClientVersion:   c.clientVersion,
		Fingerprint:     c.sess.Fingerprint,
		ClientPublicKey: clientPub,
		ResumeToken:     c.sess.Token,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal handshake: %w", err)
	}
	raw, err := c.send(ctx, protocol.EndpointHandshake, body)
	if err != nil {
		return err
	}

	var resp protocol.HandshakeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return &ProtocolError{Op: op, Err: fmt.Errorf("%w: handshake response: %v", protocol.ErrMalformed, err)}
	}
	if err := validate.Struct(&resp); err != nil {
		return &ProtocolError{Op: op, Err: fmt.Errorf("%w: handshake response: %v", protocol.ErrMalformed, err)}
	}
	if c.trustedKey != nil {
		if err := verifyServerIdentity(c.trustedKey, &resp, clientPub); err != nil {
			return &ProtocolError{Op: op, Err: err}
		}
	}

	serverPub, err := base64.StdEncoding.DecodeString(resp.ServerPublicKey)
	if err != nil {
		return &ProtocolError{Op: op, Err: fmt.Errorf("%w: server key: %v", protocol.ErrMalformed, err)}
	}
	challenge, err := base64.StdEncoding.DecodeString(resp.Challenge)
	if err != nil {
		return &ProtocolError{Op: op, Err: fmt.Errorf("%w: challenge: %v", protocol.ErrMalformed, err)}
	}
	key, err := crypto.DeriveSessionKey(serverPub, kp, []byte(resp.SessionID))
	if err != nil {
		return &ProtocolError{Op: op, Err: err}
	}

	c.sess.Bind(resp.SessionID, key, challenge)
	c.rekey = false
	c.logger.InfoContext(ctx, "handshake complete",
		slog.String("session_id", resp.SessionID),
		slog.Bool("resumed", req.ResumeToken != ""),
		slog.String("fingerprint", shortFingerprint(c.sess.Fingerprint)))
	return nil
}

// call runs one enveloped request/response exchange and decodes the reply's
// data into out.
func (c *Client) call(ctx context.Context, endpoint string, payload, out any) error {
	env, err := c.codec.BuildRequest(endpoint, payload, c.sess)
	if err != nil {
		return &ProtocolError{Op: endpoint, Err: err}
	}
	// The envelope's id travels as X-Request-ID and tags every log line below.
	ctx = telemetry.WithRequestID(ctx, env.RequestID)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	raw, err := c.send(ctx, endpoint, body)
	if err != nil {
		c.logger.DebugContext(ctx, "request failed", slog.String("endpoint", endpoint), slog.String("error", err.Error()))
		return err
	}
	c.logger.DebugContext(ctx, "request answered", slog.String("endpoint", endpoint))

	var respEnv protocol.ResponseEnvelope
	if err := json.Unmarshal(raw, &respEnv); err != nil {
		return &ProtocolError{Op: endpoint, Err: fmt.Errorf("%w: %v", protocol.ErrMalformed, err)}
	}
	var reply protocol.Reply
	if err := c.codec.ParseResponse(&respEnv, env, c.sess, &reply); err != nil {
		return &ProtocolError{Op: endpoint, Err: err}
	}
	if reply.Error != nil {
		return mapServerError(&ServerError{Endpoint: endpoint, Code: reply.Error.Code, Message: reply.Error.Message})
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(reply.Data, out); err != nil {
		return &ProtocolError{Op: endpoint, Err: fmt.Errorf("%w: reply data: %v", protocol.ErrMalformed, err)}
	}
	return nil
}

// send bounds one transport round trip by the request timeout and classifies
// its failure. It never changes session state.
func (c *Client) send(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	start := time.Now()
	raw, err := c.transport.Send(ctx, c.serverURL+endpoint, body)
	outcome := "ok"
	if err != nil {
		err = classifyTransportError(endpoint, err)
		outcome = strings.ToLower(diagnosticCode(err))
	}
	c.metrics.RecordRequest(ctx, endpoint, outcome, time.Since(start))
	return raw, err
}

// classifyTransportError splits transport failures into retryable ones and
// rejections of the request itself, which force a new handshake.
func classifyTransportError(op string, err error) error {
	var status *transport.StatusError
	if errors.As(err, &status) && !status.Retryable() {
		return &ProtocolError{Op: op, Err: err}
	}
	return &TransientError{Op: op, Err: err}
}

// enforceLimits checks the CPU limit and, with a seat registry, claims this
// device's seat and counts the license's fleet. mu must be held.
func (c *Client) enforceLimits(ctx context.Context) error {
	limits := limitsFor(c.license)
	if err := CheckCPU(limits); err != nil {
		return err
	}
	if c.seats == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	if c.seatStaleAfter > 0 {
		if n, err := c.seats.Prune(ctx, c.license.ID, c.seatStaleAfter); err != nil {
			return &TransientError{Op: "seats", Err: err}
		} else if n > 0 {
			c.logger.InfoContext(ctx, "pruned stale seats", slog.Int("count", n))
		}
	}

	hostname, _ := os.Hostname()
	_, err := c.seats.Claim(ctx, seatregistry.Seat{
		Fingerprint: c.sess.Fingerprint,
		LicenseID:   c.license.ID,
		Username:    c.user.Username,
		LicenseType: c.license.Type,
		Hostname:    hostname,
		OS:          runtime.GOOS,
	})
	if err != nil {
		return &TransientError{Op: "seats", Err: err}
	}
	c.seatClaimed = true

	n, err := c.seats.Count(ctx, c.license.ID)
	if err != nil {
		return &TransientError{Op: "seats", Err: err}
	}
	c.metrics.RecordSeats(ctx, c.license.Type, n)
	if err := CheckSeats(limits, n); err != nil {
		if rerr := c.releaseSeat(ctx); rerr != nil {
			c.logger.WarnContext(ctx, "seat release failed", slog.String("error", rerr.Error()))
		}
		return err
	}
	return nil
}

func (c *Client) touchSeat(ctx context.Context) {
	if c.seats == nil || !c.seatClaimed {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	if err := c.seats.Touch(ctx, c.sess.Fingerprint); err != nil {
		c.logger.WarnContext(ctx, "seat touch failed", slog.String("error", err.Error()))
	}
}

// authorityVerdict builds the error for a license verdict carried in a
// successful reply, as if the authority had returned it as an error.
func authorityVerdict(op, code, message string) error {
	return mapServerError(&ServerError{Endpoint: op, Code: code, Message: message})
}

func serverTime(ms int64, fallback time.Time) time.Time {
	if ms <= 0 {
		return fallback
	}
	return time.UnixMilli(ms)
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
