// Package authoritytest provides an in-process license authority speaking the
// loader wire protocol, for tests and local development.
//
// It keeps accounts, licenses, device bindings and sessions in memory and can
// be scripted: heartbeat directives are queued, and failures such as latency,
// HTTP errors, tampered signatures or stale timestamps are injected per
// endpoint.
package authoritytest

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/crypto"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/protocol"
)

// SessionTTL is how long a session token issued at login stays valid.
const SessionTTL = 24 * time.Hour

// Account is a user known to the authority.
type Account struct {
	Username  string
	Password  string
	UserID    string
	Email     string
	Banned    bool
	BanReason string
	License   protocol.License
}

// Failure describes a fault injected into the next request to an endpoint.
type Failure struct {
	// Status answers with this HTTP status and a plain error body.
	Status int
	// Delay holds the response back. The request context still applies.
	Delay time.Duration
	// Tamper corrupts the response signature.
	Tamper bool
	// Stale timestamps the response outside the tolerated skew.
	Stale bool
}

type directive struct {
	name   string
	reason string
}

// Option configures an Authority.
type Option func(*Authority)

// WithLogger sets the authority's logger. Default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) {
		a.logger = l
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		a.now = now
	}
}

// WithIdentityKey sets the Ed25519 key that signs handshakes. Default is a
// fresh random key.
func WithIdentityKey(key ed25519.PrivateKey) Option {
	return func(a *Authority) {
		a.identity = key
	}
}

// Authority is an in-memory license authority.
type Authority struct {
	logger   *slog.Logger
	now      func() time.Time
	identity ed25519.PrivateKey
	validate *validator.Validate

	mu         sync.Mutex
	accounts   map[string]*Account
	sessions   map[string]*serverSession
	tokens     map[string]*serverSession
	devices    map[string]map[string]struct{}
	directives []directive
	failures   map[string][]Failure
	requests   map[string]int
}

// New creates an empty authority.
func New(opts ...Option) *Authority {
	a := &Authority{
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
		validate: validator.New(),
		accounts: make(map[string]*Account),
		sessions: make(map[string]*serverSession),
		tokens:   make(map[string]*serverSession),
		devices:  make(map[string]map[string]struct{}),
		failures: make(map[string][]Failure),
		requests: make(map[string]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.identity == nil {
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			panic("authoritytest: generate identity key: " + err.Error())
		}
		a.identity = priv
	}
	return a
}

// Handler returns the authority's HTTP routes.
func (a *Authority) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.count)
	r.Use(a.inject)

	r.Post(protocol.EndpointHandshake, a.handleHandshake)
	r.Post(protocol.EndpointLogin, a.enveloped(a.login))
	r.Post(protocol.EndpointValidate, a.enveloped(a.validateLicense))
	r.Post(protocol.EndpointHeartbeat, a.enveloped(a.heartbeat))
	r.Post(protocol.EndpointVerify, a.enveloped(a.verify))
	return r
}

// PublicKey returns the base64 Ed25519 identity key clients should pin.
func (a *Authority) PublicKey() string {
	pub := a.identity.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub)
}

// AddAccount registers or replaces an account.
func (a *Authority) AddAccount(acct Account) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts[acct.Username] = &acct
}

// Ban marks an account banned. Its live sessions learn about it on their next request.
func (a *Authority) Ban(username, reason string) {
	a.withAccount(username, func(acct *Account) {
		acct.Banned = true
		acct.BanReason = reason
	})
}

// SetLicenseStatus changes the status of an account's license.
func (a *Authority) SetLicenseStatus(username, status string) {
	a.withAccount(username, func(acct *Account) {
		acct.License.Status = status
	})
}

// SetLicenseExpiry changes the expiry of an account's license.
func (a *Authority) SetLicenseExpiry(username string, t time.Time) {
	a.withAccount(username, func(acct *Account) {
		acct.License.ExpiresAt = &t
	})
}

// QueueDirective makes the next heartbeat answer with name (ok, renew, expire,
// revoke, ban) and reason, regardless of license state.
func (a *Authority) QueueDirective(name, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.directives = append(a.directives, directive{name: name, reason: reason})
}

// FailNext injects f into the next request to endpoint. Calls queue up.
func (a *Authority) FailNext(endpoint string, f Failure) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[endpoint] = append(a.failures[endpoint], f)
}

// Requests returns how many requests reached endpoint.
func (a *Authority) Requests(endpoint string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[endpoint]
}

// TotalRequests returns how many requests reached any endpoint.
func (a *Authority) TotalRequests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, n := range a.requests {
		total += n
	}
	return total
}

// Devices returns how many devices are bound to a license.
func (a *Authority) Devices(licenseID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.devices[licenseID])
}

// ForgetSessions drops every session and token, as after an authority restart.
func (a *Authority) ForgetSessions() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, s := range a.sessions {
		s.key.Wipe()
		delete(a.sessions, id)
	}
	clear(a.tokens)
}

func (a *Authority) withAccount(username string, fn func(*Account)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if acct, ok := a.accounts[username]; ok {
		fn(acct)
	}
}

// licenseView is the license as reported to clients: an active license past
// its expiry reads as expired.
func (a *Authority) licenseView(acct *Account) protocol.License {
	lic := acct.License
	if lic.Status == protocol.StatusActive && lic.ExpiresAt != nil && !lic.ExpiresAt.After(a.now()) {
		lic.Status = protocol.StatusExpired
	}
	return lic
}

type failureKey struct{}

func (a *Authority) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.requests[r.URL.Path]++
		a.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (a *Authority) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		var f *Failure
		if queue := a.failures[r.URL.Path]; len(queue) > 0 {
			f = &queue[0]
			a.failures[r.URL.Path] = queue[1:]
		}
		a.mu.Unlock()

		if f == nil {
			next.ServeHTTP(w, r)
			return
		}
		if f.Delay > 0 {
			select {
			case <-time.After(f.Delay):
			case <-r.Context().Done():
				return
			}
		}
		if f.Status != 0 {
			a.plainError(w, r, f.Status, "INJECTED", http.StatusText(f.Status))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), failureKey{}, f)))
	})
}

func injected(r *http.Request) Failure {
	if f, ok := r.Context().Value(failureKey{}).(*Failure); ok {
		return *f
	}
	return Failure{}
}

// plainError answers outside the envelope. Clients treat these as
// unauthenticated and never derive license verdicts from them.
func (a *Authority) plainError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, protocol.ErrorReply{Error: protocol.ErrorBody{Code: code, Message: message}})
}

func tamper(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] == 'A' {
		b[0] = 'B'
	} else {
		b[0] = 'A'
	}
	return string(b)
}

// Handshake answers are not enveloped: they carry the key agreement.
func (a *Authority) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req protocol.HandshakeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		a.plainError(w, r, http.StatusBadRequest, protocol.CodeBadRequest, "malformed handshake")
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		a.plainError(w, r, http.StatusBadRequest, protocol.CodeBadRequest, err.Error())
		return
	}
	clientPub, err := base64.StdEncoding.DecodeString(req.ClientPublicKey)
	if err != nil {
		a.plainError(w, r, http.StatusBadRequest, protocol.CodeBadRequest, "client key encoding")
		return
	}

	kp, err := crypto.GenerateKeyPair(nil)
	if err != nil {
		a.plainError(w, r, http.StatusInternalServerError, "INTERNAL", "key generation failed")
		return
	}
	defer kp.Wipe()

	sess, err := newServerSession(kp, clientPub, req.Fingerprint)
	if err != nil {
		a.plainError(w, r, http.StatusBadRequest, protocol.CodeBadRequest, err.Error())
		return
	}

	a.mu.Lock()
	resumed := a.resume(sess, req.ResumeToken)
	a.sessions[sess.id] = sess
	a.mu.Unlock()

	resp := protocol.HandshakeResponse{
		SessionID:       sess.id,
		ServerPublicKey: base64.StdEncoding.EncodeToString(kp.Public[:]),
		Challenge:       base64.StdEncoding.EncodeToString(sess.challenge),
		ServerTime:      a.now().UnixMilli(),
	}
	transcript := protocol.HandshakeTranscript(resp.SessionID, resp.ServerPublicKey, resp.Challenge, req.ClientPublicKey)
	resp.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(a.identity, transcript))
	if injected(r).Tamper {
		resp.Signature = tamper(resp.Signature)
	}

	a.logger.InfoContext(r.Context(), "handshake",
		slog.String("session_id", sess.id),
		slog.Bool("resumed", resumed))
	render.JSON(w, r, resp)
}

// resume moves a logged-in session onto a freshly keyed one when the token
// and fingerprint match. mu must be held.
func (a *Authority) resume(sess *serverSession, token string) bool {
	if token == "" {
		return false
	}
	old, ok := a.tokens[token]
	if !ok || old.fingerprint != sess.fingerprint {
		return false
	}
	sess.token = old.token
	sess.account = old.account
	sess.expiresAt = old.expiresAt
	sess.lastSeq = old.lastSeq
	old.key.Wipe()
	delete(a.sessions, old.id)
	a.tokens[token] = sess
	return true
}

type endpointFunc func(ctx context.Context, sess *serverSession, raw json.RawMessage) (any, *protocol.ErrorBody)

// enveloped opens the request envelope, runs fn under the authority lock and
// seals its result.
func (a *Authority) enveloped(fn endpointFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env protocol.RequestEnvelope
		if err := render.DecodeJSON(r.Body, &env); err != nil {
			a.plainError(w, r, http.StatusBadRequest, protocol.CodeBadRequest, "malformed envelope")
			return
		}
		if env.Endpoint != r.URL.Path {
			a.plainError(w, r, http.StatusBadRequest, protocol.CodeBadRequest, "envelope endpoint mismatch")
			return
		}

		a.mu.Lock()
		defer a.mu.Unlock()

		sess, ok := a.sessions[env.SessionID]
		if !ok {
			a.plainError(w, r, http.StatusUnauthorized, protocol.CodeSessionUnknown, "unknown session")
			return
		}
		codec := protocol.NewCodec(protocol.WithClock(a.now))
		var raw json.RawMessage
		if err := codec.ParseRequest(&env, sess, &raw); err != nil {
			a.logger.WarnContext(r.Context(), "rejected envelope",
				slog.String("endpoint", env.Endpoint),
				slog.String("error", err.Error()))
			a.plainError(w, r, http.StatusUnauthorized, protocol.CodeInvalidProof, err.Error())
			return
		}

		data, errBody := fn(r.Context(), sess, raw)
		reply := protocol.Reply{Error: errBody}
		if errBody == nil {
			b, err := json.Marshal(data)
			if err != nil {
				a.plainError(w, r, http.StatusInternalServerError, "INTERNAL", "encode reply")
				return
			}
			reply.Data = b
		}

		f := injected(r)
		if f.Stale {
			codec = protocol.NewCodec(protocol.WithClock(func() time.Time {
				return a.now().Add(-2 * protocol.DefaultSkew)
			}))
		}
		resp, err := codec.BuildResponse(&env, reply, sess)
		if err != nil {
			a.plainError(w, r, http.StatusInternalServerError, "INTERNAL", "seal reply")
			return
		}
		if f.Tamper {
			resp.Signature = tamper(resp.Signature)
		}
		render.JSON(w, r, resp)
	}
}

func (a *Authority) decode(raw json.RawMessage, v any) *protocol.ErrorBody {
	if err := json.Unmarshal(raw, v); err != nil {
		return &protocol.ErrorBody{Code: protocol.CodeBadRequest, Message: "malformed payload"}
	}
	if err := a.validate.Struct(v); err != nil {
		return &protocol.ErrorBody{Code: protocol.CodeBadRequest, Message: err.Error()}
	}
	return nil
}
