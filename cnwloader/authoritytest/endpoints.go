package authoritytest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/crypto"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/protocol"
)

// serverSession is the authority's half of a loader session.
type serverSession struct {
	id          string
	key         *crypto.SessionKey
	challenge   []byte
	nonces      *protocol.NonceWindow
	fingerprint string
	token       string
	account     *Account
	expiresAt   time.Time
	lastSeq     uint64
}

var _ protocol.Keyring = (*serverSession)(nil)

func newServerSession(kp *crypto.KeyPair, clientPub []byte, fingerprint string) (*serverSession, error) {
	id := uuid.NewString()
	key, err := crypto.DeriveSessionKey(clientPub, kp, []byte(id))
	if err != nil {
		return nil, err
	}
	challenge, err := crypto.RandomBytes(32)
	if err != nil {
		key.Wipe()
		return nil, err
	}
	return &serverSession{
		id:          id,
		key:         key,
		challenge:   challenge,
		nonces:      protocol.NewNonceWindow(protocol.DefaultNonceCapacity, 2*protocol.DefaultSkew),
		fingerprint: fingerprint,
	}, nil
}

func (s *serverSession) SessionID() string              { return s.id }
func (s *serverSession) SessionKey() *crypto.SessionKey { return s.key }
func (s *serverSession) Nonces() *protocol.NonceWindow  { return s.nonces }

func errorBody(code, message string) *protocol.ErrorBody {
	return &protocol.ErrorBody{Code: code, Message: message}
}

func (a *Authority) login(ctx context.Context, sess *serverSession, raw json.RawMessage) (any, *protocol.ErrorBody) {
	var req protocol.LoginRequest
	if e := a.decode(raw, &req); e != nil {
		return nil, e
	}
	proof, err := base64.StdEncoding.DecodeString(req.Proof)
	if err != nil || !crypto.Verify(sess.key, sess.challenge, proof) {
		return nil, errorBody(protocol.CodeInvalidProof, "challenge proof rejected")
	}
	if req.Fingerprint != sess.fingerprint {
		return nil, errorBody(protocol.CodeBadRequest, "fingerprint does not match handshake")
	}

	acct, ok := a.accounts[req.Username]
	if !ok || acct.Password != req.Password {
		a.logger.InfoContext(ctx, "login rejected", slog.String("session_id", sess.id))
		return nil, errorBody(protocol.CodeInvalidCredentials, "invalid username or password")
	}
	if acct.Banned {
		return nil, errorBody(protocol.CodeBanned, acct.BanReason)
	}

	lic := a.licenseView(acct)
	if lic.Status == protocol.StatusRevoked {
		return nil, errorBody(protocol.CodeLicenseRevoked, "license revoked")
	}
	devs := a.devices[lic.ID]
	if devs == nil {
		devs = make(map[string]struct{})
		a.devices[lic.ID] = devs
	}
	if _, bound := devs[sess.fingerprint]; !bound {
		if lic.MaxDevices > 0 && len(devs) >= lic.MaxDevices {
			return nil, errorBody(protocol.CodeDeviceLimit, "maximum number of devices reached")
		}
		devs[sess.fingerprint] = struct{}{}
	}

	if sess.token != "" {
		delete(a.tokens, sess.token)
	}
	sess.token = uuid.NewString()
	sess.account = acct
	sess.expiresAt = a.now().Add(SessionTTL)
	a.tokens[sess.token] = sess

	a.logger.InfoContext(ctx, "login accepted",
		slog.String("session_id", sess.id),
		slog.String("user_id", acct.UserID))
	return protocol.LoginResponse{
		SessionToken:     sess.token,
		SessionExpiresAt: sess.expiresAt,
		User:             protocol.User{ID: acct.UserID, Username: acct.Username, Email: acct.Email},
		License:          lic,
	}, nil
}

// authorize checks that a token-bearing request belongs to sess.
func (a *Authority) authorize(sess *serverSession, token, fingerprint string) *protocol.ErrorBody {
	if sess.account == nil || token == "" || sess.token != token {
		return errorBody(protocol.CodeSessionUnknown, "session token not recognized")
	}
	if fingerprint != sess.fingerprint {
		return errorBody(protocol.CodeSessionUnknown, "fingerprint does not match session")
	}
	if !a.now().Before(sess.expiresAt) {
		return errorBody(protocol.CodeSessionUnknown, "session expired")
	}
	if sess.account.Banned {
		return errorBody(protocol.CodeBanned, sess.account.BanReason)
	}
	return nil
}

func (a *Authority) validateLicense(_ context.Context, sess *serverSession, raw json.RawMessage) (any, *protocol.ErrorBody) {
	var req protocol.TokenRequest
	if e := a.decode(raw, &req); e != nil {
		return nil, e
	}
	if e := a.authorize(sess, req.SessionToken, req.Fingerprint); e != nil {
		return nil, e
	}
	return protocol.ValidateResponse{
		License:    a.licenseView(sess.account),
		ServerTime: a.now().UnixMilli(),
	}, nil
}

func (a *Authority) heartbeat(ctx context.Context, sess *serverSession, raw json.RawMessage) (any, *protocol.ErrorBody) {
	var req protocol.HeartbeatRequest
	if e := a.decode(raw, &req); e != nil {
		return nil, e
	}
	if e := a.authorize(sess, req.SessionToken, req.Fingerprint); e != nil {
		return nil, e
	}
	if req.Sequence <= sess.lastSeq {
		return nil, errorBody(protocol.CodeBadRequest, "heartbeat sequence did not advance")
	}
	sess.lastSeq = req.Sequence

	now := a.now()
	lic := a.licenseView(sess.account)
	resp := protocol.HeartbeatResponse{
		Directive:        "ok",
		LicenseExpiresAt: lic.ExpiresAt,
		ServerTime:       now.UnixMilli(),
	}
	switch lic.Status {
	case protocol.StatusRevoked:
		resp.Directive, resp.Reason = "revoke", "license revoked"
	case protocol.StatusBanned:
		resp.Directive, resp.Reason = "ban", "license banned"
	case protocol.StatusExpired:
		resp.Directive, resp.Reason = "expire", "license expired"
	}
	if len(a.directives) > 0 {
		d := a.directives[0]
		a.directives = a.directives[1:]
		resp.Directive, resp.Reason = d.name, d.reason
	}
	if resp.Directive == "renew" {
		sess.expiresAt = now.Add(SessionTTL)
		resp.SessionExpiresAt = &sess.expiresAt
	}

	a.logger.DebugContext(ctx, "heartbeat",
		slog.String("session_id", sess.id),
		slog.Uint64("seq", req.Sequence),
		slog.String("directive", resp.Directive))
	return resp, nil
}

func (a *Authority) verify(_ context.Context, sess *serverSession, raw json.RawMessage) (any, *protocol.ErrorBody) {
	var req protocol.TokenRequest
	if e := a.decode(raw, &req); e != nil {
		return nil, e
	}
	switch {
	case sess.account == nil || sess.token != req.SessionToken:
		return protocol.VerifyResponse{Valid: false, Status: "unknown_session"}, nil
	case sess.fingerprint != req.Fingerprint:
		return protocol.VerifyResponse{Valid: false, Status: "fingerprint_mismatch"}, nil
	}
	return protocol.VerifyResponse{Valid: true, Status: a.licenseView(sess.account).Status}, nil
}
