// Package protocol frames loader messages as signed, encrypted envelopes.
//
// Every envelope carries a fresh random nonce and a millisecond timestamp. The
// ciphertext is bound to the header through AEAD additional data, and the whole
// envelope is signed with the session MAC key. Parsing always verifies the
// signature before it decrypts anything.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/crypto"
)

const (
	// Version is the envelope format version.
	Version = 1

	// DefaultSkew is the tolerated clock difference between client and authority.
	DefaultSkew = 5 * time.Minute

	// DefaultNonceCapacity bounds the per-session replay window.
	DefaultNonceCapacity = 4096

	nonceSize = 24
)

// Sentinel errors returned while parsing envelopes.
var (
	ErrMalformed = errors.New("malformed envelope")
	ErrSignature = errors.New("envelope signature mismatch")
	ErrExpired   = errors.New("envelope timestamp outside tolerance")
	ErrReplay    = errors.New("envelope nonce replayed")
)

// Keyring is the per-session state the codec needs: the session id the
// envelopes are bound to, the live key and the replay window.
type Keyring interface {
	SessionID() string
	SessionKey() *crypto.SessionKey
	Nonces() *NonceWindow
}

// Header is the signed, unencrypted part of an envelope.
type Header struct {
	Version   int    `json:"v"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sid"`
	RequestID string `json:"rid"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"ts"`
}

// RequestEnvelope is sent from the client to the authority.
type RequestEnvelope struct {
	Header
	Ciphertext string `json:"ct"`
	Signature  string `json:"sig"`
}

// ResponseEnvelope is returned by the authority. Its RequestID and Endpoint
// echo the request it answers.
type ResponseEnvelope struct {
	Header
	Ciphertext string `json:"ct"`
	Signature  string `json:"sig"`
}

type direction string

const (
	dirRequest  direction = "req"
	dirResponse direction = "resp"
)

// Codec builds and parses envelopes. It holds no per-session state, so one
// Codec can serve many sessions.
type Codec struct {
	skew  time.Duration
	now   func() time.Time
	newID func() string
}

// Option configures a Codec.
type Option func(*Codec)

// WithSkew sets the accepted timestamp skew. Default is 5 minutes.
func WithSkew(d time.Duration) Option {
	return func(c *Codec) {
		c.skew = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec creates a Codec.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		skew:  DefaultSkew,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Skew returns the configured timestamp tolerance.
func (c *Codec) Skew() time.Duration {
	return c.skew
}

// BuildRequest serializes payload, encrypts it for kr and signs the envelope.
func (c *Codec) BuildRequest(endpoint string, payload any, kr Keyring) (*RequestEnvelope, error) {
	h, err := c.header(endpoint, c.newID(), kr)
	if err != nil {
		return nil, err
	}
	ct, sig, err := seal(dirRequest, h, payload, kr)
	if err != nil {
		return nil, err
	}
	return &RequestEnvelope{Header: h, Ciphertext: ct, Signature: sig}, nil
}

// ParseRequest is the authority-side counterpart of ParseResponse.
func (c *Codec) ParseRequest(env *RequestEnvelope, kr Keyring, out any) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", ErrMalformed)
	}
	return c.open(dirRequest, env.Header, env.Ciphertext, env.Signature, kr, out)
}

// BuildResponse answers req with payload.
func (c *Codec) BuildResponse(req *RequestEnvelope, payload any, kr Keyring) (*ResponseEnvelope, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrMalformed)
	}
	h, err := c.header(req.Endpoint, req.RequestID, kr)
	if err != nil {
		return nil, err
	}
	ct, sig, err := seal(dirResponse, h, payload, kr)
	if err != nil {
		return nil, err
	}
	return &ResponseEnvelope{Header: h, Ciphertext: ct, Signature: sig}, nil
}

// ParseResponse verifies env against the request it answers and decodes the
// payload into out. Checks run in a fixed order: structure, signature,
// timestamp skew (ErrExpired), nonce replay (ErrReplay), decryption.
func (c *Codec) ParseResponse(env *ResponseEnvelope, sent *RequestEnvelope, kr Keyring, out any) error {
	if env == nil || sent == nil {
		return fmt.Errorf("%w: nil envelope", ErrMalformed)
	}
	if env.Endpoint != sent.Endpoint || env.RequestID != sent.RequestID {
		return fmt.Errorf("%w: response does not answer request %s", ErrMalformed, sent.RequestID)
	}
	return c.open(dirResponse, env.Header, env.Ciphertext, env.Signature, kr, out)
}

func (c *Codec) header(endpoint, requestID string, kr Keyring) (Header, error) {
	if kr == nil || !kr.SessionKey().Alive() {
		return Header{}, crypto.ErrKeyWiped
	}
	nonce, err := crypto.RandomBytes(nonceSize)
	if err != nil {
		return Header{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Header{
		Version:   Version,
		Endpoint:  endpoint,
		SessionID: kr.SessionID(),
		RequestID: requestID,
		Nonce:     base64.RawURLEncoding.EncodeToString(nonce),
		Timestamp: c.now().UnixMilli(),
	}, nil
}

func seal(dir direction, h Header, payload any, kr Keyring) (string, string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal payload: %w", err)
	}
	defer crypto.Wipe(plaintext)

	ad := h.canonical(dir)
	ct, err := crypto.Encrypt(kr.SessionKey(), plaintext, ad)
	if err != nil {
		return "", "", fmt.Errorf("encrypt payload: %w", err)
	}
	ctText := base64.StdEncoding.EncodeToString(ct)
	sig := crypto.Sign(kr.SessionKey(), signingInput(ad, ctText))
	return ctText, base64.StdEncoding.EncodeToString(sig), nil
}

func (c *Codec) open(dir direction, h Header, ctText, sigText string, kr Keyring, out any) error {
	if kr == nil {
		return fmt.Errorf("%w: no session", ErrMalformed)
	}
	if err := h.validate(); err != nil {
		return err
	}
	if ctText == "" || sigText == "" {
		return fmt.Errorf("%w: missing ciphertext or signature", ErrMalformed)
	}
	if h.SessionID != kr.SessionID() {
		return fmt.Errorf("%w: envelope bound to another session", ErrMalformed)
	}
	sig, err := base64.StdEncoding.DecodeString(sigText)
	if err != nil {
		return fmt.Errorf("%w: signature encoding", ErrMalformed)
	}

	ad := h.canonical(dir)
	if !crypto.Verify(kr.SessionKey(), signingInput(ad, ctText), sig) {
		return ErrSignature
	}

	now := c.now()
	sent := time.UnixMilli(h.Timestamp)
	if skew := now.Sub(sent); skew > c.skew || skew < -c.skew {
		return fmt.Errorf("%w: skew %s", ErrExpired, skew.Round(time.Millisecond))
	}
	if !kr.Nonces().Observe(h.Nonce, now) {
		return ErrReplay
	}

	ct, err := base64.StdEncoding.DecodeString(ctText)
	if err != nil {
		return fmt.Errorf("%w: ciphertext encoding", ErrMalformed)
	}
	plaintext, err := crypto.Decrypt(kr.SessionKey(), ct, ad)
	if err != nil {
		return err
	}
	defer crypto.Wipe(plaintext)

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return nil
}

func (h Header) validate() error {
	switch {
	case h.Version != Version:
		return fmt.Errorf("%w: version %d", ErrMalformed, h.Version)
	case h.Endpoint == "" || h.SessionID == "" || h.RequestID == "":
		return fmt.Errorf("%w: incomplete header", ErrMalformed)
	case h.Nonce == "" || h.Timestamp <= 0:
		return fmt.Errorf("%w: missing nonce or timestamp", ErrMalformed)
	}
	return nil
}

// canonical is the additional data bound into the AEAD and the prefix of the
// signed string.
func (h Header) canonical(dir direction) []byte {
	return []byte(strings.Join([]string{
		string(dir),
		strconv.Itoa(h.Version),
		h.Endpoint,
		h.SessionID,
		h.RequestID,
		h.Nonce,
		strconv.FormatInt(h.Timestamp, 10),
	}, "|"))
}

func signingInput(ad []byte, ctText string) []byte {
	out := make([]byte, 0, len(ad)+1+len(ctText))
	out = append(out, ad...)
	out = append(out, '|')
	return append(out, ctText...)
}
