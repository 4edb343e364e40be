package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/crypto"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/session"
)

var allStates = []session.State{
	session.Uninitialized, session.Handshaking, session.Authenticating, session.ValidatingLicense,
	session.Active, session.Suspended, session.Terminated, session.Banned,
}

func TestCanTransition(t *testing.T) {
	legal := make(map[[2]session.State]bool)
	for _, edge := range [][2]session.State{
		{session.Uninitialized, session.Handshaking},
		{session.Handshaking, session.Authenticating},
		{session.Authenticating, session.ValidatingLicense},
		{session.ValidatingLicense, session.Active},
		{session.Active, session.Suspended},
		{session.Suspended, session.Active},
	} {
		legal[edge] = true
	}

	for _, from := range allStates {
		for _, to := range allStates {
			want := legal[[2]session.State{from, to}]
			if !from.Absorbing() && (to == session.Banned || to == session.Terminated) {
				want = true
			}
			assert.Equal(t, want, session.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestAbsorbingStatesHaveNoExit(t *testing.T) {
	for _, s := range []session.State{session.Terminated, session.Banned} {
		sess := session.New("fp", time.Now(), nil)
		require.NoError(t, sess.Transition(s))
		for _, to := range allStates {
			if to == s {
				continue
			}
			assert.ErrorIs(t, sess.Transition(to), session.ErrIllegalTransition)
		}
		assert.Equal(t, s, sess.State())
	}
}

func TestTransition_Forward(t *testing.T) {
	sess := session.New("fp", time.Now(), nil)
	for _, next := range []session.State{
		session.Handshaking, session.Authenticating, session.ValidatingLicense,
		session.Active, session.Suspended, session.Active,
	} {
		require.NoError(t, sess.Transition(next))
	}
	assert.ErrorIs(t, sess.Transition(session.Handshaking), session.ErrIllegalTransition)
	assert.NoError(t, sess.Transition(session.Active))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "validating_license", session.ValidatingLicense.String())
	assert.Equal(t, "state(42)", session.State(42).String())
}

func newKey(t *testing.T) *crypto.SessionKey {
	t.Helper()
	material, err := crypto.RandomBytes(2 * crypto.KeySize)
	require.NoError(t, err)
	k, err := crypto.NewSessionKey(material)
	require.NoError(t, err)
	return k
}

func TestBind_RotationWipesPreviousKey(t *testing.T) {
	sess := session.New("fp", time.Now(), nil)
	first := newKey(t)
	sess.Bind("sid-1", first, []byte("challenge"))
	sess.Nonces().Observe("n1", time.Now())

	second := newKey(t)
	sess.Bind("sid-2", second, nil)

	assert.False(t, first.Alive())
	assert.True(t, second.Alive())
	assert.Equal(t, "sid-2", sess.SessionID())
	assert.Equal(t, 0, sess.Nonces().Len())
}

func TestDestroy(t *testing.T) {
	sess := session.New("fp", time.Now(), nil)
	key := newKey(t)
	challenge := []byte("challenge")
	sess.Bind("sid", key, challenge)
	sess.Token = "bearer"

	require.NoError(t, sess.Transition(session.Terminated))
	sess.Destroy()

	assert.False(t, key.Alive())
	assert.False(t, sess.Keyed())
	assert.Empty(t, sess.Token)
	assert.Equal(t, make([]byte, len("challenge")), challenge)
	assert.Equal(t, session.Terminated, sess.State())
}
