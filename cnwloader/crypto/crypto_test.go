package crypto_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/crypto"
)

func agreedKeys(t *testing.T) (*crypto.SessionKey, *crypto.SessionKey) {
	t.Helper()
	client, err := crypto.GenerateKeyPair(nil)
	require.NoError(t, err)
	server, err := crypto.GenerateKeyPair(nil)
	require.NoError(t, err)

	salt := []byte("session-1")
	ck, err := crypto.DeriveSessionKey(server.Public[:], client, salt)
	require.NoError(t, err)
	sk, err := crypto.DeriveSessionKey(client.Public[:], server, salt)
	require.NoError(t, err)
	return ck, sk
}

func TestDeriveSessionKey_BothSidesAgree(t *testing.T) {
	ck, sk := agreedKeys(t)

	ct, err := crypto.Encrypt(ck, []byte("hello authority"), []byte("ad"))
	require.NoError(t, err)
	pt, err := crypto.Decrypt(sk, ct, []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, "hello authority", string(pt))

	sig := crypto.Sign(sk, []byte("envelope"))
	assert.True(t, crypto.Verify(ck, []byte("envelope"), sig))
}

func TestDeriveSessionKey_DifferentSaltsDiverge(t *testing.T) {
	client, err := crypto.GenerateKeyPair(nil)
	require.NoError(t, err)
	server, err := crypto.GenerateKeyPair(nil)
	require.NoError(t, err)

	a, err := crypto.DeriveSessionKey(server.Public[:], client, []byte("a"))
	require.NoError(t, err)
	b, err := crypto.DeriveSessionKey(client.Public[:], server, []byte("b"))
	require.NoError(t, err)

	assert.False(t, crypto.Verify(b, []byte("m"), crypto.Sign(a, []byte("m"))))
}

func TestDeriveSessionKey_RejectsMalformedMaterial(t *testing.T) {
	local, err := crypto.GenerateKeyPair(nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		server []byte
	}{
		{"empty", nil},
		{"short", make([]byte, 16)},
		{"long", make([]byte, 33)},
		{"low order point", make([]byte, crypto.KeySize)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := crypto.DeriveSessionKey(tt.server, local, nil)
			assert.ErrorIs(t, err, crypto.ErrHandshake)
		})
	}
}

func TestDeriveSessionKey_WipedLocalPair(t *testing.T) {
	local, err := crypto.GenerateKeyPair(nil)
	require.NoError(t, err)
	server, err := crypto.GenerateKeyPair(nil)
	require.NoError(t, err)

	local.Wipe()
	assert.Equal(t, [crypto.KeySize]byte{}, local.Private)

	_, err = crypto.DeriveSessionKey(server.Public[:], local, nil)
	assert.ErrorIs(t, err, crypto.ErrHandshake)
}

func TestDecrypt_FailsClosed(t *testing.T) {
	ck, sk := agreedKeys(t)
	ct, err := crypto.Encrypt(ck, []byte("license payload"), []byte("ad"))
	require.NoError(t, err)

	t.Run("flipped bit", func(t *testing.T) {
		bad := bytes.Clone(ct)
		bad[len(bad)-1] ^= 0x01
		pt, err := crypto.Decrypt(sk, bad, []byte("ad"))
		assert.ErrorIs(t, err, crypto.ErrDecrypt)
		assert.Nil(t, pt)
	})
	t.Run("wrong additional data", func(t *testing.T) {
		pt, err := crypto.Decrypt(sk, ct, []byte("other"))
		assert.ErrorIs(t, err, crypto.ErrDecrypt)
		assert.Nil(t, pt)
	})
	t.Run("truncated", func(t *testing.T) {
		pt, err := crypto.Decrypt(sk, ct[:crypto.NonceSize], []byte("ad"))
		assert.ErrorIs(t, err, crypto.ErrDecrypt)
		assert.Nil(t, pt)
	})
}

func TestSessionKey_WipeDisablesOperations(t *testing.T) {
	ck, sk := agreedKeys(t)
	sig := crypto.Sign(ck, []byte("m"))

	ck.Wipe()
	ck.Wipe()
	assert.False(t, ck.Alive())
	assert.True(t, sk.Alive())

	_, err := crypto.Encrypt(ck, []byte("x"), nil)
	assert.ErrorIs(t, err, crypto.ErrKeyWiped)
	_, err = crypto.Decrypt(ck, make([]byte, 64), nil)
	assert.ErrorIs(t, err, crypto.ErrKeyWiped)
	assert.Nil(t, crypto.Sign(ck, []byte("m")))
	assert.False(t, crypto.Verify(ck, []byte("m"), sig))
}

func TestNewSessionKey_WipesInput(t *testing.T) {
	material := bytes.Repeat([]byte{0xAB}, 2*crypto.KeySize)
	k, err := crypto.NewSessionKey(material)
	require.NoError(t, err)
	assert.True(t, k.Alive())
	assert.Equal(t, make([]byte, 2*crypto.KeySize), material)

	_, err = crypto.NewSessionKey(make([]byte, 10))
	assert.ErrorIs(t, err, crypto.ErrHandshake)
}

func TestWipe(t *testing.T) {
	b := []byte("secret")
	crypto.Wipe(b)
	assert.Equal(t, make([]byte, 6), b)
	crypto.Wipe(nil)
}
