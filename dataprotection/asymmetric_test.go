package dataprotection

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p, err := NewEnvelope(key)
	require.NoError(t, err)
	assert.True(t, p.IsReady())

	plaintext := []byte(`envelope protected data`)
	ctx := context.Background()
	protected, err := p.Protect(ctx, plaintext)
	require.NoError(t, err)

	unprotected, err := p.Unprotect(ctx, protected)
	require.NoError(t, err)
	assert.Equal(t, plaintext, unprotected)

	// each blob uses a fresh key
	protected2, err := p.Protect(ctx, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, protected, protected2)

	// modify the ciphertext
	protected[len(protected)-1] ^= 0xff
	_, err = p.Unprotect(ctx, protected)
	assert.EqualError(t, err, "failed to unprotect: cipher: message authentication failed")

	// modify the wrapped key
	protected2[2] ^= 0xff
	_, err = p.Unprotect(ctx, protected2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unwrap key")

	_, err = p.Unprotect(ctx, nil)
	assert.EqualError(t, err, "invalid data")

	_, err = p.Unprotect(ctx, []byte{0, 0})
	assert.EqualError(t, err, "invalid data")

	_, err = p.Unprotect(ctx, []byte{0xff, 0xff, 1, 2, 3})
	assert.EqualError(t, err, "invalid data")

	s := state{Str: "envelope", ID: 42}
	b64, err := ProtectObject(ctx, p, s)
	require.NoError(t, err)
	var s2 state
	err = UnprotectObject(ctx, p, b64, &s2)
	require.NoError(t, err)
	assert.Equal(t, s, s2)
}

func TestNewEnvelopeUnsupportedKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	_, err = NewEnvelope(ecdsaDecrypter{key})
	assert.EqualError(t, err, "unsupported public key: *ecdsa.PublicKey")
}

type ecdsaDecrypter struct {
	key *ecdsa.PrivateKey
}

func (d ecdsaDecrypter) Public() crypto.PublicKey {
	return &d.key.PublicKey
}

func (d ecdsaDecrypter) Decrypt(_ io.Reader, _ []byte, _ crypto.DecrypterOpts) ([]byte, error) {
	return nil, errors.New("not supported")
}
