package cryptoprov_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/effective-security/x/guid"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xhsm/cryptoprov"
	"github.com/effective-security/xhsm/cryptoprov/inmemcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistered(t *testing.T) {
	l := cryptoprov.Registered()
	require.NotEmpty(t, l)

	assert.True(t, slices.ContainsString(l, inmemcrypto.ProviderName))
}

func TestLoadInmem(t *testing.T) {
	cp, err := cryptoprov.Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, inmemcrypto.ProviderName, cp.Default().Manufacturer())

	cp, err = cryptoprov.Load("inmem", nil)
	require.NoError(t, err)
	assert.Equal(t, inmemcrypto.ProviderName, cp.Default().Manufacturer())
}

func TestByManufacturer(t *testing.T) {
	prov := inmemcrypto.NewProvider()

	cp, err := cryptoprov.New(prov, nil)
	require.NoError(t, err)

	err = cp.Add(prov)
	assert.NoError(t, err)

	d := cp.Default()
	assert.NotEmpty(t, d.Manufacturer())
	assert.NotNil(t, d.Model())

	_, err = cp.ByManufacturer(prov.Manufacturer(), prov.Model())
	assert.NoError(t, err)
	_, err = cp.ByManufacturer("NetHSM", "")
	assert.Error(t, err)
	assert.Equal(t, "provider for \"NetHSM\" and model \"\" not found", err.Error())
}

func TestInmemRSASign(t *testing.T) {
	prov := inmemcrypto.NewProvider()
	cp, err := cryptoprov.New(prov, nil)
	require.NoError(t, err)

	rsaKeyLabel := "rsa" + guid.MustCreate()
	key, err := prov.GenerateRSAKey(rsaKeyLabel, 2048, cryptoprov.Signing)
	require.NoError(t, err)

	keyID, keyLabel, err := prov.IdentifyKey(key)
	require.NoError(t, err)
	assert.NotEmpty(t, keyID)
	assert.Equal(t, rsaKeyLabel, keyLabel)

	keyURI, keyBytes, err := prov.ExportKey(keyID)
	require.NoError(t, err)
	assert.Empty(t, keyURI)
	assert.NotEmpty(t, keyBytes)

	signer, err := cp.NewSignerFromPEM(keyBytes)
	require.NoError(t, err)

	message := []byte("To Be Signed")
	hashed := sha256.Sum256(message)

	signature, err := signer.Sign(rand.Reader, hashed[:], crypto.SHA256)
	require.NoError(t, err)

	err = rsa.VerifyPKCS1v15(signer.Public().(*rsa.PublicKey), crypto.SHA256, hashed[:], signature)
	require.NoError(t, err)
}

func TestInmemECDSASign(t *testing.T) {
	prov := inmemcrypto.NewProvider()

	ecdsaKeyLabel := "ecdsa" + guid.MustCreate()
	key, err := prov.GenerateECDSAKey(ecdsaKeyLabel, elliptic.P256())
	require.NoError(t, err)

	keyID, keyLabel, err := prov.IdentifyKey(key)
	require.NoError(t, err)
	assert.NotEmpty(t, keyID)
	assert.Equal(t, ecdsaKeyLabel, keyLabel)

	pvk, err := prov.GetKey(keyID)
	require.NoError(t, err)

	signer, ok := pvk.(crypto.Signer)
	require.True(t, ok, "crypto.Signer not supported")

	message := []byte("To Be Signed")
	hashed := sha256.Sum256(message)

	signature, err := signer.Sign(rand.Reader, hashed[:], crypto.SHA256)
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(signer.Public().(*ecdsa.PublicKey), hashed[:], signature))

	_, _, err = prov.IdentifyKey(struct{}{})
	assert.EqualError(t, err, "not supported key")

	_, err = prov.GetKey("missing")
	assert.EqualError(t, err, "key not found: missing")
}
