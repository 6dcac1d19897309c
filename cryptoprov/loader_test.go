package cryptoprov_test

import (
	"testing"

	"github.com/effective-security/xhsm/cryptoprov"
	"github.com/effective-security/xhsm/cryptoprov/inmemcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterUnregister(t *testing.T) {
	loader := func(cfg cryptoprov.TokenConfig) (cryptoprov.Provider, error) {
		return inmemcrypto.NewProvider(), nil
	}

	err := cryptoprov.Register("TestHSM", loader)
	require.NoError(t, err)

	err = cryptoprov.Register("TestHSM", loader)
	require.Error(t, err)
	assert.Equal(t, "already registered: TestHSM", err.Error())

	_, err = cryptoprov.Unregister("TestHSM")
	require.NoError(t, err)

	_, err = cryptoprov.Unregister("TestHSM")
	require.Error(t, err)
	assert.Equal(t, "not registered: TestHSM", err.Error())
}

func TestLoadProviderNotRegistered(t *testing.T) {
	_, err := cryptoprov.LoadProvider("testdata/unregistered.yaml")
	require.Error(t, err)
	assert.Equal(t, "provider not registered: NitroHSM", err.Error())
}

func TestLoadProviderConfigNotFound(t *testing.T) {
	_, err := cryptoprov.LoadProvider("testdata/missing.yaml")
	assert.Error(t, err)
}

func TestLoadWithProviders(t *testing.T) {
	err := cryptoprov.Register("TestKMS", func(cfg cryptoprov.TokenConfig) (cryptoprov.Provider, error) {
		return inmemcrypto.NewProvider(), nil
	})
	require.NoError(t, err)
	defer func() {
		_, _ = cryptoprov.Unregister("TestKMS")
	}()

	c, err := cryptoprov.Load("", []string{"testdata/testkms.yaml"})
	require.NoError(t, err)
	assert.NotNil(t, c.Default())

	_, err = cryptoprov.Load("", []string{"testdata/unregistered.yaml"})
	assert.Error(t, err)
}
