package cryptoprov_test

import (
	"testing"

	"github.com/effective-security/xhsm/cryptoprov"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTokenConfigYaml(t *testing.T) {
	c, err := cryptoprov.LoadTokenConfig("testdata/softhsm.yaml")
	require.NoError(t, err)

	c2, err := cryptoprov.LoadTokenConfig("testdata/softhsm.json")
	require.NoError(t, err)

	assert.Equal(t, c, c2)
	assert.Equal(t, "SoftHSM", c.Manufacturer())
	assert.Equal(t, "SoftHSM v2", c.Model())
	assert.Equal(t, "/usr/lib/softhsm/libsofthsm2.so", c.Path())
	assert.Equal(t, "xhsm_unittest", c.TokenLabel())
	assert.Equal(t, "1234", c.Pin())
}

func TestLoadTokenConfigPinFile(t *testing.T) {
	c, err := cryptoprov.LoadTokenConfig("testdata/softhsm_pinfile.yaml")
	require.NoError(t, err)
	assert.Equal(t, "1234", c.Pin())
}

func TestLoadTokenConfigNotFound(t *testing.T) {
	_, err := cryptoprov.LoadTokenConfig("testdata/missing.yaml")
	assert.Error(t, err)
}
