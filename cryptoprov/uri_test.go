package cryptoprov_test

import (
	"testing"

	"github.com/effective-security/xhsm/cryptoprov"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrivateKeyURI(t *testing.T) {
	uri, err := cryptoprov.ParsePrivateKeyURI(
		"pkcs11:manufacturer=SoftHSM;model=SoftHSM v2;id=4053de80;serial=28a3bd74;type=private")
	require.NoError(t, err)
	assert.Equal(t, "SoftHSM", uri.Manufacturer())
	assert.Equal(t, "SoftHSM v2", uri.Model())
	assert.Equal(t, "4053de80", uri.ID())
	assert.Equal(t, "28a3bd74", uri.TokenSerial())
	assert.Equal(t, "private", uri.Type())
}

func TestParsePrivateKeyURI_Errors(t *testing.T) {
	tcases := []struct {
		uri string
		err string
	}{
		{"file:///tmp/key.pem", `invalid URI scheme: "file:///tmp/key.pem"`},
		{"pkcs11:manufacturer=SoftHSM", `missing key id: "pkcs11:manufacturer=SoftHSM"`},
		{"pkcs11:id=123;type=public", `unsupported key type "public": "pkcs11:id=123;type=public"`},
		{"pkcs11:garbage", `invalid URI attribute: "garbage"`},
	}
	for _, tc := range tcases {
		t.Run(tc.uri, func(t *testing.T) {
			_, err := cryptoprov.ParsePrivateKeyURI(tc.uri)
			require.Error(t, err)
			assert.Equal(t, tc.err, err.Error())
		})
	}
}
