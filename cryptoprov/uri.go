package cryptoprov

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// PKCS11URI holds a parsed pkcs11: key URI.
//
// The URI format produced by ExportKey is:
//
//	pkcs11:manufacturer=man;model=mod;id=keyID;serial=serial;type=private
type PKCS11URI struct {
	manufacturer string
	model        string
	id           string
	serial       string
	keyType      string
}

// Manufacturer name of the manufacturer
func (u *PKCS11URI) Manufacturer() string {
	return u.manufacturer
}

// Model name of the device
func (u *PKCS11URI) Model() string {
	return u.model
}

// ID of the key
func (u *PKCS11URI) ID() string {
	return u.id
}

// TokenSerial is the serial of the token where the key resides
func (u *PKCS11URI) TokenSerial() string {
	return u.serial
}

// Type of the key: private|public|secret
func (u *PKCS11URI) Type() string {
	return u.keyType
}

// ParsePrivateKeyURI parses a pkcs11: URI of a private key
func ParsePrivateKeyURI(uri string) (*PKCS11URI, error) {
	uri = strings.TrimSpace(uri)
	if !strings.HasPrefix(uri, "pkcs11:") {
		return nil, errors.Errorf("invalid URI scheme: %q", uri)
	}

	res := &PKCS11URI{
		keyType: "private",
	}
	for _, attr := range strings.Split(uri[len("pkcs11:"):], ";") {
		if attr == "" {
			continue
		}
		kv := strings.SplitN(attr, "=", 2)
		if len(kv) != 2 {
			return nil, errors.Errorf("invalid URI attribute: %q", attr)
		}
		val := strings.TrimSpace(kv[1])
		switch strings.TrimSpace(kv[0]) {
		case "manufacturer":
			res.manufacturer = val
		case "model":
			res.model = val
		case "id":
			res.id = val
		case "serial":
			res.serial = val
		case "type":
			res.keyType = val
		default:
			// unknown attributes are ignored
		}
	}

	if res.id == "" {
		return nil, errors.Errorf("missing key id: %q", uri)
	}
	if res.keyType != "private" {
		return nil, errors.Errorf("unsupported key type %q: %q", res.keyType, uri)
	}

	return res, nil
}
