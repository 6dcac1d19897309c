package cryptoprov

import (
	"crypto"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xhsm/keyutil"
)

// NewSignerFromFromFile generates a new signer from a caKey file,
// either PEM encoded or containing a PKCS#11 URI
func (c *Crypto) NewSignerFromFromFile(caKeyFile string) (crypto.Signer, error) {
	cakey, err := os.ReadFile(caKeyFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "load key file")
	}
	// remove trailing space and end-of-line
	cakey = []byte(strings.TrimSpace(string(cakey)))

	s, err := c.NewSignerFromPEM(cakey)
	if err != nil {
		return nil, errors.WithMessagef(err, "load key from file: %s", caKeyFile)
	}
	return s, nil
}

// NewSignerFromPEM generates a new crypto signer from PEM encoded blocks,
// or from a PKCS#11 URI
func (c *Crypto) NewSignerFromPEM(caKey []byte) (crypto.Signer, error) {
	_, pvk, err := c.LoadPrivateKey(caKey)
	if err != nil {
		return nil, err
	}

	signer, supported := pvk.(crypto.Signer)
	if !supported {
		return nil, errors.Errorf("loaded key of %T type does not support crypto.Signer", pvk)
	}

	return signer, nil
}

// LoadPrivateKey returns crypto.PrivateKey.
// The input key can be in PEM encoded format, or PKCS#11 URI.
func (c *Crypto) LoadPrivateKey(key []byte) (Provider, crypto.PrivateKey, error) {
	var err error
	var pvk crypto.PrivateKey
	var provider Provider

	keyPem := string(key)
	if strings.HasPrefix(keyPem, "pkcs11") {
		pkuri, err := ParsePrivateKeyURI(keyPem)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "failed to parse key")
		}

		provider, err = c.ByManufacturer(pkuri.Manufacturer(), pkuri.Model())
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "provider not found: %s model: %s",
				pkuri.Manufacturer(), pkuri.Model())
		}

		pvk, err = provider.GetKey(pkuri.ID())
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "unable to get key: %s", pkuri.ID())
		}
	} else {
		pvk, err = keyutil.ParsePrivateKeyPEM(key)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "failed to parse key")
		}
	}

	return provider, pvk, nil
}
