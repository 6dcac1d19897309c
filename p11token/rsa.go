package p11token

import (
	"crypto/rsa"
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

// exportRSAPublicKey reconstructs *rsa.PublicKey from the public key object
func (p11lib *PKCS11Lib) exportRSAPublicKey(session pkcs11.SessionHandle, pubHandle pkcs11.ObjectHandle) (*rsa.PublicKey, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
	}
	attrs, err := p11lib.Ctx.GetAttributeValue(session, pubHandle, template)
	if err != nil {
		return nil, errors.WithMessage(err, "GetAttributeValue on RSA key")
	}

	var modulus, exponent []byte
	for _, a := range attrs {
		switch a.Type {
		case pkcs11.CKA_MODULUS:
			modulus = a.Value
		case pkcs11.CKA_PUBLIC_EXPONENT:
			exponent = a.Value
		}
	}
	if len(modulus) == 0 || len(exponent) == 0 {
		return nil, errors.New("CKA_MODULUS not found, not an RSA key")
	}

	exp := new(big.Int).SetBytes(exponent)
	if !exp.IsInt64() || exp.Int64() < 2 {
		return nil, errors.New("malformed RSA public exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: int(exp.Int64()),
	}, nil
}
