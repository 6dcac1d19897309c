package p11token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/asn1"
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// RFC 5480, 2.1.1.1. Named Curve
var (
	oidNamedCurveP224 = asn1.ObjectIdentifier{1, 3, 132, 0, 33}
	oidNamedCurveP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidNamedCurveP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	oidNamedCurveP521 = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
)

func namedCurveFromOID(oid asn1.ObjectIdentifier) elliptic.Curve {
	switch {
	case oid.Equal(oidNamedCurveP224):
		return elliptic.P224()
	case oid.Equal(oidNamedCurveP256):
		return elliptic.P256()
	case oid.Equal(oidNamedCurveP384):
		return elliptic.P384()
	case oid.Equal(oidNamedCurveP521):
		return elliptic.P521()
	}
	return nil
}

func oidFromNamedCurve(curve elliptic.Curve) (asn1.ObjectIdentifier, bool) {
	switch curve {
	case elliptic.P224():
		return oidNamedCurveP224, true
	case elliptic.P256():
		return oidNamedCurveP256, true
	case elliptic.P384():
		return oidNamedCurveP384, true
	case elliptic.P521():
		return oidNamedCurveP521, true
	}
	return nil, false
}

// ecPoint returns the CKA_EC_POINT and CKA_EC_PARAMS values of the key.
//
// opencryptoki mis-reports the length of the EC point, including the
// 0x04 tag of the field following the SPKI. The trailing byte is
// removed when receiving an even number of bytes, with both the
// leading and trailing byte equal to 0x04.
//
// SoftHSM reports two extra bytes before the uncompressed point:
// 0x04 || <length> || 0x04 ...
func (p11lib *PKCS11Lib) ecPoint(session pkcs11.SessionHandle, key pkcs11.ObjectHandle) (ecpt, oid []byte, err error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
	}

	attr, err := p11lib.Ctx.GetAttributeValue(session, key, template)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "GetAttributeValue on EC point")
	}

	for _, a := range attr {
		switch a.Type {
		case pkcs11.CKA_EC_POINT:
			switch {
			case len(a.Value)%2 == 0 &&
				a.Value[0] == 0x04 &&
				a.Value[len(a.Value)-1] == 0x04:
				logger.KV(xlog.DEBUG, "reason", "trim_trailing_byte", "len", len(a.Value))
				ecpt = a.Value[:len(a.Value)-1]
			case len(a.Value) > 2 && a.Value[0] == 0x04 && a.Value[2] == 0x04:
				logger.KV(xlog.DEBUG, "reason", "trim_length_prefix", "len", len(a.Value))
				ecpt = a.Value[2:]
			default:
				ecpt = a.Value
			}
		case pkcs11.CKA_EC_PARAMS:
			oid = a.Value
		}
	}
	if oid == nil || ecpt == nil {
		return nil, nil, errors.New("CKA_EC_POINT not found, not an EC key")
	}

	return ecpt, oid, nil
}

// exportECDSAPublicKey reconstructs *ecdsa.PublicKey from the public key object
func (p11lib *PKCS11Lib) exportECDSAPublicKey(session pkcs11.SessionHandle, pubHandle pkcs11.ObjectHandle) (*ecdsa.PublicKey, error) {
	ecpt, marshaledOID, err := p11lib.ecPoint(session, pubHandle)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	curveOid := new(asn1.ObjectIdentifier)
	_, err = asn1.Unmarshal(marshaledOID, curveOid)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to unmarshal curve OID")
	}

	curve := namedCurveFromOID(*curveOid)
	if curve == nil {
		return nil, errors.Errorf("unsupported curve OID: %v", curveOid)
	}

	x, y := elliptic.Unmarshal(curve, ecpt)
	if x == nil {
		return nil, errors.New("malformed EC point")
	}

	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// ecdsaPaddedSignature pads r and s to the curve byte size,
// producing the raw signature format of CKM_ECDSA
func ecdsaPaddedSignature(r, s *big.Int, byteSize int) []byte {
	rb := r.Bytes()
	sb := s.Bytes()
	sig := make([]byte, 2*byteSize)
	copy(sig[byteSize-len(rb):byteSize], rb)
	copy(sig[2*byteSize-len(sb):], sb)
	return sig
}

func curveByteSize(curve elliptic.Curve) int {
	return (curve.Params().BitSize + 7) / 8
}
