package p11token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"io"
	"math/big"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xhsm/metricskey"
	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Signer implements crypto.Signer and crypto.Decrypter
// with the private key stored on the token
type Signer struct {
	lib     *PKCS11Lib
	slotID  uint
	keyID   string
	label   string
	keyType uint
	pubKey  crypto.PublicKey
}

// KeyID returns the id of the key
func (s *Signer) KeyID() string {
	return s.keyID
}

// Label returns the label of the key
func (s *Signer) Label() string {
	return s.label
}

// Public returns the public key of the pair
func (s *Signer) Public() crypto.PublicKey {
	return s.pubKey
}

// Sign signs the digest on the token.
// The digest must be the result of hashing the message with opts.HashFunc().
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), s.lib.Manufacturer(), "sign")

	switch s.keyType {
	case pkcs11.CKK_EC:
		return s.signECDSA(digest)
	case pkcs11.CKK_RSA:
		return s.signRSA(digest, opts)
	default:
		return nil, errors.Errorf("unsupported key type: %s", KeyTypeNames[s.keyType])
	}
}

func (s *Signer) signECDSA(digest []byte) ([]byte, error) {
	var raw []byte
	err := s.withKey(pkcs11.CKO_PRIVATE_KEY, func(session pkcs11.SessionHandle, key pkcs11.ObjectHandle) error {
		err := s.lib.Ctx.SignInit(session,
			[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}, key)
		if err != nil {
			return errors.WithMessage(err, "SignInit failed")
		}
		raw, err = s.lib.Ctx.Sign(session, digest)
		if err != nil {
			return errors.WithMessage(err, "Sign failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, errors.Errorf("malformed signature: length %d", len(raw))
	}

	// CKM_ECDSA produces r || s, Go expects ASN.1 DER
	r := new(big.Int).SetBytes(raw[:len(raw)/2])
	sv := new(big.Int).SetBytes(raw[len(raw)/2:])

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(sv)
	})
	return b.Bytes()
}

// DigestInfo prefixes for CKM_RSA_PKCS, per RFC 8017
var digestInfoPrefixes = map[crypto.Hash][]byte{
	crypto.SHA1:   {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// hashMechanisms maps crypto.Hash to the CKM hash and MGF1 values
// used by the PSS and OAEP mechanism parameters
var hashMechanisms = map[crypto.Hash]struct {
	hashAlg uint
	mgf     uint
}{
	crypto.SHA1:   {pkcs11.CKM_SHA_1, pkcs11.CKG_MGF1_SHA1},
	crypto.SHA256: {pkcs11.CKM_SHA256, pkcs11.CKG_MGF1_SHA256},
	crypto.SHA384: {pkcs11.CKM_SHA384, pkcs11.CKG_MGF1_SHA384},
	crypto.SHA512: {pkcs11.CKM_SHA512, pkcs11.CKG_MGF1_SHA512},
}

func (s *Signer) signRSA(digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	var mech *pkcs11.Mechanism
	toSign := digest

	if pssOpts, ok := opts.(*rsa.PSSOptions); ok {
		hm, ok := hashMechanisms[pssOpts.Hash]
		if !ok {
			return nil, errors.Errorf("unsupported hash: %v", pssOpts.Hash)
		}
		saltLength := pssOpts.SaltLength
		switch saltLength {
		case rsa.PSSSaltLengthAuto, rsa.PSSSaltLengthEqualsHash:
			saltLength = pssOpts.Hash.Size()
		}
		params := pkcs11.NewPSSParams(hm.hashAlg, hm.mgf, uint(saltLength))
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, params)
	} else {
		prefix, ok := digestInfoPrefixes[opts.HashFunc()]
		if !ok {
			return nil, errors.Errorf("unsupported hash: %v", opts.HashFunc())
		}
		toSign = append(prefix[:len(prefix):len(prefix)], digest...)
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
	}

	var sig []byte
	err := s.withKey(pkcs11.CKO_PRIVATE_KEY, func(session pkcs11.SessionHandle, key pkcs11.ObjectHandle) error {
		err := s.lib.Ctx.SignInit(session, []*pkcs11.Mechanism{mech}, key)
		if err != nil {
			return errors.WithMessage(err, "SignInit failed")
		}
		sig, err = s.lib.Ctx.Sign(session, toSign)
		if err != nil {
			return errors.WithMessage(err, "Sign failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// Decrypt decrypts the ciphertext on the token.
// Supported options are *rsa.OAEPOptions and *rsa.PKCS1v15DecryptOptions.
func (s *Signer) Decrypt(_ io.Reader, ciphertext []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), s.lib.Manufacturer(), "decrypt")

	if s.keyType != pkcs11.CKK_RSA {
		return nil, errors.Errorf("unsupported key type: %s", KeyTypeNames[s.keyType])
	}

	var mech *pkcs11.Mechanism
	switch o := opts.(type) {
	case *rsa.OAEPOptions:
		hm, ok := hashMechanisms[o.Hash]
		if !ok {
			return nil, errors.Errorf("unsupported hash: %v", o.Hash)
		}
		params := pkcs11.NewOAEPParams(hm.hashAlg, hm.mgf, pkcs11.CKZ_DATA_SPECIFIED, o.Label)
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_OAEP, params)
	case *rsa.PKCS1v15DecryptOptions:
		if o.SessionKeyLen != 0 {
			return nil, errors.New("unsupported SessionKeyLen option")
		}
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
	case nil:
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
	default:
		return nil, errors.Errorf("unsupported decrypter options: %T", opts)
	}

	var plaintext []byte
	err := s.withKey(pkcs11.CKO_PRIVATE_KEY, func(session pkcs11.SessionHandle, key pkcs11.ObjectHandle) error {
		err := s.lib.Ctx.DecryptInit(session, []*pkcs11.Mechanism{mech}, key)
		if err != nil {
			return errors.WithMessage(err, "DecryptInit failed")
		}
		plaintext, err = s.lib.Ctx.Decrypt(session, ciphertext)
		if err != nil {
			return errors.WithMessage(err, "Decrypt failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// withKey runs the operation with a session and the key handle resolved
// on the signer's slot
func (s *Signer) withKey(class uint, f func(session pkcs11.SessionHandle, key pkcs11.ObjectHandle) error) error {
	session, release, err := s.lib.openSlotSession(s.slotID)
	if err != nil {
		return errors.WithStack(err)
	}
	defer release()

	key, err := s.lib.findKey(session, s.keyID, "", class, s.keyType)
	if err != nil {
		return errors.WithStack(err)
	}

	return f(session, key)
}

// VerifySignature verifies the signature over the digest on the token
// using the public key identified by keyID.
// An invalid signature returns false without error.
// For RSA keys opts selects PKCS#1 v1.5 or PSS padding,
// the same way as for Sign. It is ignored for ECDSA keys.
func (p11lib *PKCS11Lib) VerifySignature(keyID string, digest, signature []byte, opts crypto.SignerOpts) (bool, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), p11lib.Manufacturer(), "verify")

	session, release, err := p11lib.openSlotSession(p11lib.Slot.id)
	if err != nil {
		return false, errors.WithStack(err)
	}
	defer release()

	pubHandle, err := p11lib.findKey(session, keyID, "", pkcs11.CKO_PUBLIC_KEY, AnyKeyType)
	if err != nil {
		return false, errors.WithStack(err)
	}

	attrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, 0),
	}
	if attrs, err = p11lib.Ctx.GetAttributeValue(session, pubHandle, attrs); err != nil {
		return false, errors.WithMessage(err, "GetAttributeValue on public key")
	}

	var mech *pkcs11.Mechanism
	toVerify := digest
	sig := signature

	switch keyType := BytesToUlong(attrs[0].Value); keyType {
	case pkcs11.CKK_EC:
		pub, err := p11lib.exportECDSAPublicKey(session, pubHandle)
		if err != nil {
			return false, errors.WithStack(err)
		}
		sig, err = ecdsaRawSignature(signature, curveByteSize(pub.Curve))
		if err != nil {
			return false, errors.WithStack(err)
		}
		mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)

	case pkcs11.CKK_RSA:
		if pssOpts, ok := opts.(*rsa.PSSOptions); ok {
			hm, ok := hashMechanisms[pssOpts.Hash]
			if !ok {
				return false, errors.Errorf("unsupported hash: %v", pssOpts.Hash)
			}
			saltLength := pssOpts.SaltLength
			switch saltLength {
			case rsa.PSSSaltLengthAuto, rsa.PSSSaltLengthEqualsHash:
				saltLength = pssOpts.Hash.Size()
			}
			params := pkcs11.NewPSSParams(hm.hashAlg, hm.mgf, uint(saltLength))
			mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, params)
		} else {
			if opts == nil {
				return false, errors.New("hash options are required for RSA keys")
			}
			prefix, ok := digestInfoPrefixes[opts.HashFunc()]
			if !ok {
				return false, errors.Errorf("unsupported hash: %v", opts.HashFunc())
			}
			toVerify = append(prefix[:len(prefix):len(prefix)], digest...)
			mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
		}

	default:
		return false, errors.Errorf("unsupported key type: %s", KeyTypeNames[keyType])
	}

	err = p11lib.Ctx.VerifyInit(session, []*pkcs11.Mechanism{mech}, pubHandle)
	if err != nil {
		return false, errors.WithMessage(err, "VerifyInit failed")
	}
	err = p11lib.Ctx.Verify(session, toVerify, sig)
	if err == pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithMessage(err, "Verify failed")
	}

	return true, nil
}

// ecdsaRawSignature converts an ASN.1 DER signature to the
// padded r || s format of CKM_ECDSA
func ecdsaRawSignature(der []byte, byteSize int) ([]byte, error) {
	var (
		r, s  = new(big.Int), new(big.Int)
		inner cryptobyte.String
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, cbasn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, errors.New("malformed signature")
	}
	if len(r.Bytes()) > byteSize || len(s.Bytes()) > byteSize {
		return nil, errors.New("malformed signature")
	}
	return ecdsaPaddedSignature(r, s, byteSize), nil
}

// ConvertToPublic returns the public part of the private key
func ConvertToPublic(priv crypto.PrivateKey) (crypto.PublicKey, error) {
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, errors.New("unsupported key type")
	}
	pub := signer.Public()
	switch pub.(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
		return pub, nil
	default:
		return nil, errors.Errorf("unsupported public key type: %T", pub)
	}
}
