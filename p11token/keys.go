package p11token

import (
	"crypto"
	"crypto/elliptic"
	"encoding/asn1"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/guid"
	"github.com/effective-security/xhsm/cryptoprov"
	"github.com/effective-security/xhsm/metricskey"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// AnyKeyType matches any CKA_KEY_TYPE in find operations
const AnyKeyType = ^uint(0)

const maxFindObjects = 20

// GenerateECDSAKey generates ECDSA key pair on the token
// and returns crypto.Signer for the private key
func (p11lib *PKCS11Lib) GenerateECDSAKey(label string, curve elliptic.Curve) (crypto.PrivateKey, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), p11lib.Manufacturer(), "genkey_ecdsa")

	oid, ok := oidFromNamedCurve(curve)
	if !ok {
		return nil, errors.Errorf("unsupported curve: %s", curve.Params().Name)
	}
	marshaledOID, err := asn1.Marshal(oid)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to marshal curve OID")
	}

	keyID := guid.MustCreate()
	if label == "" {
		label = keyID
	}

	pubTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, marshaledOID),
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	privTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
	}

	var signer *Signer
	err = p11lib.withSession(func(session pkcs11.SessionHandle) error {
		pub, _, err := p11lib.Ctx.GenerateKeyPair(session,
			[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil)},
			pubTemplate,
			privTemplate,
		)
		if err != nil {
			return errors.WithMessage(err, "GenerateKeyPair failed")
		}

		pubKey, err := p11lib.exportECDSAPublicKey(session, pub)
		if err != nil {
			return errors.WithStack(err)
		}

		signer = &Signer{
			lib:     p11lib,
			slotID:  p11lib.Slot.id,
			keyID:   keyID,
			label:   label,
			keyType: pkcs11.CKK_EC,
			pubKey:  pubKey,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.KV(xlog.INFO, "type", "EC", "slot", fmt.Sprintf("0x%X", p11lib.Slot.id), "id", keyID, "label", label)

	return signer, nil
}

// GenerateRSAKey generates RSA key pair on the token
// and returns crypto.Signer for the private key.
// Keys with the Encryption purpose also implement crypto.Decrypter.
func (p11lib *PKCS11Lib) GenerateRSAKey(label string, bits int, purpose int) (crypto.PrivateKey, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), p11lib.Manufacturer(), "genkey_rsa")

	if bits < 2048 || bits > 4096 {
		return nil, errors.Errorf("unsupported RSA key size: %d", bits)
	}

	keyID := guid.MustCreate()
	if label == "" {
		label = keyID
	}

	pubTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, bits),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{1, 0, 1}),
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	privTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
	}

	switch purpose {
	case cryptoprov.Signing:
		pubTemplate = append(pubTemplate, pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true))
		privTemplate = append(privTemplate, pkcs11.NewAttribute(pkcs11.CKA_SIGN, true))
	case cryptoprov.Encryption:
		pubTemplate = append(pubTemplate,
			pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
			pkcs11.NewAttribute(pkcs11.CKA_WRAP, true),
		)
		privTemplate = append(privTemplate,
			pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, true),
			pkcs11.NewAttribute(pkcs11.CKA_UNWRAP, true),
		)
	default:
		return nil, errors.Errorf("unsupported key purpose: %d", purpose)
	}

	var signer *Signer
	err := p11lib.withSession(func(session pkcs11.SessionHandle) error {
		pub, _, err := p11lib.Ctx.GenerateKeyPair(session,
			[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN, nil)},
			pubTemplate,
			privTemplate,
		)
		if err != nil {
			return errors.WithMessage(err, "GenerateKeyPair failed")
		}

		pubKey, err := p11lib.exportRSAPublicKey(session, pub)
		if err != nil {
			return errors.WithStack(err)
		}

		signer = &Signer{
			lib:     p11lib,
			slotID:  p11lib.Slot.id,
			keyID:   keyID,
			label:   label,
			keyType: pkcs11.CKK_RSA,
			pubKey:  pubKey,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.KV(xlog.INFO, "type", "RSA", "slot", fmt.Sprintf("0x%X", p11lib.Slot.id), "id", keyID, "label", label)

	return signer, nil
}

// findKey returns the first object matching the id, label, class and key type
func (p11lib *PKCS11Lib) findKey(session pkcs11.SessionHandle, keyID, label string, class uint, keyType uint) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
	}
	if keyID != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, keyID))
	}
	if label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}
	if keyType != AnyKeyType {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, keyType))
	}

	if err := p11lib.Ctx.FindObjectsInit(session, template); err != nil {
		return 0, errors.WithMessage(err, "FindObjectsInit failed")
	}
	defer p11lib.Ctx.FindObjectsFinal(session)

	objs, _, err := p11lib.Ctx.FindObjects(session, 1)
	if err != nil {
		return 0, errors.WithMessage(err, "FindObjects failed")
	}
	if len(objs) == 0 {
		return 0, errors.Errorf("key not found: class=%s, id=%q, label=%q",
			ObjectClassNames[class], keyID, label)
	}

	return objs[0], nil
}

// ListKeys returns handles of all objects of the given class and key type
func (p11lib *PKCS11Lib) ListKeys(session pkcs11.SessionHandle, class uint, keyType uint) ([]pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
	}
	if keyType != AnyKeyType {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, keyType))
	}

	if err := p11lib.Ctx.FindObjectsInit(session, template); err != nil {
		return nil, errors.WithMessage(err, "FindObjectsInit failed")
	}
	defer p11lib.Ctx.FindObjectsFinal(session)

	res := []pkcs11.ObjectHandle{}
	for {
		objs, _, err := p11lib.Ctx.FindObjects(session, maxFindObjects)
		if err != nil {
			return nil, errors.WithMessage(err, "FindObjects failed")
		}
		if len(objs) == 0 {
			break
		}
		res = append(res, objs...)
	}
	return res, nil
}

// FindKeyPairOnSlot returns crypto.Signer for the key pair
// identified by id or label on the given slot
func (p11lib *PKCS11Lib) FindKeyPairOnSlot(slotID uint, keyID, label string) (crypto.PrivateKey, error) {
	session, release, err := p11lib.openSlotSession(slotID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer release()

	privHandle, err := p11lib.findKey(session, keyID, label, pkcs11.CKO_PRIVATE_KEY, AnyKeyType)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	attrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, 0),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, 0),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, 0),
	}
	if attrs, err = p11lib.Ctx.GetAttributeValue(session, privHandle, attrs); err != nil {
		return nil, errors.WithMessage(err, "GetAttributeValue on private key")
	}

	keyID = string(attrs[0].Value)
	label = string(attrs[1].Value)
	keyType := BytesToUlong(attrs[2].Value)

	pubHandle, err := p11lib.findKey(session, keyID, "", pkcs11.CKO_PUBLIC_KEY, keyType)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var pubKey crypto.PublicKey
	switch keyType {
	case pkcs11.CKK_EC:
		pubKey, err = p11lib.exportECDSAPublicKey(session, pubHandle)
	case pkcs11.CKK_RSA:
		pubKey, err = p11lib.exportRSAPublicKey(session, pubHandle)
	default:
		return nil, errors.Errorf("unsupported key type: %s", KeyTypeNames[keyType])
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &Signer{
		lib:     p11lib,
		slotID:  slotID,
		keyID:   keyID,
		label:   label,
		keyType: keyType,
		pubKey:  pubKey,
	}, nil
}

// GetKey returns crypto.PrivateKey for the key on the current slot
func (p11lib *PKCS11Lib) GetKey(keyID string) (crypto.PrivateKey, error) {
	return p11lib.FindKeyPairOnSlot(p11lib.Slot.id, keyID, "")
}

// IdentifyKey returns the id and label of the key
func (p11lib *PKCS11Lib) IdentifyKey(priv crypto.PrivateKey) (keyID, label string, err error) {
	s, ok := priv.(*Signer)
	if !ok {
		return "", "", errors.New("not supported key")
	}
	return s.keyID, s.label, nil
}

// ExportKey returns the pkcs11 URI for the key.
// Private key material never leaves the token.
func (p11lib *PKCS11Lib) ExportKey(keyID string) (string, []byte, error) {
	uri := fmt.Sprintf("pkcs11:manufacturer=%s;model=%s;serial=%s;token=%s;id=%s;type=private",
		p11lib.Manufacturer(),
		p11lib.Model(),
		p11lib.Slot.serial,
		p11lib.Slot.label,
		keyID,
	)
	return uri, nil, nil
}
