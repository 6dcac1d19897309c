package p11token

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/guid"
	"github.com/effective-security/xhsm/metricskey"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// wrapOAEPParams returns the OAEP parameters used for key wrapping
func wrapOAEPParams() *pkcs11.OAEPParams {
	return pkcs11.NewOAEPParams(
		pkcs11.CKM_SHA256,
		pkcs11.CKG_MGF1_SHA256,
		pkcs11.CKZ_DATA_SPECIFIED,
		[]byte("Label"),
	)
}

// GenerateSecretKey generates a generic secret key of the given size
// on the token and returns its id.
// The key is extractable for wrapping.
func (p11lib *PKCS11Lib) GenerateSecretKey(label string, bits int) (string, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), p11lib.Manufacturer(), "genkey_secret")

	if bits < 112 || bits%8 != 0 {
		return "", errors.Errorf("unsupported secret key size: %d", bits)
	}

	keyID := guid.MustCreate()
	if label == "" {
		label = keyID
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, bits/8),
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}

	err := p11lib.withSession(func(session pkcs11.SessionHandle) error {
		_, err := p11lib.Ctx.GenerateKey(session,
			[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_GENERIC_SECRET_KEY_GEN, nil)},
			template,
		)
		if err != nil {
			return errors.WithMessage(err, "GenerateKey failed")
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	logger.KV(xlog.INFO, "type", "GENERIC_SECRET", "id", keyID, "label", label, "bits", bits)

	return keyID, nil
}

// WrapSecretKey wraps the secret key identified by keyID
// with the RSA public key identified by wrappingKeyID,
// using RSA-OAEP with SHA-256
func (p11lib *PKCS11Lib) WrapSecretKey(wrappingKeyID, keyID string) ([]byte, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), p11lib.Manufacturer(), "wrap")

	var wrapped []byte
	err := p11lib.withSession(func(session pkcs11.SessionHandle) error {
		wrappingKey, err := p11lib.findKey(session, wrappingKeyID, "", pkcs11.CKO_PUBLIC_KEY, pkcs11.CKK_RSA)
		if err != nil {
			return errors.WithStack(err)
		}
		key, err := p11lib.findKey(session, keyID, "", pkcs11.CKO_SECRET_KEY, AnyKeyType)
		if err != nil {
			return errors.WithStack(err)
		}

		wrapped, err = p11lib.Ctx.WrapKey(session,
			[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_OAEP, wrapOAEPParams())},
			wrappingKey,
			key,
		)
		if err != nil {
			return errors.WithMessage(err, "WrapKey failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}

// UnwrapSecretKey unwraps the wrapped key material
// with the RSA private key identified by unwrappingKeyID,
// restores it as a generic secret key object on the token,
// and returns the id of the new key
func (p11lib *PKCS11Lib) UnwrapSecretKey(unwrappingKeyID string, wrapped []byte, label string) (string, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), p11lib.Manufacturer(), "unwrap")

	keyID := guid.MustCreate()
	if label == "" {
		label = keyID
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}

	err := p11lib.withSession(func(session pkcs11.SessionHandle) error {
		unwrappingKey, err := p11lib.findKey(session, unwrappingKeyID, "", pkcs11.CKO_PRIVATE_KEY, pkcs11.CKK_RSA)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = p11lib.Ctx.UnwrapKey(session,
			[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_OAEP, wrapOAEPParams())},
			unwrappingKey,
			wrapped,
			template,
		)
		if err != nil {
			return errors.WithMessage(err, "UnwrapKey failed")
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	logger.KV(xlog.INFO, "type", "GENERIC_SECRET", "id", keyID, "label", label)

	return keyID, nil
}

// DestroySecretKey destroys the secret key object on the current slot
func (p11lib *PKCS11Lib) DestroySecretKey(keyID string) error {
	return p11lib.withSession(func(session pkcs11.SessionHandle) error {
		key, err := p11lib.findKey(session, keyID, "", pkcs11.CKO_SECRET_KEY, AnyKeyType)
		if err != nil {
			return errors.WithStack(err)
		}
		err = p11lib.Ctx.DestroyObject(session, key)
		if err != nil {
			return errors.WithMessage(err, "DestroyObject failed")
		}
		logger.KV(xlog.INFO, "type", "CKO_SECRET_KEY", "id", keyID)
		return nil
	})
}
