package p11token

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xhsm/cryptoprov"
	"github.com/effective-security/xhsm/keyutil"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// EnumTokens enumerates tokens
func (p11lib *PKCS11Lib) EnumTokens(currentSlotOnly bool) ([]cryptoprov.TokenInfo, error) {
	if currentSlotOnly {
		return []cryptoprov.TokenInfo{
			{
				SlotID:       p11lib.Slot.id,
				Description:  p11lib.Slot.description,
				Label:        p11lib.Slot.label,
				Manufacturer: p11lib.Slot.manufacturer,
				Model:        p11lib.Slot.model,
				Serial:       p11lib.Slot.serial,
			},
		}, nil
	}

	list, err := p11lib.TokensInfo()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	res := make([]cryptoprov.TokenInfo, len(list))
	for i, ti := range list {
		res[i].SlotID = ti.id
		res[i].Description = ti.description
		res[i].Label = ti.label
		res[i].Manufacturer = ti.manufacturer
		res[i].Model = ti.model
		res[i].Serial = ti.serial
	}
	return res, nil
}

// EnumKeys returns the list of private keys on the slot
func (p11lib *PKCS11Lib) EnumKeys(slotID uint, prefix string) ([]cryptoprov.KeyInfo, error) {
	session, release, err := p11lib.openSlotSession(slotID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer release()

	keys, err := p11lib.ListKeys(session, pkcs11.CKO_PRIVATE_KEY, AnyKeyType)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	res := make([]cryptoprov.KeyInfo, 0, len(keys))
	for _, obj := range keys {
		attributes := []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_ID, 0),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, 0),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, 0),
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, 0),
		}
		if attributes, err = p11lib.Ctx.GetAttributeValue(session, obj, attributes); err != nil {
			return nil, errors.WithMessage(err, "GetAttributeValue on key")
		}

		keyLabel := string(attributes[1].Value)
		if prefix != "" && !strings.HasPrefix(keyLabel, prefix) {
			continue
		}
		res = append(res, cryptoprov.KeyInfo{
			ID:    string(attributes[0].Value),
			Label: keyLabel,
			Type:  KeyTypeNames[BytesToUlong(attributes[2].Value)],
			Class: ObjectClassNames[BytesToUlong(attributes[3].Value)],
		})
	}

	return res, nil
}

// KeyInfo retrieves info about the key with the specified id
func (p11lib *PKCS11Lib) KeyInfo(slotID uint, keyID string, includePublic bool) (*cryptoprov.KeyInfo, error) {
	session, release, err := p11lib.openSlotSession(slotID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer release()

	privHandle, err := p11lib.findKey(session, keyID, "", pkcs11.CKO_PRIVATE_KEY, AnyKeyType)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	attributes := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, 0),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, 0),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, 0),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, 0),
	}
	if attributes, err = p11lib.Ctx.GetAttributeValue(session, privHandle, attributes); err != nil {
		return nil, errors.WithMessage(err, "GetAttributeValue on key")
	}

	keyID = string(attributes[0].Value)
	keyLabel := string(attributes[1].Value)

	pubKey := ""
	if includePublic {
		pubKey, err = p11lib.getPublicKeyPEM(slotID, keyID)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to get public key, slot=%d, id=%q", slotID, keyID)
		}
	}

	return &cryptoprov.KeyInfo{
		ID:        keyID,
		Label:     keyLabel,
		Type:      KeyTypeNames[BytesToUlong(attributes[2].Value)],
		Class:     ObjectClassNames[BytesToUlong(attributes[3].Value)],
		PublicKey: pubKey,
	}, nil
}

// DestroyKeyPairOnSlot destroys the key pair on the slot
func (p11lib *PKCS11Lib) DestroyKeyPairOnSlot(slotID uint, keyID string) error {
	session, release, err := p11lib.openSlotSession(slotID)
	if err != nil {
		return errors.WithStack(err)
	}
	defer release()

	var privHandle, pubHandle pkcs11.ObjectHandle
	if privHandle, err = p11lib.findKey(session, keyID, "", pkcs11.CKO_PRIVATE_KEY, AnyKeyType); err != nil {
		logger.KV(xlog.WARNING, "reason", "not_found", "class", "PRIVATE_KEY", "id", keyID, "err", err.Error())
	}
	if pubHandle, err = p11lib.findKey(session, keyID, "", pkcs11.CKO_PUBLIC_KEY, AnyKeyType); err != nil {
		logger.KV(xlog.WARNING, "reason", "not_found", "class", "PUBLIC_KEY", "id", keyID, "err", err.Error())
	}

	if privHandle != 0 {
		err = p11lib.Ctx.DestroyObject(session, privHandle)
		if err != nil {
			return errors.WithStack(err)
		}
		logger.KV(xlog.INFO, "type", "CKO_PRIVATE_KEY", "slot", slotID, "id", keyID)
	}

	if pubHandle != 0 {
		err = p11lib.Ctx.DestroyObject(session, pubHandle)
		if err != nil {
			return errors.WithStack(err)
		}
		logger.KV(xlog.INFO, "type", "CKO_PUBLIC_KEY", "slot", slotID, "id", keyID)
	}
	return nil
}

// getPublicKeyPEM retrieves public key for the specified key
func (p11lib *PKCS11Lib) getPublicKeyPEM(slotID uint, keyID string) (string, error) {
	priv, err := p11lib.FindKeyPairOnSlot(slotID, keyID, "")
	if err != nil {
		return "", errors.WithMessagef(err, "failed to find key pair, slot=%d, id=%s", slotID, keyID)
	}

	pub, err := ConvertToPublic(priv)
	if err != nil {
		return "", errors.WithStack(err)
	}

	pemKey, err := keyutil.EncodePublicKeyToPEM(pub)
	if err != nil {
		return "", errors.WithStack(err)
	}

	return string(pemKey), nil
}
