package dataprotection

import (
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xhsm/metricskey"
)

type envelopeProvider struct {
	decrypter crypto.Decrypter
	pubKey    *rsa.PublicKey
}

// NewEnvelope returns `Provider` based on envelope encryption:
// each blob is encrypted with a fresh AES256-GCM key,
// and the key is wrapped with RSA-OAEP-SHA256 on the decrypter's public key.
// The decrypter private key may reside in HSM or KMS.
func NewEnvelope(decrypter crypto.Decrypter) (Provider, error) {
	pub, ok := decrypter.Public().(*rsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("unsupported public key: %T", decrypter.Public())
	}
	return &envelopeProvider{
		decrypter: decrypter,
		pubKey:    pub,
	}, nil
}

// Protect returns protected blob
func (p envelopeProvider) Protect(_ context.Context, data []byte) ([]byte, error) {
	defer metricskey.PerfDataProtection.MeasureSince(time.Now(), "envelope", "protect")

	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, errors.WithStack(err)
	}
	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, p.pubKey, dek, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to wrap key")
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.WithStack(err)
	}
	ciphertext := gcm.Seal(nil, nonce, data, nil)

	protected := make([]byte, 2, 2+len(wrapped)+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(protected, uint16(len(wrapped)))
	protected = append(protected, wrapped...)
	protected = append(protected, nonce...)
	protected = append(protected, ciphertext...)

	return protected, nil
}

// Unprotect returns unprotected data
func (p envelopeProvider) Unprotect(_ context.Context, protected []byte) ([]byte, error) {
	defer metricskey.PerfDataProtection.MeasureSince(time.Now(), "envelope", "unprotect")

	if len(protected) < 2 {
		return nil, errors.Errorf("invalid data")
	}
	wrappedLen := int(binary.BigEndian.Uint16(protected))
	if wrappedLen == 0 || len(protected) < 2+wrappedLen {
		return nil, errors.Errorf("invalid data")
	}
	wrapped := protected[2 : 2+wrappedLen]
	rest := protected[2+wrappedLen:]

	dek, err := p.decrypter.Decrypt(rand.Reader, wrapped, &rsa.OAEPOptions{Hash: crypto.SHA256})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to unwrap key")
	}
	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, errors.Errorf("invalid data")
	}
	plaintext, err := gcm.Open(nil, rest[:gcm.NonceSize()], rest[gcm.NonceSize():], nil)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to unprotect")
	}
	return plaintext, nil
}

// IsReady returns true when provider has encryption keys
func (p envelopeProvider) IsReady() bool {
	return p.pubKey != nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	gcm, err := cipher.NewGCM(c)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return gcm, nil
}
