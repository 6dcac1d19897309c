// Package keyutil provides helpers to encode, parse and describe
// public and private keys.
package keyutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"

	"github.com/cockroachdb/errors"
)

// EncodePublicKeyToPEM returns PEM encoded public key
func EncodePublicKeyToPEM(pubKey crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pubKey)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	b := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: der,
	})
	return b, nil
}

// ParsePublicKeyPEM parses PEM encoded public key,
// either in PKIX "PUBLIC KEY" or PKCS#1 "RSA PUBLIC KEY" format
func ParsePublicKeyPEM(key []byte) (crypto.PublicKey, error) {
	key = []byte(strings.TrimSpace(string(key)))
	block, _ := pem.Decode(key)
	if block == nil {
		return nil, errors.Errorf("unable to decode PEM")
	}

	switch block.Type {
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return pub, nil
	}
	return nil, errors.Errorf("unsupported PEM block: %s", block.Type)
}

// ParsePrivateKeyPEM parses and returns a PEM-encoded private
// key. The private key may be either an unencrypted PKCS#8, PKCS#1,
// or elliptic private key.
func ParsePrivateKeyPEM(keyPEM []byte) (crypto.PrivateKey, error) {
	// Ignore any EC PARAMETERS blocks when looking for a key (openssl
	// includes them by default).
	var keyDER *pem.Block
	rest := keyPEM
	for {
		keyDER, rest = pem.Decode(rest)
		if keyDER == nil || keyDER.Type != "EC PARAMETERS" {
			break
		}
	}
	if keyDER == nil {
		return nil, errors.Errorf("unable to decode private key")
	}

	return ParsePrivateKeyDER(keyDER.Bytes)
}

// ParsePrivateKeyDER parses a PKCS#1, PKCS#8 or ECDSA DER-encoded
// private key. The key must not be in PEM format.
func ParsePrivateKeyDER(keyDER []byte) (crypto.PrivateKey, error) {
	generalKey, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		generalKey, err = x509.ParsePKCS1PrivateKey(keyDER)
		if err != nil {
			generalKey, err = x509.ParseECPrivateKey(keyDER)
			if err != nil {
				return nil, errors.New("failed to parse key")
			}
		}
	}

	switch typ := generalKey.(type) {
	case *rsa.PrivateKey:
		return typ, nil
	case *ecdsa.PrivateKey:
		return typ, nil
	}

	return nil, errors.New("unsupported key type")
}

// EncodePrivateKeyToPEM returns PEM encoded PKCS#8 private key
func EncodePrivateKeyToPEM(priv crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	}), nil
}
