// Package inmemcrypto provides in-memory software provider,
// used for testing and development.
package inmemcrypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/guid"
	"github.com/effective-security/xhsm/cryptoprov"
	"github.com/effective-security/xhsm/keyutil"
)

// ProviderName specifies a provider name
const ProviderName = "inmem"

func init() {
	_ = cryptoprov.Register(ProviderName, Loader)
}

// Loader provides loader for the in-memory provider
func Loader(_ cryptoprov.TokenConfig) (cryptoprov.Provider, error) {
	return NewProvider(), nil
}

// Provider defines an in-memory provider
type Provider struct {
	keys sync.Map // keyID => *Key
}

// NewProvider creates an in-memory provider
func NewProvider() *Provider {
	return &Provider{}
}

// Key is an in-memory key, implementing crypto.Signer,
// and crypto.Decrypter for RSA keys
type Key struct {
	keyID string
	label string
	priv  crypto.Signer
}

// KeyID returns key id of the key
func (k *Key) KeyID() string {
	return k.keyID
}

// Label returns label of the key
func (k *Key) Label() string {
	return k.label
}

// Public returns public key
func (k *Key) Public() crypto.PublicKey {
	return k.priv.Public()
}

// Sign implements crypto.Signer
func (k *Key) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.priv.Sign(rand, digest, opts)
}

// Decrypt implements crypto.Decrypter
func (k *Key) Decrypt(rand io.Reader, ciphertext []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	d, ok := k.priv.(crypto.Decrypter)
	if !ok {
		return nil, errors.Errorf("key does not support decryption")
	}
	return d.Decrypt(rand, ciphertext, opts)
}

// Manufacturer returns manufacturer for the provider
func (p *Provider) Manufacturer() string {
	return ProviderName
}

// Model returns model for the provider
func (p *Provider) Model() string {
	return "SW"
}

// GenerateRSAKey creates signer using randomly generated RSA key
func (p *Provider) GenerateRSAKey(label string, bits int, purpose int) (crypto.PrivateKey, error) {
	if purpose != cryptoprov.Signing && purpose != cryptoprov.Encryption {
		return nil, errors.Errorf("unsupported purpose: %d", purpose)
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return p.addKey(label, priv), nil
}

// GenerateECDSAKey creates signer using randomly generated ECDSA key
func (p *Provider) GenerateECDSAKey(label string, curve elliptic.Curve) (crypto.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return p.addKey(label, priv), nil
}

func (p *Provider) addKey(label string, priv crypto.Signer) *Key {
	k := &Key{
		keyID: guid.MustCreate(),
		label: label,
		priv:  priv,
	}
	p.keys.Store(k.keyID, k)
	return k
}

// IdentifyKey returns key id and label for the given private key
func (p *Provider) IdentifyKey(priv crypto.PrivateKey) (keyID, label string, err error) {
	if k, ok := priv.(*Key); ok {
		return k.KeyID(), k.Label(), nil
	}
	return "", "", errors.New("not supported key")
}

// ExportKey returns PEM encoded PKCS#8 private key for the specified key ID
func (p *Provider) ExportKey(keyID string) (string, []byte, error) {
	k, err := p.getKey(keyID)
	if err != nil {
		return "", nil, err
	}

	pemKey, err := keyutil.EncodePrivateKeyToPEM(k.priv)
	if err != nil {
		return "", nil, errors.WithMessagef(err, "unable to export key: %s", keyID)
	}
	return "", pemKey, nil
}

// GetKey returns the private key by its ID
func (p *Provider) GetKey(keyID string) (crypto.PrivateKey, error) {
	return p.getKey(keyID)
}

func (p *Provider) getKey(keyID string) (*Key, error) {
	v, ok := p.keys.Load(keyID)
	if !ok {
		return nil, errors.Errorf("key not found: %s", keyID)
	}
	return v.(*Key), nil
}

// Ensure compiles
var _ cryptoprov.Provider = (*Provider)(nil)
