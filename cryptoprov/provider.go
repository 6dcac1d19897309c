package cryptoprov

import (
	"crypto"
	"crypto/elliptic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xhsm", "cryptoprov")

// Key purposes
const (
	// Signing specifies the purpose of the key to be signing
	Signing = 1
	// Encryption specifies the purpose of the key to be encryption
	Encryption = 2
)

// KeyGenerator defines an interface for key generation
type KeyGenerator interface {
	// GenerateRSAKey returns a signer for the generated RSA key
	GenerateRSAKey(label string, bits int, purpose int) (crypto.PrivateKey, error)
	// GenerateECDSAKey returns a signer for the generated ECDSA key
	GenerateECDSAKey(label string, curve elliptic.Curve) (crypto.PrivateKey, error)
	// IdentifyKey returns key id and label for the given private key
	IdentifyKey(priv crypto.PrivateKey) (keyID, label string, err error)
	// ExportKey returns a URI or key bytes for the specified key ID
	ExportKey(keyID string) (string, []byte, error)
}

// Provider defines an interface to work with crypto providers:
// HSM, KMS, or in-memory
type Provider interface {
	KeyGenerator

	// Manufacturer returns the name of the manufacturer
	Manufacturer() string
	// Model returns the model of the device
	Model() string
	// GetKey returns a private key by its ID
	GetKey(keyID string) (crypto.PrivateKey, error)
}

// TokenInfo provides basic token information
type TokenInfo struct {
	SlotID       uint
	Description  string
	Label        string
	Manufacturer string
	Model        string
	Serial       string
}

// KeyInfo provides basic key information
type KeyInfo struct {
	ID               string
	Label            string
	Type             string
	Class            string
	CurrentVersionID string
	CreationTime     *time.Time
	PublicKey        string
	Meta             map[string]string
}

// Verifier defines an interface for token-side signature verification
type Verifier interface {
	// VerifySignature returns false without an error
	// when the token reports an invalid signature
	VerifySignature(keyID string, digest, signature []byte, opts crypto.SignerOpts) (bool, error)
}

// SecretKeyManager defines an interface for secret key wrap and unwrap,
// supported by HSM providers
type SecretKeyManager interface {
	GenerateSecretKey(label string, bits int) (string, error)
	WrapSecretKey(wrappingKeyID, keyID string) ([]byte, error)
	UnwrapSecretKey(unwrappingKeyID string, wrapped []byte, label string) (string, error)
	DestroySecretKey(keyID string) error
}

// KeyManager defines an interface for key management,
// supported by HSM providers
type KeyManager interface {
	CurrentSlotID() uint
	EnumTokens(currentSlotOnly bool) ([]TokenInfo, error)
	EnumKeys(slotID uint, prefix string) ([]KeyInfo, error)
	DestroyKeyPairOnSlot(slotID uint, keyID string) error
	FindKeyPairOnSlot(slotID uint, keyID, label string) (crypto.PrivateKey, error)
	KeyInfo(slotID uint, keyID string, includePublic bool) (*KeyInfo, error)
}

// Crypto exposes instances of loaded providers
type Crypto struct {
	defaultProvider Provider
	providers       map[string]Provider
}

// New creates an instance of Crypto providers
func New(defaultProvider Provider, providers []Provider) (*Crypto, error) {
	c := &Crypto{
		defaultProvider: defaultProvider,
		providers:       map[string]Provider{},
	}

	if defaultProvider != nil {
		if err := c.Add(defaultProvider); err != nil {
			return nil, err
		}
	}
	for _, p := range providers {
		if err := c.Add(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Default returns the default provider
func (c *Crypto) Default() Provider {
	return c.defaultProvider
}

// Add will add a new provider
func (c *Crypto) Add(p Provider) error {
	c.providers[providerKey(p.Manufacturer(), p.Model())] = p
	return nil
}

// ByManufacturer returns a provider by manufacturer and model
func (c *Crypto) ByManufacturer(manufacturer, model string) (Provider, error) {
	p, ok := c.providers[providerKey(manufacturer, model)]
	if !ok {
		return nil, errors.Errorf("provider for %q and model %q not found", manufacturer, model)
	}
	return p, nil
}

func providerKey(manufacturer, model string) string {
	return manufacturer + "/" + model
}
