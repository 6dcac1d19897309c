package awskmscrypto

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xhsm/metricskey"
	"github.com/effective-security/xlog"
)

// Signer implements crypto.Signer and crypto.Decrypter
// with the private key stored in KMS
type Signer struct {
	keyID     string
	label     string
	pubKey    crypto.PublicKey
	kmsClient KmsClient
}

// NewSigner creates new signer
func NewSigner(keyID, label string, publicKey crypto.PublicKey, kmsClient KmsClient) *Signer {
	logger.KV(xlog.DEBUG, "id", keyID, "label", label)
	return &Signer{
		keyID:     keyID,
		label:     label,
		pubKey:    publicKey,
		kmsClient: kmsClient,
	}
}

// KeyID returns key id of the signer
func (s *Signer) KeyID() string {
	return s.keyID
}

// Label returns key label of the signer
func (s *Signer) Label() string {
	return s.label
}

// Public returns public key for the signer
func (s *Signer) Public() crypto.PublicKey {
	return s.pubKey
}

func (s *Signer) String() string {
	return fmt.Sprintf("id=%s, label=%s", s.KeyID(), s.Label())
}

// Sign implements signing operation
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), ProviderName, "sign")

	algo, err := signingAlgorithm(s.pubKey, opts)
	if err != nil {
		return nil, err
	}

	req := &kms.SignInput{
		KeyId:            &s.keyID,
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: algo,
	}
	resp, err := s.kmsClient.Sign(context.Background(), req)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to sign")
	}
	return resp.Signature, nil
}

// Decrypt implements decryption operation.
// Supported options are *rsa.OAEPOptions with SHA-1 or SHA-256.
func (s *Signer) Decrypt(_ io.Reader, ciphertext []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), ProviderName, "decrypt")

	var algo types.EncryptionAlgorithmSpec
	switch o := opts.(type) {
	case *rsa.OAEPOptions:
		switch o.Hash {
		case crypto.SHA1:
			algo = types.EncryptionAlgorithmSpecRsaesOaepSha1
		case crypto.SHA256:
			algo = types.EncryptionAlgorithmSpecRsaesOaepSha256
		default:
			return nil, errors.Errorf("unsupported hash: %v", o.Hash)
		}
	case nil:
		algo = types.EncryptionAlgorithmSpecRsaesOaepSha256
	default:
		return nil, errors.Errorf("unsupported decrypter options: %T", opts)
	}

	resp, err := s.kmsClient.Decrypt(context.Background(), &kms.DecryptInput{
		KeyId:               &s.keyID,
		CiphertextBlob:      ciphertext,
		EncryptionAlgorithm: algo,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "unable to decrypt")
	}
	return resp.Plaintext, nil
}

func signingAlgorithm(publicKey crypto.PublicKey, opts crypto.SignerOpts) (types.SigningAlgorithmSpec, error) {
	if opts == nil {
		return "", errors.New("hash options are required")
	}

	var prefix string
	switch publicKey.(type) {
	case *rsa.PublicKey:
		if pssOpts, ok := opts.(*rsa.PSSOptions); ok {
			prefix = "RSASSA_PSS_"
			opts = pssOpts.Hash
		} else {
			prefix = "RSASSA_PKCS1_V1_5_"
		}
	case *ecdsa.PublicKey:
		prefix = "ECDSA_"
	default:
		return "", errors.Errorf("unknown type of public key: %T", publicKey)
	}

	var suffix string
	switch opts.HashFunc() {
	case crypto.SHA256:
		suffix = "SHA_256"
	case crypto.SHA384:
		suffix = "SHA_384"
	case crypto.SHA512:
		suffix = "SHA_512"
	default:
		return "", errors.Errorf("unsupported hash: %v", opts.HashFunc())
	}

	return types.SigningAlgorithmSpec(prefix + suffix), nil
}
