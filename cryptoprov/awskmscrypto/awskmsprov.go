package awskmscrypto

import (
	"context"
	"crypto"
	"crypto/elliptic"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xhsm/cryptoprov"
	"github.com/effective-security/xhsm/keyutil"
	"github.com/effective-security/xhsm/metricskey"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xhsm", "awskmscrypto")

// ProviderName specifies a provider name
const ProviderName = "AWSKMS"

func init() {
	_ = cryptoprov.Register(ProviderName, KmsLoader)
}

// KmsClient interface
type KmsClient interface {
	CreateKey(context.Context, *kms.CreateKeyInput, ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	ListKeys(context.Context, *kms.ListKeysInput, ...func(*kms.Options)) (*kms.ListKeysOutput, error)
	ScheduleKeyDeletion(context.Context, *kms.ScheduleKeyDeletionInput, ...func(*kms.Options)) (*kms.ScheduleKeyDeletionOutput, error)
	DescribeKey(context.Context, *kms.DescribeKeyInput, ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	GetPublicKey(context.Context, *kms.GetPublicKeyInput, ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(context.Context, *kms.SignInput, ...func(*kms.Options)) (*kms.SignOutput, error)
	Verify(context.Context, *kms.VerifyInput, ...func(*kms.Options)) (*kms.VerifyOutput, error)
	Decrypt(context.Context, *kms.DecryptInput, ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KmsClientFactory override for unittest
var KmsClientFactory = func(cfg aws.Config, optFns ...func(*kms.Options)) KmsClient {
	return kms.NewFromConfig(cfg, optFns...)
}

// KmsLoader provides loader for KMS provider
func KmsLoader(tc cryptoprov.TokenConfig) (cryptoprov.Provider, error) {
	p, err := Init(tc)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Ensure compiles
var _ cryptoprov.Provider = (*Provider)(nil)
var _ cryptoprov.KeyManager = (*Provider)(nil)
var _ cryptoprov.Verifier = (*Provider)(nil)

// Provider implements the Provider interface for KMS
type Provider struct {
	tc        cryptoprov.TokenConfig
	kmsClient KmsClient
	endpoint  string
	region    string
}

// Init configures KMS based provider
func Init(tc cryptoprov.TokenConfig) (*Provider, error) {
	ctx := context.Background()
	kmsAttributes := parseKmsAttributes(tc.Attributes())
	endpoint := kmsAttributes["Endpoint"]
	region := kmsAttributes["Region"]

	p := &Provider{
		endpoint: endpoint,
		region:   region,
		tc:       tc,
	}

	var awsops []func(*awsconfig.LoadOptions) error

	if region != "" {
		awsops = append(awsops, awsconfig.WithRegion(region))
	}
	if endpoint != "" {
		customResolver := aws.EndpointResolverWithOptionsFunc(func(svc, reg string, options ...any) (aws.Endpoint, error) {
			if svc == kms.ServiceID && reg == region {
				return aws.Endpoint{
					PartitionID:   "aws",
					URL:           endpoint,
					SigningRegion: region,
				}, nil
			}
			// fall back to the default resolution
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		awsops = append(awsops, awsconfig.WithEndpointResolverWithOptions(customResolver))
	}

	id := os.Getenv("AWS_ACCESS_KEY_ID")
	secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
	token := os.Getenv("AWS_SESSION_TOKEN")
	if id != "" && secret != "" {
		awsops = append(awsops, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(id, secret, token)))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsops...)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	p.kmsClient = KmsClientFactory(cfg)

	return p, nil
}

func parseKmsAttributes(attributes string) map[string]string {
	kmsAttributes := make(map[string]string)
	for _, v := range strings.Split(attributes, ",") {
		kv := strings.SplitN(v, "=", 2)
		if len(kv) != 2 {
			continue
		}
		kmsAttributes[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return kmsAttributes
}

// Manufacturer returns manufacturer for the provider
func (p *Provider) Manufacturer() string {
	return p.tc.Manufacturer()
}

// Model returns model for the provider
func (p *Provider) Model() string {
	return p.tc.Model()
}

// CurrentSlotID returns current slot id.
// For KMS only one slot is assumed to be available.
func (p *Provider) CurrentSlotID() uint {
	return 0
}

// GenerateRSAKey creates signer using randomly generated RSA key
func (p *Provider) GenerateRSAKey(label string, bits int, purpose int) (crypto.PrivateKey, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), ProviderName, "genkey_rsa")

	usage := values.Select(purpose == cryptoprov.Encryption,
		types.KeyUsageTypeEncryptDecrypt,
		types.KeyUsageTypeSignVerify)

	input := &kms.CreateKeyInput{
		KeySpec:     types.KeySpec(fmt.Sprintf("RSA_%d", bits)),
		KeyUsage:    usage,
		Description: &label,
	}
	return p.createKey(input, label)
}

// GenerateECDSAKey creates signer using randomly generated ECDSA key
func (p *Provider) GenerateECDSAKey(label string, curve elliptic.Curve) (crypto.PrivateKey, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), ProviderName, "genkey_ecdsa")

	var spec types.KeySpec
	switch curve {
	case elliptic.P256():
		spec = types.KeySpecEccNistP256
	case elliptic.P384():
		spec = types.KeySpecEccNistP384
	case elliptic.P521():
		spec = types.KeySpecEccNistP521
	default:
		return nil, errors.Errorf("unsupported curve: %s", curve.Params().Name)
	}

	input := &kms.CreateKeyInput{
		KeySpec:     spec,
		KeyUsage:    types.KeyUsageTypeSignVerify,
		Description: &label,
	}
	return p.createKey(input, label)
}

func (p *Provider) createKey(input *kms.CreateKeyInput, label string) (crypto.PrivateKey, error) {
	ctx := context.Background()

	resp, err := p.kmsClient.CreateKey(ctx, input)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create key with label: %q", label)
	}

	keyID := aws.ToString(resp.KeyMetadata.KeyId)
	arn := aws.ToString(resp.KeyMetadata.Arn)

	logger.KV(xlog.INFO, "arn", arn, "id", keyID, "label", label)

	pubKeyResp, err := p.kmsClient.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: &keyID})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get public key, id=%s", keyID)
	}

	pub, err := x509.ParsePKIXPublicKey(pubKeyResp.PublicKey)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse public key, id=%s", keyID)
	}

	return NewSigner(keyID, label, pub, p.kmsClient), nil
}

// IdentifyKey returns key id and label for the given private key
func (p *Provider) IdentifyKey(priv crypto.PrivateKey) (keyID, label string, err error) {
	if s, ok := priv.(*Signer); ok {
		return s.KeyID(), s.Label(), nil
	}
	return "", "", errors.New("not supported key")
}

// GetKey returns a signer for the given key id
func (p *Provider) GetKey(keyID string) (crypto.PrivateKey, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), ProviderName, "getkey")

	ctx := context.Background()

	ki, err := p.kmsClient.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: &keyID})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to describe key, id=%s", keyID)
	}

	resp, err := p.kmsClient.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: &keyID})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get public key, id=%s", keyID)
	}

	pub, err := x509.ParsePKIXPublicKey(resp.PublicKey)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse public key, id=%s", keyID)
	}

	return NewSigner(keyID, aws.ToString(ki.KeyMetadata.Description), pub, p.kmsClient), nil
}

// VerifySignature verifies the signature over the digest in KMS.
// An invalid signature returns false without error.
func (p *Provider) VerifySignature(keyID string, digest, signature []byte, opts crypto.SignerOpts) (bool, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), ProviderName, "verify")

	key, err := p.GetKey(keyID)
	if err != nil {
		return false, err
	}
	signer := key.(*Signer)

	algo, err := signingAlgorithm(signer.Public(), opts)
	if err != nil {
		return false, err
	}

	resp, err := p.kmsClient.Verify(context.Background(), &kms.VerifyInput{
		KeyId:            &keyID,
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		Signature:        signature,
		SigningAlgorithm: algo,
	})
	if err != nil {
		var invalid *types.KMSInvalidSignatureException
		if errors.As(err, &invalid) {
			return false, nil
		}
		return false, errors.WithMessage(err, "unable to verify")
	}

	return resp.SignatureValid, nil
}

// EnumTokens lists tokens.
// For KMS currentSlotOnly is ignored and only one slot is assumed to be available.
func (p *Provider) EnumTokens(currentSlotOnly bool) ([]cryptoprov.TokenInfo, error) {
	return []cryptoprov.TokenInfo{
		{
			SlotID:       p.CurrentSlotID(),
			Manufacturer: p.Manufacturer(),
			Model:        p.Model(),
		},
	}, nil
}

func keyMeta(ki *kms.DescribeKeyOutput) map[string]string {
	return map[string]string{
		"description": aws.ToString(ki.KeyMetadata.Description),
		"usage":       string(ki.KeyMetadata.KeyUsage),
		"origin":      string(ki.KeyMetadata.Origin),
		"state":       string(ki.KeyMetadata.KeyState),
		"enabled":     fmt.Sprintf("%t", ki.KeyMetadata.Enabled),
	}
}

// EnumKeys returns list of keys on the slot. For KMS slotID is ignored.
func (p *Provider) EnumKeys(slotID uint, prefix string) ([]cryptoprov.KeyInfo, error) {
	logger.KV(xlog.DEBUG, "endpoint", p.endpoint, "slot", slotID, "prefix", prefix)

	ctx := context.Background()

	resp, err := p.kmsClient.ListKeys(ctx, &kms.ListKeysInput{})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to list keys")
	}

	res := make([]cryptoprov.KeyInfo, 0, len(resp.Keys))
	for _, k := range resp.Keys {
		ki, err := p.kmsClient.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: k.KeyId})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to describe key, id=%s", aws.ToString(k.KeyId))
		}
		if ki.KeyMetadata.KeyState == types.KeyStatePendingDeletion {
			continue
		}
		label := aws.ToString(ki.KeyMetadata.Description)
		if prefix != "" && !strings.HasPrefix(label, prefix) {
			continue
		}

		res = append(res, cryptoprov.KeyInfo{
			ID:           aws.ToString(k.KeyId),
			Label:        label,
			Meta:         keyMeta(ki),
			CreationTime: ki.KeyMetadata.CreationDate,
		})
	}
	return res, nil
}

// DestroyKeyPairOnSlot destroys key pair on slot.
// For KMS slotID is ignored and the key deletion is scheduled.
func (p *Provider) DestroyKeyPairOnSlot(slotID uint, keyID string) error {
	resp, err := p.kmsClient.ScheduleKeyDeletion(context.Background(), &kms.ScheduleKeyDeletionInput{
		KeyId: &keyID,
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to schedule key deletion: %s", keyID)
	}
	logger.KV(xlog.NOTICE, "id", keyID, "deletion_time", aws.ToTime(resp.DeletionDate).Format(time.RFC3339))

	return nil
}

// KeyInfo retrieves info about the key with the specified id
func (p *Provider) KeyInfo(slotID uint, keyID string, includePublic bool) (*cryptoprov.KeyInfo, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), ProviderName, "keyinfo")

	ctx := context.Background()
	resp, err := p.kmsClient.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: &keyID})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to describe key, id=%s", keyID)
	}

	pubKey := ""
	if includePublic {
		pubKeyResp, err := p.kmsClient.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: &keyID})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to get public key, id=%s", keyID)
		}
		pub, err := x509.ParsePKIXPublicKey(pubKeyResp.PublicKey)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to parse public key, id=%s", keyID)
		}
		pemKey, err := keyutil.EncodePublicKeyToPEM(pub)
		if err != nil {
			return nil, err
		}
		pubKey = string(pemKey)
	}

	return &cryptoprov.KeyInfo{
		ID:           keyID,
		Label:        aws.ToString(resp.KeyMetadata.Description),
		PublicKey:    pubKey,
		Meta:         keyMeta(resp),
		CreationTime: resp.KeyMetadata.CreationDate,
	}, nil
}

// ExportKey returns PKCS#11 URI for the specified key ID.
// It does not return key bytes.
func (p *Provider) ExportKey(keyID string) (string, []byte, error) {
	resp, err := p.kmsClient.DescribeKey(context.Background(), &kms.DescribeKeyInput{KeyId: &keyID})
	if err != nil {
		return "", nil, errors.WithMessagef(err, "failed to describe key, id=%s", keyID)
	}

	uri := fmt.Sprintf("pkcs11:manufacturer=%s;model=%s;serial=%s;id=%s;type=private",
		p.Manufacturer(),
		p.Model(),
		aws.ToString(resp.KeyMetadata.Arn),
		keyID,
	)

	return uri, nil, nil
}

// FindKeyPairOnSlot retrieves a previously created asymmetric key.
// Lookup by label is not supported by KMS.
func (p *Provider) FindKeyPairOnSlot(slotID uint, keyID, label string) (crypto.PrivateKey, error) {
	if keyID == "" {
		return nil, errors.New("key id is required")
	}
	return p.GetKey(keyID)
}

// Close releases allocated resources
func (p *Provider) Close() error {
	return nil
}
