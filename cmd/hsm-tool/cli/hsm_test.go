package cli

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/guid"
	"github.com/effective-security/xhsm/cryptoprov"
	"github.com/effective-security/xhsm/keyutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type hsmSuite struct {
	testSuite
}

func TestHsmSuite(t *testing.T) {
	suite.Run(t, new(hsmSuite))
}

func (s *hsmSuite) TestLsKeyFlags() {
	cmd := HsmLsKeyCmd{}

	// without KeyManager interface
	mockedProv := &mockedProvider{}
	mockedProv.On("Manufacturer").Return("man123")
	mockedProv.On("Model").Return("model123")
	s.withProvider(mockedProv)

	err := cmd.Run(s.ctl)
	s.Require().Error(err)
	s.Equal("unsupported command for this crypto provider", err.Error())

	// with keys and creationTime
	creationTime := time.Now()
	mocked := &mockedFull{
		tokens: []cryptoprov.TokenInfo{
			{
				SlotID:       uint(1),
				Description:  "d123",
				Label:        "label123",
				Manufacturer: "man123",
				Model:        "model123",
				Serial:       "serial123-30589673",
			},
		},
		keys: map[uint][]cryptoprov.KeyInfo{
			uint(1): {
				{
					ID:               "123",
					Label:            "label123",
					Type:             "RSA",
					Class:            "class",
					CurrentVersionID: "v124",
					CreationTime:     &creationTime,
				},
			},
		},
	}

	mocked.On("EnumTokens", mock.Anything).Times(2).Return(nil)
	mocked.On("EnumKeys", mock.Anything, "").Times(1).Return(nil)
	mocked.On("EnumKeys", mock.Anything, "with_error").Times(1).Return(errors.New("unexpected error"))
	mocked.On("Manufacturer").Return("man123")
	mocked.On("Model").Return("model123")
	s.withProvider(mocked)

	err = cmd.Run(s.ctl)
	s.Require().NoError(err)
	s.HasText("Slot: 1\n  Manufacturer:  man123\n  Model:  model123\n  Description:  d123\n  Token serial:  serial123-30589673\n  Token label:  label123\n")
	s.HasText("Created: ")

	cmd.Prefix = "with_error"
	err = cmd.Run(s.ctl)
	s.Require().Error(err)
	s.Equal("failed to list keys on slot 1: unexpected error", err.Error())

	mocked.AssertExpectations(s.T())
}

func (s *hsmSuite) TestSlots() {
	mocked := &mockedFull{
		tokens: []cryptoprov.TokenInfo{
			{
				SlotID:       uint(1),
				Description:  "d123",
				Label:        "label123",
				Manufacturer: "man123",
				Model:        "model123",
				Serial:       "serial123-30589673",
			},
		},
	}
	mocked.On("EnumTokens", false).Times(1).Return(nil)
	mocked.On("Manufacturer").Return("man123")
	mocked.On("Model").Return("model123")
	s.withProvider(mocked)

	cmd := HsmSlotsCmd{}
	err := cmd.Run(s.ctl)
	s.Require().NoError(err)
	s.HasText("Slot: 1\n", "Token serial:  serial123-30589673")

	mocked.AssertExpectations(s.T())
}

func (s *hsmSuite) TestKeyInfo() {
	cmd := HsmKeyInfoCmd{
		ID:     "123",
		Public: true,
	}

	// without KeyManager interface
	mockedProv := &mockedProvider{}
	mockedProv.On("Manufacturer").Return("man123")
	mockedProv.On("Model").Return("model123")
	s.withProvider(mockedProv)

	err := cmd.Run(s.ctl)
	s.Require().Error(err)
	s.Equal("unsupported command for this crypto provider", err.Error())

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	s.Require().NoError(err)
	pubPEM, err := keyutil.EncodePublicKeyToPEM(&ecKey.PublicKey)
	s.Require().NoError(err)

	creationTime := time.Now()
	mocked := &mockedFull{
		tokens: []cryptoprov.TokenInfo{
			{
				SlotID:       uint(1),
				Description:  "d123",
				Label:        "label123",
				Manufacturer: "man123",
				Model:        "model123",
				Serial:       "serial123-30589673",
			},
		},
		keys: map[uint][]cryptoprov.KeyInfo{
			uint(1): {
				{
					ID:               "123",
					Label:            "label123",
					Type:             "ECDSA",
					Class:            "class",
					CurrentVersionID: "v124",
					CreationTime:     &creationTime,
					PublicKey:        string(pubPEM),
				},
			},
		},
	}

	mocked.On("EnumTokens", mock.Anything).Times(2).Return(nil)
	mocked.On("KeyInfo", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	mocked.On("Manufacturer").Return("man123")
	mocked.On("Model").Return("model123")
	s.withProvider(mocked)

	err = cmd.Run(s.ctl)
	s.Require().NoError(err)
	s.HasText("Algo:  ECDSA 256\n", "Public key: \n-----BEGIN PUBLIC KEY-----")

	cmd.Public = false
	err = cmd.Run(s.ctl)
	s.Require().NoError(err)

	mocked.AssertExpectations(s.T())
}

func (s *hsmSuite) TestGenKey() {
	cmd := HsmGenKeyCmd{
		Algo:    "RSA",
		Size:    2048,
		Purpose: "sign",
		Label:   "label123",
		Output:  "",
		Force:   false,
	}

	mocked := &mockedFull{}

	var pvk crypto.PrivateKey = struct{}{}
	mocked.On("GenerateRSAKey", mock.Anything, 2048, cryptoprov.Signing).Return(pvk, nil)
	mocked.On("IdentifyKey", mock.Anything).Times(2).Return("keyID123", "label123", nil)
	mocked.On("ExportKey", "keyID123").Times(1).Return("pkcs11:keyID123", []byte{1, 2, 3}, nil)
	mocked.On("ExportKey", "keyID123").Times(1).Return("", []byte(nil), errors.Errorf("not exportable"))
	mocked.On("Manufacturer").Return("man123")
	mocked.On("Model").Return("model123")
	s.withProvider(mocked)

	cmd.Output = filepath.Join(s.tmpdir, guid.MustCreate())
	err := cmd.Run(s.ctl)
	s.Require().NoError(err)

	cmd.Force = true
	err = cmd.Run(s.ctl)
	s.Require().Error(err)
	s.Equal("not exportable", err.Error())

	cmd.Algo = "DSA"
	err = cmd.Run(s.ctl)
	s.Require().Error(err)
	s.Equal(`unsupported algorithm: "DSA"`, err.Error())

	cmd.Algo = "ECDSA"
	cmd.Size = 211
	err = cmd.Run(s.ctl)
	s.Require().Error(err)
	s.Equal("unsupported ECDSA key size: 211", err.Error())

	cmd.Purpose = "mac"
	err = cmd.Run(s.ctl)
	s.Require().Error(err)
	s.Equal(`unsupported purpose: "mac"`, err.Error())

	mocked.AssertExpectations(s.T())
}

func (s *hsmSuite) TestRmKey() {
	mocked := &mockedFull{
		tokens: []cryptoprov.TokenInfo{
			{
				SlotID: uint(1),
				Serial: "serial123-30589673",
			},
		},
	}

	mocked.On("EnumTokens", mock.Anything).Times(2).Return(nil)
	mocked.On("DestroyKeyPairOnSlot", mock.Anything, "with_error").Return(errors.New("access denied"))
	mocked.On("DestroyKeyPairOnSlot", mock.Anything, "123").Return(nil)
	mocked.On("Manufacturer").Return("man123")
	mocked.On("Model").Return("model123")
	s.withProvider(mocked)

	cmd := HsmRmKeyCmd{ID: "with_error"}
	err := cmd.Run(s.ctl)
	s.Require().Error(err)
	s.Equal(`unable to destroy key "with_error" on slot 1: access denied`, err.Error())

	cmd.ID = "123"
	err = cmd.Run(s.ctl)
	s.Require().NoError(err)
	s.HasText("destroyed key: 123\n")

	mocked.AssertExpectations(s.T())
}

func (s *hsmSuite) TestSignVerify() {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	s.Require().NoError(err)

	data := []byte("data to sign")
	dataFile := filepath.Join(s.tmpdir, "data")
	s.Require().NoError(os.WriteFile(dataFile, data, 0644))

	mocked := &mockedFull{}
	mocked.On("GetKey", "key123").Return(key, nil)
	mocked.On("Manufacturer").Return("man123")
	mocked.On("Model").Return("model123")
	s.withProvider(mocked)

	sigFile := filepath.Join(s.tmpdir, "sig")
	cmd := HsmSignCmd{
		Key: "key123",
		In:  dataFile,
		Out: sigFile,
	}
	err = cmd.Run(s.ctl)
	s.Require().NoError(err)

	hexSig, err := os.ReadFile(sigFile)
	s.Require().NoError(err)
	sig, err := hex.DecodeString(string(hexSig))
	s.Require().NoError(err)

	digest := sha256.Sum256(data)
	s.True(ecdsa.VerifyASN1(&key.PublicKey, digest[:], sig))

	mocked.On("VerifySignature", "key123", digest[:], sig, crypto.SignerOpts(crypto.SHA256)).Times(1).Return(true, nil)
	vcmd := HsmVerifyCmd{
		Key: "key123",
		In:  dataFile,
		Sig: sigFile,
	}
	err = vcmd.Run(s.ctl)
	s.Require().NoError(err)
	s.HasText("signature is valid\n")

	mocked.On("VerifySignature", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	tamperedFile := filepath.Join(s.tmpdir, "tampered")
	s.Require().NoError(os.WriteFile(tamperedFile, []byte("tampered data"), 0644))
	vcmd.In = tamperedFile
	err = vcmd.Run(s.ctl)
	s.Require().Error(err)
	s.Equal("signature is not valid", err.Error())

	mocked.AssertExpectations(s.T())
}

func (s *hsmSuite) TestWrapUnwrap() {
	mocked := &mockedFull{}
	mocked.On("GenerateSecretKey", "hmac", 128).Return("sk1", nil)
	mocked.On("WrapSecretKey", "rsa1", "sk1").Return([]byte{1, 2, 3, 4}, nil)
	mocked.On("UnwrapSecretKey", "rsa1", []byte{1, 2, 3, 4}, "restored").Return("sk2", nil)
	mocked.On("Manufacturer").Return("man123")
	mocked.On("Model").Return("model123")
	s.withProvider(mocked)

	blobFile := filepath.Join(s.tmpdir, "wrapped")
	cmd := HsmWrapCmd{
		Key:   "rsa1",
		Size:  128,
		Label: "hmac",
		Out:   blobFile,
	}
	err := cmd.Run(s.ctl)
	s.Require().NoError(err)
	s.HasText("generated secret key: sk1\n")

	ucmd := HsmUnwrapCmd{
		Key:   "rsa1",
		In:    blobFile,
		Label: "restored",
	}
	err = ucmd.Run(s.ctl)
	s.Require().NoError(err)
	s.HasText("unwrapped secret key: sk2\n")

	mocked.AssertExpectations(s.T())
}

func (s *hsmSuite) TestSelfTest() {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	s.Require().NoError(err)
	var pvk crypto.PrivateKey = key

	mocked := &mockedFull{}
	mocked.On("GenerateECDSAKey", mock.Anything, elliptic.P256()).Return(pvk, nil)
	mocked.On("IdentifyKey", mock.Anything).Return("key123", "selftest", nil)
	mocked.On("CurrentSlotID").Return(1)
	mocked.On("DestroyKeyPairOnSlot", uint(1), "key123").Return(nil)
	mocked.On("VerifySignature", "key123", mock.Anything, mock.Anything, mock.Anything).Times(1).Return(true, nil)
	mocked.On("VerifySignature", "key123", mock.Anything, mock.Anything, mock.Anything).Times(1).Return(false, nil)
	mocked.On("Manufacturer").Return("man123")
	mocked.On("Model").Return("model123")
	s.withProvider(mocked)

	cmd := HsmSelfTestCmd{Data: "data to sign"}
	err = cmd.Run(s.ctl)
	s.Require().NoError(err)
	s.HasText(
		"generated key: id=key123",
		"signature verified",
		"tampered payload rejected",
		"self test OK",
		"destroyed key: key123",
	)

	mocked.AssertExpectations(s.T())
}

//
// Mock
//

type mockedProvider struct {
	mock.Mock
}

func (m *mockedProvider) GenerateRSAKey(label string, bits int, purpose int) (crypto.PrivateKey, error) {
	args := m.Called(label, bits, purpose)
	return args.Get(0), args.Error(1)
}

func (m *mockedProvider) GenerateECDSAKey(label string, curve elliptic.Curve) (crypto.PrivateKey, error) {
	args := m.Called(label, curve)
	return args.Get(0), args.Error(1)
}

func (m *mockedProvider) IdentifyKey(k crypto.PrivateKey) (keyID, label string, err error) {
	args := m.Called(k)
	return args.String(0), args.String(1), args.Error(2)
}

func (m *mockedProvider) ExportKey(keyID string) (string, []byte, error) {
	args := m.Called(keyID)
	return args.String(0), args.Get(1).([]byte), args.Error(2)
}

func (m *mockedProvider) GetKey(keyID string) (crypto.PrivateKey, error) {
	args := m.Called(keyID)
	return args.Get(0), args.Error(1)
}

func (m *mockedProvider) Manufacturer() string {
	args := m.Called()
	return args.String(0)
}

func (m *mockedProvider) Model() string {
	args := m.Called()
	return args.String(0)
}

type mockedFull struct {
	mockedProvider

	tokens []cryptoprov.TokenInfo
	keys   map[uint][]cryptoprov.KeyInfo
}

func (m *mockedFull) CurrentSlotID() uint {
	args := m.Called()
	return uint(args.Int(0))
}

func (m *mockedFull) EnumTokens(currentSlotOnly bool) ([]cryptoprov.TokenInfo, error) {
	args := m.Called(currentSlotOnly)
	err := args.Error(0)
	if err != nil {
		return nil, err
	}
	return m.tokens, nil
}

func (m *mockedFull) EnumKeys(slotID uint, prefix string) ([]cryptoprov.KeyInfo, error) {
	args := m.Called(slotID, prefix)
	err := args.Error(0)
	if err != nil {
		return nil, err
	}
	return m.keys[slotID], err
}

func (m *mockedFull) DestroyKeyPairOnSlot(slotID uint, keyID string) error {
	args := m.Called(slotID, keyID)
	return args.Error(0)
}

func (m *mockedFull) FindKeyPairOnSlot(slotID uint, keyID, label string) (crypto.PrivateKey, error) {
	args := m.Called(slotID, keyID, label)
	return args.Get(0), args.Error(1)
}

func (m *mockedFull) KeyInfo(slotID uint, keyID string, includePublic bool) (*cryptoprov.KeyInfo, error) {
	args := m.Called(slotID, keyID, includePublic)
	err := args.Error(0)
	if err != nil {
		return nil, err
	}

	for _, key := range m.keys[slotID] {
		if key.ID == keyID {
			return &key, nil
		}
	}
	return nil, args.Error(0)
}

func (m *mockedFull) VerifySignature(keyID string, digest, signature []byte, opts crypto.SignerOpts) (bool, error) {
	args := m.Called(keyID, digest, signature, opts)
	return args.Bool(0), args.Error(1)
}

func (m *mockedFull) GenerateSecretKey(label string, bits int) (string, error) {
	args := m.Called(label, bits)
	return args.String(0), args.Error(1)
}

func (m *mockedFull) WrapSecretKey(wrappingKeyID, keyID string) ([]byte, error) {
	args := m.Called(wrappingKeyID, keyID)
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockedFull) UnwrapSecretKey(unwrappingKeyID string, wrapped []byte, label string) (string, error) {
	args := m.Called(unwrappingKeyID, wrapped, label)
	return args.String(0), args.Error(1)
}

func (m *mockedFull) DestroySecretKey(keyID string) error {
	args := m.Called(keyID)
	return args.Error(0)
}
