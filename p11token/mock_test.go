package p11token

import (
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/mock"
)

// mockedP11 implements Pkcs11Ctx for tests
type mockedP11 struct {
	mock.Mock
}

func (m *mockedP11) Destroy() {
	m.Called()
}

func (m *mockedP11) Initialize(_ ...pkcs11.InitializeOption) error {
	return m.Called().Error(0)
}

func (m *mockedP11) Finalize() error {
	return m.Called().Error(0)
}

func (m *mockedP11) GetSlotList(tokenPresent bool) ([]uint, error) {
	args := m.Called(tokenPresent)
	return args.Get(0).([]uint), args.Error(1)
}

func (m *mockedP11) GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error) {
	args := m.Called(slotID)
	return args.Get(0).(pkcs11.SlotInfo), args.Error(1)
}

func (m *mockedP11) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	args := m.Called(slotID)
	return args.Get(0).(pkcs11.TokenInfo), args.Error(1)
}

func (m *mockedP11) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	args := m.Called(slotID, flags)
	return args.Get(0).(pkcs11.SessionHandle), args.Error(1)
}

func (m *mockedP11) CloseSession(sh pkcs11.SessionHandle) error {
	return m.Called(sh).Error(0)
}

func (m *mockedP11) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	return m.Called(sh, userType, pin).Error(0)
}

func (m *mockedP11) Logout(sh pkcs11.SessionHandle) error {
	return m.Called(sh).Error(0)
}

func (m *mockedP11) GenerateKeyPair(sh pkcs11.SessionHandle, mechs []*pkcs11.Mechanism, public, private []*pkcs11.Attribute) (pkcs11.ObjectHandle, pkcs11.ObjectHandle, error) {
	args := m.Called(sh, mechs, public, private)
	return args.Get(0).(pkcs11.ObjectHandle), args.Get(1).(pkcs11.ObjectHandle), args.Error(2)
}

func (m *mockedP11) GenerateKey(sh pkcs11.SessionHandle, mechs []*pkcs11.Mechanism, temp []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	args := m.Called(sh, mechs, temp)
	return args.Get(0).(pkcs11.ObjectHandle), args.Error(1)
}

func (m *mockedP11) DestroyObject(sh pkcs11.SessionHandle, oh pkcs11.ObjectHandle) error {
	return m.Called(sh, oh).Error(0)
}

func (m *mockedP11) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	args := m.Called(sh, o, a)
	return args.Get(0).([]*pkcs11.Attribute), args.Error(1)
}

func (m *mockedP11) SetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) error {
	return m.Called(sh, o, a).Error(0)
}

func (m *mockedP11) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	return m.Called(sh, temp).Error(0)
}

func (m *mockedP11) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	args := m.Called(sh, max)
	return args.Get(0).([]pkcs11.ObjectHandle), args.Bool(1), args.Error(2)
}

func (m *mockedP11) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	return m.Called(sh).Error(0)
}

func (m *mockedP11) SignInit(sh pkcs11.SessionHandle, mechs []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	return m.Called(sh, mechs, o).Error(0)
}

func (m *mockedP11) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	args := m.Called(sh, message)
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockedP11) VerifyInit(sh pkcs11.SessionHandle, mechs []*pkcs11.Mechanism, key pkcs11.ObjectHandle) error {
	return m.Called(sh, mechs, key).Error(0)
}

func (m *mockedP11) Verify(sh pkcs11.SessionHandle, data []byte, signature []byte) error {
	return m.Called(sh, data, signature).Error(0)
}

func (m *mockedP11) DecryptInit(sh pkcs11.SessionHandle, mechs []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	return m.Called(sh, mechs, o).Error(0)
}

func (m *mockedP11) Decrypt(sh pkcs11.SessionHandle, ciphertext []byte) ([]byte, error) {
	args := m.Called(sh, ciphertext)
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockedP11) WrapKey(sh pkcs11.SessionHandle, mechs []*pkcs11.Mechanism, wrappingkey, key pkcs11.ObjectHandle) ([]byte, error) {
	args := m.Called(sh, mechs, wrappingkey, key)
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockedP11) UnwrapKey(sh pkcs11.SessionHandle, mechs []*pkcs11.Mechanism, unwrappingkey pkcs11.ObjectHandle, wrappedkey []byte, a []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	args := m.Called(sh, mechs, unwrappingkey, wrappedkey, a)
	return args.Get(0).(pkcs11.ObjectHandle), args.Error(1)
}
