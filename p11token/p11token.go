package p11token

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xhsm/cryptoprov"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xhsm", "p11token")

const (
	createSessionRetries = 10
	sessionPoolSize      = 10
)

// Manufacturers is the list of manufacturer names that load this provider
// with cryptoprov.LoadProvider. Vendors not on the list can register
// LoadProvider explicitly.
var Manufacturers = []string{
	"SoftHSM",
	"opencryptoki",
	"Gemalto",
	"SafeNet",
	"Thales",
	"Utimaco",
}

func init() {
	for _, man := range Manufacturers {
		_ = cryptoprov.Register(man, LoadProvider)
	}
}

// LoadProvider provides loader for PKCS#11 provider
func LoadProvider(cfg cryptoprov.TokenConfig) (cryptoprov.Provider, error) {
	p, err := Init(cfg)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return p, nil
}

// Ensure compiles
var _ cryptoprov.Provider = (*PKCS11Lib)(nil)
var _ cryptoprov.KeyManager = (*PKCS11Lib)(nil)
var _ cryptoprov.Verifier = (*PKCS11Lib)(nil)
var _ cryptoprov.SecretKeyManager = (*PKCS11Lib)(nil)

// SlotTokenInfo provides info about the token on a slot
type SlotTokenInfo struct {
	id           uint
	description  string
	label        string
	manufacturer string
	model        string
	serial       string
	flags        uint
}

// SlotID is ID of the slot
func (s *SlotTokenInfo) SlotID() uint {
	return s.id
}

// Description of the slot
func (s *SlotTokenInfo) Description() string {
	return s.description
}

// Label of the token
func (s *SlotTokenInfo) Label() string {
	return s.label
}

// Manufacturer of the token
func (s *SlotTokenInfo) Manufacturer() string {
	return s.manufacturer
}

// Model of the token
func (s *SlotTokenInfo) Model() string {
	return s.model
}

// SerialNumber of the token
func (s *SlotTokenInfo) SerialNumber() string {
	return s.serial
}

// PKCS11Lib contains a reference to an open PKCS#11 slot and configuration
type PKCS11Lib struct {
	Ctx    Pkcs11Ctx
	Config cryptoprov.TokenConfig
	Slot   *SlotTokenInfo

	sessPool chan pkcs11.SessionHandle
	sessMu   sync.Mutex
	sessions map[pkcs11.SessionHandle]struct{}
}

// Manufacturer returns manufacturer for the calling library
func (p11lib *PKCS11Lib) Manufacturer() string {
	return p11lib.Config.Manufacturer()
}

// Model returns model for the calling library
func (p11lib *PKCS11Lib) Model() string {
	return p11lib.Config.Model()
}

// CurrentSlotID returns current slot ID
func (p11lib *PKCS11Lib) CurrentSlotID() uint {
	return p11lib.Slot.id
}

// ConfigureFromFile loads PKCS#11 token configuration from the file
// and initializes the library
func ConfigureFromFile(filename string) (*PKCS11Lib, error) {
	cfg, err := cryptoprov.LoadTokenConfig(filename)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load config: %s", filename)
	}
	return Init(cfg)
}

// Init opens the PKCS#11 library, selects the token by serial or label,
// and verifies that a logged-in session can be created
func Init(cfg cryptoprov.TokenConfig) (*PKCS11Lib, error) {
	if cfg.Path() == "" {
		return nil, errors.New("pkcs11: library path not provided")
	}

	ctx := CtxLoader(cfg.Path())
	if ctx == nil {
		return nil, errors.Errorf("pkcs11: instantiation failed for %s", cfg.Path())
	}
	if err := ctx.Initialize(); err != nil {
		logger.KV(xlog.WARNING, "reason", "Initialize", "lib", cfg.Path(), "err", err.Error())
	}

	p11lib := &PKCS11Lib{
		Ctx:      ctx,
		Config:   cfg,
		sessPool: make(chan pkcs11.SessionHandle, sessionPoolSize),
		sessions: map[pkcs11.SessionHandle]struct{}{},
	}

	slot, err := p11lib.findSlot(cfg.TokenSerial(), cfg.TokenLabel())
	if err != nil {
		p11lib.Close()
		return nil, err
	}
	p11lib.Slot = slot

	logger.KV(xlog.INFO,
		"slot", slot.id,
		"label", slot.label,
		"manufacturer", slot.manufacturer,
		"model", slot.model,
		"serial", slot.serial,
	)

	session, err := p11lib.createSession()
	if err != nil {
		p11lib.Close()
		return nil, err
	}
	p11lib.returnSession(session)

	return p11lib, nil
}

// Close releases allocated resources
func (p11lib *PKCS11Lib) Close() {
	if p11lib.Ctx == nil {
		return
	}

	for {
		select {
		case session := <-p11lib.sessPool:
			p11lib.closeSession(session)
			continue
		default:
		}
		break
	}

	_ = p11lib.Ctx.Finalize()
	p11lib.Ctx.Destroy()
	p11lib.Ctx = nil
}

// findSlot selects the token by serial number or label.
// The first match wins.
func (p11lib *PKCS11Lib) findSlot(serial, label string) (*SlotTokenInfo, error) {
	list, err := p11lib.TokensInfo()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	for _, ti := range list {
		if serial != "" && ti.serial != serial {
			continue
		}
		if label != "" && ti.label != label {
			continue
		}
		return ti, nil
	}

	return nil, errors.Errorf("token not found: serial=%q, label=%q", serial, label)
}

// TokensInfo returns list of tokens
func (p11lib *PKCS11Lib) TokensInfo() ([]*SlotTokenInfo, error) {
	list := []*SlotTokenInfo{}
	slots, err := p11lib.Ctx.GetSlotList(true)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	logger.KV(xlog.TRACE, "slots", len(slots))

	for _, slotID := range slots {
		si, err := p11lib.Ctx.GetSlotInfo(slotID)
		if err != nil {
			return nil, errors.WithMessagef(err, "GetSlotInfo: %d", slotID)
		}
		ti, err := p11lib.Ctx.GetTokenInfo(slotID)
		if err != nil {
			logger.KV(xlog.ERROR,
				"reason", "GetTokenInfo",
				"slot", slotID,
				"manufacturer", si.ManufacturerID,
				"description", si.SlotDescription,
				"err", err.Error(),
			)
		} else if ti.SerialNumber != "" || ti.Label != "" {
			list = append(list, &SlotTokenInfo{
				id:           slotID,
				description:  strings.TrimSpace(si.SlotDescription),
				label:        strings.TrimSpace(ti.Label),
				manufacturer: strings.TrimSpace(ti.ManufacturerID),
				model:        strings.TrimSpace(ti.Model),
				serial:       strings.TrimSpace(ti.SerialNumber),
				flags:        ti.Flags,
			})
		}
	}
	return list, nil
}

// getSession returns a logged-in session from the pool,
// or creates a new one
func (p11lib *PKCS11Lib) getSession() (pkcs11.SessionHandle, error) {
	select {
	case session := <-p11lib.sessPool:
		return session, nil
	default:
		return p11lib.createSession()
	}
}

func (p11lib *PKCS11Lib) createSession() (pkcs11.SessionHandle, error) {
	var session pkcs11.SessionHandle
	var err error

	for i := 0; i < createSessionRetries; i++ {
		session, err = p11lib.Ctx.OpenSession(p11lib.Slot.id, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
		if err == nil {
			break
		}

		logger.KV(xlog.WARNING, "reason", "OpenSession", "slot", p11lib.Slot.id, "err", err.Error())
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		return 0, errors.WithMessagef(err, "OpenSession on slot %d", p11lib.Slot.id)
	}

	pin := p11lib.Config.Pin()
	if pin != "" || p11lib.Slot.flags&pkcs11.CKF_LOGIN_REQUIRED != 0 {
		err = p11lib.Ctx.Login(session, pkcs11.CKU_USER, pin)
		if err != nil && err != pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			_ = p11lib.Ctx.CloseSession(session)
			return 0, errors.WithMessage(err, "login failed")
		}
	}

	p11lib.sessMu.Lock()
	p11lib.sessions[session] = struct{}{}
	p11lib.sessMu.Unlock()

	return session, nil
}

func (p11lib *PKCS11Lib) closeSession(session pkcs11.SessionHandle) {
	if err := p11lib.Ctx.CloseSession(session); err != nil {
		logger.KV(xlog.DEBUG, "reason", "CloseSession", "err", err.Error())
	}

	p11lib.sessMu.Lock()
	delete(p11lib.sessions, session)
	p11lib.sessMu.Unlock()
}

func (p11lib *PKCS11Lib) returnSession(session pkcs11.SessionHandle) {
	select {
	case p11lib.sessPool <- session:
	default:
		// the pool is full, dropping
		p11lib.closeSession(session)
	}
}

// withSession runs the operation with a session from the pool
func (p11lib *PKCS11Lib) withSession(f func(session pkcs11.SessionHandle) error) error {
	session, err := p11lib.getSession()
	if err != nil {
		return errors.WithStack(err)
	}
	defer p11lib.returnSession(session)

	return f(session)
}

// openSlotSession opens a short-lived session on the given slot.
// The current slot uses the logged-in pool.
func (p11lib *PKCS11Lib) openSlotSession(slotID uint) (pkcs11.SessionHandle, func(), error) {
	if slotID == p11lib.Slot.id {
		session, err := p11lib.getSession()
		if err != nil {
			return 0, nil, errors.WithStack(err)
		}
		return session, func() { p11lib.returnSession(session) }, nil
	}

	session, err := p11lib.Ctx.OpenSession(slotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return 0, nil, errors.WithMessagef(err, "OpenSession on slot %d", slotID)
	}
	return session, func() { _ = p11lib.Ctx.CloseSession(session) }, nil
}
