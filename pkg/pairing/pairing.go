// Package pairing implements spec.md §4.2: the family-secret crypto
// primitives and the initiator/joiner session state machine that
// bootstraps trust between two otherwise-unrelated devices over an
// untrusted LAN using a short-lived PIN.
package pairing

import (
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/DmitryKorepanov/FamilyVault-sub000/internal/ferr"
	"github.com/DmitryKorepanov/FamilyVault-sub000/internal/netaddr"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/pairing/pairingwire"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/securestore"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/wire"
)

// State is the coarse configuration/session state of a Core, folding
// spec.md's `NoFamily | Configured | Configured+SessionOpen |
// Configured+RateLimited` into one enum for introspection.
type State int

const (
	StateNoFamily State = iota
	StateConfigured
	StateSessionOpen
	StateRateLimited
)

// sessionTTL is the PIN session lifetime.
const sessionTTL = 300 * time.Second

// rateLimitWindow is how long a joiner is locked out after 3 failed
// PIN attempts.
const rateLimitWindow = 30 * time.Second

// maxFailedAttempts triggers the rate-limit lockout.
const maxFailedAttempts = 3

// joinTimeout equals the end-to-end bound that JoinByPin/JoinByQr get
// from pairingwire.Request's own client deadline; this package does not
// reference it.
const joinTimeout = 10 * time.Second

// session is the initiator-side ephemeral pairing state.
type session struct {
	nonce          []byte
	pin            string
	createdAt      time.Time
	expiresAt      time.Time
	failedAttempts int
	rateLimitUntil time.Time
}

func (s *session) expired(now time.Time) bool { return now.After(s.expiresAt) }
func (s *session) rateLimited(now time.Time) bool {
	return !s.rateLimitUntil.IsZero() && now.Before(s.rateLimitUntil)
}

// PairingInfo is returned by CreateFamily/RegeneratePin.
type PairingInfo struct {
	Pin       string
	QRPayload string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// JoinResult is the closed set of outcomes joinByPin/joinByQr report.
type JoinResult int

const (
	JoinSuccess JoinResult = iota
	JoinInvalidPin
	JoinExpired
	JoinRateLimited
	JoinAlreadyConfigured
	JoinNetworkError
	JoinInternalError
)

func (r JoinResult) String() string {
	switch r {
	case JoinSuccess:
		return "Success"
	case JoinInvalidPin:
		return "InvalidPin"
	case JoinExpired:
		return "Expired"
	case JoinRateLimited:
		return "RateLimited"
	case JoinAlreadyConfigured:
		return "AlreadyConfigured"
	case JoinNetworkError:
		return "NetworkError"
	default:
		return "InternalError"
	}
}

// Core is the pairing façade: crypto primitives plus the session state
// machine, backed by a SecureStore for the family secret and device
// identity. It is safe for concurrent use.
type Core struct {
	ferr.LastErrorHolder

	store       securestore.Store
	pairingPort int

	mu           sync.Mutex
	familySecret []byte
	deviceID     string
	deviceName   string
	deviceType   wire.DeviceType
	sess         *session
	server       *pairingwire.Server
}

// NewCore loads (or creates) the device identity from store and
// returns a Core in StateNoFamily or StateConfigured depending on
// whether a family secret is already persisted.
func NewCore(store securestore.Store, deviceName string, deviceType wire.DeviceType, pairingPort int) (*Core, error) {
	c := &Core{store: store, pairingPort: pairingPort, deviceName: deviceName, deviceType: deviceType}

	deviceID, ok, err := store.GetString(securestore.KeyDeviceID)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindInternal, "pairing.NewCore", err)
	}
	if !ok {
		deviceID = NewUUIDv4()
		if err := store.PutString(securestore.KeyDeviceID, deviceID); err != nil {
			return nil, ferr.Wrap(ferr.KindInternal, "pairing.NewCore", err)
		}
		log.Printf("🆔 Generated new device identity: %s", deviceID)
	}
	c.deviceID = deviceID

	if name, ok, err := store.GetString(securestore.KeyDeviceName); err == nil && ok {
		c.deviceName = name
	} else {
		store.PutString(securestore.KeyDeviceName, deviceName)
	}

	secret, ok, err := store.Get(securestore.KeyFamilySecret)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindInternal, "pairing.NewCore", err)
	}
	if ok {
		c.familySecret = secret
	}

	return c, nil
}

// DeviceID returns the durable device identity used as the TLS-PSK
// identity string.
func (c *Core) DeviceID() string { return c.deviceID }

// IsConfigured reports whether a family secret is present.
func (c *Core) IsConfigured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.familySecret != nil
}

// State reports the coarse pairing state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Core) stateLocked() State {
	if c.familySecret == nil {
		return StateNoFamily
	}
	if c.sess == nil {
		return StateConfigured
	}
	if c.sess.rateLimited(time.Now()) {
		return StateRateLimited
	}
	return StateSessionOpen
}

// CreateFamily generates a fresh 32-byte family secret, persists it,
// opens a pairing session, and starts the pairing server. Only valid
// from StateNoFamily.
func (c *Core) CreateFamily() (PairingInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.familySecret != nil {
		return PairingInfo{}, ferr.New(ferr.KindInvalidArgument, "pairing.CreateFamily", "family already configured")
	}

	secret, err := RandomBytes(32)
	if err != nil {
		return PairingInfo{}, ferr.Wrap(ferr.KindInternal, "pairing.CreateFamily", err)
	}
	if err := c.store.Put(securestore.KeyFamilySecret, secret); err != nil {
		return PairingInfo{}, ferr.Wrap(ferr.KindInternal, "pairing.CreateFamily", err)
	}
	c.familySecret = secret

	info, err := c.openSessionLocked()
	if err != nil {
		return PairingInfo{}, err
	}
	if err := c.startServerLocked(); err != nil {
		return PairingInfo{}, err
	}
	log.Printf("👪 Family created, pairing PIN %s (expires %s)", info.Pin, info.ExpiresAt.Format(time.RFC3339))
	return info, nil
}

// RegeneratePin replaces the nonce/PIN of the active (or a fresh)
// session and restarts the pairing server. Valid from any Configured*
// state.
func (c *Core) RegeneratePin() (PairingInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.familySecret == nil {
		return PairingInfo{}, ferr.New(ferr.KindNotConfigured, "pairing.RegeneratePin", "no family configured")
	}

	info, err := c.openSessionLocked()
	if err != nil {
		return PairingInfo{}, err
	}
	c.stopServerLocked()
	if err := c.startServerLocked(); err != nil {
		return PairingInfo{}, err
	}
	log.Printf("🔁 Regenerated pairing PIN %s", info.Pin)
	return info, nil
}

// openSessionLocked creates a new session with a fresh nonce/PIN.
// Caller must hold c.mu.
func (c *Core) openSessionLocked() (PairingInfo, error) {
	nonce, err := RandomBytes(16)
	if err != nil {
		return PairingInfo{}, ferr.Wrap(ferr.KindInternal, "pairing.openSession", err)
	}
	pin, err := GeneratePin(c.familySecret, nonce)
	if err != nil {
		return PairingInfo{}, ferr.Wrap(ferr.KindInternal, "pairing.openSession", err)
	}

	now := time.Now()
	c.sess = &session{nonce: nonce, pin: pin, createdAt: now, expiresAt: now.Add(sessionTTL)}

	host := netaddr.PreferredAdvertiseAddr()
	qr := EncodeQRURL(pin, host, c.pairingPort)
	return PairingInfo{Pin: pin, QRPayload: qr, CreatedAt: now, ExpiresAt: c.sess.expiresAt}, nil
}

// CancelPairing closes the active session, if any.
func (c *Core) CancelPairing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = nil
	c.stopServerLocked()
	return nil
}

func (c *Core) startServerLocked() error {
	srv, err := pairingwire.Listen(fmt.Sprintf(":%d", c.pairingPort), c.handleInbound)
	if err != nil {
		return ferr.Wrap(ferr.KindNetworkError, "pairing.startServer", err)
	}
	c.server = srv
	go srv.Serve()
	return nil
}

func (c *Core) stopServerLocked() {
	if c.server != nil {
		c.server.Stop()
		c.server = nil
	}
}

// handleInbound answers one PairingRequest according to spec.md
// §4.2's inbound-request state machine. It is the pairingwire.Handler
// passed to the server.
func (c *Core) handleInbound(req wire.PairingRequest) wire.PairingResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.sess != nil && c.sess.rateLimited(now) {
		return wire.PairingResponse{Success: false, ErrorCode: wire.PairingErrRateLimited, ErrorMessage: "too many attempts, try again later"}
	}
	if c.sess == nil || c.sess.expired(now) {
		return wire.PairingResponse{Success: false, ErrorCode: wire.PairingErrExpired, ErrorMessage: "no active pairing session"}
	}

	expected, err := GeneratePin(c.familySecret, c.sess.nonce)
	if err != nil {
		return wire.PairingResponse{Success: false, ErrorCode: wire.PairingErrInvalidRequest, ErrorMessage: err.Error()}
	}

	if req.Pin != expected {
		c.sess.failedAttempts++
		if c.sess.failedAttempts >= maxFailedAttempts {
			c.sess.rateLimitUntil = now.Add(rateLimitWindow)
			c.sess.failedAttempts = 0
			log.Printf("⛔ Pairing rate-limited after %d failed PIN attempts", maxFailedAttempts)
			return wire.PairingResponse{Success: false, ErrorCode: wire.PairingErrRateLimited, ErrorMessage: "too many attempts, try again later"}
		}
		remaining := maxFailedAttempts - c.sess.failedAttempts
		return wire.PairingResponse{Success: false, ErrorCode: wire.PairingErrInvalidPin, ErrorMessage: fmt.Sprintf("wrong pin, %d attempts remaining", remaining)}
	}

	c.sess.failedAttempts = 0
	log.Printf("🤝 Device %s joined the family", req.DeviceID)
	return wire.PairingResponse{Success: true, FamilySecret: hex.EncodeToString(c.familySecret)}
}

// JoinByPin dials host:port, submits pin, and on success persists the
// received family secret. Valid only from StateNoFamily.
func (c *Core) JoinByPin(pin, host string, port int) (JoinResult, error) {
	c.mu.Lock()
	if c.familySecret != nil {
		c.mu.Unlock()
		return JoinAlreadyConfigured, nil
	}
	deviceID, deviceName, deviceType := c.deviceID, c.deviceName, c.deviceType
	c.mu.Unlock()

	resp, err := pairingwire.Request(host, port, wire.PairingRequest{
		Pin: pin, DeviceID: deviceID, DeviceName: deviceName, DeviceType: deviceType,
	})
	if err != nil {
		c.Set(ferr.Wrap(ferr.KindNetworkError, "pairing.JoinByPin", err))
		return JoinNetworkError, err
	}

	return c.applyJoinResponse(resp)
}

// JoinByQr decodes either canonical QR form and dials it.
func (c *Core) JoinByQr(data string) (JoinResult, error) {
	if c.IsConfigured() {
		return JoinAlreadyConfigured, nil
	}
	qr, err := DecodeQR(data)
	if err != nil {
		c.Set(ferr.Wrap(ferr.KindInvalidArgument, "pairing.JoinByQr", err))
		return JoinInternalError, err
	}
	return c.JoinByPin(qr.Pin, qr.Host, qr.Port)
}

func (c *Core) applyJoinResponse(resp wire.PairingResponse) (JoinResult, error) {
	if !resp.Success {
		switch resp.ErrorCode {
		case wire.PairingErrInvalidPin:
			return JoinInvalidPin, fmt.Errorf("pairing: %s", resp.ErrorMessage)
		case wire.PairingErrExpired:
			return JoinExpired, fmt.Errorf("pairing: %s", resp.ErrorMessage)
		case wire.PairingErrRateLimited:
			return JoinRateLimited, fmt.Errorf("pairing: %s", resp.ErrorMessage)
		default:
			return JoinInternalError, fmt.Errorf("pairing: %s: %s", resp.ErrorCode, resp.ErrorMessage)
		}
	}

	secret, err := hex.DecodeString(resp.FamilySecret)
	if err != nil || len(secret) != 32 {
		return JoinInternalError, fmt.Errorf("pairing: invalid family secret in response")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Put(securestore.KeyFamilySecret, secret); err != nil {
		return JoinInternalError, ferr.Wrap(ferr.KindInternal, "pairing.applyJoinResponse", err)
	}
	c.familySecret = secret
	log.Printf("✅ Joined family, PSK derivable")
	return JoinSuccess, nil
}

// Reset removes the family secret, clearing back to StateNoFamily. The
// deviceId is never regenerated.
func (c *Core) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Remove(securestore.KeyFamilySecret); err != nil {
		return ferr.Wrap(ferr.KindInternal, "pairing.Reset", err)
	}
	c.familySecret = nil
	c.sess = nil
	c.stopServerLocked()
	return nil
}

// DerivePSK returns the 32-byte TLS-PSK if configured.
func (c *Core) DerivePSK() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.familySecret == nil {
		return nil, false
	}
	psk, err := DerivePSK(c.familySecret)
	if err != nil {
		return nil, false
	}
	return psk, true
}

// GetPSKIdentity returns this device's TLS-PSK identity string.
func (c *Core) GetPSKIdentity() string { return c.deviceID }
