// Package securestore is the platform-confidential blob store behind
// spec.md §4.1: durable key/value storage for the handful of
// process-wide secrets FamilyVault needs before any network code runs
// (the family secret, the device identity). Values are opaque; callers
// own their own encoding.
package securestore

import (
	"fmt"
)

// Reserved keys the core touches. Callers may use other keys too; the
// store performs no schema validation on any of them.
const (
	KeyFamilySecret = "familyvault.family_secret"
	KeyDeviceID     = "familyvault.device_id"
	KeyDeviceName   = "familyvault.device_name"
)

// Store is the four-operation contract spec.md §4.1 requires. A
// Backend beneath it is either a platform credential vault
// (KeychainBackend, darwin) or an encrypted file (FileBackend);
// callers never see the difference.
type Store interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, bool, error)
	Remove(key string) error
	Exists(key string) (bool, error)

	// PutString/GetString are convenience wrappers over Put/Get for the
	// text-valued reserved keys (deviceId, deviceName).
	PutString(key, value string) error
	GetString(key string) (string, bool, error)
}

// stringStore adds the string convenience wrappers on top of any
// byte-oriented Backend-backed Store.
type stringStore struct {
	Store
}

func (s stringStore) PutString(key, value string) error {
	return s.Put(key, []byte(value))
}

func (s stringStore) GetString(key string) (string, bool, error) {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// wrapStrings is called once by each Backend constructor so every
// concrete store gets PutString/GetString without repeating them.
func wrapStrings(s Store) Store {
	return stringStore{Store: s}
}

// opErr gives wrapped I/O failures a consistent message shape. Absence
// of a key is never an error: Get/Exists report it through their bool
// return, matching spec.md's Option<bytes> contract.
func opErr(op string, err error) error {
	return fmt.Errorf("securestore: %s: %w", op, err)
}
