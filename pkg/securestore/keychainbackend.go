//go:build darwin

package securestore

import (
	"github.com/keybase/go-keychain"
)

// keychainService scopes every item this backend writes so FamilyVault's
// secrets can't collide with another application's keychain entries.
const keychainService = "com.familyvault.securestore"

// KeychainBackend is the macOS-keychain-backed Store spec.md §4.1 calls
// for on platforms with an OS credential vault: every key is its own
// generic-password item, added/queried/removed individually rather than
// through FileBackend's single encrypted blob file.
type KeychainBackend struct{}

// NewKeychainBackend opens the macOS keychain Store. Unlike FileBackend
// there's no on-disk state to initialize up front — each key becomes its
// own keychain item on first Put.
func NewKeychainBackend() (Store, error) {
	return wrapStrings(&KeychainBackend{}), nil
}

func (k *KeychainBackend) item(key string) keychain.Item {
	item := keychain.NewItem()
	item.SetSecClass(keychain.SecClassGenericPassword)
	item.SetService(keychainService)
	item.SetAccount(key)
	return item
}

func (k *KeychainBackend) Put(key string, value []byte) error {
	// Delete-then-add sidesteps AddItem's duplicate-item error on update;
	// the keychain has no atomic upsert.
	k.Remove(key)

	item := k.item(key)
	item.SetData(value)
	item.SetAccessible(keychain.AccessibleWhenUnlocked)
	item.SetSynchronizable(keychain.SynchronizableNo)
	if err := keychain.AddItem(item); err != nil {
		return opErr("keychain put", err)
	}
	return nil
}

func (k *KeychainBackend) Get(key string) ([]byte, bool, error) {
	item := k.item(key)
	item.SetMatchLimit(keychain.MatchLimitOne)
	item.SetReturnData(true)

	results, err := keychain.QueryItem(item)
	if err != nil {
		return nil, false, opErr("keychain get", err)
	}
	if len(results) == 0 {
		return nil, false, nil
	}
	return results[0].Data, true, nil
}

func (k *KeychainBackend) Remove(key string) error {
	if err := keychain.DeleteItem(k.item(key)); err != nil && err != keychain.ErrorItemNotFound {
		return opErr("keychain remove", err)
	}
	return nil
}

func (k *KeychainBackend) Exists(key string) (bool, error) {
	_, ok, err := k.Get(key)
	return ok, err
}

// PutString/GetString are required by the Store interface but never
// called directly on *KeychainBackend — NewKeychainBackend returns the
// value wrapped by wrapStrings, which supplies them. These exist only so
// *KeychainBackend itself satisfies Store before wrapping.
func (k *KeychainBackend) PutString(key, value string) error { return k.Put(key, []byte(value)) }
func (k *KeychainBackend) GetString(key string) (string, bool, error) {
	v, ok, err := k.Get(key)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}
