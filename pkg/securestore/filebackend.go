package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// deviceKeyFile and blobFile are the two files a FileBackend owns
// inside its directory: the locally generated device key used to
// envelope-encrypt every blob, and the encrypted blob store itself.
const (
	deviceKeyFile = "device.key"
	blobFile      = "blobs.enc"
)

// FileBackend is the fallback Store for platforms without an OS
// keychain / credential manager: a single directory, owner-only
// permissions, AES-256-GCM envelope encryption keyed by a 32-byte
// device key generated on first use and persisted alongside. Open
// picks this over KeychainBackend on every platform but macOS; see
// DESIGN.md for the reasoning behind the split.
type FileBackend struct {
	dir       string
	deviceKey [32]byte
	mu        sync.Mutex
	blobs     map[string][]byte
}

// NewFileBackend opens (or initializes) a FileBackend rooted at dir,
// creating dir and the device key if they don't already exist.
func NewFileBackend(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, opErr("mkdir", err)
	}

	fb := &FileBackend{dir: dir, blobs: make(map[string][]byte)}

	keyPath := filepath.Join(dir, deviceKeyFile)
	key, err := os.ReadFile(keyPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, opErr("read device key", err)
		}
		var fresh [32]byte
		if _, err := rand.Read(fresh[:]); err != nil {
			return nil, opErr("generate device key", err)
		}
		if err := os.WriteFile(keyPath, fresh[:], 0600); err != nil {
			return nil, opErr("write device key", err)
		}
		key = fresh[:]
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("securestore: device key at %s is %d bytes, want 32", keyPath, len(key))
	}
	copy(fb.deviceKey[:], key)

	if err := fb.load(); err != nil {
		return nil, err
	}
	return wrapStrings(fb), nil
}

func (fb *FileBackend) blobPath() string {
	return filepath.Join(fb.dir, blobFile)
}

// load reads and decrypts the on-disk blob map, if present. Missing
// file means an empty store, not an error.
func (fb *FileBackend) load() error {
	data, err := os.ReadFile(fb.blobPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return opErr("read blob store", err)
	}
	if len(data) == 0 {
		return nil
	}

	plaintext, err := fb.decrypt(data)
	if err != nil {
		return opErr("decrypt blob store", err)
	}

	var m map[string][]byte
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return opErr("parse blob store", err)
	}
	fb.blobs = m
	return nil
}

// persist re-encrypts and writes the entire blob map. Callers must
// hold fb.mu.
func (fb *FileBackend) persist() error {
	plaintext, err := json.Marshal(fb.blobs)
	if err != nil {
		return opErr("marshal blob store", err)
	}
	ciphertext, err := fb.encrypt(plaintext)
	if err != nil {
		return opErr("encrypt blob store", err)
	}
	if err := os.WriteFile(fb.blobPath(), ciphertext, 0600); err != nil {
		return opErr("write blob store", err)
	}
	return nil
}

func (fb *FileBackend) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(fb.deviceKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (fb *FileBackend) decrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(fb.deviceKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("securestore: ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (fb *FileBackend) Put(key string, value []byte) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	fb.blobs[key] = cp
	return fb.persist()
}

func (fb *FileBackend) Get(key string) ([]byte, bool, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	v, ok := fb.blobs[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (fb *FileBackend) Remove(key string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if _, ok := fb.blobs[key]; !ok {
		return nil
	}
	delete(fb.blobs, key)
	return fb.persist()
}

func (fb *FileBackend) Exists(key string) (bool, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	_, ok := fb.blobs[key]
	return ok, nil
}

// PutString/GetString are required by the Store interface but never
// called directly on *FileBackend — NewFileBackend returns the value
// wrapped by wrapStrings, which supplies them. These exist only so
// *FileBackend itself satisfies Store before wrapping.
func (fb *FileBackend) PutString(key, value string) error { return fb.Put(key, []byte(value)) }
func (fb *FileBackend) GetString(key string) (string, bool, error) {
	v, ok, err := fb.Get(key)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}
