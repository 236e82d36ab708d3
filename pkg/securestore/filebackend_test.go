package securestore

import (
	"testing"
)

func TestFileBackendPutGetExistsRemove(t *testing.T) {
	store, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}

	if ok, err := store.Exists(KeyFamilySecret); err != nil || ok {
		t.Fatalf("Exists on empty store = %v, %v; want false, nil", ok, err)
	}

	secret := []byte("0123456789abcdef0123456789abcdef")
	if err := store.Put(KeyFamilySecret, secret); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if ok, err := store.Exists(KeyFamilySecret); err != nil || !ok {
		t.Fatalf("Exists after Put = %v, %v; want true, nil", ok, err)
	}

	got, ok, err := store.Get(KeyFamilySecret)
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if string(got) != string(secret) {
		t.Errorf("Get returned %q, want %q", got, secret)
	}

	if err := store.Remove(KeyFamilySecret); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if ok, _ := store.Exists(KeyFamilySecret); ok {
		t.Errorf("Exists after Remove = true, want false")
	}
}

func TestFileBackendStringConvenience(t *testing.T) {
	store, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	if err := store.PutString(KeyDeviceID, "device-123"); err != nil {
		t.Fatalf("PutString failed: %v", err)
	}
	got, ok, err := store.GetString(KeyDeviceID)
	if err != nil || !ok || got != "device-123" {
		t.Fatalf("GetString = %q, %v, %v; want device-123, true, nil", got, ok, err)
	}
}

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	if err := store.Put(KeyFamilySecret, []byte("secret-bytes")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	reopened, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("reopen NewFileBackend failed: %v", err)
	}
	got, ok, err := reopened.Get(KeyFamilySecret)
	if err != nil || !ok || string(got) != "secret-bytes" {
		t.Fatalf("Get after reopen = %q, %v, %v", got, ok, err)
	}
}
