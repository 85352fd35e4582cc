package credential

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "credentials.enc"))
}

func TestSetupCreatesValidEncryptedFile(t *testing.T) {
	s := newTestStore(t)
	if err := s.Setup("test-password"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Version != envelopeVersion {
		t.Fatalf("version = %d", env.Version)
	}
	if env.KDF.Algorithm != "argon2id" {
		t.Fatalf("algorithm = %q", env.KDF.Algorithm)
	}
}

func TestUnlockWithCorrectPassword(t *testing.T) {
	s := newTestStore(t)
	if err := s.Setup("my-password"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	s.Lock()
	if s.IsUnlocked() {
		t.Fatal("expected locked")
	}
	if err := s.Unlock("my-password"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if !s.IsUnlocked() {
		t.Fatal("expected unlocked")
	}
}

func TestUnlockWithWrongPasswordFails(t *testing.T) {
	s := newTestStore(t)
	if err := s.Setup("correct"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	s.Lock()
	if err := s.Unlock("wrong"); err == nil {
		t.Fatal("expected error")
	}
	if s.IsUnlocked() {
		t.Fatal("expected still locked")
	}
}

func TestSetThenGet(t *testing.T) {
	s := newTestStore(t)
	if err := s.Setup("pw"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	key := NewKey("conn-1", TypePassword)
	if err := s.Set(key, "secret123"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if val != "secret123" {
		t.Fatalf("val = %q", val)
	}
}

func TestGetNonexistentReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	if err := s.Setup("pw"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	val, err := s.Get(NewKey("no-such-conn", TypePassword))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if val != "" {
		t.Fatalf("val = %q, want empty", val)
	}
}

func TestLockClearsMemoryGetReturnsError(t *testing.T) {
	s := newTestStore(t)
	if err := s.Setup("pw"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	key := NewKey("conn-1", TypePassword)
	if err := s.Set(key, "secret"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.Lock()
	if _, err := s.Get(key); err == nil {
		t.Fatal("expected error after lock")
	}
}

func TestRemoveThenGetReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	if err := s.Setup("pw"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	key := NewKey("conn-1", TypePassword)
	if err := s.Set(key, "secret"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Remove(key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	val, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if val != "" {
		t.Fatalf("val = %q, want empty", val)
	}
}

func TestRemoveAllForConnectionRemovesBothTypes(t *testing.T) {
	s := newTestStore(t)
	if err := s.Setup("pw"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	pwKey := NewKey("conn-1", TypePassword)
	kpKey := NewKey("conn-1", TypeKeyPassphrase)
	if err := s.Set(pwKey, "pass"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(kpKey, "phrase"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := s.RemoveAllForConnection("conn-1"); err != nil {
		t.Fatalf("RemoveAllForConnection: %v", err)
	}

	if v, _ := s.Get(pwKey); v != "" {
		t.Fatalf("pw still present: %q", v)
	}
	if v, _ := s.Get(kpKey); v != "" {
		t.Fatalf("key passphrase still present: %q", v)
	}
}

func TestChangePasswordReEncrypts(t *testing.T) {
	s := newTestStore(t)
	if err := s.Setup("old-pw"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	key := NewKey("conn-1", TypePassword)
	if err := s.Set(key, "my-secret"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := s.ChangePassword("old-pw", "new-pw"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	s.Lock()

	if err := s.Unlock("old-pw"); err == nil {
		t.Fatal("old password should no longer work")
	}

	if err := s.Unlock("new-pw"); err != nil {
		t.Fatalf("Unlock with new password: %v", err)
	}
	val, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if val != "my-secret" {
		t.Fatalf("val = %q", val)
	}
}

func TestFileIsValidJSONAfterEveryWrite(t *testing.T) {
	s := newTestStore(t)
	if err := s.Setup("pw"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	key := NewKey("conn-1", TypePassword)
	if err := s.Set(key, "val1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	assertValidEnvelope(t, s.filePath)

	if err := s.Remove(key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	assertValidEnvelope(t, s.filePath)
}

func assertValidEnvelope(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}

func TestListKeysReturnsStoredKeys(t *testing.T) {
	s := newTestStore(t)
	if err := s.Setup("pw"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	pwKey := NewKey("conn-1", TypePassword)
	kpKey := NewKey("conn-2", TypeKeyPassphrase)
	if err := s.Set(pwKey, "a"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(kpKey, "b"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	keys, err := s.ListKeys()
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %+v, want 2", keys)
	}
}

func TestStatusReflectsLockState(t *testing.T) {
	s := newTestStore(t)
	if s.Status() != StatusUnavailable {
		t.Fatalf("status = %v, want Unavailable", s.Status())
	}
	if err := s.Setup("pw"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if s.Status() != StatusUnlocked {
		t.Fatalf("status = %v, want Unlocked", s.Status())
	}
	s.Lock()
	if s.Status() != StatusLocked {
		t.Fatalf("status = %v, want Locked", s.Status())
	}
}

func TestSetupFailsIfFileAlreadyExists(t *testing.T) {
	s := newTestStore(t)
	if err := s.Setup("pw"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := s.Setup("pw2"); err == nil {
		t.Fatal("expected error on second Setup")
	}
}

func TestSetPersistsAcrossUnlockCycles(t *testing.T) {
	s := newTestStore(t)
	if err := s.Setup("pw"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	key := NewKey("conn-1", TypePassword)
	if err := s.Set(key, "persistent-val"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.Lock()

	if err := s.Unlock("pw"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	val, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if val != "persistent-val" {
		t.Fatalf("val = %q", val)
	}
}

func TestParseMapKeyRoundtrip(t *testing.T) {
	key := NewKey("my-conn-id", TypePassword)
	parsed, ok := parseMapKey(key.String())
	if !ok || parsed != key {
		t.Fatalf("parsed = %+v, ok = %v", parsed, ok)
	}

	key2 := NewKey("other-conn", TypeKeyPassphrase)
	parsed2, ok := parseMapKey(key2.String())
	if !ok || parsed2 != key2 {
		t.Fatalf("parsed2 = %+v, ok = %v", parsed2, ok)
	}

	if _, ok := parseMapKey("conn:unknown_type"); ok {
		t.Fatal("expected parse failure for unknown type")
	}
	if _, ok := parseMapKey("nodelimiter"); ok {
		t.Fatal("expected parse failure with no colon")
	}
}
