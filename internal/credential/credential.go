// Package credential implements the master-password-protected
// credential store (spec §4.15, §6): a single encrypted file holding
// every saved connection's passwords and key passphrases, unlocked
// on demand with Argon2id + AES-256-GCM. Grounded on
// original_source/src-tauri/src/credential/master_password.rs.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters, ported verbatim from the original's constants.
const (
	argon2MemoryCost  = 64 * 1024 // KiB, 64 MiB
	argon2TimeCost    = 3
	argon2Parallelism = 1
	saltLen           = 32
	nonceLen          = 12
	envelopeVersion   = 1
)

// aad is the additional authenticated data bound into every AES-GCM
// seal/open: a single version byte, matching the original's AAD.
var aad = []byte{envelopeVersion}

// Type distinguishes the two kinds of secret a connection can need.
type Type int

const (
	TypePassword Type = iota
	TypeKeyPassphrase
)

func (t Type) String() string {
	switch t {
	case TypePassword:
		return "password"
	case TypeKeyPassphrase:
		return "key_passphrase"
	default:
		return "unknown"
	}
}

// Key identifies one stored secret: a connection ID paired with the
// kind of secret. Serializes as "<connection-id>:<kind>" (spec §3).
type Key struct {
	ConnectionID string
	Type         Type
}

func NewKey(connectionID string, t Type) Key { return Key{ConnectionID: connectionID, Type: t} }

func (k Key) String() string { return k.ConnectionID + ":" + k.Type.String() }

func parseMapKey(s string) (Key, bool) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return Key{}, false
	}
	connID, typeStr := s[:idx], s[idx+1:]
	switch typeStr {
	case "password":
		return Key{ConnectionID: connID, Type: TypePassword}, true
	case "key_passphrase":
		return Key{ConnectionID: connID, Type: TypeKeyPassphrase}, true
	default:
		return Key{}, false
	}
}

// Status reports the store's current lock state.
type Status int

const (
	StatusUnavailable Status = iota // no credentials file exists yet
	StatusLocked
	StatusUnlocked
)

type envelope struct {
	Version int      `json:"version"`
	KDF     kdfParams `json:"kdf"`
	Nonce   string   `json:"nonce"`
	Data    string   `json:"data"`
}

type kdfParams struct {
	Algorithm   string `json:"algorithm"`
	Salt        string `json:"salt"`
	MemoryCost  int    `json:"memory_cost"`
	TimeCost    int    `json:"time_cost"`
	Parallelism int    `json:"parallelism"`
}

// Store is a master-password-protected credential store backed by a
// single encrypted file. Zero value is not usable; construct with
// New. Safe for concurrent use.
type Store struct {
	filePath string

	mu          sync.RWMutex
	salt        []byte
	derivedKey  []byte
	credentials map[string]string // nil when locked
}

// New returns a store backed by filePath, starting in the locked (or
// unavailable, if no file exists yet) state.
func New(filePath string) *Store {
	return &Store{filePath: filePath}
}

// HasCredentialsFile reports whether the backing file exists on disk.
func (s *Store) HasCredentialsFile() bool {
	_, err := os.Stat(s.filePath)
	return err == nil
}

// IsUnlocked reports whether the store currently holds a derived key
// in memory.
func (s *Store) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.derivedKey != nil
}

// Status reports the store's current lock state.
func (s *Store) Status() Status {
	if s.IsUnlocked() {
		return StatusUnlocked
	}
	if s.HasCredentialsFile() {
		return StatusLocked
	}
	return StatusUnavailable
}

// Setup creates the initial encrypted credentials file with an empty
// credential map, leaving the store unlocked. Fails if a file already
// exists.
func (s *Store) Setup(password string) error {
	if s.HasCredentialsFile() {
		return fmt.Errorf("credential: file already exists at %s", s.filePath)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("credential: generate salt: %w", err)
	}
	key := deriveKey(password, salt)

	s.mu.Lock()
	s.salt = salt
	s.derivedKey = key
	s.credentials = map[string]string{}
	s.mu.Unlock()

	return s.saveToDisk()
}

// Unlock decrypts the credentials file with password and loads the
// credential map into memory.
func (s *Store) Unlock(password string) error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return fmt.Errorf("credential: read file: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("credential: invalid file format: %w", err)
	}
	if env.Version != envelopeVersion {
		return fmt.Errorf("credential: unsupported envelope version %d", env.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(env.KDF.Salt)
	if err != nil {
		return fmt.Errorf("credential: invalid salt encoding: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return fmt.Errorf("credential: invalid nonce encoding: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return fmt.Errorf("credential: invalid ciphertext encoding: %w", err)
	}

	key := deriveKey(password, salt)
	gcm, err := newGCM(key)
	if err != nil {
		return err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return fmt.Errorf("credential: decryption failed — wrong password or corrupted file")
	}

	var creds map[string]string
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		zero(plaintext)
		return fmt.Errorf("credential: invalid decrypted data: %w", err)
	}
	zero(plaintext)

	s.mu.Lock()
	s.salt = salt
	s.derivedKey = key
	s.credentials = creds
	s.mu.Unlock()
	return nil
}

// Lock zeroizes all secrets and clears the in-memory credential map.
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero(s.derivedKey)
	s.derivedKey = nil
	for k := range s.credentials {
		s.credentials[k] = ""
	}
	s.credentials = nil
	zero(s.salt)
	s.salt = nil
}

// ChangePassword verifies currentPassword, then re-encrypts all
// credentials under a fresh salt derived from newPassword.
func (s *Store) ChangePassword(currentPassword, newPassword string) error {
	s.mu.Lock()
	if s.salt == nil || s.derivedKey == nil {
		s.mu.Unlock()
		return fmt.Errorf("credential: store is locked — cannot change password")
	}
	currentSalt := append([]byte(nil), s.salt...)
	storedKey := append([]byte(nil), s.derivedKey...)
	s.mu.Unlock()

	currentKey := deriveKey(currentPassword, currentSalt)
	if !equalBytes(currentKey, storedKey) {
		return fmt.Errorf("credential: current password is incorrect")
	}

	newSalt := make([]byte, saltLen)
	if _, err := rand.Read(newSalt); err != nil {
		return fmt.Errorf("credential: generate salt: %w", err)
	}
	newKey := deriveKey(newPassword, newSalt)

	s.mu.Lock()
	zero(s.derivedKey)
	s.salt = newSalt
	s.derivedKey = newKey
	s.mu.Unlock()

	return s.saveToDisk()
}

// Get returns the secret for key, or ("", nil) if it isn't set. It
// returns an error only while the store is locked.
func (s *Store) Get(key Key) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.credentials == nil {
		return "", fmt.Errorf("credential: store is locked — unlock before accessing credentials")
	}
	v, ok := s.credentials[key.String()]
	if !ok {
		return "", nil
	}
	return v, nil
}

// Set stores value under key and persists the change.
func (s *Store) Set(key Key, value string) error {
	s.mu.Lock()
	if s.credentials == nil {
		s.mu.Unlock()
		return fmt.Errorf("credential: store is locked — unlock before accessing credentials")
	}
	s.credentials[key.String()] = value
	s.mu.Unlock()
	return s.saveToDisk()
}

// Remove deletes key if present and persists the change.
func (s *Store) Remove(key Key) error {
	s.mu.Lock()
	if s.credentials == nil {
		s.mu.Unlock()
		return fmt.Errorf("credential: store is locked — unlock before accessing credentials")
	}
	_, existed := s.credentials[key.String()]
	delete(s.credentials, key.String())
	s.mu.Unlock()
	if !existed {
		return nil
	}
	return s.saveToDisk()
}

// RemoveAllForConnection deletes both credential kinds for
// connectionID atomically (spec §3).
func (s *Store) RemoveAllForConnection(connectionID string) error {
	s.mu.Lock()
	if s.credentials == nil {
		s.mu.Unlock()
		return fmt.Errorf("credential: store is locked — unlock before accessing credentials")
	}
	prefix := connectionID + ":"
	changed := false
	for k := range s.credentials {
		if strings.HasPrefix(k, prefix) {
			delete(s.credentials, k)
			changed = true
		}
	}
	s.mu.Unlock()
	if !changed {
		return nil
	}
	return s.saveToDisk()
}

// ListKeys returns every stored credential's key.
func (s *Store) ListKeys() ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.credentials == nil {
		return nil, fmt.Errorf("credential: store is locked — unlock before accessing credentials")
	}
	keys := make([]Key, 0, len(s.credentials))
	for mapKey := range s.credentials {
		if k, ok := parseMapKey(mapKey); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *Store) saveToDisk() error {
	s.mu.RLock()
	salt := append([]byte(nil), s.salt...)
	key := append([]byte(nil), s.derivedKey...)
	creds := make(map[string]string, len(s.credentials))
	for k, v := range s.credentials {
		creds[k] = v
	}
	s.mu.RUnlock()

	if salt == nil || key == nil || creds == nil {
		return fmt.Errorf("credential: cannot save — store is locked")
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("credential: serialize credentials: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("credential: generate nonce: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, aad)
	zero(plaintext)

	env := envelope{
		Version: envelopeVersion,
		KDF: kdfParams{
			Algorithm:   "argon2id",
			Salt:        base64.StdEncoding.EncodeToString(salt),
			MemoryCost:  argon2MemoryCost,
			TimeCost:    argon2TimeCost,
			Parallelism: argon2Parallelism,
		},
		Nonce: base64.StdEncoding.EncodeToString(nonce),
		Data:  base64.StdEncoding.EncodeToString(ciphertext),
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("credential: serialize envelope: %w", err)
	}

	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("credential: write temp file: %w", err)
	}
	return os.Rename(tmp, s.filePath)
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argon2TimeCost, argon2MemoryCost, argon2Parallelism, 32)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: create GCM: %w", err)
	}
	return gcm, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
