package credential

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// keyringService/keyringUser namespace the OS-keychain entry that
// optionally caches the master password so a restart doesn't always
// demand it interactively. This path is opt-in: callers that never
// touch it get identical behavior to a build without go-keyring.
const (
	keyringService = "termihub"
	keyringUser    = "master-password"
)

// UnlockWithKeyring attempts to read a previously-saved master
// password from the OS keychain and unlock the store with it. Returns
// (false, nil) if no entry is saved, distinguishing "keychain empty"
// from "wrong/corrupt password" so callers can fall back to an
// interactive prompt either way.
func (s *Store) UnlockWithKeyring() (bool, error) {
	password, err := keyring.Get(keyringService, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("credential: read keychain entry: %w", err)
	}
	if err := s.Unlock(password); err != nil {
		return false, err
	}
	return true, nil
}

// RememberInKeyring saves password in the OS keychain so a future
// UnlockWithKeyring call can skip the interactive prompt. Callers
// should only do this after a successful Unlock/Setup with the same
// password.
func RememberInKeyring(password string) error {
	if err := keyring.Set(keyringService, keyringUser, password); err != nil {
		return fmt.Errorf("credential: save keychain entry: %w", err)
	}
	return nil
}

// ForgetKeyring removes any saved master password from the OS
// keychain. Not an error if nothing was saved.
func ForgetKeyring() error {
	err := keyring.Delete(keyringService, keyringUser)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("credential: delete keychain entry: %w", err)
	}
	return nil
}
