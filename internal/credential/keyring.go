package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailbackup"

// Vault stores IMAP account passwords, one entry per username.
type Vault struct {
	ring keyring.Keyring
}

// NewVault wraps an opened keyring.
func NewVault(ring keyring.Keyring) *Vault {
	return &Vault{ring: ring}
}

// OpenVault opens the system keyring, falling back to an encrypted file
// under ~/.config/mailbackup/credentials.
func OpenVault() (*Vault, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailbackup/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailbackup-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewVault(ring), nil
}

func passwordKey(username string) string {
	return "imap-" + username
}

// Password returns the stored password of username. ErrNoPassword is
// returned when there is none.
func (v *Vault) Password(username string) (string, error) {
	item, err := v.ring.Get(passwordKey(username))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w in keyring for %s", ErrNoPassword, username)
	}
	if err != nil {
		return "", fmt.Errorf("reading password for %s: %w", username, err)
	}
	return string(item.Data), nil
}

// SavePassword stores the password of username, replacing any previous one.
func (v *Vault) SavePassword(username, password string) error {
	err := v.ring.Set(keyring.Item{
		Key:   passwordKey(username),
		Data:  []byte(password),
		Label: fmt.Sprintf("IMAP password for %s", username),
	})
	if err != nil {
		return fmt.Errorf("saving password for %s: %w", username, err)
	}
	return nil
}

// ForgetPassword removes the stored password of username.
func (v *Vault) ForgetPassword(username string) error {
	err := v.ring.Remove(passwordKey(username))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("%w in keyring for %s", ErrNoPassword, username)
	}
	if err != nil {
		return fmt.Errorf("removing password for %s: %w", username, err)
	}
	return nil
}

// Password reads username's password from the system keyring.
func Password(username string) (string, error) {
	v, err := OpenVault()
	if err != nil {
		return "", err
	}
	return v.Password(username)
}

// SavePassword stores username's password in the system keyring.
func SavePassword(username, password string) error {
	v, err := OpenVault()
	if err != nil {
		return err
	}
	return v.SavePassword(username, password)
}

// ForgetPassword removes username's password from the system keyring.
func ForgetPassword(username string) error {
	v, err := OpenVault()
	if err != nil {
		return err
	}
	return v.ForgetPassword(username)
}
