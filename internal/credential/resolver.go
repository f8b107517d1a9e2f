package credential

import (
	"errors"
	"fmt"
	"os"
)

// Origin tells where a password came from.
type Origin string

const (
	OriginEnv     Origin = "env"
	OriginKeyring Origin = "keyring"
	OriginPrompt  Origin = "prompt"
)

// PasswordEnvVars are checked in order before the keyring. PASSWORD is the
// name older deployments used.
var PasswordEnvVars = []string{"MAILBACKUP_PASSWORD", "PASSWORD"}

// ErrNoPassword is returned when no source produced a password.
var ErrNoPassword = errors.New("no password available")

// Resolver looks a password up in the environment, then the keyring, then
// asks interactively. Nil functions skip their source.
type Resolver struct {
	Getenv  func(string) string
	Keyring func(username string) (string, error)
	Prompt  func(username string) (string, error)
}

// DefaultResolver uses the process environment, the system keyring and a
// terminal prompt.
func DefaultResolver() Resolver {
	return Resolver{
		Getenv:  os.Getenv,
		Keyring: Password,
		Prompt:  PromptPassword,
	}
}

// Password returns the first password found and its origin. Keyring
// lookup failures fall through to the prompt.
func (r Resolver) Password(username string) (string, Origin, error) {
	if r.Getenv != nil {
		for _, name := range PasswordEnvVars {
			if v := r.Getenv(name); v != "" {
				return v, OriginEnv, nil
			}
		}
	}

	if r.Keyring != nil {
		if v, err := r.Keyring(username); err == nil && v != "" {
			return v, OriginKeyring, nil
		}
	}

	if r.Prompt != nil {
		v, err := r.Prompt(username)
		if err != nil {
			return "", "", fmt.Errorf("prompting for password: %w", err)
		}
		if v != "" {
			return v, OriginPrompt, nil
		}
	}

	return "", "", fmt.Errorf("%w for %s", ErrNoPassword, username)
}
