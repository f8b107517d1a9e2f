package credential

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
)

// PromptPassword asks for the IMAP password on the terminal with input
// masked.
func PromptPassword(username string) (string, error) {
	var password string
	err := huh.NewInput().
		Title("IMAP password").
		Description(fmt.Sprintf("Password or app password for %s", username)).
		EchoMode(huh.EchoModePassword).
		Value(&password).
		Validate(func(s string) error {
			if s == "" {
				return errors.New("password is required")
			}
			return nil
		}).
		Run()
	if err != nil {
		return "", err
	}
	return password, nil
}
