// Package setup is the interactive first-run configuration form.
package setup

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/nhle/mailbackup/internal/model"
)

// Answers holds the values collected by the form.
type Answers struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool
	Root     string
	Backend  string
	Watch    bool
}

// AnswersFromConfig pre-fills the form from an existing configuration.
func AnswersFromConfig(cfg *model.AppConfig) Answers {
	return Answers{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Username: cfg.Server.Username,
		TLS:      cfg.Server.TLS,
		Root:     cfg.Archive.Root,
		Backend:  cfg.State.Backend,
		Watch:    cfg.Sync.IntervalSec > 0,
	}
}

// Apply copies the answers into cfg. The password is not part of the
// configuration file.
func (a Answers) Apply(cfg *model.AppConfig) {
	cfg.Server.Host = strings.TrimSpace(a.Host)
	cfg.Server.Port = strings.TrimSpace(a.Port)
	cfg.Server.Username = strings.TrimSpace(a.Username)
	cfg.Server.TLS = a.TLS
	cfg.Archive.Root = strings.TrimSpace(a.Root)
	cfg.State.Backend = a.Backend
	if a.Watch && cfg.Sync.IntervalSec <= 0 {
		cfg.Sync.IntervalSec = 900
	}
	if !a.Watch {
		cfg.Sync.IntervalSec = 0
	}
}

// NewForm builds the setup form bound to a.
func NewForm(a *Answers) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("IMAP Host").
				Description("IMAP server hostname").
				Placeholder("imap.example.com").
				Value(&a.Host).
				Validate(validateRequired("IMAP Host")),
			huh.NewInput().
				Title("IMAP Port").
				Description("IMAP server port (e.g., 993)").
				Placeholder("993").
				Value(&a.Port).
				Validate(validatePort),
			huh.NewConfirm().
				Title("Use TLS").
				Description("Implicit TLS; choose No for STARTTLS").
				Affirmative("Yes").
				Negative("No").
				Value(&a.TLS),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Username").
				Description("Email account username").
				Placeholder("user@example.com").
				Value(&a.Username).
				Validate(validateRequired("Username")),
			huh.NewInput().
				Title("Password").
				Description("Stored in the system keyring, not in the config file").
				EchoMode(huh.EchoModePassword).
				Value(&a.Password).
				Validate(validateRequired("Password")),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Archive directory").
				Description("Folders are mirrored here as mbox files").
				Placeholder("~/Mail/backup").
				Value(&a.Root).
				Validate(validateRequired("Archive directory")),
			huh.NewSelect[string]().
				Title("Sync state").
				Options(
					huh.NewOption("JSON file next to each mbox", model.StateBackendFile),
					huh.NewOption("SQLite database with run history", model.StateBackendSQLite),
				).
				Value(&a.Backend),
			huh.NewConfirm().
				Title("Keep watching").
				Description("Re-sync periodically instead of exiting after one pass").
				Affirmative("Yes").
				Negative("No").
				Value(&a.Watch),
		),
	)
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validatePort(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("port is required")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port must be a number")
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}
