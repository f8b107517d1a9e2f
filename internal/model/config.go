package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Policy values accepted in the sync section.
const (
	EmptyFolderPurge = "purge"
	EmptyFolderKeep  = "keep"

	DuplicatesKeepLast  = "last"
	DuplicatesKeepFirst = "first"

	StateBackendFile   = "file"
	StateBackendSQLite = "sqlite"
)

// DefaultExcludeFlags are the special-use flags of folders that are never
// archived.
var DefaultExcludeFlags = []string{
	`\Archive`, `\Junk`, `\Trash`, `\Sent`, `\Drafts`,
}

// ServerConfig holds the IMAP server connection settings.
type ServerConfig struct {
	// Host is the IMAP server hostname.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the IMAP server port.
	Port string `mapstructure:"port" yaml:"port"`

	// Username is the login name, usually the email address.
	Username string `mapstructure:"username" yaml:"username"`

	// TLS selects implicit TLS; when false STARTTLS is used.
	TLS bool `mapstructure:"tls" yaml:"tls"`
}

// ArchiveConfig holds the local archive settings.
type ArchiveConfig struct {
	// Root is the directory under which the folder hierarchy is mirrored.
	Root string `mapstructure:"root" yaml:"root"`
}

// StateConfig selects where per-folder sync state is persisted.
type StateConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	DBPath  string `mapstructure:"db_path" yaml:"db_path"`
}

// SyncConfig holds the reconciliation policies.
type SyncConfig struct {
	ExcludeFlags []string `mapstructure:"exclude_flags" yaml:"exclude_flags"`
	EmptyFolder  string   `mapstructure:"empty_folder" yaml:"empty_folder"`
	Duplicates   string   `mapstructure:"duplicates" yaml:"duplicates"`

	// IntervalSec is the watch-mode period; zero runs a single pass.
	IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`
	State   StateConfig   `mapstructure:"state" yaml:"state"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailbackup/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailbackup", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port: "993",
			TLS:  true,
		},
		State: StateConfig{
			Backend: StateBackendFile,
		},
		Sync: SyncConfig{
			ExcludeFlags: append([]string(nil), DefaultExcludeFlags...),
			EmptyFolder:  EmptyFolderPurge,
			Duplicates:   DuplicatesKeepLast,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DotEnvFile is the environment file read from the working directory
// before the configuration is loaded.
const DotEnvFile = ".env"

// LoadDotEnv exports the variables of the .env file at path into the
// process environment. Variables already set are not overridden and a
// missing file is not an error.
func LoadDotEnv(path string) error {
	if err := gotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// newViper builds a viper instance with defaults and environment bindings.
// The environment names of the older shell-driven setup are honored so
// an existing .env deployment (see LoadDotEnv) keeps working.
func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("server.port", "993")
	v.SetDefault("server.tls", true)
	v.SetDefault("state.backend", StateBackendFile)
	v.SetDefault("sync.exclude_flags", DefaultExcludeFlags)
	v.SetDefault("sync.empty_folder", EmptyFolderPurge)
	v.SetDefault("sync.duplicates", DuplicatesKeepLast)
	v.SetDefault("sync.interval_sec", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	_ = v.BindEnv("server.host", "MAILBACKUP_SERVER_HOST", "IMAP_SERVER")
	_ = v.BindEnv("server.port", "MAILBACKUP_SERVER_PORT")
	_ = v.BindEnv("server.username", "MAILBACKUP_SERVER_USERNAME", "EMAIL")
	_ = v.BindEnv("archive.root", "MAILBACKUP_ARCHIVE_ROOT", "LOCAL_MBOX_FOLDER")
	_ = v.BindEnv("state.backend", "MAILBACKUP_STATE_BACKEND")
	_ = v.BindEnv("state.db_path", "MAILBACKUP_STATE_DB_PATH")
	_ = v.BindEnv("log.level", "MAILBACKUP_LOG_LEVEL")

	return v
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, defaults and environment values are used.
func LoadConfig(path string) (*AppConfig, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.State.Backend == StateBackendSQLite && cfg.State.DBPath == "" && cfg.Archive.Root != "" {
		cfg.State.DBPath = filepath.Join(cfg.Archive.Root, "mailbackup.db")
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("server", cfg.Server)
	v.Set("archive", cfg.Archive)
	v.Set("state", cfg.State)
	v.Set("sync", cfg.Sync)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// Validate reports the first configuration problem that would prevent a
// sync run.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Server.Host) == "" {
		return errors.New("server.host is required (or IMAP_SERVER)")
	}
	if strings.TrimSpace(c.Server.Username) == "" {
		return errors.New("server.username is required (or EMAIL)")
	}
	if strings.TrimSpace(c.Archive.Root) == "" {
		return errors.New("archive.root is required (or LOCAL_MBOX_FOLDER)")
	}

	switch c.State.Backend {
	case StateBackendFile:
	case StateBackendSQLite:
		if c.State.DBPath == "" {
			return errors.New("state.db_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown state.backend %q", c.State.Backend)
	}

	switch c.Sync.EmptyFolder {
	case EmptyFolderPurge, EmptyFolderKeep:
	default:
		return fmt.Errorf("unknown sync.empty_folder %q", c.Sync.EmptyFolder)
	}

	switch c.Sync.Duplicates {
	case DuplicatesKeepLast, DuplicatesKeepFirst:
	default:
		return fmt.Errorf("unknown sync.duplicates %q", c.Sync.Duplicates)
	}

	if c.Sync.IntervalSec < 0 {
		return fmt.Errorf("sync.interval_sec must not be negative, got %d", c.Sync.IntervalSec)
	}

	return nil
}
