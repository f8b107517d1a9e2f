package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nhle/mailbackup/internal/mailbox"
	"github.com/nhle/mailbackup/internal/model"
	"github.com/nhle/mailbackup/internal/store"
	appsync "github.com/nhle/mailbackup/internal/sync"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-config", "/tmp/c.yaml", "-interval", "5m", "-tui", "-history", "3", "-reset-state", "Lists/go"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.configPath != "/tmp/c.yaml" || opts.interval != 5*time.Minute || !opts.tui || opts.history != 3 || opts.resetState != "Lists/go" {
		t.Fatalf("unexpected options: %+v", opts)
	}

	if _, err := parseFlags([]string{"extra"}, io.Discard); err == nil {
		t.Fatal("expected an error for positional arguments")
	}
	if _, err := parseFlags([]string{"-nope"}, io.Discard); err == nil {
		t.Fatal("expected an error for an unknown flag")
	}
}

func TestRunReportsInvalidConfig(t *testing.T) {
	for _, name := range []string{
		"MAILBACKUP_SERVER_HOST", "IMAP_SERVER", "MAILBACKUP_SERVER_USERNAME",
		"EMAIL", "MAILBACKUP_ARCHIVE_ROOT", "LOCAL_MBOX_FOLDER",
	} {
		t.Setenv(name, "")
	}
	path := filepath.Join(t.TempDir(), "config.yaml")

	var stderr bytes.Buffer
	if code := run([]string{"-config", path, "-once"}, io.Discard, &stderr); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "server.host is required") {
		t.Fatalf("stderr = %q", stderr.String())
	}

	if code := run([]string{"-h"}, io.Discard, io.Discard); code != 0 {
		t.Fatalf("-h exit code = %d, want 0", code)
	}
}

func TestResolveInterval(t *testing.T) {
	cfg := model.SyncConfig{IntervalSec: 60}

	tests := []struct {
		name string
		opts options
		want time.Duration
	}{
		{"config", options{}, time.Minute},
		{"flag overrides config", options{interval: 10 * time.Second}, 10 * time.Second},
		{"once wins", options{once: true, interval: time.Hour}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveInterval(tt.opts, cfg); got != tt.want {
				t.Fatalf("resolveInterval = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	ok := model.RunSummary{Folders: []model.FolderOutcome{{Status: model.FolderSynced}}}
	failed := model.RunSummary{Folders: []model.FolderOutcome{{Status: model.FolderFailed}}}

	if exitCode(ok, nil) != 0 {
		t.Fatal("clean run should exit 0")
	}
	if exitCode(failed, nil) != 1 {
		t.Fatal("a failed folder should exit 1")
	}
	if exitCode(ok, errors.New("disk full")) != 1 {
		t.Fatal("an aborted run should exit 1")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(model.LogConfig{Level: "info", Format: "json"}, &buf).Info("hello", "folder", "INBOX")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"folder":"INBOX"`) {
		t.Fatalf("expected JSON output, got %q", buf.String())
	}

	buf.Reset()
	newLogger(model.LogConfig{Level: "warn"}, &buf).Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/Mail"); got != filepath.Join(home, "Mail") {
		t.Fatalf("expandHome = %q", got)
	}
	if got := expandHome("/srv/mail"); got != "/srv/mail" {
		t.Fatalf("absolute paths must be unchanged, got %q", got)
	}
	if got := expandHome("~other/Mail"); got != "~other/Mail" {
		t.Fatalf("other users' homes are not expanded, got %q", got)
	}
}

func TestWritePlans(t *testing.T) {
	inbox, _ := mailbox.ParseListLine(`(\HasNoChildren) "/" "INBOX"`)
	inbox = inbox.ResolvePaths("/archive")
	trash, _ := mailbox.ParseListLine(`(\Trash) "/" "Trash"`)
	_, parseErr := mailbox.ParseListLine("garbage")

	var buf bytes.Buffer
	writePlans(&buf, []appsync.FolderPlan{
		{Descriptor: inbox},
		{Descriptor: trash, Excluded: `\Trash`},
		{Line: "garbage", Err: parseErr},
	})

	out := buf.String()
	for _, want := range []string{"FOLDER", inbox.ArchivePath, `skip (\Trash)`, "garbage"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestOpenStateStore(t *testing.T) {
	cfg := &model.AppConfig{State: model.StateConfig{Backend: model.StateBackendFile}}
	tokens, closeFn, err := openStateStore(cfg)
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	closeFn()
	if _, ok := tokens.(store.FileStore); !ok {
		t.Fatalf("expected FileStore, got %T", tokens)
	}

	cfg.State = model.StateConfig{
		Backend: model.StateBackendSQLite,
		DBPath:  filepath.Join(t.TempDir(), "state", "mailbackup.db"),
	}
	tokens, closeFn, err = openStateStore(cfg)
	if err != nil {
		t.Fatalf("sqlite backend: %v", err)
	}
	defer closeFn()
	if _, ok := tokens.(*store.SQLiteStore); !ok {
		t.Fatalf("expected *SQLiteStore, got %T", tokens)
	}
}

func TestPrintHistory(t *testing.T) {
	ctx := context.Background()
	var stderr bytes.Buffer
	if code := printHistory(ctx, store.NewFileStore(), 5, io.Discard, &stderr); code != 1 {
		t.Fatalf("file backend should be rejected, code = %d", code)
	}

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err = s.RecordRun(ctx, model.RunSummary{
		ID:         "run-1",
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
		Folders: []model.FolderOutcome{
			{Folder: "INBOX", Status: model.FolderSynced, Added: 2, Removed: 1},
			{Folder: "Lists", Status: model.FolderFailed, Error: "SELECT failed"},
		},
	})
	if err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	var stdout bytes.Buffer
	if code := printHistory(ctx, s, 5, &stdout, io.Discard); code != 0 {
		t.Fatalf("printHistory code = %d", code)
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one run, got:\n%s", stdout.String())
	}
	if fields := strings.Fields(lines[1]); len(fields) < 7 || fields[2] != "run-1" || fields[3] != "2" || fields[4] != "1" || fields[5] != "2" || fields[6] != "1" {
		t.Fatalf("unexpected history row %q", lines[1])
	}
}
