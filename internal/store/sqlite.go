package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailbackup/internal/mailbox"
	"github.com/nhle/mailbackup/internal/model"
)

// SQLiteStore keeps folder state and run history in a local SQLite
// database.
type SQLiteStore struct {
	db *sqlx.DB
}

var (
	_ TokenStore  = (*SQLiteStore)(nil)
	_ RunRecorder = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Every connection to ":memory:" is its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

type folderStateRow struct {
	UIDValidity string    `db:"uid_validity"`
	UIDNext     string    `db:"uid_next"`
	Exists      string    `db:"exists_count"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Load returns the committed state for the folder, keyed by its full name.
func (s *SQLiteStore) Load(
	ctx context.Context, folder mailbox.Descriptor,
) (*model.SyncState, error) {
	var row folderStateRow
	err := s.db.GetContext(ctx, &row, `
		SELECT uid_validity, uid_next, exists_count, updated_at
		FROM folder_state WHERE folder = ?`, folder.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading state for %s: %w", folder.Name, err)
	}

	state := model.SyncState{
		UIDValidity: row.UIDValidity,
		UIDNext:     row.UIDNext,
		Exists:      row.Exists,
	}
	if !state.Complete() {
		return nil, nil
	}
	return &state, nil
}

// Save upserts the folder's state.
func (s *SQLiteStore) Save(
	ctx context.Context, folder mailbox.Descriptor, state model.SyncState,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO folder_state (
			folder, uid_validity, uid_next, exists_count, updated_at
		) VALUES (?, ?, ?, ?, ?)`,
		folder.Name, state.UIDValidity, state.UIDNext, state.Exists,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving state for %s: %w", folder.Name, err)
	}
	return nil
}

// Forget drops the stored state for a folder so the next run reconciles
// it in full.
func (s *SQLiteStore) Forget(ctx context.Context, folder mailbox.Descriptor) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM folder_state WHERE folder = ?", folder.Name)
	if err != nil {
		return fmt.Errorf("forgetting state for %s: %w", folder.Name, err)
	}
	return nil
}

// RecordRun stores a run summary and its per-folder outcomes. A run
// without an ID is assigned a new UUID.
func (s *SQLiteStore) RecordRun(ctx context.Context, run model.RunSummary) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_runs (
			id, started_at, finished_at, folders_total, folders_failed
		) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC(), run.FinishedAt.UTC(),
		len(run.Folders), run.Failed(),
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT OR REPLACE INTO sync_run_folders (
			run_id, folder, status, remote, added, removed, confirmed, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing folder statement: %w", err)
	}
	defer stmt.Close()

	for _, f := range run.Folders {
		_, err := stmt.ExecContext(ctx,
			run.ID, f.Folder, f.Status,
			f.Remote, f.Added, f.Removed, f.Confirmed, f.Error,
		)
		if err != nil {
			return fmt.Errorf("inserting folder %s for run %s: %w", f.Folder, run.ID, err)
		}
	}

	return tx.Commit()
}

type runRow struct {
	ID         string    `db:"id"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
}

type runFolderRow struct {
	Folder    string `db:"folder"`
	Status    string `db:"status"`
	Remote    int    `db:"remote"`
	Added     int    `db:"added"`
	Removed   int    `db:"removed"`
	Confirmed int    `db:"confirmed"`
	Error     string `db:"error"`
}

// RecentRuns returns up to limit runs, newest first, with their folder
// outcomes in name order.
func (s *SQLiteStore) RecentRuns(
	ctx context.Context, limit int,
) ([]model.RunSummary, error) {
	if limit <= 0 {
		limit = 10
	}

	var runs []runRow
	err := s.db.SelectContext(ctx, &runs, `
		SELECT id, started_at, finished_at FROM sync_runs
		ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}

	summaries := make([]model.RunSummary, 0, len(runs))
	for _, r := range runs {
		var folders []runFolderRow
		err := s.db.SelectContext(ctx, &folders, `
			SELECT folder, status, remote, added, removed, confirmed, error
			FROM sync_run_folders WHERE run_id = ? ORDER BY folder`, r.ID)
		if err != nil {
			return nil, fmt.Errorf("querying folders for run %s: %w", r.ID, err)
		}

		summary := model.RunSummary{
			ID:         r.ID,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
			Folders:    make([]model.FolderOutcome, 0, len(folders)),
		}
		for _, f := range folders {
			summary.Folders = append(summary.Folders, model.FolderOutcome{
				Folder:    f.Folder,
				Status:    f.Status,
				Remote:    f.Remote,
				Added:     f.Added,
				Removed:   f.Removed,
				Confirmed: f.Confirmed,
				Error:     f.Error,
			})
		}
		summaries = append(summaries, summary)
	}

	return summaries, nil
}
