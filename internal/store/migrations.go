package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folder_state (
	folder       TEXT PRIMARY KEY,
	uid_validity TEXT NOT NULL,
	uid_next     TEXT NOT NULL,
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE folder_state ADD COLUMN exists_count TEXT NOT NULL DEFAULT '';

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS sync_runs (
	id             TEXT PRIMARY KEY,
	started_at     DATETIME NOT NULL,
	finished_at    DATETIME NOT NULL,
	folders_total  INTEGER NOT NULL DEFAULT 0,
	folders_failed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_run_folders (
	run_id    TEXT NOT NULL REFERENCES sync_runs(id) ON DELETE CASCADE,
	folder    TEXT NOT NULL,
	status    TEXT NOT NULL,
	remote    INTEGER NOT NULL DEFAULT 0,
	added     INTEGER NOT NULL DEFAULT 0,
	removed   INTEGER NOT NULL DEFAULT 0,
	confirmed INTEGER NOT NULL DEFAULT 0,
	error     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, folder)
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
