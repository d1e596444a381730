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

CREATE TABLE IF NOT EXISTS emails (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id   TEXT NOT NULL UNIQUE,
	sender       TEXT NOT NULL DEFAULT '',
	subject      TEXT NOT NULL DEFAULT '',
	date         TEXT NOT NULL DEFAULT '',
	local_path   TEXT NOT NULL DEFAULT '',
	consolidated INTEGER NOT NULL DEFAULT 0 CHECK(consolidated IN (0, 1)),
	archive_id   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS archives (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	counterpart TEXT NOT NULL DEFAULT '',
	path        TEXT NOT NULL,
	manifest    TEXT NOT NULL DEFAULT '[]',
	uploaded    INTEGER NOT NULL DEFAULT 0 CHECK(uploaded IN (0, 1)),
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS identities (
	address     TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	seen_names  TEXT NOT NULL DEFAULT '[]',
	name_source INTEGER NOT NULL DEFAULT 0,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_emails_consolidated ON emails(consolidated);
CREATE INDEX IF NOT EXISTS idx_emails_archive_id ON emails(archive_id);
CREATE INDEX IF NOT EXISTS idx_archives_uploaded ON archives(uploaded);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
