package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/lqian/mailpress/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
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

	// Check if schema_version table exists.
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

// InsertEmail stores metadata for a newly downloaded message and
// returns its row ID.
func (s *SQLiteStore) InsertEmail(ctx context.Context, e model.Email) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO emails (message_id, sender, subject, date, local_path)
		VALUES (?, ?, ?, ?, ?)`,
		e.MessageID, e.Sender, e.Subject, e.Date, e.LocalPath,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting email %s: %w", e.MessageID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted email id: %w", err)
	}
	return id, nil
}

// EmailExists reports whether a message with the given Message-ID has
// already been stored.
func (s *SQLiteStore) EmailExists(ctx context.Context, messageID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM emails WHERE message_id = ?", messageID,
	)
	if err != nil {
		return false, fmt.Errorf("checking email %s: %w", messageID, err)
	}
	return count > 0, nil
}

// UnconsolidatedEmails returns every email not yet folded into an
// archive, in insertion order.
func (s *SQLiteStore) UnconsolidatedEmails(ctx context.Context) ([]model.Email, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM emails WHERE consolidated = 0 ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("querying unconsolidated emails: %w", err)
	}
	defer rows.Close()

	var emails []model.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}

	return emails, rows.Err()
}

// LatestEmailDate returns the raw date header of the most recently
// stored email. Recency follows insertion order (row id), not header
// dates, which are free-form text.
func (s *SQLiteStore) LatestEmailDate(ctx context.Context) (string, error) {
	var date string
	err := s.db.GetContext(ctx, &date,
		"SELECT date FROM emails ORDER BY id DESC LIMIT 1",
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying latest email date: %w", err)
	}
	return date, nil
}

// EmailMetas returns id/date/path for every stored email.
func (s *SQLiteStore) EmailMetas(ctx context.Context) ([]EmailMeta, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT id, date, local_path FROM emails ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("querying email metadata: %w", err)
	}
	defer rows.Close()

	var metas []EmailMeta
	for rows.Next() {
		var m EmailMeta
		if err := rows.Scan(&m.ID, &m.Date, &m.LocalPath); err != nil {
			return nil, fmt.Errorf("scanning email metadata row: %w", err)
		}
		metas = append(metas, m)
	}

	return metas, rows.Err()
}

// SaveArchive persists an archive and marks its constituent emails
// consolidated in a single transaction.
func (s *SQLiteStore) SaveArchive(ctx context.Context, a model.Archive, emailIDs []int64) error {
	manifest, err := json.Marshal(a.Manifest)
	if err != nil {
		return fmt.Errorf("marshaling manifest for archive %s: %w", a.ID, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO archives (id, title, counterpart, path, manifest, uploaded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Title, a.Counterpart, a.Path, string(manifest),
		boolToInt(a.Uploaded), createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting archive %s: %w", a.ID, err)
	}

	stmt, err := tx.PreparexContext(ctx,
		"UPDATE emails SET consolidated = 1, archive_id = ? WHERE id = ?",
	)
	if err != nil {
		return fmt.Errorf("preparing consolidation update: %w", err)
	}
	defer stmt.Close()

	for _, id := range emailIDs {
		if _, err := stmt.ExecContext(ctx, a.ID, id); err != nil {
			return fmt.Errorf("marking email %d consolidated: %w", id, err)
		}
	}

	return tx.Commit()
}

// PendingArchives returns archives not yet uploaded, oldest first.
func (s *SQLiteStore) PendingArchives(ctx context.Context) ([]model.Archive, error) {
	return s.queryArchives(ctx,
		"SELECT * FROM archives WHERE uploaded = 0 ORDER BY created_at, id",
	)
}

// Archives returns all archives, oldest first.
func (s *SQLiteStore) Archives(ctx context.Context) ([]model.Archive, error) {
	return s.queryArchives(ctx, "SELECT * FROM archives ORDER BY created_at, id")
}

func (s *SQLiteStore) queryArchives(ctx context.Context, query string) ([]model.Archive, error) {
	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying archives: %w", err)
	}
	defer rows.Close()

	var archives []model.Archive
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, err
		}
		archives = append(archives, a)
	}

	return archives, rows.Err()
}

// MarkUploaded flips the uploaded flag for one archive.
func (s *SQLiteStore) MarkUploaded(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE archives SET uploaded = 1 WHERE id = ?", id,
	)
	if err != nil {
		return fmt.Errorf("marking archive %s uploaded: %w", id, err)
	}
	return nil
}

// ResetUploads clears the uploaded flag on every archive.
func (s *SQLiteStore) ResetUploads(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "UPDATE archives SET uploaded = 0")
	if err != nil {
		return fmt.Errorf("resetting upload flags: %w", err)
	}
	return nil
}

// ClearConsolidation deletes all archive rows and unmarks every email.
func (s *SQLiteStore) ClearConsolidation(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM archives"); err != nil {
		return fmt.Errorf("deleting archives: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE emails SET consolidated = 0, archive_id = ''",
	); err != nil {
		return fmt.Errorf("resetting email consolidation: %w", err)
	}

	return tx.Commit()
}

// GetIdentity returns the identity record for an address, or nil when
// the address has never been observed.
func (s *SQLiteStore) GetIdentity(ctx context.Context, address string) (*model.Identity, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM identities WHERE address = ?", address,
	)

	var (
		ident     model.Identity
		seenNames string
	)
	err := row.Scan(
		&ident.Address, &ident.Name, &seenNames,
		&ident.NameSource, &ident.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting identity %s: %w", address, err)
	}

	if seenNames != "" {
		if err := json.Unmarshal([]byte(seenNames), &ident.SeenNames); err != nil {
			return nil, fmt.Errorf("unmarshaling seen_names for %s: %w", address, err)
		}
	}

	return &ident, nil
}

// PutIdentity inserts or replaces an identity record.
func (s *SQLiteStore) PutIdentity(ctx context.Context, ident model.Identity) error {
	seenNames, err := json.Marshal(ident.SeenNames)
	if err != nil {
		return fmt.Errorf("marshaling seen_names for %s: %w", ident.Address, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identities (address, name, seen_names, name_source, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name = excluded.name,
			seen_names = excluded.seen_names,
			name_source = excluded.name_source,
			updated_at = excluded.updated_at`,
		ident.Address, ident.Name, string(seenNames),
		ident.NameSource, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting identity %s: %w", ident.Address, err)
	}

	return nil
}

// scanEmail scans an email row from a sqlx.Rows result set.
func scanEmail(rows *sqlx.Rows) (model.Email, error) {
	var (
		e            model.Email
		consolidated int
	)

	err := rows.Scan(
		&e.ID, &e.MessageID, &e.Sender, &e.Subject, &e.Date,
		&e.LocalPath, &consolidated, &e.ArchiveID,
	)
	if err != nil {
		return model.Email{}, fmt.Errorf("scanning email row: %w", err)
	}

	e.Consolidated = consolidated != 0
	return e, nil
}

// scanArchive scans an archive row from a sqlx.Rows result set.
func scanArchive(rows *sqlx.Rows) (model.Archive, error) {
	var (
		a         model.Archive
		manifest  string
		uploaded  int
		createdAt time.Time
	)

	err := rows.Scan(
		&a.ID, &a.Title, &a.Counterpart, &a.Path,
		&manifest, &uploaded, &createdAt,
	)
	if err != nil {
		return model.Archive{}, fmt.Errorf("scanning archive row: %w", err)
	}

	a.Uploaded = uploaded != 0
	a.CreatedAt = createdAt

	if manifest != "" {
		if err := json.Unmarshal([]byte(manifest), &a.Manifest); err != nil {
			return model.Archive{}, fmt.Errorf("unmarshaling archive manifest: %w", err)
		}
	}

	return a, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
