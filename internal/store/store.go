package store

import (
	"context"

	"github.com/lqian/mailpress/internal/model"
)

// EmailMeta is a lightweight projection of an email row used by
// reporting code that does not need the full record.
type EmailMeta struct {
	ID        int64
	Date      string
	LocalPath string
}

// Store defines the persistence interface for downloaded messages,
// composite archives, and identity records.
type Store interface {
	// === Emails ===

	// InsertEmail stores metadata for a newly downloaded message.
	// A message_id collision returns an error; callers are expected
	// to check EmailExists first.
	InsertEmail(ctx context.Context, e model.Email) (int64, error)

	// EmailExists reports whether a message with the given Message-ID
	// has already been stored.
	EmailExists(ctx context.Context, messageID string) (bool, error)

	// UnconsolidatedEmails returns every email not yet folded into an
	// archive, in insertion order.
	UnconsolidatedEmails(ctx context.Context) ([]model.Email, error)

	// LatestEmailDate returns the raw date header of the most recently
	// stored email, or "" if the store is empty. Insertion order is
	// used as the recency heuristic; header dates are not assumed to
	// be sortable.
	LatestEmailDate(ctx context.Context) (string, error)

	// EmailMetas returns id/date/path for every stored email.
	EmailMetas(ctx context.Context) ([]EmailMeta, error)

	// === Archives ===

	// SaveArchive persists an archive and marks its constituent
	// emails consolidated in a single transaction, so an interrupted
	// run can never leave an archive row without its back-links.
	SaveArchive(ctx context.Context, a model.Archive, emailIDs []int64) error

	// PendingArchives returns archives not yet uploaded, oldest first.
	PendingArchives(ctx context.Context) ([]model.Archive, error)

	// Archives returns all archives, oldest first.
	Archives(ctx context.Context) ([]model.Archive, error)

	// MarkUploaded flips the uploaded flag for one archive.
	MarkUploaded(ctx context.Context, id string) error

	// ResetUploads clears the uploaded flag on every archive, forcing
	// the next upload batch to re-append everything.
	ResetUploads(ctx context.Context) error

	// ClearConsolidation deletes all archive rows and unmarks every
	// email, so a later run re-consolidates from scratch.
	ClearConsolidation(ctx context.Context) error

	// === Identities ===

	// GetIdentity returns the identity record for an address, or nil
	// when the address has never been observed.
	GetIdentity(ctx context.Context, address string) (*model.Identity, error)

	// PutIdentity inserts or replaces an identity record.
	PutIdentity(ctx context.Context, ident model.Identity) error

	Close() error
}
