package model

import "time"

// Name source ranks, ordered by evidentiary strength. An address I
// composed a message to is more likely correctly named than one that
// merely appeared as a sender.
const (
	SourceReceived = 0 // observed in a From header
	SourceSentTo   = 1 // observed as recipient of my own outgoing message
)

// Email is the metadata row for one downloaded message. The raw
// message bytes live on disk at LocalPath; only headers needed for
// grouping and consolidation are kept in the database.
type Email struct {
	// ID is the local row identifier.
	ID int64 `json:"id"`

	// MessageID is the Message-ID header (or a synthesized stand-in
	// when the header is missing). It is the sole deduplication key.
	MessageID string `json:"message_id"`

	// Sender is the raw From header as fetched, MIME words and all.
	Sender string `json:"sender"`

	// Subject is the decoded subject line.
	Subject string `json:"subject"`

	// Date is the raw Date header string. It is not guaranteed to
	// parse; consumers go through mailparse.Date.
	Date string `json:"date"`

	// LocalPath is where the raw RFC 822 bytes are stored.
	LocalPath string `json:"local_path"`

	// Consolidated reports whether this message has been folded into
	// a composite archive.
	Consolidated bool `json:"consolidated"`

	// ArchiveID references the archive that consumed this message.
	// Empty until consolidation.
	ArchiveID string `json:"archive_id"`
}

// Identity is the canonical display name for one address, refined
// across repeated observations.
type Identity struct {
	// Address is the normalized lower-case email address.
	Address string `json:"address"`

	// Name is the current best display name. May be empty when no
	// valid name has ever been observed.
	Name string `json:"name"`

	// SeenNames holds every raw name variant ever observed for this
	// address, in observation order, deduplicated.
	SeenNames []string `json:"seen_names"`

	// NameSource is the rank of the observation that produced Name
	// (Source* constants).
	NameSource int `json:"name_source"`

	UpdatedAt time.Time `json:"updated_at"`
}

// AttachmentInfo summarizes one attachment inside a constituent message.
type AttachmentInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ManifestEntry describes one constituent of a composite archive:
// either an original message or one part of a split oversized message.
type ManifestEntry struct {
	OriginalID int64  `json:"original_id"`
	Subject    string `json:"subject"`
	Date       string `json:"date"`
	DateISO    string `json:"date_iso"`
	MessageID  string `json:"message_id"`
	To         string `json:"to"`
	Cc         string `json:"cc,omitempty"`
	Bcc        string `json:"bcc,omitempty"`
	Filename   string `json:"filename"`

	// IsPart marks entries produced by the oversized-message
	// splitter. PartIndex/PartTotal are 1-based.
	IsPart    bool `json:"is_part"`
	PartIndex int  `json:"part_index,omitempty"`
	PartTotal int  `json:"part_total,omitempty"`

	Attachments []AttachmentInfo `json:"attachments"`
}

// Archive is one synthesized composite message holding a chunk of
// consolidated messages plus their manifest.
type Archive struct {
	// ID is the internal unique identifier for this archive.
	ID string `json:"id"`

	// Title is the human-readable subject encoding year, counterpart,
	// chunk position, item count, attachment totals, and date span.
	Title string `json:"title"`

	// Counterpart is the display form of the correspondent this
	// archive covers ("Name <addr>").
	Counterpart string `json:"counterpart"`

	// Path is where the composite .eml file was written.
	Path string `json:"path"`

	// Manifest lists every constituent in chunk order.
	Manifest []ManifestEntry `json:"manifest"`

	// Uploaded transitions false to true exactly once per successful
	// remote append. It can be administratively reset to force a
	// re-upload; a duplicate copy on the remote side is the only cost.
	Uploaded bool `json:"uploaded"`

	CreatedAt time.Time `json:"created_at"`
}
