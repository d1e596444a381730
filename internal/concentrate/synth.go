package concentrate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lqian/mailpress/internal/mailparse"
	"github.com/lqian/mailpress/internal/model"
)

// synthesize composes one chunk into a composite message on disk and
// records the archive, marking the consumed records in the same
// transaction. Records split across chunks are only marked once their
// final part has been archived.
func (c *Concentrator) synthesize(ctx context.Context, year int, bucket Bucket, chunk []Item, seq, total int) error {
	manifest := c.buildManifest(chunk)
	title := c.title(year, bucket, chunk, manifest, seq, total)

	dir := filepath.Join(c.cfg.ArchiveDir(), strconv.Itoa(year))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}
	path := filepath.Join(dir, mailparse.SafeFilename(title)+".eml")

	if err := c.writeComposite(path, title, chunk, manifest); err != nil {
		return err
	}

	archive := model.Archive{
		ID:          uuid.NewString(),
		Title:       title,
		Counterpart: bucket.PartyDisplay(),
		Path:        path,
		Manifest:    manifest,
		CreatedAt:   c.now(),
	}

	if err := c.store.SaveArchive(ctx, archive, completedIDs(chunk)); err != nil {
		return fmt.Errorf("saving archive: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"title": title,
		"count": len(chunk),
		"path":  path,
	}).Info("archive written")
	return nil
}

// buildManifest constructs the manifest entries for one chunk in pack
// order. Whole messages get their recipient headers and attachment
// inventory read from the stored raw bytes; split parts only describe
// the part file itself.
func (c *Concentrator) buildManifest(chunk []Item) []model.ManifestEntry {
	entries := make([]model.ManifestEntry, 0, len(chunk))

	for i, it := range chunk {
		entry := model.ManifestEntry{
			OriginalID: it.Email.ID,
			Subject:    it.Email.Subject,
			Date:       it.Email.Date,
			MessageID:  it.Email.MessageID,
			Filename:   c.constituentName(it, i),
		}
		if t, err := mailparse.Date(it.Email.Date); err == nil {
			entry.DateISO = t.Format(time.RFC3339)
		}

		if it.IsPart() {
			entry.Subject = fmt.Sprintf("[Part %d/%d] %s", it.PartIndex, it.PartTotal, it.Email.Subject)
			entry.To = "Unknown"
			entry.IsPart = true
			entry.PartIndex = it.PartIndex
			entry.PartTotal = it.PartTotal
			entry.Attachments = []model.AttachmentInfo{
				{Name: filepath.Base(it.Path), Size: it.Size},
			}
			entries = append(entries, entry)
			continue
		}

		if info := c.readInfo(it); info != nil {
			entry.To = info.To
			entry.Cc = info.Cc
			entry.Bcc = info.Bcc
			entry.Attachments = info.Attachments
		}
		entries = append(entries, entry)
	}
	return entries
}

// readInfo parses the stored raw message. Failure is tolerated; the
// manifest entry just carries less detail.
func (c *Concentrator) readInfo(it Item) *mailparse.MessageInfo {
	f, err := os.Open(it.Path)
	if err != nil {
		return nil
	}
	defer f.Close()

	info, err := mailparse.ReadMessageInfo(f)
	if err != nil {
		c.log.WithError(err).WithField("id", it.Email.ID).
			Debug("could not read stored message for manifest")
		return nil
	}
	return info
}

// constituentName names one item inside the composite. Index prefixes
// keep names unique even when subjects collide.
func (c *Concentrator) constituentName(it Item, idx int) string {
	if it.IsPart() {
		return filepath.Base(it.Path)
	}
	subject := it.Email.Subject
	if subject == "" {
		subject = "no_subject"
	}
	return fmt.Sprintf("%03d_%s.eml", idx+1, mailparse.SafeFilename(subject))
}

// title renders the archive subject line:
//
//	2021_[Alice <alice@example.com>]_1/2_14-Emails_3-Files-1.2M_20210105_20210601
func (c *Concentrator) title(year int, bucket Bucket, chunk []Item, manifest []model.ManifestEntry, seq, total int) string {
	var rawSize int64
	for _, it := range chunk {
		rawSize += it.Size
	}

	attCount := 0
	for _, e := range manifest {
		attCount += len(e.Attachments)
	}

	first, last := dateSpan(chunk, c.now())

	return fmt.Sprintf("%d_[%s]_%d/%d_%d-Emails_%d-Files-%s_%s_%s",
		year,
		bucket.PartyDisplay(),
		seq, total,
		len(chunk),
		attCount,
		formatSize(rawSize),
		first.Format("20060102"),
		last.Format("20060102"),
	)
}

// dateSpan finds the earliest and latest parseable record dates in the
// chunk. When nothing parses, both ends collapse to the fallback.
func dateSpan(chunk []Item, fallback time.Time) (first, last time.Time) {
	for _, it := range chunk {
		t, err := mailparse.Date(it.Email.Date)
		if err != nil {
			continue
		}
		if first.IsZero() || t.Before(first) {
			first = t
		}
		if last.IsZero() || t.After(last) {
			last = t
		}
	}
	if first.IsZero() {
		return fallback, fallback
	}
	return first, last
}

// formatSize renders a byte count compactly for titles.
func formatSize(n int64) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1fM", float64(n)/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("%.1fK", float64(n)/1024)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// writeComposite assembles the composite RFC 822 message: a text/plain
// index of the contents followed by every constituent as an attachment.
func (c *Concentrator) writeComposite(path, title string, chunk []Item, manifest []model.ManifestEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating composite: %w", err)
	}
	defer f.Close()

	var h mail.Header
	h.SetDate(c.now())
	h.SetSubject(title)
	h.SetAddressList("From", []*mail.Address{parseConfiguredAddress(c.cfg.Archive.Sender)})
	if c.cfg.Archive.Recipient != "" {
		h.SetAddressList("To", []*mail.Address{parseConfiguredAddress(c.cfg.Archive.Recipient)})
	}

	mw, err := mail.CreateWriter(f, h)
	if err != nil {
		return fmt.Errorf("creating composite writer: %w", err)
	}

	var ih mail.InlineHeader
	ih.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	body, err := mw.CreateSingleInline(ih)
	if err != nil {
		mw.Close()
		return fmt.Errorf("creating composite body: %w", err)
	}
	if _, err := io.WriteString(body, summaryText(title, manifest)); err != nil {
		body.Close()
		mw.Close()
		return fmt.Errorf("writing composite body: %w", err)
	}
	body.Close()

	for i, it := range chunk {
		if err := attachItem(mw, it, manifest[i].Filename); err != nil {
			mw.Close()
			return err
		}
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalizing composite: %w", err)
	}
	return nil
}

// attachItem streams one constituent file into the composite as an
// attachment.
func attachItem(mw *mail.Writer, it Item, filename string) error {
	src, err := os.Open(it.Path)
	if err != nil {
		return fmt.Errorf("opening constituent %s: %w", it.Path, err)
	}
	defer src.Close()

	var ah mail.AttachmentHeader
	ah.SetFilename(filename)
	if it.IsPart() {
		ah.SetContentType("application/zip", nil)
	} else {
		ah.SetContentType("message/rfc822", nil)
	}

	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("creating attachment %s: %w", filename, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return fmt.Errorf("writing attachment %s: %w", filename, err)
	}
	return w.Close()
}

// summaryText renders the human-readable index placed at the top of
// every composite: subject, date, recipients, file name, and the
// attachment inventory of every constituent.
func summaryText(title string, manifest []model.ManifestEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", title)
	fmt.Fprintf(&b, "Contents (%d):\n", len(manifest))
	for i, e := range manifest {
		date := e.DateISO
		if date == "" {
			date = e.Date
		}
		fmt.Fprintf(&b, "%3d. %s\n", i+1, e.Subject)
		fmt.Fprintf(&b, "     Date: %s\n", date)
		if e.To != "" {
			fmt.Fprintf(&b, "     To: %s\n", e.To)
		}
		if e.Cc != "" {
			fmt.Fprintf(&b, "     Cc: %s\n", e.Cc)
		}
		fmt.Fprintf(&b, "     File: %s\n", e.Filename)
		for _, a := range e.Attachments {
			fmt.Fprintf(&b, "     Attachment: %s (%s)\n", a.Name, formatSize(a.Size))
		}
	}
	return b.String()
}

// completedIDs lists the records fully contained in this chunk: every
// whole message, plus split messages whose final part is present.
func completedIDs(chunk []Item) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, it := range chunk {
		if it.IsPart() && it.PartIndex != it.PartTotal {
			continue
		}
		if seen[it.Email.ID] {
			continue
		}
		seen[it.Email.ID] = true
		ids = append(ids, it.Email.ID)
	}
	return ids
}

// parseConfiguredAddress turns a configured "Name <addr>" string into a
// mail address, tolerating bare addresses.
func parseConfiguredAddress(s string) *mail.Address {
	name, addr := mailparse.Address(s)
	if addr == "" {
		addr = s
	}
	return &mail.Address{Name: name, Address: addr}
}
