package concentrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lqian/mailpress/internal/identity"
	"github.com/lqian/mailpress/internal/model"
	"github.com/lqian/mailpress/tests/testutil"
)

func TestPackItemsSplitsAtCeiling(t *testing.T) {
	mb := int64(1024 * 1024)
	items := []Item{
		{Path: "a", Size: 10 * mb},
		{Path: "b", Size: 10 * mb},
		{Path: "c", Size: 45 * mb},
	}

	chunks := packItems(items, MaxChunkBytes, InflationFactor)

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 2 || chunks[0][0].Path != "a" || chunks[0][1].Path != "b" {
		t.Errorf("first chunk = %v, want [a b]", chunkPaths(chunks[0]))
	}
	if len(chunks[1]) != 1 || chunks[1][0].Path != "c" {
		t.Errorf("second chunk = %v, want [c]", chunkPaths(chunks[1]))
	}
}

func TestPackItemsOversizedSingleton(t *testing.T) {
	items := []Item{{Path: "huge", Size: 200 * 1024 * 1024}}

	chunks := packItems(items, MaxChunkBytes, InflationFactor)

	if len(chunks) != 1 || len(chunks[0]) != 1 {
		t.Fatalf("oversized item should land in its own chunk, got %d chunks", len(chunks))
	}
}

func TestPackItemsEmpty(t *testing.T) {
	if chunks := packItems(nil, MaxChunkBytes, InflationFactor); len(chunks) != 0 {
		t.Errorf("expected no chunks, got %d", len(chunks))
	}
}

func chunkPaths(chunk []Item) []string {
	paths := make([]string, len(chunk))
	for i, it := range chunk {
		paths[i] = it.Path
	}
	return paths
}

func TestDateSpan(t *testing.T) {
	fallback := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	chunk := []Item{
		{Email: model.Email{Date: "Tue, 01 Jun 2021 10:00:00 +0000"}},
		{Email: model.Email{Date: "not a date"}},
		{Email: model.Email{Date: "Tue, 05 Jan 2021 10:00:00 +0000"}},
	}

	first, last := dateSpan(chunk, fallback)
	if got := first.Format("20060102"); got != "20210105" {
		t.Errorf("first = %s, want 20210105", got)
	}
	if got := last.Format("20060102"); got != "20210601" {
		t.Errorf("last = %s, want 20210601", got)
	}

	first, last = dateSpan([]Item{{Email: model.Email{Date: "garbage"}}}, fallback)
	if !first.Equal(fallback) || !last.Equal(fallback) {
		t.Errorf("unparseable chunk should collapse to fallback, got %v..%v", first, last)
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{512, "512B"},
		{2048, "2.0K"},
		{3 * 1024 * 1024, "3.0M"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.n); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestCompletedIDs(t *testing.T) {
	chunk := []Item{
		{Email: model.Email{ID: 1}},
		{Email: model.Email{ID: 2}, PartIndex: 1, PartTotal: 3},
		{Email: model.Email{ID: 2}, PartIndex: 2, PartTotal: 3},
		{Email: model.Email{ID: 3}},
	}

	ids := completedIDs(chunk)
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("completedIDs = %v, want [1 3]; unfinished splits must stay unmarked", ids)
	}

	tail := []Item{{Email: model.Email{ID: 2}, PartIndex: 3, PartTotal: 3}}
	if ids := completedIDs(tail); len(ids) != 1 || ids[0] != 2 {
		t.Errorf("final part should complete the record, got %v", ids)
	}
}

func TestBucketPartyDisplay(t *testing.T) {
	b := Bucket{Key: "alice@example.com", Display: "Alice"}
	if got := b.PartyDisplay(); got != "Alice <alice@example.com>" {
		t.Errorf("PartyDisplay = %q", got)
	}

	b = Bucket{Key: BucketMisc, Display: "Miscellaneous Singles"}
	if got := b.PartyDisplay(); got != "Miscellaneous Singles" {
		t.Errorf("reserved bucket should render display only, got %q", got)
	}
}

// newTestConcentrator wires a Concentrator over an in-memory store and
// a temp data directory, with a fixed clock.
func newTestConcentrator(t *testing.T) (*Concentrator, *model.AppConfig) {
	t.Helper()

	s := testutil.NewTestStore(t)
	cfg := &model.AppConfig{DataDir: t.TempDir()}
	cfg.IMAP.Username = "me@example.com"
	cfg.Archive.Sender = "Archiver <archiver@local>"

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)

	resolver := identity.NewResolver(s, nil, log)
	c := New(s, resolver, nil, cfg, log)
	c.now = func() time.Time {
		return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	}
	return c, cfg
}

// seedEmail writes a small raw message to disk and inserts its row.
func seedEmail(t *testing.T, c *Concentrator, cfg *model.AppConfig, n int, from, subject, date string) {
	t.Helper()

	raw := strings.Join([]string{
		"From: " + from,
		"To: Me <me@example.com>",
		"Subject: " + subject,
		"Date: " + date,
		"Content-Type: text/plain; charset=utf-8",
		"",
		"hello",
		"",
	}, "\r\n")

	path := filepath.Join(cfg.RawDir(), fmt.Sprintf("msg%d.eml", n))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := c.store.InsertEmail(context.Background(), model.Email{
		MessageID: fmt.Sprintf("<msg%d@example.com>", n),
		Sender:    from,
		Subject:   subject,
		Date:      date,
		LocalPath: path,
	})
	if err != nil {
		t.Fatal(err)
	}
}

// seedEmailWithAttachment writes a multipart raw message carrying one
// attachment and inserts its row.
func seedEmailWithAttachment(t *testing.T, c *Concentrator, cfg *model.AppConfig, n int, from, subject, date string) {
	t.Helper()

	raw := strings.Join([]string{
		"From: " + from,
		"To: Me <me@example.com>",
		"Subject: " + subject,
		"Date: " + date,
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="frontier"`,
		"",
		"--frontier",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"see attached",
		"--frontier",
		"Content-Type: application/pdf",
		`Content-Disposition: attachment; filename="notes.pdf"`,
		"",
		"fake pdf bytes",
		"--frontier--",
		"",
	}, "\r\n")

	path := filepath.Join(cfg.RawDir(), fmt.Sprintf("msg%d.eml", n))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := c.store.InsertEmail(context.Background(), model.Email{
		MessageID: fmt.Sprintf("<msg%d@example.com>", n),
		Sender:    from,
		Subject:   subject,
		Date:      date,
		LocalPath: path,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunProducesArchive(t *testing.T) {
	c, cfg := newTestConcentrator(t)
	ctx := context.Background()

	seedEmail(t, c, cfg, 1, "Alice Wang <alice@example.com>", "first", "Tue, 05 Jan 2021 10:00:00 +0000")
	seedEmail(t, c, cfg, 2, "Alice Wang <alice@example.com>", "second", "Wed, 06 Jan 2021 10:00:00 +0000")
	seedEmailWithAttachment(t, c, cfg, 3, "Alice Wang <alice@example.com>", "with file", "Thu, 07 Jan 2021 10:00:00 +0000")
	seedEmail(t, c, cfg, 4, "bob@example.com", "one-off", "Tue, 01 Jun 2021 10:00:00 +0000")

	if err := c.Run(ctx, 0, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	archives, err := c.store.Archives(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 2 {
		t.Fatalf("expected 2 archives (alice + misc), got %d", len(archives))
	}

	var alice, misc *model.Archive
	for i := range archives {
		if strings.Contains(archives[i].Counterpart, "alice@example.com") {
			alice = &archives[i]
		}
		if archives[i].Counterpart == "Miscellaneous Singles" {
			misc = &archives[i]
		}
	}
	if alice == nil || misc == nil {
		t.Fatalf("missing expected archives, got %+v", archives)
	}

	if len(alice.Manifest) != 3 {
		t.Errorf("alice archive should hold 3 messages, got %d", len(alice.Manifest))
	}
	if !strings.HasPrefix(alice.Title, "2021_[Alice Wang <alice@example.com>]_1/1_3-Emails_1-Files-") {
		t.Errorf("unexpected title %q", alice.Title)
	}
	if !strings.HasSuffix(alice.Title, "_20210105_20210107") {
		t.Errorf("title should end with the date span, got %q", alice.Title)
	}
	if alice.Manifest[0].To != "Me <me@example.com>" {
		t.Errorf("manifest To = %q", alice.Manifest[0].To)
	}
	if atts := alice.Manifest[2].Attachments; len(atts) != 1 || atts[0].Name != "notes.pdf" {
		t.Errorf("manifest attachments = %+v, want notes.pdf", atts)
	}

	// The embedded index lists recipients and attachments, not just
	// subjects.
	aliceBody, err := os.ReadFile(alice.Path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"To: Me <me@example.com>",
		"Attachment: notes.pdf",
	} {
		if !strings.Contains(string(aliceBody), want) {
			t.Errorf("composite index missing %q", want)
		}
	}

	for _, a := range archives {
		if _, err := os.Stat(a.Path); err != nil {
			t.Errorf("composite file missing: %v", err)
		}
		data, err := os.ReadFile(a.Path)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "Subject:") {
			t.Errorf("composite %s does not look like a message", a.Path)
		}
	}

	// Everything consolidated now; a second run is a no-op.
	left, err := c.store.UnconsolidatedEmails(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Fatalf("expected no unconsolidated emails, got %d", len(left))
	}
	if err := c.Run(ctx, 0, 0); err != nil {
		t.Fatalf("idempotent re-run: %v", err)
	}
	archives, err = c.store.Archives(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 2 {
		t.Errorf("re-run must not create archives, got %d", len(archives))
	}
}

func TestReset(t *testing.T) {
	c, cfg := newTestConcentrator(t)
	ctx := context.Background()

	seedEmail(t, c, cfg, 1, "Alice <alice@example.com>", "first", "Tue, 05 Jan 2021 10:00:00 +0000")
	seedEmail(t, c, cfg, 2, "Alice <alice@example.com>", "second", "Wed, 06 Jan 2021 10:00:00 +0000")

	if err := c.Run(ctx, 0, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(cfg.ArchiveDir()); err != nil {
		t.Fatalf("expected artifacts on disk before reset: %v", err)
	}

	if err := Reset(ctx, c.store, cfg); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if _, err := os.Stat(cfg.ArchiveDir()); !os.IsNotExist(err) {
		t.Errorf("artifact directory should be removed, stat err = %v", err)
	}
	archives, err := c.store.Archives(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 0 {
		t.Errorf("archive rows should be gone, got %d", len(archives))
	}
	left, err := c.store.UnconsolidatedEmails(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 {
		t.Errorf("emails should be unconsolidated again, got %d", len(left))
	}
}

func TestRunYearFilter(t *testing.T) {
	c, cfg := newTestConcentrator(t)
	ctx := context.Background()

	seedEmail(t, c, cfg, 1, "Alice <alice@example.com>", "old", "Tue, 05 Jan 2021 10:00:00 +0000")
	seedEmail(t, c, cfg, 2, "Alice <alice@example.com>", "old too", "Wed, 06 Jan 2021 10:00:00 +0000")
	seedEmail(t, c, cfg, 3, "Alice <alice@example.com>", "new", "Mon, 03 Jan 2022 10:00:00 +0000")
	seedEmail(t, c, cfg, 4, "Alice <alice@example.com>", "new too", "Tue, 04 Jan 2022 10:00:00 +0000")

	if err := c.Run(ctx, 2022, 2022); err != nil {
		t.Fatalf("Run: %v", err)
	}

	left, err := c.store.UnconsolidatedEmails(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 {
		t.Fatalf("2021 messages should remain, got %d left", len(left))
	}
	for _, e := range left {
		if !strings.Contains(e.Date, "2021") {
			t.Errorf("wrong message left behind: %+v", e)
		}
	}
}

func TestCounterpartForOwnMessage(t *testing.T) {
	c, cfg := newTestConcentrator(t)

	raw := strings.Join([]string{
		"From: Me <me@example.com>",
		"To: Carol Chen <carol@example.com>",
		"Subject: outgoing",
		"Date: Tue, 05 Jan 2021 10:00:00 +0000",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"hi carol",
		"",
	}, "\r\n")
	path := filepath.Join(cfg.RawDir(), "out.eml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	addr, name, rank := c.counterpart(model.Email{
		Sender:    "Me <me@example.com>",
		LocalPath: path,
	})
	if addr != "carol@example.com" {
		t.Errorf("addr = %q, want carol@example.com", addr)
	}
	if name != "Carol Chen" {
		t.Errorf("name = %q, want Carol Chen", name)
	}
	if rank != model.SourceSentTo {
		t.Errorf("rank = %d, want SourceSentTo", rank)
	}

	// Unreadable own message falls into the unknown bucket.
	addr, _, _ = c.counterpart(model.Email{
		Sender:    "Me <me@example.com>",
		LocalPath: filepath.Join(cfg.RawDir(), "missing.eml"),
	})
	if addr != "" {
		t.Errorf("unreadable own message should yield empty addr, got %q", addr)
	}
}

func TestZipSplitterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "big.eml")

	payload := strings.Repeat("0123456789abcdef", 4096) // 64 KiB
	if err := os.WriteFile(src, []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}

	s := &ZipSplitter{PartSize: 24 * 1024, TempDir: filepath.Join(dir, "parts")}
	parts, err := s.Split(src)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("64K at 24K parts should yield 3, got %d", len(parts))
	}
	for _, p := range parts {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("part missing: %v", err)
		}
		if info.Size() == 0 {
			t.Errorf("empty part %s", p)
		}
	}
}
