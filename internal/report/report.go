// Package report answers read-only questions about the local corpus:
// full-text search over archive manifests and per-year statistics.
package report

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/lqian/mailpress/internal/mailparse"
	"github.com/lqian/mailpress/internal/model"
	"github.com/lqian/mailpress/internal/store"
)

// SearchHit is one manifest entry matching a search query, along with
// the archive that holds it.
type SearchHit struct {
	ArchiveTitle string
	ArchivePath  string
	Entry        model.ManifestEntry
}

// Search scans every archive manifest for entries whose subject,
// recipients, message id, or archive counterpart contain the query,
// case-insensitively. Results follow archive creation order.
func Search(ctx context.Context, s store.Store, query string) ([]SearchHit, error) {
	archives, err := s.Archives(ctx)
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	var hits []SearchHit
	for _, a := range archives {
		counterpartMatch := strings.Contains(strings.ToLower(a.Counterpart), q)
		for _, e := range a.Manifest {
			if counterpartMatch || entryMatches(e, q) {
				hits = append(hits, SearchHit{
					ArchiveTitle: a.Title,
					ArchivePath:  a.Path,
					Entry:        e,
				})
			}
		}
	}
	return hits, nil
}

func entryMatches(e model.ManifestEntry, q string) bool {
	for _, field := range []string{e.Subject, e.To, e.Cc, e.Bcc, e.MessageID} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	for _, a := range e.Attachments {
		if strings.Contains(strings.ToLower(a.Name), q) {
			return true
		}
	}
	return false
}

// YearStats summarizes one year of stored messages.
type YearStats struct {
	Year     int
	Messages int
	Bytes    int64
}

// Stats aggregates stored messages by year, ascending. The year comes
// from the storage path when possible, because the path was derived
// from the full date fallback chain at download time; the raw date
// header is only consulted when the path gives nothing. Year 0 collects
// records with no recoverable year.
func Stats(ctx context.Context, s store.Store) ([]YearStats, error) {
	metas, err := s.EmailMetas(ctx)
	if err != nil {
		return nil, err
	}

	byYear := make(map[int]*YearStats)
	for _, m := range metas {
		year := pathYear(m.LocalPath)
		if year == 0 {
			if t, err := mailparse.Date(m.Date); err == nil {
				year = t.Year()
			}
		}

		st, ok := byYear[year]
		if !ok {
			st = &YearStats{Year: year}
			byYear[year] = st
		}
		st.Messages++
		if info, err := os.Stat(m.LocalPath); err == nil {
			st.Bytes += info.Size()
		}
	}

	out := make([]YearStats, 0, len(byYear))
	for _, st := range byYear {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Year < out[j].Year })
	return out, nil
}

// pathYear extracts the year component from a storage path like
// .../raw/2021/01/addr/msg.eml, or 0 when no component looks like one.
func pathYear(path string) int {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if len(part) != 4 {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		if n >= 1970 && n <= 9999 {
			return n
		}
	}
	return 0
}
