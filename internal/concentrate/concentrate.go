// Package concentrate folds accumulated per-message files into a small
// number of size-bounded composite archives, one correspondent at a
// time, one year at a time.
package concentrate

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lqian/mailpress/internal/identity"
	"github.com/lqian/mailpress/internal/mailparse"
	"github.com/lqian/mailpress/internal/model"
	"github.com/lqian/mailpress/internal/store"
)

// Packing limits. The chunk ceiling stays under a typical remote
// per-message limit after transport-encoding inflation; the split
// threshold sits lower to leave headroom for encoding and manifest
// overhead.
const (
	MaxChunkBytes  = 49 * 1024 * 1024
	SplitThreshold = 33 * 1024 * 1024

	// InflationFactor approximates base64/MIME overhead on raw bytes.
	InflationFactor = 1.4
)

// Concentrator runs the consolidation pipeline: group by counterpart,
// split oversized messages, bin-pack into chunks, synthesize archives.
type Concentrator struct {
	store    store.Store
	resolver *identity.Resolver
	splitter Splitter
	cfg      *model.AppConfig
	log      *logrus.Logger
	now      func() time.Time
}

// New creates a Concentrator. A nil splitter disables oversized-message
// splitting; such messages are packed as-is.
func New(s store.Store, resolver *identity.Resolver, splitter Splitter, cfg *model.AppConfig, log *logrus.Logger) *Concentrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Concentrator{
		store:    s,
		resolver: resolver,
		splitter: splitter,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Run consolidates all unconsolidated messages whose year falls in
// [startYear, endYear]. Zero bounds mean unbounded on that side.
// Re-running over a fully consolidated range is a no-op.
func (c *Concentrator) Run(ctx context.Context, startYear, endYear int) error {
	emails, err := c.store.UnconsolidatedEmails(ctx)
	if err != nil {
		return err
	}
	if len(emails) == 0 {
		c.log.Info("no emails to concentrate")
		return nil
	}

	byYear := make(map[int][]model.Email)
	for _, e := range emails {
		byYear[c.recordYear(e)] = append(byYear[c.recordYear(e)], e)
	}

	years := make([]int, 0, len(byYear))
	for y := range byYear {
		if startYear != 0 && y < startYear {
			continue
		}
		if endYear != 0 && y > endYear {
			continue
		}
		years = append(years, y)
	}
	sort.Ints(years)

	if len(years) == 0 {
		c.log.Info("no emails in the requested year range")
		return nil
	}
	c.log.WithField("years", years).Info("starting concentration")

	for _, year := range years {
		if err := c.runYear(ctx, year, byYear[year]); err != nil {
			return fmt.Errorf("concentrating year %d: %w", year, err)
		}
	}
	return nil
}

// runYear processes every bucket of one year.
func (c *Concentrator) runYear(ctx context.Context, year int, emails []model.Email) error {
	c.log.WithFields(logrus.Fields{
		"year":  year,
		"count": len(emails),
	}).Info("processing year")

	buckets, err := c.group(ctx, emails)
	if err != nil {
		return err
	}

	for _, bucket := range buckets {
		if err := c.processBucket(ctx, year, bucket); err != nil {
			return fmt.Errorf("bucket %s: %w", bucket.Key, err)
		}
	}
	return nil
}

// processBucket splits, packs, and synthesizes one bucket's records.
func (c *Concentrator) processBucket(ctx context.Context, year int, bucket Bucket) error {
	sortByDate(bucket.Records)

	queue := c.buildQueue(bucket.Records)
	chunks := packItems(queue, MaxChunkBytes, InflationFactor)

	for i, chunk := range chunks {
		if err := c.synthesize(ctx, year, bucket, chunk, i+1, len(chunks)); err != nil {
			return err
		}
	}
	return nil
}

// buildQueue expands records into packable items, pre-splitting any
// whose raw size exceeds the split threshold. Splitter failure is a
// tolerated degradation: the record is packed whole.
func (c *Concentrator) buildQueue(records []model.Email) []Item {
	var queue []Item
	for _, rec := range records {
		info, err := os.Stat(rec.LocalPath)
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"id":   rec.ID,
				"path": rec.LocalPath,
			}).Warn("stored file missing, skipping")
			continue
		}
		size := info.Size()

		if size > SplitThreshold && c.splitter != nil {
			parts, err := c.splitter.Split(rec.LocalPath)
			if err == nil && len(parts) > 1 {
				for i, p := range parts {
					partInfo, statErr := os.Stat(p)
					if statErr != nil {
						continue
					}
					queue = append(queue, Item{
						Path:      p,
						Size:      partInfo.Size(),
						Email:     rec,
						PartIndex: i + 1,
						PartTotal: len(parts),
					})
				}
				continue
			}
			if err != nil {
				c.log.WithError(err).WithField("id", rec.ID).
					Warn("split failed, packing oversized message as-is")
			}
		}

		queue = append(queue, Item{Path: rec.LocalPath, Size: size, Email: rec})
	}
	return queue
}

// Reset clears all consolidation state: archive rows and email
// back-links in the database, and every synthesized artifact on disk.
// A later run re-consolidates from scratch.
func Reset(ctx context.Context, s store.Store, cfg *model.AppConfig) error {
	if err := s.ClearConsolidation(ctx); err != nil {
		return err
	}
	if err := os.RemoveAll(cfg.ArchiveDir()); err != nil {
		return fmt.Errorf("removing archive directory: %w", err)
	}
	return nil
}

// recordYear determines the processing year for a record, falling back
// to the current year when the date header is unparseable.
func (c *Concentrator) recordYear(e model.Email) int {
	if t, err := mailparse.Date(e.Date); err == nil {
		return t.Year()
	}
	return c.now().Year()
}

// sortByDate orders records ascending by parsed header date.
// Unparseable dates sort first.
func sortByDate(records []model.Email) {
	sort.SliceStable(records, func(i, j int) bool {
		return recordTime(records[i]).Before(recordTime(records[j]))
	})
}

func recordTime(e model.Email) time.Time {
	t, err := mailparse.Date(e.Date)
	if err != nil {
		return time.Time{}
	}
	return t
}
