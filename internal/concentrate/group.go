package concentrate

import (
	"context"
	"os"
	"sort"
	"strings"

	"github.com/lqian/mailpress/internal/mailparse"
	"github.com/lqian/mailpress/internal/model"
)

// Reserved bucket keys.
const (
	// BucketUnknown collects records whose counterpart could not be
	// determined.
	BucketUnknown = "unknown"

	// BucketMisc collects records from correspondents seen only once
	// in the year, so rarely-seen addresses do not each produce their
	// own archive.
	BucketMisc = "misc_singles"

	miscDisplay = "Miscellaneous Singles"
)

// Bucket is one counterpart's records for the processing year.
type Bucket struct {
	// Key is the counterpart address, or a reserved key.
	Key string

	// Display is the best known display name for the counterpart.
	Display string

	Records []model.Email
}

// PartyDisplay renders the bucket for archive titles: "Name <addr>".
func (b Bucket) PartyDisplay() string {
	name := b.Display
	if name == "" {
		name = b.Key
	}
	if b.Key == BucketMisc || b.Key == BucketUnknown {
		return name
	}
	return name + " <" + b.Key + ">"
}

// group assigns each record to its counterpart bucket, feeding every
// counterpart observation into the identity resolver along the way.
// Buckets are returned in deterministic key order.
func (c *Concentrator) group(ctx context.Context, emails []model.Email) ([]Bucket, error) {
	byKey := make(map[string]*Bucket)

	for _, e := range emails {
		addr, name, rank := c.counterpart(e)

		key := addr
		if key == "" {
			key = BucketUnknown
		}

		display := name
		if key != BucketUnknown {
			if err := c.resolver.Observe(ctx, addr, name, rank); err != nil {
				return nil, err
			}
			resolved, err := c.resolver.DisplayName(ctx, addr)
			if err != nil {
				return nil, err
			}
			if resolved != "" {
				display = resolved
			}
		}

		b, ok := byKey[key]
		if !ok {
			b = &Bucket{Key: key}
			byKey[key] = b
		}
		// Later observations refine the display name; trust the
		// resolver's latest answer.
		b.Display = display
		b.Records = append(b.Records, e)
	}

	// Merge single-record buckets into the miscellaneous bucket. This
	// trades conversational grouping for fewer, denser archives.
	var misc []model.Email
	for key, b := range byKey {
		if key == BucketMisc || len(b.Records) > 1 {
			continue
		}
		misc = append(misc, b.Records...)
		delete(byKey, key)
	}
	if len(misc) > 0 {
		c.log.WithField("count", len(misc)).Info("aggregating sparse correspondents")
		if b, ok := byKey[BucketMisc]; ok {
			b.Records = append(b.Records, misc...)
		} else {
			byKey[BucketMisc] = &Bucket{
				Key:     BucketMisc,
				Display: miscDisplay,
				Records: misc,
			}
		}
	}

	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	buckets := make([]Bucket, 0, len(keys))
	for _, key := range keys {
		buckets = append(buckets, *byKey[key])
	}
	return buckets, nil
}

// counterpart determines the other party of a record. For messages the
// account owner sent, the counterpart is the primary recipient, read
// from the stored raw content since the database only keeps the sender
// header; the observation then carries the higher source rank.
func (c *Concentrator) counterpart(e model.Email) (addr, name string, rank int) {
	name, addr = mailparse.Address(e.Sender)
	rank = model.SourceReceived

	own := strings.ToLower(c.cfg.IMAP.Username)
	if own == "" || !strings.Contains(strings.ToLower(addr), own) {
		return addr, name, rank
	}

	f, err := os.Open(e.LocalPath)
	if err != nil {
		// Own message but unreadable content: counterpart unknown.
		return "", "", model.SourceSentTo
	}
	defer f.Close()

	info, err := mailparse.ReadMessageInfo(f)
	if err != nil {
		return "", "", model.SourceSentTo
	}

	toName, toAddr := mailparse.Address(info.To)
	return toAddr, toName, model.SourceSentTo
}
