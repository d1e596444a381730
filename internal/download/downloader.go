// Package download pulls messages from a remote mailbox into local
// storage, month by month, deduplicating on Message-ID so interrupted
// runs resume without re-fetching message bodies.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/sirupsen/logrus"

	"github.com/lqian/mailpress/internal/identity"
	"github.com/lqian/mailpress/internal/imapx"
	"github.com/lqian/mailpress/internal/mailparse"
	"github.com/lqian/mailpress/internal/model"
	"github.com/lqian/mailpress/internal/store"
	"github.com/lqian/mailpress/internal/syncwin"
)

// MaxConsecutiveFailures is the per-window circuit breaker: this many
// failures in a row means the connection or the window itself is bad,
// and retrying the remaining messages would only repeat the error.
const MaxConsecutiveFailures = 10

// StepResult tells the batch driver how to proceed after one message.
type StepResult int

const (
	// Continue moves on to the next message in the window.
	Continue StepResult = iota

	// StopBatch abandons the remaining messages in the window.
	StopBatch
)

// Options controls one download run.
type Options struct {
	// Folder is the mailbox to fetch from. Empty means INBOX.
	Folder string

	// Window is the requested date range; see syncwin.Resolve for the
	// resume semantics of an empty request.
	Window syncwin.Request

	// IncludeSent also fetches the account's sent folder, so outgoing
	// messages contribute to archives and to identity observations.
	IncludeSent bool

	// RemoveKnown deletes remote messages that are already stored
	// locally, turning the remote mailbox into a staging area that
	// drains as it is archived.
	RemoveKnown bool

	// Limit stops the run after storing this many new messages.
	// Zero means unlimited.
	Limit int

	// Batch is catch-up mode: walk months from StartFrom (or wherever
	// the store left off) through today, ignoring Window.
	Batch bool

	// StartFrom is the earliest month a batch run may begin at.
	StartFrom time.Time
}

// errLimitReached stops the month loop without failing the run.
var errLimitReached = errors.New("download limit reached")

// Mailbox is the transport surface the downloader needs. *imapx.Client
// satisfies it.
type Mailbox interface {
	Noop() error
	Redial() error
	Select(folder string) error
	FindSentFolder() (string, error)
	SearchWindow(since, before time.Time) ([]imap.UID, error)
	FetchHeader(uid imap.UID) ([]byte, error)
	FetchFull(uid imap.UID) ([]byte, error)
	MarkDeleted(uids []imap.UID) error
	Expunge() error
}

var _ Mailbox = (*imapx.Client)(nil)

// Downloader drives the fetch pipeline over one IMAP connection.
type Downloader struct {
	client   Mailbox
	store    store.Store
	resolver *identity.Resolver
	cfg      *model.AppConfig
	log      *logrus.Logger
	now      func() time.Time
}

// New creates a Downloader.
func New(client Mailbox, s store.Store, resolver *identity.Resolver, cfg *model.AppConfig, log *logrus.Logger) *Downloader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Downloader{
		client:   client,
		store:    s,
		resolver: resolver,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Run resolves the fetch window and walks it one calendar month at a
// time, oldest first, so the resume heuristic advances even when a
// later month fails.
func (d *Downloader) Run(ctx context.Context, opts Options) error {
	latest, err := d.store.LatestEmailDate(ctx)
	if err != nil {
		return err
	}

	var win syncwin.Window
	if opts.Batch {
		win = syncwin.BatchWindow(opts.StartFrom, latest, d.now())
	} else {
		win = syncwin.Resolve(opts.Window, latest, d.now())
	}

	folders := []folderSpec{{name: opts.Folder, rank: model.SourceReceived}}
	if folders[0].name == "" {
		folders[0].name = "INBOX"
	}
	if opts.IncludeSent {
		sent, err := d.client.FindSentFolder()
		if err != nil {
			d.log.WithError(err).Warn("could not locate sent folder, skipping")
		} else {
			folders = append(folders, folderSpec{name: sent, rank: model.SourceSentTo})
		}
	}

	d.log.WithFields(logrus.Fields{
		"since":  win.Since.Format("2006-01-02"),
		"before": win.Before.Format("2006-01-02"),
	}).Info("starting download")

	budget := opts.Limit
	for _, f := range folders {
		for cur := win.Since; cur.Before(win.Before); cur = syncwin.NextMonth(cur) {
			end := syncwin.NextMonth(cur)
			if end.After(win.Before) {
				end = win.Before
			}
			err := d.runWindow(ctx, f, cur, end, opts.RemoveKnown, opts.Limit, &budget)
			if errors.Is(err, errLimitReached) {
				d.log.WithField("limit", opts.Limit).Info("download limit reached, stopping")
				return nil
			}
			if err != nil {
				return fmt.Errorf("folder %s, window %s: %w", f.name, cur.Format("2006-01"), err)
			}
		}
	}
	return nil
}

type folderSpec struct {
	name string
	rank int
}

// runWindow fetches one folder/month combination. The connection is
// probed first and redialed if stale; long runs routinely outlive the
// server's idle timeout between windows.
func (d *Downloader) runWindow(ctx context.Context, f folderSpec, since, before time.Time, removeKnown bool, limit int, budget *int) error {
	if err := d.client.Noop(); err != nil {
		d.log.WithError(err).Info("connection stale, reconnecting")
		if err := d.client.Redial(); err != nil {
			return fmt.Errorf("reconnecting: %w", err)
		}
	}

	if err := d.client.Select(f.name); err != nil {
		return err
	}

	uids, err := d.client.SearchWindow(since, before)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	log := d.log.WithFields(logrus.Fields{
		"folder": f.name,
		"window": since.Format("2006-01"),
		"total":  len(uids),
	})
	log.Info("fetching window")

	var stored, skipped, failed int
	var duplicates []imap.UID
	failures := 0
	limited := false

	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, outcome, err := d.step(ctx, f, uid, &failures)
		if err != nil {
			failed++
			log.WithError(err).WithField("uid", uid).Error("message failed")
		}
		switch outcome {
		case outcomeStored:
			stored++
			if limit > 0 {
				*budget--
				if *budget <= 0 {
					limited = true
				}
			}
		case outcomeKnown:
			skipped++
			if removeKnown {
				duplicates = append(duplicates, uid)
			}
		}
		if res == StopBatch {
			return fmt.Errorf("%d consecutive failures, last: %w", failures, err)
		}
		if limited {
			break
		}
	}

	if len(duplicates) > 0 {
		if err := d.client.MarkDeleted(duplicates); err != nil {
			log.WithError(err).Warn("could not flag known messages for deletion")
		} else if err := d.client.Expunge(); err != nil {
			log.WithError(err).Warn("expunge failed")
		} else {
			log.WithField("count", len(duplicates)).Info("removed known messages from remote")
		}
	}

	log.WithFields(logrus.Fields{
		"stored":  stored,
		"skipped": skipped,
		"failed":  failed,
	}).Info("window done")

	if limited {
		return errLimitReached
	}
	return nil
}

type stepOutcome int

const (
	outcomeFailed stepOutcome = iota
	outcomeStored
	outcomeKnown
)

// step processes one message: header fetch, dedup check, and when the
// message is new, body fetch and storage. It maintains the consecutive
// failure count and decides whether the batch goes on.
func (d *Downloader) step(ctx context.Context, f folderSpec, uid imap.UID, failures *int) (StepResult, stepOutcome, error) {
	outcome, err := d.fetchOne(ctx, f, uid)
	if err != nil {
		*failures++
		if *failures >= MaxConsecutiveFailures {
			return StopBatch, outcomeFailed, err
		}
		return Continue, outcomeFailed, err
	}
	*failures = 0
	return Continue, outcome, nil
}

// fetchOne stores one message if it is not already known.
func (d *Downloader) fetchOne(ctx context.Context, f folderSpec, uid imap.UID) (stepOutcome, error) {
	header, err := d.client.FetchHeader(uid)
	if err != nil {
		return outcomeFailed, fmt.Errorf("fetching header: %w", err)
	}

	msg, err := mail.ReadMessage(bytes.NewReader(append(header, '\r', '\n')))
	if err != nil {
		return outcomeFailed, fmt.Errorf("parsing header: %w", err)
	}

	messageID := msg.Header.Get("Message-ID")
	if messageID == "" {
		// Some senders omit the header; synthesize a stable stand-in
		// from the mailbox coordinates.
		messageID = fmt.Sprintf("%d_%s_%d", uid, f.name, d.now().Unix())
	}

	known, err := d.store.EmailExists(ctx, messageID)
	if err != nil {
		return outcomeFailed, err
	}
	if known {
		return outcomeKnown, nil
	}

	raw, err := d.client.FetchFull(uid)
	if err != nil {
		return outcomeFailed, fmt.Errorf("fetching body: %w", err)
	}

	sender := mailparse.DecodeWords(msg.Header.Get("From"))
	subject := mailparse.DecodeWords(msg.Header.Get("Subject"))
	when, dateValue := mailparse.DateOrFallback(msg.Header.Get("Date"), msg.Header["Received"], d.now)

	// Outgoing messages are filed under the recipient, so one
	// counterpart's correspondence shares a directory regardless of
	// direction.
	counterpart := sender
	if f.rank == model.SourceSentTo {
		counterpart = mailparse.DecodeWords(msg.Header.Get("To"))
	}

	path, err := d.writeRaw(when, counterpart, messageID, raw)
	if err != nil {
		return outcomeFailed, err
	}

	if _, err := d.store.InsertEmail(ctx, model.Email{
		MessageID: messageID,
		Sender:    sender,
		Subject:   subject,
		Date:      dateValue,
		LocalPath: path,
	}); err != nil {
		return outcomeFailed, fmt.Errorf("recording message: %w", err)
	}

	d.observe(ctx, f, msg)
	return outcomeStored, nil
}

// observe feeds the message's address headers into the identity
// resolver. Outgoing messages observe the recipient at the stronger
// rank. Resolver errors never fail a download.
func (d *Downloader) observe(ctx context.Context, f folderSpec, msg *mail.Message) {
	if d.resolver == nil {
		return
	}

	header := "From"
	if f.rank == model.SourceSentTo {
		header = "To"
	}
	name, addr := mailparse.Address(msg.Header.Get(header))
	if addr == "" {
		return
	}
	if err := d.resolver.Observe(ctx, addr, name, f.rank); err != nil {
		d.log.WithError(err).WithField("address", addr).Warn("identity observation failed")
	}
}

// writeRaw stores the message bytes under raw/YYYY/MM/<counterpart-addr>/.
func (d *Downloader) writeRaw(when time.Time, counterpart, messageID string, raw []byte) (string, error) {
	_, addr := mailparse.Address(counterpart)
	if addr == "" {
		addr = "unknown"
	}

	dir := filepath.Join(d.cfg.RawDir(),
		fmt.Sprintf("%04d", when.Year()),
		fmt.Sprintf("%02d", int(when.Month())),
		mailparse.SafeFilename(addr),
	)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating storage directory: %w", err)
	}

	path := filepath.Join(dir, mailparse.SafeFilename(messageID)+".eml")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("writing message file: %w", err)
	}
	return path, nil
}
