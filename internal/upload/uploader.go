// Package upload appends synthesized archives to a dedicated remote
// folder, marking each one uploaded as it lands so interrupted batches
// resume where they stopped.
package upload

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lqian/mailpress/internal/imapx"
	"github.com/lqian/mailpress/internal/model"
	"github.com/lqian/mailpress/internal/store"
)

// Remote is the transport surface the uploader needs. *imapx.Client
// satisfies it.
type Remote interface {
	Noop() error
	Redial() error
	EnsureFolder(folder string) error
	Append(folder string, data []byte) error
}

var _ Remote = (*imapx.Client)(nil)

// Uploader pushes pending archives over one IMAP connection.
type Uploader struct {
	client Remote
	store  store.Store
	cfg    *model.AppConfig
	log    *logrus.Logger

	// prompt asks the operator whether to retry a failed append.
	// Nil means unattended: failures are skipped after one retry.
	prompt func(title string, err error) bool
}

// New creates an Uploader for unattended operation.
func New(client Remote, s store.Store, cfg *model.AppConfig, log *logrus.Logger) *Uploader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Uploader{client: client, store: s, cfg: cfg, log: log}
}

// Interactive makes failures ask on the given terminal streams whether
// to keep retrying instead of skipping.
func (u *Uploader) Interactive(in io.Reader, out io.Writer) {
	reader := bufio.NewReader(in)
	u.prompt = func(title string, err error) bool {
		fmt.Fprintf(out, "upload of %q failed: %v\nretry? [y/N] ", title, err)
		line, readErr := reader.ReadString('\n')
		if readErr != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

// Run uploads every pending archive. Quota exhaustion aborts the batch:
// the remaining archives would fail the same way, and the condition
// needs operator attention. Other failures affect only their archive.
func (u *Uploader) Run(ctx context.Context) error {
	pending, err := u.store.PendingArchives(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		u.log.Info("no archives pending upload")
		return nil
	}

	folder := u.cfg.Archive.Folder
	if err := u.client.EnsureFolder(folder); err != nil {
		return fmt.Errorf("preparing folder %s: %w", folder, err)
	}

	u.log.WithFields(logrus.Fields{
		"count":  len(pending),
		"folder": folder,
	}).Info("starting upload")

	var uploaded, skipped int
	for _, a := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := u.uploadOne(folder, a)
		if err == nil {
			if err := u.store.MarkUploaded(ctx, a.ID); err != nil {
				return fmt.Errorf("marking %s uploaded: %w", a.ID, err)
			}
			uploaded++
			u.log.WithField("title", a.Title).Info("uploaded")
			continue
		}

		if imapx.IsQuotaError(err) {
			return fmt.Errorf("remote quota exhausted after %d uploads: %w", uploaded, err)
		}

		skipped++
		u.log.WithError(err).WithField("title", a.Title).Error("upload failed, skipping")
	}

	u.log.WithFields(logrus.Fields{
		"uploaded": uploaded,
		"skipped":  skipped,
	}).Info("upload done")
	return nil
}

// uploadOne appends one archive, retrying on transient failure. The
// connection is probed before each attempt; a stale connection gets
// one redial. In interactive mode the operator decides how long to
// keep trying.
func (u *Uploader) uploadOne(folder string, a model.Archive) error {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return fmt.Errorf("reading archive file: %w", err)
	}

	for attempt := 1; ; attempt++ {
		if err := u.client.Noop(); err != nil {
			u.log.WithError(err).Info("connection stale, reconnecting")
			if err := u.client.Redial(); err != nil {
				return fmt.Errorf("reconnecting: %w", err)
			}
		}

		err := u.client.Append(folder, data)
		if err == nil {
			return nil
		}
		if imapx.IsQuotaError(err) {
			return err
		}

		if u.prompt != nil {
			if u.prompt(a.Title, err) {
				continue
			}
			return err
		}
		if attempt >= 2 {
			return err
		}
		u.log.WithError(err).WithField("title", a.Title).Warn("append failed, retrying once")
		time.Sleep(time.Second)
	}
}
