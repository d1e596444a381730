package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/lqian/mailpress/internal/model"
	"github.com/lqian/mailpress/internal/store"
	"github.com/lqian/mailpress/tests/testutil"
)

type fakeRemote struct {
	appendErrs []error // consumed per Append call; nil slice means all succeed
	appended   []string
	ensured    []string
	noopErr    error
	redials    int
}

func (f *fakeRemote) Noop() error { return f.noopErr }

func (f *fakeRemote) Redial() error {
	f.redials++
	f.noopErr = nil
	return nil
}

func (f *fakeRemote) EnsureFolder(folder string) error {
	f.ensured = append(f.ensured, folder)
	return nil
}

func (f *fakeRemote) Append(folder string, data []byte) error {
	f.appended = append(f.appended, string(data))
	if len(f.appendErrs) > 0 {
		err := f.appendErrs[0]
		f.appendErrs = f.appendErrs[1:]
		return err
	}
	return nil
}

func newTestUploader(t *testing.T, remote Remote) (*Uploader, store.Store, *model.AppConfig) {
	t.Helper()

	s := testutil.NewTestStore(t)
	cfg := &model.AppConfig{DataDir: t.TempDir()}
	cfg.Archive.Folder = "Concentrated_Emails"

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return New(remote, s, cfg, log), s, cfg
}

func seedArchive(t *testing.T, s store.Store, cfg *model.AppConfig, n int) model.Archive {
	t.Helper()

	path := filepath.Join(cfg.DataDir, fmt.Sprintf("archive%d.eml", n))
	if err := os.WriteFile(path, []byte(fmt.Sprintf("content-%d", n)), 0o644); err != nil {
		t.Fatal(err)
	}

	a := model.Archive{
		ID:    fmt.Sprintf("arch-%d", n),
		Title: fmt.Sprintf("archive %d", n),
		Path:  path,
	}
	if err := s.SaveArchive(context.Background(), a, nil); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestRunUploadsPending(t *testing.T) {
	remote := &fakeRemote{}
	u, s, cfg := newTestUploader(t, remote)
	ctx := context.Background()

	seedArchive(t, s, cfg, 1)
	seedArchive(t, s, cfg, 2)

	if err := u.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(remote.ensured) != 1 || remote.ensured[0] != "Concentrated_Emails" {
		t.Errorf("ensured = %v", remote.ensured)
	}
	if len(remote.appended) != 2 {
		t.Fatalf("expected 2 appends, got %d", len(remote.appended))
	}
	if remote.appended[0] != "content-1" {
		t.Errorf("appended[0] = %q", remote.appended[0])
	}

	pending, err := s.PendingArchives(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("everything should be marked uploaded, %d still pending", len(pending))
	}

	// Second run finds nothing to do.
	if err := u.Run(ctx); err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if len(remote.appended) != 2 {
		t.Errorf("re-run must not re-append, got %d total", len(remote.appended))
	}
}

func TestRunQuotaAbortsBatch(t *testing.T) {
	remote := &fakeRemote{appendErrs: []error{
		nil,
		errors.New("APPEND failed: quota exceeded"),
	}}
	u, s, cfg := newTestUploader(t, remote)
	ctx := context.Background()

	seedArchive(t, s, cfg, 1)
	seedArchive(t, s, cfg, 2)
	seedArchive(t, s, cfg, 3)

	err := u.Run(ctx)
	if err == nil {
		t.Fatal("expected quota error")
	}
	if !strings.Contains(err.Error(), "quota") {
		t.Errorf("unexpected error: %v", err)
	}

	// First archive landed; the rest stay pending for a later run.
	pending, listErr := s.PendingArchives(ctx)
	if listErr != nil {
		t.Fatal(listErr)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 archives still pending, got %d", len(pending))
	}
	if len(remote.appended) != 2 {
		t.Errorf("third archive must not be attempted after quota, got %d appends", len(remote.appended))
	}
}

func TestRunUnattendedRetriesOnceThenSkips(t *testing.T) {
	remote := &fakeRemote{appendErrs: []error{
		errors.New("transient"),
		errors.New("transient"),
	}}
	u, s, cfg := newTestUploader(t, remote)
	ctx := context.Background()

	seedArchive(t, s, cfg, 1)
	seedArchive(t, s, cfg, 2)

	if err := u.Run(ctx); err != nil {
		t.Fatalf("non-quota failures should not abort the batch: %v", err)
	}

	// Archive 1 failed twice and was skipped; archive 2 succeeded.
	pending, err := s.PendingArchives(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "arch-1" {
		t.Errorf("expected only arch-1 pending, got %+v", pending)
	}
	if len(remote.appended) != 3 {
		t.Errorf("expected 2 attempts for arch-1 plus 1 for arch-2, got %d", len(remote.appended))
	}
}

func TestRunInteractiveRetry(t *testing.T) {
	remote := &fakeRemote{appendErrs: []error{errors.New("transient")}}
	u, s, cfg := newTestUploader(t, remote)
	ctx := context.Background()

	seedArchive(t, s, cfg, 1)

	u.Interactive(strings.NewReader("y\n"), os.Stderr)

	if err := u.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(remote.appended) != 2 {
		t.Fatalf("expected retry after operator confirmation, got %d appends", len(remote.appended))
	}

	pending, err := s.PendingArchives(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("archive should be uploaded after retry, %d pending", len(pending))
	}
}

func TestRunReconnectsBeforeAppend(t *testing.T) {
	remote := &fakeRemote{noopErr: errors.New("stale")}
	u, s, cfg := newTestUploader(t, remote)

	seedArchive(t, s, cfg, 1)

	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if remote.redials != 1 {
		t.Errorf("expected one redial, got %d", remote.redials)
	}
}
