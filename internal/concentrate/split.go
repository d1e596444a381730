package concentrate

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"

	"github.com/lqian/mailpress/internal/model"
)

// Splitter splits one oversized file into an ordered sequence of part
// files. Implementations are best-effort; callers degrade to packing
// the file whole on error.
type Splitter interface {
	Split(path string) ([]string, error)
}

// NewSplitter picks a splitter from configuration: the external 7z
// binary when one is configured and present, otherwise the built-in
// zip splitter.
func NewSplitter(cfg model.SplitConfig, tempDir string, log *logrus.Logger) Splitter {
	partSize := int64(cfg.PartSizeMB) * 1024 * 1024
	if partSize <= 0 {
		partSize = 16 * 1024 * 1024
	}

	if cfg.SevenZipPath != "" {
		if _, err := os.Stat(cfg.SevenZipPath); err == nil {
			return &SevenZipSplitter{
				Binary:   cfg.SevenZipPath,
				PartSize: partSize,
				TempDir:  tempDir,
			}
		}
		if log != nil {
			log.WithField("path", cfg.SevenZipPath).
				Warn("7z binary not found, using built-in zip splitter")
		}
	}

	return &ZipSplitter{PartSize: partSize, TempDir: tempDir}
}

// SevenZipSplitter shells out to 7-Zip to produce a multi-volume zip.
type SevenZipSplitter struct {
	Binary   string
	PartSize int64
	TempDir  string
}

// Split archives the file into volume parts under TempDir and returns
// their paths in volume order.
func (s *SevenZipSplitter) Split(path string) ([]string, error) {
	if err := os.MkdirAll(s.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating split directory: %w", err)
	}

	base := filepath.Base(path)
	dest := filepath.Join(s.TempDir, base+".zip")

	// Remove leftovers from an earlier interrupted run.
	stale, _ := filepath.Glob(filepath.Join(s.TempDir, base+".z*"))
	for _, f := range stale {
		_ = os.Remove(f)
	}

	volume := fmt.Sprintf("-v%db", s.PartSize)
	cmd := exec.Command(s.Binary, "a", "-tzip", volume, dest, path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("running 7z: %w: %s", err, out)
	}

	// 7-Zip names volumes .zip.001, .zip.002, ... or .z01, .z02 + .zip
	// depending on version; collect both shapes.
	seen := make(map[string]bool)
	var parts []string
	for _, pattern := range []string{base + ".z*", base + ".zip", base + ".zip.*"} {
		matches, _ := filepath.Glob(filepath.Join(s.TempDir, pattern))
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				parts = append(parts, m)
			}
		}
	}
	sort.Strings(parts)

	if len(parts) == 0 {
		return nil, fmt.Errorf("7z produced no parts for %s", base)
	}
	return parts, nil
}

// ZipSplitter is the built-in fallback: it cuts the file into byte
// ranges and wraps each range in its own single-entry zip archive.
// Reassembly is unzip-then-concatenate in part order.
type ZipSplitter struct {
	PartSize int64
	TempDir  string
}

// Split writes the part archives under TempDir and returns their paths
// in range order.
func (s *ZipSplitter) Split(path string) ([]string, error) {
	if err := os.MkdirAll(s.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating split directory: %w", err)
	}

	src, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer src.Close()

	base := filepath.Base(path)
	var parts []string

	for idx := 1; ; idx++ {
		entryName := fmt.Sprintf("%s.part%03d", base, idx)
		partPath := filepath.Join(s.TempDir, entryName+".zip")

		n, err := s.writePart(src, partPath, entryName)
		if err != nil {
			removeAll(parts)
			_ = os.Remove(partPath)
			return nil, err
		}
		if n == 0 {
			_ = os.Remove(partPath)
			break
		}

		parts = append(parts, partPath)
		if n < s.PartSize {
			break
		}
	}

	if len(parts) == 0 {
		return nil, fmt.Errorf("nothing to split in %s", base)
	}
	return parts, nil
}

// writePart copies up to PartSize bytes from src into a fresh zip
// archive at partPath, returning the number of raw bytes consumed.
func (s *ZipSplitter) writePart(src io.Reader, partPath, entryName string) (int64, error) {
	f, err := os.Create(partPath)
	if err != nil {
		return 0, fmt.Errorf("creating part %s: %w", partPath, err)
	}

	zw := zip.NewWriter(f)
	entry, err := zw.CreateHeader(&zip.FileHeader{
		Name:   entryName,
		Method: zip.Deflate,
	})
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("creating zip entry: %w", err)
	}

	n, err := io.CopyN(entry, src, s.PartSize)
	if err != nil && err != io.EOF {
		zw.Close()
		f.Close()
		return 0, fmt.Errorf("writing part %s: %w", partPath, err)
	}

	if err := zw.Close(); err != nil {
		f.Close()
		return 0, fmt.Errorf("finalizing part %s: %w", partPath, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("closing part %s: %w", partPath, err)
	}
	return n, nil
}

func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
