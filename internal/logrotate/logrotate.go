// Package logrotate applies the configured action to a log file once the
// server considers it complete: either delete it, or move a gzip-compressed
// copy into the archive directory.
package logrotate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/anweddol/sessiond/internal/config"
)

// Rotate applies cfg.LogRotation to the log file at path.
func Rotate(cfg config.LogRotationConfig, path string) error {
	switch cfg.Action {
	case "delete":
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("logrotate: delete %s: %w", path, err)
		}
		return nil
	case "archive":
		return archive(cfg.ArchiveDir, path)
	default:
		return fmt.Errorf("logrotate: unknown action %q", cfg.Action)
	}
}

func archive(archiveDir, path string) error {
	if err := os.MkdirAll(archiveDir, 0700); err != nil {
		return fmt.Errorf("logrotate: create archive directory: %w", err)
	}

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("logrotate: open %s: %w", path, err)
	}
	defer src.Close()

	dstName := fmt.Sprintf("%s.%s.gz", filepath.Base(path), time.Now().UTC().Format("20060102T150405"))
	dst, err := os.Create(filepath.Join(archiveDir, dstName))
	if err != nil {
		return fmt.Errorf("logrotate: create archive file: %w", err)
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		return fmt.Errorf("logrotate: compress %s: %w", path, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("logrotate: finalize archive: %w", err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("logrotate: remove original after archive: %w", err)
	}
	return nil
}
