// Package attachment downloads attachment bytes and stores them on disk.
package attachment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"sigrelay/internal/domain"
	"sigrelay/internal/metrics"
)

const (
	filePrefix     = "presage-"
	tempDirPattern = "presage-attachments"
	fallbackLayout = "%Y-%m-%d-%H-%M-%s"
)

// Source provides attachment bytes.
type Source interface {
	GetAttachment(ctx context.Context, ptr domain.AttachmentPointer) ([]byte, error)
}

type Config struct {
	// Dir receives the files. Empty means a fresh temporary directory that
	// lives as long as the process.
	Dir    string
	Now    func() time.Time
	Logger *slog.Logger
}

type Fetcher struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger
}

func New(cfg Config) (*Fetcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	dir := cfg.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", tempDirPattern)
		if err != nil {
			return nil, fmt.Errorf("cannot create attachment dir: %w", err)
		}
		dir = tmp
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create attachment dir: %w", err)
	}

	return &Fetcher{dir: dir, now: cfg.Now, logger: cfg.Logger}, nil
}

// Dir is where attachments are written.
func (f *Fetcher) Dir() string { return f.dir }

// Fetch downloads one attachment from src and writes it to disk. It returns
// the written path, or "" when the attachment was skipped. Failures are
// logged and never returned.
func (f *Fetcher) Fetch(ctx context.Context, src Source, ptr domain.AttachmentPointer, sender domain.AccountID) string {
	data, err := src.GetAttachment(ctx, ptr)
	if err != nil {
		metrics.AttachmentsFailed.Inc()
		f.logger.Warn("failed to fetch attachment", "id", ptr.ID, "sender", sender, "error", err)
		return ""
	}

	path := filepath.Join(f.dir, FileName(ptr, f.now()))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		metrics.AttachmentsFailed.Inc()
		f.logger.Warn("failed to save attachment", "path", path, "sender", sender, "error", err)
		return ""
	}

	metrics.AttachmentsSaved.Inc()
	f.logger.Info("saved attachment", "path", path, "sender", sender, "size", len(data))
	return path
}

// FileName derives "presage-<name>.<ext>" from the supplied file name, or
// from the local time when the sender did not supply one.
func FileName(ptr domain.AttachmentPointer, now time.Time) string {
	name := baseName(ptr.FileName)
	if name == "" {
		name = strftime.Format(fallbackLayout, now)
	}
	return filePrefix + name + "." + Extension(ptr.ContentType)
}

// baseName strips any directory part so a remote name cannot escape the
// attachment dir.
func baseName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(strings.TrimSpace(name))
	switch name {
	case ".", "..", "/":
		return ""
	}
	return name
}
