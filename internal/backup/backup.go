// Package backup snapshots the content database and optionally ships the
// snapshot to S3-compatible storage.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultKeyTemplate = "backups/{Y}/{m}/{filename}"

// Snapshotter writes a consistent copy of the database to dest.
type Snapshotter interface {
	Snapshot(ctx context.Context, dest string) error
}

// Uploader ships a local file to remote storage under key.
type Uploader interface {
	Upload(ctx context.Context, key, path string) error
}

// Result describes one finished backup.
type Result struct {
	Path      string
	Size      int64
	ObjectKey string
}

// Service runs backups.
type Service struct {
	store       Snapshotter
	dir         string
	uploader    Uploader
	keyTemplate string
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a backup service writing snapshots into dir. uploader may
// be nil for local-only backups.
func New(store Snapshotter, dir string, uploader Uploader, keyTemplate string, logger *zap.Logger) *Service {
	if dir == "" {
		dir = "./backups"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		dir:         dir,
		uploader:    uploader,
		keyTemplate: keyTemplate,
		logger:      logger.Named("backup"),
		now:         time.Now,
	}
}

// Run snapshots the database and uploads it when an uploader is set.
func (s *Service) Run(ctx context.Context) (Result, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create backup dir: %w", err)
	}

	now := s.now().UTC()
	filename := fmt.Sprintf("aifeed-%s.db", now.Format("20060102-150405"))
	path := filepath.Join(s.dir, filename)
	if err := s.store.Snapshot(ctx, path); err != nil {
		return Result{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("stat snapshot: %w", err)
	}
	res := Result{Path: path, Size: info.Size()}
	s.logger.Info("snapshot written", zap.String("path", path), zap.Int64("bytes", res.Size))

	if s.uploader == nil {
		return res, nil
	}
	key := RenderKey(s.keyTemplate, filename, now)
	if err := s.uploader.Upload(ctx, key, path); err != nil {
		return res, fmt.Errorf("upload %s: %w", key, err)
	}
	res.ObjectKey = key
	s.logger.Info("snapshot uploaded", zap.String("key", key))
	return res, nil
}

// RenderKey expands {Y} {m} {d} {H} {M} {s} and {filename} in template.
func RenderKey(template, filename string, now time.Time) string {
	tpl := strings.TrimSpace(template)
	if tpl == "" {
		tpl = defaultKeyTemplate
	}

	replacer := strings.NewReplacer(
		"{Y}", now.Format("2006"),
		"{m}", now.Format("01"),
		"{d}", now.Format("02"),
		"{H}", now.Format("15"),
		"{M}", now.Format("04"),
		"{s}", now.Format("05"),
		"{filename}", filename,
	)

	key := replacer.Replace(tpl)
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimSpace(strings.TrimPrefix(key, "/"))
	for strings.Contains(key, "//") {
		key = strings.ReplaceAll(key, "//", "/")
	}
	if key == "" {
		return filename
	}
	return key
}
