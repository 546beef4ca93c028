package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/fileid"
	"github.com/hyperjump/kioku/internal/models"
)

// Ingester is the part of the ingestion pipeline the inbox drives.
type Ingester interface {
	Submit(ctx context.Context, in *models.SourceInput) (*models.SubmitResult, error)
	Reprocess(ctx context.Context, sourceID string, async bool) (*models.SubmitResult, error)
	Delete(ctx context.Context, sourceID string) error
}

// SourceFinder looks up sources created from inbox files.
type SourceFinder interface {
	GetSourceByExternalKey(ctx context.Context, key string) (*models.Source, error)
}

// Inbox is a Handler that ingests new files as upload sources, reprocesses files modified
// since their last ingestion and deletes the source of a removed file.
type Inbox struct {
	ingester  Ingester
	sources   SourceFinder
	notebooks []string
	logger    *zap.Logger
}

// NewInbox creates an inbox handler. New sources are linked to notebooks.
func NewInbox(ingester Ingester, sources SourceFinder, notebooks []string, logger *zap.Logger) *Inbox {
	return &Inbox{ingester: ingester, sources: sources, notebooks: notebooks, logger: logger}
}

func (b *Inbox) FileChanged(path string) {
	ctx := context.Background()
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	key := fileid.Key(path)
	src, err := b.sources.GetSourceByExternalKey(ctx, key)
	switch {
	case errors.Is(err, models.ErrNotFound):
		res, err := b.ingester.Submit(ctx, &models.SourceInput{
			Type:        models.SourceUpload,
			FilePath:    path,
			Title:       filepath.Base(path),
			Notebooks:   b.notebooks,
			Async:       true,
			ExternalKey: key,
		})
		if err != nil {
			b.warn("inbox submit failed", path, err)
			return
		}
		if b.logger != nil {
			b.logger.Info("inbox file submitted", zap.String("path", path), zap.String("source_id", res.SourceID))
		}
	case err != nil:
		b.warn("inbox lookup failed", path, err)
	case !src.Status.Terminal():
		if b.logger != nil {
			b.logger.Debug("inbox file busy", zap.String("path", path), zap.String("status", string(src.Status)))
		}
	case info.ModTime().After(src.UpdatedAt):
		if _, err := b.ingester.Reprocess(ctx, src.ID, true); err != nil {
			b.warn("inbox reprocess failed", path, err)
		}
	}
}

func (b *Inbox) FileRemoved(path string) {
	ctx := context.Background()
	src, err := b.sources.GetSourceByExternalKey(ctx, fileid.Key(path))
	if errors.Is(err, models.ErrNotFound) {
		return
	}
	if err != nil {
		b.warn("inbox lookup failed", path, err)
		return
	}
	if err := b.ingester.Delete(ctx, src.ID); err != nil {
		b.warn("inbox delete failed", path, err)
		return
	}
	if b.logger != nil {
		b.logger.Info("inbox file removed", zap.String("path", path), zap.String("source_id", src.ID))
	}
}

func (b *Inbox) warn(msg, path string, err error) {
	if b.logger != nil {
		b.logger.Warn(msg, zap.String("path", path), zap.Error(err))
	}
}
