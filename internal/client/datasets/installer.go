// Package datasets downloads dictionary dataset packs into the local store.
package datasets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/models"
	"go.uber.org/zap"
)

// DefaultPageSize is the number of entries requested per pack page.
const DefaultPageSize = 500

// ErrEmptyPage is returned when the server reports more entries than it
// sends.
var ErrEmptyPage = errors.New("server returned an empty page before the end of the dataset")

// Source serves dataset packs page by page.
type Source interface {
	DatasetPack(ctx context.Context, datasetID string, offset, limit int) (models.DatasetPack, error)
}

// Store keeps downloaded entries and their progress.
type Store interface {
	GetDatasetMeta(ctx context.Context, datasetID string) (*models.DatasetMeta, error)
	PutDatasetMeta(ctx context.Context, meta models.DatasetMeta) error
	StoreDatasetEntries(ctx context.Context, datasetID string, entries []models.DictEntry) error
	ClearDatasetEntries(ctx context.Context, datasetID string) error
}

// Installer downloads datasets, resuming interrupted downloads.
type Installer struct {
	source   Source
	store    Store
	logger   *zap.Logger
	pageSize int
	now      func() time.Time
}

// NewInstaller returns an Installer. A pageSize <= 0 selects
// DefaultPageSize.
func NewInstaller(source Source, store Store, logger *zap.Logger, pageSize int) *Installer {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Installer{source: source, store: store, logger: logger, pageSize: pageSize, now: time.Now}
}

// Install downloads the dataset, continuing after the last stored page.
// Progress is saved after every page and reported through progress, which
// may be nil. With force the stored entries are dropped first.
func (in *Installer) Install(ctx context.Context, datasetID string, force bool, progress func(models.DatasetMeta)) (models.DatasetMeta, error) {
	if force {
		if err := in.store.ClearDatasetEntries(ctx, datasetID); err != nil {
			return models.DatasetMeta{}, fmt.Errorf("clear dataset %s: %w", datasetID, err)
		}
	}

	meta := models.DatasetMeta{DatasetID: datasetID}
	stored, err := in.store.GetDatasetMeta(ctx, datasetID)
	if err != nil {
		return meta, err
	}
	if stored != nil {
		meta = *stored
		if meta.Complete() {
			return meta, nil
		}
	}

	for {
		pack, err := in.source.DatasetPack(ctx, datasetID, meta.Downloaded, in.pageSize)
		if err != nil {
			return meta, fmt.Errorf("download %s at %d: %w", datasetID, meta.Downloaded, err)
		}
		meta.Total = pack.Total
		if len(pack.Items) == 0 {
			if meta.Downloaded < meta.Total {
				return meta, ErrEmptyPage
			}
			break
		}
		if err := in.store.StoreDatasetEntries(ctx, datasetID, pack.Items); err != nil {
			return meta, fmt.Errorf("store %s: %w", datasetID, err)
		}
		meta.Downloaded += len(pack.Items)
		meta.DownloadedAt = in.now()
		if err := in.store.PutDatasetMeta(ctx, meta); err != nil {
			return meta, err
		}
		in.logger.Debug("dataset page stored",
			zap.String("dataset", datasetID),
			zap.Int("downloaded", meta.Downloaded),
			zap.Int("total", meta.Total),
		)
		if progress != nil {
			progress(meta)
		}
		if meta.Downloaded >= meta.Total {
			break
		}
	}
	return meta, nil
}
