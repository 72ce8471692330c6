package pipeline

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3FT-io/medshare/pkg/apperr"
	"github.com/3FT-io/medshare/pkg/cache"
	"github.com/3FT-io/medshare/pkg/core"
	"github.com/3FT-io/medshare/pkg/retry"
)

// maxScanFetches caps concurrent scan payload requests during listing.
const maxScanFetches = 8

// ListModels returns the public models, newest first.
func (s *Service) ListModels(ctx context.Context) ([]core.ModelFile, error) {
	v, err := s.cache.Fetch(ctx, cache.KeyModels, func(ctx context.Context) (interface{}, error) {
		var models []core.ModelFile
		err := s.policy.Do(ctx, retry.Read, "loading models", func(ctx context.Context) error {
			var err error
			models, err = s.client.GetPublicModels(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		SortModels(models)
		return models, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]core.ModelFile(nil), v.([]core.ModelFile)...), nil
}

// ListScans loads the metadata index, then every scan it names
// concurrently. A scan that fails to load is logged and left out.
func (s *Service) ListScans(ctx context.Context) ([]core.ScanFile, error) {
	v, err := s.cache.Fetch(ctx, cache.KeyScans, func(ctx context.Context) (interface{}, error) {
		return s.loadScans(ctx)
	})
	if err != nil {
		return nil, err
	}
	return append([]core.ScanFile(nil), v.([]core.ScanFile)...), nil
}

func (s *Service) loadScans(ctx context.Context) ([]core.ScanFile, error) {
	var metadata []core.FileMetadata
	err := s.policy.Do(ctx, retry.Read, "loading scans", func(ctx context.Context) error {
		var err error
		metadata, err = s.client.GetAllMetadata(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, m := range metadata {
		if m.FileType == core.FileTypeScan {
			ids = append(ids, m.FileID)
		}
	}

	var (
		mu    sync.Mutex
		scans = make([]core.ScanFile, 0, len(ids))
		g     errgroup.Group
	)
	g.SetLimit(maxScanFetches)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			var scan *core.ScanFile
			err := s.policy.Do(ctx, retry.Read, "loading scan", func(ctx context.Context) error {
				var err error
				scan, err = s.client.GetScan(ctx, id)
				return err
			})
			if err != nil {
				if apperr.Is(err, apperr.KindRateLimited) {
					s.logger.Warn("Rate limited while loading scan, skipping", zap.String("scan_id", id))
				} else {
					s.logger.Error("Failed to load scan, skipping", zap.String("scan_id", id), zap.Error(err))
				}
				// Dropped, not fatal: siblings keep running.
				return nil
			}
			mu.Lock()
			scans = append(scans, *scan)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	SortScans(scans)
	return scans, nil
}

// Stats returns the context summary.
func (s *Service) Stats(ctx context.Context) (*core.Stats, error) {
	v, err := s.cache.Fetch(ctx, cache.KeyStats, func(ctx context.Context) (interface{}, error) {
		var stats *core.Stats
		err := s.policy.Do(ctx, retry.Read, "loading stats", func(ctx context.Context) error {
			var err error
			stats, err = s.client.GetStats(ctx)
			return err
		})
		return stats, err
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*core.Stats)
	return &out, nil
}

// DeleteFile removes a model or scan and invalidates its listing.
func (s *Service) DeleteFile(ctx context.Context, fileID, fileType string) error {
	fileType = strings.ToLower(strings.TrimSpace(fileType))
	if fileType != core.FileTypeModel && fileType != core.FileTypeScan {
		return apperr.Newf(apperr.KindValidation, "invalid file type: %s", fileType)
	}
	if fileID == "" {
		return apperr.New(apperr.KindValidation, "file id is required")
	}

	done, err := s.begin(fileType + ":" + fileID)
	if err != nil {
		return err
	}
	defer done()

	err = s.policy.Do(ctx, retry.Delete, "deleting file", func(ctx context.Context) error {
		return s.client.DeleteFile(ctx, fileID, fileType)
	})
	if err != nil {
		s.logger.Error("Delete failed", zap.String("file_id", fileID), zap.Error(err))
		return err
	}

	key := cache.KeyModels
	if fileType == core.FileTypeScan {
		key = cache.KeyScans
	}
	s.cache.Invalidate(key, cache.KeyStats)
	s.logger.Info("File deleted", zap.String("file_id", fileID), zap.String("file_type", fileType))
	return nil
}

type annotationForm struct {
	ScanID string `validate:"required"`
	Label  string `validate:"required"`
}

// Annotate attaches label to a scan.
func (s *Service) Annotate(ctx context.Context, scanID, label string) (string, error) {
	label = strings.TrimSpace(label)
	if err := s.validate.Struct(annotationForm{ScanID: scanID, Label: label}); err != nil {
		return "", err
	}

	var id string
	err := s.policy.Do(ctx, retry.Annotate, "adding annotation", func(ctx context.Context) error {
		var err error
		id, err = s.client.AddAnnotation(ctx, scanID, label)
		return err
	})
	if err != nil {
		s.logger.Error("Annotation failed", zap.String("scan_id", scanID), zap.Error(err))
		return "", err
	}

	s.cache.Invalidate(cache.KeyScans, cache.KeyStats)
	return id, nil
}

// SortModels orders models newest first, comparing normalized instants.
func SortModels(models []core.ModelFile) {
	sort.SliceStable(models, func(i, j int) bool {
		return models[i].CreatedAt.Millis() > models[j].CreatedAt.Millis()
	})
}

// SortScans orders scans newest first, comparing normalized instants.
func SortScans(scans []core.ScanFile) {
	sort.SliceStable(scans, func(i, j int) bool {
		return scans[i].CreatedAt.Millis() > scans[j].CreatedAt.Millis()
	})
}
