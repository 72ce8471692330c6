package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"

	"github.com/3FT-io/medshare/pkg/cache"
	"github.com/3FT-io/medshare/pkg/codec"
	"github.com/3FT-io/medshare/pkg/core"
	"github.com/3FT-io/medshare/pkg/retry"
)

// SavedFile describes a payload written to disk by a download.
type SavedFile struct {
	Path     string
	Size     int64
	MimeType string
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9.\-_ ]+`)

// ModelFileName is the local name a downloaded model is saved under.
func ModelFileName(m *core.ModelFile) string {
	return sanitizeFileName(fmt.Sprintf("%s_v%s", m.Name, m.Version))
}

// ScanFileName is the local name a downloaded scan is saved under.
func ScanFileName(sc *core.ScanFile) string {
	return sanitizeFileName("scan_" + sc.ID)
}

func sanitizeFileName(name string) string {
	name = unsafeFileChars.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." {
		return "download"
	}
	return name
}

// DownloadModel fetches a model and saves its payload in the output
// directory. A second call for the same id while one is running fails
// with an InFlight error; other ids are unaffected.
func (s *Service) DownloadModel(ctx context.Context, modelID, downloader string) (*SavedFile, error) {
	done, err := s.begin("model:" + modelID)
	if err != nil {
		return nil, err
	}
	defer done()

	var model *core.ModelFile
	err = s.policy.Do(ctx, retry.Download, "downloading model", func(ctx context.Context) error {
		var err error
		model, err = s.client.DownloadModel(ctx, modelID, downloader)
		return err
	})
	if err != nil {
		s.logger.Error("Model download failed", zap.String("model_id", modelID), zap.Error(err))
		return nil, err
	}

	saved, err := s.save(model.FileData, ModelFileName(model))
	if err != nil {
		return nil, err
	}

	// Access counts changed on the node.
	s.cache.Invalidate(cache.KeyModels)
	s.logger.Info("Model downloaded", zap.String("model_id", modelID), zap.String("path", saved.Path))
	return saved, nil
}

func (s *Service) DownloadScan(ctx context.Context, scanID, downloader string) (*SavedFile, error) {
	done, err := s.begin("scan:" + scanID)
	if err != nil {
		return nil, err
	}
	defer done()

	var scan *core.ScanFile
	err = s.policy.Do(ctx, retry.Download, "downloading scan", func(ctx context.Context) error {
		var err error
		scan, err = s.client.DownloadScan(ctx, scanID, downloader)
		return err
	})
	if err != nil {
		s.logger.Error("Scan download failed", zap.String("scan_id", scanID), zap.Error(err))
		return nil, err
	}

	saved, err := s.save(scan.FileData, ScanFileName(scan))
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(cache.KeyScans)
	s.logger.Info("Scan downloaded", zap.String("scan_id", scanID), zap.String("path", saved.Path))
	return saved, nil
}

// save decodes payload and writes it through a temp file that is removed
// on every path that does not end in a successful rename.
func (s *Service) save(payload, name string) (saved *SavedFile, err error) {
	blob, err := codec.Decode(payload, "")
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.outputDir, ".download-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(blob.Data); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	target := filepath.Join(s.outputDir, name)
	if err = os.Rename(tmpPath, target); err != nil {
		return nil, fmt.Errorf("failed to save file: %w", err)
	}

	return &SavedFile{Path: target, Size: blob.Size(), MimeType: blob.MimeType}, nil
}
