// Package remote is the client side of a hosted application context.
package remote

import (
	"context"

	"github.com/3FT-io/medshare/pkg/core"
)

// Client is the contract the pipelines consume. One Client is bound to
// one context for the lifetime of a session.
type Client interface {
	GetPublicModels(ctx context.Context) ([]core.ModelFile, error)
	GetAllMetadata(ctx context.Context) ([]core.FileMetadata, error)
	GetScan(ctx context.Context, scanID string) (*core.ScanFile, error)
	UploadModel(ctx context.Context, req core.ModelUpload) (string, error)
	UploadScan(ctx context.Context, req core.ScanUpload) (string, error)
	DownloadModel(ctx context.Context, modelID, downloader string) (*core.ModelFile, error)
	DownloadScan(ctx context.Context, scanID, downloader string) (*core.ScanFile, error)
	DeleteFile(ctx context.Context, fileID, fileType string) error
	AddAnnotation(ctx context.Context, scanID, label string) (string, error)
	GetStats(ctx context.Context) (*core.Stats, error)
}

// Local serves the contract straight from an in-process store.
type Local struct {
	store *core.Store
}

func NewLocal(store *core.Store) *Local {
	return &Local{store: store}
}

func (l *Local) GetPublicModels(ctx context.Context) ([]core.ModelFile, error) {
	return l.store.GetPublicModels(ctx)
}

func (l *Local) GetAllMetadata(ctx context.Context) ([]core.FileMetadata, error) {
	return l.store.GetAllMetadata(ctx)
}

func (l *Local) GetScan(ctx context.Context, scanID string) (*core.ScanFile, error) {
	return l.store.GetScan(ctx, scanID)
}

func (l *Local) UploadModel(ctx context.Context, req core.ModelUpload) (string, error) {
	return l.store.UploadModel(ctx, req)
}

func (l *Local) UploadScan(ctx context.Context, req core.ScanUpload) (string, error) {
	return l.store.UploadScan(ctx, req)
}

func (l *Local) DownloadModel(ctx context.Context, modelID, downloader string) (*core.ModelFile, error) {
	return l.store.DownloadModel(ctx, modelID, downloader)
}

func (l *Local) DownloadScan(ctx context.Context, scanID, downloader string) (*core.ScanFile, error) {
	return l.store.DownloadScan(ctx, scanID, downloader)
}

func (l *Local) DeleteFile(ctx context.Context, fileID, fileType string) error {
	return l.store.DeleteFile(ctx, fileID, fileType)
}

func (l *Local) AddAnnotation(ctx context.Context, scanID, label string) (string, error) {
	return l.store.AddAnnotation(ctx, scanID, label)
}

func (l *Local) GetStats(ctx context.Context) (*core.Stats, error) {
	return l.store.GetStats(ctx)
}
