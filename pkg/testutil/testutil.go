package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3FT-io/medshare/pkg/core"
	"github.com/3FT-io/medshare/pkg/remote"
)

// CreateTempDir creates a temporary directory and returns its path along with a cleanup function
func CreateTempDir(t *testing.T, prefix string) (string, func()) {
	tmpDir, err := os.MkdirTemp("", prefix)
	require.NoError(t, err)

	cleanup := func() {
		os.RemoveAll(tmpDir)
	}

	return tmpDir, cleanup
}

// CreateTestFile writes content to dir/name and returns its path
func CreateTestFile(t *testing.T, dir, name string, content []byte) string {
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, content, 0644)
	require.NoError(t, err)
	return path
}

// NewTestStore opens a context store in a fresh temp directory.
func NewTestStore(t *testing.T) (*core.Store, func()) {
	dir, cleanup := CreateTempDir(t, "medshare-store-test-*")
	store, err := core.NewStorage(dir)
	require.NoError(t, err)
	return store, cleanup
}

// FaultClient wraps a remote.Client and lets tests fail chosen calls.
// Fail hooks receive the call's argument (an id, or "" for collection
// calls) and return the error to inject, or nil to pass through.
type FaultClient struct {
	remote.Client

	mu    sync.Mutex
	calls map[string]int
	fail  map[string]func(arg string) error
}

func NewFaultClient(inner remote.Client) *FaultClient {
	return &FaultClient{
		Client: inner,
		calls:  make(map[string]int),
		fail:   make(map[string]func(string) error),
	}
}

// FailOn installs hook for op (the method name, e.g. "GetScan").
func (f *FaultClient) FailOn(op string, hook func(arg string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = hook
}

// Calls returns how many times op was invoked.
func (f *FaultClient) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FaultClient) enter(op, arg string) error {
	f.mu.Lock()
	f.calls[op]++
	hook := f.fail[op]
	f.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(arg)
}

func (f *FaultClient) GetPublicModels(ctx context.Context) ([]core.ModelFile, error) {
	if err := f.enter("GetPublicModels", ""); err != nil {
		return nil, err
	}
	return f.Client.GetPublicModels(ctx)
}

func (f *FaultClient) GetAllMetadata(ctx context.Context) ([]core.FileMetadata, error) {
	if err := f.enter("GetAllMetadata", ""); err != nil {
		return nil, err
	}
	return f.Client.GetAllMetadata(ctx)
}

func (f *FaultClient) GetScan(ctx context.Context, scanID string) (*core.ScanFile, error) {
	if err := f.enter("GetScan", scanID); err != nil {
		return nil, err
	}
	return f.Client.GetScan(ctx, scanID)
}

func (f *FaultClient) UploadModel(ctx context.Context, req core.ModelUpload) (string, error) {
	if err := f.enter("UploadModel", req.Name); err != nil {
		return "", err
	}
	return f.Client.UploadModel(ctx, req)
}

func (f *FaultClient) UploadScan(ctx context.Context, req core.ScanUpload) (string, error) {
	if err := f.enter("UploadScan", req.PatientID); err != nil {
		return "", err
	}
	return f.Client.UploadScan(ctx, req)
}

func (f *FaultClient) DownloadModel(ctx context.Context, modelID, downloader string) (*core.ModelFile, error) {
	if err := f.enter("DownloadModel", modelID); err != nil {
		return nil, err
	}
	return f.Client.DownloadModel(ctx, modelID, downloader)
}

func (f *FaultClient) DownloadScan(ctx context.Context, scanID, downloader string) (*core.ScanFile, error) {
	if err := f.enter("DownloadScan", scanID); err != nil {
		return nil, err
	}
	return f.Client.DownloadScan(ctx, scanID, downloader)
}

func (f *FaultClient) DeleteFile(ctx context.Context, fileID, fileType string) error {
	if err := f.enter("DeleteFile", fileID); err != nil {
		return err
	}
	return f.Client.DeleteFile(ctx, fileID, fileType)
}

func (f *FaultClient) AddAnnotation(ctx context.Context, scanID, label string) (string, error) {
	if err := f.enter("AddAnnotation", scanID); err != nil {
		return "", err
	}
	return f.Client.AddAnnotation(ctx, scanID, label)
}

func (f *FaultClient) GetStats(ctx context.Context) (*core.Stats, error) {
	if err := f.enter("GetStats", ""); err != nil {
		return nil, err
	}
	return f.Client.GetStats(ctx)
}
