package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3FT-io/medshare/pkg/apperr"
	"github.com/3FT-io/medshare/pkg/cache"
	"github.com/3FT-io/medshare/pkg/codec"
	"github.com/3FT-io/medshare/pkg/core"
	"github.com/3FT-io/medshare/pkg/pipeline"
	"github.com/3FT-io/medshare/pkg/remote"
	"github.com/3FT-io/medshare/pkg/retry"
	"github.com/3FT-io/medshare/pkg/testutil"
)

type fixture struct {
	store   *core.Store
	client  *testutil.FaultClient
	service *pipeline.Service
	dir     string
}

func setupTestPipeline(t *testing.T) (*fixture, func()) {
	store, cleanupStore := testutil.NewTestStore(t)
	dir, cleanupDir := testutil.CreateTempDir(t, "medshare-pipeline-test-*")

	client := testutil.NewFaultClient(remote.NewLocal(store))
	policy := retry.NewPolicy(zap.NewNop()).WithSleep(func(ctx context.Context, d time.Duration) error {
		return ctx.Err()
	})
	service := pipeline.NewService(client, pipeline.Options{
		Policy:    policy,
		OutputDir: filepath.Join(dir, "out"),
	})

	return &fixture{store: store, client: client, service: service, dir: dir}, func() {
		cleanupDir()
		cleanupStore()
	}
}

func validModelForm(path string) pipeline.ModelForm {
	return pipeline.ModelForm{
		FilePath:    path,
		Name:        "tumor net",
		Description: "classifies brain tumors",
		ModelType:   "tumor_classifier",
		Version:     "1.0.0",
		Uploader:    "alice",
		IsPublic:    true,
	}
}

func TestSortNewestFirst(t *testing.T) {
	models := []core.ModelFile{{ID: "a", CreatedAt: 100}, {ID: "b", CreatedAt: 300}, {ID: "c", CreatedAt: 200}}
	pipeline.SortModels(models)
	assert.Equal(t, []string{"b", "c", "a"}, []string{models[0].ID, models[1].ID, models[2].ID})

	// Mixed units compare by instant: 2e9 seconds is later than 1e12 ms.
	scans := []core.ScanFile{{ID: "ms", CreatedAt: 1_000_000_000_000}, {ID: "s", CreatedAt: 2_000_000_000}}
	pipeline.SortScans(scans)
	assert.Equal(t, "s", scans[0].ID)
}

func TestUploadModelThenList(t *testing.T) {
	f, cleanup := setupTestPipeline(t)
	defer cleanup()
	ctx := context.Background()

	models, err := f.service.ListModels(ctx)
	require.NoError(t, err)
	assert.Empty(t, models)

	path := testutil.CreateTestFile(t, f.dir, "net.onnx", []byte("onnx weights"))

	var states []pipeline.UploadState
	form := validModelForm(path)
	form.OnState = func(s pipeline.UploadState) { states = append(states, s) }

	id, err := f.service.UploadModel(ctx, form)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, []pipeline.UploadState{
		pipeline.StateValidating, pipeline.StateEncoding, pipeline.StateSubmitting, pipeline.StateSuccess,
	}, states)

	models, err = f.service.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, id, models[0].ID)
	assert.Equal(t, 2, f.client.Calls("GetPublicModels"))
}

func TestUploadValidationNeverReachesClient(t *testing.T) {
	f, cleanup := setupTestPipeline(t)
	defer cleanup()
	ctx := context.Background()

	good := testutil.CreateTestFile(t, f.dir, "net.onnx", []byte("weights"))
	big := testutil.CreateTestFile(t, f.dir, "big.onnx", bytes.Repeat([]byte{1}, pipeline.DefaultMaxUploadBytes+1))
	wrong := testutil.CreateTestFile(t, f.dir, "notes.pdf", []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n"))

	cases := []struct {
		name   string
		mutate func(*pipeline.ModelForm)
		msg    string
	}{
		{"short name", func(m *pipeline.ModelForm) { m.Name = "ab" }, "Name must be at least 3 characters"},
		{"bad name chars", func(m *pipeline.ModelForm) { m.Name = "net<script>" }, "Name can only contain"},
		{"bad type", func(m *pipeline.ModelForm) { m.ModelType = "llm" }, "Please select a valid model type"},
		{"bad version", func(m *pipeline.ModelForm) { m.Version = "1.0 beta" }, "Version can only contain"},
		{"missing file", func(m *pipeline.ModelForm) { m.FilePath = filepath.Join(f.dir, "nope.onnx") }, ""},
		{"too large", func(m *pipeline.ModelForm) { m.FilePath = big }, "File size must be less than 40KB"},
		{"wrong format", func(m *pipeline.ModelForm) { m.FilePath = wrong }, "Please select a valid ML model file"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			form := validModelForm(good)
			tc.mutate(&form)

			var last pipeline.UploadState
			form.OnState = func(s pipeline.UploadState) { last = s }

			_, err := f.service.UploadModel(ctx, form)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation), err.Error())
			if tc.msg != "" {
				assert.Contains(t, err.Error(), tc.msg)
			}
			assert.Equal(t, pipeline.StateFailed, last)
		})
	}

	assert.Equal(t, 0, f.client.Calls("UploadModel"))
}

func TestUploadScansValidatesAllFirst(t *testing.T) {
	f, cleanup := setupTestPipeline(t)
	defer cleanup()
	ctx := context.Background()

	good := testutil.CreateTestFile(t, f.dir, "a.png", []byte("png bytes"))
	batch := pipeline.ScanBatch{
		PatientID: "p1",
		Uploader:  "bob",
		Items: []pipeline.ScanItem{
			{FilePath: good, ScanType: "MRI", BodyPart: "brain"},
			{FilePath: good, ScanType: "MRI", BodyPart: "elbow"},
		},
	}

	_, err := f.service.UploadScans(ctx, batch)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Equal(t, 0, f.client.Calls("UploadScan"))

	batch.Items[1].BodyPart = "chest"
	results, err := f.service.UploadScans(ctx, batch)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.NotEmpty(t, r.ID)
	}

	scans, err := f.service.ListScans(ctx)
	require.NoError(t, err)
	assert.Len(t, scans, 2)
}

func TestUploadScansStopsWhenRateLimited(t *testing.T) {
	f, cleanup := setupTestPipeline(t)
	defer cleanup()

	f.client.FailOn("UploadScan", func(string) error {
		return apperr.RateLimit("Rate limit exceeded", 2*time.Second)
	})

	path := testutil.CreateTestFile(t, f.dir, "a.jpg", []byte("jpeg"))
	item := pipeline.ScanItem{FilePath: path, ScanType: "CT", BodyPart: "chest"}
	results, err := f.service.UploadScans(context.Background(), pipeline.ScanBatch{
		PatientID: "p1",
		Uploader:  "bob",
		Items:     []pipeline.ScanItem{item, item, item},
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindRateLimited))
	assert.Contains(t, err.Error(), "Rate limit exceeded while uploading scan")
	assert.Equal(t, 1, f.client.Calls("UploadScan"))
	require.Len(t, results, 3)
	assert.Equal(t, item, results[2].Item)
	assert.NoError(t, results[2].Err)
}

func TestListScansDropsFailures(t *testing.T) {
	f, cleanup := setupTestPipeline(t)
	defer cleanup()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.store.UploadScan(ctx, core.ScanUpload{
			PatientID: "p1",
			ScanType:  "MRI",
			BodyPart:  "brain",
			FileData:  codec.EncodeBytes([]byte{byte(i)}),
			Uploader:  "bob",
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	broken := ids[1]
	f.client.FailOn("GetScan", func(id string) error {
		if id == broken {
			return apperr.New(apperr.KindNotFound, "file not found: "+id)
		}
		return nil
	})

	scans, err := f.service.ListScans(ctx)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	for _, s := range scans {
		assert.NotEqual(t, broken, s.ID)
	}
	// Not found is permanent: one call per scan, no retries.
	assert.Equal(t, 3, f.client.Calls("GetScan"))
}

func TestListRetriesTransientFailure(t *testing.T) {
	f, cleanup := setupTestPipeline(t)
	defer cleanup()

	var mu sync.Mutex
	failures := 2
	f.client.FailOn("GetStats", func(string) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return apperr.New(apperr.KindNetwork, "service unavailable")
		}
		return nil
	})

	stats, err := f.service.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalFiles)
	assert.Equal(t, 3, f.client.Calls("GetStats"))
}

func TestDownloadModelSavesFile(t *testing.T) {
	f, cleanup := setupTestPipeline(t)
	defer cleanup()
	ctx := context.Background()

	payload := []byte("\x89PNG\r\n\x1a\n model bytes")
	id, err := f.store.UploadModel(ctx, core.ModelUpload{
		Name:        "seg net",
		Description: "segments things",
		ModelType:   "segmentation",
		Version:     "2.1",
		FileData:    codec.EncodeBytes(payload),
		Uploader:    "alice",
		IsPublic:    true,
	})
	require.NoError(t, err)

	saved, err := f.service.DownloadModel(ctx, id, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), saved.Size)
	assert.Equal(t, "seg net_v2.1", filepath.Base(saved.Path))
	assert.Equal(t, "image/png", saved.MimeType)

	data, err := os.ReadFile(saved.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	meta, err := f.store.GetFileMetadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.AccessCount)
}

func TestDownloadFailureLeavesNoFile(t *testing.T) {
	f, cleanup := setupTestPipeline(t)
	defer cleanup()

	_, err := f.service.DownloadScan(context.Background(), "scan_missing", "bob")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	entries, _ := os.ReadDir(filepath.Join(f.dir, "out"))
	assert.Empty(t, entries)
}

func TestDownloadInFlight(t *testing.T) {
	f, cleanup := setupTestPipeline(t)
	defer cleanup()
	ctx := context.Background()

	id, err := f.store.UploadScan(ctx, core.ScanUpload{
		PatientID: "p1",
		ScanType:  "CT",
		BodyPart:  "chest",
		FileData:  codec.EncodeBytes([]byte("ct")),
		Uploader:  "bob",
	})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.client.FailOn("DownloadScan", func(string) error {
		close(entered)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.service.DownloadScan(ctx, id, "bob")
		done <- err
	}()
	<-entered
	assert.True(t, f.service.InFlight("scan:"+id))

	_, err = f.service.DownloadScan(ctx, id, "bob")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInFlight))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, f.service.InFlight("scan:"+id))
	assert.Equal(t, 1, f.client.Calls("DownloadScan"))
}

func TestDeleteAndAnnotateInvalidate(t *testing.T) {
	f, cleanup := setupTestPipeline(t)
	defer cleanup()
	ctx := context.Background()

	id, err := f.store.UploadScan(ctx, core.ScanUpload{
		PatientID: "p1",
		ScanType:  "PET",
		BodyPart:  "spine",
		FileData:  codec.EncodeBytes([]byte("pet")),
		Uploader:  "bob",
	})
	require.NoError(t, err)

	_, err = f.service.ListScans(ctx)
	require.NoError(t, err)
	_, err = f.service.Stats(ctx)
	require.NoError(t, err)

	_, err = f.service.Annotate(ctx, id, "  ")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Equal(t, 0, f.client.Calls("AddAnnotation"))

	_, err = f.service.Annotate(ctx, id, "lesion")
	require.NoError(t, err)
	_, _, ok := f.service.Cache().Get(cache.KeyScans)
	assert.False(t, ok)

	scans, err := f.service.ListScans(ctx)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, 1, scans[0].AnnotationCount)

	err = f.service.DeleteFile(ctx, id, "bogus")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	require.NoError(t, f.service.DeleteFile(ctx, id, "SCAN"))
	_, _, ok = f.service.Cache().Get(cache.KeyStats)
	assert.False(t, ok)

	stats, err := f.service.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalScans)
}

func TestUntaggedErrorsRetriedToCeiling(t *testing.T) {
	f, cleanup := setupTestPipeline(t)
	defer cleanup()

	boom := errors.New("disk on fire")
	f.client.FailOn("GetPublicModels", func(string) error { return boom })

	_, err := f.service.ListModels(context.Background())
	require.ErrorIs(t, err, boom)
	// Untagged errors are retried up to the read ceiling.
	assert.Equal(t, 4, f.client.Calls("GetPublicModels"))
}

func TestFormatFileSize(t *testing.T) {
	assert.Equal(t, "0 Bytes", pipeline.FormatFileSize(0))
	assert.Equal(t, "1.5 KB", pipeline.FormatFileSize(1536))
}

// stallingClient reads the model listing, then holds its first call until
// released, so the listing it returns predates anything written meanwhile.
type stallingClient struct {
	remote.Client

	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (c *stallingClient) GetPublicModels(ctx context.Context) ([]core.ModelFile, error) {
	models, err := c.Client.GetPublicModels(ctx)

	c.mu.Lock()
	c.calls++
	first := c.calls == 1
	c.mu.Unlock()

	if first {
		close(c.entered)
		<-c.release
	}
	return models, err
}

func (c *stallingClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestListAfterUploadSeesUploadDuringInFlightList(t *testing.T) {
	store, cleanupStore := testutil.NewTestStore(t)
	defer cleanupStore()
	dir, cleanupDir := testutil.CreateTempDir(t, "medshare-pipeline-test-*")
	defer cleanupDir()

	client := &stallingClient{
		Client:  remote.NewLocal(store),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	service := pipeline.NewService(client, pipeline.Options{OutputDir: dir})
	ctx := context.Background()

	firstDone := make(chan []core.ModelFile, 1)
	go func() {
		models, _ := service.ListModels(ctx)
		firstDone <- models
	}()
	<-client.entered

	path := testutil.CreateTestFile(t, dir, "net.onnx", []byte("onnx weights"))
	id, err := service.UploadModel(ctx, validModelForm(path))
	require.NoError(t, err)

	models, err := service.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, id, models[0].ID)
	assert.Equal(t, 2, client.Calls())

	close(client.release)
	assert.Empty(t, <-firstDone)

	models, err = service.ListModels(ctx)
	require.NoError(t, err)
	assert.Len(t, models, 1)
}

func TestListScansDropsRateLimitedScan(t *testing.T) {
	f, cleanup := setupTestPipeline(t)
	defer cleanup()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.store.UploadScan(ctx, core.ScanUpload{
			PatientID: "p2",
			ScanType:  "CT",
			BodyPart:  "chest",
			FileData:  codec.EncodeBytes([]byte{byte(i)}),
			Uploader:  "bob",
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	throttled := ids[0]
	f.client.FailOn("GetScan", func(id string) error {
		if id == throttled {
			return apperr.RateLimit("Too many requests", time.Second)
		}
		return nil
	})

	scans, err := f.service.ListScans(ctx)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	for _, s := range scans {
		assert.NotEqual(t, throttled, s.ID)
	}
	// Rate-limited fetches are never retried.
	assert.Equal(t, 3, f.client.Calls("GetScan"))
}

func TestListScansFailsWhenMetadataRateLimited(t *testing.T) {
	f, cleanup := setupTestPipeline(t)
	defer cleanup()

	f.client.FailOn("GetAllMetadata", func(string) error {
		return apperr.RateLimit("Rate limit exceeded", 4*time.Second)
	})

	scans, err := f.service.ListScans(context.Background())
	require.Error(t, err)
	assert.Nil(t, scans)
	assert.True(t, apperr.Is(err, apperr.KindRateLimited))
	assert.Equal(t, "Rate limit exceeded while loading scans", err.Error())

	var tagged *apperr.Error
	require.True(t, errors.As(err, &tagged))
	assert.Equal(t, 4*time.Second, tagged.RetryAfter)
	assert.Equal(t, 1, f.client.Calls("GetAllMetadata"))
	assert.Equal(t, 0, f.client.Calls("GetScan"))

	_, _, ok := f.service.Cache().Get(cache.KeyScans)
	assert.False(t, ok)
}
