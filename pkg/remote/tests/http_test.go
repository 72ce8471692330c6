package remote_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/medshare/pkg/api"
	"github.com/3FT-io/medshare/pkg/apperr"
	"github.com/3FT-io/medshare/pkg/config"
	"github.com/3FT-io/medshare/pkg/core"
	"github.com/3FT-io/medshare/pkg/remote"
)

func setupTestNode(t *testing.T, withContext bool) (*httptest.Server, func()) {
	tmpDir, err := os.MkdirTemp("", "medshare-remote-test-*")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.StoragePath = tmpDir

	node, err := core.NewNode(cfg, nil, nil)
	require.NoError(t, err)
	if withContext {
		_, err = node.CreateContext(context.Background(), "medshare")
		require.NoError(t, err)
	}

	a, err := api.NewAPI(node, api.Options{})
	require.NoError(t, err)
	server := httptest.NewServer(a.Handler())

	return server, func() {
		server.Close()
		os.RemoveAll(tmpDir)
	}
}

func TestConnectAndRoundTrip(t *testing.T) {
	server, cleanup := setupTestNode(t, true)
	defer cleanup()

	ctx := context.Background()
	client, err := remote.Connect(ctx, server.URL, "medshare", time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, client.ContextID())

	payload := []byte("weights")
	id, err := client.UploadModel(ctx, core.ModelUpload{
		Name:        "m1",
		Description: "remote model",
		ModelType:   "segmentation",
		Version:     "1.0.0",
		FileData:    base64.StdEncoding.EncodeToString(payload),
		Uploader:    "alice",
		IsPublic:    true,
	})
	require.NoError(t, err)

	models, err := client.GetPublicModels(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "m1", models[0].Name)

	model, err := client.DownloadModel(ctx, id, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), model.FileSize)

	scanID, err := client.UploadScan(ctx, core.ScanUpload{
		PatientID: "p1",
		ScanType:  "PET",
		BodyPart:  "spine",
		FileData:  base64.StdEncoding.EncodeToString([]byte("pet")),
		Uploader:  "bob",
	})
	require.NoError(t, err)

	_, err = client.AddAnnotation(ctx, scanID, "lesion")
	require.NoError(t, err)

	scan, err := client.GetScan(ctx, scanID)
	require.NoError(t, err)
	assert.Equal(t, 1, scan.AnnotationCount)

	metadata, err := client.GetAllMetadata(ctx)
	require.NoError(t, err)
	assert.Len(t, metadata, 2)

	require.NoError(t, client.DeleteFile(ctx, id, core.FileTypeModel))
	stats, err := client.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalFiles)
}

func TestRemoteErrorKinds(t *testing.T) {
	server, cleanup := setupTestNode(t, true)
	defer cleanup()

	ctx := context.Background()
	client, err := remote.Connect(ctx, server.URL, "medshare", time.Second)
	require.NoError(t, err)

	_, err = client.GetScan(ctx, "scan_missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	err = client.DeleteFile(ctx, "x", "banana")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Equal(t, http.StatusBadRequest, apperr.StatusOf(err))
}

func TestConnectWithoutContext(t *testing.T) {
	server, cleanup := setupTestNode(t, false)
	defer cleanup()

	_, err := remote.Connect(context.Background(), server.URL, "medshare", time.Second)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Contains(t, err.Error(), "No contexts available")
}

func TestConnectTimeout(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(block)

	_, err := remote.Connect(context.Background(), server.URL, "medshare", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTimeout))
	assert.Equal(t, "Connection timeout. The network may not be accessible.", err.Error())
}

func TestConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = remote.Connect(context.Background(), "http://"+addr, "medshare", time.Second)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNetwork))
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		body   string
		header string
		want   apperr.Kind
	}{
		{http.StatusTooManyRequests, `{"success":false,"error":"Rate limit exceeded"}`, "3", apperr.KindRateLimited},
		{http.StatusNotFound, `{"success":false,"error":"file not found: x"}`, "", apperr.KindNotFound},
		{http.StatusBadRequest, `{"success":false,"error":"bad"}`, "", apperr.KindValidation},
		{http.StatusServiceUnavailable, `oops`, "", apperr.KindNetwork},
		{http.StatusInternalServerError, `{"success":false,"error":"Failed to store model","kind":"other"}`, "", apperr.KindOther},
		{http.StatusInternalServerError, `{"success":false,"error":"disk","kind":"decode"}`, "", apperr.KindDecode},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.header != "" {
					w.Header().Set("Retry-After", tc.header)
				}
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer server.Close()

			client := remote.NewHTTPClient(server.URL, "ctx", nil)
			_, err := client.GetStats(context.Background())
			require.Error(t, err)
			assert.Equal(t, tc.want, apperr.KindOf(err))

			if tc.want == apperr.KindRateLimited {
				var tagged *apperr.Error
				require.True(t, errors.As(err, &tagged))
				assert.Equal(t, 3*time.Second, tagged.RetryAfter)
			}
		})
	}
}

func TestTransportError(t *testing.T) {
	err := remote.TransportError(context.DeadlineExceeded)
	assert.True(t, apperr.Is(err, apperr.KindTimeout))

	err = remote.TransportError(errors.New("no such host"))
	assert.True(t, apperr.Is(err, apperr.KindNetwork))

	assert.ErrorIs(t, remote.TransportError(context.Canceled), context.Canceled)
}

func TestConnectTrailingSlash(t *testing.T) {
	server, cleanup := setupTestNode(t, true)
	defer cleanup()

	ctx := context.Background()
	client, err := remote.Connect(ctx, server.URL+"//", "medshare", time.Second)
	require.NoError(t, err)

	stats, err := client.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalFiles)

	info, err := remote.CreateContext(ctx, server.URL+"/", "second-app")
	require.NoError(t, err)
	assert.Equal(t, "second-app", info.ApplicationID)
}
