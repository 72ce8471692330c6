package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/3FT-io/medshare/pkg/apperr"
	"github.com/3FT-io/medshare/pkg/core"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    string          `json:"kind,omitempty"`
}

// HTTPClient talks to one context hosted by a node's HTTP API.
type HTTPClient struct {
	baseURL   string
	contextID string
	http      *http.Client
}

// NewHTTPClient binds a client to contextID on the node at nodeURL.
func NewHTTPClient(nodeURL, contextID string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPClient{
		baseURL:   strings.TrimRight(nodeURL, "/"),
		contextID: contextID,
		http:      httpClient,
	}
}

func (c *HTTPClient) ContextID() string {
	return c.contextID
}

func (c *HTTPClient) contextPath(format string, args ...interface{}) string {
	escaped := make([]interface{}, len(args))
	for i, a := range args {
		escaped[i] = url.PathEscape(fmt.Sprint(a))
	}
	return "/contexts/" + url.PathEscape(c.contextID) + fmt.Sprintf(format, escaped...)
}

func (c *HTTPClient) GetPublicModels(ctx context.Context) ([]core.ModelFile, error) {
	var models []core.ModelFile
	if err := c.do(ctx, http.MethodGet, c.contextPath("/models"), nil, &models); err != nil {
		return nil, err
	}
	return models, nil
}

func (c *HTTPClient) GetAllMetadata(ctx context.Context) ([]core.FileMetadata, error) {
	var all []core.FileMetadata
	if err := c.do(ctx, http.MethodGet, c.contextPath("/metadata"), nil, &all); err != nil {
		return nil, err
	}
	return all, nil
}

func (c *HTTPClient) GetScan(ctx context.Context, scanID string) (*core.ScanFile, error) {
	var scan core.ScanFile
	if err := c.do(ctx, http.MethodGet, c.contextPath("/scans/%s", scanID), nil, &scan); err != nil {
		return nil, err
	}
	return &scan, nil
}

func (c *HTTPClient) UploadModel(ctx context.Context, req core.ModelUpload) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, c.contextPath("/models"), req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) UploadScan(ctx context.Context, req core.ScanUpload) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, c.contextPath("/scans"), req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) DownloadModel(ctx context.Context, modelID, downloader string) (*core.ModelFile, error) {
	var model core.ModelFile
	body := map[string]string{"downloader": downloader}
	if err := c.do(ctx, http.MethodPost, c.contextPath("/models/%s/download", modelID), body, &model); err != nil {
		return nil, err
	}
	return &model, nil
}

func (c *HTTPClient) DownloadScan(ctx context.Context, scanID, downloader string) (*core.ScanFile, error) {
	var scan core.ScanFile
	body := map[string]string{"downloader": downloader}
	if err := c.do(ctx, http.MethodPost, c.contextPath("/scans/%s/download", scanID), body, &scan); err != nil {
		return nil, err
	}
	return &scan, nil
}

func (c *HTTPClient) DeleteFile(ctx context.Context, fileID, fileType string) error {
	return c.do(ctx, http.MethodDelete, c.contextPath("/files/%s/%s", fileType, fileID), nil, nil)
}

func (c *HTTPClient) AddAnnotation(ctx context.Context, scanID, label string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]string{"label": label}
	if err := c.do(ctx, http.MethodPost, c.contextPath("/scans/%s/annotations", scanID), body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) GetStats(ctx context.Context) (*core.Stats, error) {
	var stats core.Stats
	if err := c.do(ctx, http.MethodGet, c.contextPath("/stats"), nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	return doJSON(ctx, c.http, method, c.baseURL+path, body, out)
}

func doJSON(ctx context.Context, client *http.Client, method, target string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return TransportError(err)
	}
	defer resp.Body.Close()

	var env envelope
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return TransportError(err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil && resp.StatusCode < 300 {
			return apperr.Wrap(apperr.KindDecode, "invalid response from node", err)
		}
	}

	if resp.StatusCode >= 300 || (len(data) > 0 && !env.Success) {
		return StatusError(resp, env.Error, env.Kind)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return apperr.Wrap(apperr.KindDecode, "invalid response from node", err)
		}
	}
	return nil
}

// StatusError converts a failed HTTP response into a tagged error.
func StatusError(resp *http.Response, message, kind string) error {
	if message == "" {
		message = fmt.Sprintf("request failed with status %d", resp.StatusCode)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return apperr.RateLimit(message, parseRetryAfter(resp.Header.Get("Retry-After")))
	}

	k := apperr.ParseKind(kind)
	if k == apperr.KindOther {
		switch {
		case resp.StatusCode == http.StatusNotFound:
			k = apperr.KindNotFound
		case resp.StatusCode == http.StatusBadRequest:
			k = apperr.KindValidation
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
			k = apperr.KindTimeout
		case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable:
			k = apperr.KindNetwork
		}
	}
	return &apperr.Error{Kind: k, Message: message, Status: resp.StatusCode}
}

// TransportError classifies a failure to get any HTTP response at all.
func TransportError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.KindTimeout, "request timed out", err)
	case errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &netErr) && netErr.Timeout():
		return apperr.Wrap(apperr.KindTimeout, "request timed out", err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return apperr.Wrap(apperr.KindNetwork, "service unavailable: connection refused", err)
	default:
		return apperr.Wrap(apperr.KindNetwork, "service unavailable: "+err.Error(), err)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
