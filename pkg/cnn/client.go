// Package cnn is a client for the external CNN prediction and
// retraining service.
package cnn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/3FT-io/medshare/pkg/apperr"
)

const (
	HealthPath  = "/"
	PredictPath = "/predict"
	RetrainPath = "/retrain"

	DefaultPredictTimeout = 30 * time.Second
	DefaultRetrainTimeout = 10 * time.Minute
)

const unavailableMessage = "CNN API is not available. Please check if the service is running."

type Options struct {
	PredictTimeout time.Duration
	RetrainTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Client talks to one CNN service. At most one prediction or retraining
// call runs at a time per Client.
type Client struct {
	baseURL        string
	http           *http.Client
	logger         *zap.Logger
	validate       *validator.Validate
	predictTimeout time.Duration
	retrainTimeout time.Duration

	mu   sync.Mutex
	busy bool
}

func NewClient(baseURL string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Deadlines come from the per-call contexts.
		httpClient = &http.Client{}
	}
	predict := opts.PredictTimeout
	if predict <= 0 {
		predict = DefaultPredictTimeout
	}
	retrain := opts.RetrainTimeout
	if retrain <= 0 {
		retrain = DefaultRetrainTimeout
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           httpClient,
		logger:         logger,
		validate:       validator.New(),
		predictTimeout: predict,
		retrainTimeout: retrain,
	}
}

func (c *Client) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return apperr.New(apperr.KindInFlight, "a prediction or training request is already running")
	}
	c.busy = true
	return nil
}

func (c *Client) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

// Health checks the service root.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+HealthPath, nil)
	if err != nil {
		return nil, err
	}
	var out HealthResponse
	if err := c.do(req, &out); err != nil {
		if apperr.Is(err, apperr.KindNetwork) {
			return nil, err
		}
		return nil, fmt.Errorf("CNN API health check failed: %w", err)
	}
	return &out, nil
}

// Predict uploads the image at path and returns the classification.
func (c *Client) Predict(ctx context.Context, path string) (*PredictionResponse, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	ctx, cancel := context.WithTimeout(ctx, c.predictTimeout)
	defer cancel()

	req, err := c.multipartRequest(ctx, PredictPath, path)
	if err != nil {
		return nil, err
	}

	var out PredictionResponse
	if err := c.do(req, &out); err != nil {
		err = predictError(err)
		c.logger.Error("Prediction failed", zap.String("file", filepath.Base(path)), zap.Error(err))
		return nil, err
	}
	c.logger.Info("Prediction complete", zap.String("label", out.PredictedLabel))
	return &out, nil
}

// Retrain starts training with params; nil uses the service defaults.
func (c *Client) Retrain(ctx context.Context, params *RetrainParams) (*RetrainResponse, error) {
	if params == nil {
		params = &RetrainParams{}
	}
	if err := c.validate.Struct(params); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid training parameters", err)
	}
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	ctx, cancel := context.WithTimeout(ctx, c.retrainTimeout)
	defer cancel()

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode training parameters: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+RetrainPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.retrain(req)
}

// RetrainZip uploads a zipped dataset and trains on it.
func (c *Client) RetrainZip(ctx context.Context, path string) (*RetrainResponse, error) {
	if !strings.HasSuffix(strings.ToLower(path), ".zip") {
		return nil, apperr.New(apperr.KindValidation, "Please select a .zip dataset archive")
	}
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	ctx, cancel := context.WithTimeout(ctx, c.retrainTimeout)
	defer cancel()

	req, err := c.multipartRequest(ctx, RetrainPath, path)
	if err != nil {
		return nil, err
	}
	return c.retrain(req)
}

func (c *Client) retrain(req *http.Request) (*RetrainResponse, error) {
	var out RetrainResponse
	if err := c.do(req, &out); err != nil {
		err = retrainError(err)
		c.logger.Error("Retraining failed", zap.Error(err))
		return nil, err
	}
	c.logger.Info("Retraining complete",
		zap.String("message", out.Message),
		zap.Int("final_epoch", out.Details.FinalEpoch),
	)
	return &out, nil
}

func (c *Client) multipartRequest(ctx context.Context, path, filePath string) (*http.Request, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFileRead, fmt.Sprintf("failed to read file %s", filePath), err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, apperr.Wrap(apperr.KindFileRead, fmt.Sprintf("failed to read file %s", filePath), err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(err)
	}

	if resp.StatusCode >= 300 {
		return &apperr.Error{
			Kind:    statusKind(resp.StatusCode),
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, detail(data)),
			Status:  resp.StatusCode,
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Wrap(apperr.KindDecode, "invalid response from CNN API", err)
	}
	return nil
}

func statusKind(status int) apperr.Kind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperr.KindValidation
	case http.StatusNotFound:
		return apperr.KindNotFound
	case http.StatusTooManyRequests:
		return apperr.KindRateLimited
	}
	return apperr.KindOther
}

// detail pulls the FastAPI-style "detail" field out of an error body.
func detail(body []byte) string {
	var payload struct {
		Detail interface{} `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != nil {
		if s, ok := payload.Detail.(string); ok {
			return s
		}
		if b, err := json.Marshal(payload.Detail); err == nil {
			return string(b)
		}
	}
	return strings.TrimSpace(string(body))
}

func transportError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return apperr.Wrap(apperr.KindTimeout, "request timed out", err)
	}
	// Refused connections and DNS failures read the same to a user.
	return apperr.Wrap(apperr.KindNetwork, unavailableMessage, err)
}

func predictError(err error) error {
	switch {
	case apperr.StatusOf(err) == http.StatusBadRequest:
		return apperr.Wrap(apperr.KindValidation, "Invalid image file. Please ensure the file is a valid medical image (JPEG/PNG).", err)
	case apperr.StatusOf(err) == http.StatusInternalServerError:
		return &apperr.Error{Kind: apperr.KindOther, Status: http.StatusInternalServerError, Message: "Model prediction failed. Please try again or contact support.", Err: err}
	case apperr.Is(err, apperr.KindTimeout):
		return apperr.Wrap(apperr.KindTimeout, "Prediction request timed out. Please try again.", err)
	case apperr.Is(err, apperr.KindNetwork), apperr.Is(err, apperr.KindFileRead), apperr.Is(err, apperr.KindValidation):
		return err
	}
	return &apperr.Error{Kind: apperr.KindOf(err), Status: apperr.StatusOf(err), Message: "Prediction failed: " + err.Error(), Err: err}
}

func retrainError(err error) error {
	switch {
	case apperr.Is(err, apperr.KindTimeout):
		return apperr.Wrap(apperr.KindTimeout, "Training request timed out. Training may still be in progress.", err)
	case apperr.Is(err, apperr.KindNetwork), apperr.Is(err, apperr.KindFileRead):
		return err
	}
	return &apperr.Error{Kind: apperr.KindOf(err), Status: apperr.StatusOf(err), Message: "Model retraining failed: " + err.Error(), Err: err}
}
