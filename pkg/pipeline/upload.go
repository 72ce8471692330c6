package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3FT-io/medshare/pkg/apperr"
	"github.com/3FT-io/medshare/pkg/cache"
	"github.com/3FT-io/medshare/pkg/codec"
	"github.com/3FT-io/medshare/pkg/core"
	"github.com/3FT-io/medshare/pkg/retry"
)

// UploadState is a step of the upload state machine.
type UploadState int

const (
	StateIdle UploadState = iota
	StateValidating
	StateEncoding
	StateSubmitting
	StateSuccess
	StateFailed
)

func (s UploadState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateEncoding:
		return "encoding"
	case StateSubmitting:
		return "submitting"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// StateFunc observes upload transitions.
type StateFunc func(UploadState)

type ModelForm struct {
	FilePath    string `validate:"required"`
	Name        string `validate:"required,min=3,max=100,safename"`
	Description string `validate:"required,min=10,max=500"`
	ModelType   string `validate:"required,oneof=tumor_classifier segmentation detection regression classification"`
	Version     string `validate:"required,max=20,version"`
	Uploader    string `validate:"required,min=2,max=50,safename"`
	IsPublic    bool

	OnState StateFunc `validate:"-"`
}

type ScanItem struct {
	FilePath string `validate:"required"`
	ScanType string `validate:"required,oneof=MRI CT PET Ultrasound X-Ray"`
	BodyPart string `validate:"required,oneof=brain chest abdomen spine pelvis extremities"`
}

// ScanBatch uploads several scans of one patient in a single form.
type ScanBatch struct {
	PatientID string     `validate:"required"`
	Uploader  string     `validate:"required,min=2,max=50,safename"`
	Items     []ScanItem `validate:"required,min=1,dive"`

	OnState StateFunc `validate:"-"`
}

// ScanResult is the outcome of one batch item.
type ScanResult struct {
	Item ScanItem
	ID   string
	Err  error
}

type machine struct {
	state   UploadState
	observe StateFunc
}

func (m *machine) to(s UploadState) {
	m.state = s
	if m.observe != nil {
		m.observe(s)
	}
}

// fail moves to Failed and passes err through unchanged.
func (m *machine) fail(err error) error {
	m.to(StateFailed)
	return err
}

// UploadModel validates, encodes and submits a model. Local validation
// failures never reach the remote client.
func (s *Service) UploadModel(ctx context.Context, form ModelForm) (string, error) {
	m := &machine{observe: form.OnState}
	m.to(StateValidating)

	if err := s.validate.Struct(form); err != nil {
		return "", m.fail(err)
	}
	if err := checkFile(form.FilePath, s.maxUpload, modelExtensions, modelMIMETypes, "ML model"); err != nil {
		return "", m.fail(err)
	}

	m.to(StateEncoding)
	data, err := codec.EncodeFile(form.FilePath)
	if err != nil {
		return "", m.fail(err)
	}

	req := core.ModelUpload{
		Name:        form.Name,
		Description: form.Description,
		ModelType:   form.ModelType,
		Version:     form.Version,
		FileData:    data,
		Uploader:    form.Uploader,
		IsPublic:    form.IsPublic,
	}

	m.to(StateSubmitting)
	var id string
	err = s.policy.Do(ctx, retry.Upload, "uploading model", func(ctx context.Context) error {
		var err error
		id, err = s.client.UploadModel(ctx, req)
		return err
	})
	if err != nil {
		s.logger.Error("Model upload failed", zap.String("name", form.Name), zap.Error(err))
		return "", m.fail(err)
	}

	s.cache.Invalidate(cache.KeyModels, cache.KeyStats)
	s.logger.Info("Model uploaded", zap.String("model_id", id), zap.String("name", form.Name))
	m.to(StateSuccess)
	return id, nil
}

// UploadScans validates every item before submitting any, then submits
// them in order. Items that fail remotely are reported in their result;
// the returned error is the first such failure.
func (s *Service) UploadScans(ctx context.Context, batch ScanBatch) ([]ScanResult, error) {
	m := &machine{observe: batch.OnState}
	m.to(StateValidating)

	if err := s.validate.Struct(batch); err != nil {
		return nil, m.fail(err)
	}
	for i, item := range batch.Items {
		if err := checkFile(item.FilePath, s.maxUpload, scanExtensions, scanMIMETypes, "medical image"); err != nil {
			return nil, m.fail(fmt.Errorf("scan %d: %w", i+1, err))
		}
	}

	m.to(StateEncoding)
	reqs := make([]core.ScanUpload, len(batch.Items))
	for i, item := range batch.Items {
		data, err := codec.EncodeFile(item.FilePath)
		if err != nil {
			return nil, m.fail(err)
		}
		reqs[i] = core.ScanUpload{
			PatientID: batch.PatientID,
			ScanType:  item.ScanType,
			BodyPart:  item.BodyPart,
			FileData:  data,
			Uploader:  batch.Uploader,
		}
	}

	m.to(StateSubmitting)
	results := make([]ScanResult, len(reqs))
	for i := range results {
		results[i].Item = batch.Items[i]
	}
	var firstErr error
	uploaded := 0
	for i, req := range reqs {
		req := req
		err := s.policy.Do(ctx, retry.Upload, "uploading scan", func(ctx context.Context) error {
			id, err := s.client.UploadScan(ctx, req)
			results[i].ID = id
			return err
		})
		if err != nil {
			results[i].Err = err
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Error("Scan upload failed",
				zap.String("patient_id", batch.PatientID),
				zap.Int("item", i+1),
				zap.Error(err),
			)
			// Throttled: the rest would be refused too.
			if apperr.Is(err, apperr.KindRateLimited) {
				break
			}
			continue
		}
		uploaded++
	}

	if uploaded > 0 {
		s.cache.Invalidate(cache.KeyScans, cache.KeyStats)
	}
	if firstErr != nil {
		return results, m.fail(firstErr)
	}

	s.logger.Info("Scans uploaded", zap.String("patient_id", batch.PatientID), zap.Int("count", uploaded))
	m.to(StateSuccess)
	return results, nil
}
