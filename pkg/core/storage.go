package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/3FT-io/medshare/pkg/apperr"
	"github.com/3FT-io/medshare/pkg/blocks"
	"github.com/3FT-io/medshare/pkg/codec"
)

// Size ceilings enforced by the store on decoded payloads.
const (
	MaxModelSize = 10 * 1024 * 1024
	MaxScanSize  = 50 * 1024 * 1024
)

// record is the on-disk form of one stored file. Payload bytes live in the
// block store and are referenced by hash.
type record struct {
	FileType    string       `json:"file_type"`
	Model       *ModelFile   `json:"model,omitempty"`
	Scan        *ScanFile    `json:"scan,omitempty"`
	Metadata    FileMetadata `json:"metadata"`
	Annotations []Annotation `json:"annotations,omitempty"`
	Block       string       `json:"block"`
}

// Store is the state of one application context: shared models, local
// scans, their metadata and scan annotations.
type Store struct {
	basePath    string
	blocks      *blocks.Store
	sink        EventSink
	models      map[string]*ModelFile
	scans       map[string]*ScanFile
	metadata    map[string]*FileMetadata
	annotations map[string][]Annotation
	payloads    map[string]string
	mu          sync.RWMutex
}

// NewStorage opens (or creates) a store rooted at path and reloads any
// records found there.
func NewStorage(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(path, "records"), 0755); err != nil {
		return nil, err
	}

	blockStore, err := blocks.NewStore(filepath.Join(path, "blocks"))
	if err != nil {
		return nil, err
	}

	s := &Store{
		basePath:    path,
		blocks:      blockStore,
		sink:        nopSink{},
		models:      make(map[string]*ModelFile),
		scans:       make(map[string]*ScanFile),
		metadata:    make(map[string]*FileMetadata),
		annotations: make(map[string][]Annotation),
		payloads:    make(map[string]string),
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}

	return s, nil
}

// SetEventSink routes store events to sink.
func (s *Store) SetEventSink(sink EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sink == nil {
		sink = nopSink{}
	}
	s.sink = sink
}

func (s *Store) load() error {
	entries, err := os.ReadDir(filepath.Join(s.basePath, "records"))
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.basePath, "records", e.Name()))
		if err != nil {
			return err
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("invalid record %s: %w", e.Name(), err)
		}

		meta := rec.Metadata
		switch rec.FileType {
		case FileTypeModel:
			if rec.Model == nil {
				continue
			}
			s.models[rec.Model.ID] = rec.Model
		case FileTypeScan:
			if rec.Scan == nil {
				continue
			}
			s.scans[rec.Scan.ID] = rec.Scan
			if len(rec.Annotations) > 0 {
				s.annotations[rec.Scan.ID] = rec.Annotations
			}
		default:
			continue
		}
		s.metadata[meta.FileID] = &meta
		s.payloads[meta.FileID] = rec.Block
		s.blocks.Retain(rec.Block)
	}

	return nil
}

func (s *Store) persist(id string) error {
	meta, ok := s.metadata[id]
	if !ok {
		return nil
	}

	rec := record{
		FileType: meta.FileType,
		Metadata: *meta,
		Block:    s.payloads[id],
	}
	switch meta.FileType {
	case FileTypeModel:
		rec.Model = s.models[id]
	case FileTypeScan:
		rec.Scan = s.scans[id]
		rec.Annotations = s.annotations[id]
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(s.recordPath(id), data, 0644)
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.basePath, "records", id+".json")
}

func generateUUID() string {
	return uuid.New().String()
}

func (s *Store) storePayload(ctx context.Context, fileData string, limit int64) (string, int64, error) {
	data, err := codec.DecodeBytes(fileData)
	if err != nil {
		return "", 0, apperr.Wrap(apperr.KindValidation, "file_data is not valid base64", err)
	}
	size := int64(len(data))
	if size > limit {
		return "", 0, apperr.Newf(apperr.KindValidation, "file too large: %d bytes", size)
	}
	hash, err := s.blocks.Put(ctx, data)
	if err != nil {
		return "", 0, err
	}
	return hash, size, nil
}

func (s *Store) payload(ctx context.Context, id string) (string, error) {
	hash, ok := s.payloads[id]
	if !ok {
		return "", nil
	}
	data, err := s.blocks.Get(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("failed to read payload for %s: %w", id, err)
	}
	return codec.EncodeBytes(data), nil
}

// UploadModel stores a new model and returns its id.
func (s *Store) UploadModel(ctx context.Context, req ModelUpload) (string, error) {
	if !IsModelType(req.ModelType) {
		return "", apperr.Newf(apperr.KindValidation, "invalid model type: %s", req.ModelType)
	}

	s.mu.Lock()
	hash, size, err := s.storePayload(ctx, req.FileData, MaxModelSize)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}

	now := Now()
	model := &ModelFile{
		ID:          "model_" + generateUUID(),
		Name:        req.Name,
		Description: req.Description,
		ModelType:   req.ModelType,
		Version:     req.Version,
		FileSize:    size,
		Uploader:    req.Uploader,
		CreatedAt:   now,
		IsPublic:    req.IsPublic,
	}
	s.models[model.ID] = model
	s.metadata[model.ID] = &FileMetadata{
		FileID:       model.ID,
		FileType:     FileTypeModel,
		LastAccessed: now,
		Tags:         []string{},
	}
	s.payloads[model.ID] = hash

	if err := s.persist(model.ID); err != nil {
		s.dropLocked(ctx, model.ID)
		s.mu.Unlock()
		return "", fmt.Errorf("failed to persist model: %w", err)
	}
	sink := s.sink
	s.mu.Unlock()

	sink.Publish(Event{Type: EventModelUploaded, FileID: model.ID, FileType: FileTypeModel, Name: model.Name, At: now})
	return model.ID, nil
}

// GetModel returns a model with its payload.
func (s *Store) GetModel(ctx context.Context, modelID string) (*ModelFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modelLocked(ctx, modelID)
}

func (s *Store) modelLocked(ctx context.Context, modelID string) (*ModelFile, error) {
	model, ok := s.models[modelID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "file not found: %s", modelID)
	}
	out := *model
	data, err := s.payload(ctx, modelID)
	if err != nil {
		return nil, err
	}
	out.FileData = data
	return &out, nil
}

// GetPublicModels lists public models, payloads included.
func (s *Store) GetPublicModels(ctx context.Context) ([]ModelFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	models := make([]ModelFile, 0, len(s.models))
	for id, model := range s.models {
		if !model.IsPublic {
			continue
		}
		m, err := s.modelLocked(ctx, id)
		if err != nil {
			return nil, err
		}
		models = append(models, *m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// DownloadModel returns the model and records the access.
func (s *Store) DownloadModel(ctx context.Context, modelID, downloader string) (*ModelFile, error) {
	s.mu.Lock()
	model, err := s.modelLocked(ctx, modelID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.touchLocked(modelID)
	sink := s.sink
	s.mu.Unlock()

	sink.Publish(Event{Type: EventModelDownloaded, FileID: modelID, FileType: FileTypeModel, Actor: downloader, At: Now()})
	return model, nil
}

// UploadScan stores a new scan and returns its id.
func (s *Store) UploadScan(ctx context.Context, req ScanUpload) (string, error) {
	if !IsScanType(req.ScanType) {
		return "", apperr.Newf(apperr.KindValidation, "invalid scan type: %s", req.ScanType)
	}
	if !IsBodyPart(req.BodyPart) {
		return "", apperr.Newf(apperr.KindValidation, "invalid body part: %s", req.BodyPart)
	}

	s.mu.Lock()
	hash, size, err := s.storePayload(ctx, req.FileData, MaxScanSize)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}

	now := Now()
	scan := &ScanFile{
		ID:        "scan_" + generateUUID(),
		PatientID: req.PatientID,
		ScanType:  req.ScanType,
		BodyPart:  req.BodyPart,
		FileSize:  size,
		Uploader:  req.Uploader,
		CreatedAt: now,
	}
	s.scans[scan.ID] = scan
	s.metadata[scan.ID] = &FileMetadata{
		FileID:       scan.ID,
		FileType:     FileTypeScan,
		LastAccessed: now,
		Tags:         []string{},
	}
	s.payloads[scan.ID] = hash

	if err := s.persist(scan.ID); err != nil {
		s.dropLocked(ctx, scan.ID)
		s.mu.Unlock()
		return "", fmt.Errorf("failed to persist scan: %w", err)
	}
	sink := s.sink
	s.mu.Unlock()

	sink.Publish(Event{Type: EventScanUploaded, FileID: scan.ID, FileType: FileTypeScan, PatientID: scan.PatientID, At: now})
	return scan.ID, nil
}

// GetScan returns a scan with its payload.
func (s *Store) GetScan(ctx context.Context, scanID string) (*ScanFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanLocked(ctx, scanID)
}

func (s *Store) scanLocked(ctx context.Context, scanID string) (*ScanFile, error) {
	scan, ok := s.scans[scanID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "file not found: %s", scanID)
	}
	out := *scan
	data, err := s.payload(ctx, scanID)
	if err != nil {
		return nil, err
	}
	out.FileData = data
	return &out, nil
}

// GetScansByPatient lists the scans recorded for patientID.
func (s *Store) GetScansByPatient(ctx context.Context, patientID string) ([]ScanFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scans := make([]ScanFile, 0)
	for id, scan := range s.scans {
		if scan.PatientID != patientID {
			continue
		}
		sc, err := s.scanLocked(ctx, id)
		if err != nil {
			return nil, err
		}
		scans = append(scans, *sc)
	}
	sort.Slice(scans, func(i, j int) bool { return scans[i].ID < scans[j].ID })
	return scans, nil
}

// DownloadScan returns the scan and records the access.
func (s *Store) DownloadScan(ctx context.Context, scanID, downloader string) (*ScanFile, error) {
	s.mu.Lock()
	scan, err := s.scanLocked(ctx, scanID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.touchLocked(scanID)
	sink := s.sink
	s.mu.Unlock()

	sink.Publish(Event{Type: EventScanDownloaded, FileID: scanID, FileType: FileTypeScan, Actor: downloader, At: Now()})
	return scan, nil
}

func (s *Store) touchLocked(id string) {
	meta, ok := s.metadata[id]
	if !ok {
		return
	}
	meta.AccessCount++
	meta.LastAccessed = Now()
	// Access counters are best effort; a failed write only loses a count.
	_ = s.persist(id)
}

// AddAnnotation appends a label to a scan and returns the annotation id.
func (s *Store) AddAnnotation(ctx context.Context, scanID, label string) (string, error) {
	if strings.TrimSpace(label) == "" {
		return "", apperr.New(apperr.KindValidation, "invalid annotation data")
	}

	s.mu.Lock()
	scan, ok := s.scans[scanID]
	if !ok {
		s.mu.Unlock()
		return "", apperr.Newf(apperr.KindNotFound, "file not found: %s", scanID)
	}

	ann := Annotation{
		ID:        "annotation_" + generateUUID(),
		ScanID:    scanID,
		Label:     label,
		CreatedAt: Now(),
	}
	s.annotations[scanID] = append(s.annotations[scanID], ann)
	scan.AnnotationCount++

	if err := s.persist(scanID); err != nil {
		scan.AnnotationCount--
		s.annotations[scanID] = s.annotations[scanID][:len(s.annotations[scanID])-1]
		s.mu.Unlock()
		return "", fmt.Errorf("failed to persist annotation: %w", err)
	}
	sink := s.sink
	s.mu.Unlock()

	sink.Publish(Event{Type: EventAnnotationAdded, FileID: scanID, FileType: FileTypeScan, AnnotationID: ann.ID, Name: label, At: ann.CreatedAt})
	return ann.ID, nil
}

// GetAnnotations returns a copy of the annotations on scanID, oldest first.
func (s *Store) GetAnnotations(ctx context.Context, scanID string) ([]Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.scans[scanID]; !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "file not found: %s", scanID)
	}
	anns := make([]Annotation, len(s.annotations[scanID]))
	copy(anns, s.annotations[scanID])
	return anns, nil
}

// GetFileMetadata returns the metadata entry for fileID.
func (s *Store) GetFileMetadata(ctx context.Context, fileID string) (*FileMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.metadata[fileID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "file not found: %s", fileID)
	}
	out := *meta
	return &out, nil
}

func (s *Store) GetAllMetadata(ctx context.Context) ([]FileMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]FileMetadata, 0, len(s.metadata))
	for _, meta := range s.metadata {
		all = append(all, *meta)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].FileID < all[j].FileID })
	return all, nil
}

// DeleteFile removes a model or scan together with its metadata.
func (s *Store) DeleteFile(ctx context.Context, fileID, fileType string) error {
	s.mu.Lock()
	switch fileType {
	case FileTypeModel:
		if _, ok := s.models[fileID]; !ok {
			s.mu.Unlock()
			return apperr.Newf(apperr.KindNotFound, "file not found: %s", fileID)
		}
	case FileTypeScan:
		if _, ok := s.scans[fileID]; !ok {
			s.mu.Unlock()
			return apperr.Newf(apperr.KindNotFound, "file not found: %s", fileID)
		}
	default:
		s.mu.Unlock()
		return apperr.Newf(apperr.KindValidation, "invalid file type: %s", fileType)
	}

	if err := os.Remove(s.recordPath(fileID)); err != nil && !os.IsNotExist(err) {
		s.mu.Unlock()
		return fmt.Errorf("failed to delete record: %w", err)
	}
	s.dropLocked(ctx, fileID)
	sink := s.sink
	s.mu.Unlock()

	sink.Publish(Event{Type: EventFileDeleted, FileID: fileID, FileType: fileType, At: Now()})
	return nil
}

func (s *Store) dropLocked(ctx context.Context, id string) {
	if hash, ok := s.payloads[id]; ok {
		// A block left behind only costs disk space.
		_ = s.blocks.Release(ctx, hash)
	}
	delete(s.models, id)
	delete(s.scans, id)
	delete(s.annotations, id)
	delete(s.metadata, id)
	delete(s.payloads, id)
}

// GetStats summarizes the store.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		TotalModels: len(s.models),
		TotalScans:  len(s.scans),
	}
	stats.TotalFiles = stats.TotalModels + stats.TotalScans
	for _, anns := range s.annotations {
		stats.TotalAnnotations += len(anns)
	}
	return stats, nil
}
