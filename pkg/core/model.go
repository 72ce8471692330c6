package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// File types stored in FileMetadata.
const (
	FileTypeModel = "model"
	FileTypeScan  = "scan"
)

var (
	ModelTypes = []string{"tumor_classifier", "segmentation", "detection", "regression", "classification"}
	ScanTypes  = []string{"MRI", "CT", "PET", "Ultrasound", "X-Ray"}
	BodyParts  = []string{"brain", "chest", "abdomen", "spine", "pelvis", "extremities"}
)

type ModelFile struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	ModelType   string    `json:"model_type"`
	Version     string    `json:"version"`
	FileSize    int64     `json:"file_size"`
	FileData    string    `json:"file_data"`
	Uploader    string    `json:"uploader"`
	CreatedAt   Timestamp `json:"created_at"`
	IsPublic    bool      `json:"is_public"`
}

type ScanFile struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patient_id"`
	ScanType        string    `json:"scan_type"`
	BodyPart        string    `json:"body_part"`
	FileSize        int64     `json:"file_size"`
	FileData        string    `json:"file_data"`
	Uploader        string    `json:"uploader"`
	CreatedAt       Timestamp `json:"created_at"`
	AnnotationCount int       `json:"annotation_count"`
}

// FileMetadata is the lightweight index entry kept for every stored file.
type FileMetadata struct {
	FileID       string    `json:"file_id"`
	FileType     string    `json:"file_type"`
	AccessCount  int       `json:"access_count"`
	LastAccessed Timestamp `json:"last_accessed"`
	Tags         []string  `json:"tags"`
}

type Annotation struct {
	ID        string    `json:"id"`
	ScanID    string    `json:"scan_id"`
	Label     string    `json:"label"`
	CreatedAt Timestamp `json:"created_at"`
}

// Stats summarizes a context's contents.
type Stats struct {
	TotalFiles       int `json:"total_files"`
	TotalModels      int `json:"total_models"`
	TotalScans       int `json:"total_scans"`
	TotalAnnotations int `json:"total_annotations"`
}

func (s Stats) String() string {
	return fmt.Sprintf("Total files: %d, Models: %d, Scans: %d, Annotations: %d",
		s.TotalFiles, s.TotalModels, s.TotalScans, s.TotalAnnotations)
}

type ModelUpload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ModelType   string `json:"model_type"`
	Version     string `json:"version"`
	FileData    string `json:"file_data"`
	Uploader    string `json:"uploader"`
	IsPublic    bool   `json:"is_public"`
}

type ScanUpload struct {
	PatientID string `json:"patient_id"`
	ScanType  string `json:"scan_type"`
	BodyPart  string `json:"body_part"`
	FileData  string `json:"file_data"`
	Uploader  string `json:"uploader"`
}

// Magnitude thresholds used to guess the unit of a raw Timestamp.
const (
	secondsBelow = 1e10
	millisBelow  = 1e13
	microsBelow  = 1e16
)

// Timestamp is an instant whose unit is not recorded: seconds,
// milliseconds, microseconds and nanoseconds have all been stored.
type Timestamp int64

// Now returns the current instant in nanoseconds.
func Now() Timestamp {
	return Timestamp(time.Now().UnixNano())
}

// Millis normalizes t to Unix milliseconds by magnitude.
func (t Timestamp) Millis() int64 {
	v := int64(t)
	abs := math.Abs(float64(v))
	switch {
	case abs < secondsBelow:
		return v * 1000
	case abs < millisBelow:
		return v
	case abs < microsBelow:
		return v / 1000
	default:
		return v / int64(time.Millisecond)
	}
}

func (t Timestamp) Time() time.Time {
	return time.UnixMilli(t.Millis()).UTC()
}

// UnmarshalJSON accepts a JSON number or a numeric string.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*t = 0
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*t = 0
			return nil
		}
	}
	v, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTimestamp reads an integer or decimal representation of an instant.
func ParseTimestamp(raw string) (Timestamp, error) {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return Timestamp(i), nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	return Timestamp(int64(f)), nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func IsModelType(v string) bool { return contains(ModelTypes, v) }
func IsScanType(v string) bool  { return contains(ScanTypes, v) }
func IsBodyPart(v string) bool  { return contains(BodyParts, v) }
