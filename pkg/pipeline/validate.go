package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/3FT-io/medshare/pkg/apperr"
	"github.com/3FT-io/medshare/pkg/codec"
)

var (
	safeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9\s\-_]+$`)
	versionPattern  = regexp.MustCompile(`^[a-zA-Z0-9.\-_]+$`)
)

var (
	modelExtensions = []string{".pkl", ".joblib", ".h5", ".pb", ".onnx", ".pt", ".pth"}
	modelMIMETypes  = []string{"application/octet-stream", "application/x-python-code", "application/json", "text/plain"}

	scanExtensions = []string{".dcm", ".nii", ".nii.gz", ".jpg", ".jpeg", ".png", ".tiff", ".tif"}
	scanMIMETypes  = []string{"image/dicom", "image/jpeg", "image/png", "image/tiff", "application/dicom", "application/octet-stream"}
)

// Messages keyed by "Field.tag".
var fieldMessages = map[string]string{
	"Name.required":        "Name is required",
	"Name.min":             "Name must be at least 3 characters",
	"Name.max":             "Name must be less than 100 characters",
	"Name.safename":        "Name can only contain letters, numbers, spaces, hyphens, and underscores",
	"Description.required": "Description is required",
	"Description.min":      "Description must be at least 10 characters",
	"Description.max":      "Description must be less than 500 characters",
	"ModelType.required":   "Please select a valid model type",
	"ModelType.oneof":      "Please select a valid model type",
	"Version.required":     "Version is required",
	"Version.max":          "Version must be less than 20 characters",
	"Version.version":      "Version can only contain letters, numbers, dots, hyphens, and underscores",
	"Uploader.required":    "Uploader name is required",
	"Uploader.min":         "Uploader name must be at least 2 characters",
	"Uploader.max":         "Uploader name must be less than 50 characters",
	"Uploader.safename":    "Uploader name can only contain letters, numbers, spaces, hyphens, and underscores",
	"FilePath.required":    "Please select a file",
	"PatientID.required":   "Patient ID is required",
	"ScanType.required":    "Please select a valid scan type",
	"ScanType.oneof":       "Please select a valid scan type",
	"BodyPart.required":    "Please select a valid body part",
	"BodyPart.oneof":       "Please select a valid body part",
	"Items.required":       "Please add at least one scan",
	"Items.min":            "Please add at least one scan",
	"Label.required":       "Annotation label is required",
	"ScanID.required":      "Scan ID is required",
}

type formValidator struct {
	v *validator.Validate
}

func newFormValidator() *formValidator {
	v := validator.New()
	_ = v.RegisterValidation("safename", func(fl validator.FieldLevel) bool {
		return safeNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("version", func(fl validator.FieldLevel) bool {
		return versionPattern.MatchString(fl.Field().String())
	})
	return &formValidator{v: v}
}

// Struct validates form tags and returns the first failure as a
// Validation error carrying a readable message.
func (f *formValidator) Struct(form interface{}) error {
	err := f.v.Struct(form)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Wrap(apperr.KindValidation, "invalid form", err)
	}
	return apperr.Wrap(apperr.KindValidation, messageFor(verrs[0]), err)
}

func messageFor(fe validator.FieldError) string {
	if msg, ok := fieldMessages[fe.StructField()+"."+fe.Tag()]; ok {
		return msg
	}
	return fmt.Sprintf("%s failed on the %q rule", fe.Field(), fe.Tag())
}

// checkFile applies the file rules shared by both forms: the file exists,
// fits under limit and looks like one of the allowed kinds.
func checkFile(path string, limit int64, extensions, mimeTypes []string, kindLabel string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return apperr.Newf(apperr.KindValidation, "Please select a file: %s does not exist", path)
		}
		return apperr.Wrap(apperr.KindFileRead, fmt.Sprintf("failed to read file %s", path), err)
	}
	if info.IsDir() {
		return apperr.Newf(apperr.KindValidation, "Please select a file: %s is a directory", path)
	}
	if info.Size() > limit {
		return apperr.Newf(apperr.KindValidation, "File size must be less than %dKB (file is %s)",
			limit/1024, FormatFileSize(info.Size()))
	}

	if hasExtension(path, extensions) {
		return nil
	}
	detected, err := codec.DetectFileMIME(path)
	if err != nil {
		return err
	}
	base, _, _ := strings.Cut(detected, ";")
	for _, allowed := range mimeTypes {
		if strings.EqualFold(strings.TrimSpace(base), allowed) {
			return nil
		}
	}
	return apperr.Newf(apperr.KindValidation, "Please select a valid %s file (%s)", kindLabel, strings.Join(extensions, ", "))
}

func hasExtension(path string, extensions []string) bool {
	name := strings.ToLower(filepath.Base(path))
	for _, ext := range extensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// FormatFileSize renders n bytes the way the upload forms show it.
func FormatFileSize(n int64) string {
	if n == 0 {
		return "0 Bytes"
	}
	units := []string{"Bytes", "KB", "MB", "GB"}
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	s := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", size), "0"), ".")
	return s + " " + units[i]
}
