// Package codec moves binary files through the text-only storage API as
// standard base64.
package codec

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/3FT-io/medshare/pkg/apperr"
)

const DefaultMIMEType = "application/octet-stream"

// Blob is a decoded payload tagged with its content type.
type Blob struct {
	Data     []byte
	MimeType string
}

func (b *Blob) Size() int64 {
	return int64(len(b.Data))
}

// EncodeFile reads the file at path fully and returns its base64 text.
func EncodeFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", apperr.Wrap(apperr.KindFileRead, fmt.Sprintf("failed to read file %s", path), err)
	}
	defer f.Close()
	return Encode(f)
}

// Encode reads r to EOF and returns its base64 text without any data-URL prefix.
func Encode(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", apperr.Wrap(apperr.KindFileRead, "failed to read file", err)
	}
	return EncodeBytes(data), nil
}

func EncodeBytes(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Decode reverses Encode. An empty mimeType is sniffed from the content.
func Decode(text, mimeType string) (*Blob, error) {
	data, err := DecodeBytes(text)
	if err != nil {
		return nil, err
	}
	if mimeType == "" {
		mimeType = DetectMIME(data)
	}
	return &Blob{Data: data, MimeType: mimeType}, nil
}

// DecodeBytes decodes base64 text, tolerating a data-URL prefix and
// surrounding whitespace.
func DecodeBytes(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "data:") {
		if i := strings.Index(text, ","); i >= 0 {
			text = text[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDecode, "invalid base64 payload", err)
	}
	return data, nil
}

// DetectMIME sniffs the content type of data.
func DetectMIME(data []byte) string {
	if len(data) == 0 {
		return DefaultMIMEType
	}
	return mimetype.Detect(data).String()
}

// DetectFileMIME sniffs the content type of the file at path.
func DetectFileMIME(path string) (string, error) {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "", apperr.Wrap(apperr.KindFileRead, fmt.Sprintf("failed to read file %s", path), err)
	}
	return m.String(), nil
}
