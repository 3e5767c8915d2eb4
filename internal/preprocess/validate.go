package preprocess

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/23skdu/plantvit/internal/metrics"
)

const DefaultMaxUploadSize = 10 << 20

var (
	ErrTooLarge            = errors.New("file size exceeds maximum allowed")
	ErrExtensionNotAllowed = errors.New("file extension not allowed")
	ErrFormatNotAllowed    = errors.New("unsupported image format")
)

// DefaultExtensions are the upload extensions accepted by the service.
var DefaultExtensions = []string{"jpg", "jpeg", "png"}

// Validator checks uploads before they reach the model.
type Validator struct {
	MaxSize    int64
	Extensions []string
	Formats    []Format
}

func NewValidator(maxSize int64) *Validator {
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}
	return &Validator{
		MaxSize:    maxSize,
		Extensions: DefaultExtensions,
		Formats:    []Format{FormatJPEG, FormatPNG},
	}
}

// Validate rejects oversized files, disallowed extensions, and content that
// does not decode as an allowed format. filename may be empty to skip the
// extension check.
func (v *Validator) Validate(filename string, data []byte) error {
	if int64(len(data)) > v.MaxSize {
		metrics.RecordUploadRejected("size")
		return fmt.Errorf("%w (%d bytes)", ErrTooLarge, v.MaxSize)
	}
	if filename != "" {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
		if !slices.Contains(v.Extensions, ext) {
			metrics.RecordUploadRejected("extension")
			return fmt.Errorf("%w: %q", ErrExtensionNotAllowed, ext)
		}
	}
	format := DetectFormat(data)
	if !slices.Contains(v.Formats, format) {
		metrics.RecordUploadRejected("format")
		return fmt.Errorf("%w: %s", ErrFormatNotAllowed, format)
	}
	if _, _, err := Decode(data); err != nil {
		metrics.RecordUploadRejected("decode")
		return err
	}
	return nil
}
