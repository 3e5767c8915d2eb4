package checkpoint

import (
	"errors"
	"fmt"

	"github.com/23skdu/plantvit/internal/model"
)

var (
	ErrNotFound          = errors.New("checkpoint not found")
	ErrUnsupportedFormat = errors.New("unsupported checkpoint format")
	ErrMissingTensor     = errors.New("tensor not present in checkpoint")

	// ErrShapeMismatch is returned when a checkpoint tensor does not fit the
	// model parameter of the same name.
	ErrShapeMismatch = model.ErrShapeMismatch
)

// LoadResult lists the keys that did not line up between checkpoint and model.
type LoadResult = model.LoadResult

// ErrInvalidHeader reports a malformed safetensors header.
type ErrInvalidHeader struct{ Reason string }

func (e ErrInvalidHeader) Error() string {
	return fmt.Sprintf("invalid safetensors header: %s", e.Reason)
}

func (e ErrInvalidHeader) Unwrap() error { return ErrUnsupportedFormat }

// ErrUnsupportedDType reports a tensor element type this package cannot decode.
type ErrUnsupportedDType struct {
	Name  string
	DType string
}

func (e ErrUnsupportedDType) Error() string {
	return fmt.Sprintf("tensor %s: unsupported dtype %s", e.Name, e.DType)
}

func (e ErrUnsupportedDType) Unwrap() error { return ErrUnsupportedFormat }
