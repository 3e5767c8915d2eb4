// Package nn implements the building blocks of the network: primitive layers
// that own weights, the composite CNN and transformer blocks, and the named
// parameter registry used for state-dict import and export.
package nn

import (
	"errors"
	"fmt"

	"github.com/23skdu/plantvit/internal/logger"
	"github.com/23skdu/plantvit/internal/tensor"
)

// ErrInvalidBlock wraps every constructor argument failure.
var ErrInvalidBlock = errors.New("invalid block configuration")

func invalid(block, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidBlock, block, fmt.Sprintf(format, args...))
}

// Param is a named tensor owned by a layer. Buffers are not trainable.
type Param struct {
	Name      string
	Tensor    *tensor.Tensor
	Trainable bool
}

// Module is anything that owns named tensors.
type Module interface {
	Params(prefix string) []Param
}

// Block is a shape-contracted transformation with a config snapshot.
type Block interface {
	Module
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Config() map[string]any
}

// ParamCount mirrors the per-block trainable/total split.
type ParamCount struct {
	Total        int
	Trainable    int
	NonTrainable int
}

// CountParams sums trainable tensors of m. Buffers are excluded from Total.
func CountParams(m Module) ParamCount {
	var pc ParamCount
	for _, p := range m.Params("") {
		if !p.Trainable {
			continue
		}
		pc.Total += p.Tensor.Len()
		pc.Trainable += p.Tensor.Len()
	}
	pc.NonTrainable = pc.Total - pc.Trainable
	return pc
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Base carries the per-block debug switch. Set Debug before sharing a block
// across goroutines.
type Base struct {
	Debug bool
	name  string
}

func (b *Base) SetDebug(on bool) { b.Debug = on }

func (b *Base) trace(stage string, t *tensor.Tensor) {
	if b.Debug {
		logger.Log.Debug("block trace", "block", b.name, "stage", stage, "shape", t.Shape())
	}
}
