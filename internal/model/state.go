package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/23skdu/plantvit/internal/tensor"
)

// ErrShapeMismatch is returned when a state-dict tensor cannot be copied into
// the parameter of the same name.
var ErrShapeMismatch = errors.New("state dict shape mismatch")

// LoadResult reports a non-strict state-dict load. Missing and unexpected
// keys are not errors.
type LoadResult struct {
	Loaded     int
	Missing    []string
	Unexpected []string
}

func (r LoadResult) Complete() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0
}

// ignoredKey reports keys that exist in exported checkpoints but carry no
// inference state.
func ignoredKey(k string) bool {
	return strings.HasSuffix(k, ".num_batches_tracked")
}

// StateDict returns copies of every named tensor, buffers included.
func (m *MobilePlantViT) StateDict() map[string]*tensor.Tensor {
	ps := m.Params("")
	sd := make(map[string]*tensor.Tensor, len(ps))
	for _, p := range ps {
		sd[p.Name] = p.Tensor.Clone()
	}
	return sd
}

// StateDictKeys lists the model's keys in registration order.
func (m *MobilePlantViT) StateDictKeys() []string {
	ps := m.Params("")
	keys := make([]string, len(ps))
	for i, p := range ps {
		keys[i] = p.Name
	}
	return keys
}

// LoadStateDict copies matching tensors into the model. Every shape is
// checked before anything is written, so a mismatch leaves the model
// untouched. Must not be called while other goroutines run Forward.
func (m *MobilePlantViT) LoadStateDict(sd map[string]*tensor.Tensor) (LoadResult, error) {
	var res LoadResult
	ps := m.Params("")
	known := make(map[string]struct{}, len(ps))
	type pending struct {
		dst, src *tensor.Tensor
	}
	copies := make([]pending, 0, len(ps))

	for _, p := range ps {
		known[p.Name] = struct{}{}
		src, ok := sd[p.Name]
		if !ok {
			res.Missing = append(res.Missing, p.Name)
			continue
		}
		if !tensor.SameShape(p.Tensor, src) {
			// Scalars may be stored as shape () or (1).
			if p.Tensor.Len() != 1 || src.Len() != 1 {
				return LoadResult{}, fmt.Errorf("%w: %s: model %v, checkpoint %v", ErrShapeMismatch, p.Name, p.Tensor.Shape(), src.Shape())
			}
		}
		copies = append(copies, pending{dst: p.Tensor, src: src})
	}
	for k := range sd {
		if _, ok := known[k]; !ok && !ignoredKey(k) {
			res.Unexpected = append(res.Unexpected, k)
		}
	}
	sort.Strings(res.Unexpected)

	for _, c := range copies {
		copy(c.dst.Data(), c.src.Data())
	}
	res.Loaded = len(copies)
	return res, nil
}
