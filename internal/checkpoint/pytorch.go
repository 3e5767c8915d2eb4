package checkpoint

import (
	"fmt"
	"math/big"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/23skdu/plantvit/internal/tensor"
)

// loadPyTorch unpickles a torch.save archive into plain Go values: tensors
// become *tensor.Tensor, dicts become map[string]any, lists become []any.
func loadPyTorch(path string) (top map[string]any, err error) {
	// gopickle panics on some truncated or corrupt streams.
	defer func() {
		if r := recover(); r != nil {
			top, err = nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, path, r)
		}
	}()
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, path, err)
	}
	v, err := fromPickle(obj)
	if err != nil {
		return nil, err
	}
	top, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level object is %T, want a dict", ErrUnsupportedFormat, v)
	}
	return top, nil
}

func fromPickle(obj any) (any, error) {
	switch v := obj.(type) {
	case *pytorch.Tensor:
		return fromTorchTensor(v)
	case *types.OrderedDict:
		out := make(map[string]any)
		for e := v.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if err := setEntry(out, entry.Key, entry.Value); err != nil {
				return nil, err
			}
		}
		return out, nil
	case *types.Dict:
		out := make(map[string]any)
		for _, k := range v.Keys() {
			if err := setEntry(out, k, v.MustGet(k)); err != nil {
				return nil, err
			}
		}
		return out, nil
	case *types.List:
		return fromSequence(*v)
	case *types.Tuple:
		return fromSequence(*v)
	case *big.Int:
		if !v.IsInt64() {
			return nil, fmt.Errorf("%w: integer %s overflows int64", ErrUnsupportedFormat, v)
		}
		return int(v.Int64()), nil
	default:
		// int, float64, bool, string and anything the caller may ignore.
		return v, nil
	}
}

func setEntry(out map[string]any, key, value any) error {
	k, ok := key.(string)
	if !ok {
		k = fmt.Sprint(key)
	}
	v, err := fromPickle(value)
	if err != nil {
		return fmt.Errorf("%s: %w", k, err)
	}
	out[k] = v
	return nil
}

func fromSequence(items []any) ([]any, error) {
	out := make([]any, len(items))
	for i, it := range items {
		v, err := fromPickle(it)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// fromTorchTensor materializes a possibly strided view into a dense tensor.
func fromTorchTensor(t *pytorch.Tensor) (*tensor.Tensor, error) {
	var at func(i int) float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		at = func(i int) float32 { return s.Data[i] }
	case *pytorch.HalfStorage:
		at = func(i int) float32 { return s.Data[i] }
	case *pytorch.DoubleStorage:
		at = func(i int) float32 { return float32(s.Data[i]) }
	case *pytorch.LongStorage:
		at = func(i int) float32 { return float32(s.Data[i]) }
	case *pytorch.IntStorage:
		at = func(i int) float32 { return float32(s.Data[i]) }
	default:
		return nil, ErrUnsupportedDType{Name: "torch", DType: fmt.Sprintf("%T", t.Source)}
	}

	shape := append([]int(nil), t.Size...)
	out := tensor.New(shape...)
	data := out.Data()
	if len(data) == 0 {
		return out, nil
	}
	stride := t.Stride
	if len(stride) != len(shape) {
		stride = contiguousStrides(shape)
	}

	idx := make([]int, len(shape))
	for i := range data {
		off := t.StorageOffset
		for d, v := range idx {
			off += v * stride[d]
		}
		data[i] = at(off)
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

func contiguousStrides(shape []int) []int {
	stride := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		stride[d] = acc
		acc *= shape[d]
	}
	return stride
}
