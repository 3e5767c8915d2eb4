package nn

import (
	"github.com/23skdu/plantvit/internal/tensor"
)

// BottleneckFFN contracts to max(1, int(inp*ratio)) features and expands back.
type BottleneckFFN struct {
	Base
	Inp, Oup           int
	BottleneckRatio    float64
	BottleneckChannels int
	Dropout            float64
	Activation         string

	act tensor.Activation

	FC1   *Linear
	Norm1 *LayerNorm
	FC2   *Linear
	Norm2 *LayerNorm
}

type BottleneckFFNOptions struct {
	Inp, Oup        int
	BottleneckRatio float64
	Dropout         float64
	// Activation names the function between the two projections; empty means gelu.
	Activation string
}

func NewBottleneckFFN(init *Initializer, o BottleneckFFNOptions) (*BottleneckFFN, error) {
	if o.Inp <= 0 || o.Oup <= 0 {
		return nil, invalid("bottleneck_ffn", "dimensions must be positive, got inp=%d oup=%d", o.Inp, o.Oup)
	}
	if o.BottleneckRatio <= 0 || o.BottleneckRatio > 2 {
		return nil, invalid("bottleneck_ffn", "bottleneck ratio should be in (0, 2.0], got %g", o.BottleneckRatio)
	}
	if o.Dropout < 0 || o.Dropout >= 1 {
		return nil, invalid("bottleneck_ffn", "dropout must be in [0, 1), got %g", o.Dropout)
	}
	if o.Activation == "" {
		o.Activation = "gelu"
	}
	act, err := ActivationByName(o.Activation)
	if err != nil {
		return nil, invalid("bottleneck_ffn", "%v", err)
	}
	init = init.orDefault()
	hidden := int(float64(o.Inp) * o.BottleneckRatio)
	if hidden < 1 {
		hidden = 1
	}
	return &BottleneckFFN{
		Base:               Base{name: "BottleneckFFN"},
		Inp:                o.Inp,
		Oup:                o.Oup,
		BottleneckRatio:    o.BottleneckRatio,
		BottleneckChannels: hidden,
		Dropout:            o.Dropout,
		Activation:         o.Activation,
		act:                act,
		FC1:                NewLinear(init, o.Inp, hidden, true),
		Norm1:              NewLayerNorm(hidden),
		FC2:                NewLinear(init, hidden, o.Oup, true),
		Norm2:              NewLayerNorm(o.Oup),
	}, nil
}

// Forward runs in inference mode; dropout is the identity.
func (f *BottleneckFFN) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	f.trace("input", x)
	y, err := f.FC1.Forward(x)
	if err != nil {
		return nil, err
	}
	if y, err = f.Norm1.Forward(y); err != nil {
		return nil, err
	}
	tensor.ApplyInPlace(y, f.act)
	f.trace("contracted", y)
	if y, err = f.FC2.Forward(y); err != nil {
		return nil, err
	}
	if y, err = f.Norm2.Forward(y); err != nil {
		return nil, err
	}
	f.trace("output", y)
	return y, nil
}

func (f *BottleneckFFN) Params(prefix string) []Param {
	var ps []Param
	ps = append(ps, f.FC1.Params(join(prefix, "fc1"))...)
	ps = append(ps, f.Norm1.Params(join(prefix, "norm1"))...)
	ps = append(ps, f.FC2.Params(join(prefix, "fc2"))...)
	ps = append(ps, f.Norm2.Params(join(prefix, "norm2"))...)
	return ps
}

func (f *BottleneckFFN) Config() map[string]any {
	return map[string]any{
		"class":               "BottleneckFFN",
		"inp":                 f.Inp,
		"oup":                 f.Oup,
		"bottleneck_ratio":    f.BottleneckRatio,
		"bottleneck_channels": f.BottleneckChannels,
		"dropout":             f.Dropout,
		"activation":          f.Activation,
	}
}

// StandardFFN is the conventional Linear(D,4D) -> GELU -> Linear(4D,D).
type StandardFFN struct {
	Base
	Dim     int
	Hidden  int
	Dropout float64
	FC1     *Linear
	FC2     *Linear
}

func NewStandardFFN(init *Initializer, dim int, dropout float64) (*StandardFFN, error) {
	if dim <= 0 {
		return nil, invalid("standard_ffn", "dim must be positive, got %d", dim)
	}
	if dropout < 0 || dropout >= 1 {
		return nil, invalid("standard_ffn", "dropout must be in [0, 1), got %g", dropout)
	}
	init = init.orDefault()
	return &StandardFFN{
		Base:    Base{name: "StandardFFN"},
		Dim:     dim,
		Hidden:  4 * dim,
		Dropout: dropout,
		FC1:     NewLinear(init, dim, 4*dim, true),
		FC2:     NewLinear(init, 4*dim, dim, true),
	}, nil
}

func (f *StandardFFN) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := f.FC1.Forward(x)
	if err != nil {
		return nil, err
	}
	tensor.ApplyInPlace(y, tensor.GELU)
	if y, err = f.FC2.Forward(y); err != nil {
		return nil, err
	}
	f.trace("output", y)
	return y, nil
}

// Params uses the positional names of the sequential layout: 0 and 3.
func (f *StandardFFN) Params(prefix string) []Param {
	return append(f.FC1.Params(join(prefix, "0")), f.FC2.Params(join(prefix, "3"))...)
}

func (f *StandardFFN) Config() map[string]any {
	return map[string]any{
		"class":   "StandardFFN",
		"dim":     f.Dim,
		"hidden":  f.Hidden,
		"dropout": f.Dropout,
	}
}

// ResidualLayerNorm computes LayerNorm(x) + residual.
type ResidualLayerNorm struct {
	Base
	EmbedDim int
	Norm     *LayerNorm
}

func NewResidualLayerNorm(embedDim int) (*ResidualLayerNorm, error) {
	if embedDim <= 0 {
		return nil, invalid("residual_layer_norm", "embed_dim must be positive, got %d", embedDim)
	}
	return &ResidualLayerNorm{Base: Base{name: "ResidualLayerNorm"}, EmbedDim: embedDim, Norm: NewLayerNorm(embedDim)}, nil
}

// Forward uses x itself as the residual.
func (r *ResidualLayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return r.Apply(x, nil)
}

// Apply computes LayerNorm(x) + residual, defaulting residual to x.
func (r *ResidualLayerNorm) Apply(x, residual *tensor.Tensor) (*tensor.Tensor, error) {
	if residual == nil {
		residual = x
	}
	out, err := r.Norm.Forward(x)
	if err != nil {
		return nil, err
	}
	if err := tensor.AddInPlace(out, residual); err != nil {
		return nil, err
	}
	r.trace("output", out)
	return out, nil
}

func (r *ResidualLayerNorm) Params(prefix string) []Param {
	return r.Norm.Params(join(prefix, "norm"))
}

func (r *ResidualLayerNorm) Config() map[string]any {
	return map[string]any{"class": "ResidualLayerNormBlock", "embed_dim": r.EmbedDim}
}
