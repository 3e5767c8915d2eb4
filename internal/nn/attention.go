package nn

import (
	"math"

	"github.com/23skdu/plantvit/internal/tensor"
)

// LinearDifferentialAttention subtracts two independent softmax maps,
// scaled by a learnable positive alpha, before attending over V.
type LinearDifferentialAttention struct {
	Base
	EmbedDim int
	NumHeads int
	HeadDim  int
	Dropout  float64
	Scale    float32

	Alpha   *tensor.Tensor // scalar, stored as exp(init)
	QProj   *Linear        // D -> 2D, no bias
	KProj   *Linear        // D -> 2D, no bias
	VProj   *Linear        // D -> D, no bias
	OutProj *Linear
	Norm    *GroupNorm
}

type LDAOptions struct {
	EmbedDim int
	NumHeads int
	Dropout  float64
	Init     float64
}

func NewLinearDifferentialAttention(init *Initializer, o LDAOptions) (*LinearDifferentialAttention, error) {
	if o.EmbedDim <= 0 || o.NumHeads <= 0 {
		return nil, invalid("lda", "embed_dim=%d num_heads=%d must be positive", o.EmbedDim, o.NumHeads)
	}
	if o.EmbedDim%o.NumHeads != 0 {
		return nil, invalid("lda", "embed_dim (%d) must be divisible by num_heads (%d)", o.EmbedDim, o.NumHeads)
	}
	if o.Dropout < 0 || o.Dropout >= 1 {
		return nil, invalid("lda", "dropout must be in [0, 1), got %g", o.Dropout)
	}
	init = init.orDefault()
	d := o.EmbedDim
	a := &LinearDifferentialAttention{
		Base:     Base{name: "LinearDifferentialAttention"},
		EmbedDim: d,
		NumHeads: o.NumHeads,
		HeadDim:  d / o.NumHeads,
		Dropout:  o.Dropout,
		Scale:    float32(math.Pow(float64(d/o.NumHeads), -0.5)),
		Alpha:    tensor.MustFromSlice([]float32{float32(math.Exp(o.Init))}),
		QProj:    NewLinear(init, d, 2*d, false),
		KProj:    NewLinear(init, d, 2*d, false),
		VProj:    NewLinear(init, d, d, false),
		OutProj:  NewLinear(init, d, d, true),
		Norm:     NewGroupNorm(o.NumHeads, d),
	}
	for _, w := range []*tensor.Tensor{a.QProj.Weight, a.KProj.Weight, a.VProj.Weight, a.OutProj.Weight} {
		init.XavierUniform(w)
	}
	return a, nil
}

func (a *LinearDifferentialAttention) AlphaValue() float32 { return a.Alpha.Data()[0] }

// AttentionMaps holds per-head maps of shape (B, heads, N, N).
type AttentionMaps struct {
	A1, A2, Diff *tensor.Tensor
}

func (a *LinearDifferentialAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := a.attend(x, false)
	return out, err
}

// Maps computes A1, A2 and alpha*(A1-A2) without projecting the output.
func (a *LinearDifferentialAttention) Maps(x *tensor.Tensor) (AttentionMaps, error) {
	_, maps, err := a.attend(x, true)
	return maps, err
}

func (a *LinearDifferentialAttention) attend(x *tensor.Tensor, keep bool) (*tensor.Tensor, AttentionMaps, error) {
	var maps AttentionMaps
	a.trace("input", x)
	if err := tensor.ExpectRank("lda", x, 3); err != nil {
		return nil, maps, err
	}
	if err := tensor.ExpectDim("lda", x, 2, a.EmbedDim); err != nil {
		return nil, maps, err
	}
	B, n, d := x.Dim(0), x.Dim(1), a.EmbedDim
	xn, err := a.Norm.Forward(x)
	if err != nil {
		return nil, maps, err
	}
	q, err := a.QProj.Forward(xn)
	if err != nil {
		return nil, maps, err
	}
	k, err := a.KProj.Forward(xn)
	if err != nil {
		return nil, maps, err
	}
	v, err := a.VProj.Forward(xn)
	if err != nil {
		return nil, maps, err
	}
	a.trace("q", q)

	heads, hd := a.NumHeads, a.HeadDim
	if keep {
		maps = AttentionMaps{
			A1:   tensor.New(B, heads, n, n),
			A2:   tensor.New(B, heads, n, n),
			Diff: tensor.New(B, heads, n, n),
		}
	}
	ctx := tensor.New(B, n, d)
	alpha := a.AlphaValue()
	qd, kd, vd := q.Data(), k.Data(), v.Data()

	parallelUnits(B*heads, func(u int, scratch []float32) {
		b, h := u/heads, u%heads
		a1, a2 := scratch[:n*n], scratch[n*n:2*n*n]
		tensor.MatMulNT(tensor.Head(qd, b, n, 2*d, h*hd, hd), tensor.Head(kd, b, n, 2*d, h*hd, hd), a1)
		tensor.MatMulNT(tensor.Head(qd, b, n, 2*d, d+h*hd, hd), tensor.Head(kd, b, n, 2*d, d+h*hd, hd), a2)
		for i := range a1 {
			a1[i] *= a.Scale
			a2[i] *= a.Scale
		}
		tensor.SoftmaxRows(a1, n)
		tensor.SoftmaxRows(a2, n)
		if keep {
			copy(maps.A1.Data()[u*n*n:(u+1)*n*n], a1)
			copy(maps.A2.Data()[u*n*n:(u+1)*n*n], a2)
		}
		for i := range a1 {
			a1[i] = alpha * (a1[i] - a2[i])
		}
		if keep {
			copy(maps.Diff.Data()[u*n*n:(u+1)*n*n], a1)
		}
		tensor.MatMulInto(a1, n, tensor.Head(vd, b, n, d, h*hd, hd), tensor.Head(ctx.Data(), b, n, d, h*hd, hd))
	}, 2*n*n)

	a.trace("context", ctx)
	out, err := a.OutProj.Forward(ctx)
	if err != nil {
		return nil, maps, err
	}
	a.trace("output", out)
	return out, maps, nil
}

func (a *LinearDifferentialAttention) Params(prefix string) []Param {
	ps := []Param{{Name: join(prefix, "alpha"), Tensor: a.Alpha, Trainable: true}}
	ps = append(ps, a.QProj.Params(join(prefix, "q_proj"))...)
	ps = append(ps, a.KProj.Params(join(prefix, "k_proj"))...)
	ps = append(ps, a.VProj.Params(join(prefix, "v_proj"))...)
	ps = append(ps, a.OutProj.Params(join(prefix, "out_proj"))...)
	ps = append(ps, a.Norm.Params(join(prefix, "norm"))...)
	return ps
}

func (a *LinearDifferentialAttention) Config() map[string]any {
	return map[string]any{
		"class":     "LinearDifferentialAttention",
		"embed_dim": a.EmbedDim,
		"num_heads": a.NumHeads,
		"head_dim":  a.HeadDim,
		"dropout":   a.Dropout,
		"alpha":     a.AlphaValue(),
	}
}
