package nn

import (
	"math"

	"github.com/23skdu/plantvit/internal/tensor"
)

// MultiheadAttention is conventional scaled dot-product self-attention with
// a packed input projection. Forward returns the head-averaged weights next
// to the output, so it does not satisfy Block.
type MultiheadAttention struct {
	EmbedDim int
	NumHeads int
	HeadDim  int
	Dropout  float64

	InProjWeight *tensor.Tensor // (3D, D)
	InProjBias   *tensor.Tensor // (3D)
	OutProj      *Linear
}

func NewMultiheadAttention(init *Initializer, embedDim, numHeads int, dropout float64) (*MultiheadAttention, error) {
	if embedDim <= 0 || numHeads <= 0 || embedDim%numHeads != 0 {
		return nil, invalid("multihead_attention", "embed_dim (%d) must be divisible by num_heads (%d)", embedDim, numHeads)
	}
	if dropout < 0 || dropout >= 1 {
		return nil, invalid("multihead_attention", "dropout must be in [0, 1), got %g", dropout)
	}
	init = init.orDefault()
	m := &MultiheadAttention{
		EmbedDim:     embedDim,
		NumHeads:     numHeads,
		HeadDim:      embedDim / numHeads,
		Dropout:      dropout,
		InProjWeight: tensor.New(3*embedDim, embedDim),
		InProjBias:   tensor.New(3 * embedDim),
		OutProj:      NewLinear(init, embedDim, embedDim, true),
	}
	init.XavierUniform(m.InProjWeight)
	return m, nil
}

// Forward returns the attended output (B, N, D) and weights (B, N, N)
// averaged over heads.
func (m *MultiheadAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := tensor.ExpectRank("multihead_attention", x, 3); err != nil {
		return nil, nil, err
	}
	if err := tensor.ExpectDim("multihead_attention", x, 2, m.EmbedDim); err != nil {
		return nil, nil, err
	}
	B, n, d := x.Dim(0), x.Dim(1), m.EmbedDim
	qkv, err := tensor.Linear(x, m.InProjWeight, m.InProjBias)
	if err != nil {
		return nil, nil, err
	}
	heads, hd := m.NumHeads, m.HeadDim
	scale := float32(1 / math.Sqrt(float64(hd)))
	ctx := tensor.New(B, n, d)
	perHead := tensor.New(B, heads, n, n)
	data := qkv.Data()

	parallelUnits(B*heads, func(u int, scratch []float32) {
		b, h := u/heads, u%heads
		tensor.MatMulNT(tensor.Head(data, b, n, 3*d, h*hd, hd), tensor.Head(data, b, n, 3*d, d+h*hd, hd), scratch)
		for i := range scratch {
			scratch[i] *= scale
		}
		tensor.SoftmaxRows(scratch, n)
		copy(perHead.Data()[u*n*n:(u+1)*n*n], scratch)
		tensor.MatMulInto(scratch, n, tensor.Head(data, b, n, 3*d, 2*d+h*hd, hd), tensor.Head(ctx.Data(), b, n, d, h*hd, hd))
	}, n*n)

	out, err := m.OutProj.Forward(ctx)
	if err != nil {
		return nil, nil, err
	}
	weights := tensor.New(B, n, n)
	wd, pd := weights.Data(), perHead.Data()
	inv := 1 / float32(heads)
	for b := 0; b < B; b++ {
		for h := 0; h < heads; h++ {
			src := pd[(b*heads+h)*n*n : (b*heads+h+1)*n*n]
			dst := wd[b*n*n : (b+1)*n*n]
			for i, v := range src {
				dst[i] += v * inv
			}
		}
	}
	return out, weights, nil
}

func (m *MultiheadAttention) Params(prefix string) []Param {
	ps := []Param{
		{Name: join(prefix, "in_proj_weight"), Tensor: m.InProjWeight, Trainable: true},
		{Name: join(prefix, "in_proj_bias"), Tensor: m.InProjBias, Trainable: true},
	}
	return append(ps, m.OutProj.Params(join(prefix, "out_proj"))...)
}

func (m *MultiheadAttention) Config() map[string]any {
	return map[string]any{
		"class":     "MultiheadAttention",
		"embed_dim": m.EmbedDim,
		"num_heads": m.NumHeads,
		"head_dim":  m.HeadDim,
		"dropout":   m.Dropout,
	}
}
