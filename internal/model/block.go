package model

import (
	"github.com/23skdu/plantvit/internal/config"
	"github.com/23skdu/plantvit/internal/nn"
	"github.com/23skdu/plantvit/internal/tensor"
)

type AttentionKind int

const (
	AttentionLDA AttentionKind = iota // linear differential attention
	AttentionMHA                      // standard multi-head self-attention
)

func (k AttentionKind) String() string {
	if k == AttentionMHA {
		return "mha"
	}
	return "lda"
}

type FFNKind int

const (
	FFNBottleneck FFNKind = iota
	FFNStandard
)

func (k FFNKind) String() string {
	if k == FFNStandard {
		return "standard"
	}
	return "bottleneck"
}

// TransformerBlock is one post-norm encoder layer:
//
//	x = norm1(attention(x) + x)
//	x = norm2(ffn(x) + x)
//
// The attention and FFN variants are fixed at construction; exactly one of
// LDA and MHA is set.
type TransformerBlock struct {
	Attention AttentionKind
	FFNKind   FFNKind

	LDA   *nn.LinearDifferentialAttention
	MHA   *nn.MultiheadAttention
	FFN   nn.Block
	Norm1 *nn.LayerNorm
	Norm2 *nn.LayerNorm

	attend func(x *tensor.Tensor) (*tensor.Tensor, error)
}

func newTransformerBlock(init *nn.Initializer, cfg config.Config) (*TransformerBlock, error) {
	b := &TransformerBlock{
		Norm1: nn.NewLayerNorm(cfg.EmbedDim),
		Norm2: nn.NewLayerNorm(cfg.EmbedDim),
	}

	if cfg.AblationNoLDA {
		mha, err := nn.NewMultiheadAttention(init, cfg.EmbedDim, cfg.NumHeads, cfg.LDADropout)
		if err != nil {
			return nil, err
		}
		b.Attention, b.MHA = AttentionMHA, mha
		// Attention weights are discarded here; only the output feeds the residual.
		b.attend = func(x *tensor.Tensor) (*tensor.Tensor, error) {
			out, _, err := mha.Forward(x)
			return out, err
		}
	} else {
		lda, err := nn.NewLinearDifferentialAttention(init, nn.LDAOptions{
			EmbedDim: cfg.EmbedDim,
			NumHeads: cfg.NumHeads,
			Dropout:  cfg.LDADropout,
			Init:     cfg.LDAInit,
		})
		if err != nil {
			return nil, err
		}
		b.Attention, b.LDA = AttentionLDA, lda
		b.attend = lda.Forward
	}

	if cfg.AblationNoBottleneckFFN {
		ffn, err := nn.NewStandardFFN(init, cfg.EmbedDim, cfg.FFNDropout)
		if err != nil {
			return nil, err
		}
		b.FFNKind, b.FFN = FFNStandard, ffn
	} else {
		ffn, err := nn.NewBottleneckFFN(init, nn.BottleneckFFNOptions{
			Inp:             cfg.EmbedDim,
			Oup:             cfg.EmbedDim,
			BottleneckRatio: cfg.FFNBottleneckRatio,
			Dropout:         cfg.FFNDropout,
		})
		if err != nil {
			return nil, err
		}
		b.FFNKind, b.FFN = FFNBottleneck, ffn
	}
	return b, nil
}

// Attend runs the attention sub-layer and returns a single (B, N, D) tensor
// regardless of variant.
func (b *TransformerBlock) Attend(x *tensor.Tensor) (*tensor.Tensor, error) {
	return b.attend(x)
}

func (b *TransformerBlock) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return b.run(x, 0, nil)
}

// run executes the block, reporting sub-layer outputs to record when non-nil.
// idx is the 1-based block number used in the reported names.
func (b *TransformerBlock) run(x *tensor.Tensor, idx int, record func(name string, t *tensor.Tensor)) (*tensor.Tensor, error) {
	attn, err := b.attend(x)
	if err != nil {
		return nil, err
	}
	if record != nil {
		record(stageName("after_lda_", idx), attn)
	}
	sum, err := tensor.Add(attn, x)
	if err != nil {
		return nil, err
	}
	x, err = b.Norm1.Forward(sum)
	if err != nil {
		return nil, err
	}
	if record != nil {
		record(stageName("after_res_ln_", idx), x)
	}

	f, err := b.FFN.Forward(x)
	if err != nil {
		return nil, err
	}
	if record != nil {
		record(stageName("after_ffn_", idx), f)
	}
	if sum, err = tensor.Add(f, x); err != nil {
		return nil, err
	}
	if x, err = b.Norm2.Forward(sum); err != nil {
		return nil, err
	}
	if record != nil {
		record(stageName("after_res_ln2_", idx), x)
	}
	return x, nil
}

func (b *TransformerBlock) Params(prefix string) []nn.Param {
	var ps []nn.Param
	if b.Attention == AttentionMHA {
		ps = append(ps, b.MHA.Params(join(prefix, "attention"))...)
	} else {
		ps = append(ps, b.LDA.Params(join(prefix, "attention"))...)
	}
	ps = append(ps, b.FFN.Params(join(prefix, "ffn"))...)
	ps = append(ps, b.Norm1.Params(join(prefix, "norm1"))...)
	ps = append(ps, b.Norm2.Params(join(prefix, "norm2"))...)
	return ps
}

func (b *TransformerBlock) Config() map[string]any {
	var attn map[string]any
	if b.Attention == AttentionMHA {
		attn = b.MHA.Config()
	} else {
		attn = b.LDA.Config()
	}
	return map[string]any{
		"class":     "TransformerBlock",
		"attention": attn,
		"ffn":       b.FFN.Config(),
	}
}

func (b *TransformerBlock) setDebug(on bool) {
	if b.LDA != nil {
		b.LDA.SetDebug(on)
	}
	if d, ok := b.FFN.(interface{ SetDebug(bool) }); ok {
		d.SetDebug(on)
	}
}
