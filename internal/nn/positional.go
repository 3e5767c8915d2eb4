package nn

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/plantvit/internal/tensor"
)

// ErrSequenceTooLong is wrapped by SequenceLengthError.
var ErrSequenceTooLong = errors.New("sequence exceeds positional encoding capacity")

type SequenceLengthError struct {
	SeqLen int
	MaxLen int
}

func (e *SequenceLengthError) Error() string {
	return fmt.Sprintf("sequence length %d exceeds maximum length %d", e.SeqLen, e.MaxLen)
}

func (e *SequenceLengthError) Unwrap() error { return ErrSequenceTooLong }

// PositionalEncoding adds a fixed sinusoidal table to a token sequence.
type PositionalEncoding struct {
	Base
	EmbedDim int
	MaxLen   int
	PE       *tensor.Tensor // (1, MaxLen, EmbedDim), not trainable
}

func NewPositionalEncoding(embedDim, maxLen int) (*PositionalEncoding, error) {
	if embedDim <= 0 || maxLen <= 0 {
		return nil, invalid("pos_enc", "embed_dim=%d max_len=%d must be positive", embedDim, maxLen)
	}
	return &PositionalEncoding{
		Base:     Base{name: "PositionalEncoding"},
		EmbedDim: embedDim,
		MaxLen:   maxLen,
		PE:       sinusoidTable(embedDim, maxLen),
	}, nil
}

// sinusoidTable puts sin on even features and cos on odd ones; for odd d the
// cos half uses one fewer frequency.
func sinusoidTable(d, maxLen int) *tensor.Tensor {
	half := (d + 1) / 2
	div := make([]float64, half)
	for i := range div {
		div[i] = float64(float32(math.Exp(float64(2*i) * (-math.Log(10000.0) / float64(d)))))
	}
	pe := tensor.New(1, maxLen, d)
	data := pe.Data()
	for pos := 0; pos < maxLen; pos++ {
		row := data[pos*d : (pos+1)*d]
		for i := 0; i < half; i++ {
			arg := float64(float32(float64(pos) * div[i]))
			row[2*i] = float32(math.Sin(arg))
			if 2*i+1 < d {
				row[2*i+1] = float32(math.Cos(arg))
			}
		}
	}
	return pe
}

func (p *PositionalEncoding) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	p.trace("input", x)
	if err := tensor.ExpectRank("pos_enc", x, 3); err != nil {
		return nil, err
	}
	if err := tensor.ExpectDim("pos_enc", x, 2, p.EmbedDim); err != nil {
		return nil, err
	}
	n := x.Dim(1)
	if n > p.MaxLen {
		return nil, &SequenceLengthError{SeqLen: n, MaxLen: p.MaxLen}
	}
	out := x.Clone()
	d := p.EmbedDim
	table := p.PE.Data()[:n*d]
	data := out.Data()
	for b := 0; b < x.Dim(0); b++ {
		row := data[b*n*d : (b+1)*n*d]
		for i, v := range table {
			row[i] += v
		}
	}
	p.trace("output", out)
	return out, nil
}

// Encoding returns the first seqLen rows; seqLen <= 0 returns the whole table.
func (p *PositionalEncoding) Encoding(seqLen int) (*tensor.Tensor, error) {
	if seqLen <= 0 {
		return p.PE, nil
	}
	if seqLen > p.MaxLen {
		return nil, &SequenceLengthError{SeqLen: seqLen, MaxLen: p.MaxLen}
	}
	return tensor.FromSlice(p.PE.Data()[:seqLen*p.EmbedDim], 1, seqLen, p.EmbedDim)
}

func (p *PositionalEncoding) Params(prefix string) []Param {
	return []Param{{Name: join(prefix, "pe"), Tensor: p.PE}}
}

func (p *PositionalEncoding) Config() map[string]any {
	return map[string]any{
		"class":     "PositionalEncoding",
		"embed_dim": p.EmbedDim,
		"max_len":   p.MaxLen,
		"learnable": false,
	}
}
