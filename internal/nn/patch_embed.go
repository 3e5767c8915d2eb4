package nn

import "github.com/23skdu/plantvit/internal/tensor"

// PatchEmbedding turns a feature map into a token sequence with a
// non-overlapping strided convolution.
type PatchEmbedding struct {
	Base
	InChannels int
	EmbedDim   int
	PatchSize  int
	Proj       *Conv2d
}

func NewPatchEmbedding(init *Initializer, inChannels, embedDim, patchSize int) (*PatchEmbedding, error) {
	if inChannels <= 0 || embedDim <= 0 || patchSize <= 0 {
		return nil, invalid("patch_embed", "in_channels=%d embed_dim=%d patch_size=%d must be positive",
			inChannels, embedDim, patchSize)
	}
	return &PatchEmbedding{
		Base:       Base{name: "PatchEmbedding"},
		InChannels: inChannels,
		EmbedDim:   embedDim,
		PatchSize:  patchSize,
		Proj:       NewConv2d(init.orDefault(), inChannels, embedDim, patchSize, patchSize, 0, 1, true),
	}, nil
}

// Forward maps (B, C, H, W) to (B, (H/p)*(W/p), D). Partial trailing patches are dropped.
func (p *PatchEmbedding) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	p.trace("input", x)
	y, err := p.Proj.Forward(x)
	if err != nil {
		return nil, err
	}
	p.trace("projected", y)
	out, err := tensor.ChannelsToTokens(y)
	if err != nil {
		return nil, err
	}
	p.trace("output", out)
	return out, nil
}

func (p *PatchEmbedding) NumPatches(h, w int) int {
	return (h / p.PatchSize) * (w / p.PatchSize)
}

func (p *PatchEmbedding) OutputShape(h, w, batch int) []int {
	return []int{batch, p.NumPatches(h, w), p.EmbedDim}
}

func (p *PatchEmbedding) Params(prefix string) []Param {
	return p.Proj.Params(join(prefix, "proj"))
}

func (p *PatchEmbedding) Config() map[string]any {
	return map[string]any{
		"class":       "PatchEmbedding",
		"in_channels": p.InChannels,
		"embed_dim":   p.EmbedDim,
		"patch_size":  p.PatchSize,
	}
}
