package nn

import (
	"github.com/23skdu/plantvit/internal/tensor"
)

// CoordAtt gates features with separate height and width attention maps.
type CoordAtt struct {
	Base
	Inp, Oup  int
	Reduction int
	Mip       int

	Conv1 *Conv2d
	BN1   *BatchNorm2d
	ConvH *Conv2d
	ConvW *Conv2d
	Proj  *Conv2d // nil when inp == oup
}

func NewCoordAtt(init *Initializer, inp, oup, reduction int) (*CoordAtt, error) {
	if inp <= 0 || oup <= 0 {
		return nil, invalid("coord_att", "channels must be positive, got inp=%d oup=%d", inp, oup)
	}
	if reduction < 1 {
		return nil, invalid("coord_att", "reduction must be >= 1, got %d", reduction)
	}
	init = init.orDefault()
	mip := inp / reduction
	if mip < 8 {
		mip = 8
	}
	c := &CoordAtt{
		Base:      Base{name: "CoordAtt"},
		Inp:       inp,
		Oup:       oup,
		Reduction: reduction,
		Mip:       mip,
		Conv1:     NewConv2d(init, inp, mip, 1, 1, 0, 1, true),
		BN1:       NewBatchNorm2d(mip),
		ConvH:     NewConv2d(init, mip, oup, 1, 1, 0, 1, true),
		ConvW:     NewConv2d(init, mip, oup, 1, 1, 0, 1, true),
	}
	if inp != oup {
		c.Proj = NewConv2d(init, inp, oup, 1, 1, 0, 1, false)
	}
	return c, nil
}

// AttentionMaps returns a_h (B, oup, H, 1) and a_w (B, oup, 1, W).
func (c *CoordAtt) AttentionMaps(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := tensor.ExpectRank("coord_att", x, 4); err != nil {
		return nil, nil, err
	}
	if err := tensor.ExpectDim("coord_att", x, 1, c.Inp); err != nil {
		return nil, nil, err
	}
	B, h, w := x.Dim(0), x.Dim(2), x.Dim(3)
	xh, err := tensor.MeanOverWidth(x)
	if err != nil {
		return nil, nil, err
	}
	xw, err := tensor.MeanOverHeight(x)
	if err != nil {
		return nil, nil, err
	}
	// (B, C, 1, W) and (B, C, W, 1) share a layout.
	if xw, err = xw.Reshape(B, c.Inp, w, 1); err != nil {
		return nil, nil, err
	}
	y, err := tensor.ConcatRows(xh, xw)
	if err != nil {
		return nil, nil, err
	}
	if y, err = c.Conv1.Forward(y); err != nil {
		return nil, nil, err
	}
	if y, err = c.BN1.Forward(y); err != nil {
		return nil, nil, err
	}
	tensor.ApplyInPlace(y, tensor.HSwish)
	c.trace("squeezed", y)

	yh, yw, err := tensor.SplitRows(y, h)
	if err != nil {
		return nil, nil, err
	}
	if yw, err = yw.Reshape(B, c.Mip, 1, w); err != nil {
		return nil, nil, err
	}
	ah, err := c.ConvH.Forward(yh)
	if err != nil {
		return nil, nil, err
	}
	aw, err := c.ConvW.Forward(yw)
	if err != nil {
		return nil, nil, err
	}
	tensor.ApplyInPlace(ah, tensor.Sigmoid)
	tensor.ApplyInPlace(aw, tensor.Sigmoid)
	return ah, aw, nil
}

func (c *CoordAtt) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	c.trace("input", x)
	ah, aw, err := c.AttentionMaps(x)
	if err != nil {
		return nil, err
	}
	identity := x
	if c.Proj != nil {
		if identity, err = c.Proj.Forward(x); err != nil {
			return nil, err
		}
	}
	out, err := tensor.MulBroadcastHW(identity, ah, aw)
	if err != nil {
		return nil, err
	}
	c.trace("output", out)
	return out, nil
}

func (c *CoordAtt) Params(prefix string) []Param {
	var ps []Param
	ps = append(ps, c.Conv1.Params(join(prefix, "conv1"))...)
	ps = append(ps, c.BN1.Params(join(prefix, "bn1"))...)
	ps = append(ps, c.ConvH.Params(join(prefix, "conv_h"))...)
	ps = append(ps, c.ConvW.Params(join(prefix, "conv_w"))...)
	if c.Proj != nil {
		ps = append(ps, c.Proj.Params(join(prefix, "proj"))...)
	}
	return ps
}

func (c *CoordAtt) Config() map[string]any {
	return map[string]any{
		"class":     "CoordAtt",
		"inp":       c.Inp,
		"oup":       c.Oup,
		"reduction": c.Reduction,
		"mip":       c.Mip,
	}
}
