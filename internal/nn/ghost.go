package nn

import (
	"github.com/23skdu/plantvit/internal/tensor"
)

// GhostConv produces ceil(oup/ratio) intrinsic maps with a regular
// convolution and derives the rest with a cheap depthwise convolution.
type GhostConv struct {
	Base
	Inp, Oup   int
	KernelSize int
	Ratio      int
	DWSize     int
	Stride     int
	ReLU       bool

	InitChannels int
	NewChannels  int

	PrimaryConv *Conv2d
	PrimaryBN   *BatchNorm2d
	CheapConv   *Conv2d
	CheapBN     *BatchNorm2d
}

type GhostConvOptions struct {
	Inp, Oup   int
	KernelSize int
	Ratio      int
	DWSize     int
	Stride     int
	ReLU       bool
}

func NewGhostConv(init *Initializer, o GhostConvOptions) (*GhostConv, error) {
	if o.Inp <= 0 || o.Oup <= 0 {
		return nil, invalid("ghost_conv", "channels must be positive, got inp=%d oup=%d", o.Inp, o.Oup)
	}
	if o.Ratio < 2 {
		return nil, invalid("ghost_conv", "ratio must be >= 2, got %d", o.Ratio)
	}
	if o.KernelSize < 1 || o.DWSize < 1 || o.Stride < 1 {
		return nil, invalid("ghost_conv", "kernel=%d dw=%d stride=%d must be >= 1", o.KernelSize, o.DWSize, o.Stride)
	}
	init = init.orDefault()
	initCh := (o.Oup + o.Ratio - 1) / o.Ratio
	newCh := initCh * (o.Ratio - 1)
	return &GhostConv{
		Base:         Base{name: "GhostConv"},
		Inp:          o.Inp,
		Oup:          o.Oup,
		KernelSize:   o.KernelSize,
		Ratio:        o.Ratio,
		DWSize:       o.DWSize,
		Stride:       o.Stride,
		ReLU:         o.ReLU,
		InitChannels: initCh,
		NewChannels:  newCh,
		PrimaryConv:  NewConv2d(init, o.Inp, initCh, o.KernelSize, o.Stride, o.KernelSize/2, 1, false),
		PrimaryBN:    NewBatchNorm2d(initCh),
		CheapConv:    NewConv2d(init, initCh, newCh, o.DWSize, 1, o.DWSize/2, initCh, false),
		CheapBN:      NewBatchNorm2d(newCh),
	}, nil
}

func (g *GhostConv) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	g.trace("input", x)
	x1, err := g.convBN(g.PrimaryConv, g.PrimaryBN, x)
	if err != nil {
		return nil, err
	}
	g.trace("primary", x1)
	x2, err := g.convBN(g.CheapConv, g.CheapBN, x1)
	if err != nil {
		return nil, err
	}
	g.trace("cheap", x2)
	out, err := tensor.ConcatChannels(x1, x2)
	if err != nil {
		return nil, err
	}
	if out.Dim(1) == g.Oup {
		return out, nil
	}
	out, err = tensor.SliceChannels(out, 0, g.Oup)
	if err != nil {
		return nil, err
	}
	g.trace("output", out)
	return out, nil
}

func (g *GhostConv) convBN(c *Conv2d, bn *BatchNorm2d, x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := c.Forward(x)
	if err != nil {
		return nil, err
	}
	y, err = bn.Forward(y)
	if err != nil {
		return nil, err
	}
	if g.ReLU {
		tensor.ApplyInPlace(y, tensor.ReLU)
	}
	return y, nil
}

func (g *GhostConv) Params(prefix string) []Param {
	var ps []Param
	ps = append(ps, g.PrimaryConv.Params(join(prefix, "primary_conv.0"))...)
	ps = append(ps, g.PrimaryBN.Params(join(prefix, "primary_conv.1"))...)
	ps = append(ps, g.CheapConv.Params(join(prefix, "cheap_operation.0"))...)
	ps = append(ps, g.CheapBN.Params(join(prefix, "cheap_operation.1"))...)
	return ps
}

func (g *GhostConv) Config() map[string]any {
	return map[string]any{
		"class":         "GhostConv",
		"inp":           g.Inp,
		"oup":           g.Oup,
		"kernel_size":   g.KernelSize,
		"ratio":         g.Ratio,
		"dw_size":       g.DWSize,
		"stride":        g.Stride,
		"relu":          g.ReLU,
		"init_channels": g.InitChannels,
		"new_channels":  g.NewChannels,
	}
}

// ConvBNReLU is the plain 3x3 stem used when ghost features are disabled.
type ConvBNReLU struct {
	Base
	Conv *Conv2d
	BN   *BatchNorm2d
}

func NewConvBNReLU(init *Initializer, inp, oup int) (*ConvBNReLU, error) {
	if inp <= 0 || oup <= 0 {
		return nil, invalid("conv_bn_relu", "channels must be positive, got inp=%d oup=%d", inp, oup)
	}
	return &ConvBNReLU{
		Base: Base{name: "ConvBNReLU"},
		Conv: NewConv2d(init.orDefault(), inp, oup, 3, 1, 1, 1, false),
		BN:   NewBatchNorm2d(oup),
	}, nil
}

func (c *ConvBNReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := c.Conv.Forward(x)
	if err != nil {
		return nil, err
	}
	y, err = c.BN.Forward(y)
	if err != nil {
		return nil, err
	}
	tensor.ApplyInPlace(y, tensor.ReLU)
	c.trace("output", y)
	return y, nil
}

func (c *ConvBNReLU) Params(prefix string) []Param {
	return append(c.Conv.Params(join(prefix, "0")), c.BN.Params(join(prefix, "1"))...)
}

func (c *ConvBNReLU) Config() map[string]any {
	return map[string]any{
		"class": "ConvBNReLU",
		"inp":   c.Conv.Weight.Dim(1),
		"oup":   c.Conv.Weight.Dim(0),
	}
}
