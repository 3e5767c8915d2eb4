package nn

import (
	"fmt"
	"math"

	"github.com/23skdu/plantvit/internal/tensor"
)

type fusedLayout int

const (
	fusedSingle fusedLayout = iota // expand_ratio == 1: conv3x3 + BN
	fusedConv                      // conv3x3 + BN + ReLU, conv1x1 + BN
	fusedGhost                     // GhostConv, conv1x1 + BN
)

// FusedInvertedResidual fuses expansion and depthwise convolution into one
// 3x3 convolution followed by a 1x1 projection.
type FusedInvertedResidual struct {
	Base
	Inp, Oup      int
	Stride        int
	ExpandRatio   float64
	UseGhost      bool
	HiddenDim     int
	UseResConnect bool

	layout    fusedLayout
	Expand    *Conv2d
	ExpandBN  *BatchNorm2d
	Ghost     *GhostConv
	Project   *Conv2d
	ProjectBN *BatchNorm2d
}

type FusedIROptions struct {
	Inp, Oup    int
	Stride      int
	ExpandRatio float64
	UseGhost    bool
}

func NewFusedInvertedResidual(init *Initializer, o FusedIROptions) (*FusedInvertedResidual, error) {
	if o.Inp <= 0 || o.Oup <= 0 {
		return nil, invalid("fused_ir", "channels must be positive, got inp=%d oup=%d", o.Inp, o.Oup)
	}
	if o.Stride < 1 {
		return nil, invalid("fused_ir", "stride must be >= 1, got %d", o.Stride)
	}
	if o.ExpandRatio < 1 {
		return nil, invalid("fused_ir", "expand ratio must be >= 1, got %g", o.ExpandRatio)
	}
	init = init.orDefault()
	f := &FusedInvertedResidual{
		Base:          Base{name: "FusedInvertedResidual"},
		Inp:           o.Inp,
		Oup:           o.Oup,
		Stride:        o.Stride,
		ExpandRatio:   o.ExpandRatio,
		UseGhost:      o.UseGhost,
		HiddenDim:     int(math.RoundToEven(float64(o.Inp) * o.ExpandRatio)),
		UseResConnect: o.Stride == 1 && o.Inp == o.Oup,
	}
	switch {
	case o.ExpandRatio == 1:
		f.layout = fusedSingle
		f.Expand = NewConv2d(init, o.Inp, o.Oup, 3, o.Stride, 1, 1, false)
		f.ExpandBN = NewBatchNorm2d(o.Oup)
	case o.UseGhost:
		f.layout = fusedGhost
		g, err := NewGhostConv(init, GhostConvOptions{
			Inp: o.Inp, Oup: f.HiddenDim, KernelSize: 1, Ratio: 2, DWSize: 3, Stride: o.Stride, ReLU: true,
		})
		if err != nil {
			return nil, err
		}
		f.Ghost = g
		f.Project = NewConv2d(init, f.HiddenDim, o.Oup, 1, 1, 0, 1, false)
		f.ProjectBN = NewBatchNorm2d(o.Oup)
	default:
		f.layout = fusedConv
		f.Expand = NewConv2d(init, o.Inp, f.HiddenDim, 3, o.Stride, 1, 1, false)
		f.ExpandBN = NewBatchNorm2d(f.HiddenDim)
		f.Project = NewConv2d(init, f.HiddenDim, o.Oup, 1, 1, 0, 1, false)
		f.ProjectBN = NewBatchNorm2d(o.Oup)
	}
	return f, nil
}

// Branch runs the convolutional path without the residual or final ReLU.
func (f *FusedInvertedResidual) Branch(x *tensor.Tensor) (*tensor.Tensor, error) {
	var (
		y   *tensor.Tensor
		err error
	)
	switch f.layout {
	case fusedSingle:
		if y, err = f.Expand.Forward(x); err != nil {
			return nil, err
		}
		return f.ExpandBN.Forward(y)
	case fusedGhost:
		if y, err = f.Ghost.Forward(x); err != nil {
			return nil, err
		}
	default:
		if y, err = f.Expand.Forward(x); err != nil {
			return nil, err
		}
		if y, err = f.ExpandBN.Forward(y); err != nil {
			return nil, err
		}
		tensor.ApplyInPlace(y, tensor.ReLU)
	}
	f.trace("expanded", y)
	if y, err = f.Project.Forward(y); err != nil {
		return nil, err
	}
	return f.ProjectBN.Forward(y)
}

func (f *FusedInvertedResidual) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	f.trace("input", x)
	out, err := f.Branch(x)
	if err != nil {
		return nil, err
	}
	if f.UseResConnect {
		if err := tensor.AddInPlace(out, x); err != nil {
			return nil, err
		}
		f.trace("residual", out)
		return out, nil
	}
	tensor.ApplyInPlace(out, tensor.ReLU)
	f.trace("relu", out)
	return out, nil
}

// ResidualInfo reports whether the skip connection is active and why.
type ResidualInfo struct {
	UseResConnect bool
	Stride        int
	Inp, Oup      int
	Reason        string
}

func (f *FusedInvertedResidual) ResidualInfo() ResidualInfo {
	info := ResidualInfo{UseResConnect: f.UseResConnect, Stride: f.Stride, Inp: f.Inp, Oup: f.Oup}
	switch {
	case f.UseResConnect:
		info.Reason = "applied: stride=1 and inp=oup"
	case f.Stride != 1:
		info.Reason = fmt.Sprintf("not applied: stride=%d (must be 1)", f.Stride)
	default:
		info.Reason = fmt.Sprintf("not applied: inp=%d != oup=%d", f.Inp, f.Oup)
	}
	return info
}

func (f *FusedInvertedResidual) Params(prefix string) []Param {
	var ps []Param
	switch f.layout {
	case fusedSingle:
		ps = append(ps, f.Expand.Params(join(prefix, "block.0"))...)
		ps = append(ps, f.ExpandBN.Params(join(prefix, "block.1"))...)
	case fusedGhost:
		ps = append(ps, f.Ghost.Params(join(prefix, "block.0"))...)
		ps = append(ps, f.Project.Params(join(prefix, "block.1"))...)
		ps = append(ps, f.ProjectBN.Params(join(prefix, "block.2"))...)
	default:
		ps = append(ps, f.Expand.Params(join(prefix, "block.0"))...)
		ps = append(ps, f.ExpandBN.Params(join(prefix, "block.1"))...)
		ps = append(ps, f.Project.Params(join(prefix, "block.3"))...)
		ps = append(ps, f.ProjectBN.Params(join(prefix, "block.4"))...)
	}
	return ps
}

func (f *FusedInvertedResidual) Config() map[string]any {
	return map[string]any{
		"class":           "FusedInvertedResidualBlock",
		"inp":             f.Inp,
		"oup":             f.Oup,
		"stride":          f.Stride,
		"expand_ratio":    f.ExpandRatio,
		"hidden_dim":      f.HiddenDim,
		"use_res_connect": f.UseResConnect,
		"use_ghost":       f.UseGhost,
	}
}
