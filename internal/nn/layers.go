package nn

import "github.com/23skdu/plantvit/internal/tensor"

const normEps = 1e-5

// Conv2d is a grouped 2-D convolution.
type Conv2d struct {
	Weight  *tensor.Tensor
	Bias    *tensor.Tensor
	Stride  int
	Padding int
	Groups  int
}

func NewConv2d(init *Initializer, cin, cout, kernel, stride, padding, groups int, bias bool) *Conv2d {
	c := &Conv2d{
		Weight:  tensor.New(cout, cin/groups, kernel, kernel),
		Stride:  stride,
		Padding: padding,
		Groups:  groups,
	}
	init.KaimingNormalFanOut(c.Weight)
	if bias {
		c.Bias = tensor.New(cout)
	}
	return c
}

func (c *Conv2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2D(x, c.Weight, c.Bias, c.Stride, c.Padding, c.Groups)
}

func (c *Conv2d) Params(prefix string) []Param {
	ps := []Param{{Name: join(prefix, "weight"), Tensor: c.Weight, Trainable: true}}
	if c.Bias != nil {
		ps = append(ps, Param{Name: join(prefix, "bias"), Tensor: c.Bias, Trainable: true})
	}
	return ps
}

// BatchNorm2d runs with frozen running statistics.
type BatchNorm2d struct {
	Weight      *tensor.Tensor
	Bias        *tensor.Tensor
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
	Eps         float32
}

func NewBatchNorm2d(c int) *BatchNorm2d {
	return &BatchNorm2d{
		Weight:      tensor.Full(1, c),
		Bias:        tensor.New(c),
		RunningMean: tensor.New(c),
		RunningVar:  tensor.Full(1, c),
		Eps:         normEps,
	}
}

func (bn *BatchNorm2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.BatchNorm2D(x, bn.Weight, bn.Bias, bn.RunningMean, bn.RunningVar, bn.Eps)
}

func (bn *BatchNorm2d) Params(prefix string) []Param {
	return []Param{
		{Name: join(prefix, "weight"), Tensor: bn.Weight, Trainable: true},
		{Name: join(prefix, "bias"), Tensor: bn.Bias, Trainable: true},
		{Name: join(prefix, "running_mean"), Tensor: bn.RunningMean},
		{Name: join(prefix, "running_var"), Tensor: bn.RunningVar},
	}
}

// Linear is y = x·Wᵀ + b over the last axis.
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

func NewLinear(init *Initializer, in, out int, bias bool) *Linear {
	l := &Linear{Weight: tensor.New(out, in)}
	init.TruncNormal(l.Weight, 0.02)
	if bias {
		l.Bias = tensor.New(out)
	}
	return l
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Linear(x, l.Weight, l.Bias)
}

func (l *Linear) Params(prefix string) []Param {
	ps := []Param{{Name: join(prefix, "weight"), Tensor: l.Weight, Trainable: true}}
	if l.Bias != nil {
		ps = append(ps, Param{Name: join(prefix, "bias"), Tensor: l.Bias, Trainable: true})
	}
	return ps
}

// LayerNorm normalizes the last axis.
type LayerNorm struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Eps    float32
}

func NewLayerNorm(d int) *LayerNorm {
	return &LayerNorm{Weight: tensor.Full(1, d), Bias: tensor.New(d), Eps: normEps}
}

func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.LayerNorm(x, ln.Weight, ln.Bias, ln.Eps)
}

func (ln *LayerNorm) Params(prefix string) []Param {
	return []Param{
		{Name: join(prefix, "weight"), Tensor: ln.Weight, Trainable: true},
		{Name: join(prefix, "bias"), Tensor: ln.Bias, Trainable: true},
	}
}

// GroupNorm normalizes channel groups of a channels-last token tensor.
type GroupNorm struct {
	Groups int
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Eps    float32
}

func NewGroupNorm(groups, channels int) *GroupNorm {
	return &GroupNorm{Groups: groups, Weight: tensor.Full(1, channels), Bias: tensor.New(channels), Eps: normEps}
}

func (gn *GroupNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.GroupNormTokens(x, gn.Groups, gn.Weight, gn.Bias, gn.Eps)
}

func (gn *GroupNorm) Params(prefix string) []Param {
	return []Param{
		{Name: join(prefix, "weight"), Tensor: gn.Weight, Trainable: true},
		{Name: join(prefix, "bias"), Tensor: gn.Bias, Trainable: true},
	}
}
