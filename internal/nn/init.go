package nn

import (
	"math"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/23skdu/plantvit/internal/tensor"
)

// Initializer draws deterministic weights from a seeded source.
type Initializer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// DefaultSeed is used when no explicit seed is requested.
const DefaultSeed = 42

func NewInitializer(seed uint64) *Initializer {
	return &Initializer{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (in *Initializer) orDefault() *Initializer {
	if in == nil {
		return NewInitializer(DefaultSeed)
	}
	return in
}

// KaimingNormalFanOut fills a conv weight with N(0, 2/fan_out),
// fan_out = out_channels * kH * kW.
func (in *Initializer) KaimingNormalFanOut(w *tensor.Tensor) {
	in = in.orDefault()
	fanOut := w.Dim(0)
	for _, d := range w.Shape()[2:] {
		fanOut *= d
	}
	std := math.Sqrt(2.0 / float64(fanOut))
	in.mu.Lock()
	defer in.mu.Unlock()
	for i := range w.Data() {
		w.Data()[i] = float32(in.rng.NormFloat64() * std)
	}
}

// TruncNormal fills w with N(0, std²) resampled outside [-2, 2].
func (in *Initializer) TruncNormal(w *tensor.Tensor, std float64) {
	in = in.orDefault()
	in.mu.Lock()
	defer in.mu.Unlock()
	d := w.Data()
	for i := range d {
		v := in.rng.NormFloat64() * std
		for v < -2 || v > 2 {
			v = in.rng.NormFloat64() * std
		}
		d[i] = float32(v)
	}
}

// XavierUniform fills a 2-D weight with U(-a, a), a = sqrt(6/(fan_in+fan_out)).
func (in *Initializer) XavierUniform(w *tensor.Tensor) {
	in = in.orDefault()
	bound := math.Sqrt(6.0 / float64(w.Dim(0)+w.Dim(1)))
	in.mu.Lock()
	defer in.mu.Unlock()
	d := w.Data()
	for i := range d {
		d[i] = float32((in.rng.Float64()*2 - 1) * bound)
	}
}

// InitWeights applies the network-wide scheme to trainable params:
// conv weights He-normal (fan-out), linear weights truncated normal 0.02,
// norm weights one, every bias zero. Other tensors are left untouched.
func InitWeights(ps []Param, in *Initializer) {
	in = in.orDefault()
	for _, p := range ps {
		if !p.Trainable {
			continue
		}
		switch {
		case strings.HasSuffix(p.Name, ".weight") || p.Name == "weight":
			switch p.Tensor.Rank() {
			case 4:
				in.KaimingNormalFanOut(p.Tensor)
			case 2:
				in.TruncNormal(p.Tensor, 0.02)
			case 1:
				fill(p.Tensor, 1)
			}
		case strings.HasSuffix(p.Name, ".bias") || p.Name == "bias":
			fill(p.Tensor, 0)
		}
	}
}

func fill(t *tensor.Tensor, v float32) {
	d := t.Data()
	for i := range d {
		d[i] = v
	}
}
