package tensor

import "math"

// Activation is an elementwise scalar function.
type Activation func(float32) float32

func ReLU(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

func ReLU6(x float32) float32 {
	if x < 0 {
		return 0
	}
	if x > 6 {
		return 6
	}
	return x
}

func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}

// HSigmoid computes clip(x+3, 0, 6) / 6.
func HSigmoid(x float32) float32 {
	return ReLU6(x+3) / 6
}

// HSwish computes x * HSigmoid(x).
func HSwish(x float32) float32 {
	return x * HSigmoid(x)
}

// GELU is the exact erf form.
func GELU(x float32) float32 {
	v := float64(x)
	return float32(0.5 * v * (1 + math.Erf(v/math.Sqrt2)))
}

func SiLU(x float32) float32 {
	return x * Sigmoid(x)
}

func Identity(x float32) float32 { return x }

// Apply returns fn mapped over x.
func Apply(x *Tensor, fn Activation) *Tensor {
	out := New(x.shape...)
	src, dst := x.data, out.data
	parallelFor(len(src), 8, func(start, end int) {
		for i := start; i < end; i++ {
			dst[i] = fn(src[i])
		}
	})
	return out
}

// ApplyInPlace maps fn over x in place.
func ApplyInPlace(x *Tensor, fn Activation) {
	d := x.data
	parallelFor(len(d), 8, func(start, end int) {
		for i := start; i < end; i++ {
			d[i] = fn(d[i])
		}
	})
}

// Add returns a+b for identical shapes.
func Add(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, shapeErr("add", b.shape, "want %v", a.shape)
	}
	out := New(a.shape...)
	for i := range a.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out, nil
}

// AddInPlace accumulates b into a.
func AddInPlace(a, b *Tensor) error {
	if !SameShape(a, b) {
		return shapeErr("add", b.shape, "want %v", a.shape)
	}
	for i := range a.data {
		a.data[i] += b.data[i]
	}
	return nil
}

// Sub returns a-b for identical shapes.
func Sub(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, shapeErr("sub", b.shape, "want %v", a.shape)
	}
	out := New(a.shape...)
	for i := range a.data {
		out.data[i] = a.data[i] - b.data[i]
	}
	return out, nil
}

// Scale multiplies every element by s in place.
func Scale(x *Tensor, s float32) {
	for i := range x.data {
		x.data[i] *= s
	}
}

// SoftmaxRows normalizes each contiguous row of length cols in place.
func SoftmaxRows(data []float32, cols int) {
	if cols == 0 {
		return
	}
	rows := len(data) / cols
	parallelFor(rows, cols, func(start, end int) {
		for r := start; r < end; r++ {
			softmax(data[r*cols : (r+1)*cols])
		}
	})
}

func softmax(x []float32) {
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	var sum float64
	for i := range x {
		e := math.Exp(float64(x[i] - max))
		x[i] = float32(e)
		sum += e
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Softmax applies softmax over the last axis and returns a new tensor.
func Softmax(x *Tensor) *Tensor {
	out := x.Clone()
	if len(out.shape) > 0 {
		SoftmaxRows(out.data, out.shape[len(out.shape)-1])
	}
	return out
}
