package tensor

import "math"

// BatchNorm2D applies inference-mode batch normalization over axis 1 of (B, C, H, W).
func BatchNorm2D(x, weight, bias, mean, variance *Tensor, eps float32) (*Tensor, error) {
	if err := ExpectRank("batch_norm", x, 4); err != nil {
		return nil, err
	}
	c := x.shape[1]
	for _, p := range []*Tensor{weight, bias, mean, variance} {
		if p.Rank() != 1 || p.shape[0] != c {
			return nil, shapeErr("batch_norm", p.shape, "expected (%d)", c)
		}
	}
	B, hw := x.shape[0], x.shape[2]*x.shape[3]
	out := New(x.shape...)
	scale := make([]float32, c)
	shift := make([]float32, c)
	for i := 0; i < c; i++ {
		inv := float32(1.0 / math.Sqrt(float64(variance.data[i]+eps)))
		scale[i] = weight.data[i] * inv
		shift[i] = bias.data[i] - mean.data[i]*scale[i]
	}
	parallelFor(B*c, hw, func(start, end int) {
		for u := start; u < end; u++ {
			ch := u % c
			s, t := scale[ch], shift[ch]
			src := x.data[u*hw : (u+1)*hw]
			dst := out.data[u*hw : (u+1)*hw]
			for i, v := range src {
				dst[i] = v*s + t
			}
		}
	})
	return out, nil
}

// LayerNorm normalizes over the last axis with an affine transform.
func LayerNorm(x, weight, bias *Tensor, eps float32) (*Tensor, error) {
	if x.Rank() == 0 {
		return nil, shapeErr("layer_norm", x.shape, "scalar input")
	}
	d := x.shape[len(x.shape)-1]
	if weight.Len() != d || bias.Len() != d {
		return nil, shapeErr("layer_norm", x.shape, "affine size %d", weight.Len())
	}
	out := New(x.shape...)
	rows := len(x.data) / d
	parallelFor(rows, d, func(start, end int) {
		for r := start; r < end; r++ {
			src := x.data[r*d : (r+1)*d]
			dst := out.data[r*d : (r+1)*d]
			var mean float64
			for _, v := range src {
				mean += float64(v)
			}
			mean /= float64(d)
			var variance float64
			for _, v := range src {
				dv := float64(v) - mean
				variance += dv * dv
			}
			variance /= float64(d)
			inv := 1.0 / math.Sqrt(variance+float64(eps))
			for i, v := range src {
				dst[i] = float32((float64(v)-mean)*inv)*weight.data[i] + bias.data[i]
			}
		}
	})
	return out, nil
}

// GroupNormTokens applies group normalization to a channels-last (B, N, C)
// tensor. It is equivalent to transposing to (B, C, N), normalizing each group of
// C/groups channels over all N positions, and transposing back.
func GroupNormTokens(x *Tensor, groups int, weight, bias *Tensor, eps float32) (*Tensor, error) {
	if err := ExpectRank("group_norm", x, 3); err != nil {
		return nil, err
	}
	B, n, c := x.shape[0], x.shape[1], x.shape[2]
	if groups < 1 || c%groups != 0 {
		return nil, shapeErr("group_norm", x.shape, "%d channels not divisible into %d groups", c, groups)
	}
	if weight.Len() != c || bias.Len() != c {
		return nil, shapeErr("group_norm", x.shape, "affine size %d", weight.Len())
	}
	cg := c / groups
	out := New(x.shape...)
	parallelFor(B*groups, n*cg, func(start, end int) {
		for u := start; u < end; u++ {
			b, g := u/groups, u%groups
			base := b * n * c
			var mean float64
			for t := 0; t < n; t++ {
				row := x.data[base+t*c+g*cg : base+t*c+(g+1)*cg]
				for _, v := range row {
					mean += float64(v)
				}
			}
			cnt := float64(n * cg)
			mean /= cnt
			var variance float64
			for t := 0; t < n; t++ {
				row := x.data[base+t*c+g*cg : base+t*c+(g+1)*cg]
				for _, v := range row {
					dv := float64(v) - mean
					variance += dv * dv
				}
			}
			variance /= cnt
			inv := 1.0 / math.Sqrt(variance+float64(eps))
			for t := 0; t < n; t++ {
				off := base + t*c + g*cg
				for j := 0; j < cg; j++ {
					ch := g*cg + j
					out.data[off+j] = float32((float64(x.data[off+j])-mean)*inv)*weight.data[ch] + bias.data[ch]
				}
			}
		}
	})
	return out, nil
}
