package tensor

// ConvOutSize is the floor-mode spatial size of a strided convolution.
func ConvOutSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// Conv2D computes a grouped 2-D cross-correlation.
// x is (B, Cin, H, W), weight is (Cout, Cin/groups, kH, kW), bias is (Cout) or nil.
// Trailing input that does not fill a full window is dropped.
func Conv2D(x, weight, bias *Tensor, stride, padding, groups int) (*Tensor, error) {
	if err := ExpectRank("conv2d", x, 4); err != nil {
		return nil, err
	}
	if err := ExpectRank("conv2d weight", weight, 4); err != nil {
		return nil, err
	}
	if stride < 1 || groups < 1 {
		return nil, shapeErr("conv2d", x.shape, "invalid stride %d or groups %d", stride, groups)
	}
	B, cin, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	cout, cinG, kh, kw := weight.shape[0], weight.shape[1], weight.shape[2], weight.shape[3]
	if cin%groups != 0 || cout%groups != 0 || cin/groups != cinG {
		return nil, shapeErr("conv2d", x.shape, "weight %v incompatible with %d groups", weight.shape, groups)
	}
	if bias != nil && (bias.Rank() != 1 || bias.shape[0] != cout) {
		return nil, shapeErr("conv2d bias", bias.shape, "expected (%d)", cout)
	}
	ho := ConvOutSize(h, kh, stride, padding)
	wo := ConvOutSize(w, kw, stride, padding)
	if ho <= 0 || wo <= 0 {
		return nil, shapeErr("conv2d", x.shape, "kernel %dx%d larger than padded input", kh, kw)
	}
	out := New(B, cout, ho, wo)

	if groups == cin && cinG == 1 && cout == cin {
		depthwise(x, weight, out, stride, padding)
	} else {
		coutG := cout / groups
		hw := ho * wo
		k := cinG * kh * kw
		direct := kh == 1 && kw == 1 && stride == 1 && padding == 0
		parallelFor(B*groups, k*hw*coutG/8+1, func(start, end int) {
			var cols []float32
			if !direct {
				cols = make([]float32, k*hw)
			}
			for u := start; u < end; u++ {
				b, g := u/groups, u%groups
				src := x.data[(b*cin+g*cinG)*h*w : (b*cin+(g+1)*cinG)*h*w]
				a := src
				if !direct {
					im2col(src, cinG, h, w, kh, kw, stride, padding, ho, wo, cols)
					a = cols
				}
				wg := weight.data[g*coutG*k : (g+1)*coutG*k]
				dst := out.data[(b*cout+g*coutG)*hw : (b*cout+(g+1)*coutG)*hw]
				gemm(false, general(wg, coutG, k, k), general(a, k, hw, hw), general(dst, coutG, hw, hw))
			}
		})
	}

	if bias != nil {
		hw := ho * wo
		for b := 0; b < B; b++ {
			for c := 0; c < cout; c++ {
				bv := bias.data[c]
				plane := out.data[(b*cout+c)*hw : (b*cout+c+1)*hw]
				for i := range plane {
					plane[i] += bv
				}
			}
		}
	}
	return out, nil
}

// im2col unrolls receptive fields into a (c*kh*kw, ho*wo) matrix.
func im2col(src []float32, c, h, w, kh, kw, stride, padding, ho, wo int, cols []float32) {
	hw := ho * wo
	for ch := 0; ch < c; ch++ {
		plane := src[ch*h*w : (ch+1)*h*w]
		for ky := 0; ky < kh; ky++ {
			for kx := 0; kx < kw; kx++ {
				row := cols[((ch*kh+ky)*kw+kx)*hw : ((ch*kh+ky)*kw+kx+1)*hw]
				for oy := 0; oy < ho; oy++ {
					iy := oy*stride - padding + ky
					r := row[oy*wo : (oy+1)*wo]
					if iy < 0 || iy >= h {
						for i := range r {
							r[i] = 0
						}
						continue
					}
					for ox := 0; ox < wo; ox++ {
						ix := ox*stride - padding + kx
						if ix < 0 || ix >= w {
							r[ox] = 0
						} else {
							r[ox] = plane[iy*w+ix]
						}
					}
				}
			}
		}
	}
}

func depthwise(x, weight, out *Tensor, stride, padding int) {
	B, c, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	kh, kw := weight.shape[2], weight.shape[3]
	ho, wo := out.shape[2], out.shape[3]
	parallelFor(B*c, ho*wo*kh*kw, func(start, end int) {
		for u := start; u < end; u++ {
			ch := u % c
			plane := x.data[u*h*w : (u+1)*h*w]
			k := weight.data[ch*kh*kw : (ch+1)*kh*kw]
			dst := out.data[u*ho*wo : (u+1)*ho*wo]
			for oy := 0; oy < ho; oy++ {
				for ox := 0; ox < wo; ox++ {
					var sum float32
					for ky := 0; ky < kh; ky++ {
						iy := oy*stride - padding + ky
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < kw; kx++ {
							ix := ox*stride - padding + kx
							if ix < 0 || ix >= w {
								continue
							}
							sum += plane[iy*w+ix] * k[ky*kw+kx]
						}
					}
					dst[oy*wo+ox] = sum
				}
			}
		}
	})
}
