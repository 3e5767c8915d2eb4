package tensor

// MeanOverWidth averages (B, C, H, W) along W giving (B, C, H, 1).
func MeanOverWidth(x *Tensor) (*Tensor, error) {
	if err := ExpectRank("pool_w", x, 4); err != nil {
		return nil, err
	}
	B, c, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	out := New(B, c, h, 1)
	inv := 1 / float64(w)
	for r := 0; r < B*c*h; r++ {
		var s float64
		for _, v := range x.data[r*w : (r+1)*w] {
			s += float64(v)
		}
		out.data[r] = float32(s * inv)
	}
	return out, nil
}

// MeanOverHeight averages (B, C, H, W) along H giving (B, C, 1, W).
func MeanOverHeight(x *Tensor) (*Tensor, error) {
	if err := ExpectRank("pool_h", x, 4); err != nil {
		return nil, err
	}
	B, c, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	out := New(B, c, 1, w)
	acc := make([]float64, w)
	inv := 1 / float64(h)
	for p := 0; p < B*c; p++ {
		for i := range acc {
			acc[i] = 0
		}
		plane := x.data[p*h*w : (p+1)*h*w]
		for y := 0; y < h; y++ {
			for i, v := range plane[y*w : (y+1)*w] {
				acc[i] += float64(v)
			}
		}
		for i := range acc {
			out.data[p*w+i] = float32(acc[i] * inv)
		}
	}
	return out, nil
}

// MeanTokens averages (B, N, D) over N giving (B, D).
func MeanTokens(x *Tensor) (*Tensor, error) {
	if err := ExpectRank("mean_tokens", x, 3); err != nil {
		return nil, err
	}
	B, n, d := x.shape[0], x.shape[1], x.shape[2]
	if n == 0 {
		return nil, shapeErr("mean_tokens", x.shape, "empty sequence")
	}
	out := New(B, d)
	acc := make([]float64, d)
	for b := 0; b < B; b++ {
		for i := range acc {
			acc[i] = 0
		}
		for t := 0; t < n; t++ {
			for i, v := range x.data[(b*n+t)*d : (b*n+t+1)*d] {
				acc[i] += float64(v)
			}
		}
		for i := range acc {
			out.data[b*d+i] = float32(acc[i] / float64(n))
		}
	}
	return out, nil
}

// ConcatChannels joins two (B, C, H, W) tensors along C.
func ConcatChannels(a, b *Tensor) (*Tensor, error) {
	if err := ExpectRank("concat", a, 4); err != nil {
		return nil, err
	}
	if err := ExpectRank("concat", b, 4); err != nil {
		return nil, err
	}
	if a.shape[0] != b.shape[0] || a.shape[2] != b.shape[2] || a.shape[3] != b.shape[3] {
		return nil, shapeErr("concat", b.shape, "incompatible with %v", a.shape)
	}
	B, ca, cb, hw := a.shape[0], a.shape[1], b.shape[1], a.shape[2]*a.shape[3]
	out := New(B, ca+cb, a.shape[2], a.shape[3])
	for i := 0; i < B; i++ {
		dst := out.data[i*(ca+cb)*hw:]
		copy(dst[:ca*hw], a.data[i*ca*hw:(i+1)*ca*hw])
		copy(dst[ca*hw:(ca+cb)*hw], b.data[i*cb*hw:(i+1)*cb*hw])
	}
	return out, nil
}

// SliceChannels copies channels [from, to) of a (B, C, H, W) tensor.
func SliceChannels(x *Tensor, from, to int) (*Tensor, error) {
	if err := ExpectRank("slice", x, 4); err != nil {
		return nil, err
	}
	c := x.shape[1]
	if from < 0 || to > c || from > to {
		return nil, shapeErr("slice", x.shape, "channel range [%d,%d)", from, to)
	}
	B, hw := x.shape[0], x.shape[2]*x.shape[3]
	out := New(B, to-from, x.shape[2], x.shape[3])
	for i := 0; i < B; i++ {
		copy(out.data[i*(to-from)*hw:(i+1)*(to-from)*hw], x.data[(i*c+from)*hw:(i*c+to)*hw])
	}
	return out, nil
}

// ChannelsToTokens flattens (B, C, H, W) to (B, H*W, C) in row-major patch order.
func ChannelsToTokens(x *Tensor) (*Tensor, error) {
	if err := ExpectRank("flatten", x, 4); err != nil {
		return nil, err
	}
	B, c, hw := x.shape[0], x.shape[1], x.shape[2]*x.shape[3]
	out := New(B, hw, c)
	for b := 0; b < B; b++ {
		for ch := 0; ch < c; ch++ {
			src := x.data[(b*c+ch)*hw : (b*c+ch+1)*hw]
			for p, v := range src {
				out.data[(b*hw+p)*c+ch] = v
			}
		}
	}
	return out, nil
}

// MulBroadcastHW computes x * ah * aw with x (B,C,H,W), ah (B,C,H,1), aw (B,C,1,W).
func MulBroadcastHW(x, ah, aw *Tensor) (*Tensor, error) {
	if err := ExpectRank("gate", x, 4); err != nil {
		return nil, err
	}
	B, c, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	if !EqualShape(ah.shape, []int{B, c, h, 1}) {
		return nil, shapeErr("gate", ah.shape, "want [%d %d %d 1]", B, c, h)
	}
	if !EqualShape(aw.shape, []int{B, c, 1, w}) {
		return nil, shapeErr("gate", aw.shape, "want [%d %d 1 %d]", B, c, w)
	}
	out := New(x.shape...)
	parallelFor(B*c, h*w, func(start, end int) {
		for p := start; p < end; p++ {
			gw := aw.data[p*w : (p+1)*w]
			for y := 0; y < h; y++ {
				gh := ah.data[p*h+y]
				row := x.data[(p*h+y)*w : (p*h+y+1)*w]
				dst := out.data[(p*h+y)*w : (p*h+y+1)*w]
				for i, v := range row {
					dst[i] = v * gh * gw[i]
				}
			}
		}
	})
	return out, nil
}

// ConcatRows joins (B, C, Ha, 1) and (B, C, Hb, 1) along axis 2.
func ConcatRows(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 4 || b.Rank() != 4 || a.shape[3] != 1 || b.shape[3] != 1 ||
		a.shape[0] != b.shape[0] || a.shape[1] != b.shape[1] {
		return nil, shapeErr("concat_rows", b.shape, "incompatible with %v", a.shape)
	}
	p, ha, hb := a.shape[0]*a.shape[1], a.shape[2], b.shape[2]
	out := New(a.shape[0], a.shape[1], ha+hb, 1)
	for i := 0; i < p; i++ {
		copy(out.data[i*(ha+hb):i*(ha+hb)+ha], a.data[i*ha:(i+1)*ha])
		copy(out.data[i*(ha+hb)+ha:(i+1)*(ha+hb)], b.data[i*hb:(i+1)*hb])
	}
	return out, nil
}

// SplitRows is the inverse of ConcatRows, cutting axis 2 at h.
func SplitRows(x *Tensor, h int) (*Tensor, *Tensor, error) {
	if x.Rank() != 4 || x.shape[3] != 1 || h < 0 || h > x.shape[2] {
		return nil, nil, shapeErr("split_rows", x.shape, "cannot split at %d", h)
	}
	p, total := x.shape[0]*x.shape[1], x.shape[2]
	a := New(x.shape[0], x.shape[1], h, 1)
	b := New(x.shape[0], x.shape[1], total-h, 1)
	for i := 0; i < p; i++ {
		copy(a.data[i*h:(i+1)*h], x.data[i*total:i*total+h])
		copy(b.data[i*(total-h):(i+1)*(total-h)], x.data[i*total+h:(i+1)*total])
	}
	return a, b, nil
}
