package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// general views a strided row-major block of data as a BLAS matrix.
func general(data []float32, rows, cols, stride int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: stride, Data: data}
}

// gemm computes c = a·op(b), overwriting c.
func gemm(transB bool, a, b, c blas32.General) {
	tB := blas.NoTrans
	if transB {
		tB = blas.Trans
	}
	blas32.Gemm(blas.NoTrans, tB, 1, a, b, 0, c)
}

// Linear computes x·Wᵀ + bias over the last axis of x.
// weight is (out, in); bias may be nil.
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if err := ExpectRank("linear weight", weight, 2); err != nil {
		return nil, err
	}
	outF, inF := weight.shape[0], weight.shape[1]
	if x.Rank() == 0 || x.shape[len(x.shape)-1] != inF {
		return nil, shapeErr("linear", x.shape, "expected last dim %d", inF)
	}
	if bias != nil && (bias.Rank() != 1 || bias.shape[0] != outF) {
		return nil, shapeErr("linear bias", bias.shape, "expected (%d)", outF)
	}
	rows := len(x.data) / inF
	outShape := append(append([]int(nil), x.shape[:len(x.shape)-1]...), outF)
	out := New(outShape...)
	if rows == 0 {
		return out, nil
	}
	gemm(true,
		general(x.data, rows, inF, inF),
		general(weight.data, outF, inF, inF),
		general(out.data, rows, outF, outF))
	if bias != nil {
		for r := 0; r < rows; r++ {
			row := out.data[r*outF : (r+1)*outF]
			for j := range row {
				row[j] += bias.data[j]
			}
		}
	}
	return out, nil
}

// HeadView addresses one attention head inside a (B, N, stride) buffer.
type HeadView struct {
	Data   []float32
	Rows   int
	Cols   int
	Stride int
}

// Head returns the (N, headDim) slice for batch b starting at column offset.
func Head(data []float32, b, n, stride, offset, headDim int) HeadView {
	return HeadView{Data: data[b*n*stride+offset:], Rows: n, Cols: headDim, Stride: stride}
}

func (h HeadView) general() blas32.General {
	return general(h.Data, h.Rows, h.Cols, h.Stride)
}

// MatMulNT computes a·bᵀ into a dense (a.Rows, b.Rows) buffer.
func MatMulNT(a, b HeadView, out []float32) {
	gemm(true, a.general(), b.general(), general(out, a.Rows, b.Rows, b.Rows))
}

// MatMulInto computes m·v where m is dense (rows, v.Rows), writing into dst.
func MatMulInto(m []float32, rows int, v, dst HeadView) {
	gemm(false, general(m, rows, v.Rows, v.Rows), v.general(), dst.general())
}
