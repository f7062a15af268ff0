package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Gemm computes C = alpha * op(A) * op(B) + beta * C on row-major slices, where op(A) is m×k and
// op(B) is k×n. A transposed operand is stored in its untransposed layout (k×m or n×k).
func Gemm(transA, transB bool, m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) {
	ta := blas.NoTrans
	A := blas32.General{Rows: m, Cols: k, Stride: k, Data: a}
	if transA {
		ta = blas.Trans
		A = blas32.General{Rows: k, Cols: m, Stride: m, Data: a}
	}
	tb := blas.NoTrans
	B := blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	if transB {
		tb = blas.Trans
		B = blas32.General{Rows: n, Cols: k, Stride: k, Data: b}
	}
	C := blas32.General{Rows: m, Cols: n, Stride: n, Data: c}
	blas32.Gemm(ta, tb, alpha, A, B, beta, C)
}

// MatMul returns a·b for 2D tensors.
func MatMul(a, b *Tensor) *Tensor {
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	if b.Shape[0] != k {
		panic("tensor.MatMul: inner dimensions differ")
	}
	out := New(m, n)
	Gemm(false, false, m, n, k, 1, a.Data, b.Data, 0, out.Data)
	return out
}
