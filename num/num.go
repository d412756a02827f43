// Package num contains numeric Array processing routines such as optimised matix multiplication.
package num

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Data type of an element of the array
type DataType int

const (
	Int32 DataType = iota
	Float32
)

func (t DataType) String() string {
	if t == Int32 {
		return "int32"
	}
	return "float32"
}

// TransType flag indicates if matrix is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

func (t TransType) blas() blas.Transpose {
	if t == Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// Function which may be called via the queue
type Function *args

type args struct {
	desc string
	call func()
	usec int64
}

func newFunc(desc string, call func()) Function {
	return &args{desc: desc, call: call}
}

func opDesc(f Function) string {
	return f.desc
}

// Read data from array into a slice.
func Read(a Array, data interface{}) Function {
	return newFunc("read", func() {
		switch d := data.(type) {
		case []float32:
			copy(d[:a.Size()], a.Float32())
		case []int32:
			copy(d[:a.Size()], a.Int32())
		default:
			panic(fmt.Sprintf("Read: invalid data type %T", data))
		}
	})
}

// Write data from a slice into the given array.
func Write(a Array, data interface{}) Function {
	return newFunc("write", func() {
		switch d := data.(type) {
		case []float32:
			copy(a.Float32(), d[:a.Size()])
		case []int32:
			copy(a.Int32(), d[:a.Size()])
		default:
			panic(fmt.Sprintf("Write: invalid data type %T", data))
		}
	})
}

// Write to one row in the array
func WriteRow(a Array, row int, data []float32) Function {
	dims := a.Dims()
	if len(dims) != 2 {
		panic("WriteRow: must be a matrix")
	}
	if row < 0 || row >= dims[0] {
		panic("WriteRow: row out of range")
	}
	return newFunc("copy_row", func() {
		x := a.Float32()
		for j := 0; j < dims[1]; j++ {
			x[row+j*dims[0]] = data[j]
		}
	})
}

// Write to one column in the array
func WriteCol(a Array, col int, data []float32) Function {
	dims := a.Dims()
	var rows, cols int
	if len(dims) == 1 {
		rows, cols = 1, dims[0]
	} else if len(dims) == 2 {
		rows, cols = dims[0], dims[1]
	} else {
		panic("WriteCol: must be vector or matrix")
	}
	if col < 0 || col >= cols {
		panic("WriteCol: column out of range")
	}
	return newFunc("copy_col", func() {
		copy(a.Float32()[col*rows:(col+1)*rows], data)
	})
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return newFunc("fill", func() {
		if a.Dtype() == Int32 {
			x := a.Int32()
			for i := range x {
				x[i] = int32(scalar)
			}
		} else {
			x := a.Float32()
			for i := range x {
				x[i] = scalar
			}
		}
	})
}

// Copy from src to dst, broadcast vector to matrix if needed, vector is tiled row wise
func Copy(dst, src Array) Function {
	if src.Dtype() != dst.Dtype() {
		panic("Copy: arguments must be same type")
	}
	ddim, sdim := dst.Dims(), src.Dims()
	switch {
	case SameShape(ddim, sdim):
		return newFunc("copy", func() {
			if dst.Dtype() == Int32 {
				copy(dst.Int32(), src.Int32())
			} else {
				copy(dst.Float32(), src.Float32())
			}
		})
	case len(sdim) == 1 && len(ddim) == 2 && sdim[0] == ddim[1],
		len(sdim) == 2 && sdim[0] == 1 && len(ddim) == 2 && sdim[1] == ddim[1]:
		return newFunc("tile1", func() {
			x, y := src.Float32(), dst.Float32()
			for j := 0; j < ddim[1]; j++ {
				for i := 0; i < ddim[0]; i++ {
					y[i+j*ddim[0]] = x[j]
				}
			}
		})
	case len(sdim) == 2 && sdim[1] == 1 && len(ddim) == 2 && sdim[0] == ddim[0]:
		return newFunc("tile0", func() {
			x, y := src.Float32(), dst.Float32()
			for j := 0; j < ddim[1]; j++ {
				copy(y[j*ddim[0]:(j+1)*ddim[0]], x)
			}
		})
	default:
		panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
	}
}

// Element wise != comparison
func Neq(x, y, res Array) Function {
	if x.Dtype() != Int32 || y.Dtype() != Int32 || res.Dtype() != Int32 {
		panic("Neq: incorrect datatype")
	}
	if !SameShape(x.Dims(), res.Dims()) || !SameShape(y.Dims(), res.Dims()) {
		panic("Neq: arrays must be same shape")
	}
	return newFunc("neq", func() {
		a, b, c := x.Int32(), y.Int32(), res.Int32()
		for i := range c {
			if a[i] != b[i] {
				c[i] = 1
			} else {
				c[i] = 0
			}
		}
	})
}

// Convert to one hot representation. If classes is 1 then the label is copied as is, for a
// binary classifier with a single sigmoid output.
func Onehot(x, y Array, classes int) Function {
	if x.Dtype() != Int32 || y.Dtype() != Float32 {
		panic("Onehot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 1 || len(ydim) != 2 || xdim[0] != ydim[1] || ydim[0] != classes {
		panic("Onehot: invalid array shape")
	}
	return newFunc("onehot", func() {
		lab, out := x.Int32(), y.Float32()
		if classes == 1 {
			for i, v := range lab {
				out[i] = float32(v)
			}
			return
		}
		for i := range out {
			out[i] = 0
		}
		for i, v := range lab {
			out[i*classes+int(v)] = 1
		}
	})
}

// Convert from OneHot format back to labels. A single output row is thresholded at 0.5.
func Unhot(x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Int32 {
		panic("Unhot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 2 || len(ydim) != 1 || xdim[1] != ydim[0] {
		panic("Unhot: invalid array shape")
	}
	rows := xdim[0]
	return newFunc("unhot", func() {
		in, lab := x.Float32(), y.Int32()
		for j := range lab {
			col := in[j*rows : (j+1)*rows]
			if rows == 1 {
				if col[0] > 0.5 {
					lab[j] = 1
				} else {
					lab[j] = 0
				}
				continue
			}
			best := 0
			for i, v := range col {
				if v > col[best] {
					best = i
				}
			}
			lab[j] = int32(best)
		}
	})
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	if x.Dtype() != Float32 {
		panic("Scale: dtype must by Float32")
	}
	return newFunc("scale", func() {
		blas32.Scal(alpha, vector(x))
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Axpy: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic("Axpy: arrays must be same size")
	}
	return newFunc("axpy", func() {
		blas32.Axpy(alpha, vector(x), vector(y))
	})
}

// Element wise multiplication: z <- x*y
func Mul(x, y, z Array) Function {
	return binaryFunc("mul", x, y, z, func(a, b float32) float32 { return a * b })
}

// Transpose sets mB to a copy of mA with the data transposed.
func Transpose(mA, mB Array) Function {
	adim, bdim := mA.Dims(), mB.Dims()
	if len(adim) != 2 || len(bdim) != 2 {
		panic("Transpose: arrays must be 2D")
	}
	if adim[0] != bdim[1] || adim[1] != bdim[0] {
		panic("Transpose: destination matrix is wrong shape")
	}
	return newFunc("trans", func() {
		a, b := mA.Float32(), mB.Float32()
		m, n := adim[0], adim[1]
		for j := 0; j < n; j++ {
			for i := 0; i < m; i++ {
				b[j+i*n] = a[i+j*m]
			}
		}
	})
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if len(total.Dims()) != 0 || total.Dtype() != Float32 {
		panic("Sum: result type should be float32 scalar")
	}
	return newFunc("sum", func() {
		var sum float64
		if a.Dtype() == Int32 {
			for _, v := range a.Int32() {
				sum += float64(v)
			}
		} else {
			for _, v := range a.Float32() {
				sum += float64(v)
			}
		}
		total.Float32()[0] = float32(sum) * scale
	})
}

// Matrix vector multiplication: y <- alpha*dot(mA,x) + beta*y
func Gemv(alpha, beta float32, mA, x, y Array, aTrans TransType) Function {
	if mA.Dtype() != Float32 || x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Gemv: dtype must by Float32")
	}
	adim, xdim, ydim := mA.Dims(), x.Dims(), y.Dims()
	if len(adim) != 2 || len(xdim) != 1 || len(ydim) != 1 {
		panic("Gemv: must have matrix and vector inputs")
	}
	m, n := adim[0], adim[1]
	if aTrans == Trans {
		if xdim[0] != m || ydim[0] != n {
			panic("Gemv: incorrect vector size")
		}
	} else {
		if xdim[0] != n || ydim[0] != m {
			panic("Gemv: incorrect vector size")
		}
	}
	// column major matrix is the transpose of the row major view
	t := blas.Trans
	if aTrans == Trans {
		t = blas.NoTrans
	}
	return newFunc("gemv", func() {
		a := blas32.General{Rows: n, Cols: m, Stride: m, Data: mA.Float32()}
		blas32.Gemv(t, alpha, a, vector(x), beta, vector(y))
	})
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	if mA.Dtype() != Float32 || mB.Dtype() != Float32 || mC.Dtype() != Float32 {
		panic("Gemm: dtype must by Float32")
	}
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	return newFunc("gemm", func() {
		gemm(aTrans, bTrans, m, n, k, alpha, mA.Float32(), adim[0], mB.Float32(), bdim[0], beta, mC.Float32(), m)
	})
}

// column major gemm on raw slices, C[m,n] = alpha*op(A)[m,k]*op(B)[k,n] + beta*C
// the row major views of the column major arrays are their transposes, so C' = op(B)' * op(A)'
func gemm(tA, tB TransType, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 {
		return
	}
	va := blas32.General{Rows: k, Cols: m, Stride: lda, Data: a}
	if tA == Trans {
		va.Rows, va.Cols = m, k
	}
	vb := blas32.General{Rows: n, Cols: k, Stride: ldb, Data: b}
	if tB == Trans {
		vb.Rows, vb.Cols = k, n
	}
	vc := blas32.General{Rows: n, Cols: m, Stride: ldc, Data: c}
	blas32.Gemm(tB.blas(), tA.blas(), alpha, vb, va, beta, vc)
}

// Sigmoid activation function: y = 1/(1+e**(-x))
func Sigmoid(x, y Array) Function {
	return unaryFunc("sigmoid", x, y, func(v float32) float32 {
		return float32(1 / (1 + math.Exp(-float64(v))))
	})
}

// SigmoidD gets the gradient from the sigmoid output y: dx = grad * y * (1-y)
func SigmoidD(y, grad, dx Array) Function {
	return binaryFunc("sigmoid_d", y, grad, dx, func(a, g float32) float32 { return g * a * (1 - a) })
}

// Tanh activation function: y = tanh(x)
func Tanh(x, y Array) Function {
	return unaryFunc("tanh", x, y, func(v float32) float32 {
		return float32(math.Tanh(float64(v)))
	})
}

// TanhD gets the gradient from the tanh output y: dx = grad * (1 - y**2)
func TanhD(y, grad, dx Array) Function {
	return binaryFunc("tanh_d", y, grad, dx, func(a, g float32) float32 { return g * (1 - a*a) })
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	return unaryFunc("relu", x, y, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return 0
	})
}

// ReluD gets the gradient from the relu output y
func ReluD(y, grad, dx Array) Function {
	return binaryFunc("relu_d", y, grad, dx, func(a, g float32) float32 {
		if a > 0 {
			return g
		}
		return 0
	})
}

// Softmax activation function applied to each column
func Softmax(x, res Array) Function {
	if x.Dtype() != Float32 || res.Dtype() != Float32 {
		panic("Softmax: dtype must by Float32")
	}
	xdim, rdim := x.Dims(), res.Dims()
	if len(xdim) != 2 || !SameShape(xdim, rdim) {
		panic("Softmax: arrays must be 2d and same shape")
	}
	rows := xdim[0]
	return newFunc("softmax", func() {
		in, out := x.Float32(), res.Float32()
		for j := 0; j < xdim[1]; j++ {
			col, dst := in[j*rows:(j+1)*rows], out[j*rows:(j+1)*rows]
			xmax := col[0]
			for _, v := range col[1:] {
				if v > xmax {
					xmax = v
				}
			}
			var sum float64
			for i, v := range col {
				e := math.Exp(float64(v - xmax))
				dst[i] = float32(e)
				sum += e
			}
			for i := range dst {
				dst[i] = float32(float64(dst[i]) / sum)
			}
		}
	})
}

const lossEpsilon = 1e-7

// Quadratic loss function: (x-y)**2, the gradient with respect to x is 2*(x-y)
func QuadraticLoss(x, y, res Array) Function {
	return binaryFunc("quad_loss", x, y, res, func(a, b float32) float32 { return (a - b) * (a - b) })
}

// Softmax cross entropy loss function: -y*log(p) where y is the one hot label and p the softmax output
func SoftmaxLoss(y, p, res Array) Function {
	return binaryFunc("softmax_loss", y, p, res, func(a, b float32) float32 {
		if a == 0 {
			return 0
		}
		return -a * float32(math.Log(float64(clip(b))))
	})
}

// Binary cross entropy loss function: -y*log(p) - (1-y)*log(1-p)
func BinaryLoss(y, p, res Array) Function {
	return binaryFunc("binary_loss", y, p, res, func(a, b float32) float32 {
		b = clip(b)
		return -a*float32(math.Log(float64(b))) - (1-a)*float32(math.Log(float64(1-b)))
	})
}

func clip(p float32) float32 {
	if p < lossEpsilon {
		return lossEpsilon
	}
	if p > 1-lossEpsilon {
		return 1 - lossEpsilon
	}
	return p
}

// AdamUpdate applies one step of the Adam optimiser to the weights w given gradient dw, the first
// and second moment estimates m and v are updated in place. Step t starts from 1.
func AdamUpdate(w, dw, m, v Array, t int, eta, beta1, beta2, epsilon float32) Function {
	if !SameShape(w.Dims(), dw.Dims()) || !SameShape(w.Dims(), m.Dims()) || !SameShape(w.Dims(), v.Dims()) {
		panic("AdamUpdate: arrays must be same shape")
	}
	if t < 1 {
		panic("AdamUpdate: step must be >= 1")
	}
	return newFunc("adam", func() {
		lr := eta * float32(math.Sqrt(1-math.Pow(float64(beta2), float64(t)))/(1-math.Pow(float64(beta1), float64(t))))
		W, dW, M, V := w.Float32(), dw.Float32(), m.Float32(), v.Float32()
		for i, g := range dW {
			M[i] = beta1*M[i] + (1-beta1)*g
			V[i] = beta2*V[i] + (1-beta2)*g*g
			W[i] -= lr * M[i] / (float32(math.Sqrt(float64(V[i]))) + epsilon)
		}
	})
}

// Concat stacks the rows of each of the input matrices to form the output, all inputs must have the
// same number of columns.
func Concat(dst Array, src ...Array) Function {
	ddim := dst.Dims()
	if len(ddim) != 2 {
		panic("Concat: output must be 2D")
	}
	rows := 0
	for _, a := range src {
		sdim := a.Dims()
		if len(sdim) != 2 || sdim[1] != ddim[1] {
			panic(fmt.Sprintf("Concat: invalid input shape %v", sdim))
		}
		rows += sdim[0]
	}
	if rows != ddim[0] {
		panic(fmt.Sprintf("Concat: output shape %v expecting %d rows", ddim, rows))
	}
	return newFunc("concat", func() {
		y := dst.Float32()
		offset := 0
		for _, a := range src {
			n := a.Dims()[0]
			x := a.Float32()
			for j := 0; j < ddim[1]; j++ {
				copy(y[offset+j*ddim[0]:offset+j*ddim[0]+n], x[j*n:(j+1)*n])
			}
			offset += n
		}
	})
}

// Split is the reverse of Concat, it copies consecutive blocks of rows from src into each of
// the outputs.
func Split(src Array, dst ...Array) Function {
	sdim := src.Dims()
	if len(sdim) != 2 {
		panic("Split: input must be 2D")
	}
	rows := 0
	for _, a := range dst {
		ddim := a.Dims()
		if len(ddim) != 2 || ddim[1] != sdim[1] {
			panic(fmt.Sprintf("Split: invalid output shape %v", ddim))
		}
		rows += ddim[0]
	}
	if rows != sdim[0] {
		panic(fmt.Sprintf("Split: input shape %v expecting %d rows", sdim, rows))
	}
	return newFunc("split", func() {
		x := src.Float32()
		offset := 0
		for _, a := range dst {
			n := a.Dims()[0]
			y := a.Float32()
			for j := 0; j < sdim[1]; j++ {
				copy(y[j*n:(j+1)*n], x[offset+j*sdim[0]:offset+j*sdim[0]+n])
			}
			offset += n
		}
	})
}

func unaryFunc(name string, x, y Array, fn func(float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("UnaryFunc: dtype must by Float32")
	}
	if !SameShape(x.Dims(), y.Dims()) {
		panic("UnaryFunc: arrays must be same shape")
	}
	return newFunc(name, func() {
		in, out := x.Float32(), y.Float32()
		for i, v := range in {
			out[i] = fn(v)
		}
	})
}

func binaryFunc(name string, x, y, z Array, fn func(a, b float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 || z.Dtype() != Float32 {
		panic("BinaryFunc: dtype must by Float32")
	}
	if !SameShape(x.Dims(), z.Dims()) || !SameShape(y.Dims(), z.Dims()) {
		panic("BinaryFunc: arrays must be same shape")
	}
	return newFunc(name, func() {
		a, b, c := x.Float32(), y.Float32(), z.Float32()
		for i := range c {
			c[i] = fn(a[i], b[i])
		}
	})
}

func vector(a Array) blas32.Vector {
	return blas32.Vector{N: a.Size(), Inc: 1, Data: a.Float32()}
}
