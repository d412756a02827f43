package num

import (
	"math"
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func TestArray(t *testing.T) {
	xd := []float32{1, 1, 2, 2, 3, 3}
	dev := NewDevice(false)
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 6)
	if typ := x.Dtype(); typ != Float32 {
		t.Error("dtype invalid: got", typ)
	}
	x = x.Reshape(2, 3)
	if dim := x.Dims(); !reflect.DeepEqual(dim, []int{2, 3}) {
		t.Error("dims invalid: got", dim)
	}
	res := make([]float32, 6)
	q.Call(
		Write(x, xd),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, xd) {
		t.Error("got", res, "expect", xd)
	}
	expect := []float32{9, 6, 8, 5, 7, 4}
	q.Call(
		Fill(x, 0),
		WriteCol(x, 0, []float32{9, 6}),
		WriteCol(x, 1, []float32{8, 5}),
		WriteCol(x, 2, []float32{7, 4}),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	q.Call(
		Fill(x, 0),
		WriteRow(x, 0, []float32{9, 8, 7}),
		WriteRow(x, 1, []float32{6, 5, 4}),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestRelease(t *testing.T) {
	dev := NewDevice(false)
	x, y := dev.NewArray(Float32, 4), dev.NewArray(Int32, 4)
	Release(x, y, nil)
	if x.Float32() != nil || y.Int32() != nil {
		t.Error("array data not released")
	}
}

func TestCopy(t *testing.T) {
	dev := NewDevice(false)
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	// tile columns
	y := dev.NewArray(Float32, 2, 1)
	res := make([]float32, 6)
	q.Call(
		Write(y, []float32{1, 2}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	expect := []float32{1, 2, 1, 2, 1, 2}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	// tile rows
	y = dev.NewArray(Float32, 3)
	q.Call(
		Write(y, []float32{3, 2, 1}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	expect = []float32{3, 3, 2, 2, 1, 1}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestOnehot(t *testing.T) {
	dev := NewDevice(false)
	q := dev.NewQueue(1)
	y := dev.NewArray(Int32, 4)
	y1h := dev.NewArray(Float32, 3, 4)
	res := make([]float32, 12)
	vec := []int32{2, 1, 0, 2}
	q.Call(
		Write(y, vec),
		Onehot(y, y1h, 3),
		Read(y1h, res),
	).Finish()
	t.Logf("y1hot %s\n%s", y.String(q), y1h.String(q))
	expect := []float32{0, 0, 1, 0, 1, 0, 1, 0, 0, 0, 0, 1}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	res2 := make([]int32, 4)
	q.Call(
		Unhot(y1h, y),
		Read(y, res2),
	).Finish()
	if !reflect.DeepEqual(res2, vec) {
		t.Error("got", res2, "expect", vec)
	}
}

func TestTranspose(t *testing.T) {
	dev := NewDevice(false)
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 3, 2)
	res1 := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 2, 2, 3, 3}),
		Transpose(x, y),
		Read(y, res1),
	).Finish()
	t.Logf("x\n%v", x.String(q))
	t.Logf("y\n%v", y.String(q))
	xT := []float32{1, 2, 3, 1, 2, 3}
	if !reflect.DeepEqual(res1, xT) {
		t.Error("got", res1, "expect", xT)
	}
}

func TestAxpy(t *testing.T) {
	dev := NewDevice(false)
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 2, 3)
	res := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 2, 2, 3, 3}),
		Write(y, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}),
		Axpy(2, x, y),
		Read(y, res),
	).Finish()
	expect := []float32{2.5, 2.5, 4.5, 4.5, 6.5, 6.5}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestSum(t *testing.T) {
	dev := NewDevice(false)
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	sum := dev.NewArray(Float32)
	res := make([]float32, 1)
	// scalar sum
	q.Call(
		Write(x, []float32{1, 2, 3, 4, 5, 6}),
		Sum(x, sum, 1.0/6.0),
		Read(sum, res),
	).Finish()
	if res[0] != 3.5 {
		t.Error("got", res[0], "expect", 3.5)
	}
	// sum for each column
	sum = dev.NewArray(Float32, 3)
	res = make([]float32, 3)
	ones := dev.NewArray(Float32, 2)
	q.Call(
		Fill(ones, 1),
		Gemv(1, 0, x, ones, sum, Trans),
		Read(sum, res),
	).Finish()
	expect := []float32{3, 7, 11}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestGemm(t *testing.T) {
	dev := NewDevice(false)
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 3, 2)
	z := dev.NewArray(Float32, 2, 2)
	q.Call(Write(x, []float32{1, 4, 2, 5, 3, 6}))
	res := make([]float32, 4)
	for _, trans := range []TransType{NoTrans, Trans} {
		if trans == Trans {
			y = y.Reshape(2, 3)
			q.Call(Write(y, []float32{7, 8, 9, 10, 11, 12}))
		} else {
			q.Call(Write(y, []float32{7, 9, 11, 8, 10, 12}))
		}
		q.Call(
			Gemm(1, 0, x, y, z, NoTrans, trans),
			Read(z, res),
		).Finish()
		expect := []float32{58, 139, 64, 154}
		if !reflect.DeepEqual(res, expect) {
			t.Error("got", res, "expect", expect)
		}
	}
}

func TestHead(t *testing.T) {
	dev := NewDevice(false)
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	q.Call(Write(x, []float32{1, 2, 3, 4, 5, 6})).Finish()
	h := Head(x, 2)
	if !reflect.DeepEqual(h.Dims(), []int{2, 2}) {
		t.Error("dims invalid: got", h.Dims())
	}
	res := make([]float32, 4)
	q.Call(Fill(h, 7), Read(h, res)).Finish()
	t.Logf("x\n%s", x.String(q))
	expect := []float32{7, 7, 7, 7, 5, 6}
	if !reflect.DeepEqual(x.Float32(), expect) {
		t.Error("got", x.Float32(), "expect", expect)
	}
}

func TestBinaryOnehot(t *testing.T) {
	dev := NewDevice(false)
	q := dev.NewQueue(1)
	y := dev.NewArray(Int32, 3)
	y1h := dev.NewArray(Float32, 1, 3)
	res := make([]float32, 3)
	q.Call(
		Write(y, []int32{0, 1, 1}),
		Onehot(y, y1h, 1),
		Read(y1h, res),
	).Finish()
	if expect := []float32{0, 1, 1}; !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	labels := make([]int32, 3)
	q.Call(
		Write(y1h, []float32{0.2, 0.7, 0.5}),
		Unhot(y1h, y),
		Read(y, labels),
	).Finish()
	if expect := []int32{0, 1, 0}; !reflect.DeepEqual(labels, expect) {
		t.Error("got", labels, "expect", expect)
	}
}

func TestSoftmax(t *testing.T) {
	dev := NewDevice(false)
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 3, 2)
	y := dev.NewArray(Float32, 3, 2)
	q.Call(
		Write(x, []float32{1, 2, 3, 1, 1, 1}),
		Softmax(x, y),
	).Finish()
	t.Logf("softmax\n%s", y.String(q))
	res := y.Float32()
	for j := 0; j < 2; j++ {
		sum := res[3*j] + res[3*j+1] + res[3*j+2]
		if !approx(sum, 1, 1e-5) {
			t.Error("column", j, "sum", sum)
		}
	}
	if !(res[2] > res[1] && res[1] > res[0]) {
		t.Error("softmax not increasing", res[:3])
	}
	if !approx(res[3], 1.0/3, 1e-5) {
		t.Error("got", res[3], "expect", 1.0/3)
	}
	loss := dev.NewArray(Float32, 3, 2)
	y1h := dev.NewArray(Float32, 3, 2)
	q.Call(
		Write(y1h, []float32{0, 0, 1, 1, 0, 0}),
		SoftmaxLoss(y1h, y, loss),
	).Finish()
	if l := loss.Float32()[3]; !approx(l, float32(math.Log(3)), 1e-5) {
		t.Error("got loss", l, "expect", math.Log(3))
	}
}

func TestConcat(t *testing.T) {
	dev := NewDevice(false)
	q := dev.NewQueue(1)
	a := dev.NewArray(Float32, 1, 2)
	b := dev.NewArray(Float32, 2, 2)
	c := dev.NewArray(Float32, 3, 2)
	q.Call(
		Write(a, []float32{1, 2}),
		Write(b, []float32{3, 4, 5, 6}),
		Concat(c, a, b),
	).Finish()
	t.Logf("concat\n%s", c.String(q))
	if expect := []float32{1, 3, 4, 2, 5, 6}; !reflect.DeepEqual(c.Float32(), expect) {
		t.Error("got", c.Float32(), "expect", expect)
	}
	q.Call(Fill(a, 0), Fill(b, 0), Split(c, a, b)).Finish()
	if !reflect.DeepEqual(a.Float32(), []float32{1, 2}) || !reflect.DeepEqual(b.Float32(), []float32{3, 4, 5, 6}) {
		t.Error("split got", a.Float32(), b.Float32())
	}
}

func TestAdam(t *testing.T) {
	dev := NewDevice(false)
	q := dev.NewQueue(1)
	w := dev.NewArray(Float32, 2)
	dw := dev.NewArray(Float32, 2)
	m := dev.NewArray(Float32, 2)
	v := dev.NewArray(Float32, 2)
	q.Call(
		Write(w, []float32{1, 1}),
		Write(dw, []float32{0.5, -2}),
		AdamUpdate(w, dw, m, v, 1, 0.1, 0.9, 0.999, 1e-7),
	).Finish()
	// first step moves each weight by the learning rate against the sign of the gradient
	if res := w.Float32(); !approx(res[0], 0.9, 1e-4) || !approx(res[1], 1.1, 1e-4) {
		t.Error("got", res, "expect [0.9 1.1]")
	}
}

func TestBatchNorm(t *testing.T) {
	dev := NewDevice(false)
	q := dev.NewQueue(2)
	x := dev.NewArray(Float32, 2, 4)
	y := dev.NewArray(Float32, 2, 4)
	gamma, beta := dev.NewArray(Float32, 2), dev.NewArray(Float32, 2)
	mean, variance := dev.NewArray(Float32, 2), dev.NewArray(Float32, 2)
	k := NewBatchNorm(x.Dims())
	q.Call(
		Write(x, []float32{1, 10, 2, 10, 3, 10, 4, 10}),
		Fill(gamma, 1),
		Fill(variance, 1),
		BatchNormFprop(k, x, y, gamma, beta, mean, variance, 0.9, 1e-3, true),
	).Finish()
	t.Logf("batchnorm\n%s", y.String(q))
	out := y.Float32()
	var sum, sum2 float32
	for i := 0; i < 4; i++ {
		sum += out[2*i]
		sum2 += out[2*i] * out[2*i]
		if out[2*i+1] != 0 {
			t.Error("constant feature should be zero, got", out[2*i+1])
		}
	}
	if !approx(sum/4, 0, 1e-5) || !approx(sum2/4, 1, 1e-2) {
		t.Error("got mean", sum/4, "variance", sum2/4)
	}
	if rm := mean.Float32(); !approx(rm[0], 0.25, 1e-5) || !approx(rm[1], 1, 1e-5) {
		t.Error("moving mean got", rm)
	}
	if rv := variance.Float32(); !approx(rv[0], 0.9+0.1*1.25, 1e-5) || !approx(rv[1], 0.9, 1e-5) {
		t.Error("moving variance got", rv)
	}
	// inference uses the moving statistics
	q.Call(
		Write(mean, []float32{1, 10}),
		Write(variance, []float32{4, 1}),
		BatchNormFprop(k, x, y, gamma, beta, mean, variance, 0.9, 0, false),
	).Finish()
	if expect := []float32{0, 0, 0.5, 0, 1, 0, 1.5, 0}; !approxSlice(y.Float32(), expect, 1e-5) {
		t.Error("got", y.Float32(), "expect", expect)
	}
}

type convTest struct {
	dims               []int
	nfeats, size, s, p int
	expectHo, expectWo int
}

var convTests = []convTest{
	{[]int{4, 4, 1, 1}, 1, 3, 1, 0, 2, 2},
	{[]int{5, 4, 2, 3}, 3, 3, 1, 1, 5, 4},
	{[]int{6, 6, 3, 2}, 2, 3, 2, 1, 3, 3},
}

// reference convolution with explicit loops
func directConv(k *Conv, x, w, b []float32) []float32 {
	out := make([]float32, Prod(k.OutShape()))
	for n := 0; n < k.N; n++ {
		for f := 0; f < k.F; f++ {
			for ox := 0; ox < k.Wo; ox++ {
				for oy := 0; oy < k.Ho; oy++ {
					sum := b[f]
					for c := 0; c < k.C; c++ {
						for kx := 0; kx < k.K; kx++ {
							for ky := 0; ky < k.K; ky++ {
								iy, ix := oy*k.S-k.P+ky, ox*k.S-k.P+kx
								if iy >= 0 && iy < k.H && ix >= 0 && ix < k.W {
									sum += x[iy+k.H*(ix+k.W*(c+k.C*n))] * w[ky+k.K*(kx+k.K*c)+k.FilterSize()*f]
								}
							}
						}
					}
					out[oy+k.Ho*(ox+k.Wo*(f+k.F*n))] = sum
				}
			}
		}
	}
	return out
}

func dot(a, b []float32) (sum float64) {
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func TestConv(t *testing.T) {
	dev := NewDevice(false)
	q := dev.NewQueue(2)
	rng := rand.New(rand.NewSource(42))
	for _, test := range convTests {
		k := NewConv(test.dims, test.nfeats, test.size, test.s, test.p)
		if k.Ho != test.expectHo || k.Wo != test.expectWo {
			t.Fatalf("%v: got output %dx%d", test, k.Ho, k.Wo)
		}
		x, w, b := dev.NewArray(Float32, test.dims...), dev.NewArray(Float32, k.FilterShape()...), dev.NewArray(Float32, test.nfeats)
		y := dev.NewArray(Float32, k.OutShape()...)
		q.Call(
			Write(x, normSlice(rng, x.Size())),
			Write(w, normSlice(rng, w.Size())),
			Write(b, normSlice(rng, b.Size())),
			ConvFprop(k, x, w, b, y),
		).Finish()
		expect := directConv(k, x.Float32(), w.Float32(), b.Float32())
		if !approxSlice(y.Float32(), expect, 1e-4) {
			t.Errorf("%v: fprop mismatch\n%v\n%v", test, y.Float32(), expect)
		}
		// loss = sum(r*y) is linear in x and w so the gradient is given by a single difference
		r := dev.NewArray(Float32, k.OutShape()...)
		dx, dw, db := dev.NewArrayLike(x), dev.NewArrayLike(w), dev.NewArrayLike(b)
		q.Call(
			Write(r, normSlice(rng, r.Size())),
			ConvBprop(k, x, w, r, dx, dw, db),
		).Finish()
		loss := func() float64 {
			return dot(directConv(k, x.Float32(), w.Float32(), b.Float32()), r.Float32())
		}
		checkGrad(t, "conv dx", x.Float32(), dx.Float32(), loss)
		checkGrad(t, "conv dw", w.Float32(), dw.Float32(), loss)
		checkGrad(t, "conv db", b.Float32(), db.Float32(), loss)
	}
}

func TestDepthwise(t *testing.T) {
	dev := NewDevice(false)
	q := dev.NewQueue(2)
	rng := rand.New(rand.NewSource(1))
	k := NewDepthwise([]int{5, 5, 3, 2}, 3, 2, 1)
	if !reflect.DeepEqual(k.OutShape(), []int{3, 3, 3, 2}) {
		t.Fatal("got output shape", k.OutShape())
	}
	x, w, b := dev.NewArray(Float32, 5, 5, 3, 2), dev.NewArray(Float32, k.FilterShape()...), dev.NewArray(Float32, 3)
	y, r := dev.NewArray(Float32, k.OutShape()...), dev.NewArray(Float32, k.OutShape()...)
	dx, dw, db := dev.NewArrayLike(x), dev.NewArrayLike(w), dev.NewArrayLike(b)
	q.Call(
		Write(x, normSlice(rng, x.Size())),
		Write(w, normSlice(rng, w.Size())),
		Write(b, normSlice(rng, b.Size())),
		Write(r, normSlice(rng, r.Size())),
		DepthwiseBprop(k, x, w, r, dx, dw, db),
	).Finish()
	loss := func() float64 {
		q.Call(DepthwiseFprop(k, x, w, b, y)).Finish()
		return dot(y.Float32(), r.Float32())
	}
	checkGrad(t, "depthwise dx", x.Float32(), dx.Float32(), loss)
	checkGrad(t, "depthwise dw", w.Float32(), dw.Float32(), loss)
	checkGrad(t, "depthwise db", b.Float32(), db.Float32(), loss)
}

func TestPool(t *testing.T) {
	dev := NewDevice(false)
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 4, 4, 1, 1)
	data := make([]float32, 16)
	for i := range data {
		data[i] = float32(i)
	}
	k := NewMaxPool(x.Dims(), 2, 2)
	y := dev.NewArray(Float32, k.OutShape()...)
	g := dev.NewArray(Float32, k.OutShape()...)
	dx := dev.NewArrayLike(x)
	q.Call(
		Write(x, data),
		MaxPoolFprop(k, x, y),
		Fill(g, 1),
		MaxPoolBprop(k, g, dx),
	).Finish()
	t.Logf("maxpool\n%s", y.String(q))
	if expect := []float32{5, 7, 13, 15}; !reflect.DeepEqual(y.Float32(), expect) {
		t.Error("got", y.Float32(), "expect", expect)
	}
	var sum float32
	for i, v := range dx.Float32() {
		sum += v
		if v != 0 && i != 5 && i != 7 && i != 13 && i != 15 {
			t.Error("gradient at wrong position", i)
		}
	}
	if sum != 4 {
		t.Error("gradient sum got", sum)
	}
	avg := dev.NewArray(Float32, 1, 1)
	q.Call(AvgPoolFprop(x, avg)).Finish()
	if avg.Float32()[0] != 7.5 {
		t.Error("average got", avg.Float32()[0])
	}
	q.Call(Fill(avg, 16), AvgPoolBprop(avg, dx)).Finish()
	if dx.Float32()[3] != 1 {
		t.Error("average gradient got", dx.Float32()[3])
	}
}

func TestProfile(t *testing.T) {
	dev := NewDevice(false)
	q := dev.NewQueue(1)
	q.Profiling(true)
	x := dev.NewArray(Float32, 10)
	q.Call(Fill(x, 1), Scale(2, x), Scale(2, x)).Finish()
	p := q.Profile()
	t.Log(p)
	if !strings.Contains(p, "scale") || !strings.Contains(p, "TOTAL") {
		t.Error("profile missing entries")
	}
	t.Log(DeviceInfo())
}

// check analytic gradient against a central difference, loss must be linear in the parameter
func checkGrad(t *testing.T, name string, param, grad []float32, loss func() float64) {
	t.Helper()
	const eps = 0.1
	for i := range param {
		save := param[i]
		param[i] = save + eps
		l1 := loss()
		param[i] = save - eps
		l2 := loss()
		param[i] = save
		num := float32((l1 - l2) / (2 * eps))
		if !approx(grad[i], num, 1e-2*(1+abs(num))) {
			t.Errorf("%s: gradient %d got %g expect %g", name, i, grad[i], num)
			return
		}
	}
}

func normSlice(rng *rand.Rand, n int) []float32 {
	res := make([]float32, n)
	for i := range res {
		res[i] = float32(rng.NormFloat64())
	}
	return res
}

func approx(a, b, tol float32) bool {
	return abs(a-b) <= tol
}

func approxSlice(a, b []float32, tol float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !approx(a[i], b[i], tol*(1+abs(b[i]))) {
			return false
		}
	}
	return true
}

func randSlice(n int) []float32 {
	res := make([]float32, n)
	for i := range res {
		res[i] = float32(rand.Intn(20))
	}
	return res
}

func BenchmarkGemm(b *testing.B) {
	size := 100
	dev := NewDevice(false)
	q := dev.NewQueue(4)
	x := dev.NewArray(Float32, size, size)
	y := dev.NewArray(Float32, size, size)
	z := dev.NewArray(Float32, size, size)
	q.Call(
		Write(x, randSlice(size*size)),
		Write(y, randSlice(size*size)),
	).Finish()
	for i := 0; i < b.N; i++ {
		q.Call(Gemm(1, 0, x, y, z, NoTrans, NoTrans)).Finish()
	}
}

func BenchmarkConv(b *testing.B) {
	dev := NewDevice(false)
	q := dev.NewQueue(4)
	k := NewConv([]int{28, 28, 8, 32}, 16, 3, 1, 1)
	x := dev.NewArray(Float32, 28, 28, 8, 32)
	w := dev.NewArray(Float32, k.FilterShape()...)
	bias := dev.NewArray(Float32, 16)
	y := dev.NewArray(Float32, k.OutShape()...)
	q.Call(Write(x, randSlice(x.Size())), Write(w, randSlice(w.Size()))).Finish()
	for i := 0; i < b.N; i++ {
		q.Call(ConvFprop(k, x, w, bias, y)).Finish()
	}
}
