package num

import (
	"fmt"
	"math"
	"sync"
)

// Kernels for the network layers which are not simple element wise operations. Each kernel holds
// the geometry and any scratch space it needs, it is created when the layer is initialised and the
// Fprop / Bprop functions are queued on each batch. Images have dims [height, width, channels, batch].

// run fn over the range [0, n) split into contiguous chunks, one per worker goroutine
func parallel(n int, fn func(worker, start, end int)) {
	parallelN(n, workers(n), fn)
}

// as parallel but with at most nw workers
func parallelN(n, nw int, fn func(worker, start, end int)) {
	if nw > n {
		nw = n
	}
	if nw <= 1 {
		fn(0, 0, n)
		return
	}
	var wg sync.WaitGroup
	chunk := (n + nw - 1) / nw
	for w := 0; w < nw; w++ {
		start, end := w*chunk, (w+1)*chunk
		if end > n {
			end = n
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(w, start, end int) {
			fn(w, start, end)
			wg.Done()
		}(w, start, end)
	}
	wg.Wait()
}

func workers(n int) int {
	nw := numThreads
	if nw < 1 {
		nw = 1
	}
	if n < nw {
		return n
	}
	return nw
}

// BatchNorm kernel normalises each channel over the batch. For a [features, batch] input each feature
// is a channel, for a [h, w, c, batch] input the statistics are taken over h, w and batch.
type BatchNorm struct {
	inner, chans, outer int
	train               bool
	mean, invStd        []float32
	xhat                []float32
}

// NewBatchNorm allocates a batch normalisation kernel for the given input shape.
func NewBatchNorm(dims []int) *BatchNorm {
	k := &BatchNorm{}
	switch len(dims) {
	case 2:
		k.inner, k.chans, k.outer = 1, dims[0], dims[1]
	case 4:
		k.inner, k.chans, k.outer = dims[0]*dims[1], dims[2], dims[3]
	default:
		panic(fmt.Sprintf("BatchNorm: invalid input shape %v", dims))
	}
	k.mean = make([]float32, k.chans)
	k.invStd = make([]float32, k.chans)
	k.xhat = make([]float32, Prod(dims))
	return k
}

// Channels returns the number of normalised channels.
func (k *BatchNorm) Channels() int { return k.chans }

func (k *BatchNorm) index(i, c, o int) int {
	return i + k.inner*(c+k.chans*o)
}

// BatchNormFprop normalises x to y. In training mode the batch statistics are used and the running
// mean and variance are updated with the given momentum, else the running values are used.
func BatchNormFprop(k *BatchNorm, x, y, gamma, beta, runMean, runVar Array, momentum, epsilon float32, train bool) Function {
	if x.Size() != len(k.xhat) || y.Size() != len(k.xhat) {
		panic(fmt.Sprintf("BatchNormFprop: invalid input shape %v", x.Dims()))
	}
	for _, a := range []Array{gamma, beta, runMean, runVar} {
		if a.Size() != k.chans {
			panic(fmt.Sprintf("BatchNormFprop: parameter size %d expecting %d", a.Size(), k.chans))
		}
	}
	return newFunc("batchnorm_fprop", func() {
		k.train = train
		in, out := x.Float32(), y.Float32()
		g, b, rm, rv := gamma.Float32(), beta.Float32(), runMean.Float32(), runVar.Float32()
		m := float64(k.inner * k.outer)
		parallel(k.chans, func(_, start, end int) {
			for c := start; c < end; c++ {
				mean, variance := float64(rm[c]), float64(rv[c])
				if train {
					var sum, sum2 float64
					for o := 0; o < k.outer; o++ {
						for i := 0; i < k.inner; i++ {
							v := float64(in[k.index(i, c, o)])
							sum += v
							sum2 += v * v
						}
					}
					mean = sum / m
					variance = math.Max(sum2/m-mean*mean, 0)
					rm[c] = momentum*rm[c] + (1-momentum)*float32(mean)
					rv[c] = momentum*rv[c] + (1-momentum)*float32(variance)
				}
				invStd := 1 / math.Sqrt(variance+float64(epsilon))
				k.mean[c], k.invStd[c] = float32(mean), float32(invStd)
				for o := 0; o < k.outer; o++ {
					for i := 0; i < k.inner; i++ {
						ix := k.index(i, c, o)
						xh := float32((float64(in[ix]) - mean) * invStd)
						k.xhat[ix] = xh
						out[ix] = g[c]*xh + b[c]
					}
				}
			}
		})
	})
}

// BatchNormBprop gets the input gradient dx and the parameter gradients from the output gradient.
// It uses the statistics saved from the previous BatchNormFprop call.
func BatchNormBprop(k *BatchNorm, grad, dx, gamma, dgamma, dbeta Array) Function {
	if grad.Size() != len(k.xhat) || dx.Size() != len(k.xhat) {
		panic(fmt.Sprintf("BatchNormBprop: invalid gradient shape %v", grad.Dims()))
	}
	return newFunc("batchnorm_bprop", func() {
		gr, out := grad.Float32(), dx.Float32()
		g, dg, db := gamma.Float32(), dgamma.Float32(), dbeta.Float32()
		m := float32(k.inner * k.outer)
		parallel(k.chans, func(_, start, end int) {
			for c := start; c < end; c++ {
				var sumG, sumGX float32
				for o := 0; o < k.outer; o++ {
					for i := 0; i < k.inner; i++ {
						ix := k.index(i, c, o)
						sumG += gr[ix]
						sumGX += gr[ix] * k.xhat[ix]
					}
				}
				dg[c], db[c] = sumGX, sumG
				scale := g[c] * k.invStd[c]
				for o := 0; o < k.outer; o++ {
					for i := 0; i < k.inner; i++ {
						ix := k.index(i, c, o)
						if k.train {
							out[ix] = scale / m * (m*gr[ix] - sumG - k.xhat[ix]*sumGX)
						} else {
							out[ix] = scale * gr[ix]
						}
					}
				}
			}
		})
	})
}

// Conv kernel implements a 2D convolution using im2col followed by a matrix multiply for each
// sample. Filter weights have dims [size*size*channels, nfeats].
type Conv struct {
	H, W, C, N     int
	F, K, S, P     int
	Ho, Wo         int
	cols, dcols    [][]float32
	dwPart, dbPart [][]float32
}

// NewConv allocates a convolution kernel for input dims [h, w, c, n].
func NewConv(dims []int, nfeats, size, stride, pad int) *Conv {
	if len(dims) != 4 {
		panic(fmt.Sprintf("Conv: expect 4 dimensional input, got %v", dims))
	}
	if stride < 1 {
		stride = 1
	}
	k := &Conv{H: dims[0], W: dims[1], C: dims[2], N: dims[3], F: nfeats, K: size, S: stride, P: pad}
	k.Ho = (k.H+2*pad-size)/stride + 1
	k.Wo = (k.W+2*pad-size)/stride + 1
	if k.Ho < 1 || k.Wo < 1 {
		panic(fmt.Sprintf("Conv: filter size %d too large for input %v", size, dims))
	}
	nw := workers(k.N)
	p, q := k.Ho*k.Wo, k.FilterSize()
	for i := 0; i < nw; i++ {
		k.cols = append(k.cols, make([]float32, p*q))
		k.dcols = append(k.dcols, make([]float32, p*q))
		k.dwPart = append(k.dwPart, make([]float32, q*k.F))
		k.dbPart = append(k.dbPart, make([]float32, k.F))
	}
	return k
}

// FilterSize is the number of weights for each output feature.
func (k *Conv) FilterSize() int { return k.K * k.K * k.C }

// FilterShape returns the weight array dims.
func (k *Conv) FilterShape() []int { return []int{k.FilterSize(), k.F} }

// OutShape returns the output dims.
func (k *Conv) OutShape() []int { return []int{k.Ho, k.Wo, k.F, k.N} }

// copy the image patches for sample x to the cols matrix with dims [ho*wo, size*size*c]
func (k *Conv) im2col(x, cols []float32) {
	P := k.Ho * k.Wo
	for c := 0; c < k.C; c++ {
		for kx := 0; kx < k.K; kx++ {
			for ky := 0; ky < k.K; ky++ {
				q := ky + k.K*(kx+k.K*c)
				dst := cols[q*P : (q+1)*P]
				for ox := 0; ox < k.Wo; ox++ {
					ix := ox*k.S - k.P + kx
					for oy := 0; oy < k.Ho; oy++ {
						iy := oy*k.S - k.P + ky
						if ix < 0 || ix >= k.W || iy < 0 || iy >= k.H {
							dst[oy+k.Ho*ox] = 0
						} else {
							dst[oy+k.Ho*ox] = x[iy+k.H*(ix+k.W*c)]
						}
					}
				}
			}
		}
	}
}

// accumulate the cols gradient back to the image gradient dx
func (k *Conv) col2im(cols, dx []float32) {
	for i := range dx {
		dx[i] = 0
	}
	P := k.Ho * k.Wo
	for c := 0; c < k.C; c++ {
		for kx := 0; kx < k.K; kx++ {
			for ky := 0; ky < k.K; ky++ {
				q := ky + k.K*(kx+k.K*c)
				src := cols[q*P : (q+1)*P]
				for ox := 0; ox < k.Wo; ox++ {
					ix := ox*k.S - k.P + kx
					if ix < 0 || ix >= k.W {
						continue
					}
					for oy := 0; oy < k.Ho; oy++ {
						iy := oy*k.S - k.P + ky
						if iy >= 0 && iy < k.H {
							dx[iy+k.H*(ix+k.W*c)] += src[oy+k.Ho*ox]
						}
					}
				}
			}
		}
	}
}

func (k *Conv) check(name string, x, w, y Array) {
	if !SameShape(x.Dims(), []int{k.H, k.W, k.C, k.N}) {
		panic(fmt.Sprintf("%s: invalid input shape %v", name, x.Dims()))
	}
	if !SameShape(w.Dims(), k.FilterShape()) {
		panic(fmt.Sprintf("%s: invalid filter shape %v", name, w.Dims()))
	}
	if !SameShape(y.Dims(), k.OutShape()) {
		panic(fmt.Sprintf("%s: invalid output shape %v", name, y.Dims()))
	}
}

// ConvFprop computes y = conv(x, w) + b
func ConvFprop(k *Conv, x, w, b, y Array) Function {
	k.check("ConvFprop", x, w, y)
	return newFunc("conv_fprop", func() {
		in, wt, bias, out := x.Float32(), w.Float32(), b.Float32(), y.Float32()
		P, Q := k.Ho*k.Wo, k.FilterSize()
		isize, osize := k.H*k.W*k.C, P*k.F
		parallelN(k.N, len(k.cols), func(wk, start, end int) {
			cols := k.cols[wk]
			for n := start; n < end; n++ {
				k.im2col(in[n*isize:(n+1)*isize], cols)
				dst := out[n*osize : (n+1)*osize]
				gemm(NoTrans, NoTrans, P, k.F, Q, 1, cols, P, wt, Q, 0, dst, P)
				for f := 0; f < k.F; f++ {
					for i := f * P; i < (f+1)*P; i++ {
						dst[i] += bias[f]
					}
				}
			}
		})
	})
}

// ConvBprop computes the input gradient dx and the filter and bias gradients dw, db from the output gradient.
func ConvBprop(k *Conv, x, w, grad, dx, dw, db Array) Function {
	k.check("ConvBprop", x, w, grad)
	return newFunc("conv_bprop", func() {
		in, wt, g := x.Float32(), w.Float32(), grad.Float32()
		var din []float32
		if dx != nil {
			din = dx.Float32()
		}
		P, Q := k.Ho*k.Wo, k.FilterSize()
		isize, osize := k.H*k.W*k.C, P*k.F
		for wk := range k.dwPart {
			clear(k.dwPart[wk])
			clear(k.dbPart[wk])
		}
		parallelN(k.N, len(k.cols), func(wk, start, end int) {
			cols, dcols, dwp, dbp := k.cols[wk], k.dcols[wk], k.dwPart[wk], k.dbPart[wk]
			for n := start; n < end; n++ {
				gn := g[n*osize : (n+1)*osize]
				k.im2col(in[n*isize:(n+1)*isize], cols)
				gemm(Trans, NoTrans, Q, k.F, P, 1, cols, P, gn, P, 1, dwp, Q)
				for f := 0; f < k.F; f++ {
					for _, v := range gn[f*P : (f+1)*P] {
						dbp[f] += v
					}
				}
				if din != nil {
					gemm(NoTrans, Trans, P, Q, k.F, 1, gn, P, wt, Q, 0, dcols, P)
					k.col2im(dcols, din[n*isize:(n+1)*isize])
				}
			}
		})
		dW, dB := dw.Float32(), db.Float32()
		copy(dW, k.dwPart[0])
		copy(dB, k.dbPart[0])
		for wk := 1; wk < len(k.dwPart); wk++ {
			for i, v := range k.dwPart[wk] {
				dW[i] += v
			}
			for i, v := range k.dbPart[wk] {
				dB[i] += v
			}
		}
	})
}

// Depthwise kernel convolves each input channel with its own filter. Filter weights have
// dims [size*size, channels].
type Depthwise struct {
	H, W, C, N int
	K, S, P    int
	Ho, Wo     int
}

// NewDepthwise creates a depthwise convolution kernel for input dims [h, w, c, n].
func NewDepthwise(dims []int, size, stride, pad int) *Depthwise {
	if len(dims) != 4 {
		panic(fmt.Sprintf("Depthwise: expect 4 dimensional input, got %v", dims))
	}
	if stride < 1 {
		stride = 1
	}
	k := &Depthwise{H: dims[0], W: dims[1], C: dims[2], N: dims[3], K: size, S: stride, P: pad}
	k.Ho = (k.H+2*pad-size)/stride + 1
	k.Wo = (k.W+2*pad-size)/stride + 1
	if k.Ho < 1 || k.Wo < 1 {
		panic(fmt.Sprintf("Depthwise: filter size %d too large for input %v", size, dims))
	}
	return k
}

// FilterShape returns the weight array dims.
func (k *Depthwise) FilterShape() []int { return []int{k.K * k.K, k.C} }

// OutShape returns the output dims.
func (k *Depthwise) OutShape() []int { return []int{k.Ho, k.Wo, k.C, k.N} }

// visit each valid filter tap for channel c of sample n
func (k *Depthwise) each(c, n int, fn func(in, out, wt int)) {
	for ox := 0; ox < k.Wo; ox++ {
		for oy := 0; oy < k.Ho; oy++ {
			out := oy + k.Ho*(ox+k.Wo*(c+k.C*n))
			for kx := 0; kx < k.K; kx++ {
				ix := ox*k.S - k.P + kx
				if ix < 0 || ix >= k.W {
					continue
				}
				for ky := 0; ky < k.K; ky++ {
					iy := oy*k.S - k.P + ky
					if iy < 0 || iy >= k.H {
						continue
					}
					fn(iy+k.H*(ix+k.W*(c+k.C*n)), out, ky+k.K*kx+k.K*k.K*c)
				}
			}
		}
	}
}

// DepthwiseFprop computes y = depthwise_conv(x, w) + b
func DepthwiseFprop(k *Depthwise, x, w, b, y Array) Function {
	if !SameShape(x.Dims(), []int{k.H, k.W, k.C, k.N}) || !SameShape(y.Dims(), k.OutShape()) {
		panic(fmt.Sprintf("DepthwiseFprop: invalid shape %v -> %v", x.Dims(), y.Dims()))
	}
	if !SameShape(w.Dims(), k.FilterShape()) {
		panic(fmt.Sprintf("DepthwiseFprop: invalid filter shape %v", w.Dims()))
	}
	return newFunc("depthwise_fprop", func() {
		in, wt, bias, out := x.Float32(), w.Float32(), b.Float32(), y.Float32()
		parallel(k.C, func(_, start, end int) {
			for c := start; c < end; c++ {
				for n := 0; n < k.N; n++ {
					base := k.Ho * k.Wo * (c + k.C*n)
					for i := base; i < base+k.Ho*k.Wo; i++ {
						out[i] = bias[c]
					}
					k.each(c, n, func(i, o, j int) { out[o] += in[i] * wt[j] })
				}
			}
		})
	})
}

// DepthwiseBprop computes the input gradient dx and the filter and bias gradients dw, db.
func DepthwiseBprop(k *Depthwise, x, w, grad, dx, dw, db Array) Function {
	if !SameShape(grad.Dims(), k.OutShape()) {
		panic(fmt.Sprintf("DepthwiseBprop: invalid gradient shape %v", grad.Dims()))
	}
	return newFunc("depthwise_bprop", func() {
		in, wt, g := x.Float32(), w.Float32(), grad.Float32()
		dW, dB := dw.Float32(), db.Float32()
		var din []float32
		if dx != nil {
			din = dx.Float32()
		}
		KK := k.K * k.K
		parallel(k.C, func(_, start, end int) {
			for c := start; c < end; c++ {
				for j := c * KK; j < (c+1)*KK; j++ {
					dW[j] = 0
				}
				dB[c] = 0
				for n := 0; n < k.N; n++ {
					if din != nil {
						base := k.H * k.W * (c + k.C*n)
						for i := base; i < base+k.H*k.W; i++ {
							din[i] = 0
						}
					}
					base := k.Ho * k.Wo * (c + k.C*n)
					for _, v := range g[base : base+k.Ho*k.Wo] {
						dB[c] += v
					}
					k.each(c, n, func(i, o, j int) {
						dW[j] += in[i] * g[o]
						if din != nil {
							din[i] += wt[j] * g[o]
						}
					})
				}
			}
		})
	})
}

// MaxPool kernel takes the maximum over each size x size window. The position of the maximum is
// saved for the backward pass.
type MaxPool struct {
	H, W, C, N int
	Size, S    int
	Ho, Wo     int
	index      []int32
}

// NewMaxPool creates a max pooling kernel with no padding for input dims [h, w, c, n].
func NewMaxPool(dims []int, size, stride int) *MaxPool {
	if len(dims) != 4 {
		panic(fmt.Sprintf("MaxPool: expect 4 dimensional input, got %v", dims))
	}
	if stride < 1 {
		stride = size
	}
	k := &MaxPool{H: dims[0], W: dims[1], C: dims[2], N: dims[3], Size: size, S: stride}
	k.Ho = (k.H-size)/stride + 1
	k.Wo = (k.W-size)/stride + 1
	if k.Ho < 1 || k.Wo < 1 {
		panic(fmt.Sprintf("MaxPool: size %d too large for input %v", size, dims))
	}
	k.index = make([]int32, Prod(k.OutShape()))
	return k
}

// OutShape returns the output dims.
func (k *MaxPool) OutShape() []int { return []int{k.Ho, k.Wo, k.C, k.N} }

// MaxPoolFprop sets y to the maximum of each pooling window in x.
func MaxPoolFprop(k *MaxPool, x, y Array) Function {
	if !SameShape(x.Dims(), []int{k.H, k.W, k.C, k.N}) || !SameShape(y.Dims(), k.OutShape()) {
		panic(fmt.Sprintf("MaxPoolFprop: invalid shape %v -> %v", x.Dims(), y.Dims()))
	}
	return newFunc("maxpool_fprop", func() {
		in, out := x.Float32(), y.Float32()
		parallel(k.C*k.N, func(_, start, end int) {
			for cn := start; cn < end; cn++ {
				for ox := 0; ox < k.Wo; ox++ {
					for oy := 0; oy < k.Ho; oy++ {
						best := -1
						for kx := 0; kx < k.Size; kx++ {
							for ky := 0; ky < k.Size; ky++ {
								i := oy*k.S + ky + k.H*(ox*k.S+kx+k.W*cn)
								if best < 0 || in[i] > in[best] {
									best = i
								}
							}
						}
						o := oy + k.Ho*(ox+k.Wo*cn)
						out[o] = in[best]
						k.index[o] = int32(best)
					}
				}
			}
		})
	})
}

// MaxPoolBprop routes each output gradient back to the input which had the maximum value.
func MaxPoolBprop(k *MaxPool, grad, dx Array) Function {
	if !SameShape(grad.Dims(), k.OutShape()) || !SameShape(dx.Dims(), []int{k.H, k.W, k.C, k.N}) {
		panic(fmt.Sprintf("MaxPoolBprop: invalid shape %v -> %v", grad.Dims(), dx.Dims()))
	}
	return newFunc("maxpool_bprop", func() {
		g, din := grad.Float32(), dx.Float32()
		for i := range din {
			din[i] = 0
		}
		for o, i := range k.index {
			din[i] += g[o]
		}
	})
}

// AvgPoolFprop is a global average pooling over the height and width, from [h, w, c, n] to [c, n].
func AvgPoolFprop(x, y Array) Function {
	xd, yd := x.Dims(), y.Dims()
	if len(xd) != 4 || !SameShape(yd, xd[2:]) {
		panic(fmt.Sprintf("AvgPoolFprop: invalid shape %v -> %v", xd, yd))
	}
	area := xd[0] * xd[1]
	return newFunc("avgpool_fprop", func() {
		in, out := x.Float32(), y.Float32()
		for j := range out {
			var sum float32
			for _, v := range in[j*area : (j+1)*area] {
				sum += v
			}
			out[j] = sum / float32(area)
		}
	})
}

// AvgPoolBprop distributes the gradient for each channel evenly over the input positions.
func AvgPoolBprop(grad, dx Array) Function {
	gd, xd := grad.Dims(), dx.Dims()
	if len(xd) != 4 || !SameShape(gd, xd[2:]) {
		panic(fmt.Sprintf("AvgPoolBprop: invalid shape %v -> %v", gd, xd))
	}
	area := xd[0] * xd[1]
	return newFunc("avgpool_bprop", func() {
		g, din := grad.Float32(), dx.Float32()
		for j, v := range g {
			v /= float32(area)
			for i := j * area; i < (j+1)*area; i++ {
				din[i] = v
			}
		}
	})
}
