package nnet

import (
	"math"
	"math/rand"
	"testing"

	"github.com/jnb666/handson/num"
)

const (
	batch = 5
	nIn   = 6
	nOut  = 4
	eps   = 1e-5
)

func abs(x float32) float32 {
	if x >= 0 {
		return x
	}
	return -x
}

func randArray(rng *rand.Rand, size int, min, max float32) []float32 {
	v := make([]float32, size)
	for i := range v {
		v[i] = min + rng.Float32()*(max-min)
	}
	return v
}

func getInputs(t *testing.T, q num.Queue, rng *rand.Rand) (input num.Array, weights, bias, inData []float32) {
	input = q.NewArray(num.Float32, nIn, batch)
	weights = randArray(rng, nIn*nOut, -0.5, 0.5)
	bias = randArray(rng, nOut, 0.1, 0.2)
	inData = randArray(rng, batch*nIn, 0, 1)
	q.Call(num.Write(input, inData))
	t.Logf("== input ==\n%s", input.String(q))
	return
}

func setupNetwork(q num.Queue, weights, bias []float32) *linear {
	l, err := Linear{Nout: nOut, Activ: "relu"}.Marshal().Unmarshal()
	if err != nil {
		panic(err)
	}
	lin := l.(*linear)
	lin.Init(q, []int{nIn, batch})
	q.Call(num.Write(lin.w, weights), num.Write(lin.b, bias))
	return lin
}

func compareArray(t *testing.T, q num.Queue, title string, A num.Array, expect []float32) {
	t.Logf("== %s ==\n%s", title, A.String(q))
	arr := make([]float32, A.Size())
	q.Call(num.Read(A, arr)).Finish()
	if len(arr) != len(expect) {
		t.Fatal(title, "length mismatch!")
	}
	for i := range arr {
		if abs(arr[i]-expect[i]) > eps {
			t.Errorf("%s mismatch at %d: got %g expect %g", title, i, arr[i], expect[i])
			return
		}
	}
}

func TestFprop(t *testing.T) {
	q := num.NewDevice(false).NewQueue(1)
	defer q.Shutdown()
	rng := rand.New(rand.NewSource(42))
	input, weights, bias, inData := getInputs(t, q, rng)
	lin := setupNetwork(q, weights, bias)
	output := lin.Fprop(input, true)

	expect := make([]float32, nOut*batch)
	for s := 0; s < batch; s++ {
		for o := 0; o < nOut; o++ {
			sum := bias[o]
			for i := 0; i < nIn; i++ {
				sum += weights[i+o*nIn] * inData[i+s*nIn]
			}
			if sum < 0 {
				sum = 0
			}
			expect[o+s*nOut] = sum
		}
	}
	compareArray(t, q, "output", output, expect)
}

func TestBprop(t *testing.T) {
	q := num.NewDevice(false).NewQueue(1)
	defer q.Shutdown()
	rng := rand.New(rand.NewSource(42))
	input, weights, bias, inData := getInputs(t, q, rng)
	lin := setupNetwork(q, weights, bias)
	output := lin.Fprop(input, true)
	out := make([]float32, nOut*batch)
	q.Call(num.Read(output, out)).Finish()

	gradData := randArray(rng, nOut*batch, -1, 1)
	grad := q.NewArray(num.Float32, nOut, batch)
	q.Call(num.Write(grad, gradData))
	dx := lin.Bprop(grad)

	// relu derivative then dW = x * g^T, dB = sum of g over batch, dx = W * g
	g := make([]float32, len(gradData))
	for i := range g {
		if out[i] > 0 {
			g[i] = gradData[i]
		}
	}
	dW := make([]float32, nIn*nOut)
	dB := make([]float32, nOut)
	dX := make([]float32, nIn*batch)
	for s := 0; s < batch; s++ {
		for o := 0; o < nOut; o++ {
			dB[o] += g[o+s*nOut]
			for i := 0; i < nIn; i++ {
				dW[i+o*nIn] += inData[i+s*nIn] * g[o+s*nOut]
				dX[i+s*nIn] += weights[i+o*nIn] * g[o+s*nOut]
			}
		}
	}
	compareArray(t, q, "dW", lin.dw, dW)
	compareArray(t, q, "dB", lin.db, dB)
	compareArray(t, q, "dX", dx, dX)
}

// loss is the dot product of the layer output with fixed random weights, so its gradient with
// respect to the output is just those weights
func dotLoss(q num.Queue, layer Layer, input num.Array, r []float32, train bool) float64 {
	out := layer.Fprop(input, train)
	res := make([]float32, out.Size())
	q.Call(num.Read(out, res)).Finish()
	sum := 0.0
	for i, v := range res {
		sum += float64(v) * float64(r[i])
	}
	return sum
}

func readArray(q num.Queue, a num.Array) []float32 {
	buf := make([]float32, a.Size())
	q.Call(num.Read(a, buf)).Finish()
	return buf
}

// compare the analytic gradient with central differences for up to maxCheck elements of the array
func numericGrad(t *testing.T, q num.Queue, name string, layer Layer, input, value num.Array, r, analytic []float32, train bool) {
	const h = 1e-2
	const maxCheck = 20
	data := readArray(q, value)
	step := 1
	if len(data) > maxCheck {
		step = len(data) / maxCheck
	}
	for i := 0; i < len(data); i += step {
		orig := data[i]
		data[i] = orig + h
		q.Call(num.Write(value, data))
		lossP := dotLoss(q, layer, input, r, train)
		data[i] = orig - h
		q.Call(num.Write(value, data))
		lossM := dotLoss(q, layer, input, r, train)
		data[i] = orig
		q.Call(num.Write(value, data)).Finish()
		numeric := (lossP - lossM) / (2 * h)
		if math.Abs(numeric-float64(analytic[i])) > 1e-2*(1+math.Abs(numeric)) {
			t.Errorf("%s gradient mismatch at %d: analytic=%.5f numeric=%.5f", name, i, analytic[i], numeric)
			return
		}
	}
	t.Logf("%s gradient ok", name)
}

func checkGradients(t *testing.T, cfg ConfigLayer, inShape []int, train bool) {
	q := num.NewDevice(false).NewQueue(2)
	defer q.Shutdown()
	rng := rand.New(rand.NewSource(1))
	layer, err := cfg.Marshal().Unmarshal()
	if err != nil {
		t.Fatal(err)
	}
	layer.Init(q, inShape)
	outShape := layer.OutShape(inShape)
	if l, ok := layer.(ParamLayer); ok {
		l.InitParams(GlorotUniform, rng)
		for _, v := range l.Vars() {
			if v.Trainable() {
				q.Call(num.Write(v.Value, randArray(rng, v.Value.Size(), -0.5, 0.5)))
			}
		}
	}
	input := q.NewArray(num.Float32, inShape...)
	q.Call(num.Write(input, randArray(rng, input.Size(), -1, 1)))
	r := randArray(rng, num.Prod(outShape), -1, 1)
	grad := q.NewArray(num.Float32, outShape...)
	q.Call(num.Write(grad, r))

	layer.Fprop(input, train)
	dx := readArray(q, layer.Bprop(grad))
	var grads [][]float32
	var vars []Var
	if l, ok := layer.(ParamLayer); ok {
		for _, v := range l.Vars() {
			if v.Trainable() {
				vars = append(vars, v)
				grads = append(grads, readArray(q, v.Grad))
			}
		}
	}
	numericGrad(t, q, layer.Type()+"/input", layer, input, input, r, dx, train)
	for i, v := range vars {
		numericGrad(t, q, layer.Type()+"/"+v.Name, layer, input, v.Value, r, grads[i], train)
	}
}

func TestLinearGradient(t *testing.T) {
	checkGradients(t, Linear{Nout: 3, Activ: "tanh"}, []int{4, 3}, true)
}

func TestSigmoidGradient(t *testing.T) {
	checkGradients(t, Activation{Atype: "sigmoid"}, []int{5, 4}, true)
}

func TestBatchNormGradient(t *testing.T) {
	checkGradients(t, BatchNorm{}, []int{4, 6}, true)
}

func TestBatchNormConvGradient(t *testing.T) {
	checkGradients(t, BatchNorm{}, []int{3, 3, 2, 4}, true)
}

func TestBatchNormInferenceGradient(t *testing.T) {
	checkGradients(t, BatchNorm{}, []int{4, 6}, false)
}

func TestConvGradient(t *testing.T) {
	checkGradients(t, Conv{Nfeats: 3, Size: 3, Pad: 1}, []int{5, 5, 2, 2}, true)
}

func TestConvStrideGradient(t *testing.T) {
	checkGradients(t, Conv{Nfeats: 2, Size: 3, Stride: 2}, []int{7, 7, 3, 2}, true)
}

func TestDepthwiseGradient(t *testing.T) {
	checkGradients(t, Depthwise{Size: 3, Pad: 1}, []int{5, 5, 3, 2}, true)
}

func TestAvgPoolGradient(t *testing.T) {
	checkGradients(t, GlobalAvgPool{}, []int{3, 3, 4, 2}, true)
}

func TestLayerNames(t *testing.T) {
	q := num.NewDevice(false).NewQueue(1)
	defer q.Shutdown()
	conf := DefaultConfig.AddLayers(
		Conv{Nfeats: 4, Size: 3, Pad: 1, Activ: "relu"},
		BatchNorm{},
		Depthwise{Size: 3, Pad: 1},
		MaxPool{Size: 2},
		Conv{Nfeats: 8, Size: 1},
		BatchNorm{},
		GlobalAvgPool{},
		Linear{Nout: 10, Activ: "softmax"},
	)
	net := New(q, conf, 2, []int{8, 8, 3})
	expect := []string{"conv2d", "batch_normalization", "depthwise_conv2d", "max_pooling2d", "conv2d_1",
		"batch_normalization_1", "global_average_pooling2d", "dense"}
	for i, name := range expect {
		if net.Names[i] != name {
			t.Errorf("layer %d: got name %s expect %s", i, net.Names[i], name)
		}
	}
	out := net.OutShape()
	if len(out) != 1 || out[0] != 10 {
		t.Errorf("invalid output shape %v", out)
	}
	t.Log("\n" + net.Summary())
}

func TestInvalidLayer(t *testing.T) {
	cfgs := []LayerConfig{
		{Type: "unknown"},
		Linear{Nout: 0}.Marshal(),
		Activation{Atype: "swish"}.Marshal(),
		Conv{Nfeats: 2}.Marshal(),
	}
	for _, c := range cfgs {
		if _, err := c.Unmarshal(); err == nil {
			t.Errorf("expected error for %+v", c)
		} else {
			t.Log(err)
		}
	}
}

func TestSoftmaxHidden(t *testing.T) {
	q := num.NewDevice(false).NewQueue(1)
	defer q.Shutdown()
	l, _ := Activation{Atype: "softmax"}.Marshal().Unmarshal()
	l.Init(q, []int{3, 2})
	grad := q.NewArray(num.Float32, 3, 2)
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for softmax in hidden layer")
		}
	}()
	l.Bprop(grad)
}

func TestInitWeights(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, init := range []InitType{GlorotUniform, LecunNormal, HeNormal, RandomUniform} {
		w := make([]float32, 10000)
		init.Fill(w, 100, 50, rng)
		var sum, sum2 float64
		for _, v := range w {
			sum += float64(v)
			sum2 += float64(v) * float64(v)
		}
		mean := sum / float64(len(w))
		std := math.Sqrt(sum2/float64(len(w)) - mean*mean)
		var expect float64
		switch init {
		case GlorotUniform:
			expect = math.Sqrt(6.0/150) / math.Sqrt(3)
		case LecunNormal:
			expect = math.Sqrt(1.0 / 100)
		case HeNormal:
			expect = math.Sqrt(2.0 / 100)
		case RandomUniform:
			expect = 0.05 / math.Sqrt(3)
		}
		t.Logf("%s: mean=%.4f std=%.4f expect=%.4f", init, mean, std, expect)
		if math.Abs(mean) > 0.01 || math.Abs(std-expect) > 0.1*expect {
			t.Errorf("%s: invalid distribution", init)
		}
		if _, err := ParseInit(init.String()); err != nil {
			t.Error(err)
		}
	}
}
