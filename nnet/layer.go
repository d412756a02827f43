package nnet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/jnb666/handson/num"
	"github.com/pkg/errors"
)

// Layer interface type represents one layer of the neural net.
type Layer interface {
	// Init allocates the layer buffers given the input shape with the batch size as the last dimension.
	// It is called again if the batch size changes, any parameters are preserved.
	Init(q num.Queue, inShape []int) Layer
	OutShape(inShape []int) []int
	Fprop(in num.Array, train bool) num.Array
	Bprop(grad num.Array) num.Array
	Type() string
	ToString() string
}

// ParamLayer is a layer with weight and bias parameters
type ParamLayer interface {
	Layer
	InitParams(init InitType, rng *rand.Rand)
	Vars() []Var
}

// Var is a named layer variable. Non-trainable variables such as the batch norm moving averages have
// no gradient.
type Var struct {
	Name  string
	Value num.Array
	Grad  num.Array
}

func (v Var) Trainable() bool { return v.Grad != nil }

// activated is implemented by layers with a built in activation function
type activated interface {
	activation() *activator
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() (Layer, error) {
	var cfg interface {
		build() (Layer, error)
	}
	switch l.Type {
	case "flatten":
		cfg = new(Flatten)
	case "linear":
		cfg = new(Linear)
	case "activation":
		cfg = new(Activation)
	case "batchNorm":
		cfg = new(BatchNorm)
	case "conv":
		cfg = new(Conv)
	case "depthwise":
		cfg = new(Depthwise)
	case "maxPool":
		cfg = new(MaxPool)
	case "globalAvgPool":
		cfg = new(GlobalAvgPool)
	default:
		return nil, errors.Errorf("invalid layer type: %q", l.Type)
	}
	if len(l.Data) > 0 {
		if err := json.Unmarshal(l.Data, cfg); err != nil {
			return nil, errors.Wrapf(err, "decode %s layer", l.Type)
		}
	}
	return cfg.build()
}

func (l LayerConfig) String() string {
	layer, err := l.Unmarshal()
	if err != nil {
		return err.Error()
	}
	return layer.ToString()
}

// Flatten layer reshapes from 4 to 2 dimensions.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

func (c Flatten) build() (Layer, error) { return &flatten{}, nil }

// Linear fully connected layer, implements ParamLayer interface. Activ is an optional activation
// function applied to the output.
type Linear struct {
	Nout  int
	Activ string `json:",omitempty"`
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

func (c Linear) build() (Layer, error) {
	if c.Nout < 1 {
		return nil, errors.Errorf("linear layer: invalid number of outputs %d", c.Nout)
	}
	act, err := newActivator(c.Activ)
	if err != nil {
		return nil, err
	}
	return &linear{Linear: c, act: act}, nil
}

// Sigmoid, tanh, relu, softmax or linear activation layer.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

func (c Activation) build() (Layer, error) {
	act, err := newActivator(c.Atype)
	if err != nil {
		return nil, err
	}
	return &activation{Activation: c, activator: act}, nil
}

// BatchNorm layer normalises each feature or channel over the batch. Defaults are Momentum=0.99 and Epsilon=0.001.
type BatchNorm struct {
	Momentum float64
	Epsilon  float64
}

func (c BatchNorm) Marshal() LayerConfig {
	if c.Momentum == 0 {
		c.Momentum = 0.99
	}
	if c.Epsilon == 0 {
		c.Epsilon = 0.001
	}
	return LayerConfig{Type: "batchNorm", Data: marshal(c)}
}

func (c BatchNorm) ToString() string {
	return fmt.Sprintf("batchNorm %+v", c)
}

func (c BatchNorm) build() (Layer, error) {
	if c.Momentum < 0 || c.Momentum >= 1 {
		return nil, errors.Errorf("batchNorm layer: invalid momentum %g", c.Momentum)
	}
	return &batchNorm{BatchNorm: c}, nil
}

// Convolutional layer, implements ParamLayer interface.
type Conv struct {
	Nfeats, Size, Stride, Pad int
	Activ                     string `json:",omitempty"`
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

func (c Conv) build() (Layer, error) {
	if c.Nfeats < 1 || c.Size < 1 {
		return nil, errors.Errorf("conv layer: invalid settings %+v", c)
	}
	act, err := newActivator(c.Activ)
	if err != nil {
		return nil, err
	}
	return &conv{Conv: c, act: act}, nil
}

// Depthwise convolution layer applies a separate filter to each input channel.
type Depthwise struct {
	Size, Stride, Pad int
	Activ             string `json:",omitempty"`
}

func (c Depthwise) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "depthwise", Data: marshal(c)}
}

func (c Depthwise) ToString() string {
	return fmt.Sprintf("depthwise %+v", c)
}

func (c Depthwise) build() (Layer, error) {
	if c.Size < 1 {
		return nil, errors.Errorf("depthwise layer: invalid settings %+v", c)
	}
	act, err := newActivator(c.Activ)
	if err != nil {
		return nil, err
	}
	return &depthwise{Depthwise: c, act: act}, nil
}

// Max pooling layer, should follow conv layer.
type MaxPool struct {
	Size, Stride int
}

func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

func (c MaxPool) ToString() string {
	return fmt.Sprintf("maxPool %+v", c)
}

func (c MaxPool) build() (Layer, error) {
	if c.Size < 1 {
		return nil, errors.Errorf("maxPool layer: invalid size %d", c.Size)
	}
	return &maxPool{MaxPool: c}, nil
}

// GlobalAvgPool layer averages each channel over the height and width.
type GlobalAvgPool struct{}

func (c GlobalAvgPool) Marshal() LayerConfig {
	return LayerConfig{Type: "globalAvgPool"}
}

func (c GlobalAvgPool) build() (Layer, error) { return &avgPool{}, nil }

// activation function applied to the output of a layer
type activator struct {
	atype  string
	output bool
	queue  num.Queue
	dst    num.Array
	dsrc   num.Array
	fn     func(x, y num.Array) num.Function
	deriv  func(y, grad, dx num.Array) num.Function
}

func newActivator(atype string) (*activator, error) {
	a := &activator{atype: atype}
	switch atype {
	case "", "linear":
		a.atype = "linear"
	case "sigmoid":
		a.fn, a.deriv = num.Sigmoid, num.SigmoidD
	case "tanh":
		a.fn, a.deriv = num.Tanh, num.TanhD
	case "relu":
		a.fn, a.deriv = num.Relu, num.ReluD
	case "softmax":
		a.fn = num.Softmax
	default:
		return nil, errors.Errorf("activation type %q invalid", atype)
	}
	return a, nil
}

func (a *activator) activation() *activator { return a }

func (a *activator) identity() bool { return a.fn == nil }

func (a *activator) init(q num.Queue, shape []int) {
	a.queue = q
	if a.identity() {
		return
	}
	a.dst = q.NewArray(num.Float32, shape...)
	a.dsrc = q.NewArray(num.Float32, shape...)
}

func (a *activator) fprop(in num.Array) num.Array {
	if a.identity() {
		return in
	}
	if a.atype == "softmax" {
		dims := in.Dims()
		a.queue.Call(num.Softmax(in.Reshape(-1, dims[len(dims)-1]), a.dst.Reshape(-1, dims[len(dims)-1])))
		return a.dst
	}
	a.queue.Call(a.fn(in, a.dst))
	return a.dst
}

// the output layer activation is combined with the loss function so the gradient is passed through
func (a *activator) bprop(grad num.Array) num.Array {
	if a.identity() || a.output {
		return grad
	}
	if a.deriv == nil {
		panic(a.atype + " activation is only supported for the output layer")
	}
	a.queue.Call(a.deriv(a.dst, grad, a.dsrc))
	return a.dsrc
}

// activation layer
type activation struct {
	Activation
	*activator
}

func (l *activation) Type() string { return "activation" }

func (l *activation) OutShape(inShape []int) []int { return inShape }

func (l *activation) Init(q num.Queue, inShape []int) Layer {
	l.activator.init(q, inShape)
	return l
}

func (l *activation) Fprop(in num.Array, train bool) num.Array { return l.fprop(in) }

func (l *activation) Bprop(grad num.Array) num.Array { return l.bprop(grad) }

// flatten layer
type flatten struct {
	src num.Array
}

func (l *flatten) Type() string { return "flatten" }

func (l *flatten) ToString() string { return "flatten" }

func (l *flatten) OutShape(inShape []int) []int {
	n := len(inShape) - 1
	return []int{num.Prod(inShape[:n]), inShape[n]}
}

func (l *flatten) Init(q num.Queue, inShape []int) Layer { return l }

func (l *flatten) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	dims := in.Dims()
	return in.Reshape(-1, dims[len(dims)-1])
}

func (l *flatten) Bprop(grad num.Array) num.Array {
	return grad.Reshape(l.src.Dims()...)
}

// linear layer implementation
type linear struct {
	Linear
	layerBase
	paramBase
	act  *activator
	ones num.Array
	bias num.Array
}

func (l *linear) Type() string { return "dense" }

func (l *linear) activation() *activator { return l.act }

func (l *linear) OutShape(inShape []int) []int {
	return []int{l.Nout, inShape[len(inShape)-1]}
}

func (l *linear) Init(q num.Queue, inShape []int) Layer {
	if len(inShape) != 2 {
		panic(fmt.Sprintf("Linear: expect 2 dimensional input, got %v", inShape))
	}
	nIn, nBatch := inShape[0], inShape[1]
	l.layerBase = newLayerBase(q, inShape, l.OutShape(inShape))
	l.paramBase.alloc(q, []int{nIn, l.Nout}, []int{l.Nout}, nIn, l.Nout)
	l.ones = q.NewArray(num.Float32, nBatch)
	l.bias = l.b.Reshape(l.Nout, 1)
	l.act.init(q, l.OutShape(inShape))
	q.Call(num.Fill(l.ones, 1))
	return l
}

func (l *linear) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	l.queue.Call(
		num.Copy(l.dst, l.bias),
		num.Gemm(1, 1, l.w, l.src, l.dst, num.Trans, num.NoTrans),
	)
	return l.act.fprop(l.dst)
}

func (l *linear) Bprop(grad num.Array) num.Array {
	grad = l.act.bprop(grad)
	l.queue.Call(
		num.Gemv(1, 0, grad, l.ones, l.db, num.NoTrans),
		num.Gemm(1, 0, l.src, grad, l.dw, num.NoTrans, num.Trans),
		num.Gemm(1, 0, l.w, grad, l.dsrc, num.NoTrans, num.NoTrans),
	)
	return l.dsrc
}

func (l *linear) Vars() []Var {
	return []Var{{"kernel", l.w, l.dw}, {"bias", l.b, l.db}}
}

// batch normalisation layer implementation
type batchNorm struct {
	BatchNorm
	layerBase
	queue       num.Queue
	kernel      *num.BatchNorm
	gamma, beta num.Array
	dg, db      num.Array
	mean, vari  num.Array
}

func (l *batchNorm) Type() string { return "batch_normalization" }

func (l *batchNorm) OutShape(inShape []int) []int { return inShape }

func (l *batchNorm) Init(q num.Queue, inShape []int) Layer {
	l.queue = q
	l.layerBase = newLayerBase(q, inShape, inShape)
	l.kernel = num.NewBatchNorm(inShape)
	if l.gamma == nil {
		n := l.kernel.Channels()
		l.gamma, l.beta = q.NewArray(num.Float32, n), q.NewArray(num.Float32, n)
		l.dg, l.db = q.NewArray(num.Float32, n), q.NewArray(num.Float32, n)
		l.mean, l.vari = q.NewArray(num.Float32, n), q.NewArray(num.Float32, n)
		l.InitParams(GlorotUniform, nil)
	}
	return l
}

func (l *batchNorm) InitParams(init InitType, rng *rand.Rand) {
	l.queue.Call(
		num.Fill(l.gamma, 1),
		num.Fill(l.beta, 0),
		num.Fill(l.mean, 0),
		num.Fill(l.vari, 1),
	)
}

func (l *batchNorm) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	l.queue.Call(num.BatchNormFprop(l.kernel, in, l.dst, l.gamma, l.beta, l.mean, l.vari,
		float32(l.Momentum), float32(l.Epsilon), train))
	return l.dst
}

func (l *batchNorm) Bprop(grad num.Array) num.Array {
	l.queue.Call(num.BatchNormBprop(l.kernel, grad, l.dsrc, l.gamma, l.dg, l.db))
	return l.dsrc
}

func (l *batchNorm) Vars() []Var {
	return []Var{
		{"gamma", l.gamma, l.dg},
		{"beta", l.beta, l.db},
		{"moving_mean", l.mean, nil},
		{"moving_variance", l.vari, nil},
	}
}

// convolutional layer implementation
type conv struct {
	Conv
	layerBase
	paramBase
	act    *activator
	kernel *num.Conv
}

func (l *conv) Type() string { return "conv2d" }

func (l *conv) activation() *activator { return l.act }

func (l *conv) OutShape(inShape []int) []int {
	return convShape(inShape, l.Nfeats, l.Size, l.Stride, l.Pad)
}

func (l *conv) Init(q num.Queue, inShape []int) Layer {
	if len(inShape) != 4 {
		panic(fmt.Sprintf("Conv: expect 4 dimensional input, got %v", inShape))
	}
	l.kernel = num.NewConv(inShape, l.Nfeats, l.Size, l.Stride, l.Pad)
	l.layerBase = newLayerBase(q, inShape, l.kernel.OutShape())
	area := l.Size * l.Size
	l.paramBase.alloc(q, l.kernel.FilterShape(), []int{l.Nfeats}, area*inShape[2], area*l.Nfeats)
	l.act.init(q, l.kernel.OutShape())
	return l
}

func (l *conv) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	l.queue.Call(num.ConvFprop(l.kernel, in, l.w, l.b, l.dst))
	return l.act.fprop(l.dst)
}

func (l *conv) Bprop(grad num.Array) num.Array {
	grad = l.act.bprop(grad)
	l.queue.Call(num.ConvBprop(l.kernel, l.src, l.w, grad, l.dsrc, l.dw, l.db))
	return l.dsrc
}

func (l *conv) Vars() []Var {
	return []Var{{"kernel", l.w, l.dw}, {"bias", l.b, l.db}}
}

// depthwise convolution layer implementation
type depthwise struct {
	Depthwise
	layerBase
	paramBase
	act    *activator
	kernel *num.Depthwise
}

func (l *depthwise) Type() string { return "depthwise_conv2d" }

func (l *depthwise) activation() *activator { return l.act }

func (l *depthwise) OutShape(inShape []int) []int {
	return convShape(inShape, inShape[2], l.Size, l.Stride, l.Pad)
}

func (l *depthwise) Init(q num.Queue, inShape []int) Layer {
	if len(inShape) != 4 {
		panic(fmt.Sprintf("Depthwise: expect 4 dimensional input, got %v", inShape))
	}
	l.kernel = num.NewDepthwise(inShape, l.Size, l.Stride, l.Pad)
	l.layerBase = newLayerBase(q, inShape, l.kernel.OutShape())
	area := l.Size * l.Size
	l.paramBase.alloc(q, l.kernel.FilterShape(), []int{inShape[2]}, area, area)
	l.act.init(q, l.kernel.OutShape())
	return l
}

func (l *depthwise) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	l.queue.Call(num.DepthwiseFprop(l.kernel, in, l.w, l.b, l.dst))
	return l.act.fprop(l.dst)
}

func (l *depthwise) Bprop(grad num.Array) num.Array {
	grad = l.act.bprop(grad)
	l.queue.Call(num.DepthwiseBprop(l.kernel, l.src, l.w, grad, l.dsrc, l.dw, l.db))
	return l.dsrc
}

func (l *depthwise) Vars() []Var {
	return []Var{{"depthwise_kernel", l.w, l.dw}, {"bias", l.b, l.db}}
}

// max pooling layer implementation
type maxPool struct {
	MaxPool
	layerBase
	queue  num.Queue
	kernel *num.MaxPool
}

func (l *maxPool) Type() string { return "max_pooling2d" }

func (l *maxPool) OutShape(inShape []int) []int {
	stride := l.Stride
	if stride < 1 {
		stride = l.Size
	}
	return []int{(inShape[0]-l.Size)/stride + 1, (inShape[1]-l.Size)/stride + 1, inShape[2], inShape[3]}
}

func (l *maxPool) Init(q num.Queue, inShape []int) Layer {
	if len(inShape) != 4 {
		panic(fmt.Sprintf("MaxPool: expect 4 dimensional input, got %v", inShape))
	}
	l.queue = q
	l.kernel = num.NewMaxPool(inShape, l.Size, l.Stride)
	l.layerBase = newLayerBase(q, inShape, l.kernel.OutShape())
	return l
}

func (l *maxPool) Fprop(in num.Array, train bool) num.Array {
	l.queue.Call(num.MaxPoolFprop(l.kernel, in, l.dst))
	return l.dst
}

func (l *maxPool) Bprop(grad num.Array) num.Array {
	l.queue.Call(num.MaxPoolBprop(l.kernel, grad, l.dsrc))
	return l.dsrc
}

// global average pooling layer implementation
type avgPool struct {
	layerBase
	queue num.Queue
}

func (l *avgPool) Type() string { return "global_average_pooling2d" }

func (l *avgPool) ToString() string { return "globalAvgPool" }

func (l *avgPool) OutShape(inShape []int) []int { return inShape[2:] }

func (l *avgPool) Init(q num.Queue, inShape []int) Layer {
	if len(inShape) != 4 {
		panic(fmt.Sprintf("GlobalAvgPool: expect 4 dimensional input, got %v", inShape))
	}
	l.queue = q
	l.layerBase = newLayerBase(q, inShape, l.OutShape(inShape))
	return l
}

func (l *avgPool) Fprop(in num.Array, train bool) num.Array {
	l.queue.Call(num.AvgPoolFprop(in, l.dst))
	return l.dst
}

func (l *avgPool) Bprop(grad num.Array) num.Array {
	l.queue.Call(num.AvgPoolBprop(grad, l.dsrc))
	return l.dsrc
}

// output shape of a convolution with the given number of features
func convShape(inShape []int, nfeats, size, stride, pad int) []int {
	if stride < 1 {
		stride = 1
	}
	return []int{(inShape[0]+2*pad-size)/stride + 1, (inShape[1]+2*pad-size)/stride + 1, nfeats, inShape[3]}
}

// base layer type with output and input gradient buffers
type layerBase struct {
	src  num.Array
	dst  num.Array
	dsrc num.Array
}

func newLayerBase(q num.Queue, inShape, outShape []int) layerBase {
	return layerBase{
		dst:  q.NewArray(num.Float32, outShape...),
		dsrc: q.NewArray(num.Float32, inShape...),
	}
}

// weight and bias parameters, allocated on first use
type paramBase struct {
	queue         num.Queue
	w, b          num.Array
	dw, db        num.Array
	fanIn, fanOut int
}

func (p *paramBase) alloc(q num.Queue, wShape, bShape []int, fanIn, fanOut int) {
	p.queue = q
	if p.w != nil {
		return
	}
	p.w, p.dw = q.NewArray(num.Float32, wShape...), q.NewArray(num.Float32, wShape...)
	p.b, p.db = q.NewArray(num.Float32, bShape...), q.NewArray(num.Float32, bShape...)
	p.fanIn, p.fanOut = fanIn, fanOut
}

// InitParams sets random weights and zero bias
func (p *paramBase) InitParams(init InitType, rng *rand.Rand) {
	weights := make([]float32, p.w.Size())
	init.Fill(weights, p.fanIn, p.fanOut, rng)
	p.queue.Call(
		num.Write(p.w, weights),
		num.Fill(p.b, 0),
	)
}

// Weight initialisation schemes
type InitType int

const (
	GlorotUniform InitType = iota
	LecunNormal
	HeNormal
	RandomUniform
)

var initNames = []string{"glorot_uniform", "lecun_normal", "he_normal", "random_uniform"}

func (t InitType) String() string { return initNames[t] }

// ParseInit gets the weight initialisation type from its name.
func ParseInit(name string) (InitType, error) {
	for i, n := range initNames {
		if strings.EqualFold(name, n) {
			return InitType(i), nil
		}
	}
	return 0, errors.Errorf("invalid weight initialisation %q", name)
}

// stddev of a unit normal truncated to [-2, 2]
const truncatedStd = 0.87962566103423978

// Fill sets random weights scaled according to the number of inputs and outputs.
func (t InitType) Fill(w []float32, fanIn, fanOut int, rng *rand.Rand) {
	switch t {
	case GlorotUniform:
		limit := math.Sqrt(6 / float64(fanIn+fanOut))
		for i := range w {
			w[i] = float32((2*rng.Float64() - 1) * limit)
		}
	case LecunNormal, HeNormal:
		scale := 1.0
		if t == HeNormal {
			scale = 2
		}
		std := math.Sqrt(scale/float64(fanIn)) / truncatedStd
		for i := range w {
			x := rng.NormFloat64()
			for math.Abs(x) > 2 {
				x = rng.NormFloat64()
			}
			w[i] = float32(x * std)
		}
	case RandomUniform:
		for i := range w {
			w[i] = float32((2*rng.Float64() - 1) * 0.05)
		}
	}
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
