// Package nnet contains routines for constructing, training and testing neural networks.
package nnet

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jnb666/handson/num"
	"k8s.io/klog/v2"
)

// Network type represents a multilayer neural network model.
type Network struct {
	Config
	Layers    []Layer
	Names     []string
	InShape   []int
	BatchSize int
	queue     num.Queue
	frozen    []bool
	classes   num.Array
	diffs     num.Array
	batchErr  num.Array
	batchLoss num.Array
	losses    num.Array
	inputGrad num.Array
}

// New function creates a new network with the given layers. inShape is the shape of a single
// input sample, the batch size is the initial size of the last dimension.
func New(q num.Queue, conf Config, batchSize int, inShape []int) *Network {
	n := &Network{Config: conf, queue: q}
	if conf.FlattenInput {
		n.InShape = []int{num.Prod(inShape)}
	} else {
		n.InShape = append([]int{}, inShape...)
	}
	counts := map[string]int{}
	for i, l := range conf.Layers {
		layer, err := l.Unmarshal()
		if err != nil {
			panic(fmt.Sprintf("layer %d: %s", i, err))
		}
		n.Layers = append(n.Layers, layer)
		n.Names = append(n.Names, layerName(layer.Type(), counts))
	}
	n.frozen = make([]bool, len(n.Layers))
	n.resize(batchSize)
	return n
}

// keras style names: dense, dense_1, dense_2...
func layerName(typ string, counts map[string]int) string {
	c := counts[typ]
	counts[typ]++
	if c == 0 {
		return typ
	}
	return fmt.Sprintf("%s_%d", typ, c)
}

// allocate the layer buffers for a new batch size
func (n *Network) resize(batchSize int) {
	n.BatchSize = batchSize
	shape := append(append([]int{}, n.InShape...), batchSize)
	for i, layer := range n.Layers {
		layer.Init(n.queue, shape)
		shape = layer.OutShape(shape)
		if n.DebugLevel >= 1 {
			klog.Infof("layer %d: %s %v", i, n.Names[i], shape)
		}
	}
	if len(n.Layers) > 0 {
		if l, ok := n.Layers[len(n.Layers)-1].(activated); ok {
			a := l.activation()
			a.output = n.Loss != LossMSE && (a.atype == "softmax" || a.atype == "sigmoid")
		}
	}
	q := n.queue
	nout := num.Prod(shape[:len(shape)-1])
	n.classes = q.NewArray(num.Int32, batchSize)
	n.diffs = q.NewArray(num.Int32, batchSize)
	n.batchErr = q.NewArray(num.Float32)
	n.batchLoss = q.NewArray(num.Float32)
	n.losses = q.NewArray(num.Float32, nout, batchSize)
	n.inputGrad = q.NewArray(num.Float32, nout, batchSize)
}

// Queue returns the queue used for the network operations.
func (n *Network) Queue() num.Queue { return n.queue }

// OutShape returns the shape of the network output for a single sample.
func (n *Network) OutShape() []int {
	shape := append(append([]int{}, n.InShape...), 1)
	for _, layer := range n.Layers {
		shape = layer.OutShape(shape)
	}
	return shape[:len(shape)-1]
}

// Initialise network weights using the configured distribution.
func (n *Network) InitWeights(rng *rand.Rand) {
	init, err := ParseInit(n.WeightInit)
	if err != nil {
		init = GlorotUniform
	}
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			l.InitParams(init, rng)
		}
	}
	if n.DebugLevel >= 2 {
		n.PrintWeights()
	}
}

// Copy weights and bias arrays for the first nlayers layers to the destination net, or all
// layers if nlayers is zero.
func (n *Network) CopyTo(net *Network, nlayers int) {
	if nlayers <= 0 || nlayers > len(n.Layers) {
		nlayers = len(n.Layers)
	}
	for i := 0; i < nlayers; i++ {
		src, ok1 := n.Layers[i].(ParamLayer)
		dst, ok2 := net.Layers[i].(ParamLayer)
		if !ok1 || !ok2 {
			continue
		}
		sv, dv := src.Vars(), dst.Vars()
		for j := range sv {
			n.queue.Call(num.Copy(dv[j].Value, sv[j].Value))
		}
	}
	n.queue.Finish()
}

// Freeze marks the given layers as not trainable.
func (n *Network) Freeze(layers ...int) {
	for _, i := range layers {
		n.frozen[i] = true
	}
}

// FreezeTo marks the first nlayers layers as not trainable.
func (n *Network) FreezeTo(nlayers int) {
	for i := 0; i < nlayers && i < len(n.frozen); i++ {
		n.frozen[i] = true
	}
}

// Unfreeze marks all layers as trainable.
func (n *Network) Unfreeze() {
	for i := range n.frozen {
		n.frozen[i] = false
	}
}

func (n *Network) IsFrozen(layer int) bool { return n.frozen[layer] }

// Feed forward the input to get the predicted output. If train is set then the batch norm
// layers use the batch statistics.
func (n *Network) Fprop(input num.Array, train bool) num.Array {
	dims := input.Dims()
	batch := dims[len(dims)-1]
	if batch != n.BatchSize {
		n.resize(batch)
	}
	pred := input.Reshape(append(append([]int{}, n.InShape...), batch)...)
	for i, layer := range n.Layers {
		if n.DebugLevel >= 3 {
			fmt.Printf("layer %d input\n%s", i, pred.String(n.queue))
		}
		pred = layer.Fprop(pred, train && !n.frozen[i])
	}
	return pred
}

// Back propagate the gradient at the output through the network to update the parameter gradients.
// Stops at the first trainable layer and returns the gradient at its input.
func (n *Network) Bprop(grad num.Array) num.Array {
	first := 0
	for first < len(n.frozen) && n.frozen[first] {
		first++
	}
	for i := len(n.Layers) - 1; i >= first; i-- {
		grad = n.Layers[i].Bprop(grad)
		if n.DebugLevel >= 3 {
			fmt.Printf("layer %d bprop output:\n%s", i, grad.String(n.queue))
		}
	}
	return grad
}

// Loss function for the output, one value per output element
func (n *Network) lossFunc(yOneHot, yPred, res num.Array) num.Function {
	switch n.Loss {
	case LossMSE:
		return num.QuadraticLoss(yPred, yOneHot, res)
	case LossBinary:
		return num.BinaryLoss(yOneHot, yPred, res)
	default:
		return num.SoftmaxLoss(yOneHot, yPred, res)
	}
}

// Classifier returns true if the loss function is for a classification task.
func (n *Network) Classifier() bool { return n.Loss != LossMSE }

// TrainStep runs forward and back propagation for one batch and returns the total loss and number
// of errors over the batch. The parameter gradients are the sum over the batch.
func (n *Network) TrainStep(x, y, yOneHot num.Array) (loss, errors float64) {
	q := n.queue
	yPred := n.Fprop(x, true)
	if n.DebugLevel >= 2 {
		fmt.Printf("yOneHot:\n%s", yOneHot.String(q))
		fmt.Printf("yPred:\n%s", yPred.String(q))
	}
	loss, errors = n.batchStats(y, yOneHot, yPred)
	n.Bprop(n.lossGrad(yPred, yOneHot))
	return loss, errors
}

// gradient of the loss with respect to the output. For softmax and sigmoid outputs this is combined
// with the activation derivative.
func (n *Network) lossGrad(yPred, target num.Array) num.Array {
	grad := num.Head(n.inputGrad, yPred.Dims()[1])
	n.queue.Call(
		num.Copy(grad, yPred),
		num.Axpy(-1, target, grad),
	)
	if n.Loss == LossMSE {
		n.queue.Call(num.Scale(2, grad))
	}
	return grad
}

// get the total loss and number of errors for the batch
func (n *Network) batchStats(y, yOneHot, yPred num.Array) (loss, errors float64) {
	q := n.queue
	batch := yPred.Dims()[1]
	losses := num.Head(n.losses, batch)
	res := []float32{0, 0}
	q.Call(
		n.lossFunc(yOneHot, yPred, losses),
		num.Sum(losses, n.batchLoss, 1),
		num.Read(n.batchLoss, res[:1]),
	)
	if n.Classifier() {
		classes, diffs := num.Head(n.classes, batch), num.Head(n.diffs, batch)
		q.Call(
			num.Unhot(yPred, classes),
			num.Neq(classes, y, diffs),
			num.Sum(diffs, n.batchErr, 1),
			num.Read(n.batchErr, res[1:]),
		)
	}
	q.Finish()
	return float64(res[0]), float64(res[1])
}

// Predict output given input data, if classes is not nil the predicted classes are set.
func (n *Network) Predict(input, classes num.Array) num.Array {
	yPred := n.Fprop(input, false)
	if n.DebugLevel >= 2 {
		fmt.Printf("yPred\n%s", yPred.String(n.queue))
	}
	if classes != nil {
		n.queue.Call(num.Unhot(yPred, classes))
	}
	return yPred
}

// Evaluate returns the mean loss and the accuracy over the dataset. If pred is not nil it is set
// to the predicted class for each sample.
func (n *Network) Evaluate(dset *Dataset, pred []int32) (loss, accuracy float64) {
	var totalLoss, totalErr float64
	dset.NextEpoch()
	for batch := 0; batch < dset.Batches; batch++ {
		x, y, yOneHot := dset.NextBatch()
		yPred := n.Fprop(x, false)
		l, e := n.batchStats(y, yOneHot, yPred)
		totalLoss += l
		totalErr += e
		if pred != nil && n.Classifier() {
			start := batch * dset.BatchSize
			n.queue.Call(num.Read(num.Head(n.classes, y.Size()), pred[start:start+y.Size()])).Finish()
		}
		if n.DebugLevel >= 2 {
			fmt.Printf("batch %d loss=%.4f errors=%.0f\n", batch, l, e)
		}
	}
	samples := float64(dset.Samples)
	return totalLoss / samples, 1 - totalErr/samples
}

// pad or truncate a summary table entry to the column width, leaving at least one space
func column(s string, width int) string {
	if len(s) >= width {
		return s[:width-1] + " "
	}
	return s + strings.Repeat(" ", width-len(s))
}

// Summary returns a table with the output shape and number of parameters for each layer.
func (n *Network) Summary() string {
	var b strings.Builder
	line := strings.Repeat("_", 65) + "\n"
	b.WriteString(line)
	fmt.Fprintf(&b, "%-29s%-26s%s\n", "Layer (type)", "Output Shape", "Param #")
	b.WriteString(strings.Repeat("=", 65) + "\n")
	shape := append(append([]int{}, n.InShape...), 1)
	var total, trainable int
	for i, layer := range n.Layers {
		shape = layer.OutShape(shape)
		params := 0
		for _, v := range n.Variables(i) {
			params += v.Value.Size()
			if v.Trainable() {
				trainable += v.Value.Size()
			}
		}
		total += params
		name := fmt.Sprintf("%s (%s)", n.Names[i], layerClass(layer))
		fmt.Fprintf(&b, "%s%s%d\n", column(name, 29), column(shapeString(shape[:len(shape)-1]), 26), params)
		if i < len(n.Layers)-1 {
			b.WriteString(line)
		}
	}
	b.WriteString(strings.Repeat("=", 65) + "\n")
	fmt.Fprintf(&b, "Total params: %s\n", commas(total))
	fmt.Fprintf(&b, "Trainable params: %s\n", commas(trainable))
	fmt.Fprintf(&b, "Non-trainable params: %s\n", commas(total-trainable))
	b.WriteString(line)
	return b.String()
}

// Params returns the total, trainable and non-trainable parameter counts.
func (n *Network) Params() (total, trainable, nonTrainable int) {
	for i := range n.Layers {
		for _, v := range n.Variables(i) {
			total += v.Value.Size()
			if v.Trainable() {
				trainable += v.Value.Size()
			}
		}
	}
	return total, trainable, total - trainable
}

// Variables returns the variables for the given layer named as layer/variable. The gradient is nil
// for non-trainable variables, or if the layer is frozen.
func (n *Network) Variables(layer int) []Var {
	l, ok := n.Layers[layer].(ParamLayer)
	if !ok {
		return nil
	}
	vars := l.Vars()
	for i := range vars {
		vars[i].Name = n.Names[layer] + "/" + vars[i].Name + ":0"
		if n.frozen[layer] {
			vars[i].Grad = nil
		}
	}
	return vars
}

// trainable parameters and their gradients
func (n *Network) trainable() (params, grads []num.Array) {
	for i := range n.Layers {
		for _, v := range n.Variables(i) {
			if v.Trainable() {
				params = append(params, v.Value)
				grads = append(grads, v.Grad)
			}
		}
	}
	return
}

// Weights returns a copy of all of the layer variables.
func (n *Network) Weights() [][]float32 {
	var w [][]float32
	for i := range n.Layers {
		for _, v := range n.Variables(i) {
			buf := make([]float32, v.Value.Size())
			n.queue.Call(num.Read(v.Value, buf))
			w = append(w, buf)
		}
	}
	n.queue.Finish()
	return w
}

// SetWeights restores the variables saved with Weights.
func (n *Network) SetWeights(w [][]float32) {
	j := 0
	for i := range n.Layers {
		for _, v := range n.Variables(i) {
			n.queue.Call(num.Write(v.Value, w[j]))
			j++
		}
	}
	n.queue.Finish()
}

// Print network description
func (n *Network) String() string {
	s := make([]string, len(n.Layers))
	shape := append(append([]int{}, n.InShape...), n.BatchSize)
	for i, layer := range n.Layers {
		frozen := ""
		if n.frozen[i] {
			frozen = " (frozen)"
		}
		s[i] = fmt.Sprintf("%2d: %-20s %-40s %v%s", i, n.Names[i], layer.ToString(), shape, frozen)
		shape = layer.OutShape(shape)
	}
	return fmt.Sprintf("%s\n== Network ==\n%s", n.Config.configString(), strings.Join(s, "\n"))
}

// Print network weights
func (n *Network) PrintWeights() {
	for i := range n.Layers {
		for _, v := range n.Variables(i) {
			fmt.Printf("== %s ==\n%s\n", v.Name, v.Value.String(n.queue))
		}
	}
}

// NewRand returns a random number generator with the given seed, or a random seed if seed <= 0
func NewRand(seed int64) *rand.Rand {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	klog.V(1).Infof("random seed = %d", seed)
	return rand.New(rand.NewSource(seed))
}

func layerClass(l Layer) string {
	switch l.(type) {
	case *flatten:
		return "Flatten"
	case *linear:
		return "Dense"
	case *activation:
		return "Activation"
	case *batchNorm:
		return "BatchNormalization"
	case *conv:
		return "Conv2D"
	case *depthwise:
		return "DepthwiseConv2D"
	case *maxPool:
		return "MaxPooling2D"
	case *avgPool:
		return "GlobalAveragePooling2D"
	}
	return l.Type()
}

func shapeString(shape []int) string {
	s := make([]string, len(shape))
	for i, d := range shape {
		s[i] = fmt.Sprint(d)
	}
	return "(None, " + strings.Join(s, ", ") + ")"
}

func commas(n int) string {
	s := fmt.Sprint(n)
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}
