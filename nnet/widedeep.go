package nnet

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jnb666/handson/num"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RegressionData holds samples with separate wide and deep input features and a single target value.
type RegressionData struct {
	NWide, NDeep int
	Wide         []float32
	Deep         []float32
	Target       []float32
}

func (d *RegressionData) Len() int { return len(d.Target) }

// Subset returns a new data set with the given samples.
func (d *RegressionData) Subset(index []int) *RegressionData {
	s := &RegressionData{NWide: d.NWide, NDeep: d.NDeep,
		Wide: make([]float32, len(index)*d.NWide), Deep: make([]float32, len(index)*d.NDeep), Target: make([]float32, len(index))}
	for i, ix := range index {
		copy(s.Wide[i*d.NWide:(i+1)*d.NWide], d.Wide[ix*d.NWide:])
		copy(s.Deep[i*d.NDeep:(i+1)*d.NDeep], d.Deep[ix*d.NDeep:])
		s.Target[i] = d.Target[ix]
	}
	return s
}

// WideDeep is a model with two inputs: the wide input is concatenated with the output of a stack of
// dense layers applied to the deep input, followed by a single linear output unit.
type WideDeep struct {
	Config
	NWide, NDeep int
	Deep         *Network
	Output       *Network
	queue        num.Queue
	batch        int
	wide, deep   num.Array
	concat       num.Array
	wideGrad     num.Array
	deepGrad     num.Array
	target       num.Array
	losses       num.Array
	total        num.Array
}

// NewWideDeep creates a new model. The config layers are applied to the deep input, the output layer
// is added automatically. The loss is always mse.
func NewWideDeep(q num.Queue, conf Config, nwide, ndeep, batchSize int) *WideDeep {
	conf.Loss = LossMSE
	conf.FlattenInput = false
	m := &WideDeep{Config: conf, NWide: nwide, NDeep: ndeep, queue: q}
	m.Deep = New(q, conf, batchSize, []int{ndeep})
	nhidden := m.Deep.OutShape()[0]
	out := conf.Copy()
	out.Layers = nil
	out = out.AddLayers(Linear{Nout: 1})
	m.Output = New(q, out, batchSize, []int{nwide + nhidden})
	m.Output.Names[0] = "output"
	m.resize(batchSize)
	return m
}

func (m *WideDeep) resize(batchSize int) {
	q := m.queue
	m.batch = batchSize
	nhidden := m.Deep.OutShape()[0]
	m.wide = q.NewArray(num.Float32, m.NWide, batchSize)
	m.deep = q.NewArray(num.Float32, m.NDeep, batchSize)
	m.concat = q.NewArray(num.Float32, m.NWide+nhidden, batchSize)
	m.wideGrad = q.NewArray(num.Float32, m.NWide, batchSize)
	m.deepGrad = q.NewArray(num.Float32, nhidden, batchSize)
	m.target = q.NewArray(num.Float32, 1, batchSize)
	m.losses = q.NewArray(num.Float32, 1, batchSize)
	m.total = q.NewArray(num.Float32)
}

// InitWeights initialises the weights of both the hidden and output layers.
func (m *WideDeep) InitWeights(rng *rand.Rand) {
	m.Deep.InitWeights(rng)
	m.Output.InitWeights(rng)
}

// load a batch of samples starting at index start and return the number loaded
func (m *WideDeep) load(d *RegressionData, start int) int {
	n := d.Len() - start
	if n > m.batch {
		n = m.batch
	}
	m.queue.Call(
		num.Write(num.Head(m.wide, n), d.Wide[start*m.NWide:(start+n)*m.NWide]),
		num.Write(num.Head(m.deep, n), d.Deep[start*m.NDeep:(start+n)*m.NDeep]),
		num.Write(num.Head(m.target, n), d.Target[start:start+n]),
	)
	return n
}

func (m *WideDeep) fprop(n int, train bool) num.Array {
	hidden := m.Deep.Fprop(num.Head(m.deep, n), train)
	concat := num.Head(m.concat, n)
	m.queue.Call(num.Concat(concat, num.Head(m.wide, n), hidden))
	return m.Output.Fprop(concat, train)
}

// total squared error for the batch
func (m *WideDeep) loss(pred num.Array, n int) float64 {
	res := []float32{0}
	m.queue.Call(
		num.QuadraticLoss(pred, num.Head(m.target, n), num.Head(m.losses, n)),
		num.Sum(num.Head(m.losses, n), m.total, 1),
		num.Read(m.total, res),
	).Finish()
	return float64(res[0])
}

// Predict returns the predicted value for each sample.
func (m *WideDeep) Predict(d *RegressionData) []float32 {
	out := make([]float32, d.Len())
	for start := 0; start < d.Len(); start += m.batch {
		n := m.load(d, start)
		pred := m.fprop(n, false)
		m.queue.Call(num.Read(pred, out[start:start+n])).Finish()
	}
	return out
}

// Evaluate returns the mean squared error over the data set.
func (m *WideDeep) Evaluate(d *RegressionData) float64 {
	var total float64
	for start := 0; start < d.Len(); start += m.batch {
		n := m.load(d, start)
		total += m.loss(m.fprop(n, false), n)
	}
	return total / float64(d.Len())
}

func (m *WideDeep) trainable() (params, grads []num.Array) {
	p1, g1 := m.Deep.trainable()
	p2, g2 := m.Output.trainable()
	return append(p1, p2...), append(g1, g2...)
}

// Fit trains the model for MaxEpoch epochs using the mean squared error loss. valid may be nil.
func (m *WideDeep) Fit(ctx context.Context, train, valid *RegressionData, rng *rand.Rand) (*History, error) {
	if train.NWide != m.NWide || train.NDeep != m.NDeep {
		return nil, errors.Errorf("wide & deep: data has %d+%d inputs, expecting %d+%d", train.NWide, train.NDeep, m.NWide, m.NDeep)
	}
	h := &History{Keys: []string{"loss"}}
	if valid != nil {
		h.Keys = append(h.Keys, "val_loss")
	}
	h.Params = map[string]int{"batch_size": m.batch, "epochs": m.MaxEpoch, "samples": train.Len(),
		"steps": (train.Len() + m.batch - 1) / m.batch}
	opt := NewOptimizer(m.Config)
	params, grads := m.trainable()
	start := time.Now()
	for epoch := 1; epoch <= m.MaxEpoch; epoch++ {
		data := train
		if m.Shuffle && rng != nil {
			data = train.Subset(rng.Perm(train.Len()))
		}
		var total float64
		for ix := 0; ix < data.Len(); ix += m.batch {
			if err := ctx.Err(); err != nil {
				return h, err
			}
			n := m.load(data, ix)
			pred := m.fprop(n, true)
			total += m.loss(pred, n)
			dconcat := m.Output.Bprop(m.Output.lossGrad(pred, num.Head(m.target, n)))
			dhidden := num.Head(m.deepGrad, n)
			m.queue.Call(num.Split(dconcat, num.Head(m.wideGrad, n), dhidden))
			m.Deep.Bprop(dhidden)
			opt.Update(m.queue, params, grads, n)
			m.queue.Finish()
		}
		s := Stats{Epoch: epoch, Values: []float64{total / float64(data.Len())}}
		if valid != nil {
			s.Values = append(s.Values, m.Evaluate(valid))
		}
		s.Elapsed = time.Since(start)
		h.add(s)
		if m.LogEvery == 0 || epoch%m.LogEvery == 0 || epoch == m.MaxEpoch {
			klog.Info(h.String())
		}
	}
	return h, nil
}

// Summary returns a Keras style table for the functional model.
func (m *WideDeep) Summary() string {
	var b strings.Builder
	line := strings.Repeat("_", 98) + "\n"
	row := func(name, shape string, params int, conn string) {
		fmt.Fprintf(&b, "%s%s%-10d%s\n", column(name, 33), column(shape, 20), params, conn)
	}
	b.WriteString(line)
	fmt.Fprintf(&b, "%-33s%-20s%-10s%s\n", "Layer (type)", "Output Shape", "Param #", "Connected to")
	b.WriteString(strings.Repeat("=", 98) + "\n")
	row("wide_input (InputLayer)", "["+shapeString([]int{m.NWide})+"]", 0, "")
	b.WriteString(line)
	row("deep_input (InputLayer)", "["+shapeString([]int{m.NDeep})+"]", 0, "")
	b.WriteString(line)
	var total, trainable int
	prev := "deep_input"
	shape := []int{m.NDeep, 1}
	for i, layer := range m.Deep.Layers {
		shape = layer.OutShape(shape)
		params := layerParams(m.Deep, i, &trainable)
		total += params
		row(fmt.Sprintf("%s (%s)", m.Deep.Names[i], layerClass(layer)), shapeString(shape[:len(shape)-1]), params, prev+"[0][0]")
		b.WriteString(line)
		prev = m.Deep.Names[i]
	}
	row("concatenate (Concatenate)", shapeString([]int{m.NWide + shape[0]}), 0, "wide_input[0][0]")
	fmt.Fprintf(&b, "%63s%s\n", "", prev+"[0][0]")
	b.WriteString(line)
	params := layerParams(m.Output, 0, &trainable)
	total += params
	row("output (Dense)", shapeString([]int{1}), params, "concatenate[0][0]")
	b.WriteString(strings.Repeat("=", 98) + "\n")
	fmt.Fprintf(&b, "Total params: %s\n", commas(total))
	fmt.Fprintf(&b, "Trainable params: %s\n", commas(trainable))
	fmt.Fprintf(&b, "Non-trainable params: %s\n", commas(total-trainable))
	b.WriteString(line)
	return b.String()
}

func layerParams(n *Network, layer int, trainable *int) (params int) {
	for _, v := range n.Variables(layer) {
		params += v.Value.Size()
		if v.Trainable() {
			*trainable += v.Value.Size()
		}
	}
	return params
}
