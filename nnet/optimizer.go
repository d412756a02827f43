package nnet

import (
	"github.com/jnb666/handson/num"
)

// Optimizer updates the network parameters from the gradients summed over a batch.
type Optimizer interface {
	Update(q num.Queue, params, grads []num.Array, batchSize int)
}

// NewOptimizer creates a new optimiser from the config settings.
func NewOptimizer(c Config) Optimizer {
	if c.Optimizer == "adam" {
		return &Adam{Eta: c.Eta, Beta1: c.Beta1, Beta2: c.Beta2, Epsilon: c.Epsilon}
	}
	return &SGD{Eta: c.Eta, Momentum: c.Momentum, Lambda: c.Lambda}
}

// SGD is stochastic gradient descent with optional momentum and L2 weight decay.
type SGD struct {
	Eta      float64
	Momentum float64
	Lambda   float64
	velocity map[num.Array]num.Array
}

func (o *SGD) Update(q num.Queue, params, grads []num.Array, batchSize int) {
	scale := 1 / float32(batchSize)
	for i, w := range params {
		dw := grads[i]
		if o.Lambda != 0 {
			q.Call(num.Axpy(float32(o.Lambda)*float32(batchSize), w, dw))
		}
		if o.Momentum == 0 {
			q.Call(num.Axpy(-float32(o.Eta)*scale, dw, w))
			continue
		}
		if o.velocity == nil {
			o.velocity = make(map[num.Array]num.Array)
		}
		v, ok := o.velocity[w]
		if !ok {
			v = q.NewArrayLike(w)
			o.velocity[w] = v
		}
		q.Call(
			num.Scale(float32(o.Momentum), v),
			num.Axpy(-float32(o.Eta)*scale, dw, v),
			num.Axpy(1, v, w),
		)
	}
}

// Adam optimiser with bias corrected moment estimates.
type Adam struct {
	Eta     float64
	Beta1   float64
	Beta2   float64
	Epsilon float64
	step    int
	moments map[num.Array][2]num.Array
}

func (o *Adam) Update(q num.Queue, params, grads []num.Array, batchSize int) {
	if o.moments == nil {
		o.moments = make(map[num.Array][2]num.Array)
	}
	o.step++
	for i, w := range params {
		m, ok := o.moments[w]
		if !ok {
			m = [2]num.Array{q.NewArrayLike(w), q.NewArrayLike(w)}
			o.moments[w] = m
		}
		q.Call(
			num.Scale(1/float32(batchSize), grads[i]),
			num.AdamUpdate(w, grads[i], m[0], m[1], o.step, float32(o.Eta), float32(o.Beta1), float32(o.Beta2), float32(o.Epsilon)),
		)
	}
}
