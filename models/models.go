// Package models has the network definitions used by the experiments.
package models

import (
	"github.com/jnb666/handson/nnet"
)

// FashionMLP is the sequential classifier for Fashion-MNIST with two hidden layers.
func FashionMLP() nnet.Config {
	c := nnet.DefaultConfig
	c.DataSet = "fashion_mnist"
	c.MaxEpoch = 30
	return c.AddLayers(
		nnet.Flatten{},
		nnet.Linear{Nout: 300, Activ: "relu"},
		nnet.Linear{Nout: 100, Activ: "relu"},
		nnet.Linear{Nout: 10, Activ: "softmax"},
	)
}

// BatchNormMLP is the Fashion-MNIST classifier with batch normalisation after the input and each
// hidden layer.
func BatchNormMLP() nnet.Config {
	c := nnet.DefaultConfig
	c.DataSet = "fashion_mnist"
	return c.AddLayers(
		nnet.Flatten{},
		nnet.BatchNorm{},
		nnet.Linear{Nout: 300, Activ: "relu"},
		nnet.BatchNorm{},
		nnet.Linear{Nout: 100, Activ: "relu"},
		nnet.BatchNorm{},
		nnet.Linear{Nout: 10, Activ: "relu"},
	)
}

// TransferA is the model for task A: Fashion-MNIST without sandals and shirts.
func TransferA() nnet.Config {
	c := nnet.DefaultConfig
	c.DataSet = "fashion_mnist"
	c.Eta = 1e-3
	c.MaxEpoch = 20
	c.ValidSplit = 0.2
	c = c.AddLayers(nnet.Flatten{})
	for _, n := range []int{300, 100, 50, 50, 50} {
		c = c.AddLayers(nnet.Linear{Nout: n, Activ: "relu"})
	}
	return c.AddLayers(nnet.Linear{Nout: 8, Activ: "softmax"})
}

// TransferB reuses all but the output layer of model A and adds a single sigmoid output for the
// binary task B.
func TransferB(a nnet.Config) nnet.Config {
	c := a.Copy()
	c.Layers = c.Layers[:len(c.Layers)-1]
	c.Loss = nnet.LossBinary
	return c.AddLayers(nnet.Linear{Nout: 1, Activ: "sigmoid"})
}

// WideDeep is the deep part of the wide and deep regression model: two hidden layers of 30 units.
// The 5 wide inputs are concatenated with its output by nnet.NewWideDeep.
func WideDeep() (conf nnet.Config, nwide, ndeep int) {
	c := nnet.DefaultConfig
	c.Loss = nnet.LossMSE
	c = c.AddLayers(
		nnet.Linear{Nout: 30, Activ: "relu"},
		nnet.Linear{Nout: 30, Activ: "relu"},
	)
	return c, 5, 6
}
