package models

import (
	"github.com/jnb666/handson/nnet"
)

// filters and stride for each depthwise separable block
var mobileNetBlocks = []struct{ filters, stride int }{
	{64, 1}, {128, 2}, {128, 1}, {256, 2}, {256, 1}, {512, 2},
	{512, 1}, {512, 1}, {512, 1}, {512, 1}, {512, 1},
	{1024, 2}, {1024, 1},
}

// MobileNet returns a MobileNet style image classifier. The base is a 3x3 convolution followed by
// depthwise separable convolution blocks, each with batch norm and relu, and global average
// pooling. alpha scales the number of filters. The head is a dense softmax layer. The number of
// layers in the base is returned so that they can be frozen.
func MobileNet(alpha float64, classes int) (c nnet.Config, baseLayers int) {
	c = nnet.DefaultConfig
	c.DataSet = "cifar10"
	c.Optimizer = "adam"
	c.Eta = 1e-5
	c.TrainBatch = 2
	c.TestBatch = 50
	c.MaxEpoch = 10
	filters := func(n int) int {
		if f := int(float64(n) * alpha); f > 0 {
			return f
		}
		return 1
	}
	c = c.AddLayers(
		nnet.Conv{Nfeats: filters(32), Size: 3, Stride: 2, Pad: 1},
		nnet.BatchNorm{},
		nnet.Activation{Atype: "relu"},
	)
	for _, b := range mobileNetBlocks {
		c = c.AddLayers(
			nnet.Depthwise{Size: 3, Stride: b.stride, Pad: 1},
			nnet.BatchNorm{},
			nnet.Activation{Atype: "relu"},
			nnet.Conv{Nfeats: filters(b.filters), Size: 1},
			nnet.BatchNorm{},
			nnet.Activation{Atype: "relu"},
		)
	}
	c = c.AddLayers(nnet.GlobalAvgPool{})
	baseLayers = len(c.Layers)
	return c.AddLayers(nnet.Linear{Nout: classes, Activ: "softmax"}), baseLayers
}
