// cifar_transfer trains the head of a MobileNet style classifier on CIFAR-10 images resized to
// 128x128 with the convolutional base frozen.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/janpfeifer/must"
	"github.com/jnb666/handson/datasets"
	"github.com/jnb666/handson/img"
	"github.com/jnb666/handson/models"
	"github.com/jnb666/handson/nnet"
	"github.com/jnb666/handson/num"
	"github.com/jnb666/handson/report"
	"k8s.io/klog/v2"
)

var (
	flagSize    = flag.Int("size", 128, "resized image width and height")
	flagAlpha   = flag.Float64("alpha", 1, "MobileNet width multiplier")
	flagWeights = flag.String("weights", "", "model file with pretrained weights for the base layers")
	flagEpochs  = flag.Int("epochs", 0, "override number of training epochs")
	flagSamples = flag.Int("samples", 0, "max number of training samples per epoch")
	flagImages  = flag.Int("images", 0, "number of images to load, 0 for all")
	flagThreads = flag.Int("threads", 0, "number of threads, 0 for the default")
	flagPlotDir = flag.String("plots", ".", "directory for history plots")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	conf, base := models.MobileNet(*flagAlpha, 10)
	conf.Threads = *flagThreads
	conf.MaxSamples = *flagSamples
	if *flagEpochs > 0 {
		conf.MaxEpoch = *flagEpochs
	}
	train, _ := must.M2(datasets.Load(conf.DataSet))
	if *flagImages > 0 && *flagImages < train.Len() {
		train = train.Slice(0, *flagImages)
	}
	resized := img.Resize(train, *flagSize, *flagSize, conf.Threads)
	trainData, validData := nnet.TrainTestSplit(resized, 0.2, 42)

	q := num.NewDevice(conf.UseGPU).NewQueue(conf.Threads)
	defer q.Shutdown()
	rng := nnet.NewRand(conf.RandSeed)
	trainSet := nnet.NewDataset(q.Dev(), trainData, conf.TrainBatch, conf.MaxSamples, rng)
	validSet := nnet.NewDataset(q.Dev(), validData, conf.TestBatch, 0, rng)
	net := nnet.New(q, conf, trainSet.BatchSize, trainData.Shape())
	net.InitWeights(rng)
	if *flagWeights != "" {
		src := must.M1(nnet.LoadModel(*flagWeights, q, 1, nil))
		if len(src.Layers) < base {
			klog.Exitf("%s: expecting at least %d layers, got %d", *flagWeights, base, len(src.Layers))
		}
		src.CopyTo(net, base)
	}
	net.FreezeTo(base)
	fmt.Print(net.Summary())

	h := must.M1(nnet.Fit(ctx, net, trainSet, validSet))
	must.M(report.PlotHistory(h, *flagPlotDir))
}
