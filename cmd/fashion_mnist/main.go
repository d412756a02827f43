// fashion_mnist runs the Fashion-MNIST classifier experiments.
//
//  1. -exp 1: build the sequential model and print the first layer name and the layer count.
//  2. -exp 2: train on the training set less the first 5000 images for 30 epochs with 20% held back for validation.
//  3. -exp 3: print the summary of the wide and deep regression model.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/janpfeifer/must"
	"github.com/jnb666/handson/datasets"
	"github.com/jnb666/handson/models"
	"github.com/jnb666/handson/nnet"
	"github.com/jnb666/handson/num"
	"k8s.io/klog/v2"
)

var (
	flagExp     = flag.Int("exp", 3, "experiment to run: 1, 2 or 3")
	flagEpochs  = flag.Int("epochs", 0, "override number of training epochs")
	flagThreads = flag.Int("threads", 0, "number of threads, 0 for the default")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	q := num.NewDevice(false).NewQueue(*flagThreads)
	defer q.Shutdown()
	switch *flagExp {
	case 1:
		net := nnet.New(q, models.FashionMLP(), 1, []int{28, 28, 1})
		fmt.Println(net.Names[0])
		fmt.Println(len(net.Layers))
	case 2:
		train(q)
	case 3:
		conf, nwide, ndeep := models.WideDeep()
		m := nnet.NewWideDeep(q, conf, nwide, ndeep, conf.TrainBatch)
		fmt.Print(m.Summary())
	default:
		klog.Exitf("invalid experiment %d", *flagExp)
	}
}

func train(q num.Queue) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	conf := models.FashionMLP()
	if *flagEpochs > 0 {
		conf.MaxEpoch = *flagEpochs
	}
	conf.ValidSplit = 0.2
	trainFull, _ := must.M2(datasets.Load(conf.DataSet))
	heldOut, trainData := nnet.SplitHead(trainFull, 5000)
	trainData, validData := nnet.ValidationSplit(trainData, conf.ValidSplit)

	rng := nnet.NewRand(conf.RandSeed)
	dev := q.Dev()
	trainSet := nnet.NewDataset(dev, trainData, conf.TrainBatch, conf.MaxSamples, rng)
	validSet := nnet.NewDataset(dev, validData, conf.TestBatch, 0, rng)
	net := nnet.New(q, conf, trainSet.BatchSize, trainData.Shape())
	net.InitWeights(rng)
	klog.Infof("train on %d samples, validate on %d samples", trainSet.Samples, validSet.Samples)
	must.M1(nnet.Fit(ctx, net, trainSet, validSet))

	heldSet := nnet.NewDataset(dev, heldOut, conf.TestBatch, 0, rng)
	loss, acc := net.Evaluate(heldSet, nil)
	klog.Infof("first %d images: loss=%.4f accuracy=%.2f%%", heldSet.Samples, loss, acc*100)
}
