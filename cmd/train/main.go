// train trains a network using the config saved for the model under the data directory, with
// optional overrides from the command line.
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

func predict(q num.Queue, net *nnet.Network, dset *nnet.Dataset) {
	dset.NextEpoch()
	x, y, _ := dset.NextBatch()
	classes := q.NewArray(num.Int32, y.Dims()[0])
	yPred := net.Predict(x, classes)
	fmt.Print("predict:", yPred.String(q))
	fmt.Println("classes:", classes.String(q))
	fmt.Println("labels: ", y.String(q))
}

func main() {
	klog.InitFlags(nil)
	if len(os.Args) < 2 {
		fmt.Printf("Usage: train [opts] <model>\nmodels: %v\n", models.Names())
		os.Exit(1)
	}
	model := os.Args[len(os.Args)-1]
	conf := must.M1(models.Load(model))

	// override config settings from command line
	flag.Float64Var(&conf.Eta, "eta", conf.Eta, "learning rate")
	flag.Float64Var(&conf.Lambda, "lambda", conf.Lambda, "weight decay parameter")
	flag.Float64Var(&conf.ValidSplit, "valid", conf.ValidSplit, "fraction of training data used for validation")
	flag.Int64Var(&conf.RandSeed, "seed", conf.RandSeed, "random number seed")
	flag.IntVar(&conf.MaxEpoch, "epochs", conf.MaxEpoch, "max epochs")
	flag.IntVar(&conf.MaxSamples, "samples", conf.MaxSamples, "max samples")
	flag.IntVar(&conf.TrainBatch, "batch", conf.TrainBatch, "train batch size")
	flag.IntVar(&conf.TestBatch, "testbatch", conf.TestBatch, "test batch size")
	flag.IntVar(&conf.StopAfter, "stop", conf.StopAfter, "stop if the smoothed validation loss has not improved for this many epochs")
	flag.Float64Var(&conf.MinDelta, "mindelta", conf.MinDelta, "minimum change in smoothed loss to count as an improvement")
	flag.StringVar(&conf.Distort, "distort", conf.Distort, "image transforms applied to each training batch, e.g. HorizFlip,Pan")
	flag.IntVar(&conf.DebugLevel, "debug", conf.DebugLevel, "debug logging level")
	flag.IntVar(&conf.Threads, "threads", conf.Threads, "number of threads")
	flag.BoolVar(&conf.Profile, "profile", conf.Profile, "print profiling info")
	save := flag.String("save", "", "file to save the trained model")
	plots := flag.String("plots", "", "directory for history plots")
	flag.Parse()
	defer klog.Flush()
	must.M(conf.Validate())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dev := num.NewDevice(conf.UseGPU)
	q := dev.NewQueue(conf.Threads)
	defer q.Shutdown()
	klog.V(1).Info(num.DeviceInfo())

	// load training and test data
	train, test := must.M2(datasets.Load(conf.DataSet))
	rng := nnet.NewRand(conf.RandSeed)
	var trainData, validData nnet.Data = train, nil
	if conf.ValidSplit > 0 {
		trainData, validData = nnet.ValidationSplit(train, conf.ValidSplit)
	}
	if conf.Distort != "" {
		if d, ok := trainData.(*img.Data); ok {
			must.M(d.SetTransforms(conf.Distort, conf.Threads, rng))
		}
	}
	trainSet := nnet.NewDataset(dev, trainData, conf.TrainBatch, conf.MaxSamples, rng)
	defer trainSet.Release()
	var validSet *nnet.Dataset
	if validData != nil {
		validSet = nnet.NewDataset(dev, validData, conf.TestBatch, 0, rng)
		defer validSet.Release()
	}

	// initialise weights
	q.Profiling(conf.Profile)
	net := nnet.New(q, conf, trainSet.BatchSize, trainData.Shape())
	fmt.Println(net)
	net.InitWeights(rng)
	if conf.DebugLevel >= 1 {
		fmt.Println("== Before ==")
		predict(q, net, trainSet)
	}

	// train the network
	h := must.M1(nnet.Fit(ctx, net, trainSet, validSet))
	if conf.DebugLevel >= 1 {
		fmt.Println("== After ==")
		predict(q, net, trainSet)
	}
	testSet := nnet.NewDataset(dev, test, conf.TestBatch, 0, rng)
	defer testSet.Release()
	loss, acc := net.Evaluate(testSet, nil)
	if net.Classifier() {
		klog.Infof("test set: loss=%.4f accuracy=%.2f%%", loss, acc*100)
	} else {
		klog.Infof("test set: loss=%.4f", loss)
	}
	if *save != "" {
		must.M(nnet.SaveModel(*save, net))
	}
	if *plots != "" {
		must.M(report.PlotHistory(h, *plots))
	}
}
