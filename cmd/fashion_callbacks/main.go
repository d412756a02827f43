// fashion_callbacks trains the Fashion-MNIST classifier with run logging, checkpoint and early
// stopping callbacks and saves plots of the training history.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/janpfeifer/must"
	"github.com/jnb666/handson/datasets"
	"github.com/jnb666/handson/models"
	"github.com/jnb666/handson/nnet"
	"github.com/jnb666/handson/num"
	"github.com/jnb666/handson/report"
	"k8s.io/klog/v2"
)

var (
	flagEpochs  = flag.Int("epochs", 2, "number of training epochs")
	flagLogDir  = flag.String("logdir", "my_logs", "root directory for run logs")
	flagModel   = flag.String("model", "my_keras_model.h5", "checkpoint file")
	flagPlotDir = flag.String("plots", ".", "directory for history plots")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	conf := models.FashionMLP()
	conf.MaxEpoch = *flagEpochs
	conf.ValidSplit = 0.2
	train, _ := must.M2(datasets.Load(conf.DataSet))
	trainData, validData := nnet.ValidationSplit(train, conf.ValidSplit)

	q := num.NewDevice(conf.UseGPU).NewQueue(conf.Threads)
	defer q.Shutdown()
	rng := nnet.NewRand(conf.RandSeed)
	trainSet := nnet.NewDataset(q.Dev(), trainData, conf.TrainBatch, conf.MaxSamples, rng)
	validSet := nnet.NewDataset(q.Dev(), validData, conf.TestBatch, 0, rng)
	net := nnet.New(q, conf, trainSet.BatchSize, trainData.Shape())
	net.InitWeights(rng)

	h := must.M1(nnet.Fit(ctx, net, trainSet, validSet,
		&nnet.RunLogger{Dir: *flagLogDir},
		&nnet.ModelCheckpoint{Path: *flagModel, SaveBestOnly: true},
		&nnet.EarlyStopping{Patience: 10, MinDelta: conf.MinDelta, RestoreBest: true},
	))
	must.M(report.PlotHistory(h, *flagPlotDir))
}
