// transfer runs the transfer learning example on Fashion-MNIST. Model A is trained to classify
// all of the images except sandals and shirts and saved. Model B reuses all but the output layer
// of model A with a new sigmoid output to classify sandals and shirts.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"

	"github.com/janpfeifer/must"
	"github.com/jnb666/handson/datasets"
	"github.com/jnb666/handson/img"
	"github.com/jnb666/handson/models"
	"github.com/jnb666/handson/nnet"
	"github.com/jnb666/handson/num"
	"k8s.io/klog/v2"
)

var (
	flagModel  = flag.String("model", "B", "model to run: A to train and save model A, B to build model B from A")
	flagFile   = flag.String("file", "my_model_A.h5", "model A file")
	flagEpochs = flag.Int("epochs", 0, "number of epochs to train model B, or for A to override the default")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	q := num.NewDevice(false).NewQueue(0)
	defer q.Shutdown()
	switch *flagModel {
	case "A", "a":
		trainA(ctx, q)
	case "B", "b":
		trainB(ctx, q)
	default:
		klog.Exitf("invalid model %q", *flagModel)
	}
}

func loadTasks() (a, b *img.Data) {
	train, _ := must.M2(datasets.Load("fashion_mnist"))
	return datasets.TransferSplit(train)
}

func trainA(ctx context.Context, q num.Queue) {
	conf := models.TransferA()
	if *flagEpochs > 0 {
		conf.MaxEpoch = *flagEpochs
	}
	data, _ := loadTasks()
	rng := nnet.NewRand(conf.RandSeed)
	net := nnet.New(q, conf, conf.TrainBatch, data.Shape())
	net.InitWeights(rng)
	fit(ctx, net, data, rng)
	must.M(nnet.SaveModel(*flagFile, net))
	klog.Infof("saved model A to %s", *flagFile)
}

func trainB(ctx context.Context, q num.Queue) {
	rng := nnet.NewRand(0)
	netA := must.M1(nnet.LoadModel(*flagFile, q, 1, nil))
	conf := models.TransferB(netA.Config)
	netB := nnet.New(q, conf, conf.TrainBatch, netA.InShape)
	netB.InitWeights(rng)
	reused := len(netB.Layers) - 1
	netA.CopyTo(netB, reused)
	netB.FreezeTo(reused)
	fmt.Print(netB.Summary())
	if *flagEpochs <= 0 {
		return
	}
	netB.MaxEpoch = *flagEpochs
	_, data := loadTasks()
	fit(ctx, netB, data, rng)
}

func fit(ctx context.Context, net *nnet.Network, data *img.Data, rng *rand.Rand) *nnet.History {
	dev := net.Queue().Dev()
	if net.ValidSplit == 0 {
		trainSet := nnet.NewDataset(dev, data, net.TrainBatch, net.MaxSamples, rng)
		return must.M1(nnet.Fit(ctx, net, trainSet, nil))
	}
	trainData, validData := nnet.ValidationSplit(data, net.ValidSplit)
	trainSet := nnet.NewDataset(dev, trainData, net.TrainBatch, net.MaxSamples, rng)
	validSet := nnet.NewDataset(dev, validData, net.TestBatch, 0, rng)
	return must.M1(nnet.Fit(ctx, net, trainSet, validSet))
}
