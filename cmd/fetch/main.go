// fetch downloads a data set and saves the training and test sets to the cache under the data
// directory.
package main

import (
	"flag"

	"github.com/janpfeifer/must"
	"github.com/jnb666/handson/datasets"
	"github.com/jnb666/handson/nnet"
	"k8s.io/klog/v2"
)

var (
	flagDataset = flag.String("dataset", "fashion_mnist", "data set to fetch: fashion_mnist or cifar10")
	flagAll     = flag.Bool("all", false, "fetch all of the data sets")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	names := []string{*flagDataset}
	if *flagAll {
		names = datasets.Names
	}
	for _, name := range names {
		train, test := must.M2(datasets.Load(name))
		klog.Infof("%s: %d training and %d test images of shape %v in %s", name, train.Len(), test.Len(),
			train.Shape(), nnet.DataDir)
		klog.Infof("%s: mean=%.3f stddev=%.3f", name, train.Mean, train.StdDev)
	}
}
