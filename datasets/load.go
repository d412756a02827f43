package datasets

import (
	"path/filepath"

	"github.com/jnb666/handson/img"
	"github.com/jnb666/handson/nnet"
	"github.com/pkg/errors"
)

// Names of the supported data sets
var Names = []string{"fashion_mnist", "cifar10"}

var loaders = map[string]func(dir string) (train, test *img.Data, err error){
	"fashion_mnist": FashionMNIST,
	"cifar10":       CIFAR10,
}

// Load returns the training and test sets for the named data set. They are read from the gob
// encoded cache files under nnet.DataDir if present, else loaded from the source files and cached.
func Load(name string) (train, test *img.Data, err error) {
	if nnet.FileExists(name+"_train.dat") && nnet.FileExists(name+"_test.dat") {
		if train, err = loadCached(name + "_train"); err != nil {
			return
		}
		test, err = loadCached(name + "_test")
		return
	}
	if train, test, err = Fetch(name); err != nil {
		return
	}
	if err = nnet.SaveDataFile(train, name+"_train"); err != nil {
		return
	}
	err = nnet.SaveDataFile(test, name+"_test")
	return
}

// Fetch loads the named data set from the source files under nnet.DataDir, downloading them if
// needed, and sets the mean and standard deviation for each channel.
func Fetch(name string) (train, test *img.Data, err error) {
	loader, ok := loaders[name]
	if !ok {
		return nil, nil, errors.Errorf("unknown dataset %q", name)
	}
	if train, test, err = loader(filepath.Join(nnet.DataDir, name)); err != nil {
		return
	}
	mean, std := img.GetStats(train.Images, test.Images)
	train.Mean, train.StdDev = mean, std
	test.Mean, test.StdDev = mean, std
	return
}

func loadCached(name string) (*img.Data, error) {
	d, err := nnet.LoadDataFile(name)
	if err != nil {
		return nil, err
	}
	data, ok := d.(*img.Data)
	if !ok {
		return nil, errors.Errorf("%s: expecting image data, got %T", name, d)
	}
	return data, nil
}
