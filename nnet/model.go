package nnet

import (
	"encoding/gob"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/jnb666/handson/num"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// saved model file contents
type modelFile struct {
	Config  Config
	InShape []int
	Names   []string
	Frozen  []bool
	Weights [][]float32
}

// SaveModel writes the network config and all of the layer variables, including the batch norm
// moving statistics, to a file in gob format.
func SaveModel(path string, net *Network) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "save model")
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "save model")
	}
	m := modelFile{
		Config:  net.Config,
		InShape: net.InShape,
		Names:   net.Names,
		Frozen:  net.frozen,
		Weights: net.Weights(),
	}
	err = gob.NewEncoder(f).Encode(m)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(err, "save model %s", path)
	}
	klog.V(1).Infof("saved model to %s", path)
	return nil
}

// LoadModel reads a network saved with SaveModel. If rng is not nil the weights are initialised
// before the saved values are loaded.
func LoadModel(path string, q num.Queue, batchSize int, rng *rand.Rand) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "load model")
	}
	defer f.Close()
	var m modelFile
	if err = gob.NewDecoder(f).Decode(&m); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	if err = m.Config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "load model %s", path)
	}
	conf := m.Config
	conf.FlattenInput = false
	net := New(q, conf, batchSize, m.InShape)
	net.FlattenInput = m.Config.FlattenInput
	if rng != nil {
		net.InitWeights(rng)
	}
	var count int
	for i := range net.Layers {
		count += len(net.Variables(i))
	}
	if count != len(m.Weights) {
		return nil, errors.Errorf("load model %s: expecting %d variables, got %d", path, count, len(m.Weights))
	}
	j := 0
	for i := range net.Layers {
		for _, v := range net.Variables(i) {
			if v.Value.Size() != len(m.Weights[j]) {
				return nil, errors.Errorf("load model %s: size mismatch for %s", path, v.Name)
			}
			j++
		}
	}
	net.SetWeights(m.Weights)
	for i, frozen := range m.Frozen {
		if frozen && i < len(net.frozen) {
			net.frozen[i] = true
		}
	}
	klog.Infof("loaded model from %s: %d layers", path, len(net.Layers))
	return net, nil
}
