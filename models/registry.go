package models

import (
	"sort"

	"github.com/jnb666/handson/nnet"
	"github.com/pkg/errors"
)

var registry = map[string]func() nnet.Config{
	"fashion_mlp": FashionMLP,
	"bn_mlp":      BatchNormMLP,
	"transfer_a":  TransferA,
	"mobilenet": func() nnet.Config {
		c, _ := MobileNet(1, 10)
		return c
	},
}

// Names returns the list of registered model names.
func Names() []string {
	var names []string
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the config for the named model.
func Get(name string) (nnet.Config, error) {
	fn, ok := registry[name]
	if !ok {
		return nnet.Config{}, errors.Errorf("unknown model %q: valid names are %v", name, Names())
	}
	return fn(), nil
}

// Load reads the config for the model from DataDir. If it has not been saved before the
// registered definition is saved as the default.
func Load(name string) (nnet.Config, error) {
	if nnet.FileExists(name + ".net") {
		return nnet.LoadConfig(name + ".net")
	}
	conf, err := Get(name)
	if err != nil {
		return conf, err
	}
	return conf, conf.SaveDefault(name)
}
