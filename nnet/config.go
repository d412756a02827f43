package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Loss functions
const (
	LossMSE         = "mse"
	LossBinary      = "binary_crossentropy"
	LossCategorical = "sparse_categorical_crossentropy"
)

// Training configuration settings
type Config struct {
	DataSet      string
	Loss         string
	Optimizer    string
	Eta          float64
	Momentum     float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	Lambda       float64
	WeightInit   string
	FlattenInput bool
	Shuffle      bool
	Distort      string
	TrainBatch   int
	TestBatch    int
	MaxEpoch     int
	MaxSamples   int
	ValidSplit   float64
	LogEvery     int
	StopAfter    int
	MinDelta     float64
	MinLoss      float64
	RandSeed     int64
	DebugLevel   int
	UseGPU       bool
	Threads      int
	Profile      bool
	Layers       []LayerConfig
}

// DefaultConfig has the settings used by Keras for a model compiled with the sgd optimiser.
var DefaultConfig = Config{
	Loss:       LossCategorical,
	Optimizer:  "sgd",
	Eta:        0.01,
	Beta1:      0.9,
	Beta2:      0.999,
	Epsilon:    1e-7,
	WeightInit: GlorotUniform.String(),
	Shuffle:    true,
	TrainBatch: 32,
	TestBatch:  1000,
	MaxEpoch:   1,
	LogEvery:   1,
}

// Load network from json file under DataDir
func LoadConfig(name string) (c Config, err error) {
	filePath := filepath.Join(DataDir, name)
	var f *os.File
	if f, err = os.Open(filePath); err != nil {
		return c, errors.Wrap(err, "load config")
	}
	defer f.Close()
	klog.Infof("loading network config from %s", name)
	c = DefaultConfig
	if err = json.NewDecoder(f).Decode(&c); err != nil {
		return c, errors.Wrapf(err, "decode config %s", name)
	}
	return c, c.Validate()
}

// Validate checks that the settings are consistent.
func (c Config) Validate() error {
	switch c.Loss {
	case LossMSE, LossBinary, LossCategorical:
	default:
		return errors.Errorf("config: invalid loss function %q", c.Loss)
	}
	switch c.Optimizer {
	case "sgd", "adam":
	default:
		return errors.Errorf("config: invalid optimizer %q", c.Optimizer)
	}
	if _, err := ParseInit(c.WeightInit); err != nil {
		return err
	}
	if c.Eta <= 0 {
		return errors.Errorf("config: learning rate must be positive, got %g", c.Eta)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return errors.Errorf("config: momentum must be in range [0, 1), got %g", c.Momentum)
	}
	if c.ValidSplit < 0 || c.ValidSplit >= 1 {
		return errors.Errorf("config: validation split must be in range [0, 1), got %g", c.ValidSplit)
	}
	if c.TrainBatch < 1 || c.TestBatch < 0 || c.MaxEpoch < 1 {
		return errors.Errorf("config: invalid batch size or epochs: train=%d test=%d epochs=%d",
			c.TrainBatch, c.TestBatch, c.MaxEpoch)
	}
	for i, l := range c.Layers {
		if _, err := l.Unmarshal(); err != nil {
			return errors.Wrapf(err, "config: layer %d", i)
		}
	}
	return nil
}

// Append layers to the config struct
func (c Config) AddLayers(layers ...ConfigLayer) Config {
	for _, l := range layers {
		c.Layers = append(c.Layers, l.Marshal())
	}
	return c
}

// Copy returns a copy of the config with its own layer list.
func (c Config) Copy() Config {
	c.Layers = append([]LayerConfig{}, c.Layers...)
	return c
}

// Save default network definition and overwites current config
func (c Config) SaveDefault(name string) error {
	err := c.Save(name + ".default")
	if err != nil {
		return err
	}
	return c.Save(name + ".net")
}

// Save config to JSON file under DataDir
func (c Config) Save(name string) error {
	if err := os.MkdirAll(DataDir, 0755); err != nil {
		return errors.Wrap(err, "save config")
	}
	filePath := filepath.Join(DataDir, "."+name)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "save config")
	}
	klog.Infof("saving network config to %s", name)
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode config %s", name)
	}
	f.Close()
	return errors.Wrap(os.Rename(filePath, filepath.Join(DataDir, name)), "save config")
}

// Fields returns the names of the config settings, excluding the layers.
func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField()-1)
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

func (c Config) configString() string {
	fields := c.Fields()
	str := []string{"== Config =="}
	for _, key := range fields {
		str = append(str, fmt.Sprintf("%-14s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

func (c Config) String() string {
	s := c.configString()
	if c.Layers != nil {
		str := []string{"\n== Network =="}
		for i, layer := range c.Layers {
			str = append(str, fmt.Sprintf("%2d: %s", i, layer))
		}
		s += strings.Join(str, "\n")
	}
	return s
}

func (c Config) SetString(key, val string) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() {
		return c, errors.Errorf("invalid config key: %s", key)
	}
	var err error
	switch f.Type().Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.String:
		f.SetString(val)
	default:
		return c, errors.Errorf("invalid type for SetString: %v", f.Type().Kind())
	}
	return c, errors.Wrapf(err, "set %s", key)
}

func (c Config) SetBool(key string, val bool) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if f.IsValid() && f.Type().Kind() == reflect.Bool {
		f.SetBool(val)
		return c, nil
	}
	return c, errors.Errorf("invalid type for SetBool: %s", key)
}
