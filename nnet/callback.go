package nnet

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Callback is called by Fit at the end of each epoch. If stop is returned as true then training
// ends after the current epoch.
type Callback interface {
	OnEpochEnd(net *Network, h *History) (stop bool, err error)
}

// TrainBeginner is implemented by callbacks which need to be called before the first epoch.
type TrainBeginner interface {
	OnTrainBegin(net *Network, h *History) error
}

// TrainEnder is implemented by callbacks which need to be called once training has completed.
type TrainEnder interface {
	OnTrainEnd(net *Network, h *History) error
}

// EpochNotifier adapts a function to the Callback interface.
type EpochNotifier func(net *Network, h *History) bool

func (fn EpochNotifier) OnEpochEnd(net *Network, h *History) (bool, error) {
	return fn(net, h), nil
}

// monitored value for the last epoch: uses the training metric if no validation data
func monitorValue(monitor string, h *History) (key string, val float64, ok bool) {
	key = monitor
	if !h.Has(key) && strings.HasPrefix(key, "val_") {
		key = strings.TrimPrefix(key, "val_")
	}
	val, ok = h.Value(key)
	return key, val, ok
}

// accuracy metrics improve when they increase, losses when they decrease
func improved(key string, val, best, minDelta float64) bool {
	if strings.Contains(key, "acc") {
		return val-best > minDelta
	}
	return best-val > minDelta
}

func initialBest(key string) float64 {
	if strings.Contains(key, "acc") {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

// EarlyStopping stops training when the monitored value has not improved by at least MinDelta
// for Patience epochs. If RestoreBest is set the weights from the best epoch are restored.
type EarlyStopping struct {
	Monitor     string
	MinDelta    float64
	Patience    int
	RestoreBest bool
	BestEpoch   int
	best        float64
	wait        int
	weights     [][]float32
	warned      bool
}

func (c *EarlyStopping) OnTrainBegin(net *Network, h *History) error {
	if c.Monitor == "" {
		c.Monitor = "val_loss"
	}
	c.best = initialBest(c.Monitor)
	c.wait = 0
	c.BestEpoch = 0
	c.weights = nil
	return nil
}

func (c *EarlyStopping) OnEpochEnd(net *Network, h *History) (bool, error) {
	key, val, ok := monitorValue(c.Monitor, h)
	if !ok {
		return false, errors.Errorf("early stopping: metric %s not available", c.Monitor)
	}
	if key != c.Monitor && !c.warned {
		klog.Warningf("early stopping: %s not available - monitoring %s", c.Monitor, key)
		c.warned = true
	}
	if c.BestEpoch == 0 || improved(key, val, c.best, c.MinDelta) {
		c.best = val
		c.wait = 0
		c.BestEpoch = len(h.Stats)
		if c.RestoreBest {
			c.weights = net.Weights()
		}
		return false, nil
	}
	c.wait++
	if c.wait < c.Patience {
		return false, nil
	}
	klog.Infof("early stopping at epoch %d: best %s=%.4f at epoch %d", len(h.Stats), key, c.best, c.BestEpoch)
	if c.RestoreBest && c.weights != nil {
		klog.Infof("restoring weights from epoch %d", c.BestEpoch)
		net.SetWeights(c.weights)
	}
	return true, nil
}

// ModelCheckpoint saves the model to Path at the end of each epoch. If SaveBestOnly is set then it
// is only saved when the monitored value improves.
type ModelCheckpoint struct {
	Path         string
	Monitor      string
	SaveBestOnly bool
	best         float64
	started      bool
}

func (c *ModelCheckpoint) OnEpochEnd(net *Network, h *History) (bool, error) {
	if !c.SaveBestOnly {
		return false, SaveModel(c.Path, net)
	}
	if c.Monitor == "" {
		c.Monitor = "val_loss"
	}
	key, val, ok := monitorValue(c.Monitor, h)
	if !ok {
		return false, errors.Errorf("model checkpoint: metric %s not available", c.Monitor)
	}
	if c.started && !improved(key, val, c.best, 0) {
		return false, nil
	}
	klog.V(1).Infof("checkpoint: %s improved to %.4f - saving model to %s", key, val, c.Path)
	c.best = val
	c.started = true
	return false, SaveModel(c.Path, net)
}

// RunLogger writes the metrics for each epoch as JSON records to a new timestamped directory
// under Dir.
type RunLogger struct {
	Dir    string
	RunDir string
	file   *os.File
	enc    *json.Encoder
}

type epochRecord struct {
	Epoch   int                `json:"epoch"`
	Elapsed float64            `json:"elapsed"`
	Metrics map[string]float64 `json:"metrics"`
}

// RunLogDir returns a new log directory name under root using the current time.
func RunLogDir(root string) string {
	return filepath.Join(root, time.Now().Format("run_2006_01_02-15_04_05"))
}

func (c *RunLogger) OnTrainBegin(net *Network, h *History) error {
	c.RunDir = RunLogDir(c.Dir)
	if err := os.MkdirAll(c.RunDir, 0755); err != nil {
		return errors.Wrap(err, "run logger")
	}
	f, err := os.Create(filepath.Join(c.RunDir, "epochs.jsonl"))
	if err != nil {
		return errors.Wrap(err, "run logger")
	}
	klog.Infof("logging run to %s", c.RunDir)
	c.file = f
	c.enc = json.NewEncoder(f)
	return nil
}

func (c *RunLogger) OnEpochEnd(net *Network, h *History) (bool, error) {
	s, ok := h.Last()
	if !ok || c.enc == nil {
		return false, nil
	}
	rec := epochRecord{Epoch: s.Epoch, Elapsed: s.Elapsed.Seconds(), Metrics: map[string]float64{}}
	for i, key := range h.Keys {
		rec.Metrics[key] = s.Values[i]
	}
	return false, errors.Wrap(c.enc.Encode(rec), "run logger")
}

func (c *RunLogger) OnTrainEnd(net *Network, h *History) error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file, c.enc = nil, nil
	return errors.Wrap(err, "run logger")
}
