package nnet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jnb666/handson/stats"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// number of epochs for the moving average used to detect when the validation loss stops improving
const emaEpochs = 10

// Training statistics
type Stats struct {
	Epoch     int
	Values    []float64
	Smoothed  float64
	BestSince int
	Elapsed   time.Duration
}

func (s Stats) Format(keys []string) []string {
	var str []string
	for i, v := range s.Values {
		if strings.HasSuffix(keys[i], "accuracy") {
			str = append(str, fmt.Sprintf("%6.2f%%", v*100))
		} else {
			str = append(str, fmt.Sprintf("%7.4f", v))
		}
	}
	return str
}

// History records the metric values at the end of each epoch. Keys are loss and accuracy for the
// training set and val_loss and val_accuracy for the validation set, as returned by Keras.
type History struct {
	Keys     []string
	Stats    []Stats
	Params   map[string]int
	minDelta float64
}

// NewHistory creates a history for training on the given data sets, valid may be nil.
func NewHistory(net *Network, train, valid *Dataset) *History {
	h := &History{Keys: []string{"loss"}, minDelta: net.MinDelta}
	if net.Classifier() {
		h.Keys = append(h.Keys, "accuracy")
	}
	if valid != nil {
		h.Keys = append(h.Keys, "val_loss")
		if net.Classifier() {
			h.Keys = append(h.Keys, "val_accuracy")
		}
	}
	h.Params = map[string]int{
		"batch_size": train.BatchSize,
		"epochs":     net.MaxEpoch,
		"samples":    train.Samples,
		"steps":      train.Batches,
	}
	return h
}

// Get returns the values for the given key for each epoch, or nil if not found.
func (h *History) Get(key string) []float64 {
	ix := h.index(key)
	if ix < 0 {
		return nil
	}
	vals := make([]float64, len(h.Stats))
	for i, s := range h.Stats {
		vals[i] = s.Values[ix]
	}
	return vals
}

// Has checks if the history has values for the key.
func (h *History) Has(key string) bool { return h.index(key) >= 0 }

// Smoothed returns the exponential moving average of the values for the key over the last n epochs.
func (h *History) Smoothed(key string, n float64) []float64 {
	vals := h.Get(key)
	var avg stats.EMA
	for i, v := range vals {
		vals[i] = avg.Add(v, n)
		avg = stats.EMA(vals[i])
	}
	return vals
}

// Last returns the stats for the most recent epoch.
func (h *History) Last() (s Stats, ok bool) {
	if len(h.Stats) == 0 {
		return s, false
	}
	return h.Stats[len(h.Stats)-1], true
}

// Value returns the value for key at the most recent epoch.
func (h *History) Value(key string) (float64, bool) {
	s, ok := h.Last()
	ix := h.index(key)
	if !ok || ix < 0 {
		return 0, false
	}
	return s.Values[ix], true
}

func (h *History) index(key string) int {
	for i, k := range h.Keys {
		if k == key {
			return i
		}
	}
	return -1
}

// add new stats and update the count of epochs since the smoothed validation loss last improved
// by more than minDelta
func (h *History) add(s Stats) {
	key := "loss"
	if h.Has("val_loss") {
		key = "val_loss"
	}
	val := s.Values[h.index(key)]
	s.BestSince = -1
	if n := len(h.Stats); n > 0 {
		s.Smoothed = stats.EMA(h.Stats[n-1].Smoothed).Add(val, emaEpochs)
		for ep := n - 1; ep >= 0; ep-- {
			if h.Stats[ep].Smoothed > s.Smoothed+h.minDelta {
				s.BestSince = n - ep - 1
				break
			}
		}
	} else {
		s.Smoothed = val
	}
	h.Stats = append(h.Stats, s)
}

// String formats the stats for the last epoch as a log line.
func (h *History) String() string {
	s, ok := h.Last()
	if !ok {
		return ""
	}
	msg := fmt.Sprintf("epoch %3d:", s.Epoch)
	for i, val := range s.Format(h.Keys) {
		msg += fmt.Sprintf("  %s =%s", h.Keys[i], val)
	}
	if s.BestSince >= 0 {
		msg += fmt.Sprintf(" [%d]", s.BestSince)
	}
	return msg
}

// Fit trains the network on the training set for up to MaxEpoch epochs, evaluating the loss and
// accuracy on the validation set, if not nil, at the end of each epoch. Training stops early if
// the loss is below MinLoss, the smoothed validation loss has not improved for StopAfter epochs,
// a callback requests it or the context is cancelled.
func Fit(ctx context.Context, net *Network, train, valid *Dataset, callbacks ...Callback) (*History, error) {
	h := NewHistory(net, train, valid)
	return h, FitHistory(ctx, net, train, valid, h, callbacks...)
}

// FitHistory continues training from the given history.
func FitHistory(ctx context.Context, net *Network, train, valid *Dataset, h *History, callbacks ...Callback) error {
	opt := NewOptimizer(net.Config)
	for i, cb := range callbacks {
		if c, ok := cb.(TrainBeginner); ok {
			if err := c.OnTrainBegin(net, h); err != nil {
				endTraining(net, h, callbacks[:i])
				return err
			}
		}
	}
	start := time.Now()
	if s, ok := h.Last(); ok {
		start = start.Add(-s.Elapsed)
	}
	var err error
	for epoch := len(h.Stats) + 1; epoch <= net.MaxEpoch; epoch++ {
		var loss, acc float64
		if loss, acc, err = TrainEpoch(ctx, net, opt, train); err != nil {
			break
		}
		s := Stats{Epoch: epoch, Values: []float64{loss}}
		if net.Classifier() {
			s.Values = append(s.Values, acc)
		}
		if valid != nil {
			vloss, vacc := net.Evaluate(valid, nil)
			s.Values = append(s.Values, vloss)
			if net.Classifier() {
				s.Values = append(s.Values, vacc)
			}
		}
		s.Elapsed = time.Since(start)
		h.add(s)
		done := epoch >= net.MaxEpoch || loss <= net.MinLoss
		if net.StopAfter > 0 && h.Stats[len(h.Stats)-1].BestSince >= net.StopAfter {
			done = true
		}
		if done || net.LogEvery == 0 || epoch%net.LogEvery == 0 {
			klog.Info(h.String())
		}
		for _, cb := range callbacks {
			stop, cbErr := cb.OnEpochEnd(net, h)
			if cbErr != nil {
				err = cbErr
			}
			done = done || stop
		}
		if err != nil || done {
			break
		}
	}
	if s, ok := h.Last(); ok {
		klog.Infof("run time: %s", s.Elapsed.Round(10*time.Millisecond))
	}
	if endErr := endTraining(net, h, callbacks); err == nil {
		err = endErr
	}
	if net.Profile {
		klog.Info(net.queue.Profile())
	}
	return err
}

// call OnTrainEnd for each callback which implements it and return the first error
func endTraining(net *Network, h *History, callbacks []Callback) (err error) {
	for _, cb := range callbacks {
		if c, ok := cb.(TrainEnder); ok {
			if endErr := c.OnTrainEnd(net, h); endErr != nil && err == nil {
				err = endErr
			}
		}
	}
	return err
}

// Perform one training epoch on dataset, updating the weights after each batch. Returns the mean loss
// and the accuracy over the epoch.
func TrainEpoch(ctx context.Context, net *Network, opt Optimizer, dset *Dataset) (loss, accuracy float64, err error) {
	q := net.queue
	if net.Shuffle {
		dset.Shuffle()
	}
	params, grads := net.trainable()
	if len(params) == 0 {
		return 0, 0, errors.New("train: network has no trainable parameters")
	}
	dset.NextEpoch()
	var totalLoss, totalErr float64
	for batch := 0; batch < dset.Batches; batch++ {
		if err = ctx.Err(); err != nil {
			dset.Wait()
			return 0, 0, err
		}
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 0) {
			fmt.Printf("== train batch %d ==\n", batch)
		}
		x, y, yOneHot := dset.NextBatch()
		l, e := net.TrainStep(x, y, yOneHot)
		totalLoss += l
		totalErr += e
		opt.Update(q, params, grads, y.Size())
		q.Finish()
		if net.DebugLevel >= 1 && batch%100 == 0 {
			klog.V(1).Infof("batch %d/%d: loss=%.4f", batch, dset.Batches, l/float64(y.Size()))
		}
	}
	if net.DebugLevel >= 2 {
		net.PrintWeights()
	}
	samples := float64(dset.Samples)
	return totalLoss / samples, 1 - totalErr/samples, nil
}
