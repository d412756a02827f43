// Package report saves the training history from a run as plots and a csv file.
package report

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/jnb666/handson/nnet"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// Plot size
var (
	Width  = 6 * vg.Inch
	Height = 4 * vg.Inch
)

// PlotHistory saves plots of the training and validation loss and accuracy by epoch to
// train_val_loss.png and train_val_accuracy.png in dir. The accuracy plot is skipped if the
// history has no accuracy values. The params are then written to train_params.csv, a failure
// there is logged and ignored.
func PlotHistory(h *nnet.History, dir string) error {
	if err := plotMetric(h, "loss", "Loss", filepath.Join(dir, "train_val_loss.png"), false); err != nil {
		return err
	}
	if h.Has("accuracy") {
		if err := plotMetric(h, "accuracy", "Accuracy", filepath.Join(dir, "train_val_accuracy.png"), true); err != nil {
			return err
		}
	}
	if err := WriteParams(h, filepath.Join(dir, "train_params.csv")); err != nil {
		klog.Error(err)
	}
	return nil
}

func plotMetric(h *nnet.History, key, label, file string, unitRange bool) error {
	p := plot.New()
	p.X.Label.Text = "epochs"
	p.Y.Label.Text = label
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	var lines []interface{}
	for _, k := range []string{key, "val_" + key} {
		if !h.Has(k) {
			continue
		}
		vals := h.Get(k)
		pts := make(plotter.XYs, len(vals))
		for i, v := range vals {
			pts[i].X, pts[i].Y = float64(i), v
		}
		name := k
		if k == key {
			name = "train_" + k
		}
		lines = append(lines, name, pts)
	}
	if err := plotutil.AddLines(p, lines...); err != nil {
		return errors.Wrap(err, "error adding lines to plot")
	}
	if unitRange {
		p.Y.Min, p.Y.Max = 0, 1
	}
	if err := p.Save(Width, Height, file); err != nil {
		return errors.Wrapf(err, "error saving plot to %s", file)
	}
	klog.V(1).Infof("saved plot to %s", file)
	return nil
}

// WriteParams writes the history params to a csv file with one name, value row per entry.
func WriteParams(h *nnet.History, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "I/O error")
	}
	w := csv.NewWriter(f)
	keys := make([]string, 0, len(h.Params))
	for k := range h.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.Write([]string{"name", "value"})
	for _, k := range keys {
		w.Write([]string{k, strconv.Itoa(h.Params[k])})
	}
	w.Flush()
	err = w.Error()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "I/O error")
}
