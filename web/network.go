// Package web has a browser based interface to monitor network training and view the input data.
package web

import (
	"context"
	"fmt"
	"html/template"
	"math/rand"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jnb666/handson/datasets"
	"github.com/jnb666/handson/img"
	"github.com/jnb666/handson/nnet"
	"github.com/jnb666/handson/num"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Network and associated training / test data and the latest training statistics
type Network struct {
	*nnet.Network
	Model   string
	Data    map[string]*img.Data
	Pred    map[string][]int32
	Keys    []string
	Stats   []nnet.Stats
	Epoch   int
	history *nnet.History
	sets    map[string]*nnet.Dataset
	trans   *img.Transformer
	queue   num.Queue
	rng     *rand.Rand
	conns   map[*websocket.Conn]bool
	cancel  context.CancelFunc
	running bool
	done    sync.WaitGroup
	sync.Mutex
}

// NewNetwork loads the data set for the model config and creates a new network.
func NewNetwork(conf *Config) (*Network, error) {
	train, test, err := datasets.Load(conf.DataSet)
	if err != nil {
		return nil, err
	}
	return NewNetworkData(conf.Model, conf.Config, train, test)
}

// NewNetworkData creates a network to train on the given data. If ValidSplit is set then the
// validation set is split off from the end of the training data. test may be nil.
func NewNetworkData(model string, conf nnet.Config, train, test *img.Data) (*Network, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	n := &Network{
		Model: model,
		Data:  map[string]*img.Data{"train": train},
		Pred:  map[string][]int32{},
		sets:  map[string]*nnet.Dataset{},
		conns: map[*websocket.Conn]bool{},
		rng:   nnet.NewRand(conf.RandSeed),
	}
	if conf.ValidSplit > 0 {
		t, v := nnet.ValidationSplit(train, conf.ValidSplit)
		n.Data["train"], n.Data["valid"] = t.(*img.Data), v.(*img.Data)
	}
	if test != nil {
		n.Data["test"] = test
	}
	if err := n.Data["train"].SetTransforms(conf.Distort, conf.Threads, n.rng); err != nil {
		return nil, err
	}
	dev := num.NewDevice(conf.UseGPU)
	n.queue = dev.NewQueue(conf.Threads)
	for key, d := range n.Data {
		batch := conf.TestBatch
		if key == "train" {
			batch = conf.TrainBatch
		}
		n.sets[key] = nnet.NewDataset(dev, d, batch, conf.MaxSamples, n.rng)
	}
	trainSet := n.sets["train"]
	n.Network = nnet.New(n.queue, conf, trainSet.BatchSize, train.Shape())
	n.InitWeights(n.rng)
	n.history = nnet.NewHistory(n.Network, trainSet, n.sets["valid"])
	n.Keys = n.history.Keys
	n.trans = img.NewTransformer(img.HorizFlip|img.Pan, 1, n.rng)
	klog.Infof("%s: %d training samples, %d params", model, trainSet.Samples, n.paramCount())
	return n, nil
}

func (n *Network) paramCount() int {
	total, _, _ := n.Params()
	return total
}

// Train starts a training run in the background, if restart is set the weights are
// reinitialised first. Must be called with the lock held.
func (n *Network) Train(restart bool) {
	if n.running {
		klog.Info("skip start - already running")
		return
	}
	if restart {
		n.InitWeights(n.rng)
		n.history = nnet.NewHistory(n.Network, n.sets["train"], n.sets["valid"])
		n.Stats, n.Epoch = nil, 0
		n.Pred = map[string][]int32{}
	}
	klog.Infof("train %s: restart=%v epoch=%d", n.Model, restart, n.Epoch)
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.running = true
	n.queue.Profiling(n.Profile)
	n.done.Add(1)
	go func() {
		defer n.done.Done()
		err := nnet.FitHistory(ctx, n.Network, n.sets["train"], n.sets["valid"], n.history, nnet.EpochNotifier(n.epochEnd))
		if err != nil && !errors.Is(err, context.Canceled) {
			klog.Errorf("train %s: %v", n.Model, err)
		}
		n.Lock()
		n.running = false
		n.Unlock()
		cancel()
		klog.Infof("train %s: end", n.Model)
	}()
}

// Stop requests that a training run is interrupted at the end of the current batch.
func (n *Network) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
}

// Wait blocks until the current training run has finished.
func (n *Network) Wait() { n.done.Wait() }

// Running reports if a training run is in progress.
func (n *Network) Running() bool {
	n.Lock()
	defer n.Unlock()
	return n.running
}

// called from the training goroutine after each epoch
func (n *Network) epochEnd(net *nnet.Network, h *nnet.History) bool {
	pred := map[string][]int32{}
	if net.Classifier() {
		for _, key := range []string{"valid", "test"} {
			if dset, ok := n.sets[key]; ok {
				pred[key] = make([]int32, dset.Samples)
				net.Evaluate(dset, pred[key])
			}
		}
	}
	n.Lock()
	n.Stats = append([]nnet.Stats{}, h.Stats...)
	s, _ := h.Last()
	n.Epoch = s.Epoch
	for key, p := range pred {
		n.Pred[key] = p
	}
	conns := make([]*websocket.Conn, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	n.Unlock()
	msg := []byte(strconv.Itoa(s.Epoch))
	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			klog.V(1).Infof("websocket closed: %v", err)
			n.Lock()
			delete(n.conns, c)
			n.Unlock()
			c.Close()
		}
	}
	return false
}

// register a websocket connection to be notified at the end of each epoch
func (n *Network) addConn(c *websocket.Conn) {
	n.Lock()
	n.conns[c] = true
	n.Unlock()
}

func (n *Network) heading() template.HTML {
	s := fmt.Sprintf(`%s: epoch <span id="epoch">%d</span> of %d`, n.Model, n.Epoch, n.MaxEpoch)
	return template.HTML(s)
}
