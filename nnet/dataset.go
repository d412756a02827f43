package nnet

import (
	"encoding/gob"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/jnb666/handson/num"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DataDir is the directory for data and config files, set from $HANDSON_DATA.
var DataDir = dataDir()

func init() {
	gob.Register(&data{})
}

func dataDir() string {
	if dir := os.Getenv("HANDSON_DATA"); dir != "" {
		return dir
	}
	return "data"
}

// Data interface type represents the raw data for a training or test set
type Data interface {
	Len() int
	Classes() []string
	// ClassSize is the number of network outputs: 1 for a binary classifier
	ClassSize() int
	Shape() []int
	Label(index []int, label []int32)
	Input(index []int, buf []float32)
	// Subset returns a new data set with the given samples
	Subset(index []int) Data
}

// Dataset type encapsulates a set of training, test or validation data.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	queue     num.Queue
	xBuffer   []float32
	yBuffer   []int32
	x, y, y1H [2]num.Array
	size      [2]int
	indexes   []int
	buf       int
	epoch     int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct, allocate array buffers  and set the batch size and maxSamples
func NewDataset(dev num.Device, data Data, batchSize, maxSamples int, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Samples: data.Len(), rng: rng}
	if maxSamples > 0 && d.Samples > maxSamples {
		d.Samples = maxSamples
	}
	if batchSize == 0 || batchSize > d.Samples {
		d.BatchSize = d.Samples
	} else {
		d.BatchSize = batchSize
	}
	d.Batches = d.Samples / d.BatchSize
	if d.Samples%d.BatchSize != 0 {
		d.Batches++
	}
	nfeat := num.Prod(data.Shape())
	d.xBuffer = make([]float32, nfeat*d.BatchSize)
	d.yBuffer = make([]int32, d.BatchSize)
	for i := range d.x {
		d.x[i] = dev.NewArray(num.Float32, append(append([]int{}, data.Shape()...), d.BatchSize)...)
		d.y[i] = dev.NewArray(num.Int32, d.BatchSize)
		d.y1H[i] = dev.NewArray(num.Float32, data.ClassSize(), d.BatchSize)
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	d.queue = dev.NewQueue(0)
	return d
}

// Release waits for any background load to complete and frees the batch buffers.
func (d *Dataset) Release() {
	d.Wait()
	for i := range d.x {
		num.Release(d.x[i], d.y[i], d.y1H[i])
	}
}

// kick of load of next batch of data in background
func (d *Dataset) loadBatch() {
	d.Add(1)
	go func(buf, batch int) {
		defer d.Done()
		start := batch * d.BatchSize
		end := start + d.BatchSize
		if end > d.Samples {
			end = d.Samples
		}
		n := end - start
		d.Input(d.indexes[start:end], d.xBuffer)
		d.Label(d.indexes[start:end], d.yBuffer)
		x, y, y1H := num.Head(d.x[buf], n), num.Head(d.y[buf], n), num.Head(d.y1H[buf], n)
		d.queue.Call(
			num.Write(x, d.xBuffer),
			num.Write(y, d.yBuffer),
			num.Onehot(y, y1H, d.ClassSize()),
		)
		d.queue.Finish()
		d.size[buf] = n
	}(d.buf, d.batch)
}

// Get next batch of data, the last batch in the epoch may be smaller than the batch size.
func (d *Dataset) NextBatch() (x, y, yOneHot num.Array) {
	d.Wait()
	n := d.size[d.buf]
	x, y, yOneHot = num.Head(d.x[d.buf], n), num.Head(d.y[d.buf], n), num.Head(d.y1H[d.buf], n)
	d.batch++
	d.buf = (d.buf + 1) % 2
	if d.batch < d.Batches {
		d.loadBatch()
	}
	return
}

// Called at start of each epoch
func (d *Dataset) NextEpoch() {
	d.Wait()
	d.epoch++
	d.batch = 0
	d.loadBatch()
}

// Shuffle the data set
func (d *Dataset) Shuffle() {
	d.Wait()
	perm := d.rng.Perm(d.Len())
	copy(d.indexes, perm[:d.Samples])
}

// Decode data from file in gob format under DataDir
func LoadDataFile(name string) (Data, error) {
	filePath := filepath.Join(DataDir, name+".dat")
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "load data")
	}
	defer f.Close()
	var d Data
	if err = gob.NewDecoder(f).Decode(&d); err != nil {
		return nil, errors.Wrapf(err, "decode %s.dat", name)
	}
	klog.Infof("loaded data from %s.dat: %v", name, append(d.Shape(), d.Len()))
	return d, nil
}

// Encode in gob format and save to file under DataDir
func SaveDataFile(d Data, name string) error {
	if err := os.MkdirAll(DataDir, 0755); err != nil {
		return errors.Wrap(err, "save data")
	}
	filePath := filepath.Join(DataDir, name+".dat")
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "save data")
	}
	defer f.Close()
	klog.Infof("saving data to %s.dat", name)
	return errors.Wrapf(gob.NewEncoder(f).Encode(&d), "encode %s.dat", name)
}

// Check if file exists under DataDir
func FileExists(name string) bool {
	filePath := filepath.Join(DataDir, name)
	_, err := os.Stat(filePath)
	return err == nil
}

type data struct {
	Class  []string
	Dims   []int
	Labels []int32
	Inputs []float32
}

// NewData function creates a new data set which implements the Data interface
func NewData(nclasses int, shape []int, labels []int32, inputs []float32) Data {
	classes := make([]string, nclasses)
	for i := range classes {
		classes[i] = strconv.Itoa(i)
	}
	return &data{Class: classes, Dims: shape, Labels: labels, Inputs: inputs}
}

func (d *data) Len() int { return len(d.Labels) }

func (d *data) Classes() []string { return d.Class }

func (d *data) ClassSize() int {
	if len(d.Class) == 2 {
		return 1
	}
	return len(d.Class)
}

func (d *data) Shape() []int { return d.Dims }

func (d *data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

func (d *data) Input(index []int, buf []float32) {
	nfeat := num.Prod(d.Dims)
	for i, ix := range index {
		copy(buf[i*nfeat:], d.Inputs[ix*nfeat:(ix+1)*nfeat])
	}
}

func (d *data) Subset(index []int) Data {
	nfeat := num.Prod(d.Dims)
	s := &data{Class: d.Class, Dims: d.Dims, Labels: make([]int32, len(index)), Inputs: make([]float32, len(index)*nfeat)}
	d.Label(index, s.Labels)
	d.Input(index, s.Inputs)
	return s
}
