package img

import (
	"encoding/gob"
	"io"
	"math/rand"

	"github.com/jnb666/handson/nnet"
	"github.com/jnb666/handson/stats"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	gob.Register(&Data{})
	gob.Register(&GrayImage{})
	gob.Register(&RGBImage{})
}

// Image data set which implements the nnet.Data interface
type Data struct {
	DataHead
	Images []Image
	trans  *Transformer
}

type DataHead struct {
	Class  []string
	Dims   []int
	Labels []int32
	Mean   []float32
	StdDev []float32
}

// Create a new image set
func NewData(classes []string, labels []int32, images []Image) *Data {
	src := images[0]
	b := src.Bounds()
	dims := []int{b.Dy(), b.Dx(), src.Channels()}
	return &Data{
		DataHead: DataHead{Class: classes, Dims: dims, Labels: labels},
		Images:   images,
	}
}

// Len function returns number of images
func (d *Data) Len() int { return len(d.Labels) }

// Classes functions number of differerent label values
func (d *Data) Classes() []string { return d.Class }

func (d *Data) ClassSize() int {
	if len(d.Class) > 2 {
		return len(d.Class)
	}
	return 1
}

// Shape returns height, width, channels
func (d *Data) Shape() []int { return d.Dims }

// Label returns classification for given images
func (d *Data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

// SetTransformer sets the transforms which are applied to each batch of input data.
func (d *Data) SetTransformer(t *Transformer) { d.trans = t }

// SetTransforms sets a transformer from a list of transform names as accepted by ParseTrans. An
// empty list removes any transforms.
func (d *Data) SetTransforms(names string, threads int, rng *rand.Rand) error {
	if names == "" {
		d.trans = nil
		return nil
	}
	trans, err := ParseTrans(names)
	if err != nil {
		return err
	}
	klog.Infof("apply transforms: %s", trans)
	d.SetTransformer(NewTransformer(trans, threads, rng))
	return nil
}

// Input returns the pixel data for the given images in buf, with any transforms applied.
func (d *Data) Input(index []int, buf []float32) {
	nfeat := d.nfeat()
	if d.trans == nil {
		for i, ix := range index {
			copy(buf[i*nfeat:], d.Images[ix].Pixels(-1))
		}
		return
	}
	temp := d.trans.TransformBatch(d, index, nil)
	for i := range index {
		copy(buf[i*nfeat:], temp[i].Pixels(-1))
	}
}

// Image returns given image number, if channel is set then just show this colour channel
func (d *Data) Image(ix int, channel string) Image {
	src := d.Images[ix]
	ch, haveChannel := map[string]int{"r": 0, "g": 1, "b": 2}[channel]
	if !haveChannel || src.Channels() == 1 {
		return src
	}
	dst := NewImageLike(src)
	for i := 0; i < src.Channels(); i++ {
		copy(dst.Pixels(i), src.Pixels(ch))
	}
	return dst
}

// Subset returns a new data set with the given images. The image data is shared.
func (d *Data) Subset(index []int) nnet.Data {
	data := &Data{DataHead: d.DataHead, trans: d.trans}
	data.Labels = make([]int32, len(index))
	data.Images = make([]Image, len(index))
	for i, ix := range index {
		data.Labels[i] = d.Labels[ix]
		data.Images[i] = d.Images[ix]
	}
	return data
}

// Slice returns images from start to end
func (d *Data) Slice(start, end int) *Data {
	data := *d
	data.Labels = append([]int32{}, d.Labels[start:end]...)
	data.Images = append([]Image{}, d.Images[start:end]...)
	return &data
}

func (d *Data) nfeat() int {
	n := 1
	for _, d := range d.Dims {
		n *= d
	}
	return n
}

// Encode data to binary file
func (d *Data) Encode(w io.Writer) error {
	enc := gob.NewEncoder(w)
	if err := enc.Encode(&d.DataHead); err != nil {
		return errors.Wrap(err, "error encoding header")
	}
	for i, img := range d.Images {
		if err := enc.Encode(&img); err != nil {
			return errors.Wrapf(err, "error encoding image %d", i)
		}
	}
	return nil
}

// Decode data from binary file
func (d *Data) Decode(r io.Reader) error {
	d.DataHead = DataHead{}
	dec := gob.NewDecoder(r)
	if err := dec.Decode(&d.DataHead); err != nil {
		return errors.Wrap(err, "error decoding header")
	}
	d.Images = make([]Image, d.Len())
	for i := range d.Images {
		if err := dec.Decode(&d.Images[i]); err != nil {
			return errors.Wrapf(err, "error decoding image %d", i)
		}
	}
	return nil
}

// Calculate mean and stddev for each channel from set of images
func GetStats(imgList ...[]Image) (mean, std []float32) {
	channels := imgList[0][0].Channels()
	stat := make([]*stats.Running, channels)
	for i := range stat {
		stat[i] = new(stats.Running)
	}
	for _, images := range imgList {
		for _, img := range images {
			for ch, s := range stat {
				s.AddValues(img.Pixels(ch))
			}
		}
	}
	mean = make([]float32, channels)
	std = make([]float32, channels)
	for i, s := range stat {
		mean[i] = float32(s.Mean)
		std[i] = float32(s.StdDev)
	}
	klog.V(1).Infof("mean = %.3f stddev = %.3f", mean, std)
	return mean, std
}
