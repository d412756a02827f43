package datasets

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/jnb666/handson/img"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FashionURL is the mirror used by keras.datasets.fashion_mnist
var FashionURL = "https://storage.googleapis.com/tensorflow/tf-keras-datasets/"

var FashionClasses = []string{"T-shirt/top", "Trouser", "Pullover", "Dress", "Coat",
	"Sandal", "Shirt", "Sneaker", "Bag", "Ankle boot"}

const (
	labelMagic = 2049
	imageMagic = 2051
)

type labelHeader struct{ Magic, Num uint32 }

type imageHeader struct{ Magic, Num, Height, Width uint32 }

// FashionMNIST loads the 60000 training and 10000 test images from the gzipped IDX files in dir,
// downloading them if needed. Pixel values are scaled to the range 0-1.
func FashionMNIST(dir string) (train, test *img.Data, err error) {
	if train, err = loadIDX(dir, "train-images-idx3-ubyte.gz", "train-labels-idx1-ubyte.gz"); err != nil {
		return
	}
	test, err = loadIDX(dir, "t10k-images-idx3-ubyte.gz", "t10k-labels-idx1-ubyte.gz")
	return
}

func loadIDX(dir, imageFile, labelFile string) (*img.Data, error) {
	var labels []int32
	var images []img.Image
	err := readGzip(dir, labelFile, func(r io.Reader) (err error) {
		labels, err = readLabels(r)
		return
	})
	if err != nil {
		return nil, err
	}
	err = readGzip(dir, imageFile, func(r io.Reader) (err error) {
		images, err = readImages(r)
		return
	})
	if err != nil {
		return nil, err
	}
	if len(labels) != len(images) {
		return nil, errors.Errorf("%s: have %d images and %d labels", imageFile, len(images), len(labels))
	}
	return img.NewData(FashionClasses, labels, images), nil
}

func readGzip(dir, name string, fn func(io.Reader) error) error {
	pathName := filepath.Join(dir, name)
	if err := Download(FashionURL+name, pathName); err != nil {
		return err
	}
	f, err := os.Open(pathName)
	if err != nil {
		return errors.Wrap(err, "fashion mnist")
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "read %s", name)
	}
	defer gz.Close()
	return errors.Wrapf(fn(gz), "read %s", name)
}

func readImages(r io.Reader) ([]img.Image, error) {
	var head imageHeader
	if err := binary.Read(r, binary.BigEndian, &head); err != nil {
		return nil, err
	}
	if head.Magic != imageMagic {
		return nil, errors.Errorf("invalid magic number %d for image file", head.Magic)
	}
	n, h, w := int(head.Num), int(head.Height), int(head.Width)
	klog.V(1).Infof("read %d %dx%d images", n, h, w)
	images := make([]img.Image, n)
	pixels := make([]uint8, w*h)
	for i := range images {
		if _, err := io.ReadFull(r, pixels); err != nil {
			return nil, err
		}
		m := img.NewGray(w, h)
		for j, pix := range pixels {
			m.Pix[j/w+(j%w)*h] = float32(pix) / 255
		}
		images[i] = m
	}
	return images, nil
}

func readLabels(r io.Reader) ([]int32, error) {
	var head labelHeader
	if err := binary.Read(r, binary.BigEndian, &head); err != nil {
		return nil, err
	}
	if head.Magic != labelMagic {
		return nil, errors.Errorf("invalid magic number %d for label file", head.Magic)
	}
	klog.V(1).Infof("read %d labels", head.Num)
	bytes := make([]byte, head.Num)
	if _, err := io.ReadFull(r, bytes); err != nil {
		return nil, err
	}
	labels := make([]int32, head.Num)
	for i, label := range bytes {
		labels[i] = int32(label)
	}
	return labels, nil
}
