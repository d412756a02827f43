package datasets

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jnb666/handson/img"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CIFARURL is the location of the CIFAR-10 binary version
var CIFARURL = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"

const (
	imageWidth  = 32
	imageHeight = 32
	imageSize   = imageWidth * imageHeight
	imageBytes  = imageSize*3 + 1
	cifarDir    = "cifar-10-batches-bin"
)

// CIFAR10 loads the 50000 training and 10000 test images from the binary batch files under dir,
// downloading and extracting the archive if needed.
func CIFAR10(dir string) (train, test *img.Data, err error) {
	batchDir := filepath.Join(dir, cifarDir)
	if _, err = os.Stat(filepath.Join(batchDir, "test_batch.bin")); err != nil {
		archive := filepath.Join(dir, filepath.Base(CIFARURL))
		if err = Download(CIFARURL, archive); err != nil {
			return
		}
		if err = Untar(archive, dir); err != nil {
			return
		}
	}
	classes, err := readClasses(filepath.Join(batchDir, "batches.meta.txt"))
	if err != nil {
		return
	}
	for i := 1; i <= 5; i++ {
		var d *img.Data
		if d, err = loadBatch(filepath.Join(batchDir, fmt.Sprintf("data_batch_%d.bin", i)), classes); err != nil {
			return
		}
		if train == nil {
			train = d
		} else {
			train.Labels = append(train.Labels, d.Labels...)
			train.Images = append(train.Images, d.Images...)
		}
	}
	test, err = loadBatch(filepath.Join(batchDir, "test_batch.bin"), classes)
	return
}

// load batch of cifar-10 images and labels in binary format
func loadBatch(pathName string, classes []string) (*img.Data, error) {
	f, err := os.Open(pathName)
	if err != nil {
		return nil, errors.Wrap(err, "cifar10")
	}
	defer f.Close()
	labels, images, err := readBatch(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "error reading from %s", pathName)
	}
	klog.V(1).Infof("read %d images from %s", len(labels), filepath.Base(pathName))
	return img.NewData(classes, labels, images), nil
}

func readBatch(r io.Reader) (labels []int32, images []img.Image, err error) {
	labels = make([]int32, 0, 10000)
	images = make([]img.Image, 0, 10000)
	bytes := make([]uint8, imageBytes)
	for {
		n, err := io.ReadFull(r, bytes)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.Errorf("incomplete read: expected %d bytes got %d", imageBytes, n)
		}
		labels = append(labels, int32(bytes[0]))
		m := img.NewRGB(imageWidth, imageHeight)
		for ch := 0; ch < 3; ch++ {
			pix := m.Pixels(ch)
			for j, val := range bytes[1+ch*imageSize : 1+(ch+1)*imageSize] {
				pix[j/imageWidth+(j%imageWidth)*imageHeight] = float32(val) / 255
			}
		}
		images = append(images, m)
	}
	if len(labels) == 0 {
		return nil, nil, errors.New("no images found")
	}
	return labels, images, nil
}

// load class descriptions from file
func readClasses(pathName string) ([]string, error) {
	f, err := os.Open(pathName)
	if err != nil {
		return nil, errors.Wrap(err, "cifar10")
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	classes := []string{}
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, errors.Wrap(s.Err(), "cifar10")
}
