package img

import (
	"sync"

	"github.com/jnb666/handson/num"
	"golang.org/x/image/draw"
	"k8s.io/klog/v2"
)

// ResizeImage scales the image to the given size using bilinear interpolation.
func ResizeImage(src Image, width, height int) Image {
	dst := NewImage(width, height, src.Channels())
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// Resize returns a new data set with each image scaled to width x height. The work is split
// between the given number of threads, or the default if threads is zero.
func Resize(d *Data, width, height, threads int) *Data {
	if threads < 1 {
		threads = num.DefaultThreads()
	}
	klog.Infof("resizing %d images from %dx%d to %dx%d", d.Len(), d.Dims[1], d.Dims[0], width, height)
	images := make([]Image, d.Len())
	var wg sync.WaitGroup
	queue := make(chan int, threads)
	for thread := 0; thread < threads; thread++ {
		wg.Add(1)
		go func() {
			for i := range queue {
				images[i] = ResizeImage(d.Images[i], width, height)
			}
			wg.Done()
		}()
	}
	for i := range d.Images {
		queue <- i
	}
	close(queue)
	wg.Wait()
	data := &Data{DataHead: d.DataHead, Images: images, trans: d.trans}
	data.Dims = []int{height, width, d.Dims[2]}
	return data
}
