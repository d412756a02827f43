package img

import (
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/jnb666/handson/num"
	"github.com/pkg/errors"
)

// Types of image transformations
type TransType int

const NoTrans TransType = 0

const (
	HorizFlip TransType = 1 << iota
	Pan
	Normalise
)

var transTypeNames = map[TransType]string{
	HorizFlip: "HorizFlip",
	Pan:       "Pan",
	Normalise: "Normalise",
}

func (t TransType) String() string {
	if t == NoTrans {
		return "None"
	}
	s := []string{}
	for key, name := range transTypeNames {
		if t&key != 0 {
			s = append(s, name)
		}
	}
	sort.Strings(s)
	return strings.Join(s, " ")
}

// ParseTrans gets the transform flags from a list of space or comma separated names.
func ParseTrans(names string) (TransType, error) {
	t := NoTrans
	for _, name := range strings.FieldsFunc(names, func(r rune) bool { return r == ' ' || r == ',' }) {
		found := false
		for key, n := range transTypeNames {
			if strings.EqualFold(name, n) {
				t |= key
				found = true
			}
		}
		if !found && !strings.EqualFold(name, "none") {
			return t, errors.Errorf("invalid image transform %q", name)
		}
	}
	return t, nil
}

var PanPixels = 4

type Transformer struct {
	Amount float64
	Trans  TransType
	rng    []*rand.Rand
}

// Create a new transformer object which applies a sequence of image transformations using
// the given number of threads, or the default if threads is zero.
func NewTransformer(trans TransType, threads int, rng *rand.Rand) *Transformer {
	if threads < 1 {
		threads = num.DefaultThreads()
	}
	t := &Transformer{Amount: 1, Trans: trans}
	for i := 0; i < threads; i++ {
		t.rng = append(t.rng, rand.New(rand.NewSource(rng.Int63())))
	}
	return t
}

// Transform a batch of images from the data set in parallel
func (t *Transformer) TransformBatch(data *Data, index []int, dst []Image) []Image {
	if dst == nil {
		dst = make([]Image, len(index))
	}
	var wg sync.WaitGroup
	queue := make(chan int, len(t.rng))
	for thread := range t.rng {
		wg.Add(1)
		go func(thread int) {
			var err error
			for i := range queue {
				ix := index[i]
				dst[i], err = t.Transform(data, data.Images[ix], thread)
				if err != nil {
					panic(err)
				}
			}
			wg.Done()
		}(thread)
	}
	for i := range index {
		queue <- i
	}
	close(queue)
	wg.Wait()
	return dst
}

// Perform one or more image transforms
func (t *Transformer) Transform(data *Data, img Image, thread int) (Image, error) {
	rng := t.rng[thread]
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if t.Trans&HorizFlip != 0 && rng.Float64() > 0.5 {
		img = transform(img, func(x, y int) (int, int) { return w - x - 1, y })
	}
	if t.Trans&Pan != 0 {
		off := int(float64(PanPixels)*t.Amount + 0.5)
		ox := rng.Intn(2*off+1) - off
		oy := rng.Intn(2*off+1) - off
		if ox != 0 || oy != 0 {
			img = transform(img, func(x, y int) (int, int) { return wrap(x-ox, w), wrap(y-oy, h) })
		}
	}
	var err error
	if t.Trans&Normalise != 0 {
		img, err = normalise(data, img)
	}
	return img, err
}

// scale each channel to zero mean and unit standard deviation
func normalise(data *Data, src Image) (Image, error) {
	channels := src.Channels()
	if len(data.Mean) != channels || len(data.StdDev) != channels {
		return src, errors.New("error applying normalisation - missing mean and stddev")
	}
	dst := NewImageLike(src)
	for ch := 0; ch < channels; ch++ {
		pix := dst.Pixels(ch)
		for i, val := range src.Pixels(ch) {
			pix[i] = (val - data.Mean[ch]) / data.StdDev[ch]
		}
	}
	return dst, nil
}

func transform(src Image, fn func(x, y int) (int, int)) Image {
	dst := NewImageLike(src)
	dx, dy := src.Bounds().Dx(), src.Bounds().Dy()
	for y := 0; y < dy; y++ {
		for x := 0; x < dx; x++ {
			sx, sy := fn(x, y)
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}

// reflect coordinates which are off the edge of the image
func wrap(x, dx int) int {
	if x < 0 {
		return -x - 1
	}
	if x >= dx {
		return 2*dx - x - 1
	}
	return x
}

func clamp(x, x0, x1 float32) float32 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}
