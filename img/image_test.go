package img

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/jnb666/handson/nnet"
)

var chars = "  ...+++**"

func printImage(m Image) string {
	s := ""
	w, h := m.Bounds().Dx(), m.Bounds().Dy()
	for channel := 0; channel < m.Channels(); channel++ {
		pix := m.Pixels(channel)
		s += fmt.Sprintf("=== channel %d ===\n", channel)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				val := int(pix[y+x*h] * 10)
				if val < 0 {
					val = 0
				}
				if val > 9 {
					val = 9
				}
				s += fmt.Sprintf("%c ", chars[val])
			}
			s += "\n"
		}
	}
	return s
}

// diagonal line on a gray image
func testImage(size int) *GrayImage {
	m := NewGray(size, size)
	for i := 1; i < size-1; i++ {
		m.Set(size-1-i, i, Gray{Y: 1})
	}
	return m
}

func randomData(n, size, channels int, rng *rand.Rand) *Data {
	images := make([]Image, n)
	labels := make([]int32, n)
	for i := range images {
		images[i] = NewImage(size, size, channels)
		for j := range images[i].Pixels(-1) {
			images[i].Pixels(-1)[j] = rng.Float32()
		}
		labels[i] = int32(i % 10)
	}
	return NewData(strings.Split("0 1 2 3 4 5 6 7 8 9", " "), labels, images)
}

func TestImage(t *testing.T) {
	m := testImage(8)
	t.Logf("\n%s", printImage(m))
	if m.GrayAt(6, 1).Y != 1 || m.GrayAt(1, 1).Y != 0 {
		t.Error("invalid pixel values")
	}
	rgb := NewRGB(4, 3)
	rgb.Set(2, 1, RGB{R: 0.25, G: 0.5, B: 0.75})
	c := rgb.RGBAt(2, 1)
	if c.R != 0.25 || c.G != 0.5 || c.B != 0.75 {
		t.Errorf("invalid RGB value %+v", c)
	}
	if len(rgb.Pixels(1)) != 12 || rgb.Pixels(1)[1+2*3] != 0.5 {
		t.Error("invalid green channel")
	}
	h := Highlight(m, true).(*RGBImage)
	if h.RGBAt(6, 1).R != 1 || h.RGBAt(0, 0).G != 1 {
		t.Error("invalid highlight")
	}
}

func TestTransform(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	src := testImage(8)
	data := NewData([]string{"0", "1"}, []int32{0}, []Image{src})
	trans := NewTransformer(HorizFlip, 1, rng)
	var flipped Image
	for i := 0; i < 20; i++ {
		m, err := trans.Transform(data, src, 0)
		if err != nil {
			t.Fatal(err)
		}
		if m != Image(src) {
			flipped = m
			break
		}
	}
	if flipped == nil {
		t.Fatal("image was never flipped")
	}
	t.Logf("flipped\n%s", printImage(flipped))
	if flipped.(*GrayImage).GrayAt(1, 1).Y != 1 {
		t.Error("invalid flip")
	}
	trans = NewTransformer(Pan, 1, rng)
	m, _ := trans.Transform(data, src, 0)
	t.Logf("pan\n%s", printImage(m))

	if _, err := NewTransformer(Normalise, 1, rng).Transform(data, src, 0); err == nil {
		t.Error("expecting error with no mean and stddev")
	}
}

func TestNormalise(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := randomData(50, 6, 3, rng)
	d.Mean, d.StdDev = GetStats(d.Images)
	t.Logf("mean=%.3f std=%.3f", d.Mean, d.StdDev)
	for ch := range d.Mean {
		if math.Abs(float64(d.Mean[ch])-0.5) > 0.05 || math.Abs(float64(d.StdDev[ch])-math.Sqrt(1.0/12)) > 0.05 {
			t.Errorf("channel %d: unexpected stats", ch)
		}
	}
	d.SetTransformer(NewTransformer(Normalise, 2, rng))
	buf := make([]float32, d.Len()*d.nfeat())
	index := make([]int, d.Len())
	for i := range index {
		index[i] = i
	}
	d.Input(index, buf)
	images := make([]Image, d.Len())
	nfeat := d.nfeat()
	for i := range images {
		m := NewRGB(6, 6)
		copy(m.Pix, buf[i*nfeat:(i+1)*nfeat])
		images[i] = m
	}
	mean, std := GetStats(images)
	for ch := range mean {
		if math.Abs(float64(mean[ch])) > 1e-3 || math.Abs(float64(std[ch])-1) > 1e-3 {
			t.Errorf("channel %d: mean=%.4f std=%.4f after normalise", ch, mean[ch], std[ch])
		}
	}
}

func TestParseTrans(t *testing.T) {
	tr, err := ParseTrans("HorizFlip, pan")
	if err != nil || tr != HorizFlip|Pan {
		t.Errorf("got %s %v", tr, err)
	}
	t.Log(tr)
	if _, err := ParseTrans("rotate"); err == nil {
		t.Error("expecting error")
	}
}

func TestResize(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := randomData(10, 8, 3, rng)
	d2 := Resize(d, 16, 12, 3)
	if d2.Len() != 10 || d2.Dims[0] != 12 || d2.Dims[1] != 16 || d2.Dims[2] != 3 {
		t.Fatalf("invalid dims %v", d2.Dims)
	}
	b := d2.Images[0].Bounds()
	if b.Dx() != 16 || b.Dy() != 12 || len(d2.Images[9].Pixels(-1)) != 16*12*3 {
		t.Errorf("invalid image size %v", b)
	}
	// constant image is unchanged
	src := NewRGB(5, 5)
	for ch, val := range []float32{0.2, 0.5, 0.8} {
		for i := range src.Pixels(ch) {
			src.Pixels(ch)[i] = val
		}
	}
	dst := ResizeImage(src, 13, 9).(*RGBImage)
	for ch, val := range []float32{0.2, 0.5, 0.8} {
		for i, v := range dst.Pixels(ch) {
			if abs32(v-val) > 1e-3 {
				t.Fatalf("channel %d pixel %d: got %g expect %g", ch, i, v, val)
			}
		}
	}
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

func TestDataset(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := randomData(20, 4, 1, rng)
	var data nnet.Data = d
	if data.ClassSize() != 10 || len(data.Shape()) != 3 {
		t.Errorf("invalid data shape %v", data.Shape())
	}
	sub := data.Subset([]int{3, 5}).(*Data)
	if sub.Len() != 2 || sub.Labels[1] != 5 || sub.Images[0] != d.Images[3] {
		t.Error("invalid subset")
	}
	sl := d.Slice(10, 15)
	if sl.Len() != 5 || sl.Labels[0] != 0 {
		t.Error("invalid slice")
	}
	var buf bytes.Buffer
	if err := d.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	var d2 Data
	if err := d2.Decode(&buf); err != nil {
		t.Fatal(err)
	}
	if d2.Len() != d.Len() || len(d2.Images) != d.Len() {
		t.Fatalf("decode: got %d images", d2.Len())
	}
	p1, p2 := d.Images[7].Pixels(-1), d2.Images[7].Pixels(-1)
	for i := range p1 {
		if p1[i] != p2[i] {
			t.Fatal("decode: pixel mismatch")
		}
	}
}

func TestSetTransforms(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	d := randomData(20, 4, 1, rng)
	if err := d.SetTransforms("rotate", 1, rng); err == nil {
		t.Error("expecting error for invalid transform")
	}
	index := make([]int, d.Len())
	for i := range index {
		index[i] = i
	}
	nfeat := d.nfeat()
	buf := make([]float32, d.Len()*nfeat)
	if err := d.SetTransforms("HorizFlip", 2, rng); err != nil {
		t.Fatal(err)
	}
	d.Input(index, buf)
	flipped := 0
	for i, m := range d.Images {
		src := m.Pixels(-1)
		out := buf[i*nfeat : (i+1)*nfeat]
		same, mirror := true, true
		for x := 0; x < 4; x++ {
			for y := 0; y < 4; y++ {
				same = same && out[y+x*4] == src[y+x*4]
				mirror = mirror && out[y+x*4] == src[y+(3-x)*4]
			}
		}
		if !same && !mirror {
			t.Fatalf("image %d: output is not the source or its mirror image", i)
		}
		if !same {
			flipped++
		}
	}
	t.Logf("%d of %d images flipped", flipped, d.Len())
	if flipped == 0 || flipped == d.Len() {
		t.Error("expecting some images to be flipped")
	}
	if err := d.SetTransforms("", 1, rng); err != nil {
		t.Fatal(err)
	}
	d.Input(index, buf)
	for i, m := range d.Images {
		for j, v := range m.Pixels(-1) {
			if buf[i*nfeat+j] != v {
				t.Fatalf("image %d: transform not removed", i)
			}
		}
	}
}
