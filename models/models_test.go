package models

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/jnb666/handson/nnet"
	"github.com/jnb666/handson/num"
)

func TestFashionMLP(t *testing.T) {
	q := num.NewDevice(false).NewQueue(1)
	defer q.Shutdown()
	conf := FashionMLP()
	if err := conf.Validate(); err != nil {
		t.Fatal(err)
	}
	net := nnet.New(q, conf, 1, []int{28, 28, 1})
	t.Log(strings.Join(net.Names, " "))
	if len(net.Layers) != 4 || net.Names[1] != "dense" || net.Names[3] != "dense_2" {
		t.Errorf("invalid layers %v", net.Names)
	}
	if total, _, _ := net.Params(); total != 266610 {
		t.Errorf("expecting 266610 params, got %d", total)
	}
}

func TestTransferModels(t *testing.T) {
	q := num.NewDevice(false).NewQueue(1)
	defer q.Shutdown()
	a := nnet.New(q, TransferA(), 1, []int{28, 28, 1})
	if total, _, _ := a.Params(); total != 276158 {
		t.Errorf("model A: expecting 276158 params, got %d", total)
	}
	confB := TransferB(a.Config)
	if len(a.Config.Layers) != 7 {
		t.Error("model A config modified")
	}
	b := nnet.New(q, confB, 1, []int{28, 28, 1})
	b.FreezeTo(len(b.Layers) - 1)
	total, trainable, _ := b.Params()
	t.Log("\n" + b.Summary())
	if total != 275801 || trainable != 51 || b.Loss != nnet.LossBinary {
		t.Errorf("model B: got %d params %d trainable", total, trainable)
	}
}

func TestMobileNet(t *testing.T) {
	q := num.NewDevice(false).NewQueue(2)
	defer q.Shutdown()
	conf, base := MobileNet(0.125, 10)
	if base != 3+13*6+1 || len(conf.Layers) != base+1 {
		t.Fatalf("invalid layer count: %d %d", base, len(conf.Layers))
	}
	if err := conf.Validate(); err != nil {
		t.Fatal(err)
	}
	net := nnet.New(q, conf, 2, []int{32, 32, 3})
	net.InitWeights(rand.New(rand.NewSource(1)))
	net.FreezeTo(base)
	if out := net.OutShape(); len(out) != 1 || out[0] != 10 {
		t.Fatalf("invalid output shape %v", out)
	}
	_, trainable, _ := net.Params()
	if trainable != 128*10+10 {
		t.Errorf("expecting only the head to be trainable, got %d", trainable)
	}
	rng := rand.New(rand.NewSource(2))
	input := q.NewArray(num.Float32, 32, 32, 3, 2)
	data := make([]float32, input.Size())
	for i := range data {
		data[i] = rng.Float32()
	}
	q.Call(num.Write(input, data))
	pred := net.Predict(input, nil)
	res := make([]float32, pred.Size())
	q.Call(num.Read(pred, res)).Finish()
	for n := 0; n < 2; n++ {
		var sum float64
		for _, v := range res[n*10 : (n+1)*10] {
			sum += float64(v)
		}
		if math.Abs(sum-1) > 1e-4 {
			t.Errorf("sample %d: softmax output sums to %g", n, sum)
		}
	}
}

func TestWideDeep(t *testing.T) {
	q := num.NewDevice(false).NewQueue(1)
	defer q.Shutdown()
	conf, nwide, ndeep := WideDeep()
	m := nnet.NewWideDeep(q, conf, nwide, ndeep, 32)
	s := m.Summary()
	t.Log("\n" + s)
	for _, name := range []string{"wide_input", "deep_input", "dense_1", "concatenate", "output", "Total params: 1,176"} {
		if !strings.Contains(s, name) {
			t.Errorf("summary missing %s", name)
		}
	}
}

func TestRegistry(t *testing.T) {
	save := nnet.DataDir
	defer func() { nnet.DataDir = save }()
	nnet.DataDir = t.TempDir()
	t.Log(Names())
	if _, err := Get("unknown"); err == nil {
		t.Error("expecting error for unknown model")
	}
	conf, err := Load("fashion_mlp")
	if err != nil {
		t.Fatal(err)
	}
	if !nnet.FileExists("fashion_mlp.net") || !nnet.FileExists("fashion_mlp.default") {
		t.Fatal("config files not saved")
	}
	conf.Eta = 0.5
	if err := conf.Save("fashion_mlp.net"); err != nil {
		t.Fatal(err)
	}
	conf2, err := Load("fashion_mlp")
	if err != nil {
		t.Fatal(err)
	}
	if conf2.Eta != 0.5 || len(conf2.Layers) != 4 {
		t.Errorf("config not reloaded: eta=%g layers=%d", conf2.Eta, len(conf2.Layers))
	}
}
