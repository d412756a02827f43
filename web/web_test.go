package web

import (
	"bytes"
	"image/png"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/jnb666/handson/img"
	"github.com/jnb666/handson/nnet"
	"gonum.org/v1/plot/vg"
)

// 6x6 gray images with a bright 2 pixel wide vertical bar at a position set by the class
func barData(n int, rng *rand.Rand) *img.Data {
	labels := make([]int32, n)
	images := make([]img.Image, n)
	for i := range images {
		m := img.NewGray(6, 6)
		c := rng.Intn(3)
		labels[i] = int32(c)
		for y := 0; y < 6; y++ {
			for x := 0; x < 6; x++ {
				m.Pix[y+x*6] = 0.1 * rng.Float32()
				if x/2 == c {
					m.Pix[y+x*6] += 0.8
				}
			}
		}
		images[i] = m
	}
	return img.NewData([]string{"left", "middle", "right"}, labels, images)
}

func testConfig() *Config {
	conf := nnet.DefaultConfig
	conf.DataSet = "bars"
	conf.Eta = 0.1
	conf.MaxEpoch = 3
	conf.TrainBatch = 10
	conf.TestBatch = 0
	conf.ValidSplit = 0.25
	conf.RandSeed = 1
	conf = conf.AddLayers(nnet.Flatten{}, nnet.Linear{Nout: 3, Activ: "softmax"})
	return &Config{Model: "bars", Config: conf}
}

func testServer(t *testing.T, auth *AuthMiddleware) (*Network, *Config, http.Handler) {
	save := nnet.DataDir
	t.Cleanup(func() { nnet.DataDir = save })
	nnet.DataDir = t.TempDir()
	conf := testConfig()
	if err := conf.SaveDefault(conf.Model); err != nil {
		t.Fatal(err)
	}
	net, err := NewNetworkData(conf.Model, conf.Config, barData(120, rand.New(rand.NewSource(1))), nil)
	if err != nil {
		t.Fatal(err)
	}
	tmpl, err := NewTemplates()
	if err != nil {
		t.Fatal(err)
	}
	return net, conf, NewRouter(tmpl, net, conf, auth)
}

func get(t *testing.T, h http.Handler, path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	t.Logf("GET %s => %d", path, w.Code)
	return w
}

func TestTrain(t *testing.T) {
	net, _, h := testServer(t, nil)
	if w := get(t, h, "/train/stats"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "bars: epoch") {
		t.Fatalf("invalid train page: %d", w.Code)
	}
	net.Lock()
	net.Train(true)
	net.Unlock()
	net.Wait()
	if net.Running() {
		t.Error("training should have finished")
	}
	if len(net.Stats) != 3 || net.Epoch != 3 {
		t.Fatalf("expecting 3 epochs, got %d", len(net.Stats))
	}
	if len(net.Pred["valid"]) != 30 {
		t.Errorf("expecting 30 predictions, got %d", len(net.Pred["valid"]))
	}
	w := get(t, h, "/stats")
	if body := w.Body.String(); w.Code != http.StatusOK || !strings.Contains(body, "val_accuracy") || !strings.Contains(body, "run time") {
		t.Errorf("invalid stats page:\n%s", body)
	}
	for _, name := range []string{"loss", "accuracy"} {
		w := get(t, h, "/plot/"+name)
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<svg") {
			t.Errorf("invalid %s plot", name)
		}
	}
	if w := get(t, h, "/plot/other"); w.Code != http.StatusNotFound {
		t.Errorf("expecting not found, got %d", w.Code)
	}
}

func TestImages(t *testing.T) {
	net, _, h := testServer(t, nil)
	w := get(t, h, "/img/train/1")
	if w.Code != http.StatusOK || w.Header().Get("Content-type") != "image/png" {
		t.Fatalf("invalid image response %d", w.Code)
	}
	m, err := png.Decode(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := m.Bounds(); b.Dx() != 6 || b.Dy() != 6 {
		t.Errorf("invalid image size %v", b)
	}
	if w := get(t, h, "/img/train/1?d=1"); w.Code != http.StatusOK {
		t.Errorf("distort: got %d", w.Code)
	}
	for _, path := range []string{"/img/train/0", "/img/train/1000", "/img/other/1", "/images/other/1"} {
		if w := get(t, h, path); w.Code != http.StatusNotFound {
			t.Errorf("%s: expecting not found, got %d", path, w.Code)
		}
	}
	net.Pred["valid"] = make([]int32, 30)
	w = get(t, h, "/images/valid/2?errors=1")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/img/valid/") {
		t.Fatalf("invalid images page: %d", w.Code)
	}
	cookies := w.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("session cookie not set")
	}
	w = get(t, h, "/images", cookies...)
	if loc := w.Header().Get("Location"); w.Code != http.StatusFound || loc != "/images/valid/1" {
		t.Errorf("expecting redirect to last page, got %d %s", w.Code, loc)
	}
	w = get(t, h, "/images")
	if loc := w.Header().Get("Location"); loc != "/images/train/1" {
		t.Errorf("expecting redirect to first page, got %s", loc)
	}
}

func TestConfigPage(t *testing.T) {
	_, conf, h := testServer(t, nil)
	w := get(t, h, "/config")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "TrainBatch") || !strings.Contains(w.Body.String(), "linear") {
		t.Fatalf("invalid config page: %d", w.Code)
	}
	form := url.Values{}
	for _, f := range getFields(&conf.Config) {
		if f.Boolean {
			if f.On {
				form.Set(f.Name, "true")
			}
		} else {
			form.Set(f.Name, f.Value)
		}
	}
	form.Set("Eta", "0.05")
	req := httptest.NewRequest("POST", "/config/save", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusFound || conf.Eta != 0.05 {
		t.Fatalf("config not saved: %d eta=%g", w.Code, conf.Eta)
	}
	saved, err := nnet.LoadConfig("bars.net")
	if err != nil || saved.Eta != 0.05 {
		t.Errorf("config file not updated: %v", err)
	}
	if w := get(t, h, "/config/reset"); w.Code != http.StatusFound || conf.Eta != 0.1 {
		t.Errorf("config not reset: eta=%g", conf.Eta)
	}
}

func TestAuth(t *testing.T) {
	auth := NewAuthMiddleware("user", "secret")
	_, _, h := testServer(t, &auth)
	if w := get(t, h, "/config"); w.Code != http.StatusUnauthorized {
		t.Errorf("expecting unauthorized, got %d", w.Code)
	}
	req := httptest.NewRequest("GET", "/config", nil)
	req.SetBasicAuth("user", "wrong")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad password: expecting unauthorized, got %d", w.Code)
	}
	req = httptest.NewRequest("GET", "/config", nil)
	req.SetBasicAuth("user", "secret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expecting ok, got %d", w.Code)
	}
	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == cookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("auth cookie not set")
	}
	if w := get(t, h, "/config", cookie); w.Code != http.StatusOK {
		t.Errorf("cookie auth: expecting ok, got %d", w.Code)
	}
}

func TestNewPlot(t *testing.T) {
	net, _, _ := testServer(t, nil)
	p := &TrainPage{net: net}
	for epoch := 1; epoch <= 3; epoch++ {
		vals := make([]float64, len(net.Keys))
		for i := range vals {
			vals[i] = 1 / float64(epoch+i)
		}
		net.Stats = append(net.Stats, nnet.Stats{Epoch: epoch, Values: vals})
	}
	for _, key := range []string{"loss", "accuracy"} {
		plt, err := p.newPlot(key)
		if err != nil {
			t.Fatal(err)
		}
		w, err := plt.WriterTo(600*vg.Inch/screenDPI, 400*vg.Inch/screenDPI, "svg")
		if err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		if _, err := w.WriteTo(&buf); err != nil {
			t.Fatal(err)
		}
		t.Logf("%s plot: %d bytes", key, buf.Len())
		if !strings.Contains(buf.String(), "<svg") || !strings.Contains(buf.String(), "val_"+key) {
			t.Errorf("%s: invalid svg output", key)
		}
	}
	if _, err := p.newPlot("other"); err == nil {
		t.Error("expecting error for invalid plot name")
	}
}
