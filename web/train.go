package web

import (
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jnb666/handson/nnet"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// pixels per inch for plot sizes given in pixels
const screenDPI = 96

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type TrainPage struct {
	*Templates
	net *Network
}

// Base data for handler functions to perform network training and display the stats
func NewTrainPage(t *Templates, net *Network) *TrainPage {
	p := &TrainPage{net: net}
	p.Templates = t.Select("/train")
	p.AddOption(Link{Name: "start", Url: "/train/start"})
	p.AddOption(Link{Name: "stop", Url: "/train/stop"})
	p.AddOption(Link{Name: "continue", Url: "/train/continue"})
	return p
}

// Handler function for the train template
func (p *TrainPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd := mux.Vars(r)["cmd"]
		klog.V(1).Infof("train: %s cmd=%s", r.URL.Path, cmd)
		switch cmd {
		case "start", "continue":
			p.net.Lock()
			p.net.Train(cmd == "start")
			p.net.Unlock()
			http.Redirect(w, r, "/train/stats", http.StatusFound)
		case "stop":
			p.net.Stop()
			http.Redirect(w, r, "/train/stats", http.StatusFound)
		default:
			p.net.Lock()
			defer p.net.Unlock()
			if err := p.ExecuteTemplate(w, "train", p); err != nil {
				logError(w, err)
			}
		}
	}
}

// Handler function for the stats frame
func (p *TrainPage) Stats() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		if err := p.ExecuteTemplate(w, "stats", p); err != nil {
			logError(w, err)
		}
	}
}

// Handler function for websocket connection, the epoch number is sent at the end of each epoch
func (p *TrainPage) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			klog.Errorf("websocket upgrade: %v", err)
			return
		}
		p.net.addConn(conn)
	}
}

// Handler function for the loss and accuracy plots in svg format
func (p *TrainPage) Plot() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		key := mux.Vars(r)["name"]
		width, height := formInt(r, "w", 600), formInt(r, "h", 400)
		p.net.Lock()
		plt, err := p.newPlot(key)
		p.net.Unlock()
		if err != nil {
			http.NotFound(w, r)
			return
		}
		writer, err := plt.WriterTo(vg.Length(width)*vg.Inch/screenDPI, vg.Length(height)*vg.Inch/screenDPI, "svg")
		if err != nil {
			logError(w, err)
			return
		}
		w.Header().Set("Content-type", "image/svg+xml")
		writer.WriteTo(w)
	}
}

func (p *TrainPage) Heading() template.HTML {
	return p.net.heading()
}

func (p *TrainPage) Headers() []string {
	return append([]string{"epoch"}, p.net.Keys...)
}

// Accuracy is used by the template to check if there is an accuracy plot
func (p *TrainPage) Accuracy() bool {
	return p.net.Classifier()
}

func (p *TrainPage) LatestStats(n int) [][]string {
	var res [][]string
	stats := p.net.Stats
	for i := len(stats) - 1; i >= 0 && i >= len(stats)-n; i-- {
		row := append([]string{strconv.Itoa(stats[i].Epoch)}, stats[i].Format(p.net.Keys)...)
		res = append(res, row)
	}
	return res
}

func (p *TrainPage) RunTime() string {
	if len(p.net.Stats) == 0 {
		return ""
	}
	elapsed := p.net.Stats[len(p.net.Stats)-1].Elapsed
	return fmt.Sprintf("run time: %s", elapsed.Round(10*time.Millisecond))
}

// plot of the training and validation values for loss or accuracy by epoch
func (p *TrainPage) newPlot(key string) (*plot.Plot, error) {
	if key != "loss" && key != "accuracy" {
		return nil, errors.Errorf("invalid plot %q", key)
	}
	plt := plot.New()
	plt.X.Padding, plt.Y.Padding = 0, 0
	plt.X.Tick.Label.Font.Size = 10
	plt.Y.Tick.Label.Font.Size = 10
	plt.X.Label.Text = "epochs"
	plt.Legend.Top = true
	plt.Legend.TextStyle.Font.Size = 12
	plt.Add(plotter.NewGrid())
	for i, name := range p.net.Keys {
		if len(p.net.Stats) == 0 || (name != key && name != "val_"+key) {
			continue
		}
		line, err := newLinePlot(p.net.Stats, i, key == "accuracy")
		if err != nil {
			return nil, err
		}
		plt.Add(line)
		plt.Legend.Add(name, line)
	}
	return plt, nil
}

func newLinePlot(stats []nnet.Stats, ix int, unitRange bool) (linePlot, error) {
	pts := make(plotter.XYs, len(stats))
	xmax, ymax := 1.0, 0.0
	for i, s := range stats {
		pts[i].X, pts[i].Y = float64(s.Epoch), s.Values[ix]
		if pts[i].X > xmax {
			xmax = pts[i].X
		}
		if pts[i].Y > ymax {
			ymax = pts[i].Y
		}
	}
	if unitRange {
		ymax = 1
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return linePlot{}, err
	}
	l.Width = vg.Points(2)
	l.Color = plotutil.Color(ix)
	return linePlot{Line: l, xmin: 1, xmax: xmax, ymin: 0, ymax: ymax}, nil
}

// modified plotter.Line with a fixed scale
type linePlot struct {
	*plotter.Line
	xmin, xmax, ymin, ymax float64
}

func (l linePlot) DataRange() (xmin, xmax, ymin, ymax float64) {
	return l.xmin, l.xmax, l.ymin, l.ymax
}

func formInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.FormValue(key)); err == nil && v > 0 {
		return v
	}
	return def
}
