package web

import (
	"fmt"
	"html/template"
	"image/png"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/jnb666/handson/img"
	"k8s.io/klog/v2"
)

type ImagePage struct {
	*Templates
	Dset   string
	Page   int
	Pages  int
	Total  int
	Errors bool
	Rows   []int
	Cols   []int
	Width  int
	Height int
	net    *Network
}

// Base data for handler functions to view input image dataset
func NewImagePage(t *Templates, net *Network, scale float64, rows, cols int) *ImagePage {
	p := &ImagePage{net: net, Templates: t.Select("/images"), Page: 1}
	for _, dset := range []string{"train", "valid", "test"} {
		if _, ok := net.Data[dset]; ok {
			p.AddOption(Link{Name: dset, Url: "/images/" + dset + "/1"})
		}
	}
	dims := net.Data["train"].Shape()
	if len(dims) >= 2 {
		p.Width = int(float64(dims[1]) * scale)
		p.Height = int(float64(dims[0]) * scale)
	}
	p.Rows = seq(rows)
	p.Cols = seq(cols)
	return p
}

// Handler function which redirects to the last page viewed in this session
func (p *ImagePage) Last() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		s := p.session(r)
		dset, _ := s.Values["dset"].(string)
		page, _ := s.Values["page"].(int)
		if dset == "" || page < 1 {
			dset, page = "train", 1
		}
		http.Redirect(w, r, fmt.Sprintf("/images/%s/%d", dset, page), http.StatusFound)
	}
}

// Handler function for the grid of images. If the errors form value is set then only
// the images which were incorrectly classified are shown.
func (p *ImagePage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		p.net.Lock()
		defer p.net.Unlock()
		if _, ok := p.net.Data[vars["dset"]]; !ok {
			http.NotFound(w, r)
			return
		}
		p.Dset = vars["dset"]
		p.Page, _ = strconv.Atoi(vars["page"])
		p.Errors = r.FormValue("errors") != ""
		p.Total, p.Pages = p.pageCount()
		p.Page = mod(p.Page, 1, p.Pages)
		for i, opt := range p.Options {
			p.Options[i].Selected = opt.Name == p.Dset
		}
		s := p.session(r)
		s.Values["dset"], s.Values["page"] = p.Dset, p.Page
		if err := s.Save(r, w); err != nil {
			klog.Errorf("error saving session: %v", err)
		}
		if err := p.ExecuteTemplate(w, "images", p); err != nil {
			logError(w, err)
		}
	}
}

func (p *ImagePage) Heading() template.HTML {
	return p.net.heading()
}

func (p *ImagePage) Prev() int { return mod(p.Page-1, 1, p.Pages) }

func (p *ImagePage) Next() int { return mod(p.Page+1, 1, p.Pages) }

func (p *ImagePage) pageCount() (nimg, pages int) {
	for i := range p.net.Data[p.Dset].Labels {
		if p.showImage(i) {
			nimg++
		}
	}
	rows, cols := len(p.Rows), len(p.Cols)
	pages = nimg / (rows * cols)
	if nimg%(rows*cols) != 0 || pages == 0 {
		pages++
	}
	return nimg, pages
}

func (p *ImagePage) showImage(i int) bool {
	if !p.Errors {
		return true
	}
	pred, ok := p.net.Pred[p.Dset]
	return ok && i < len(pred) && pred[i] != p.net.Data[p.Dset].Labels[i]
}

// Index returns the image id at the given grid position, starting from 1, or 0 if there is none.
func (p *ImagePage) Index(row, col int) int {
	rows, cols := len(p.Rows), len(p.Cols)
	index := (p.Page-1)*rows*cols + row*cols + col
	for i := range p.net.Data[p.Dset].Labels {
		if p.showImage(i) {
			index--
			if index < 0 {
				return i + 1
			}
		}
	}
	return 0
}

func (p *ImagePage) label(i int) int {
	lab := p.net.Data[p.Dset].Labels
	if i < 1 || i > len(lab) {
		return -1
	}
	return int(lab[i-1])
}

func (p *ImagePage) predict(i int) int {
	pred, ok := p.net.Pred[p.Dset]
	if !ok || i < 1 || i > len(pred) {
		return -1
	}
	return int(pred[i-1])
}

// Label returns the class name for the image and the predicted class if it is different
func (p *ImagePage) Label(i int) string {
	classes := p.net.Data[p.Dset].Classes()
	name := func(c int) string {
		if c >= 0 && c < len(classes) {
			return classes[c]
		}
		return strconv.Itoa(c)
	}
	lab := p.label(i)
	text := name(lab)
	if pred := p.predict(i); pred >= 0 && pred != lab {
		text += " => " + name(pred)
	}
	return text
}

// Handler function for the image data in png format. Images with the wrong predicted class are
// highlighted. If the d form value is set a random distortion is applied.
func (p *ImagePage) Image() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		vars := mux.Vars(r)
		data, ok := p.net.Data[vars["dset"]]
		id, _ := strconv.Atoi(vars["id"])
		if !ok || id < 1 || id > data.Len() {
			http.NotFound(w, r)
			return
		}
		image := data.Image(id-1, r.FormValue("ch"))
		if r.FormValue("d") != "" {
			var err error
			if image, err = p.net.trans.Transform(data, image, 0); err != nil {
				logError(w, err)
				return
			}
		}
		pred, ok := p.net.Pred[vars["dset"]]
		wrong := ok && id <= len(pred) && pred[id-1] != data.Labels[id-1]
		image = img.Highlight(image, wrong)
		w.Header().Set("Content-type", "image/png")
		png.Encode(w, image)
	}
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}

func mod(i, min, max int) int {
	if i < min {
		i = max
	}
	if i > max {
		i = min
	}
	return i
}
