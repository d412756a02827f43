package web

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/jnb666/handson/models"
	"github.com/jnb666/handson/nnet"
	"k8s.io/klog/v2"
)

// Config is the network configuration for the named model.
type Config struct {
	Model string
	nnet.Config
}

// NewConfig loads the config for the model from DataDir, creating it from the registered
// definition if needed.
func NewConfig(model string) (*Config, error) {
	conf, err := models.Load(model)
	if err != nil {
		return nil, err
	}
	return &Config{Model: model, Config: conf}, nil
}

type ConfigPage struct {
	*Templates
	Fields []Field
	Layers []Layer
	conf   *Config
	sync.Mutex
}

type Field struct {
	Name    string
	Value   string
	Error   string
	Boolean bool
	On      bool
}

type Layer struct {
	Index int
	Desc  string
}

// Base data for handler functions to view and update the network config
func NewConfigPage(t *Templates, conf *Config) *ConfigPage {
	p := &ConfigPage{conf: conf}
	p.Templates = t.Select("/config")
	p.AddOption(Link{Name: "save", Url: "/config/save", Submit: true})
	p.AddOption(Link{Name: "reset", Url: "/config/reset"})
	p.Fields = getFields(&conf.Config)
	p.Layers = getLayers(&conf.Config)
	return p
}

// Handler function for the config template
func (p *ConfigPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Lock()
		defer p.Unlock()
		if err := p.ExecuteTemplate(w, "config", p); err != nil {
			logError(w, err)
		}
	}
}

// Handler function for the config form save action. The new settings are used for the next run
// of the program.
func (p *ConfigPage) Save() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Lock()
		defer p.Unlock()
		r.ParseForm()
		haveErrors := false
		conf := p.conf.Config
		for i, fld := range p.Fields {
			val := r.Form.Get(fld.Name)
			var err error
			if fld.Boolean {
				p.Fields[i].On = (val == "true")
				conf, err = conf.SetBool(fld.Name, p.Fields[i].On)
			} else {
				p.Fields[i].Value = val
				conf, err = conf.SetString(fld.Name, val)
			}
			p.Fields[i].Error = ""
			if err != nil {
				p.Fields[i].Error = "invalid syntax"
				haveErrors = true
			}
		}
		if !haveErrors {
			if err := conf.Validate(); err != nil {
				klog.Errorf("config %s: %v", p.conf.Model, err)
				haveErrors = true
			}
		}
		if !haveErrors {
			if err := conf.Save(p.conf.Model + ".net"); err != nil {
				logError(w, err)
				return
			}
			p.conf.Config = conf
		}
		http.Redirect(w, r, "/config", http.StatusFound)
	}
}

// Handler function for the config reset action which restores the default settings
func (p *ConfigPage) Reset() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Lock()
		defer p.Unlock()
		conf, err := nnet.LoadConfig(p.conf.Model + ".default")
		if err != nil {
			logError(w, err)
			return
		}
		if err = conf.Save(p.conf.Model + ".net"); err != nil {
			logError(w, err)
			return
		}
		p.conf.Config = conf
		p.Fields = getFields(&conf)
		p.Layers = getLayers(&conf)
		http.Redirect(w, r, "/config", http.StatusFound)
	}
}

func (p *ConfigPage) Heading() string {
	return "model: " + p.conf.Model
}

func getFields(conf *nnet.Config) []Field {
	var flds []Field
	for _, key := range conf.Fields() {
		if key != "UseGPU" {
			f := Field{Name: key, Value: fmt.Sprint(conf.Get(key))}
			f.On, f.Boolean = conf.Get(key).(bool)
			flds = append(flds, f)
		}
	}
	return flds
}

func getLayers(conf *nnet.Config) []Layer {
	layers := make([]Layer, len(conf.Layers))
	for i, l := range conf.Layers {
		layers[i].Index = i
		layers[i].Desc = l.String()
	}
	return layers
}
