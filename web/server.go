package web

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Image grid layout
const (
	Scale = 3
	Rows  = 8
	Cols  = 10
)

// NewRouter returns the handler with routes for the training, image and config pages. If auth
// is not nil then requests must be authenticated.
func NewRouter(t *Templates, net *Network, conf *Config, auth *AuthMiddleware) *mux.Router {
	trainPage := NewTrainPage(t.Clone(), net)
	imagePage := NewImagePage(t.Clone(), net, Scale, Rows, Cols)
	configPage := NewConfigPage(t.Clone(), conf)

	r := mux.NewRouter()
	if auth != nil {
		r.Use(auth.Middleware)
	}
	r.Handle("/", http.RedirectHandler("/train/stats", http.StatusFound))

	r.Handle("/train", http.RedirectHandler("/train/stats", http.StatusFound))
	r.HandleFunc("/train/{cmd:(?:stats|start|stop|continue)}", trainPage.Base())
	r.HandleFunc("/stats", trainPage.Stats())
	r.HandleFunc("/ws", trainPage.Websocket())
	r.HandleFunc("/plot/{name:(?:loss|accuracy)}", trainPage.Plot())

	r.HandleFunc("/images", imagePage.Last())
	r.HandleFunc("/images/{dset}/{page:[0-9]+}", imagePage.Base())
	r.HandleFunc("/img/{dset}/{id:[0-9]+}", imagePage.Image())

	r.HandleFunc("/config", configPage.Base())
	r.HandleFunc("/config/save", configPage.Save()).Methods("POST")
	r.HandleFunc("/config/reset", configPage.Reset())
	return r
}
