// web serves a browser based monitor for training the given model.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/janpfeifer/must"
	"github.com/jnb666/handson/models"
	"github.com/jnb666/handson/web"
	"k8s.io/klog/v2"
)

var (
	flagAddr = flag.String("addr", ":8080", "address to listen on")
	flagGPU  = flag.Bool("gpu", false, "use GPU acceleration if available")
	flagUser = flag.String("user", os.Getenv("HANDSON_USER"), "user name for basic auth, no auth if blank")
	flagPass = flag.String("password", os.Getenv("HANDSON_PASSWORD"), "password for basic auth")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: web [opts] [model]\nmodels: %v\n", models.Names())
		flag.PrintDefaults()
	}
	flag.Parse()
	defer klog.Flush()
	model := "fashion_mlp"
	if flag.NArg() > 0 {
		model = flag.Arg(0)
	}
	conf := must.M1(web.NewConfig(model))
	conf.UseGPU = conf.UseGPU || *flagGPU

	net := must.M1(web.NewNetwork(conf))
	t := must.M1(web.NewTemplates())
	var auth *web.AuthMiddleware
	if *flagUser != "" {
		mw := web.NewAuthMiddleware(*flagUser, *flagPass)
		auth = &mw
	}
	r := web.NewRouter(t, net, conf, auth)

	fmt.Printf("serving web page at http://localhost%s\n", *flagAddr)
	must.M(http.ListenAndServe(*flagAddr, r))
}
