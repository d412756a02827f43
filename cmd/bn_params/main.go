// bn_params prints the summary of the batch normalised Fashion-MNIST classifier and the variables
// of the first batch norm layer.
package main

import (
	"flag"
	"fmt"

	"github.com/jnb666/handson/models"
	"github.com/jnb666/handson/nnet"
	"github.com/jnb666/handson/num"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	q := num.NewDevice(false).NewQueue(1)
	defer q.Shutdown()
	net := nnet.New(q, models.BatchNormMLP(), 1, []int{28, 28, 1})
	fmt.Print(net.Summary())
	var vars []string
	for _, v := range net.Variables(1) {
		vars = append(vars, fmt.Sprintf("(%q, %v)", v.Name, v.Trainable()))
	}
	fmt.Println(vars)
}
