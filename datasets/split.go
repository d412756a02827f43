package datasets

import (
	"github.com/jnb666/handson/img"
)

const (
	sandal = 5
	shirt  = 6
)

// TransferSplit splits a Fashion-MNIST set into two tasks. Task A has all of the images except
// sandals and shirts, with the classes above these shifted down to give 8 classes. Task B has only
// sandals and shirts with label 1 for a shirt.
func TransferSplit(d *img.Data) (a, b *img.Data) {
	var aIndex, bIndex []int
	for i, label := range d.Labels {
		if label == sandal || label == shirt {
			bIndex = append(bIndex, i)
		} else {
			aIndex = append(aIndex, i)
		}
	}
	a = d.Subset(aIndex).(*img.Data)
	a.Class = nil
	for i, name := range d.Class {
		if i != sandal && i != shirt {
			a.Class = append(a.Class, name)
		}
	}
	for i, label := range a.Labels {
		if label > shirt {
			a.Labels[i] = label - 2
		}
	}
	b = d.Subset(bIndex).(*img.Data)
	b.Class = []string{d.Class[sandal], d.Class[shirt]}
	for i, label := range b.Labels {
		if label == shirt {
			b.Labels[i] = 1
		} else {
			b.Labels[i] = 0
		}
	}
	return a, b
}
