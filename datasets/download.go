// Package datasets loads the Fashion-MNIST and CIFAR-10 image data sets, downloading the source
// files if they are not already present.
package datasets

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Download fetches url to the file at path unless it already exists.
func Download(url, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "download")
	}
	klog.Infof("downloading %s", url)
	resp, err := http.Get(url)
	if err != nil {
		return errors.Wrapf(err, "download %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download %s: %s", url, resp.Status)
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "download")
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "download %s", url)
	}
	klog.Infof("saved %d bytes to %s", n, path)
	return errors.Wrap(os.Rename(tmp, path), "download")
}

// Untar extracts the regular files from a gzipped tar archive to dir.
func Untar(archive, dir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return errors.Wrap(err, "untar")
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "untar %s", archive)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "untar %s", archive)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Join(dir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(name, filepath.Clean(dir)+string(os.PathSeparator)) {
			return errors.Errorf("untar %s: invalid file name %s", archive, hdr.Name)
		}
		if err := writeFile(name, tr); err != nil {
			return err
		}
		klog.V(1).Infof("extracted %s", name)
	}
}

func writeFile(name string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return errors.Wrap(err, "untar")
	}
	f, err := os.Create(name)
	if err != nil {
		return errors.Wrap(err, "untar")
	}
	if _, err = io.Copy(f, r); err != nil {
		f.Close()
		return errors.Wrapf(err, "untar %s", name)
	}
	return errors.Wrap(f.Close(), "untar")
}
