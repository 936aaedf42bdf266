package model

import (
	"os"
	"strings"

	"github.com/sbinet/npyio/npz"
	"k8s.io/klog/v2"

	"github.com/pkg/errors"

	"alexnet-finetune/internal/tensor"
)

// NpySuffix is the extension of every array stored in an npz archive.
const NpySuffix = ".npy"

// LoadPretrained assigns every parameter of every non-trainable layer from the
// npz archive at path. Arrays are keyed "<layer>/<param>", e.g. "conv1/weights".
// Trainable layers keep their random initialisation. Arrays for trainable or
// unknown layers are ignored.
func (n *Network) LoadPretrained(path string) error {
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, "pretrained weights %q", path)
	}
	store, err := npz.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening pretrained weights %q", path)
	}
	defer store.Close()

	keys := make(map[string]string)
	for _, key := range store.Keys() {
		keys[strings.TrimSuffix(key, NpySuffix)] = key
	}

	used := make(map[string]bool, len(keys))
	loaded := 0
	for _, l := range n.layers {
		if n.IsTrainable(l.Name()) {
			continue
		}
		for _, p := range l.Params() {
			key, ok := keys[p.Name]
			if !ok {
				return errors.Errorf("pretrained weights %q have no array for %s", path, p.Name)
			}
			if err := ReadArray(store, key, p.Value); err != nil {
				return errors.WithMessagef(err, "pretrained weights %q", path)
			}
			used[p.Name] = true
			loaded++
		}
	}
	if klog.V(1).Enabled() {
		for name := range keys {
			if !used[name] {
				klog.Infof("pretrained weights: skipping %q", name)
			}
		}
	}
	klog.V(1).Infof("pretrained weights: loaded %d arrays from %q", loaded, path)
	return nil
}

// ReadArray reads the npz entry key into dst. The stored array must have the
// same number of elements; if it is stored with more than one dimension, the
// dimensions must match exactly. float32 arrays are widened.
func ReadArray(store *npz.Reader, key string, dst *tensor.Tensor) error {
	hdr := store.Header(key)
	if hdr == nil {
		return errors.Errorf("array %q not found", key)
	}
	shape := hdr.Descr.Shape
	if tensor.Size(shape) != dst.Len() || (len(shape) > 1 && !tensor.EqualShapes(shape, dst.Shape)) {
		return errors.Errorf("array %q has shape %v, want %v", key, shape, dst.Shape)
	}
	switch strings.TrimLeft(hdr.Descr.Type, "<=|") {
	case "f8":
		values := make([]float64, 0, dst.Len())
		if err := store.Read(key, &values); err != nil {
			return errors.Wrapf(err, "reading %q", key)
		}
		copy(dst.Data, values)
	case "f4":
		values := make([]float32, 0, dst.Len())
		if err := store.Read(key, &values); err != nil {
			return errors.Wrapf(err, "reading %q", key)
		}
		for i, v := range values {
			dst.Data[i] = float64(v)
		}
	default:
		return errors.Errorf("array %q has unsupported dtype %q", key, hdr.Descr.Type)
	}
	return nil
}
