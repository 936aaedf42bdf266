// Package checkpoint writes one file set per epoch: the parameter values as
// an npz archive and a JSON metadata file, plus a "checkpoint" index naming
// the latest and every retained prefix.
package checkpoint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sbinet/npyio/npz"
	"k8s.io/klog/v2"

	"github.com/pkg/errors"

	"alexnet-finetune/internal/model"
	"alexnet-finetune/internal/tensor"
)

const (
	// IndexFile names the file listing retained checkpoints.
	IndexFile = "checkpoint"

	arraysExt = ".npz"
	metaExt   = ".json"
)

// Meta is stored next to the arrays of every checkpoint.
type Meta struct {
	Epoch              int         `json:"epoch"`
	GlobalStep         int         `json:"global_step"`
	ValidationAccuracy float64     `json:"validation_accuracy"`
	RunID              string      `json:"run_id"`
	Params             []ParamMeta `json:"params"`
	Time               time.Time   `json:"time"`
}

// ParamMeta records the shape of one stored parameter.
type ParamMeta struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// Prefix is the name shared by the files of the checkpoint for epoch.
func Prefix(epoch int) string { return fmt.Sprintf("model_epoch%d.ckpt", epoch) }

// Saver writes checkpoints into one directory.
type Saver struct {
	dir   string
	keep  int
	runID string
	// retained prefixes, oldest first.
	retained []string
}

// NewSaver returns a Saver writing into dir, which must exist. With keep > 0
// only the newest keep checkpoints are retained; keep == 0 retains all.
// Checkpoints listed in an existing index count towards keep and are
// pruned like the ones this Saver writes.
func NewSaver(dir string, keep int, runID string) (*Saver, error) {
	if keep < 0 {
		return nil, errors.Errorf("checkpoint: keep must be >= 0 (got %d)", keep)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrap(err, "checkpoint dir")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("checkpoint dir %s is not a directory", dir)
	}
	s := &Saver{dir: dir, keep: keep, runID: runID}
	if _, err := os.Stat(filepath.Join(dir, IndexFile)); err == nil {
		_, all, err := ReadIndex(dir)
		if err != nil {
			return nil, err
		}
		for _, prefix := range all {
			if _, err := os.Stat(prefix + arraysExt); err != nil {
				klog.Warningf("checkpoint: index names %s but its arrays are missing", prefix)
				continue
			}
			s.retained = appendUnique(s.retained, filepath.Base(prefix))
		}
		klog.V(1).Infof("checkpoint: %d checkpoints already in %s", len(s.retained), dir)
	}
	return s, nil
}

// Dir is the checkpoint directory.
func (s *Saver) Dir() string { return s.dir }

// Save writes the checkpoint of epoch and returns its path prefix, e.g.
// "<dir>/model_epoch3.ckpt". Writing an epoch twice overwrites it.
func (s *Saver) Save(epoch, globalStep int, valAcc float64, params []*model.Param) (string, error) {
	name := Prefix(epoch)
	prefix := filepath.Join(s.dir, name)
	meta := Meta{
		Epoch:              epoch,
		GlobalStep:         globalStep,
		ValidationAccuracy: valAcc,
		RunID:              s.runID,
		Time:               time.Now().UTC(),
	}

	tmp := prefix + arraysExt + ".tmp"
	w, err := npz.Create(tmp)
	if err != nil {
		return "", errors.Wrapf(err, "create %s", tmp)
	}
	for _, p := range params {
		if err := w.Write(p.Name+model.NpySuffix, p.Value.Data); err != nil {
			w.Close()
			os.Remove(tmp)
			return "", errors.Wrapf(err, "write %s to %s", p.Name, tmp)
		}
		meta.Params = append(meta.Params, ParamMeta{Name: p.Name, Shape: append([]int(nil), p.Value.Shape...)})
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return "", errors.Wrapf(err, "close %s", tmp)
	}
	if err := os.Rename(tmp, prefix+arraysExt); err != nil {
		return "", errors.Wrap(err, "commit checkpoint arrays")
	}

	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encode checkpoint metadata")
	}
	if err := writeFileAtomic(prefix+metaExt, raw); err != nil {
		return "", err
	}

	s.retained = appendUnique(s.retained, name)
	if s.keep > 0 && len(s.retained) > s.keep {
		for _, old := range s.retained[:len(s.retained)-s.keep] {
			s.remove(old)
		}
		s.retained = append([]string(nil), s.retained[len(s.retained)-s.keep:]...)
	}
	if err := s.writeIndex(); err != nil {
		return "", err
	}

	if info, err := os.Stat(prefix + arraysExt); err == nil {
		klog.Infof("checkpoint: saved epoch %d to %s (%s, %d params)",
			epoch, prefix, humanize.Bytes(uint64(info.Size())), len(params))
	}
	return prefix, nil
}

// List returns the retained prefixes, oldest first.
func (s *Saver) List() []string {
	out := make([]string, len(s.retained))
	for i, name := range s.retained {
		out[i] = filepath.Join(s.dir, name)
	}
	return out
}

func (s *Saver) remove(name string) {
	for _, ext := range []string{arraysExt, metaExt} {
		path := filepath.Join(s.dir, name+ext)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			klog.Warningf("checkpoint: removing %s: %v", path, err)
		}
	}
	klog.V(1).Infof("checkpoint: dropped %s", name)
}

func (s *Saver) writeIndex() error {
	var b strings.Builder
	if n := len(s.retained); n > 0 {
		fmt.Fprintf(&b, "model_checkpoint_path: %q\n", s.retained[n-1])
	}
	for _, name := range s.retained {
		fmt.Fprintf(&b, "all_model_checkpoint_paths: %q\n", name)
	}
	return writeFileAtomic(filepath.Join(s.dir, IndexFile), []byte(b.String()))
}

// ReadIndex parses the index file in dir. It returns the latest prefix and
// every retained prefix, all joined with dir.
func ReadIndex(dir string) (latest string, all []string, err error) {
	f, err := os.Open(filepath.Join(dir, IndexFile))
	if err != nil {
		return "", nil, errors.Wrap(err, "open checkpoint index")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		name, err := strconv.Unquote(strings.TrimSpace(value))
		if err != nil {
			return "", nil, errors.Wrapf(err, "checkpoint index: %s", key)
		}
		switch strings.TrimSpace(key) {
		case "model_checkpoint_path":
			latest = filepath.Join(dir, name)
		case "all_model_checkpoint_paths":
			all = append(all, filepath.Join(dir, name))
		}
	}
	return latest, all, scanner.Err()
}

// Restore reads the checkpoint at prefix back into tensors keyed by parameter
// name.
func Restore(prefix string) (map[string]*tensor.Tensor, Meta, error) {
	var meta Meta
	raw, err := os.ReadFile(prefix + metaExt)
	if err != nil {
		return nil, meta, errors.Wrap(err, "read checkpoint metadata")
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, meta, errors.Wrapf(err, "decode %s", prefix+metaExt)
	}

	store, err := npz.Open(prefix + arraysExt)
	if err != nil {
		return nil, meta, errors.Wrapf(err, "open %s", prefix+arraysExt)
	}
	defer store.Close()

	values := make(map[string]*tensor.Tensor, len(meta.Params))
	for _, p := range meta.Params {
		t := tensor.New(p.Shape...)
		if err := model.ReadArray(store, p.Name+model.NpySuffix, t); err != nil {
			return nil, meta, errors.WithMessagef(err, "restore %s", prefix)
		}
		values[p.Name] = t
	}
	return values, meta, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "commit %s", path)
	}
	return nil
}

func appendUnique(list []string, name string) []string {
	for i, existing := range list {
		if existing == name {
			return append(append(list[:i:i], list[i+1:]...), name)
		}
	}
	return append(list, name)
}
