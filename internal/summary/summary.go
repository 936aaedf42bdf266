// Package summary records scalar and histogram summaries of a training run as
// JSON lines and renders them as PNG charts.
package summary

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"k8s.io/klog/v2"

	"github.com/pkg/errors"
)

// NumBuckets is the number of equal-width buckets of every histogram.
const NumBuckets = 30

// Event is one line of the event file.
type Event struct {
	WallTime float64 `json:"wall_time"`
	Step     int     `json:"step"`
	Tag      string  `json:"tag"`
	// Scalar is nil for histogram events and for non-finite scalars.
	Scalar    *float64   `json:"scalar,omitempty"`
	Histogram *Histogram `json:"histogram,omitempty"`
}

// Histogram summarises a set of values.
type Histogram struct {
	Count     int     `json:"count"`
	NonFinite int     `json:"non_finite,omitempty"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Mean      float64 `json:"mean"`
	Stddev    float64 `json:"stddev"`
	Median    float64 `json:"median"`
	// Edges has NumBuckets+1 entries; bucket i covers [Edges[i], Edges[i+1]).
	Edges  []float64 `json:"edges"`
	Counts []float64 `json:"counts"`
}

type point struct {
	step  int
	value float64
}

// Writer appends events to <dir>/events.<runID>.jsonl.
type Writer struct {
	dir  string
	path string
	f    *os.File
	buf  *bufio.Writer
	enc  *json.Encoder

	tags       []string
	scalars    map[string][]point
	histograms map[string]*Histogram
}

// NewWriter creates dir if needed and opens the event file of runID.
func NewWriter(dir, runID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create summary dir %s", dir)
	}
	path := filepath.Join(dir, "events."+runID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open summary events")
	}
	buf := bufio.NewWriter(f)
	return &Writer{
		dir:        dir,
		path:       path,
		f:          f,
		buf:        buf,
		enc:        json.NewEncoder(buf),
		scalars:    make(map[string][]point),
		histograms: make(map[string]*Histogram),
	}, nil
}

// Path is the event file.
func (w *Writer) Path() string { return w.path }

// Dir is the summary directory.
func (w *Writer) Dir() string { return w.dir }

// Scalar records value under tag at step.
func (w *Writer) Scalar(tag string, step int, value float64) error {
	ev := Event{WallTime: wallTime(), Step: step, Tag: tag}
	if isFinite(value) {
		ev.Scalar = &value
	} else {
		klog.Warningf("summary: %s at step %d is %v", tag, step, value)
	}
	w.track(tag)
	w.scalars[tag] = append(w.scalars[tag], point{step: step, value: value})
	return w.write(ev)
}

// Histogram records the distribution of values under tag at step.
func (w *Writer) Histogram(tag string, step int, values []float64) error {
	h, err := NewHistogram(values)
	if err != nil {
		return errors.WithMessagef(err, "histogram %s", tag)
	}
	w.track(tag)
	w.histograms[tag] = h
	return w.write(Event{WallTime: wallTime(), Step: step, Tag: tag, Histogram: h})
}

// Flush writes buffered events to disk.
func (w *Writer) Flush() error {
	if err := w.buf.Flush(); err != nil {
		return errors.Wrap(err, "flush summary events")
	}
	return nil
}

// Close flushes and closes the event file.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.Flush()
	if cerr := w.f.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "close summary events")
	}
	w.f = nil
	return err
}

func (w *Writer) write(ev Event) error {
	if w.f == nil {
		return errors.New("summary writer is closed")
	}
	if err := w.enc.Encode(ev); err != nil {
		return errors.Wrapf(err, "write summary %s", ev.Tag)
	}
	return nil
}

func (w *Writer) track(tag string) {
	if _, ok := w.scalars[tag]; ok {
		return
	}
	if _, ok := w.histograms[tag]; ok {
		return
	}
	w.tags = append(w.tags, tag)
}

// NewHistogram computes the summary statistics and NumBuckets equal-width
// bucket counts of the finite entries of values.
func NewHistogram(values []float64) (*Histogram, error) {
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if isFinite(v) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return nil, errors.Errorf("no finite values among %d", len(values))
	}
	h := &Histogram{Count: len(finite), NonFinite: len(values) - len(finite)}
	data := stats.Float64Data(finite)
	var err error
	if h.Min, err = data.Min(); err != nil {
		return nil, err
	}
	if h.Max, err = data.Max(); err != nil {
		return nil, err
	}
	if h.Mean, err = data.Mean(); err != nil {
		return nil, err
	}
	if h.Stddev, err = data.StandardDeviation(); err != nil {
		return nil, err
	}
	if h.Median, err = data.Median(); err != nil {
		return nil, err
	}

	lo, hi := h.Min, h.Max
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	width := (hi - lo) / NumBuckets
	h.Edges = make([]float64, NumBuckets+1)
	for i := range h.Edges {
		h.Edges[i] = lo + float64(i)*width
	}
	h.Edges[NumBuckets] = hi
	h.Counts = make([]float64, NumBuckets)
	for _, v := range finite {
		i := int((v - lo) / width)
		if i >= NumBuckets {
			i = NumBuckets - 1
		}
		h.Counts[i]++
	}
	return h, nil
}

// ReadEvents parses an event file.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open summary events")
	}
	defer f.Close()

	var events []Event
	dec := json.NewDecoder(f)
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			return nil, errors.Wrapf(err, "decode %s", path)
		}
		events = append(events, ev)
	}
	return events, nil
}

// fileName turns a tag such as "fc8/weights" into "fc8_weights".
func fileName(tag string) string {
	return strings.NewReplacer("/", "_", " ", "_", ":", "_").Replace(tag)
}

func wallTime() float64 { return float64(time.Now().UnixNano()) / 1e9 }

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
