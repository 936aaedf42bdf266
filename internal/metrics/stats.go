package metrics

import (
	"time"

	"github.com/montanaflynn/stats"
)

// Window accumulates timing stats across training steps between two log lines.
type Window struct {
	images   int
	data     time.Duration
	compute  time.Duration
	stepMS   []float64
	lastLoss float64
}

// Record adds one step: the images it consumed, the time spent decoding the
// batch, the time spent in forward/backward/update, and the batch loss.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.images += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.stepMS = append(w.stepMS, (dataTime+computeTime).Seconds()*1000)
	w.lastLoss = loss
}

// Steps is the number of steps recorded since the last Snapshot.
func (w *Window) Steps() int { return len(w.stepMS) }

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Images: w.images, LastLoss: w.lastLoss}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.images) / total.Seconds()
	}
	if steps := len(w.stepMS); steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(steps)
		snap.P95StepMS, _ = stats.Percentile(w.stepMS, 95)
	}

	w.images = 0
	w.data = 0
	w.compute = 0
	w.stepMS = w.stepMS[:0]
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Images       int
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	P95StepMS    float64
	LastLoss     float64
}

// Mean is a running arithmetic mean, e.g. of per-batch validation accuracy.
type Mean struct {
	sum   float64
	count int
}

// Add records one value.
func (m *Mean) Add(v float64) {
	m.sum += v
	m.count++
}

// Count is the number of values added.
func (m *Mean) Count() int { return m.count }

// Value is the mean of the values added, or 0 if there are none.
func (m *Mean) Value() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}
