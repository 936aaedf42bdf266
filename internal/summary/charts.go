package summary

import (
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/pkg/errors"
)

const (
	chartWidth  = 6 * vg.Inch
	chartHeight = 4 * vg.Inch
)

// RenderCharts writes <tag>.png for every scalar series and <tag>_hist.png
// for the latest histogram of every histogram tag. It returns the files
// written.
func (w *Writer) RenderCharts() ([]string, error) {
	var written []string
	for _, tag := range w.tags {
		if series, ok := w.scalars[tag]; ok {
			path := filepath.Join(w.dir, fileName(tag)+".png")
			if err := renderLine(tag, series, path); err != nil {
				return written, err
			}
			written = append(written, path)
		}
		if h, ok := w.histograms[tag]; ok {
			path := filepath.Join(w.dir, fileName(tag)+"_hist.png")
			if err := renderHistogram(tag, h, path); err != nil {
				return written, err
			}
			written = append(written, path)
		}
	}
	return written, nil
}

func renderLine(tag string, series []point, path string) error {
	pts := make(plotter.XYs, 0, len(series))
	for _, pt := range series {
		if isFinite(pt.value) {
			pts = append(pts, plotter.XY{X: float64(pt.step), Y: pt.value})
		}
	}
	if len(pts) == 0 {
		return nil
	}
	p := plot.New()
	p.Title.Text = tag
	p.X.Label.Text = "step"
	p.Add(plotter.NewGrid())
	line, err := plotter.NewLine(pts)
	if err != nil {
		return errors.Wrapf(err, "chart %s", tag)
	}
	line.Width = vg.Points(1.5)
	p.Add(line)
	if len(pts) == 1 {
		// A single point draws no line segment.
		scatter, err := plotter.NewScatter(pts)
		if err != nil {
			return errors.Wrapf(err, "chart %s", tag)
		}
		p.Add(scatter)
	}
	if err := p.Save(chartWidth, chartHeight, path); err != nil {
		return errors.Wrapf(err, "save chart %s", path)
	}
	return nil
}

func renderHistogram(tag string, h *Histogram, path string) error {
	centers := make(plotter.XYs, len(h.Counts))
	for i, count := range h.Counts {
		centers[i] = plotter.XY{X: (h.Edges[i] + h.Edges[i+1]) / 2, Y: count}
	}
	hist, err := plotter.NewHistogram(centers, len(h.Counts))
	if err != nil {
		return errors.Wrapf(err, "histogram chart %s", tag)
	}
	p := plot.New()
	p.Title.Text = tag
	p.Add(hist)
	if err := p.Save(chartWidth, chartHeight, path); err != nil {
		return errors.Wrapf(err, "save chart %s", path)
	}
	return nil
}
