package dataset

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// writePNG writes a w x h image filled with c.
func writePNG(t *testing.T, path string, w, h int, c color.NRGBA) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	must.M(os.MkdirAll(filepath.Dir(path), 0o755))
	f := must.M1(os.Create(path))
	defer f.Close()
	must.M(png.Encode(f, img))
}

func makeSamples(t *testing.T, n, numClasses int) []Sample {
	t.Helper()
	dir := t.TempDir()
	samples := make([]Sample, n)
	for i := range samples {
		path := filepath.Join(dir, fmt.Sprintf("img%03d.png", i))
		writePNG(t, path, 12, 10, color.NRGBA{R: uint8(i), G: 100, B: 200, A: 255})
		samples[i] = Sample{Path: path, Label: i % numClasses}
	}
	return samples
}

func TestNextBatchOneHotAndCursor(t *testing.T) {
	samples := makeSamples(t, 7, 3)
	it, err := NewIterator(samples, IteratorOptions{NumClasses: 3, ImageSize: 4})
	require.NoError(t, err)
	require.Equal(t, 3, it.BatchesPerEpoch(2))

	for step := 0; step < it.BatchesPerEpoch(2); step++ {
		batch, err := it.NextBatch(2)
		require.NoError(t, err)
		require.Equal(t, 2, batch.Size())
		require.Equal(t, []int{2, 4, 4, 3}, batch.Images.Shape)
		rows, cols := batch.Labels.Dims()
		require.Equal(t, 2, rows)
		require.Equal(t, 3, cols)
		for i := 0; i < rows; i++ {
			sum := 0.0
			for j := 0; j < cols; j++ {
				v := batch.Labels.At(i, j)
				require.True(t, v == 0 || v == 1)
				sum += v
			}
			require.Equal(t, 1.0, sum)
			require.Equal(t, 1.0, batch.Labels.At(i, batch.Classes[i]))
			require.Equal(t, samples[step*2+i].Label, batch.Classes[i])
		}
		require.Equal(t, (step+1)*2, it.Cursor())
	}

	_, err = it.NextBatch(2)
	require.Error(t, err, "a batch must never cross the end of the list")
	require.Equal(t, 6, it.Cursor())
}

func TestResetOrder(t *testing.T) {
	samples := makeSamples(t, 20, 2)

	val, err := NewIterator(samples, IteratorOptions{NumClasses: 2, ImageSize: 2})
	require.NoError(t, err)
	_, err = val.NextBatch(5)
	require.NoError(t, err)
	val.Reset()
	require.Equal(t, 0, val.Cursor())
	require.Equal(t, samples, val.Samples())

	train, err := NewIterator(samples, IteratorOptions{NumClasses: 2, ImageSize: 2, Shuffle: true, HorizontalFlip: true, Seed: 3})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = train.NextBatch(5)
		require.NoError(t, err)
		train.Reset()
		require.Equal(t, 0, train.Cursor())
		require.ElementsMatch(t, samples, train.Samples())
	}
}

func TestNewIteratorRejectsLabels(t *testing.T) {
	_, err := NewIterator([]Sample{{Path: "a.png", Label: 2}}, IteratorOptions{NumClasses: 2, ImageSize: 4})
	require.Error(t, err)
	_, err = NewIterator(nil, IteratorOptions{NumClasses: 0, ImageSize: 4})
	require.Error(t, err)
}

func TestNextBatchDecodeFailure(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("not a png"), 0o644))
	it, err := NewIterator([]Sample{{Path: bad, Label: 0}}, IteratorOptions{NumClasses: 1, ImageSize: 4})
	require.NoError(t, err)
	_, err = it.NextBatch(1)
	require.Error(t, err)
	require.Equal(t, 0, it.Cursor())
}

func TestLoadImageBGRMeanAndFlip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "px.png")
	writePNG(t, path, 3, 3, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	pixels, err := LoadImage(path, 2, false)
	require.NoError(t, err)
	require.Len(t, pixels, 2*2*3)
	require.InDelta(t, 30-MeanBGR[0], pixels[0], 1e-9)
	require.InDelta(t, 20-MeanBGR[1], pixels[1], 1e-9)
	require.InDelta(t, 10-MeanBGR[2], pixels[2], 1e-9)

	// Left half red, right half blue: flipping swaps them.
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{B: 255, A: 255})
	halves := filepath.Join(dir, "halves.png")
	f := must.M1(os.Create(halves))
	must.M(png.Encode(f, img))
	must.M(f.Close())

	plain, err := LoadImage(halves, 2, false)
	require.NoError(t, err)
	flipped, err := LoadImage(halves, 2, true)
	require.NoError(t, err)
	require.Greater(t, plain[2], plain[0], "left pixel is red")
	require.Greater(t, flipped[0], flipped[2], "flipped left pixel is blue")
}

func TestParseSampleList(t *testing.T) {
	samples, err := ParseSampleList(strings.NewReader("a/1.jpg 0\n\n  b c/2.jpg\t1 \n"))
	require.NoError(t, err)
	require.Equal(t, []Sample{{Path: "a/1.jpg", Label: 0}, {Path: "b c/2.jpg", Label: 1}}, samples)

	_, err = ParseSampleList(strings.NewReader("a/1.jpg 0\nnolabel\n"))
	require.ErrorContains(t, err, "line 2")

	_, err = ParseSampleList(strings.NewReader("a/1.jpg zero\n"))
	require.ErrorContains(t, err, "line 1")
}

func TestWriteAndReadSampleList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.txt")
	want := []Sample{{Path: "x/y.png", Label: 3}, {Path: "z.png", Label: 0}}
	require.NoError(t, WriteSampleList(path, want))
	got, err := ReadSampleList(path)
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = ReadSampleList(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}
