package dataset

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/pkg/errors"

	"alexnet-finetune/internal/model"
	"alexnet-finetune/internal/tensor"
)

// IteratorOptions configures a batch Iterator.
type IteratorOptions struct {
	NumClasses int
	ImageSize  int
	// Shuffle permutes the samples at construction and on every Reset.
	Shuffle bool
	// HorizontalFlip mirrors each decoded image with probability 0.5.
	HorizontalFlip bool
	Seed           int64
}

// Iterator hands out consecutive batches of one split.
type Iterator struct {
	samples []Sample
	cursor  int
	opts    IteratorOptions
	rng     *rand.Rand
}

// Open reads the sample list at path and builds an Iterator over it.
func Open(path string, opts IteratorOptions) (*Iterator, error) {
	samples, err := ReadSampleList(path)
	if err != nil {
		return nil, err
	}
	return NewIterator(samples, opts)
}

// NewIterator copies samples and checks every label against NumClasses.
func NewIterator(samples []Sample, opts IteratorOptions) (*Iterator, error) {
	if opts.NumClasses <= 0 {
		return nil, errors.Errorf("iterator: num classes must be > 0 (got %d)", opts.NumClasses)
	}
	if opts.ImageSize <= 0 {
		return nil, errors.Errorf("iterator: image size must be > 0 (got %d)", opts.ImageSize)
	}
	for i, s := range samples {
		if s.Label < 0 || s.Label >= opts.NumClasses {
			return nil, errors.Errorf("iterator: sample %d (%s) has label %d outside [0, %d)", i, s.Path, s.Label, opts.NumClasses)
		}
	}
	it := &Iterator{
		samples: append([]Sample(nil), samples...),
		opts:    opts,
		rng:     rand.New(rand.NewSource(opts.Seed)),
	}
	if opts.Shuffle {
		it.shuffle()
	}
	return it, nil
}

// Len is the number of samples.
func (it *Iterator) Len() int { return len(it.samples) }

// Cursor is the index of the next sample NextBatch reads.
func (it *Iterator) Cursor() int { return it.cursor }

// Samples returns a copy of the samples in their current order.
func (it *Iterator) Samples() []Sample { return append([]Sample(nil), it.samples...) }

// BatchesPerEpoch is the number of full batches of size n.
func (it *Iterator) BatchesPerEpoch(n int) int {
	if n <= 0 {
		return 0
	}
	return len(it.samples) / n
}

// NextBatch decodes the n samples at the cursor and advances it by n. Reading
// past the end is an error; batches never wrap.
func (it *Iterator) NextBatch(n int) (model.Batch, error) {
	if n <= 0 {
		return model.Batch{}, errors.Errorf("iterator: batch size must be > 0 (got %d)", n)
	}
	if it.cursor+n > len(it.samples) {
		return model.Batch{}, errors.Errorf("iterator: batch of %d at cursor %d exceeds %d samples", n, it.cursor, len(it.samples))
	}
	size := it.opts.ImageSize
	images := tensor.New(n, size, size, 3)
	labels := mat.NewDense(n, it.opts.NumClasses, nil)
	classes := make([]int, n)
	for i, s := range it.samples[it.cursor : it.cursor+n] {
		flip := it.opts.HorizontalFlip && it.rng.Float64() < 0.5
		pixels, err := LoadImage(s.Path, size, flip)
		if err != nil {
			return model.Batch{}, err
		}
		copy(images.Slice(i), pixels)
		labels.Set(i, s.Label, 1)
		classes[i] = s.Label
	}
	it.cursor += n
	return model.Batch{Images: images, Labels: labels, Classes: classes}, nil
}

// Reset moves the cursor back to the start, reshuffling if enabled.
func (it *Iterator) Reset() {
	if it.opts.Shuffle {
		it.shuffle()
	}
	it.cursor = 0
}

func (it *Iterator) shuffle() {
	it.rng.Shuffle(len(it.samples), func(i, j int) {
		it.samples[i], it.samples[j] = it.samples[j], it.samples[i]
	})
}
