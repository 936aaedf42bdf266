package dataset

import (
	"io/fs"
	"math/rand"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var imageRegexp = regexp.MustCompile(`(?i)\.(jpe?g|png)$`)

// DiscoverSamples walks root/<class>/... and labels every image by the index
// of its class directory in sorted order. It returns the samples sorted by
// path and the class names.
func DiscoverSamples(root string) ([]Sample, []string, error) {
	byClass := make(map[string][]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !imageRegexp.MatchString(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		class, _, nested := strings.Cut(filepath.ToSlash(rel), "/")
		if !nested {
			// Images directly under root have no class.
			return nil
		}
		byClass[class] = append(byClass[class], path)
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "discover samples")
	}

	classes := make([]string, 0, len(byClass))
	for class := range byClass {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	var samples []Sample
	for label, class := range classes {
		for _, path := range byClass[class] {
			samples = append(samples, Sample{Path: path, Label: label})
		}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Path < samples[j].Path })
	return samples, classes, nil
}

// SplitSamples shuffles samples with seed and moves valFraction of them into
// the validation split.
func SplitSamples(samples []Sample, valFraction float64, seed int64) (train, val []Sample) {
	shuffled := append([]Sample(nil), samples...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	numVal := int(float64(len(shuffled)) * valFraction)
	if numVal < 0 {
		numVal = 0
	}
	if numVal > len(shuffled) {
		numVal = len(shuffled)
	}
	return shuffled[numVal:], shuffled[:numVal]
}
