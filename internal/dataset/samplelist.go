package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Sample is one labelled image.
type Sample struct {
	Path  string
	Label int
}

// ReadSampleList reads a sample list file: one "<image path> <label>" per line.
func ReadSampleList(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open sample list")
	}
	defer f.Close()

	samples, err := ParseSampleList(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "parse sample list %s", path)
	}
	return samples, nil
}

// ParseSampleList parses sample list lines. The label is the last
// whitespace-separated field, so image paths may contain spaces. Blank lines
// are skipped.
func ParseSampleList(r io.Reader) ([]Sample, error) {
	var samples []Sample
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cut := strings.LastIndexAny(line, " \t")
		if cut < 0 {
			return nil, errors.Errorf("line %d: missing label", lineNo)
		}
		label, err := strconv.Atoi(line[cut+1:])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: label", lineNo)
		}
		samples = append(samples, Sample{Path: strings.TrimSpace(line[:cut]), Label: label})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

// WriteSampleList writes samples in the format read by ReadSampleList.
func WriteSampleList(path string, samples []Sample) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create sample list")
	}
	w := bufio.NewWriter(f)
	for _, s := range samples {
		if _, err := fmt.Fprintf(w, "%s %d\n", s.Path, s.Label); err != nil {
			f.Close()
			return errors.Wrapf(err, "write sample list %s", path)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(err, "write sample list %s", path)
	}
	return f.Close()
}
