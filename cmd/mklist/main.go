// Command mklist writes training and validation sample lists for finetune
// from a directory holding one sub-directory of images per class.
package main

import (
	"flag"
	"strings"

	"k8s.io/klog/v2"

	"alexnet-finetune/internal/dataset"
)

func main() {
	root := flag.String("root", "", "directory with one sub-directory of images per class")
	trainPath := flag.String("train", "train.txt", "training sample list to write")
	valPath := flag.String("val", "val.txt", "validation sample list to write")
	valFraction := flag.Float64("val_fraction", 0.2, "fraction of samples moved to the validation list")
	seed := flag.Int64("seed", 0, "PRNG seed for the split")
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if flag.NArg() > 0 {
		flag.Usage()
		klog.Exitf("unexpected arguments %q", flag.Args())
	}
	if *root == "" {
		klog.Exitf("-root is required")
	}
	if *valFraction < 0 || *valFraction > 1 {
		klog.Exitf("-val_fraction must be in [0, 1] (got %g)", *valFraction)
	}

	samples, classes, err := dataset.DiscoverSamples(*root)
	if err != nil {
		klog.Exitf("%v", err)
	}
	if len(samples) == 0 {
		klog.Exitf("no images found under %s", *root)
	}
	train, val := dataset.SplitSamples(samples, *valFraction, *seed)
	if err := dataset.WriteSampleList(*trainPath, train); err != nil {
		klog.Exitf("%v", err)
	}
	if err := dataset.WriteSampleList(*valPath, val); err != nil {
		klog.Exitf("%v", err)
	}
	klog.Infof("classes (label order): %s", strings.Join(classes, ", "))
	klog.Infof("wrote %d samples to %s and %d to %s; pass -nc %d to finetune",
		len(train), *trainPath, len(val), *valPath, len(classes))
}
