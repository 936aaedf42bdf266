package trainer

import (
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/pkg/errors"

	"alexnet-finetune/internal/checkpoint"
	"alexnet-finetune/internal/config"
	"alexnet-finetune/internal/dataset"
	"alexnet-finetune/internal/metrics"
	"alexnet-finetune/internal/model"
	"alexnet-finetune/internal/summary"
)

// Network is the model surface the training loop drives.
type Network interface {
	model.Model
	// Params lists every parameter, in the order they are checkpointed.
	Params() []*model.Param
	// TrainableParams lists the parameters Update changes.
	TrainableParams() []*model.Param
}

// TrainingContext holds everything one fine-tuning run needs. It replaces
// process-wide state: build it with NewTrainingContext and pass it to Run.
type TrainingContext struct {
	Config  *config.Config
	RunID   string
	Net     Network
	Train   *dataset.Iterator
	Val     *dataset.Iterator
	Summary *summary.Writer
	Saver   *checkpoint.Saver

	window metrics.Window
}

// NewTrainingContext reads both sample lists, builds arch, marks the
// configured layers trainable, loads the pretrained weights of every other
// layer and opens the summary and checkpoint outputs. The checkpoint
// directory must exist (see config.EnsureCheckpointDir).
func NewTrainingContext(cfg *config.Config, arch model.Architecture) (*TrainingContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if arch.Channels != 3 {
		return nil, errors.Errorf("architecture %q takes %d channels, images have 3", arch.Name, arch.Channels)
	}

	train, err := dataset.Open(cfg.TrainFile, dataset.IteratorOptions{
		NumClasses:     cfg.NumClasses,
		ImageSize:      arch.InputSize,
		Shuffle:        true,
		HorizontalFlip: true,
		Seed:           cfg.Seed,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "training data")
	}
	val, err := dataset.Open(cfg.ValFile, dataset.IteratorOptions{
		NumClasses: cfg.NumClasses,
		ImageSize:  arch.InputSize,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "validation data")
	}

	net, err := model.NewNetwork(arch, model.Options{LearningRate: cfg.LearningRate, Seed: cfg.Seed})
	if err != nil {
		return nil, err
	}
	trainable := net.SelectTrainable(cfg.TrainLayers)
	if len(trainable) == 0 {
		klog.Warningf("none of %v names a layer of %s; nothing will be trained", cfg.TrainLayers, arch.Name)
	}
	if err := net.SetTrainable(trainable); err != nil {
		return nil, err
	}
	if err := net.LoadPretrained(cfg.WeightsPath); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	writer, err := summary.NewWriter(cfg.FilewriterPath, runID)
	if err != nil {
		return nil, err
	}
	saver, err := checkpoint.NewSaver(cfg.CheckpointPath, cfg.KeepCheckpoints, runID)
	if err != nil {
		writer.Close()
		return nil, err
	}

	names := make([]string, len(trainable))
	for i, l := range trainable {
		names[i] = l.Name()
	}
	klog.Infof("run %s: training %v of %s, %d train / %d validation samples",
		runID, names, arch.Name, train.Len(), val.Len())
	return &TrainingContext{
		Config:  cfg,
		RunID:   runID,
		Net:     net,
		Train:   train,
		Val:     val,
		Summary: writer,
		Saver:   saver,
	}, nil
}

// Close flushes and closes the summary writer.
func (tc *TrainingContext) Close() error {
	if tc.Summary == nil {
		return nil
	}
	return tc.Summary.Close()
}
