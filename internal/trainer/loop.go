package trainer

import (
	"context"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/pkg/errors"

	"alexnet-finetune/internal/metrics"
	"alexnet-finetune/internal/model"
)

// Result summarises a finished (or cancelled) run.
type Result struct {
	Epochs        int
	StepsPerEpoch int
	// TrainedSteps counts the batches passed to Update.
	TrainedSteps       int
	ValidationAccuracy []float64
	// Checkpoints holds the prefix written at the end of every epoch.
	Checkpoints []string
}

// Run executes the fine-tuning loop. Each epoch trains on steps-1 batches,
// where steps = floor(train samples / batch size), then measures top-N
// accuracy over the validation split and writes a checkpoint.
//
// The context is checked between steps; when it is cancelled Run returns its
// error and the current epoch's checkpoint is not written.
func Run(ctx context.Context, tc *TrainingContext) (Result, error) {
	cfg := tc.Config
	bs := cfg.BatchSize
	steps := tc.Train.BatchesPerEpoch(bs)
	valSteps := tc.Val.BatchesPerEpoch(bs)
	res := Result{StepsPerEpoch: steps}

	klog.Infof("start training: %d epochs, %s images per epoch in %d steps of %d, %d validation steps, summaries in %s",
		cfg.NumEpochs, humanize.Comma(int64(tc.Train.Len())), steps, bs, valSteps, tc.Summary.Dir())

	for epoch := 1; epoch <= cfg.NumEpochs; epoch++ {
		klog.Infof("epoch %d/%d", epoch, cfg.NumEpochs)
		epochStart := time.Now()
		for step := 1; step < steps; step++ {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			global := (epoch-1)*steps + step
			if err := tc.trainStep(epoch, step, global); err != nil {
				return res, errors.WithMessagef(err, "epoch %d step %d", epoch, step)
			}
			res.TrainedSteps++
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		acc, err := tc.validate(ctx, valSteps)
		if err != nil {
			return res, errors.WithMessagef(err, "epoch %d validation", epoch)
		}
		klog.Infof("epoch %d: validation top-%d accuracy %.4f (%s)",
			epoch, cfg.TopN, acc, time.Since(epochStart).Round(time.Millisecond))
		if err := tc.Summary.Scalar("validation_accuracy", epoch, acc); err != nil {
			return res, err
		}
		res.ValidationAccuracy = append(res.ValidationAccuracy, acc)

		tc.Val.Reset()
		tc.Train.Reset()

		prefix, err := tc.Saver.Save(epoch, res.TrainedSteps, acc, tc.Net.Params())
		if err != nil {
			return res, err
		}
		res.Checkpoints = append(res.Checkpoints, prefix)
		res.Epochs = epoch

		if err := tc.Summary.Flush(); err != nil {
			return res, err
		}
		if _, err := tc.Summary.RenderCharts(); err != nil {
			klog.Warningf("rendering summary charts: %v", err)
		}
	}
	return res, nil
}

func (tc *TrainingContext) trainStep(epoch, step, global int) error {
	cfg := tc.Config
	start := time.Now()
	batch, err := tc.Train.NextBatch(cfg.BatchSize)
	if err != nil {
		return err
	}
	dataTime := time.Since(start)

	start = time.Now()
	logits, err := tc.Net.Forward(batch.Images, cfg.DropoutRate)
	if err != nil {
		return err
	}
	loss := tc.Net.Loss(logits, batch.Labels)
	if err := tc.Net.Update(logits, batch.Labels); err != nil {
		return err
	}
	tc.window.Record(batch.Size(), dataTime, time.Since(start), loss)

	if step%cfg.DisplayStep == 0 {
		if err := tc.writeSummaries(batch, global); err != nil {
			return err
		}
	}
	if step%cfg.LogEvery == 0 {
		tc.logProgress(epoch, step)
	}
	return nil
}

// writeSummaries evaluates the batch without dropout and records loss,
// accuracy and the distribution of every trainable parameter and its latest
// gradient.
func (tc *TrainingContext) writeSummaries(batch model.Batch, global int) error {
	logits, err := tc.Net.Forward(batch.Images, 1)
	if err != nil {
		return err
	}
	w := tc.Summary
	if err := w.Scalar("cross_entropy", global, tc.Net.Loss(logits, batch.Labels)); err != nil {
		return err
	}
	if err := w.Scalar("accuracy", global, tc.Net.TopNAccuracy(logits, batch.Classes, tc.Config.TopN)); err != nil {
		return err
	}
	for _, p := range tc.Net.TrainableParams() {
		if err := w.Histogram(p.Name, global, p.Value.Data); err != nil {
			return err
		}
		if p.Grad != nil {
			if err := w.Histogram(p.Name+"/gradient", global, p.Grad.Data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (tc *TrainingContext) logProgress(epoch, step int) {
	snap := tc.window.Snapshot()
	klog.Infof("epoch=%d step=%d trained=%s images images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f p95_step_ms=%.2f loss=%.4f",
		epoch, step,
		humanize.Comma(int64(step*tc.Config.BatchSize)),
		snap.ImagesPerSec,
		snap.AvgDataMS,
		snap.AvgComputeMS,
		snap.P95StepMS,
		snap.LastLoss,
	)
}

// validate returns the mean top-N accuracy over valSteps batches, or 0 when
// the validation split holds less than one batch.
func (tc *TrainingContext) validate(ctx context.Context, valSteps int) (float64, error) {
	cfg := tc.Config
	var bar *progressbar.ProgressBar
	if cfg.Progress && valSteps > 0 {
		bar = progressbar.NewOptions(valSteps,
			progressbar.OptionSetDescription("validation"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
	}

	var acc metrics.Mean
	for i := 0; i < valSteps; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, err := tc.Val.NextBatch(cfg.BatchSize)
		if err != nil {
			return 0, err
		}
		logits, err := tc.Net.Forward(batch.Images, 1)
		if err != nil {
			return 0, err
		}
		acc.Add(tc.Net.TopNAccuracy(logits, batch.Classes, cfg.TopN))
		if bar != nil {
			if err := bar.Add(1); err != nil {
				klog.V(1).Infof("validation progress bar: %v", err)
			}
		}
	}
	return acc.Value(), nil
}
