package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/pkg/errors"

	"alexnet-finetune/internal/config"
	"alexnet-finetune/internal/model"
	"alexnet-finetune/internal/trainer"
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		klog.Exitf("invalid config: %v", err)
	}
	klog.Infof("args:\n%s", cfg)

	if err := cfg.EnsureCheckpointDir(); err != nil {
		klog.Exitf("%v", err)
	}

	tc, err := trainer.NewTrainingContext(cfg, model.AlexNet(cfg.NumClasses))
	if err != nil {
		klog.Exitf("failed to set up training: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := trainer.Run(ctx, tc)
	if closeErr := tc.Close(); closeErr != nil {
		klog.Errorf("closing summaries: %v", closeErr)
	}
	if errors.Is(err, context.Canceled) {
		klog.Exitf("interrupted after %s steps; epoch %d has no checkpoint",
			humanize.Comma(int64(res.TrainedSteps)), res.Epochs+1)
	}
	if err != nil {
		klog.Fatalf("training failed: %+v", err)
	}
	klog.Infof("finished %d epochs (%s steps), checkpoints in %s", res.Epochs,
		humanize.Comma(int64(res.TrainedSteps)), cfg.CheckpointPath)
}
