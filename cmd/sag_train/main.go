// sag_train trains the denoising diffusion model on Imagenette, downloading the dataset on
// first use.
//
// Typical usage:
//
//	go run ./cmd/sag_train --data=~/work/imagenette --checkpoint=base \
//	    --set="train_steps=200000;batch_size=64"
//
// Hyperparameters are set with --set, see diffusion.CreateDefaultContext for the defaults.
// Training can be interrupted and resumed from the same checkpoint.
package main

import (
	"flag"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/sag/diffusion"
	"github.com/gomlx/sag/imagenette"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir = flag.String("data", "~/work/imagenette", "Directory to cache the downloaded dataset and generated files.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from: relative paths "+
		"are taken under --data. Required.")
	flagSteps     = flag.Int("steps", 0, "If > 0, overrides the \"train_steps\" hyperparameter.")
	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := diffusion.CreateDefaultContext()
	ctx.SetParam("num_classes", imagenette.NumLabels)
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	backend := backends.MustNew()

	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err != nil {
		klog.Fatalf("Failed to parse --set settings: %+v", err)
	}
	if *flagSteps > 0 {
		ctx.SetParam("train_steps", *flagSteps)
	}
	config := diffusion.NewConfig(backend, ctx, *flagDataDir, paramsSet)
	err = exceptions.TryCatch[error](func() {
		diffusion.TrainModel(config, *flagCheckpoint, *flagEval, *flagVerbosity)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
