// sag_sample generates a batch of images from a trained diffusion model and serializes them,
// with their class ids, to an .npz archive, the input format of the usual FID evaluation tools.
//
// Typical usage:
//
//	go run ./cmd/sag_sample --data=~/work/imagenette --model=base \
//	    --num_samples=10000 --sampler=ancestral --sampling_steps=250 --seed=42
//
// The model reference can also be a HuggingFace repository, e.g. "hf://owner/repo". Model
// hyperparameters are loaded from the checkpoint; use --guide_start and --guide_scale to
// enable self-attention guidance, and --png to also save a sheet with the first images.
package main

import (
	"flag"
	"fmt"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/sag/diffusion"
	"github.com/gomlx/sag/sampling"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir = flag.String("data", "~/work/imagenette", "Directory where the dataset and downloaded models are cached.")
	flagModel   = flag.String("model", "", "Trained model to sample from: a checkpoint directory (relative paths are "+
		"taken under --data) or a HuggingFace reference \"hf://owner/repo\". Required.")
	flagOutput = flag.String("output", "", "Directory to write the samples archive and run settings to. "+
		"Defaults to a timestamped directory under RESULTS/.")
	flagNumSamples = flag.Int("num_samples", 10000, "Total number of images to sample.")
	flagBatchSize  = flag.Int("batch_size", 16, "Number of images each worker samples per round.")
	flagWorldSize  = flag.Int("world_size", 0, "Number of parallel sampling workers, 0 uses one per device.")
	flagSampler    = flag.String("sampler", "ancestral", "Reverse diffusion process: \"ancestral\" or \"ddim\".")
	flagNumSteps   = flag.Int("sampling_steps", 250, "Number of steps of the reverse diffusion process.")
	flagClip       = flag.Bool("clip_denoised", true, "Whether to clamp the predicted images to the valid pixel range at each step.")
	flagSeed       = flag.Int64("seed", 0, "Seed for reproducible sampling, 0 samples differently at every run.")

	flagGuideStart = flag.Float64("guide_start", 0, "Diffusion time below which self-attention guidance kicks in, 0 disables it.")
	flagGuideScale = flag.Float64("guide_scale", 0, "Self-attention guidance scale, 0 disables it.")
	flagBlurSigma  = flag.Float64("blur_sigma", 3.0, "Gaussian blur sigma used to degrade the attended regions under guidance.")

	flagPng = flag.Int("png", 0, "If > 0, also saves the first png images as one sheet, samples_sheet.png.")
)

func main() {
	ctx := diffusion.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	backend := backends.MustNew()

	if *flagModel == "" {
		klog.Exit("A trained model is required: set --model to a checkpoint directory or a \"hf://owner/repo\" reference.")
	}
	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err != nil {
		klog.Fatalf("Failed to parse --set settings: %+v", err)
	}

	err = exceptions.TryCatch[error](func() {
		model := diffusion.NewConfig(backend, ctx, *flagDataDir, paramsSet)
		modelPath := must.M1(diffusion.ResolveModelPath(model.DataDir, *flagModel))
		checkpoint, noise, classIds := model.AttachCheckpoint(modelPath)
		if !must.M1(checkpoint.HasCheckpoints()) {
			klog.Exitf("No checkpoint found under --model=%q (directory %q): sampling requires a trained model.",
				*flagModel, modelPath)
		}
		// The training monitoring samples are not used here.
		noise.MustFinalizeAll()
		classIds.MustFinalizeAll()

		cfg := sampling.NewConfig(model)
		if *flagOutput != "" {
			cfg.OutputDir = *flagOutput
		}
		cfg.NumSamples = *flagNumSamples
		cfg.BatchSize = *flagBatchSize
		cfg.WorldSize = *flagWorldSize
		cfg.NumSteps = *flagNumSteps
		cfg.Sampler = must.M1(diffusion.SamplerFromString(*flagSampler))
		cfg.ClipDenoised = *flagClip
		cfg.Seed = *flagSeed
		cfg.Guide = diffusion.Guidance{Start: *flagGuideStart, Scale: *flagGuideScale, BlurSigma: *flagBlurSigma}

		result := must.M1(sampling.Run(cfg))
		fmt.Printf("Samples:\t%s\n", result.NpzPath)
		if *flagPng > 0 {
			sheetPath := filepath.Join(cfg.OutputDir, "samples_sheet.png")
			must.M(diffusion.WriteImagesSheet(result.Samples, *flagPng, sheetPath))
			fmt.Printf("Sheet:\t%s\n", sheetPath)
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
