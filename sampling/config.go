package sampling

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/sag/diffusion"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config of a sampling run. Create it with NewConfig and adjust the fields before calling Run.
type Config struct {
	// Model configuration, with the trained weights already loaded in its context -- see
	// diffusion.Config.AttachCheckpoint.
	Model *diffusion.Config

	// OutputDir receives the run artifacts: a config.yaml manifest and the samples archive.
	// It is created if needed. See DefaultOutputDir.
	OutputDir string

	// NumSamples is the exact number of images in the final artifact.
	NumSamples int

	// BatchSize generated by each worker per round.
	BatchSize int

	// WorldSize is the number of workers sampling in parallel. 0 selects one worker per
	// device of the backend.
	WorldSize int

	// NumSteps of the reverse diffusion process.
	NumSteps int

	// Sampler selects the reverse process. See diffusion.SamplerFromString.
	Sampler diffusion.SamplerKind

	// ClipDenoised clamps the predicted images to the valid range at every sampling step.
	ClipDenoised bool

	// ClassConditional samples a random class id per image and stores the ids alongside the
	// images in the artifact.
	ClassConditional bool

	// Guide configures self-attention guidance. The zero value disables it.
	Guide diffusion.Guidance

	// Seed makes runs reproducible: each batch derives its initial noise seed from it, and
	// each worker derives the seed of its sampling noise stream, disjoint from all batch
	// seeds. 0 samples differently every run. Must be >= 0.
	Seed int64
}

// NewConfig returns a sampling configuration with the usual defaults: 10000 samples in batches
// of 16 per worker, 250 steps of the ancestral sampler with clipping, one worker per device,
// class-conditional if the model was trained that way.
func NewConfig(model *diffusion.Config) *Config {
	return &Config{
		Model:            model,
		OutputDir:        DefaultOutputDir(),
		NumSamples:       10000,
		BatchSize:        16,
		NumSteps:         250,
		Sampler:          diffusion.SamplerAncestral,
		ClipDenoised:     true,
		ClassConditional: context.GetParamOr(model.Context, "class_conditional", true),
		Guide:            diffusion.Guidance{BlurSigma: 3.0},
	}
}

// DefaultOutputDir returns a fresh timestamped directory name under RESULTS/, in UTC.
func DefaultOutputDir() string {
	return filepath.Join("RESULTS", time.Now().UTC().Format("2006_01_02-030405_PM"))
}

// Validate returns an error if the configuration cannot be sampled from.
func (c *Config) Validate() error {
	if c.Model == nil || c.Model.Context == nil {
		return errors.New("sampling requires a model configuration with a context holding the trained weights")
	}
	if c.OutputDir == "" {
		return errors.New("OutputDir must not be empty")
	}
	if c.NumSamples <= 0 {
		return errors.Errorf("NumSamples must be > 0, got %d", c.NumSamples)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("BatchSize must be > 0, got %d", c.BatchSize)
	}
	if c.WorldSize < 0 {
		return errors.Errorf("WorldSize must be >= 0 (0 selects one worker per device), got %d", c.WorldSize)
	}
	if c.NumSteps <= 0 {
		return errors.Errorf("NumSteps must be > 0, got %d", c.NumSteps)
	}
	if _, err := diffusion.SamplerFromString(c.Sampler.String()); err != nil {
		return err
	}
	if c.Guide.Start < 0 || c.Guide.Scale < 0 || c.Guide.BlurSigma < 0 {
		return errors.Errorf("guidance values must be >= 0, got start=%g, scale=%g, blur_sigma=%g",
			c.Guide.Start, c.Guide.Scale, c.Guide.BlurSigma)
	}
	if c.Guide.Enabled() && c.Guide.BlurSigma == 0 {
		return errors.New("self-attention guidance requires BlurSigma > 0")
	}
	if c.Seed < 0 {
		return errors.Errorf("Seed must be >= 0, got %d", c.Seed)
	}
	return nil
}

// worldSize resolves WorldSize, defaulting to one worker per device.
func (c *Config) worldSize() int {
	if c.WorldSize > 0 {
		return c.WorldSize
	}
	return max(1, int(c.Model.Backend.NumDevices()))
}

// batchSeed derives the seed of the initial noise and class ids of one batch: distinct for
// every (rank, round) pair and deterministic when Seed > 0. Seed 0 keeps every batch random.
func (c *Config) batchSeed(rank, round int) int64 {
	if c.Seed == 0 {
		return 0
	}
	return c.Seed + int64(rank) + int64(round)*int64(c.worldSize())
}

// workerSeed seeds the sampling noise stream of one worker, offset to a range disjoint from
// the batch seeds: the stream draws its first noise with the same shape as the initial noise,
// and the same seed would re-inject the starting noise at the first ancestral step. Seed 0
// keeps the stream random.
func (c *Config) workerSeed(rank int) int64 {
	if c.Seed == 0 {
		return 0
	}
	return c.Seed + int64(rank) + 1<<32
}

// manifest is the config.yaml serialization of a run: the sampling settings plus the model
// hyperparameters.
type manifest struct {
	NumSamples       int            `yaml:"num_samples"`
	BatchSize        int            `yaml:"batch_size"`
	WorldSize        int            `yaml:"world_size"`
	NumSteps         int            `yaml:"sampling_steps"`
	Sampler          string         `yaml:"sampler"`
	ClipDenoised     bool           `yaml:"clip_denoised"`
	ClassConditional bool           `yaml:"class_conditional"`
	GuideStart       float64        `yaml:"guide_start"`
	GuideScale       float64        `yaml:"guide_scale"`
	BlurSigma        float64        `yaml:"blur_sigma"`
	Seed             int64          `yaml:"seed"`
	ImageSize        int            `yaml:"image_size"`
	NumClasses       int            `yaml:"num_classes"`
	Params           map[string]any `yaml:"params"`
}

// writeManifest dumps the effective configuration as config.yaml in the output directory, so a
// samples archive can always be traced back to the settings that produced it.
func (c *Config) writeManifest() error {
	params := make(map[string]any)
	c.Model.Context.EnumerateParams(func(scope, key string, value any) {
		name := key
		if scope != context.RootScope {
			name = scope + context.ScopeSeparator + key
		}
		params[name] = value
	})
	m := manifest{
		NumSamples:       c.NumSamples,
		BatchSize:        c.BatchSize,
		WorldSize:        c.worldSize(),
		NumSteps:         c.NumSteps,
		Sampler:          c.Sampler.String(),
		ClipDenoised:     c.ClipDenoised,
		ClassConditional: c.ClassConditional,
		GuideStart:       c.Guide.Start,
		GuideScale:       c.Guide.Scale,
		BlurSigma:        c.Guide.BlurSigma,
		Seed:             c.Seed,
		ImageSize:        c.Model.ImageSize,
		NumClasses:       c.Model.NumClasses,
		Params:           params,
	}
	data, err := yaml.Marshal(&m)
	if err != nil {
		return errors.Wrap(err, "failed to serialize the sampling configuration")
	}
	configPath := filepath.Join(c.OutputDir, "config.yaml")
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %q", configPath)
	}
	return nil
}
