package sampling

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/sag/diffusion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestContext returns the default context with the model hyperparameters scaled down to a
// tiny U-Net over 8x8 images.
func newTestContext() *context.Context {
	ctx := diffusion.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		"image_size":                    8,
		"batch_size":                    2,
		"eval_batch_size":               2,
		"num_classes":                   10,
		"class_embed_size":              4,
		"diffusion_channels_list":       []int{4, 8},
		"diffusion_num_residual_blocks": 1,
		"unet_attn_heads":               2,
		"unet_attn_key_dim":             4,
		"unet_attn_pos_dim":             4,
		"sinusoidal_embed_size":         8,
	})
	return ctx
}

// newTestModel returns a diffusion configuration scaled down to a tiny U-Net over 8x8 images,
// with its variables materialized, the state Config.AttachCheckpoint leaves a trained model in.
func newTestModel(t *testing.T) *diffusion.Config {
	backend := graphtest.BuildTestBackend()
	model := diffusion.NewConfig(backend, newTestContext(), t.TempDir(), nil)

	noise := model.GenerateNoise(2, 1)
	classIds := model.GenerateClassIds(2, 1)
	results := context.MustExecOnceN(backend, ctx,
		func(ctx *context.Context, noisyImages, classIds *Node) (*Node, *Node) {
			numImages := noisyImages.Shape().Dimensions[0]
			times := BroadcastToDims(Scalar(noisyImages.Graph(), noisyImages.DType(), 0.5), numImages, 1, 1, 1)
			signalRatios, noiseRatios := diffusion.DiffusionSchedule(ctx, times, false)
			return diffusion.Denoise(ctx, noisyImages, signalRatios, noiseRatios, classIds)
		}, noise, classIds)
	for _, result := range results {
		result.MustFinalizeAll()
	}
	noise.MustFinalizeAll()
	classIds.MustFinalizeAll()
	return model
}

func TestRun(t *testing.T) {
	model := newTestModel(t)
	cfg := NewConfig(model)
	cfg.OutputDir = filepath.Join(t.TempDir(), "samples")
	cfg.NumSamples = 10
	cfg.BatchSize = 4
	cfg.WorldSize = 2
	cfg.NumSteps = 2
	cfg.Sampler = diffusion.SamplerDDIM
	cfg.Seed = 3

	result, err := Run(cfg)
	require.NoError(t, err)
	require.NoError(t, result.Samples.Shape().Check(dtypes.Uint8, 10, 8, 8, 3))
	require.NoError(t, result.Labels.Shape().Check(dtypes.Int32, 10))
	assert.Equal(t, "samples_10x8x8x3.npz", filepath.Base(result.NpzPath))
	assert.Greater(t, result.Elapsed, time.Duration(0))
	for _, name := range []string{"config.yaml", "samples_10x8x8x3.npz"} {
		_, err := os.Stat(filepath.Join(cfg.OutputDir, name))
		assert.NoError(t, err, "expected run artifact %q", name)
	}

	// 10 samples need 2 rounds of 2 workers of 4: the batches are gathered in (round, rank)
	// order and truncated, so the labels are a pure function of the seed.
	var wantLabels []int32
	for round := range 2 {
		for rank := range 2 {
			classIds := model.GenerateClassIds(cfg.BatchSize, cfg.batchSeed(rank, round))
			wantLabels = append(wantLabels, tensors.MustCopyFlatData[int32](classIds)...)
			classIds.MustFinalizeAll()
		}
	}
	assert.Equal(t, wantLabels[:10], tensors.MustCopyFlatData[int32](result.Labels))

	// The archive round-trips.
	samples, labels, err := ReadNpz(result.NpzPath)
	require.NoError(t, err)
	assert.Equal(t, tensors.MustCopyFlatData[uint8](result.Samples), tensors.MustCopyFlatData[uint8](samples))
	assert.Equal(t, tensors.MustCopyFlatData[int32](result.Labels), tensors.MustCopyFlatData[int32](labels))

	// A seeded DDIM run is reproducible.
	cfg.OutputDir = filepath.Join(t.TempDir(), "again")
	again, err := Run(cfg)
	require.NoError(t, err)
	assert.Equal(t,
		tensors.MustCopyFlatData[uint8](result.Samples),
		tensors.MustCopyFlatData[uint8](again.Samples))
}

func TestRunUnconditional(t *testing.T) {
	model := newTestModel(t)
	cfg := NewConfig(model)
	cfg.OutputDir = filepath.Join(t.TempDir(), "samples")
	cfg.NumSamples = 6
	cfg.BatchSize = 4
	cfg.WorldSize = 1
	cfg.NumSteps = 2
	cfg.ClassConditional = false
	cfg.Seed = 1

	// 2 rounds of 4 samples, truncated to 6, with the default ancestral sampler.
	result, err := Run(cfg)
	require.NoError(t, err)
	require.NoError(t, result.Samples.Shape().Check(dtypes.Uint8, 6, 8, 8, 3))
	assert.Nil(t, result.Labels)
	assert.Equal(t, "samples_6x8x8x3.npz", filepath.Base(result.NpzPath))

	samples, labels, err := ReadNpz(result.NpzPath)
	require.NoError(t, err)
	require.NoError(t, samples.Shape().Check(dtypes.Uint8, 6, 8, 8, 3))
	assert.Nil(t, labels)
}

// A single sampling step is the degenerate reverse process: one jump from pure noise straight
// to the predicted images.
func TestRunSingleStep(t *testing.T) {
	model := newTestModel(t)
	cfg := NewConfig(model)
	cfg.OutputDir = filepath.Join(t.TempDir(), "samples")
	cfg.NumSamples = 4
	cfg.BatchSize = 4
	cfg.WorldSize = 1
	cfg.NumSteps = 1
	cfg.Sampler = diffusion.SamplerDDIM
	cfg.Seed = 7

	result, err := Run(cfg)
	require.NoError(t, err)
	require.NoError(t, result.Samples.Shape().Check(dtypes.Uint8, 4, 8, 8, 3))
	require.NoError(t, result.Labels.Shape().Check(dtypes.Int32, 4))

	// The single jump must match a one-step generator run on the same batch.
	noise := model.GenerateNoise(cfg.BatchSize, cfg.batchSeed(0, 0))
	classIds := model.GenerateClassIds(cfg.BatchSize, cfg.batchSeed(0, 0))
	want := diffusion.NewImagesGenerator(model, noise, classIds, 1).GenerateUint8()
	assert.Equal(t,
		tensors.MustCopyFlatData[uint8](want),
		tensors.MustCopyFlatData[uint8](result.Samples))
	noise.MustFinalizeAll()
	classIds.MustFinalizeAll()
	want.MustFinalizeAll()
}

func TestRunWorkerError(t *testing.T) {
	// A model without materialized weights makes every worker fail at its first batch: the run
	// is canceled, the error surfaces and no archive is written.
	model := diffusion.NewConfig(graphtest.BuildTestBackend(), newTestContext(), t.TempDir(), nil)
	cfg := NewConfig(model)
	cfg.OutputDir = filepath.Join(t.TempDir(), "samples")
	cfg.NumSamples = 8
	cfg.BatchSize = 4
	cfg.WorldSize = 2
	cfg.NumSteps = 2
	cfg.Seed = 1

	result, err := Run(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sampling worker")
	assert.Nil(t, result)
	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".npz", "no archive must be written when a worker fails")
	}
}
