package diffusion

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// SamplerKind selects the reverse diffusion process used to generate images.
type SamplerKind int

const (
	// SamplerDDIM runs the deterministic DDIM reverse process: the same starting noise always
	// generates the same images.
	SamplerDDIM SamplerKind = iota

	// SamplerAncestral adds a fresh noise at every step, the DDPM-like stochastic process.
	SamplerAncestral
)

// String implements fmt.Stringer.
func (s SamplerKind) String() string {
	switch s {
	case SamplerDDIM:
		return "ddim"
	case SamplerAncestral:
		return "ancestral"
	}
	return fmt.Sprintf("SamplerKind(%d)", int(s))
}

var samplersByName = map[string]SamplerKind{
	"ddim":      SamplerDDIM,
	"ancestral": SamplerAncestral,
}

// SamplerFromString parses a sampler name, case-insensitively.
func SamplerFromString(name string) (SamplerKind, error) {
	sampler, found := samplersByName[strings.ToLower(name)]
	if !found {
		return SamplerDDIM, errors.Errorf("unknown sampler %q: valid values are %q", name, maps.Keys(samplersByName))
	}
	return sampler, nil
}

// GenerateNoise generates the noise images start from, shaped
// `[numImages, ImageSize, ImageSize, 3]` with the model DType.
//
// If seed is not 0 the noise is deterministic on (seed, numImages), otherwise it is different
// at every call.
func (c *Config) GenerateNoise(numImages int, seed int64) *tensors.Tensor {
	rngState := must.M1(RNGState())
	if seed != 0 {
		rngState = must.M1(RNGStateFromSeed(seed))
	}
	return MustExecOnce(c.Backend, func(state *Node) *Node {
		_, noise := RandomNormal(state, shapes.Make(c.DType, numImages, c.ImageSize, c.ImageSize, 3))
		return noise
	}, rngState)
}

// GenerateClassIds generates random class ids, uniform in `[0, NumClasses)`, shaped
// `[numImages]` as Int32.
//
// If seed is not 0 the ids are deterministic on (seed, numImages).
func (c *Config) GenerateClassIds(numImages int, seed int64) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	if seed != 0 {
		rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	}
	classIds := make([]int32, numImages)
	for ii := range classIds {
		classIds[ii] = int32(rng.IntN(c.NumClasses))
	}
	return tensors.FromValue(classIds)
}

// broadcastTime converts a diffusion time, a scalar, to the `[numImages, 1, 1, 1]` shape
// consumed by DiffusionSchedule.
func broadcastTime(time *Node, dtype dtypes.DType, numImages int) *Node {
	return BroadcastToDims(ConvertDType(time, dtype), numImages, 1, 1, 1)
}

// clipPredictions clamps the predicted images to the valid pixel range, and re-derives the noise
// prediction so it stays consistent with the clamped images:
// noisyImages = clippedImages*signalRatios + clippedNoises*noiseRatios.
func (c *Config) clipPredictions(noisyImages, predictedImages, signalRatios, noiseRatios *Node) (
	clippedImages, clippedNoises *Node) {
	clippedImages = c.PreprocessImages(c.DenormalizeImages(predictedImages), true)
	clippedNoises = Div(
		Sub(noisyImages, Mul(clippedImages, signalRatios)),
		noiseRatios)
	return
}

// DDIMStepGraph builds one step of the deterministic DDIM reverse process, moving the batch of
// noisy images from diffusionTime to nextDiffusionTime.
//
// Parameters:
//   - guide: self-attention guidance configuration. The zero Guidance builds a plain denoising step.
//   - clipDenoised: if true the predicted images are clamped to the valid pixel range at each step,
//     and the noise prediction re-derived accordingly.
//   - noisyImages: shaped `[numImages, size, size, 3]`.
//   - classIds: shaped `[numImages]`.
//   - diffusionTime, nextDiffusionTime: scalars of any float dtype, with
//     0 <= nextDiffusionTime < diffusionTime <= 1.
//
// It returns both the predicted denoised images at this step and the images moved to
// nextDiffusionTime. The schedule is used unclipped at the start, so at nextDiffusionTime == 0 the
// returned nextNoisyImages are exactly the predicted images.
func (c *Config) DDIMStepGraph(ctx *context.Context, guide Guidance, clipDenoised bool,
	noisyImages, classIds, diffusionTime, nextDiffusionTime *Node) (predictedImages, nextNoisyImages *Node) {
	numImages := noisyImages.Shape().Dimensions[0]
	dtype := noisyImages.DType()
	times := broadcastTime(diffusionTime, dtype, numImages)
	nextTimes := broadcastTime(nextDiffusionTime, dtype, numImages)
	signalRatios, noiseRatios := DiffusionSchedule(ctx, times, false)
	nextSignalRatios, nextNoiseRatios := DiffusionSchedule(ctx, nextTimes, false)

	var predictedNoises *Node
	predictedImages, predictedNoises = GuidedDenoise(ctx, guide, noisyImages, signalRatios, noiseRatios, classIds)
	if clipDenoised {
		predictedImages, predictedNoises = c.clipPredictions(noisyImages, predictedImages, signalRatios, noiseRatios)
	}
	nextNoisyImages = Add(
		Mul(predictedImages, nextSignalRatios),
		Mul(predictedNoises, nextNoiseRatios))
	return
}

// AncestralStepGraph builds one step of the stochastic (DDPM-like) reverse process. It takes the
// same parameters as DDIMStepGraph plus the random number generator state used to sample the
// step noise, and additionally returns the updated state.
//
// The step moves towards nextDiffusionTime with the posterior standard deviation of the forward
// process, so at nextDiffusionTime == 0 the noise contribution vanishes and the returned
// nextNoisyImages are exactly the predicted images.
func (c *Config) AncestralStepGraph(ctx *context.Context, guide Guidance, clipDenoised bool,
	noisyImages, classIds, diffusionTime, nextDiffusionTime, rngState *Node) (
	predictedImages, nextNoisyImages, newRngState *Node) {
	numImages := noisyImages.Shape().Dimensions[0]
	dtype := noisyImages.DType()
	times := broadcastTime(diffusionTime, dtype, numImages)
	nextTimes := broadcastTime(nextDiffusionTime, dtype, numImages)
	signalRatios, noiseRatios := DiffusionSchedule(ctx, times, false)
	nextSignalRatios, nextNoiseRatios := DiffusionSchedule(ctx, nextTimes, false)

	var predictedNoises *Node
	predictedImages, predictedNoises = GuidedDenoise(ctx, guide, noisyImages, signalRatios, noiseRatios, classIds)
	if clipDenoised {
		predictedImages, predictedNoises = c.clipPredictions(noisyImages, predictedImages, signalRatios, noiseRatios)
	}

	// Posterior variance of the forward process between the two times.
	sigmaSquared := Mul(
		Div(Square(nextNoiseRatios), Square(noiseRatios)),
		OneMinus(Div(Square(signalRatios), Square(nextSignalRatios))))
	zero := ZerosLike(sigmaSquared)
	sigmaSquared = Max(sigmaSquared, zero)

	// The deterministic part of the step keeps the total variance at 1:
	// nextNoiseRatios^2 = direction^2 + sigma^2.
	direction := Sqrt(Max(Sub(Square(nextNoiseRatios), sigmaSquared), zero))

	var stepNoise *Node
	newRngState, stepNoise = RandomNormal(rngState, noisyImages.Shape())
	nextNoisyImages = Add(
		Add(
			Mul(predictedImages, nextSignalRatios),
			Mul(predictedNoises, direction)),
		Mul(stepNoise, Sqrt(sigmaSquared)))
	return
}

// ImagesGenerator runs the reverse diffusion process from noise and class ids to images, with a
// trained model. Create it with NewImagesGenerator, configure it with the WithXxx methods and
// then call Generate (or GenerateUint8, or GenerateEveryN), which can be called many times.
type ImagesGenerator struct {
	config          *Config
	ctx             *context.Context
	noise, classIds *tensors.Tensor
	numImages       int
	numSteps        int

	sampler      SamplerKind
	clipDenoised bool
	guide        Guidance
	seed         int64

	// rngState is the sampling noise stream of SamplerAncestral, threaded across generations.
	rngState *tensors.Tensor

	plainStepExec, guidedStepExec *context.Exec
	denormalizerExec              *Exec
	uint8Exec                     *Exec
}

// NewImagesGenerator creates a generator of images from the given initial `noise` and `classIds`,
// running the reverse diffusion in `numSteps` steps.
//
// The model variables are taken from config.Context, which must already be initialized, usually
// from a checkpoint (see Config.AttachCheckpoint).
//
// It defaults to the DDIM sampler, with clipping of the denoised images at each step, no
// self-attention guidance and a random seed. Use the WithXxx methods to change those before the
// first generation.
func NewImagesGenerator(config *Config, noise, classIds *tensors.Tensor, numSteps int) *ImagesGenerator {
	ctx := config.Context.Reuse()
	if numSteps <= 0 {
		exceptions.Panicf("Expected numSteps > 0, got %d", numSteps)
	}
	numImages := noise.Shape().Dimensions[0]
	if classIds.Shape().Dimensions[0] != numImages || noise.Rank() != 4 || classIds.Rank() != 1 {
		exceptions.Panicf("Shapes of noise (%s) and classIds (%s) are incompatible: "+
			"they must have the same number of images, noise must be rank 4 and classIds must "+
			"be rank 1", noise.Shape(), classIds.Shape())
	}
	return &ImagesGenerator{
		config:       config,
		ctx:          ctx,
		noise:        noise,
		classIds:     classIds,
		numImages:    numImages,
		numSteps:     numSteps,
		sampler:      SamplerDDIM,
		clipDenoised: true,
	}
}

// WithSampler selects the reverse process, SamplerDDIM (default) or SamplerAncestral.
// It must be called before the first generation.
func (g *ImagesGenerator) WithSampler(sampler SamplerKind) *ImagesGenerator {
	g.assertNotStarted("WithSampler")
	g.sampler = sampler
	return g
}

// WithClipDenoised sets whether the predicted images are clamped to the valid pixel range at
// each step (default true). It must be called before the first generation.
func (g *ImagesGenerator) WithClipDenoised(clip bool) *ImagesGenerator {
	g.assertNotStarted("WithClipDenoised")
	g.clipDenoised = clip
	return g
}

// WithGuidance enables self-attention guidance, see Guidance and GuidedDenoise.
// It must be called before the first generation.
func (g *ImagesGenerator) WithGuidance(guide Guidance) *ImagesGenerator {
	g.assertNotStarted("WithGuidance")
	g.guide = guide
	return g
}

// WithSeed makes the sampling noise of SamplerAncestral deterministic on the given seed: the
// first generation starts a noise stream from it and later generations continue the stream, so
// recreating a generator with the same seed replays the same sequence. A seed of 0 (the
// default) makes the stream random. It has no effect on SamplerDDIM, which is deterministic on
// the initial noise. It must be called before the first generation.
func (g *ImagesGenerator) WithSeed(seed int64) *ImagesGenerator {
	g.assertNotStarted("WithSeed")
	g.seed = seed
	return g
}

// WithBatch replaces the initial noise and class ids for the following generations, keeping the
// compiled sampling graphs. The shapes must match the ones the generator was created with.
//
// Unlike the other WithXxx methods it may be called after generations started: batch sampling
// drivers use it to feed fresh noise for every batch.
func (g *ImagesGenerator) WithBatch(noise, classIds *tensors.Tensor) *ImagesGenerator {
	if !noise.Shape().Equal(g.noise.Shape()) || !classIds.Shape().Equal(g.classIds.Shape()) {
		exceptions.Panicf("WithBatch() shapes (noise %s, classIds %s) must match the ones the "+
			"generator was created with (noise %s, classIds %s)",
			noise.Shape(), classIds.Shape(), g.noise.Shape(), g.classIds.Shape())
	}
	g.noise = noise
	g.classIds = classIds
	return g
}

func (g *ImagesGenerator) assertNotStarted(method string) {
	if g.denormalizerExec != nil {
		exceptions.Panicf("ImagesGenerator.%s() must be called before the first generation", method)
	}
}

// initExecs builds the step executors on first use. Generation graphs depend on the sampler,
// guidance and clipping configuration, all frozen from here on.
func (g *ImagesGenerator) initExecs() {
	if g.denormalizerExec != nil {
		return
	}
	cfg := g.config
	switch g.sampler {
	case SamplerDDIM:
		makeStepFn := func(guide Guidance) func(*context.Context, *Node, *Node, *Node, *Node) *Node {
			return func(ctx *context.Context, noisyImages, classIds, diffusionTime, nextDiffusionTime *Node) *Node {
				_, nextNoisyImages := cfg.DDIMStepGraph(ctx, guide, g.clipDenoised,
					noisyImages, classIds, diffusionTime, nextDiffusionTime)
				return nextNoisyImages
			}
		}
		g.plainStepExec = context.MustNewExec(cfg.Backend, g.ctx, makeStepFn(Guidance{}))
		if g.guide.Enabled() {
			g.guidedStepExec = context.MustNewExec(cfg.Backend, g.ctx, makeStepFn(g.guide))
		}

	case SamplerAncestral:
		makeStepFn := func(guide Guidance) func(*context.Context, *Node, *Node, *Node, *Node, *Node) (*Node, *Node) {
			return func(ctx *context.Context, noisyImages, classIds, diffusionTime, nextDiffusionTime, rngState *Node) (*Node, *Node) {
				_, nextNoisyImages, newRngState := cfg.AncestralStepGraph(ctx, guide, g.clipDenoised,
					noisyImages, classIds, diffusionTime, nextDiffusionTime, rngState)
				return nextNoisyImages, newRngState
			}
		}
		g.plainStepExec = context.MustNewExec(cfg.Backend, g.ctx, makeStepFn(Guidance{}))
		if g.guide.Enabled() {
			g.guidedStepExec = context.MustNewExec(cfg.Backend, g.ctx, makeStepFn(g.guide))
		}

	default:
		exceptions.Panicf("invalid sampler %s", g.sampler)
	}

	g.denormalizerExec = MustNewExec(cfg.Backend, func(image *Node) *Node {
		return cfg.DenormalizeImages(image)
	})
	// Pixel values are already clamped to [0, 255], the Floor matches the usual float to
	// uint8 truncation.
	g.uint8Exec = MustNewExec(cfg.Backend, func(image *Node) *Node {
		return ConvertDType(Floor(image), dtypes.Uint8)
	})
}

// newRNGState returns the initial random number generator state of the SamplerAncestral noise
// stream, created at the first generation and updated at every step from then on.
func (g *ImagesGenerator) newRNGState() *tensors.Tensor {
	if g.seed != 0 {
		return must.M1(RNGStateFromSeed(g.seed))
	}
	return must.M1(RNGState())
}

// GenerateEveryN images from the initial noise: it runs the configured reverse process for the
// configured number of steps, and records the images every n steps, always including the last
// step.
//
// It can be called more than once, e.g. if the model was further trained, or after WithBatch.
// With the DDIM sampler it always returns the same images for the same noise; the ancestral
// sampler draws fresh sampling noises at each call, continuing the stream seeded by WithSeed.
//
// It returns a slice with the recorded batches of images, denormalized to float32 pixel values
// in `[0, 255]`, and a slice with the diffusion time of each batch, time 0 being the fully
// denoised last one.
func (g *ImagesGenerator) GenerateEveryN(n int) (predictedImages []*tensors.Tensor, times []float64) {
	g.initExecs()
	backend := g.config.Backend

	// Copy the noise: the batch tensor is donated to the execution at each step, and we want to
	// preserve the original g.noise.
	imagesBatch := must.M1(g.noise.LocalClone())
	if g.sampler == SamplerAncestral && g.rngState == nil {
		g.rngState = g.newRNGState()
	}

	for step := 0; step < g.numSteps; step++ {
		time := 1.0 - float64(step)/float64(g.numSteps)
		nextTime := 1.0 - float64(step+1)/float64(g.numSteps)
		if step == g.numSteps-1 {
			nextTime = 0.0 // Avoiding numeric issues.
		}
		stepExec := g.plainStepExec
		if g.guidedStepExec != nil && time < g.guide.Start {
			stepExec = g.guidedStepExec
		}
		imagesBuf := must.M1(DonateTensorBuffer(imagesBatch, backend, 0))
		switch g.sampler {
		case SamplerDDIM:
			imagesBatch = must.M1(stepExec.Exec1(imagesBuf, g.classIds, time, nextTime))
		case SamplerAncestral:
			stateBuf := must.M1(DonateTensorBuffer(g.rngState, backend, 0))
			results := stepExec.MustExec(imagesBuf, g.classIds, time, nextTime, stateBuf)
			imagesBatch, g.rngState = results[0], results[1]
		}
		if (n > 0 && step%n == 0) || step == g.numSteps-1 {
			times = append(times, nextTime)
			predictedImages = append(predictedImages, g.denormalizerExec.MustExec(imagesBatch)[0])
		}
	}
	return
}

// Generate images from the initial noise.
//
// It can be called more than once, e.g. if the model was further trained, or after WithBatch.
// With the DDIM sampler it always returns the same images for the same noise; the ancestral
// sampler draws fresh sampling noises at each call, continuing the stream seeded by WithSeed.
//
// The images are denormalized to float32 pixel values in `[0, 255]`, shaped
// `[numImages, size, size, 3]`.
func (g *ImagesGenerator) Generate() (batchedImages *tensors.Tensor) {
	allBatches, _ := g.GenerateEveryN(0)
	return allBatches[0]
}

// GenerateUint8 is Generate with the images converted to Uint8, the format image encoders and
// the serialized sample archives use.
func (g *ImagesGenerator) GenerateUint8() (batchedImages *tensors.Tensor) {
	images := g.Generate()
	defer images.MustFinalizeAll()
	return g.uint8Exec.MustExec(images)[0]
}
