package diffusion

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuidance(t *testing.T) {
	assert.False(t, Guidance{}.Enabled())
	assert.False(t, Guidance{Start: 1.0, BlurSigma: 3}.Enabled(), "scale 0 disables guidance")
	assert.False(t, Guidance{Scale: 0.5, BlurSigma: 3}.Enabled(), "start 0 disables guidance")
	assert.True(t, Guidance{Start: 1.0, Scale: 0.5, BlurSigma: 3}.Enabled())

	assert.Equal(t, "disabled", Guidance{}.String())
	assert.Equal(t, "start=0.6, scale=0.5, blur_sigma=3", Guidance{Start: 0.6, Scale: 0.5, BlurSigma: 3}.String())
}

func TestGaussianBlur(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// A centered impulse: the kernel support (radius 3 for sigma=1) stays inside the image, so the
	// normalized kernel must preserve the total mass.
	const size = 9
	flat := make([]float32, size*size*2)
	flat[(4*size+4)*2] = 1 // Channel 0 gets the impulse, channel 1 stays zero.
	impulse := tensors.FromFlatDataAndDimensions(flat, 1, size, size, 2)

	blurred := MustExecOnce(backend, func(images *Node) *Node {
		return gaussianBlur(images, 1.0)
	}, impulse)
	require.NoError(t, blurred.Shape().Check(dtypes.Float32, 1, size, size, 2))

	got := tensors.MustCopyFlatData[float32](blurred)
	var sum0, max0, sum1 float64
	for ii := 0; ii < len(got); ii += 2 {
		sum0 += float64(got[ii])
		max0 = max(max0, float64(got[ii]))
		sum1 += math.Abs(float64(got[ii+1]))
	}
	assert.InDelta(t, 1.0, sum0, 1e-4, "the blur must preserve the total mass")
	assert.InDelta(t, 0.1592, max0, 1e-3, "the peak must be the kernel center weight")
	assert.Zero(t, sum1, "channels must be blurred independently")
	assert.InDelta(t, got[(4*size+3)*2], got[(4*size+5)*2], 1e-6, "the kernel must be symmetric")
}

func TestGaussianBlurRequiresPositiveSigma(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 4, 4, 3))
	require.Panics(t, func() {
		MustExecOnce(backend, func(images *Node) *Node {
			return gaussianBlur(images, 0)
		}, images)
	})
}

func TestAttentionMask(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// Two queries, one head, over a 2x2 attention image: positions 2 and 3 receive more than the
	// mean attention mass, so the bottom half of the upsampled mask is salient.
	attnCoef := tensors.FromFlatDataAndDimensions([]float32{
		0.1, 0.2, 0.3, 0.4, // query 0
		0.1, 0.2, 0.3, 0.4, // query 1
	}, 1, 2, 1, 4)
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 4, 4, 3))

	mask := MustExecOnce(backend, func(attnCoef, images *Node) *Node {
		return attentionMask(attnCoef, images)
	}, attnCoef, images)
	require.NoError(t, mask.Shape().Check(dtypes.Bool, 1, 4, 4))
	want := [][][]bool{{
		{false, false, false, false},
		{false, false, false, false},
		{true, true, true, true},
		{true, true, true, true},
	}}
	assert.Equal(t, want, mask.Value())
}

func TestAttentionMaskRequiresSquareImage(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	attnCoef := tensors.FromFlatDataAndDimensions([]float32{0.1, 0.2, 0.7}, 1, 1, 1, 3)
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 4, 4, 3))
	require.Panics(t, func() {
		MustExecOnce(backend, func(attnCoef, images *Node) *Node {
			return attentionMask(attnCoef, images)
		}, attnCoef, images)
	})
}

func TestGuidedDenoise(t *testing.T) {
	numImages := 2
	config := getTestConfig(t)
	noise, classIds := initModelVariables(config, numImages)
	ctx := config.Context

	denoiseFn := func(guide Guidance) func(*context.Context, *Node, *Node) (*Node, *Node) {
		return func(ctx *context.Context, noisyImages, classIds *Node) (*Node, *Node) {
			numImages := noisyImages.Shape().Dimensions[0]
			times := broadcastTime(Scalar(noisyImages.Graph(), noisyImages.DType(), 0.5), noisyImages.DType(), numImages)
			signalRatios, noiseRatios := DiffusionSchedule(ctx, times, false)
			return GuidedDenoise(ctx, guide, noisyImages, signalRatios, noiseRatios, classIds)
		}
	}

	// The zero Guidance must build the plain denoising graph.
	plain := context.MustExecOnceN(config.Backend, ctx.Reuse(), denoiseFn(Guidance{}), noise, classIds)
	direct := context.MustExecOnceN(config.Backend, ctx.Reuse(),
		func(ctx *context.Context, noisyImages, classIds *Node) (*Node, *Node) {
			times := broadcastTime(Scalar(noisyImages.Graph(), noisyImages.DType(), 0.5), noisyImages.DType(), numImages)
			signalRatios, noiseRatios := DiffusionSchedule(ctx, times, false)
			return Denoise(ctx, noisyImages, signalRatios, noiseRatios, classIds)
		}, noise, classIds)
	assert.Equal(t,
		tensors.MustCopyFlatData[float32](direct[0]),
		tensors.MustCopyFlatData[float32](plain[0]))

	guide := Guidance{Start: 1.0, Scale: 0.5, BlurSigma: 1.5}
	guided := context.MustExecOnceN(config.Backend, ctx.Reuse(), denoiseFn(guide), noise, classIds)
	predictedImages, predictedNoises := guided[0], guided[1]
	require.NoError(t, predictedImages.Shape().Check(config.DType, numImages, config.ImageSize, config.ImageSize, 3))
	require.NoError(t, predictedNoises.Shape().Check(config.DType, numImages, config.ImageSize, config.ImageSize, 3))
	for _, values := range [][]float32{
		tensors.MustCopyFlatData[float32](predictedImages),
		tensors.MustCopyFlatData[float32](predictedNoises),
	} {
		for _, v := range values {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("guided denoising returned a non-finite value %f", v)
			}
		}
	}
}

func TestGuidedDenoiseRequiresAttention(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext()
	ctx.SetParams(map[string]any{"unet_attn_layers": 0})
	config := NewConfig(backend, ctx, t.TempDir(), nil)
	noise := config.GenerateNoise(1, 1)
	classIds := config.GenerateClassIds(1, 1)
	guide := Guidance{Start: 1.0, Scale: 0.5, BlurSigma: 1.5}
	require.Panics(t, func() {
		context.MustExecOnceN(backend, config.Context,
			func(ctx *context.Context, noisyImages, classIds *Node) (*Node, *Node) {
				times := broadcastTime(Scalar(noisyImages.Graph(), noisyImages.DType(), 0.5), noisyImages.DType(), 1)
				signalRatios, noiseRatios := DiffusionSchedule(ctx, times, false)
				return GuidedDenoise(ctx, guide, noisyImages, signalRatios, noiseRatios, classIds)
			}, noise, classIds)
	})
}
