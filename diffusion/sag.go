package diffusion

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Guidance configures self-attention guidance (SAG) during sampling, see GuidedDenoise.
//
// The zero value disables guidance.
type Guidance struct {
	// Start is the diffusion time below which guidance is applied. Sampling runs the diffusion
	// time from 1.0 (all noise) down to 0.0, so guidance kicks in once the time drops below
	// Start: 1.0 applies it to every step, 0 never.
	Start float64

	// Scale is the guidance strength: the noise prediction is extrapolated away from the
	// adversarial (blurred) prediction by this factor. 0 disables guidance.
	Scale float64

	// BlurSigma is the standard deviation, in pixels, of the Gaussian blur applied to the
	// salient patches when building the adversarial prediction.
	BlurSigma float64
}

// Enabled reports whether this configuration applies any guidance.
func (guide Guidance) Enabled() bool {
	return guide.Scale > 0 && guide.Start > 0
}

// String implements fmt.Stringer.
func (guide Guidance) String() string {
	if !guide.Enabled() {
		return "disabled"
	}
	return fmt.Sprintf("start=%g, scale=%g, blur_sigma=%g", guide.Start, guide.Scale, guide.BlurSigma)
}

// GuidedDenoise is Denoise with self-attention guidance applied to the noise prediction.
//
// If guide is not Enabled, it is exactly equivalent to Denoise, it builds the same graph.
// Otherwise it runs the U-Net twice: a first pass predicts the noise and captures the
// self-attention map of the attention layer selected by "sag_attn_depth"; the patches the
// model attends the most are then blurred in the predicted image, re-noised to the current
// diffusion time, and denoised again with the same weights. The final noise prediction is
// extrapolated away from this adversarial prediction by guide.Scale.
//
// The model must have been built with "unet_attn_layers" > 0, it panics otherwise. It is
// inference only: gradients don't flow through the blur.
//
// Note that the time gating (guide.Start) is not handled here: callers are expected to build
// one guided and one plain graph and to switch per step, see ImagesGenerator.
func GuidedDenoise(ctx *context.Context, guide Guidance, noisyImages, signalRatios, noiseRatios, classIds *Node) (
	predictedImages, predictedNoises *Node) {
	if !guide.Enabled() {
		return Denoise(ctx, noisyImages, signalRatios, noiseRatios, classIds)
	}

	var attnCoef *Node
	predictedImages, predictedNoises, attnCoef = denoiseWithAttention(ctx, noisyImages, signalRatios, noiseRatios, classIds, true)

	// Degrade the prediction: blur where the model attends the most.
	mask := attentionMask(attnCoef, noisyImages)
	degraded := Where(mask, gaussianBlur(predictedImages, guide.BlurSigma), predictedImages)

	// Re-noise the degraded prediction to the current diffusion time, reusing the predicted noises.
	degradedNoisy := Add(
		Mul(degraded, signalRatios),
		Mul(predictedNoises, noiseRatios))

	// Adversarial prediction from the degraded input, sharing the model weights.
	_, adversarialNoises := Denoise(ctx.Checked(false), degradedNoisy, signalRatios, noiseRatios, classIds)

	// Extrapolate the noise prediction away from the adversarial one, and rebuild the
	// predicted images from the guided noise.
	predictedNoises = Add(predictedNoises,
		MulScalar(Sub(predictedNoises, adversarialNoises), guide.Scale))
	predictedImages = Div(
		Sub(noisyImages, Mul(predictedNoises, noiseRatios)),
		signalRatios)
	return
}

// attentionMask reduces self-attention coefficients to a boolean saliency mask over the image pixels.
//
// attnCoef is shaped `[batch, queries, heads, keys]`, where queries and keys index the flattened
// spatial positions of the U-Net's innermost image. The attention mass received by each key
// position, averaged over queries and heads, is compared to the per-example mean: positions above
// the mean are salient. The low resolution mask is then upsampled (nearest neighbor) to the full
// image size.
//
// The returned mask is shaped `[batch, height, width]`, a prefix of the images shape so it can be
// used directly as a Where condition.
func attentionMask(attnCoef, images *Node) *Node {
	batchSize := images.Shape().Dimensions[0]
	height := images.Shape().Dimensions[1]
	width := images.Shape().Dimensions[2]

	// Attention mass received by each position.
	mass := ReduceMean(attnCoef, 1, 2)
	numKeys := mass.Shape().Dimensions[1]
	side := int(math.Round(math.Sqrt(float64(numKeys))))
	if side*side != numKeys {
		exceptions.Panicf("attention map has %d positions, not a square image", numKeys)
	}
	mass = Reshape(mass, batchSize, side, side)

	// Salient positions hold more than the mean attention mass of their example.
	meanMass := InsertAxes(ReduceMean(mass, 1, 2), -1, -1)
	mask := ConvertDType(GreaterThan(mass, meanMass), dtypes.Float32)

	// Upsample to the image resolution. Nearest neighbor keeps the values binary, the final
	// comparison only converts back to booleans.
	mask = Interpolate(mask, NoInterpolation, height, width).Nearest().Done()
	return GreaterThan(mask, Scalar(mask.Graph(), mask.DType(), 0.5))
}

// gaussianBlur applies a depthwise Gaussian blur to a batch of images shaped
// `[batch, height, width, channels]`, preserving the shape.
//
// The kernel is built host-side with radius max(1, ceil(3*sigma)), so its size 2*radius+1 is
// always odd and the blur is centered. sigma must be > 0.
func gaussianBlur(images *Node, sigma float64) *Node {
	if sigma <= 0 {
		exceptions.Panicf("gaussianBlur() requires sigma > 0, got %g", sigma)
	}
	g := images.Graph()
	channels := images.Shape().Dimensions[3]
	radius := max(1, int(math.Ceil(3.0*sigma)))
	size := 2*radius + 1

	kernel1D := make([]float64, size)
	var total float64
	for i := range kernel1D {
		d := float64(i - radius)
		kernel1D[i] = math.Exp(-d * d / (2.0 * sigma * sigma))
		total += kernel1D[i]
	}

	// Separable 2D kernel normalized to sum 1, one group per channel, laid out as
	// [size, size, 1, channels] for the grouped convolution.
	flat := make([]float32, 0, size*size*channels)
	for _, kh := range kernel1D {
		for _, kw := range kernel1D {
			v := float32(kh * kw / (total * total))
			for range channels {
				flat = append(flat, v)
			}
		}
	}
	kernel := Const(g, tensors.FromFlatDataAndDimensions(flat, size, size, 1, channels))
	kernel = ConvertDType(kernel, images.DType())
	return Convolve(images, kernel).ChannelGroupCount(channels).PadSame().Done()
}
