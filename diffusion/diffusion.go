// Package diffusion implements a class-conditional image diffusion model with a U-Net
// backbone, along with DDIM and ancestral samplers and self-attention guidance (SAG)
// to generate images from a trained model.
//
// Models are trained on the Imagenette dataset (a 10 classes subset of ImageNet), and
// checkpoints can be loaded from a local directory or downloaded from HuggingFace.
// The binaries under cmd/sag_train and cmd/sag_sample drive training and batch
// sampling respectively.
//
// The network is trained to predict the noise component of a noised image, following
// the DDIM formulation in https://arxiv.org/abs/2010.02502. Self-attention guidance
// follows https://arxiv.org/abs/2210.00939: during sampling the model's own attention
// map selects the salient patches, which are blurred and re-noised to build an
// adversarial input, and the denoising prediction is extrapolated away from it.
//
// Hyperparameters are read from the context, see CreateDefaultContext for the defaults
// and their documentation.
package diffusion

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/janpfeifer/must"
)

// SinusoidalEmbedding provides embeddings of `x` for different frequencies.
// This is applied to the variance of the noise, and facilitates the NN model to easily map different ranges
// of the signal/noise ratio.
func SinusoidalEmbedding(ctx *context.Context, x *Node) *Node {
	g := x.Graph()

	// Generate geometrically spaced frequencies: only 1/2 of "sinusoidal_embed_size" because we use half for
	// sine numbers, half for cosine numbers.
	halfEmbed := context.GetParamOr(ctx, "sinusoidal_embed_size", 32) / 2
	logMinFreq := math.Log(context.GetParamOr(ctx, "sinusoidal_min_freq", 1.0))
	logMaxFreq := math.Log(context.GetParamOr(ctx, "sinusoidal_max_freq", 1000.0))
	frequencies := IotaFull(g, shapes.Make(x.DType(), halfEmbed))
	frequencies = AddScalar(
		MulScalar(frequencies, (logMaxFreq-logMinFreq)/float64(halfEmbed-1.0)),
		logMinFreq)
	frequencies = Exp(frequencies)
	frequencies.AssertDims(halfEmbed) // Geometrically spaced frequencies.

	// Generate sine/cosine embeddings.
	angularSpeeds := MulScalar(frequencies, 2.0*math.Pi)
	if !x.Shape().IsScalar() {
		angularSpeeds = ExpandLeftToRank(angularSpeeds, x.Rank())
	}
	angles := Mul(angularSpeeds, x)
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// NormalizeLayer behaves according to the layers.ParamNormalization ("normalization") hyperparameter.
// It works with `x` of rank 4 and rank 3.
func NormalizeLayer(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node) *Node {
	norm := context.GetParamOr(ctx, layers.ParamNormalization, "none")
	switch norm {
	case "none":
		// No-op.
	case "batch":
		x = batchnorm.New(ctx, x, -1).Center(false).Scale(false).Done()
	case "layer":
		x = layers.LayerNormalization(ctx, x, 1, 2).Done()
	}
	nanLogger.TraceFirstNaN(x)
	return x
}

// concatContextFeatures to x, by broadcasting contextFeatures to x spatial dimensions.
func concatContextFeatures(x, contextFeatures *Node) *Node {
	if contextFeatures == nil {
		return x
	}
	broadcastDims := contextFeatures.Shape().Clone().Dimensions
	for _, axis := range timage.GetSpatialAxes(x, timage.ChannelsLast) {
		broadcastDims[axis] = x.Shape().Dimensions[axis]
	}
	contextFeatures = BroadcastToDims(contextFeatures, broadcastDims...)
	return Concatenate([]*Node{x, contextFeatures}, -1)
}

// ResidualBlock on the input with `outputChannels` (axis 3) in the output.
//
// The parameter `x` must be of rank 4, shaped `[batch_size, height, width, channels]`.
func ResidualBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node, outputChannels int) *Node {
	x.AssertRank(4)
	inputChannels := x.Shape().Dimensions[3]
	residual := x
	layerNum := 0
	nextCtx := func(name string) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-%s", layerNum, name)
		layerNum++
		return
	}

	if inputChannels != outputChannels {
		residual = layers.Dense(nextCtx("residual_projection"), x, true, outputChannels)
	}
	nanLogger.TraceFirstNaN(residual, "residual")

	x = NormalizeLayer(nextCtx("norm"), nanLogger, x)

	version := context.GetParamOr(ctx, "diffusion_residual_version", 1)
	switch version {
	case 1: // Version 1: two full convolutions.
		x = layers.Convolution(nextCtx("conv"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()
		x = layers.DropBlock(ctx, x).ChannelsAxis(timage.ChannelsLast).Done()
		x = activations.ApplyFromContext(ctx, x)
		x = layers.Convolution(nextCtx("conv"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()
		x = layers.DropBlock(ctx, x).ChannelsAxis(timage.ChannelsLast).Done()
		nanLogger.TraceFirstNaN(x, "x (Version 1)")

	case 2: // Version 2: slimmer, pre-activation and a zero-initialized convolution.
		residual = activations.ApplyFromContext(ctx, residual)
		convCtx := nextCtx("conv").WithInitializer(initializers.Zero)
		x = layers.Convolution(convCtx, x).Filters(outputChannels).KernelSize(3).PadSame().Done()
		x = layers.DropBlock(ctx, x).ChannelsAxis(timage.ChannelsLast).Done()
		nanLogger.TraceFirstNaN(x, "x (Version 2)")

	default:
		exceptions.Panicf("ResidualBlock(): invalid \"diffusion_residual_version\" %d: valid values are 1 or 2", version)
	}

	x = layers.DropPathFromContext(ctx, x)
	x = Add(x, residual)
	nanLogger.TraceFirstNaN(x, "x = Add(x, residual)")
	return x
}

// DownBlock applies `numBlocks` residual blocks followed by a pooling of size 2, halving the spatial size.
// It pushes the values between each residual block to the `skips` stack, to build the skip connections later.
//
// It returns the transformed `x` and `skips` with newly stacked skip connections.
func DownBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	for ii := 0; ii < numBlocks; ii++ {
		x = ResidualBlock(ctx.Inf("%03d-residual", ii), nanLogger, x, outputChannels)
		skips = append(skips, x)
	}
	poolType := context.GetParamOr(ctx, "diffusion_pool", "mean")
	switch poolType {
	case "mean":
		x = MeanPool(x).Window(2).NoPadding().Done()
	case "max":
		x = MaxPool(x).Window(2).NoPadding().Done()
	case "sum":
		x = SumPool(x).Window(2).NoPadding().Done()
	case "concat":
		x = ConcatPool(x).Window(2).NoPadding().Done()
	default:
		exceptions.Panicf(`invalid "diffusion_pool" setting %q: valid values are mean, max, sum or concat`, poolType)
	}
	nanLogger.TraceFirstNaN(x)
	return x, skips
}

// UpSampleImages doubles the spatial dimensions of a batch of images, repeating the pixel values.
func UpSampleImages(images *Node) *Node {
	shape := images.Shape()
	batchSize := shape.Dimensions[0]
	height, width := shape.Dimensions[1], shape.Dimensions[2]
	numChannels := shape.Dimensions[3]
	upSampled := Concatenate([]*Node{images, images}, 3)
	upSampled = Reshape(upSampled, batchSize, height, 2*width, numChannels)
	upSampled = Concatenate([]*Node{upSampled, upSampled}, 2)
	upSampled = Reshape(upSampled, batchSize, 2*height, 2*width, numChannels)
	return upSampled
}

// UpBlock is the counter-part to DownBlock. It performs up-scaling convolutions and connects skip-connections
// popped from `skips`.
//
// It returns `x` and `skips` after popping the consumed skip connections.
func UpBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	nanLogger.PushScope("UpBlock")
	defer nanLogger.PopScope()

	x = UpSampleImages(x)
	nanLogger.TraceFirstNaN(x, "UpSampleImages")
	for ii := 0; ii < numBlocks; ii++ {
		scopedCtx := ctx.Inf("%03d-residual", ii)
		nanLogger.PushScope(scopedCtx.Scope())
		var skip *Node
		skip, skips = xslices.Pop(skips)
		x = Concatenate([]*Node{x, skip}, -1)
		x = ResidualBlock(scopedCtx, nanLogger, x, outputChannels)
		nanLogger.PopScope()
	}
	return x, skips
}

// UNetModelScope is the context scope under which all the U-Net variables live. The EMA mirror of
// the model lives under the sibling "ema" scope.
const UNetModelScope = "u-net"

// UNetModelGraph builds the U-Net model graph.
//
// Parameters:
//   - noisyImages: image shaped `[batch_size, size, size, channels=3]`.
//   - noiseVariances: one value in `[0.0, 1.0]` per example in the batch, shaped `[batch_size, 1, 1, 1]`.
//   - classIds: one int32 value in `[0, num_classes)` per example in the batch, shaped `[batch_size]`.
//     It is ignored if "class_conditional" is false.
//
// Hyperparameters read from ctx:
//
//   - "diffusion_channels_list" (static hyperparameter): number of channels (embedding size) to use in the
//     model. For each value "diffusion_num_residual_blocks" blocks are applied and then the image is pooled
//     and reduced by a factor of 2, later to be up-sampled again. So at most `log2(size)` values.
//   - "diffusion_num_residual_blocks" (static hyperparameter): number of blocks to use per element of
//     "diffusion_channels_list".
//   - "unet_attn_layers": if > 0, the innermost blocks are replaced by a transformer with that many
//     self-attention layers. See TransformerBlock.
func UNetModelGraph(ctx *context.Context, nanLogger *nanlogger.NanLogger, noisyImages, noiseVariances, classIds *Node) *Node {
	output, _ := unetWithAttention(ctx, nanLogger, noisyImages, noiseVariances, classIds, false)
	return output
}

// unetWithAttention builds the U-Net graph and optionally also returns the attention coefficients of the
// self-attention layer selected by "sag_attn_depth", used for self-attention guidance.
//
// If wantAttention is false, attnCoef is nil.
func unetWithAttention(ctx *context.Context, nanLogger *nanlogger.NanLogger, noisyImages, noiseVariances, classIds *Node,
	wantAttention bool) (output, attnCoef *Node) {
	dtype := noisyImages.DType()
	ctx = ctx.In(UNetModelScope).WithInitializer(initializers.XavierNormalFn(ctx))

	// nextCtx returns a new context prefixed with a counter, to give a nice ordering to the variables.
	layerNum := 0
	nextCtx := func(format string, args ...any) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return
	}

	batchSize := noisyImages.Shape().Dimensions[0]
	imgSize := noisyImages.Shape().Dimensions[1]
	imageChannels := noisyImages.Shape().Dimensions[3]
	noisyImages.AssertDims(batchSize, imgSize, imgSize, imageChannels)
	noiseVariances.AssertDims(batchSize, 1, 1, 1)
	classIds.AssertDims(batchSize)

	nanLogger.TraceFirstNaN(noisyImages, "UNetModelGraph:noisyImages")
	nanLogger.TraceFirstNaN(noiseVariances, "UNetModelGraph:noiseVariances")

	numChannelsList := context.GetParamOr(ctx, "diffusion_channels_list", []int{32, 64, 96, 128})
	numBlocks := context.GetParamOr(ctx, "diffusion_num_residual_blocks", 2)

	// Noise variance sinusoidal representation, always included, later broadcast to the spatial dimensions.
	sinEmbed := SinusoidalEmbedding(ctx, noiseVariances)
	nanLogger.TraceFirstNaN(sinEmbed, "UNetModelGraph:sinEmbed")
	contextFeatures := sinEmbed

	// Class embeddings, if the model is class-conditional.
	classEmbedSize := context.GetParamOr(ctx, "class_embed_size", 32)
	if context.GetParamOr(ctx, "class_conditional", true) && classEmbedSize > 0 {
		numClasses := context.GetParamOr(ctx, "num_classes", 1000)
		expandedIds := InsertAxes(classIds, -1, -1, -1) // Expand axes to match noisyImages rank.
		classEmbed := layers.Embedding(
			nextCtx("ClassEmbeddings").WithInitializer(initializers.RandomNormalFn(ctx, 1.0/float64(classEmbedSize))),
			expandedIds, dtype, numClasses, classEmbedSize, false)
		nanLogger.TraceFirstNaN(classEmbed, "UNetModelGraph:classEmbed")
		contextFeatures = Concatenate([]*Node{contextFeatures, classEmbed}, -1)
	}

	// Adjust imageChannels to the initial number of channels.
	x := noisyImages
	x = layers.Dense(nextCtx("StartingChannelsProjection"), x, true, numChannelsList[0])
	nanLogger.TraceFirstNaN(x, "UNetModelGraph:x")

	// Downward: keep pooling the image to a smaller size.
	// Keep the `skips` features as we move downward, so they can be "skip" connected later as we move upward.
	skips := make([]*Node, 0, numBlocks*len(numChannelsList))
	for ii, numChannels := range numChannelsList {
		blockCtx := nextCtx("DownBlock_%d", ii)
		nanLogger.PushScope(blockCtx.Scope())
		// Apply context features: noise variance as a sinusoidal embedding and class embeddings.
		x = concatContextFeatures(x, contextFeatures)
		x, skips = DownBlock(blockCtx, nanLogger, x, skips, numBlocks, numChannels)
		nanLogger.PopScope()
	}

	// Innermost part of the model: smallest spatial shape, but usually the largest embedding size.
	numAttentionLayers := context.GetParamOr(ctx, "unet_attn_layers", 0)
	if wantAttention && numAttentionLayers <= 0 {
		exceptions.Panicf("self-attention guidance requires a model with \"unet_attn_layers\" > 0, got %d", numAttentionLayers)
	}
	if numAttentionLayers > 0 {
		blockCtx := nextCtx("Attention")
		nanLogger.PushScope(blockCtx.Scope())
		x, attnCoef = transformerBlock(blockCtx, nanLogger, x, wantAttention)
		nanLogger.PopScope()

	} else {
		// Plain residual blocks for the inner image:
		lastNumChannels := xslices.Last(numChannelsList)
		for ii := range numBlocks {
			blockCtx := nextCtx("IntermediaryBlock-%02d", ii)
			nanLogger.PushScope(blockCtx.Scope())
			x = ResidualBlock(blockCtx, nanLogger, x, lastNumChannels)
			nanLogger.PopScope()
		}
	}

	// Upward: up-sample the image back to the original size, one block at a time.
	for ii := range numChannelsList {
		blockCtx := nextCtx("UpBlock_%d", ii)
		nanLogger.PushScope(blockCtx.Scope())
		numChannels := numChannelsList[len(numChannelsList)-(ii+1)]
		x, skips = UpBlock(blockCtx, nanLogger, x, skips, numBlocks, numChannels)
		nanLogger.PopScope()
	}
	if len(skips) != 0 {
		exceptions.Panicf("Ended with %d skips not accounted for!?", len(skips))
	}

	// Output initialized to 0, which is the mean of the target.
	x = layers.DenseWithBias(nextCtx("Readout").WithInitializer(initializers.Zero), x, imageChannels)
	nanLogger.TraceFirstNaN(x, "UNetModelGraph:x")

	output = x
	return
}

// DiffusionSchedule calculates the ratios of noise and image that need to be mixed, given the
// diffusion time in `[0.0, 1.0]`.
//
// Diffusion time 0 means minimum diffusion -- the signal ratio will be "diffusion_max_signal_ratio",
// default 0.95 -- and diffusion time 1.0 means almost all noise -- the signal ratio will be
// "diffusion_min_signal_ratio", default 0.02.
//
// Typically, the shape of `times` and the returned ratios will be `[batch_size, 1, 1, 1]`.
//
// If `clipStart` is set to false, the signal ratio is not clipped at the start, and it can go all
// the way to 1.0 at time 0. The samplers use that so the last step of the reverse process lands
// exactly on the predicted image.
//
// The ratios observe the element-wise constraint signalRatios^2 + noiseRatios^2 = 1.
// This preserves the variance of the combined (image*signalRatio + noise*noiseRatio) at 1.
//
// For 16 bits dtypes the angles and trigonometry are computed in float32, and only the final
// ratios are converted back, the schedule endpoints would otherwise collapse in half precision.
func DiffusionSchedule(ctx *context.Context, times *Node, clipStart bool) (signalRatios, noiseRatios *Node) {
	dtype := times.DType()
	if dtype == dtypes.Float16 || dtype == dtypes.BFloat16 {
		times = ConvertDType(times, dtypes.Float32)
	}

	// diffusion times -> angles
	startAngle := 0.0
	if clipStart {
		startAngle = math.Acos(context.GetParamOr(ctx, "diffusion_max_signal_ratio", 0.95))
	}
	endAngle := math.Acos(context.GetParamOr(ctx, "diffusion_min_signal_ratio", 0.02))
	diffusionAngles := AddScalar(MulScalar(times, endAngle-startAngle), startAngle)

	// The ratios used are Sqrt(alpha) and Sqrt(1-alpha), because they have the nice property of
	// preserving the variance (of 1) during the process.
	signalRatios = Cos(diffusionAngles)
	noiseRatios = Sin(diffusionAngles)
	if signalRatios.DType() != dtype {
		signalRatios = ConvertDType(signalRatios, dtype)
		noiseRatios = ConvertDType(noiseRatios, dtype)
	}
	return
}

// Denoise runs the U-Net to separate the noise from the image.
// It is given the signal and noise ratios of the diffusion time the images are at.
//
// If "use_ema" is set and the context is not training, the exponential moving average copy of the
// model weights is used instead. During training with "diffusion_ema" > 0 it also updates the
// moving average copy.
func Denoise(ctx *context.Context, noisyImages, signalRatios, noiseRatios, classIds *Node) (
	predictedImages, predictedNoises *Node) {
	predictedImages, predictedNoises, _ = denoiseWithAttention(ctx, noisyImages, signalRatios, noiseRatios, classIds, false)
	return
}

// denoiseWithAttention implements Denoise, optionally also returning the self-attention
// coefficients of the U-Net's attention layer selected by "sag_attn_depth".
func denoiseWithAttention(ctx *context.Context, noisyImages, signalRatios, noiseRatios, classIds *Node,
	wantAttention bool) (predictedImages, predictedNoises, attnCoef *Node) {
	g := noisyImages.Graph()
	var modelCtx *context.Context

	useEMA := context.GetParamOr(ctx, "use_ema", false)
	if useEMA && !ctx.IsTraining(g) {
		// Use the exponential moving average (EMA) of the weights for inference.
		modelCtx = ctx.In("ema")
	} else {
		modelCtx = ctx
	}

	// Noise variance: the noise has variance 1, scaled by noiseRatio (a multiplicative factor), so
	// the variance of the noise component is:
	noiseVariances := Square(noiseRatios)

	// It's easier to model the noise than the image:
	predictedNoises, attnCoef = unetWithAttention(modelCtx, nil, noisyImages, noiseVariances, classIds, wantAttention)
	predictedImages = Sub(noisyImages, Mul(predictedNoises, noiseRatios))
	predictedImages = Div(predictedImages, signalRatios)

	emaCoef := context.GetParamOr(ctx, "diffusion_ema", 0.0)
	if ctx.IsTraining(g) && emaCoef > 0 {
		// Update the moving average copy of the weights:
		prefixScope := ctx.Scope()
		emaCtx := ctx.In("ema").WithInitializer(initializers.Zero).Checked(false)
		newPrefixScope := emaCtx.Scope()
		// Enumerate the variables we care about, under the U-Net model:
		ctx.In(UNetModelScope).EnumerateVariablesInScope(func(v *context.Variable) {
			if !strings.HasPrefix(v.Scope(), prefixScope) {
				exceptions.Panicf("unexpected variable %q in scope %q", v.Name(), v.Scope())
			}
			suffix := v.Scope()[len(prefixScope):]
			if !strings.HasPrefix(suffix, context.ScopeSeparator) {
				suffix = context.ScopeSeparator + suffix
			}
			newScope := newPrefixScope + suffix
			emaVar := emaCtx.InAbsPath(newScope).VariableWithShape(v.Name(), v.Shape())
			emaValue := Add(
				MulScalar(emaVar.ValueGraph(g), emaCoef),
				MulScalar(v.ValueGraph(g), 1.0-emaCoef))
			emaVar.SetValueGraph(emaValue)
		})
	}
	return
}

// BuildTrainingModelGraph returns the model function for training and evaluation.
//
// The returned predictions are `[denormalized predicted images, noises loss, images loss, noise MAE]`,
// the loss to optimize is predictions[1].
func (c *Config) BuildTrainingModelGraph() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		g := inputs[0].Graph()

		// Prepare the input images and noise.
		images := inputs[0]
		batchSize := images.Shape().Dimensions[0]
		classIds := inputs[1]
		images = AugmentImages(ctx, images) // No-op if not training.
		images = c.PreprocessImages(images, true)
		noises := ctx.RandomNormal(g, images.Shape())
		c.NanLogger.TraceFirstNaN(images, "images")
		c.NanLogger.TraceFirstNaN(noises, "noises")

		dtype := images.DType()
		cosineschedule.New(ctx, g, dtype).FromContext().Done()

		// Sample noise at different diffusion times.
		diffusionTimes := ctx.RandomUniform(g, shapes.Make(dtype, batchSize, 1, 1, 1))
		diffusionTimes = Square(diffusionTimes) // Bias towards less noise (smaller diffusion times), since it's most impactful.
		signalRatios, noiseRatios := DiffusionSchedule(ctx, diffusionTimes, true)
		noisyImages := Add(
			Mul(images, signalRatios),
			Mul(noises, noiseRatios))
		noisyImages = StopGradient(noisyImages)
		predictedImages, predictedNoises := Denoise(ctx, noisyImages, signalRatios, noiseRatios, classIds)

		// Large reduce operations overflow low-precision dtypes, so the losses are taken in Float32.
		if dtype == dtypes.Float16 || dtype == dtypes.BFloat16 {
			images = ConvertDType(images, dtypes.Float32)
			noises = ConvertDType(noises, dtypes.Float32)
			predictedImages = ConvertDType(predictedImages, dtypes.Float32)
			predictedNoises = ConvertDType(predictedNoises, dtypes.Float32)
		}

		// Calculate the loss inside the model: use losses.ParamLoss to define the loss, and if not set,
		// back-off to "diffusion_loss" hyperparameter (for backward compatibility).
		lossName := context.GetParamOr(ctx, losses.ParamLoss, "")
		if lossName == "" {
			lossName = context.GetParamOr(ctx, "diffusion_loss", "mse")
		}
		ctx.SetParam(losses.ParamLoss, lossName) // Needed for old models that used "diffusion_loss".
		lossFn := must.M1(losses.LossFromContext(ctx))
		noisesLoss := lossFn([]*Node{noises}, []*Node{predictedNoises})
		if !noisesLoss.IsScalar() {
			noisesLoss = ReduceAllMean(noisesLoss)
		}
		imagesLoss := losses.MeanAbsoluteError([]*Node{images}, []*Node{predictedImages})
		if !imagesLoss.IsScalar() {
			imagesLoss = ReduceAllMean(imagesLoss)
		}
		noiseMAE := noisesLoss
		if lossName != "mae" {
			noiseMAE = losses.MeanAbsoluteError([]*Node{noises}, []*Node{predictedNoises})
		}

		return []*Node{c.DenormalizeImages(predictedImages), noisesLoss, imagesLoss, noiseMAE}
	}
}

// TransformerBlock applies self-attention layers to the innermost (smallest spatial size) image of the
// U-Net, shaped `[batch_size, height, width, embed_dim]`. The spatial dimensions are collapsed into a
// sequence, a learned positional embedding is concatenated, and "unet_attn_layers" attention layers
// are applied.
func TransformerBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node) *Node {
	x, _ = transformerBlock(ctx, nanLogger, x, false)
	return x
}

// transformerBlock implements TransformerBlock, optionally also returning the attention coefficients
// of the layer selected by "sag_attn_depth" (negative values index from the last layer), shaped
// `[batch_size, spatial_positions, num_heads, spatial_positions]`.
func transformerBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node, wantCoefficients bool) (
	output, attnCoef *Node) {
	g := x.Graph()
	dtype := x.DType()
	batchDim := x.Shape().Dimensions[0]
	embedDim := x.Shape().Dimensions[3]

	numLayers := context.GetParamOr(ctx, "unet_attn_layers", 0)
	numHeads := context.GetParamOr(ctx, "unet_attn_heads", 4)
	keyQueryDim := context.GetParamOr(ctx, "unet_attn_key_dim", 16)
	posEmbedDim := context.GetParamOr(ctx, "unet_attn_pos_dim", 16)

	attnDepth := context.GetParamOr(ctx, "sag_attn_depth", -1)
	if attnDepth < 0 {
		attnDepth += numLayers
	}
	if wantCoefficients && (attnDepth < 0 || attnDepth >= numLayers) {
		exceptions.Panicf("\"sag_attn_depth\" %d out of range for a model with %d attention layers",
			context.GetParamOr(ctx, "sag_attn_depth", -1), numLayers)
	}

	// Collapse spatial dimensions of the image.
	embed := Reshape(x, batchDim, -1, embedDim)
	spatialDim := embed.Shape().Dimensions[1]

	// Create positional embedding variable: there is one embedding per spatial position,
	// shaped [1, spatialDim, posEmbedDim], and broadcast on the batch axis.
	posEmbedShape := shapes.Make(dtype, 1, spatialDim, posEmbedDim)
	posEmbedVar := ctx.VariableWithShape("positional", posEmbedShape)
	posEmbed := posEmbedVar.ValueGraph(g)
	posEmbed = BroadcastToDims(posEmbed, batchDim, spatialDim, posEmbedDim)

	// Add the requested number of attention layers.
	for ii := 0; ii < numLayers; ii++ {
		// Each layer in its own scope.
		scopedCtx := ctx.In(fmt.Sprintf("AttLayer_%d", ii))
		residual := embed
		embed = Concatenate([]*Node{embed, posEmbed}, -1)
		var coefficients *Node
		embed, coefficients = attention.MultiHeadAttention(scopedCtx, embed, embed, embed, numHeads, keyQueryDim).
			WithOutputDim(embedDim).
			WithValueHeadDim(embedDim).
			DoneWithCoefficients()
		if wantCoefficients && ii == attnDepth {
			attnCoef = coefficients
		}
		nanLogger.TraceFirstNaN(embed)
		embed = layers.DropoutFromContext(scopedCtx, embed)
		embed = NormalizeLayer(scopedCtx.In("normalization_1"), nanLogger, embed)
		attentionOutput := embed

		// Transformers recipe: 2 dense layers after attention.
		embed = layers.Dense(scopedCtx.In("ffn_1"), embed, true, embedDim)
		embed = activations.ApplyFromContext(scopedCtx, embed)
		embed = layers.Dense(scopedCtx.In("ffn_2"), embed, true, embedDim)
		embed = layers.DropoutFromContext(scopedCtx, embed)
		embed = Add(embed, attentionOutput)
		embed = NormalizeLayer(scopedCtx.In("normalization_2"), nanLogger, embed)

		// Residual connection: not part of the usual transformer layer.
		embed = Add(residual, embed)
		nanLogger.TraceFirstNaN(embed, "embed = Add(residual, embed)")
	}
	output = Reshape(embed, batchDim, x.Shape().Dimensions[1], x.Shape().Dimensions[2], -1)
	return
}
