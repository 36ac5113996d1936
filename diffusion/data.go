package diffusion

import (
	"encoding/gob"
	"fmt"
	"os"
	"path"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	mldata "github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/sag/imagenette"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// Config holds the configuration of the diffusion model: the backend, the context with the
// hyperparameters and model variables, and the commonly used settings read from the context.
//
// Create it with NewConfig, after setting the hyperparameters in the context, typically
// created with CreateDefaultContext.
type Config struct {
	Backend backends.Backend
	Context *context.Context
	DataDir string

	// ParamsSet are the hyperparameters overridden in the command line, that should not be
	// loaded from a checkpoint.
	ParamsSet []string

	DType         dtypes.DType
	ImageSize     int
	BatchSize     int
	EvalBatchSize int
	NumClasses    int

	// Checkpoint handler, set by AttachCheckpoint.
	Checkpoint *checkpoints.Handler

	// NanLogger is enabled by the hyperparameter "nan_logger". It is nil if disabled.
	NanLogger *nanlogger.NanLogger

	normMean, normStdDev *tensors.Tensor
}

// NewConfig creates a Config from the hyperparameters in ctx.
//
// dataDir is the directory where the dataset and downloaded models are cached.
// paramsSet are the names of hyperparameters set in the command line, which are excluded
// from loading when a checkpoint is attached.
func NewConfig(backend backends.Backend, ctx *context.Context, dataDir string, paramsSet []string) *Config {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	dtypeName := context.GetParamOr(ctx, "dtype", "float32")
	dtype, found := dtypes.MapOfNames[dtypeName]
	if !found {
		exceptions.Panicf("invalid \"dtype\" setting %q", dtypeName)
	}
	c := &Config{
		Backend:       backend,
		Context:       ctx,
		DataDir:       dataDir,
		ParamsSet:     paramsSet,
		DType:         dtype,
		ImageSize:     context.GetParamOr(ctx, "image_size", 64),
		BatchSize:     context.GetParamOr(ctx, "batch_size", 32),
		EvalBatchSize: context.GetParamOr(ctx, "eval_batch_size", 128),
		NumClasses:    context.GetParamOr(ctx, "num_classes", 1000),
	}
	if context.GetParamOr(ctx, "nan_logger", false) {
		c.NanLogger = nanlogger.New()
	}
	return c
}

// Partitioning of the Imagenette train/ split: a fraction is carved out for validation, and
// the val/ directory is held out as test data.
const (
	PartitionSeed      = 42
	ValidationFraction = 0.1
)

// CreateInMemoryDatasets returns the train and validation datasets, downloading Imagenette
// if needed. The returned datasets yield one example at a time, use Shuffle/BatchSize/Infinite
// to configure them.
func (c *Config) CreateInMemoryDatasets() (trainDS, validationDS *datasets.InMemoryDataset) {
	trainDS = must.M1(imagenette.InMemoryDataset(
		c.Backend, c.DataDir, c.ImageSize, "train", PartitionSeed, ValidationFraction, 1.0))
	validationDS = must.M1(imagenette.InMemoryDataset(
		c.Backend, c.DataDir, c.ImageSize, "validation", PartitionSeed, 0.0, ValidationFraction))
	return
}

// NormalizationValues returns the mean and standard deviation used to map pixel values to
// model space, shaped [1, 1, 1, 3].
//
// Under the default "center" normalization these are the fixed values 127.5, scaling pixels
// to [-1, 1]. Under "dataset" normalization they are per-channel statistics computed from the
// training dataset, cached on disk next to the checkpoint (if one is attached) and in DataDir.
func (c *Config) NormalizationValues() (mean, stddev *tensors.Tensor) {
	if c.normMean != nil {
		return c.normMean, c.normStdDev
	}
	mode := context.GetParamOr(c.Context, "data_normalization", "center")
	switch mode {
	case "center":
		mean = tensors.FromFlatDataAndDimensions([]float32{127.5, 127.5, 127.5}, 1, 1, 1, 3)
		stddev = tensors.FromFlatDataAndDimensions([]float32{127.5, 127.5, 127.5}, 1, 1, 1, 3)
	case "dataset":
		mean, stddev = c.datasetNormalizationValues()
	default:
		exceptions.Panicf("invalid \"data_normalization\" setting %q: valid values are \"center\" or \"dataset\"", mode)
	}
	c.normMean, c.normStdDev = mean, stddev
	return
}

func (c *Config) normalizationCachePaths() []string {
	fileName := fmt.Sprintf("normalization_data_%dx%d.bin", c.ImageSize, c.ImageSize)
	var paths []string
	if c.Checkpoint != nil {
		paths = append(paths, path.Join(c.Checkpoint.Dir(), fileName))
	}
	return append(paths, path.Join(c.DataDir, fileName))
}

func (c *Config) datasetNormalizationValues() (mean, stddev *tensors.Tensor) {
	cachePaths := c.normalizationCachePaths()
	for _, cachePath := range cachePaths {
		f, err := os.Open(cachePath)
		if err != nil {
			continue
		}
		dec := gob.NewDecoder(f)
		err = exceptions.TryCatch[error](func() {
			mean = must.M1(tensors.GobDeserialize(dec))
			stddev = must.M1(tensors.GobDeserialize(dec))
		})
		_ = f.Close()
		if err == nil {
			return
		}
		klog.Warningf("Failed to load image normalization values from %q (%v), recomputing", cachePath, err)
		mean, stddev = nil, nil
	}

	// Compute statistics over the training dataset, converted to float32 but not yet normalized.
	trainDS, _ := c.CreateInMemoryDatasets()
	trainDS.BatchSize(128, false)
	asFloatDS := mldata.MapWithGraphFn(c.Backend, nil, trainDS,
		func(_ *context.Context, inputs, labels []*Node) ([]*Node, []*Node) {
			return []*Node{c.PreprocessImages(inputs[0], false)}, labels
		})
	mean, stddev = must.M2(mldata.Normalization(c.Backend, asFloatDS, 0, -1))

	for _, cachePath := range cachePaths {
		f, err := os.Create(cachePath)
		if err != nil {
			klog.Warningf("Failed to save image normalization values to %q: %v", cachePath, err)
			continue
		}
		enc := gob.NewEncoder(f)
		err = exceptions.TryCatch[error](func() {
			must.M(mean.GobSerialize(enc))
			must.M(stddev.GobSerialize(enc))
		})
		if err == nil {
			err = f.Close()
		} else {
			_ = f.Close()
		}
		if err != nil {
			klog.Warningf("Failed to save image normalization values to %q: %v", cachePath, err)
		}
	}
	return
}

// PreprocessImages converts uint8 pixel values to the model DType.
// If normalize is true it also maps them to model space using NormalizationValues.
func (c *Config) PreprocessImages(images *Node, normalize bool) *Node {
	g := images.Graph()
	images = ConvertDType(images, dtypes.Float32)
	if !normalize {
		return ConvertDType(images, c.DType)
	}
	mean, stddev := c.NormalizationValues()
	images = Div(
		Sub(images, Const(g, mean)),
		mldata.ReplaceZerosByOnes(Const(g, stddev)))
	c.NanLogger.TraceFirstNaN(images, "normalized images")
	return ConvertDType(images, c.DType)
}

// DenormalizeImages converts images from model space back to pixel values in [0, 255],
// as float32. Convert to uint8 for image serialization.
func (c *Config) DenormalizeImages(images *Node) *Node {
	g := images.Graph()
	mean, stddev := c.NormalizationValues()
	images = ConvertDType(images, dtypes.Float32)
	images = Add(Mul(images, Const(g, stddev)), Const(g, mean))
	images = ClipScalar(images, 0.0, 255.0)
	return images
}

// finalize a slice of tensors, freeing the associated data immediately.
func finalize(all ...*tensors.Tensor) {
	for _, t := range all {
		if t != nil {
			t.MustFinalizeAll()
		}
	}
}
