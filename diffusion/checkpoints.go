package diffusion

import (
	"os"
	"path"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// File names stored in the checkpoint directory, next to the checkpoint files themselves.
const (
	// NoiseSamplesFile holds the fixed noise from which images are generated during training to
	// monitor progress.
	NoiseSamplesFile = "noise_samples.tensor"

	// ClassIdsSamplesFile holds the class ids paired with the noise in NoiseSamplesFile.
	ClassIdsSamplesFile = "class_ids_samples.tensor"

	// GeneratedSamplesPrefix prefixes the images generated during training, suffixed with the
	// global step at which they were generated.
	GeneratedSamplesPrefix = "generated_samples_"
)

// AttachCheckpoint creates a checkpoints.Handler for the given directory, attaches it to
// Config.Context -- loading the latest checkpoint if one exists -- and saves it in
// Config.Checkpoint. A relative checkpointPath is taken under Config.DataDir.
//
// Hyperparameters explicitly set (Config.ParamsSet) take precedence over the checkpoint values,
// as do those in ParamsExcludedFromLoading.
//
// It also loads the noise and class ids samples used to monitor training: at each monitoring
// step images are generated from the same noise, so one can observe the model quality evolving.
// For new models, the samples are created and saved with the checkpoint.
//
// If checkpointPath is empty it is a no-op and returns nil values.
func (c *Config) AttachCheckpoint(checkpointPath string) (checkpoint *checkpoints.Handler, noise, classIds *tensors.Tensor) {
	if checkpointPath == "" {
		return
	}
	ctx := c.Context
	numCheckpoints := context.GetParamOr(ctx, "num_checkpoints", 5)
	excluded := make([]string, 0, len(c.ParamsSet)+len(ParamsExcludedFromLoading))
	excluded = append(excluded, c.ParamsSet...)
	excluded = append(excluded, ParamsExcludedFromLoading...)
	checkpoint = must.M1(checkpoints.Build(ctx).
		DirFromBase(checkpointPath, c.DataDir).
		ExcludeParams(excluded...).
		Keep(numCheckpoints).Done())
	c.Checkpoint = checkpoint

	// Load the sampled noise and class ids fixtures.
	numSamples := context.GetParamOr(ctx, "samples_during_training", 64)
	noisePath := path.Join(checkpoint.Dir(), NoiseSamplesFile)
	classIdsPath := path.Join(checkpoint.Dir(), ClassIdsSamplesFile)
	var err error
	noise, err = tensors.Load(noisePath)
	if err == nil {
		classIds, err = tensors.Load(classIdsPath)
		if err == nil {
			return
		}
	}
	if !errors.Is(err, os.ErrNotExist) {
		must.M(err)
	}

	// New model: sample fresh noise and class ids, and save them for future training sessions.
	noise = c.GenerateNoise(numSamples, 0)
	classIds = c.GenerateClassIds(numSamples, 0)
	must.M(noise.Save(noisePath))
	must.M(classIds.Save(classIdsPath))
	return
}

// HuggingFaceScheme prefixes model references downloaded from HuggingFace,
// as in "hf://owner/repo[/subdir]".
const HuggingFaceScheme = "hf://"

// ResolveModelPath resolves a model reference to a local checkpoint directory.
//
// The reference can be a directory -- "~" is expanded and relative paths are taken under
// dataDir -- or a HuggingFace repository reference "hf://owner/repo[/subdir]", in which case its
// files are downloaded (or found in the cache) under `<dataDir>/huggingface`, and the local
// directory holding the snapshot is returned.
func ResolveModelPath(dataDir, modelRef string) (string, error) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if ref, found := strings.CutPrefix(modelRef, HuggingFaceScheme); found {
		return downloadHuggingFaceModel(dataDir, ref)
	}
	modelPath := fsutil.MustReplaceTildeInDir(modelRef)
	if !path.IsAbs(modelPath) {
		modelPath = path.Join(dataDir, modelPath)
	}
	return modelPath, nil
}

func downloadHuggingFaceModel(dataDir, ref string) (string, error) {
	parts := strings.SplitN(ref, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", errors.Errorf("invalid model reference %q: the format is %sowner/repo[/subdir]",
			HuggingFaceScheme+ref, HuggingFaceScheme)
	}
	repoID := path.Join(parts[0], parts[1])
	var subDir string
	if len(parts) == 3 {
		subDir = strings.Trim(parts[2], "/")
	}
	repo := hub.New(repoID).
		WithCacheDir(path.Join(dataDir, "huggingface")).
		WithProgressBar(true)
	var localDir string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return "", errors.WithMessagef(err, "enumerating files of HuggingFace repository %q", repoID)
		}
		if subDir != "" && !strings.HasPrefix(fileName, subDir+"/") {
			continue
		}
		localPath, err := repo.DownloadFile(fileName)
		if err != nil {
			return "", errors.WithMessagef(err, "downloading %q from HuggingFace repository %q", fileName, repoID)
		}
		if localDir == "" {
			localDir = path.Join(strings.TrimSuffix(localPath, fileName), subDir)
		}
	}
	if localDir == "" {
		if subDir != "" {
			return "", errors.Errorf("HuggingFace repository %q has no files under %q", repoID, subDir)
		}
		return "", errors.Errorf("HuggingFace repository %q has no files", repoID)
	}
	return localDir, nil
}
