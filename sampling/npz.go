// Package sampling drives batched image generation from a trained diffusion model: it fans
// batches out to parallel workers, gathers the results in a deterministic order and serializes
// them to an .npz archive for downstream evaluation (e.g. FID).
package sampling

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
)

// Npz entry names follow NumPy's savez positional convention, which the usual FID evaluation
// tooling expects.
const (
	SamplesEntry = "arr_0"
	LabelsEntry  = "arr_1"
)

// WriteNpz writes the batch of samples, and the labels if not nil, to an .npz archive.
func WriteNpz(filePath string, samples, labels *tensors.Tensor) error {
	entries := map[string]*tensors.Tensor{SamplesEntry: samples}
	if labels != nil {
		entries[LabelsEntry] = labels
	}
	return numpy.ToNpzFile(entries, filePath)
}

// ReadNpz reads back an archive written by WriteNpz. The returned labels are nil if the archive
// has no labels entry.
func ReadNpz(filePath string) (samples, labels *tensors.Tensor, err error) {
	entries, err := numpy.FromNpzFile(filePath)
	if err != nil {
		return nil, nil, err
	}
	samples = entries[SamplesEntry]
	if samples == nil {
		return nil, nil, errors.Errorf("npz archive %q has no %q entry", filePath, SamplesEntry)
	}
	return samples, entries[LabelsEntry], nil
}
