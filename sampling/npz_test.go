package sampling

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadNpz(t *testing.T) {
	flat := make([]uint8, 2*2*2*3)
	for ii := range flat {
		flat[ii] = uint8(7 * ii)
	}
	samples := tensors.FromFlatDataAndDimensions(flat, 2, 2, 2, 3)
	labels := tensors.FromValue([]int32{3, 8})

	filePath := filepath.Join(t.TempDir(), "samples_2x2x2x3.npz")
	require.NoError(t, WriteNpz(filePath, samples, labels))

	gotSamples, gotLabels, err := ReadNpz(filePath)
	require.NoError(t, err)
	require.NoError(t, gotSamples.Shape().Check(dtypes.Uint8, 2, 2, 2, 3))
	assert.Equal(t, flat, tensors.MustCopyFlatData[uint8](gotSamples))
	require.NotNil(t, gotLabels)
	require.NoError(t, gotLabels.Shape().Check(dtypes.Int32, 2))
	assert.Equal(t, []int32{3, 8}, tensors.MustCopyFlatData[int32](gotLabels))
}

func TestWriteReadNpzWithoutLabels(t *testing.T) {
	samples := tensors.FromFlatDataAndDimensions(make([]uint8, 1*2*2*3), 1, 2, 2, 3)
	filePath := filepath.Join(t.TempDir(), "samples_1x2x2x3.npz")
	require.NoError(t, WriteNpz(filePath, samples, nil))

	gotSamples, gotLabels, err := ReadNpz(filePath)
	require.NoError(t, err)
	require.NoError(t, gotSamples.Shape().Check(dtypes.Uint8, 1, 2, 2, 3))
	assert.Nil(t, gotLabels)

	_, _, err = ReadNpz(filepath.Join(t.TempDir(), "missing.npz"))
	assert.Error(t, err)
}
