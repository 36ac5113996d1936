package imagenette

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestSplit creates a fake extracted dataset under baseDir: all class
// directories exist, the first numClasses hold numPerClass tiny JPEGs each.
func writeTestSplit(t *testing.T, baseDir, split string, numClasses, numPerClass int) {
	t.Helper()
	for classIdx, classID := range ClassIDs {
		classDir := path.Join(DataDir(baseDir), split, classID)
		require.NoError(t, os.MkdirAll(classDir, 0777))
		if classIdx >= numClasses {
			continue
		}
		for imgIdx := range numPerClass {
			img := imaging.New(20, 12, color.NRGBA{R: uint8(10 * classIdx), G: uint8(imgIdx), B: 100, A: 255})
			require.NoError(t, imaging.Save(img, path.Join(classDir, nameForTest(classIdx, imgIdx))))
		}
	}
}

func nameForTest(classIdx, imgIdx int) string {
	return fmt.Sprintf("%s_%04d.jpeg", ClassIDs[classIdx], imgIdx)
}

func TestPartitionValue(t *testing.T) {
	// Deterministic and in [0, 1).
	for _, name := range []string{"n01440764_1000.JPEG", "n03888257_77.JPEG"} {
		v := partitionValue(name, 42)
		assert.Equal(t, v, partitionValue(name, 42))
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 1.0)
		assert.NotEqual(t, v, partitionValue(name, 43))
	}

	// Complementary ranges are disjoint and cover all names.
	const numNames = 1000
	var low, high int
	for i := range numNames {
		name := nameForTest(i%len(ClassIDs), i)
		v := partitionValue(name, 42)
		if v < 0.1 {
			low++
		} else {
			high++
		}
	}
	assert.Equal(t, numNames, low+high)
	// The 10% partition should hold roughly 10% of the names.
	assert.InDelta(t, numNames/10, low, numNames/20)
}

func TestResizeAndCropCenter(t *testing.T) {
	for _, bounds := range [][2]int{{100, 40}, {40, 100}, {32, 32}, {8, 8}} {
		img := imaging.New(bounds[0], bounds[1], color.NRGBA{R: 1, G: 2, B: 3, A: 255})
		resized := resizeAndCropCenter(img, 32)
		assert.Equal(t, image.Rect(0, 0, 32, 32).Size(), resized.Bounds().Size(),
			"source size %v", bounds)
	}
}

func TestDataset(t *testing.T) {
	baseDir := t.TempDir()
	writeTestSplit(t, baseDir, "train", 3, 4)

	ds, err := NewDataset(baseDir, "train", 16, 42, 0.0, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 12, ds.NumExamples())

	seen := 0
	labelCounts := make(map[int32]int)
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, inputs, 2)
		require.Len(t, labels, 1)
		require.NoError(t, inputs[0].Shape().Check(dtypes.Uint8, 16, 16, 3))
		require.Equal(t, tensors.ToScalar[int32](inputs[1]), tensors.ToScalar[int32](labels[0]))
		labelCounts[tensors.ToScalar[int32](labels[0])]++
		seen++
	}
	assert.Equal(t, 12, seen)
	assert.Equal(t, map[int32]int{0: 4, 1: 4, 2: 4}, labelCounts)

	// Reset starts a new epoch.
	ds.Reset()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	require.NoError(t, inputs[0].Shape().Check(dtypes.Uint8, 16, 16, 3))
}

func TestDatasetPartitions(t *testing.T) {
	baseDir := t.TempDir()
	writeTestSplit(t, baseDir, "train", 10, 10)

	const seed = 17
	trainDS, err := NewDataset(baseDir, "train", 8, seed, 0.2, 1.0)
	require.NoError(t, err)
	validDS, err := NewDataset(baseDir, "train", 8, seed, 0.0, 0.2)
	require.NoError(t, err)
	assert.Equal(t, 100, trainDS.NumExamples()+validDS.NumExamples())
	assert.NotZero(t, trainDS.NumExamples())
	assert.NotZero(t, validDS.NumExamples())

	// Same seed and range always selects the same files.
	trainDS2, err := NewDataset(baseDir, "train", 8, seed, 0.2, 1.0)
	require.NoError(t, err)
	assert.Equal(t, trainDS.entries, trainDS2.entries)
}

func TestInMemoryDataset(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	baseDir := t.TempDir()
	writeTestSplit(t, baseDir, "train", 2, 3)
	// The "test" name reads from the val/ directory.
	writeTestSplit(t, baseDir, "val", 1, 2)

	// The extracted directory already exists, so no download is triggered.
	mds, err := InMemoryDataset(backend, baseDir, 16, "train", 42, 0.0, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 6, mds.NumExamples())

	// A second call loads from the gob cache.
	cached, err := InMemoryDataset(backend, baseDir, 16, "train", 42, 0.0, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 6, cached.NumExamples())

	testDS, err := InMemoryDataset(backend, baseDir, 16, "test", 42, 0.0, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 2, testDS.NumExamples())

	// Batched yield: images come out batched with the batch axis leading, and
	// the class ids batched both as the second input and as the label.
	batched := cached.Copy().BatchSize(2, true)
	_, inputs, labels, err := batched.Yield()
	require.NoError(t, err)
	require.NoError(t, inputs[0].Shape().Check(dtypes.Uint8, 2, 16, 16, 3))
	require.NoError(t, inputs[1].Shape().Check(dtypes.Int32, 2))
	require.NoError(t, labels[0].Shape().Check(dtypes.Int32, 2))
}
