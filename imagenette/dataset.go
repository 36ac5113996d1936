package imagenette

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/fnv"
	"image"
	"io"
	"math"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// entry is one example on disk.
type entry struct {
	path  string
	label int32
}

// Dataset implements train.Dataset and yields one image at a time, read and
// decoded from disk. Yields are concurrency-safe, so it can be wrapped with
// datasets.Parallel to parallelize the JPEG decoding.
//
// Each yield returns `inputs=[image, label]` with the image resized and
// center-cropped to `size x size` pixels as `(Uint8)[size, size, 3]` and the
// label a scalar `Int32` from 0 to NumLabels-1. The label is yielded as an
// input so models that take the class as conditioning see it, and it is
// repeated in `labels=[label]` for supervised losses and metrics.
type Dataset struct {
	name    string
	size    int
	entries []entry

	mu   sync.Mutex
	next int

	skipped atomic.Int64
}

// Assert Dataset implements train.Dataset.
var _ train.Dataset = &Dataset{}

// NewDataset returns a Dataset of the examples in the given split ("train" or
// "val") that yields one image at a time, resized and center-cropped to
// `size x size` pixels.
//
// Only examples whose partition value falls in `[partitionFrom, partitionTo)`
// are included: the partition value of an example is a deterministic hash of
// its file name and partitionSeed, uniform in [0, 1). Use 0.0 and 1.0 to take
// the whole split.
//
// The dataset files must already have been downloaded with Download.
func NewDataset(baseDir, split string, size int, partitionSeed int64, partitionFrom, partitionTo float64) (*Dataset, error) {
	entries, err := scanSplit(baseDir, split, partitionSeed, partitionFrom, partitionTo)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.Errorf(
			"no examples found for split %q of Imagenette in %q (partition [%g, %g)) -- has the dataset been downloaded?",
			split, baseDir, partitionFrom, partitionTo)
	}
	return &Dataset{name: split, size: size, entries: entries}, nil
}

// scanSplit walks the class directories of the split and collects the examples
// selected by the partition range.
func scanSplit(baseDir, split string, partitionSeed int64, partitionFrom, partitionTo float64) ([]entry, error) {
	splitDir := path.Join(DataDir(baseDir), split)
	var entries []entry
	for label, classID := range ClassIDs {
		classDir := path.Join(splitDir, classID)
		files, err := os.ReadDir(classDir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to scan images in directory %q", classDir)
		}
		for _, file := range files {
			name := file.Name()
			if !strings.HasSuffix(strings.ToUpper(name), ".JPEG") {
				klog.Warningf("invalid image file found: %q", path.Join(classDir, name))
				continue
			}
			v := partitionValue(name, partitionSeed)
			if v < partitionFrom || v >= partitionTo {
				continue
			}
			entries = append(entries, entry{path: path.Join(classDir, name), label: int32(label)})
		}
	}
	return entries, nil
}

// partitionValue hashes an example file name together with the partition seed
// into a uniform value in [0, 1). The hash only depends on (name, seed), so
// partitions are stable across runs and machines.
func partitionValue(name string, seed int64) float64 {
	h := fnv.New64a()
	var seedBytes [8]byte
	binary.LittleEndian.PutUint64(seedBytes[:], uint64(seed))
	_, _ = h.Write(seedBytes[:])
	_, _ = h.Write([]byte(name))
	return float64(h.Sum64()>>11) / float64(1<<53)
}

// NumExamples in the dataset (its partition of the split).
func (ds *Dataset) NumExamples() int { return len(ds.entries) }

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset, restarting the epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	ds.next = 0
	ds.mu.Unlock()
}

// nextIndex returns the next index to yield and increments it, or -1 at the
// end of the epoch. Concurrency-safe.
func (ds *Dataset) nextIndex() (index int) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.entries) || ds.next < 0 {
		return -1
	}
	index = ds.next
	ds.next++
	return
}

// Yield implements train.Dataset. It returns `ds` as the spec.
//
// Unreadable or corrupt image files are skipped with a warning, they don't
// fail the epoch.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec = ds
	for {
		index := ds.nextIndex()
		if index < 0 {
			err = io.EOF
			return
		}
		e := ds.entries[index]
		img, decodeErr := loadImage(e.path)
		if decodeErr != nil {
			klog.Warningf("skipping unreadable image %q (%d skipped so far): %v",
				e.path, ds.skipped.Add(1), decodeErr)
			continue
		}
		img = resizeAndCropCenter(img, ds.size)
		inputs = []*tensors.Tensor{
			timage.ToTensor(dtypes.Uint8).Single(img),
			tensors.FromValue(e.label),
		}
		labels = []*tensors.Tensor{tensors.FromValue(e.label)}
		return
	}
}

func loadImage(imagePath string) (image.Image, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", imagePath)
	}
	defer func() { _ = f.Close() }()
	img, err := imaging.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", imagePath)
	}
	return img, nil
}

// resizeAndCropCenter resizes the smallest dimension of img to size (Lanczos,
// upscaling images smaller than size) and center-crops the largest dimension,
// returning a square size x size image. Grayscale images come out with the 3
// channels repeated, imaging converts internally to NRGBA.
func resizeAndCropCenter(img image.Image, size int) image.Image {
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	if width < height {
		ratio := float64(width) / float64(size)
		width = size
		height = int(math.Round(float64(height) / ratio))
	} else if height < width {
		ratio := float64(height) / float64(size)
		height = size
		width = int(math.Round(float64(width) / ratio))
	} else {
		width = size
		height = size
	}
	img = imaging.Resize(img, width, height, imaging.Lanczos)
	if width != height {
		img = imaging.CropCenter(img, size, size)
	}
	return img
}

// InMemoryDataset returns a datasets.InMemoryDataset with the images of the
// selected partition of Imagenette, downloading the dataset files first if
// needed.
//
// name selects the source split and is used for caching: "train" and
// "validation" partition the tarball's train/ directory by the
// `[partitionFrom, partitionTo)` hash range; "test" takes the tarball's val/
// directory whole.
//
// The assembled dataset is cached in baseDir as a gob file keyed by name and
// image size, so the JPEG decoding cost is paid only once.
func InMemoryDataset(backend backends.Backend, baseDir string, imageSize int,
	name string, partitionSeed int64, partitionFrom, partitionTo float64) (mds *datasets.InMemoryDataset, err error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	cachePath := path.Join(baseDir, fmt.Sprintf("imagenette_%s_%dx%d.bin", name, imageSize, imageSize))
	if fsutil.MustFileExists(cachePath) {
		mds, err = loadInMemoryFromCache(backend, cachePath)
		if err == nil {
			mds.SetName(name)
			return
		}
		klog.Warningf("failed to load dataset cache %q, rebuilding: %v", cachePath, err)
	}

	if err = Download(baseDir); err != nil {
		return nil, err
	}
	split := "train"
	if name == "test" {
		split = "val"
		partitionFrom, partitionTo = 0.0, 1.0
	}
	diskDS, err := NewDataset(baseDir, split, imageSize, partitionSeed, partitionFrom, partitionTo)
	if err != nil {
		return nil, err
	}
	warnIfLargerThanMemory(diskDS.NumExamples(), imageSize)
	parallelDS := datasets.Parallel(diskDS)
	defer parallelDS.Done()
	mds, err = datasets.InMemory(backend, parallelDS, false)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read Imagenette %q into memory", name)
	}
	mds.SetName(name)
	if err = saveInMemoryToCache(mds, cachePath); err != nil {
		klog.Warningf("failed to write dataset cache %q: %v", cachePath, err)
	}
	return mds, nil
}

// warnIfLargerThanMemory logs a warning if the decoded dataset would take a
// large share of the machine's RAM.
func warnIfLargerThanMemory(numExamples, imageSize int) {
	needed := uint64(numExamples) * uint64(imageSize*imageSize*3)
	total := memory.TotalMemory()
	if total > 0 && needed > total/2 {
		klog.Warningf("decoded Imagenette at %dx%d takes %d bytes, more than half of the %d bytes of RAM",
			imageSize, imageSize, needed, total)
	}
}

func loadInMemoryFromCache(backend backends.Backend, cachePath string) (*datasets.InMemoryDataset, error) {
	f, err := os.Open(cachePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset cache %q", cachePath)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	mds, err := datasets.GobDeserializeInMemoryToDevice(backend, 0, dec)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to deserialize dataset cache %q", cachePath)
	}
	return mds, nil
}

func saveInMemoryToCache(mds *datasets.InMemoryDataset, cachePath string) error {
	f, err := os.Create(cachePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create dataset cache %q", cachePath)
	}
	enc := gob.NewEncoder(f)
	if err = mds.GobSerialize(enc); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "failed to serialize dataset to cache %q", cachePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close dataset cache %q", cachePath)
	}
	return nil
}
