package diffusion

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// WriteImagesSheet writes the first count images of the batch, in a roughly square row-major
// grid, as one image file (the format is taken from the file extension, usually .png).
// If count <= 0 the whole batch is used.
//
// The batch must be shaped `[numImages, height, width, 3]` and hold uint8 pixel values, see
// ImagesGenerator.GenerateUint8.
func WriteImagesSheet(batch *tensors.Tensor, count int, filePath string) error {
	if batch.Rank() != 4 {
		return errors.Errorf("images sheet requires a batch shaped [numImages, height, width, 3], got %s", batch.Shape())
	}
	all := timage.ToImage().Batch(batch)
	if count <= 0 || count > len(all) {
		count = len(all)
	}
	columns := int(math.Ceil(math.Sqrt(float64(count))))
	rows := (count + columns - 1) / columns
	height := batch.Shape().Dimensions[1]
	width := batch.Shape().Dimensions[2]
	sheet := imaging.New(columns*width, rows*height, color.NRGBA{})
	for ii, img := range all[:count] {
		sheet = imaging.Paste(sheet, img, image.Pt((ii%columns)*width, (ii/columns)*height))
	}
	return errors.WithMessagef(imaging.Save(sheet, filePath), "failed to save images sheet to %q", filePath)
}
