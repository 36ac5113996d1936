// Package imagenette provides tools to download and cache the Imagenette
// dataset and build `InMemoryDataset`s from it to train models using GoMLX
// (http://github.com/gomlx/gomlx/).
//
// Imagenette is fast.ai's subset of 10 easily classified ImageNet classes.
// Its home page is https://github.com/fastai/imagenette, and the files are
// served from fast.ai's S3 bucket.
package imagenette

import (
	"os"
	"path"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/sag/downloader"
	"github.com/pkg/errors"
)

// NumLabels is 10, the number of classes in Imagenette.
const NumLabels = 10

var (
	// DownloadURL of the 160px variant of the dataset. The smallest side of
	// every image is 160 pixels, plenty for the model sizes trained here.
	DownloadURL = "https://s3.amazonaws.com/fast-ai-imageclas/imagenette2-160.tgz"

	// LocalTarFile name under the download subdirectory.
	LocalTarFile = "imagenette2-160.tgz"

	// UntarDir created when the tarball is extracted, relative to the base directory.
	UntarDir = "imagenette2-160"

	// TarHash is left empty: fast.ai re-packs the tarball occasionally, and a
	// pinned sha256 would break the download on every re-pack.
	TarHash = ""

	// DownloadSubdir under the base directory where the tarball is kept.
	DownloadSubdir = "downloads"

	// ClassIDs are the WordNet ids of the 10 classes, in label order: the
	// label of an image is the index of its class directory name here.
	ClassIDs = []string{
		"n01440764",
		"n02102040",
		"n02979186",
		"n03000684",
		"n03028079",
		"n03394916",
		"n03417042",
		"n03425413",
		"n03445777",
		"n03888257",
	}

	// Names of the 10 classes, aligned with ClassIDs.
	Names = []string{
		"tench",
		"English springer",
		"cassette player",
		"chain saw",
		"church",
		"French horn",
		"garbage truck",
		"gas pump",
		"golf ball",
		"parachute",
	}
)

// Download the dataset tarball to baseDir (if not yet there) and untar it.
// If the files are already downloaded and extracted, it is a no-op.
func Download(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	downloadPath := path.Join(baseDir, DownloadSubdir)
	if err := os.MkdirAll(downloadPath, 0777); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "failed to create path for downloading %q", downloadPath)
	}
	tarPath := path.Join(downloadPath, LocalTarFile)
	err := downloader.DownloadAndUntarIfMissing(DownloadURL, baseDir, tarPath, UntarDir, TarHash)
	if err != nil {
		return errors.Wrapf(err, "failed to download and untar %q from %q", LocalTarFile, DownloadURL)
	}
	return nil
}

// DataDir returns the directory holding the extracted dataset under baseDir.
func DataDir(baseDir string) string {
	return path.Join(fsutil.MustReplaceTildeInDir(baseDir), UntarDir)
}
