package sampling

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/sag/diffusion"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Result of a sampling run.
type Result struct {
	// Samples holds the generated images, uint8, shaped [NumSamples, size, size, 3].
	Samples *tensors.Tensor

	// Labels holds the class id of each sample, int32, shaped [NumSamples]. Nil when the run
	// is not class-conditional.
	Labels *tensors.Tensor

	// NpzPath is the serialized artifact, see WriteNpz.
	NpzPath string

	// Elapsed sampling wall time.
	Elapsed time.Duration
}

// workerBatch is one batch generated by one worker. The collector gathers batches round by
// round, ranks in order within each round.
type workerBatch struct {
	round, rank int
	samples     *tensors.Tensor // uint8 [BatchSize, size, size, 3]
	labels      *tensors.Tensor // int32 [BatchSize], nil when not class-conditional.
}

// Run samples cfg.NumSamples images from the model and writes them, with their class ids when
// class-conditional, as an .npz archive named samples_{NxHxWxC}.npz in cfg.OutputDir.
//
// It splits the work over cfg.WorldSize workers. Each worker owns its compiled sampling graphs
// but shares the model weights, and generates one batch per round. Rounds run until
// rounds*WorldSize*BatchSize >= NumSamples; the gathered batches are concatenated in
// (round, rank) order and truncated to exactly NumSamples, so results are independent of
// scheduling. With Seed > 0 and the DDIM sampler the artifact is fully reproducible.
//
// If any worker fails, the run is canceled and no archive is written.
func Run(cfg *Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	model := cfg.Model
	worldSize := cfg.worldSize()
	roundSize := worldSize * cfg.BatchSize
	numRounds := (cfg.NumSamples + roundSize - 1) / roundSize

	if err := os.MkdirAll(cfg.OutputDir, 0o777); err != nil {
		return nil, errors.Wrapf(err, "failed to create output directory %q", cfg.OutputDir)
	}
	if err := cfg.writeManifest(); err != nil {
		return nil, err
	}

	klog.Infof("creating model and diffusion (%d worker(s), %d round(s) of %d samples)...",
		worldSize, numRounds, roundSize)
	start := time.Now()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)

	// One channel per rank: batches arrive in FIFO order per worker, and the collector
	// interleaves the ranks. Capacity 1 lets a worker start its next round while the
	// collector drains the others.
	channels := make([]chan workerBatch, worldSize)
	for rank := range channels {
		channels[rank] = make(chan workerBatch, 1)
	}
	for rank := range worldSize {
		group.Go(func() error {
			err := exceptions.TryCatch[error](func() {
				cfg.workerLoop(groupCtx, rank, numRounds, channels[rank])
			})
			if err != nil {
				return errors.WithMessagef(err, "sampling worker %d failed", rank)
			}
			return nil
		})
	}

	klog.Info("sampling...")
	bar := progressbar.NewOptions(cfg.NumSamples,
		progressbar.OptionSetDescription("sampling"),
		progressbar.OptionShowCount(),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	gathered := make([]workerBatch, 0, numRounds*worldSize)
	var collectErr error
collect:
	for round := range numRounds {
		for rank := range worldSize {
			select {
			case batch := <-channels[rank]:
				if batch.round != round || batch.rank != rank {
					collectErr = errors.Errorf("gather out of order: received batch (round=%d, rank=%d), expected (round=%d, rank=%d)",
						batch.round, batch.rank, round, rank)
					break collect
				}
				gathered = append(gathered, batch)
				_ = bar.Add(cfg.BatchSize)
			case <-groupCtx.Done():
				collectErr = groupCtx.Err()
				break collect
			}
		}
		klog.Infof("created %d samples", (round+1)*roundSize)
	}
	_ = bar.Finish()
	fmt.Println()

	// Barrier: unblock any worker still sending (none on the happy path), then wait for all
	// of them. A worker error is the root cause of a context.Canceled collectErr.
	cancel()
	waitErr := group.Wait()
	if errors.Is(collectErr, context.Canceled) {
		collectErr = nil
	}
	if collectErr != nil {
		return nil, collectErr
	}
	if waitErr != nil {
		return nil, waitErr
	}

	samples, labels := cfg.concatBatches(gathered)
	npzName := fmt.Sprintf("samples_%dx%dx%dx%d.npz", cfg.NumSamples, model.ImageSize, model.ImageSize, 3)
	npzPath := filepath.Join(cfg.OutputDir, npzName)
	if err := WriteNpz(npzPath, samples, labels); err != nil {
		return nil, errors.WithMessagef(err, "failed to serialize %d samples", cfg.NumSamples)
	}
	elapsed := time.Since(start)
	klog.Infof("%d seconds to sample %d images.", int(math.Round(elapsed.Seconds())), cfg.NumSamples)
	return &Result{Samples: samples, Labels: labels, NpzPath: npzPath, Elapsed: elapsed}, nil
}

// workerLoop generates numRounds batches and sends them, in round order, on results. The
// initial noise and class ids of batch (rank, round) are seeded with cfg.batchSeed, so the
// batches any worker produces are a pure function of the configuration. Errors escape as
// panics and are caught by the caller.
func (c *Config) workerLoop(ctx context.Context, rank, numRounds int, results chan<- workerBatch) {
	model := c.Model
	noise := model.GenerateNoise(c.BatchSize, c.batchSeed(rank, 0))
	classIds := model.GenerateClassIds(c.BatchSize, c.batchSeed(rank, 0))
	generator := diffusion.NewImagesGenerator(model, noise, classIds, c.NumSteps).
		WithSampler(c.Sampler).
		WithClipDenoised(c.ClipDenoised).
		WithGuidance(c.Guide).
		WithSeed(c.workerSeed(rank))

	for round := range numRounds {
		if round > 0 {
			noise = model.GenerateNoise(c.BatchSize, c.batchSeed(rank, round))
			classIds = model.GenerateClassIds(c.BatchSize, c.batchSeed(rank, round))
			generator.WithBatch(noise, classIds)
		}
		batch := workerBatch{round: round, rank: rank, samples: generator.GenerateUint8()}
		if c.ClassConditional {
			batch.labels = classIds
		}
		select {
		case results <- batch:
		case <-ctx.Done():
			return
		}
	}
}

// concatBatches concatenates the gathered batches, in the order given, into a single samples
// tensor and, when class-conditional, a labels tensor, truncated to exactly NumSamples. The
// batch tensors are finalized afterwards.
func (c *Config) concatBatches(gathered []workerBatch) (samples, labels *tensors.Tensor) {
	model := c.Model
	samples = tensors.FromShape(shapes.Make(dtypes.Uint8, c.NumSamples, model.ImageSize, model.ImageSize, 3))
	must.M(samples.MutableBytes(func(all []byte) {
		offset := 0
		for _, batch := range gathered {
			must.M(batch.samples.ConstBytes(func(data []byte) {
				if offset < len(all) {
					offset += copy(all[offset:], data)
				}
			}))
		}
	}))
	if c.ClassConditional {
		labels = tensors.FromShape(shapes.Make(dtypes.Int32, c.NumSamples))
		must.M(tensors.MutableFlatData(labels, func(all []int32) {
			offset := 0
			for _, batch := range gathered {
				must.M(tensors.ConstFlatData(batch.labels, func(ids []int32) {
					if offset < len(all) {
						offset += copy(all[offset:], ids)
					}
				}))
			}
		}))
	}
	for _, batch := range gathered {
		batch.samples.MustFinalizeAll()
		if batch.labels != nil {
			batch.labels.MustFinalizeAll()
		}
	}
	return
}
