// Package pipeline orchestrates the five recovery stages (Find, Read,
// Validate, Defragment, Extract) across worker goroutines with a global
// barrier between stages, generalizing the teacher's processor.Processor
// worker-pool shape onto errgroup.WithContext so every stage shares one
// cancellation token instead of polling a UI-owned stop flag (§5, §9).
package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/deploymenttheory/bundle-recovery/internal/bundlefmt"
	"github.com/deploymenttheory/bundle-recovery/internal/defrag"
	"github.com/deploymenttheory/bundle-recovery/internal/extractor"
	"github.com/deploymenttheory/bundle-recovery/internal/finder"
	"github.com/deploymenttheory/bundle-recovery/internal/logger"
	"github.com/deploymenttheory/bundle-recovery/internal/namemap"
	"github.com/deploymenttheory/bundle-recovery/internal/reader"
	"github.com/deploymenttheory/bundle-recovery/internal/validator"
)

// Stats tracks coarse progress counters across a run.
type Stats struct {
	Found     int
	Read      int
	ReadErr   int
	Corrupt   int
	Defragged int
	Extracted int
}

// Config is the full set of knobs a pipeline run needs, mirroring the
// configuration surface in §6.
type Config struct {
	Workers      int
	Interval     uint64
	VersionLimit int
	Platform     bundlefmt.Platform
	StartOffset  uint64
	EndOffset    uint64
	SearchLength uint64
	SearchAll    bool
	OutputDir    string
	Defrag       bool
	ExtractFlag  bool
	Names        *namemap.Map
}

// Run executes the full pipeline against image and returns the final
// candidate list plus summary stats. It returns early with ctx's error if
// the context is cancelled between stages.
func Run(ctx context.Context, image []byte, cfg Config) ([]bundlefmt.Candidate, Stats, error) {
	var stats Stats
	var statsMu sync.Mutex // workers of one stage update stats concurrently

	candidates, err := runFind(ctx, image, cfg)
	if err != nil {
		return nil, stats, err
	}
	stats.Found = len(candidates)
	logger.Stagef(logger.StageFind, "%d candidates", len(candidates))

	if err := runEachStage(ctx, cfg.Workers, len(candidates), func(i int) error {
		if err := reader.Read(image, &candidates[i]); err != nil {
			logger.Warningf("%s: candidate at 0x%X: %v", logger.StageRead, candidates[i].Info.Pos[0], err)
			candidates[i].Corruption = bundlefmt.Unknown
			return nil // a bad candidate doesn't abort the run
		}
		return nil
	}); err != nil {
		return nil, stats, err
	}
	stats.Read = len(candidates)

	if err := runEachStage(ctx, cfg.Workers, len(candidates), func(i int) error {
		if candidates[i].Corruption == bundlefmt.Unknown {
			statsMu.Lock()
			stats.Corrupt++ // unread candidate: skip validation
			statsMu.Unlock()
			return nil
		}
		validator.Validate(image, &candidates[i], cfg.Interval)
		if candidates[i].Corruption != bundlefmt.Intact && candidates[i].Corruption != bundlefmt.Uncompressed {
			statsMu.Lock()
			stats.Corrupt++
			statsMu.Unlock()
		}
		return nil
	}); err != nil {
		return nil, stats, err
	}

	if cfg.Defrag {
		before := stats.Corrupt
		if err := runEachStage(ctx, cfg.Workers, len(candidates), func(i int) error {
			opts := defrag.Options{
				Interval:     cfg.Interval,
				SearchLength: cfg.SearchLength,
				SearchAll:    cfg.SearchAll,
				ImageStart:   cfg.StartOffset,
				ImageEnd:     cfg.EndOffset,
			}
			for iter := 0; iter < 8; iter++ {
				if candidates[i].Corruption == bundlefmt.Intact || candidates[i].Corruption == bundlefmt.Uncompressed {
					break
				}
				if !defrag.Defragment(image, &candidates[i], opts) {
					break
				}
				statsMu.Lock()
				stats.Defragged++
				statsMu.Unlock()
			}
			return nil
		}); err != nil {
			return nil, stats, err
		}
		logger.Stagef(logger.StageDefrag, "%d corrupt before, %d after", before, remainingCorrupt(candidates))
	}

	if cfg.ExtractFlag {
		if err := runEachStage(ctx, cfg.Workers, len(candidates), func(i int) error {
			if _, err := extractor.Extract(image, candidates[i], cfg.OutputDir, cfg.Names); err != nil {
				logger.Errorf("%s: %v", logger.StageExtract, err)
				return nil
			}
			statsMu.Lock()
			stats.Extracted++
			statsMu.Unlock()
			return nil
		}); err != nil {
			return nil, stats, err
		}
	}

	return candidates, stats, nil
}

func remainingCorrupt(candidates []bundlefmt.Candidate) int {
	n := 0
	for _, c := range candidates {
		if c.Corruption != bundlefmt.Intact && c.Corruption != bundlefmt.Uncompressed {
			n++
		}
	}
	return n
}

// runFind splits the image into cfg.Workers disjoint byte ranges, scans
// each independently, and merges the results at the barrier before
// sorting — replacing the original's lock-guarded global vectors with
// per-worker local accumulators (§9).
func runFind(ctx context.Context, image []byte, cfg Config) ([]bundlefmt.Candidate, error) {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	end := cfg.EndOffset
	if end == 0 || end > uint64(len(image)) {
		end = uint64(len(image))
	}
	start := cfg.StartOffset
	span := (end - start) / uint64(workers)
	if span == 0 {
		span = end - start
	}

	results := make([][]bundlefmt.Candidate, workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		i := i
		rangeStart := start + uint64(i)*span
		rangeEnd := rangeStart + span
		if i == workers-1 {
			rangeEnd = end
		}
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			results[i] = finder.Scan(image, finder.Options{
				Start:        rangeStart,
				End:          rangeEnd,
				Interval:     cfg.Interval,
				Platform:     cfg.Platform,
				VersionLimit: cfg.VersionLimit,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []bundlefmt.Candidate
	for _, r := range results {
		all = append(all, r...)
	}
	finder.SortByOffset(all)
	return all, nil
}

// runEachStage splits [0,n) across cfg.Workers index ranges and runs fn
// over each index, joining with errgroup.WithContext so the first
// worker-reported error (or ctx cancellation) stops the remaining
// workers. No two workers touch the same candidate index within a stage.
func runEachStage(ctx context.Context, workers, n int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	span := n / workers

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		rangeStart := w * span
		rangeEnd := rangeStart + span
		if w == workers-1 {
			rangeEnd = n
		}
		g.Go(func() error {
			for i := rangeStart; i < rangeEnd; i++ {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				if err := fn(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
