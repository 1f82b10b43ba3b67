package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/bundle-recovery/internal/bundlefmt"
	"github.com/deploymenttheory/bundle-recovery/internal/config"
	"github.com/deploymenttheory/bundle-recovery/internal/logger"
	"github.com/deploymenttheory/bundle-recovery/internal/namemap"
	"github.com/deploymenttheory/bundle-recovery/internal/pipeline"
	"github.com/deploymenttheory/bundle-recovery/internal/storage"
)

var cfg config.Config

func main() {
	rootCmd := &cobra.Command{
		Use:   "bundle-recovery",
		Short: "Recover Bundle container files from a raw disk image",
		Long: `Scans a raw disk image for "bndl"/"bnd2" container headers, classifies
each candidate's structural integrity, and attempts to reassemble
fragmented bundles by probing the image for byte ranges that make
the bundle valid again.`,
		PersistentPreRun: setupLogging,
		RunE:             runRecovery,
	}

	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose debugging output")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	rootCmd.PersistentFlags().String("log-file", "", "log to file instead of stdout")

	rootCmd.Flags().StringP("input", "i", "", "path to the disk image (required)")
	rootCmd.MarkFlagRequired("input")
	rootCmd.Flags().StringP("output", "o", "./recovered", "directory for extracted bundles")
	rootCmd.Flags().String("names", "", "optional path to a rename rule file")
	rootCmd.Flags().String("platform", "little", `endianness: "big" (console) or "little" (PC)`)
	rootCmd.Flags().Int("version-limit", 0, "restrict the finder to one version profile (0 = all)")
	rootCmd.Flags().Uint64("start", 0, "scan window start offset")
	rootCmd.Flags().Uint64("end", 0, "scan window end offset (0 = end of image)")
	rootCmd.Flags().Uint64("interval", 2048, "scan step and fragment alignment, must be a power of two")
	rootCmd.Flags().Uint64("search-length", 0x4000000, "bytes of forward probing per defragmentation attempt (0 disables defrag)")
	rootCmd.Flags().Bool("defrag", true, "attempt to repair fragmented bundles")
	rootCmd.Flags().Bool("extract", true, "write recovered bundles to the output directory")
	rootCmd.Flags().Bool("rename", false, "rename extracted bundles using the --names rule file")
	rootCmd.Flags().Bool("search-all", false, "on defrag failure, escalate to a full-image search")
	rootCmd.Flags().IntP("workers", "w", 0, "worker count per stage (0 = number of logical CPUs)")

	if err := rootCmd.Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, args []string) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		logger.SetLevel(logger.LevelDebug)
	} else {
		logger.SetLevel(logger.LevelInfo)
	}

	noColor, _ := cmd.Flags().GetBool("no-color")
	if noColor {
		logger.DisableColors()
	}

	logFile, _ := cmd.Flags().GetString("log-file")
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			logger.Errorf("failed to open log file: %v", err)
		} else {
			logger.DisableColors()
			logger.Initialize(file, file, file, file)
			logger.Infof("logging to file: %s", logFile)
		}
	}
}

func runRecovery(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = parseConfig(cmd)
	if err != nil {
		return fmt.Errorf("parsing configuration: %w", err)
	}

	start := time.Now()
	logger.Infof("recovering bundles from %s", cfg.Input)

	image, err := os.ReadFile(cfg.Input)
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}

	if cfg.ExtractFlag {
		if err := os.MkdirAll(cfg.Output, 0755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}

	var names *namemap.Map
	if cfg.Rename && cfg.Names != "" {
		f, err := os.Open(cfg.Names)
		if err != nil {
			return fmt.Errorf("opening names file: %w", err)
		}
		defer f.Close()
		names, err = namemap.Parse(f)
		if err != nil {
			return fmt.Errorf("parsing names file: %w", err)
		}
	}

	platform := bundlefmt.PlatformPC
	if cfg.Platform == "big" {
		platform = bundlefmt.PlatformConsole
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("received signal %v, cancelling...", sig)
		cancel()
	}()

	pcfg := pipeline.Config{
		Workers:      workers,
		Interval:     cfg.Interval,
		VersionLimit: cfg.VersionLimit,
		Platform:     platform,
		StartOffset:  cfg.StartOffset,
		EndOffset:    cfg.EndOffset,
		SearchLength: cfg.SearchLength,
		SearchAll:    cfg.SearchAll,
		OutputDir:    cfg.Output,
		Defrag:       cfg.Defrag && cfg.SearchLength > 0,
		ExtractFlag:  cfg.ExtractFlag,
		Names:        names,
	}

	candidates, stats, err := pipeline.Run(ctx, image, pcfg)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	sidecar := storage.New(cfg.Output+"/progress.json", len(candidates))
	for i, c := range candidates {
		fragments := make([]storage.Fragment, len(c.Info.Pos))
		for j := range fragments {
			fragments[j] = storage.Fragment{Position: c.Info.Pos[j], Size: c.Info.Sz[j]}
		}
		sidecar.Record(i, fragments)
	}
	if cfg.ExtractFlag {
		if err := sidecar.Flush(); err != nil {
			logger.Warningf("failed to write progress sidecar: %v", err)
		}
	}

	logger.Infof("completed in %v", time.Since(start))
	logger.Infof("found: %d, corrupt: %d, defragged: %d, extracted: %d",
		stats.Found, stats.Corrupt, stats.Defragged, stats.Extracted)
	return nil
}

func parseConfig(cmd *cobra.Command) (config.Config, error) {
	input, _ := cmd.Flags().GetString("input")
	output, _ := cmd.Flags().GetString("output")
	names, _ := cmd.Flags().GetString("names")
	platform, _ := cmd.Flags().GetString("platform")
	versionLimit, _ := cmd.Flags().GetInt("version-limit")
	start, _ := cmd.Flags().GetUint64("start")
	end, _ := cmd.Flags().GetUint64("end")
	interval, _ := cmd.Flags().GetUint64("interval")
	searchLength, _ := cmd.Flags().GetUint64("search-length")
	defrag, _ := cmd.Flags().GetBool("defrag")
	extract, _ := cmd.Flags().GetBool("extract")
	rename, _ := cmd.Flags().GetBool("rename")
	searchAll, _ := cmd.Flags().GetBool("search-all")
	workers, _ := cmd.Flags().GetInt("workers")

	return config.Config{
		Input:        input,
		Output:       output,
		Names:        names,
		Platform:     platform,
		VersionLimit: versionLimit,
		StartOffset:  start,
		EndOffset:    end,
		Interval:     interval,
		SearchLength: searchLength,
		Defrag:       defrag,
		ExtractFlag:  extract,
		Rename:       rename,
		SearchAll:    searchAll,
		Workers:      workers,
	}, nil
}
