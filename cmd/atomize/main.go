// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

// Command atomize decomposes files into content-addressed atoms.
//
// Usage:
//
//	atomize [flags] FILE...
//
// Each file is dispatched to the pipeline, recursively expanding any
// archives it contains. A per-source summary prints to stdout; pass
// --store to persist atoms and composition edges to a filesystem
// store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/granule-foundation/granule/lib/atom"
	"github.com/granule-foundation/granule/lib/atomizer"
	"github.com/granule-foundation/granule/lib/atomstore"
	"github.com/granule-foundation/granule/lib/config"
	"github.com/granule-foundation/granule/lib/ingest"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = pflag.String("config", "", "path to the YAML config file (default: $"+config.EnvVar+")")
		storePath  = pflag.String("store", "", "persist atoms to a store at this directory")
		maxDepth   = pflag.Int("max-depth", 0, "override the archive recursion depth limit")
		workers    = pflag.Int("workers", 0, "override the ingestion worker count (0 = GOMAXPROCS)")
		verbose    = pflag.BoolP("verbose", "v", false, "enable debug logging")
	)
	pflag.Parse()

	files := pflag.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: atomize [flags] FILE...")
		pflag.PrintDefaults()
		return 2
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	if *maxDepth > 0 {
		cfg.MaxDepth = *maxDepth
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var inputs []ingest.Input
	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: reading %s: %v\n", path, err)
			return 2
		}
		inputs = append(inputs, ingest.Input{
			Content: content,
			Source:  sourceFor(path, content),
		})
	}

	registry := atomizer.DefaultRegistry(atomizer.Options{
		MaxEntryBytes:   cfg.MaxEntryBytes,
		MaxChildSources: cfg.MaxChildSources,
		Enrichment:      atomizer.Enrichment{Timeout: cfg.EnrichmentTimeout},
	})
	pipeline := ingest.New(registry, cfg, logger)

	result, err := pipeline.IngestAll(ctx, inputs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	printSummary(result)

	if *storePath != "" {
		store, err := atomstore.Open(*storePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		if err := pipeline.Flush(ctx, result, store); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		logger.Info("flushed to store", "path", *storePath,
			"atoms", result.TotalAtoms, "unique", result.UniqueAtoms)
	}

	if len(result.Failures) > 0 {
		return 1
	}
	return 0
}

// sourceFor builds the source metadata for a top-level file: content
// type from the extension, falling back to a small magic sniff for
// the model formats mime does not know.
func sourceFor(path string, content []byte) atom.SourceMetadata {
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	if contentType == "" && len(content) >= 4 && string(content[:4]) == "GGUF" {
		contentType = "application/x-gguf"
	}
	return atom.SourceMetadata{
		FileName:    filepath.Base(path),
		SourceURI:   path,
		ContentType: contentType,
		SizeBytes:   int64(len(content)),
	}
}

func printSummary(result *ingest.Result) {
	for _, sr := range result.Results {
		indent := strings.Repeat("  ", sr.Depth)
		info := sr.Result.Info
		fmt.Printf("%s%s: %s, %d atoms (%d unique), %dms",
			indent, sr.Source.FileName, info.AtomizerType,
			info.TotalAtoms, info.UniqueAtoms, info.DurationMs)
		if len(info.Warnings) > 0 {
			fmt.Printf(", %d warnings", len(info.Warnings))
		}
		fmt.Printf("  %s\n", atom.ShortRef(sr.Result.Root))
		for _, warning := range info.Warnings {
			fmt.Printf("%s  warning: %s\n", indent, warning)
		}
	}
	for _, failure := range result.Failures {
		fmt.Printf("failed: %s: %v\n", failure.Source.FileName, failure.Err)
	}
	fmt.Printf("total: %d sources, %d atoms, %d unique, %d failures, %dms\n",
		len(result.Results), result.TotalAtoms, result.UniqueAtoms,
		len(result.Failures), result.DurationMs)
}
