// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest drives content through the atomization pipeline:
// dispatch to the right atomizer, recursive expansion of container
// children with depth and decompression metering, fan-out over
// independent sources, and the persistence handoff.
//
// Recursion is an explicit work stack rather than call recursion, so
// a deeply nested archive cannot grow the goroutine stack and every
// push point meters depth and cumulative decompressed bytes. A child
// that trips a limit is recorded as a per-source failure; its
// siblings and the rest of the tree continue.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/granule-foundation/granule/lib/atom"
	"github.com/granule-foundation/granule/lib/atomizer"
	"github.com/granule-foundation/granule/lib/config"
)

// Store is the persistence collaborator. Implementations must
// tolerate duplicate atoms across calls: the same content hash may
// arrive from many sources.
type Store interface {
	UpsertAtoms(ctx context.Context, atoms []atom.Atom) error
	PutCompositions(ctx context.Context, compositions []atom.Composition) error
}

// Input is one independent top-level source.
type Input struct {
	Content []byte
	Source  atom.SourceMetadata
}

// SourceResult is the atomization output of one source at one depth.
type SourceResult struct {
	Source atom.SourceMetadata
	Depth  int
	Result *atom.Result
}

// SourceFailure records a source (or nested child) that could not be
// atomized. Failures never abort sibling sources.
type SourceFailure struct {
	Source atom.SourceMetadata
	Depth  int
	Err    error
}

// Result aggregates one Ingest or IngestAll run.
type Result struct {
	Results  []SourceResult
	Failures []SourceFailure

	TotalAtoms  int
	UniqueAtoms int
	DurationMs  int64
}

// Pipeline coordinates atomizer dispatch and recursive expansion.
// Safe for concurrent use: all mutable state is per-call.
type Pipeline struct {
	registry *atomizer.Registry
	cfg      *config.Config
	logger   *slog.Logger
}

// New creates a pipeline. A nil config selects the defaults; a nil
// logger discards log output.
func New(registry *atomizer.Registry, cfg *config.Config, logger *slog.Logger) *Pipeline {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{registry: registry, cfg: cfg, logger: logger}
}

// workItem is one pending source on the expansion stack.
type workItem struct {
	content []byte
	source  atom.SourceMetadata
	depth   int
}

// Ingest atomizes one source and everything nested inside it. The
// returned Result carries per-source outputs and failures; the error
// return is reserved for cancellation.
func (p *Pipeline) Ingest(ctx context.Context, content []byte, source atom.SourceMetadata) (*Result, error) {
	start := time.Now()
	out := &Result{}

	// Cumulative decompressed bytes across the whole expansion tree,
	// counting only extracted children: the caller already holds the
	// root content, so it is not metered against the ceiling.
	var decompressed int64

	stack := []workItem{{content: content, source: source, depth: 0}}
	unique := make(map[atom.Hash]struct{})

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		selected := p.registry.Select(item.source.ContentType, item.source.Extension())
		if selected == nil {
			out.Failures = append(out.Failures, SourceFailure{
				Source: item.source,
				Depth:  item.depth,
				Err:    fmt.Errorf("no atomizer accepts content type %q extension %q", item.source.ContentType, item.source.Extension()),
			})
			continue
		}

		result, err := selected.Atomize(ctx, item.content, item.source)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn("atomization failed",
				"source", item.source.FileName,
				"atomizer", selected.Name(),
				"depth", item.depth,
				"error", err)
			out.Failures = append(out.Failures, SourceFailure{Source: item.source, Depth: item.depth, Err: err})
			continue
		}

		p.logger.Debug("atomized source",
			"source", item.source.FileName,
			"atomizer", selected.Name(),
			"depth", item.depth,
			"atoms", result.Info.TotalAtoms,
			"children", len(result.ChildSources))

		out.Results = append(out.Results, SourceResult{Source: item.source, Depth: item.depth, Result: result})
		out.TotalAtoms += result.Info.TotalAtoms
		for _, a := range result.Atoms {
			unique[a.ContentHash] = struct{}{}
		}

		for _, child := range result.ChildSources {
			if child.Err != nil {
				out.Failures = append(out.Failures, SourceFailure{
					Source: child.Source,
					Depth:  item.depth + 1,
					Err:    child.Err,
				})
				continue
			}
			if item.depth+1 > p.cfg.MaxDepth {
				out.Failures = append(out.Failures, SourceFailure{
					Source: child.Source,
					Depth:  item.depth + 1,
					Err: &atom.ResourceLimitError{
						Resource: "recursion depth",
						Limit:    int64(p.cfg.MaxDepth),
						Actual:   int64(item.depth + 1),
						Source:   child.Source.FileName,
					},
				})
				continue
			}
			decompressed += int64(len(child.Content))
			if decompressed > p.cfg.MaxDecompressedBytes {
				out.Failures = append(out.Failures, SourceFailure{
					Source: child.Source,
					Depth:  item.depth + 1,
					Err: &atom.ResourceLimitError{
						Resource: "decompressed bytes",
						Limit:    p.cfg.MaxDecompressedBytes,
						Actual:   decompressed,
						Source:   child.Source.FileName,
					},
				})
				continue
			}
			stack = append(stack, workItem{
				content: child.Content,
				source:  child.Source,
				depth:   item.depth + 1,
			})
		}
	}

	out.UniqueAtoms = len(unique)
	out.DurationMs = time.Since(start).Milliseconds()
	return out, nil
}

// IngestAll atomizes independent sources concurrently and merges the
// outcomes. One source failing structurally does not disturb the
// others; the merge preserves the input order of sources.
func (p *Pipeline) IngestAll(ctx context.Context, inputs []Input) (*Result, error) {
	start := time.Now()

	workers := p.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(inputs) {
		workers = len(inputs)
	}
	if workers < 1 {
		workers = 1
	}

	type slot struct {
		result *Result
		err    error
	}
	slots := make([]slot, len(inputs))
	work := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				result, err := p.Ingest(ctx, inputs[i].Content, inputs[i].Source)
				slots[i] = slot{result: result, err: err}
			}
		}()
	}
	for i := range inputs {
		work <- i
	}
	close(work)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := &Result{}
	unique := make(map[atom.Hash]struct{})
	for _, s := range slots {
		if s.err != nil {
			return nil, s.err
		}
		merged.Results = append(merged.Results, s.result.Results...)
		merged.Failures = append(merged.Failures, s.result.Failures...)
		merged.TotalAtoms += s.result.TotalAtoms
		for _, sr := range s.result.Results {
			for _, a := range sr.Result.Atoms {
				unique[a.ContentHash] = struct{}{}
			}
		}
	}
	merged.UniqueAtoms = len(unique)
	merged.DurationMs = time.Since(start).Milliseconds()
	return merged, nil
}

// Flush persists every atom and composition in the result: atoms
// first so compositions never reference hashes the store has not
// seen.
func (p *Pipeline) Flush(ctx context.Context, result *Result, store Store) error {
	var atoms []atom.Atom
	var compositions []atom.Composition
	for _, sr := range result.Results {
		atoms = append(atoms, sr.Result.Atoms...)
		compositions = append(compositions, sr.Result.Compositions...)
	}
	if err := store.UpsertAtoms(ctx, atoms); err != nil {
		return fmt.Errorf("upserting %d atoms: %w", len(atoms), err)
	}
	if err := store.PutCompositions(ctx, compositions); err != nil {
		return fmt.Errorf("writing %d compositions: %w", len(compositions), err)
	}
	return nil
}
