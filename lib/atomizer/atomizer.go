// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"context"

	"github.com/granule-foundation/granule/lib/atom"
)

// Atomizer decomposes one content family into atoms.
//
// Implementations must be stateless (or hold only immutable
// configuration and thread-safe collaborators): Atomize is called
// concurrently from the ingestion worker pool.
type Atomizer interface {
	// Name identifies the atomizer in ProcessingInfo and logs.
	Name() string

	// Priority orders dispatch: among atomizers whose CanHandle
	// returns true for a source, the numerically highest priority
	// wins. Static per atomizer.
	Priority() int

	// CanHandle reports whether this atomizer accepts the given MIME
	// content type and lowercased file extension (with leading dot,
	// "" when absent). Pure and fast — it runs for every registered
	// atomizer on every dispatch.
	CanHandle(contentType, extension string) bool

	// Atomize transforms content into a Result. It never mutates
	// content or source. For a fixed byte payload the produced
	// content hashes and sequence indexes are deterministic. Long
	// parses observe ctx between chunk boundaries and return ctx's
	// error on cancellation, discarding partial results.
	Atomize(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error)
}

// Registry holds the registered atomizers and selects one per source.
//
// Registration order is significant: when two atomizers report equal
// priority and both can handle a source, the earliest-registered one
// wins. The selection scan uses strict greater-than, so the rule is a
// property of the code rather than of collection iteration order.
type Registry struct {
	atomizers []Atomizer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends an atomizer. Not safe for concurrent use with
// Select; register everything up front, then dispatch freely.
func (r *Registry) Register(a Atomizer) {
	r.atomizers = append(r.atomizers, a)
}

// Select returns the highest-priority atomizer that can handle the
// given content type and extension, or nil when none matches. A
// registry containing the binary fallback never returns nil.
func (r *Registry) Select(contentType, extension string) Atomizer {
	var best Atomizer
	for _, candidate := range r.atomizers {
		if !candidate.CanHandle(contentType, extension) {
			continue
		}
		if best == nil || candidate.Priority() > best.Priority() {
			best = candidate
		}
	}
	return best
}

// Atomizers returns the registered atomizers in registration order.
func (r *Registry) Atomizers() []Atomizer {
	return r.atomizers
}

// Options configures the built-in atomizer set.
type Options struct {
	// Enrichment supplies the optional image enrichment services.
	// Zero value means none — the corresponding atom families are
	// simply not produced.
	Enrichment Enrichment

	// MaxEntryBytes caps the decompressed size of a single archive
	// entry during extraction. Zero selects the default (256 MiB).
	MaxEntryBytes int64

	// MaxChildSources caps the number of entries expanded from one
	// archive. Zero selects the default (10000).
	MaxChildSources int
}

// Default limits for Options zero values.
const (
	defaultMaxEntryBytes   = 256 << 20
	defaultMaxChildSources = 10_000
)

// DefaultRegistry returns a registry with the complete built-in
// atomizer set. The binary fallback is registered last and carries
// the lowest priority, so it only handles sources nothing else
// claims.
func DefaultRegistry(opts Options) *Registry {
	if opts.MaxEntryBytes <= 0 {
		opts.MaxEntryBytes = defaultMaxEntryBytes
	}
	if opts.MaxChildSources <= 0 {
		opts.MaxChildSources = defaultMaxChildSources
	}

	registry := NewRegistry()
	registry.Register(NewGGUFAtomizer())
	registry.Register(NewSafeTensorsAtomizer())
	registry.Register(NewONNXAtomizer())
	registry.Register(NewArchiveAtomizer(opts.MaxEntryBytes, opts.MaxChildSources))
	registry.Register(NewImageAtomizer(opts.Enrichment))
	registry.Register(NewAudioAtomizer())
	registry.Register(NewVideoAtomizer())
	registry.Register(NewDocumentAtomizer())
	registry.Register(NewMarkdownAtomizer())
	registry.Register(NewStructuredAtomizer())
	registry.Register(NewCodeAtomizer())
	registry.Register(NewTextAtomizer())
	registry.Register(NewBinaryAtomizer())
	return registry
}
