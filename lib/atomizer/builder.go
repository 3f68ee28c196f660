// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/granule-foundation/granule/lib/atom"
)

// Builder accumulates one atomizer invocation's output and seals it
// into an immutable Result. It owns the invariants every atomizer
// shares: the mandatory file-metadata root atom, per-parent
// SequenceIndex assignment, the ≤64-byte value clamp, timing, and
// warning collection. Format code only decides what to add.
//
// A Builder is used by a single goroutine for a single invocation.
type Builder struct {
	start    time.Time
	source   atom.SourceMetadata
	modality string

	root      atom.Hash
	atoms     []atom.Atom
	comps     []atom.Composition
	children  []atom.ChildSource
	warnings  []string
	nextIndex map[atom.Hash]int
}

// Spec describes one atom to add. Zero-value Parent composes the atom
// under the file-metadata root.
type Spec struct {
	Parent   atom.Hash
	Position string

	// Modality defaults to the builder's modality when empty.
	Modality    string
	Subtype     string
	ContentType string

	// Value is the atom payload; must not exceed atom.MaxValueSize.
	// Use AddChunked for larger payloads.
	Value []byte

	// HashInput overrides the bytes fed to the content hash. Leave
	// nil to hash Value itself (the chunk-atom case). Summary atoms
	// (tree containers, tensor infos) hash their full underlying
	// content here while clamping Value.
	HashInput []byte

	CanonicalText string
	Metadata      string

	// Textual marks chunked payloads whose chunks should carry their
	// own bytes as CanonicalText (when valid UTF-8).
	Textual bool
}

// NewBuilder starts a result for the given source. It records the
// start time and emits the mandatory file-metadata atom: subtype
// file-metadata, content hash of the entire payload (the whole-source
// deduplication key), human summary as canonical text, and file
// name/size as metadata. All top-level content atoms compose into
// this root with SequenceIndex starting at 0.
func NewBuilder(content []byte, source atom.SourceMetadata, modality, summary string) *Builder {
	root := atom.HashContent(content)

	metadata, err := atom.EncodeMetadata(map[string]any{
		"file_name":  source.FileName,
		"size_bytes": source.SizeBytes,
	})
	if err != nil {
		// Only reachable if json.Marshal fails on strings and
		// integers, which it does not.
		metadata = ""
	}

	b := &Builder{
		start:     time.Now(),
		source:    source,
		modality:  modality,
		root:      root,
		nextIndex: make(map[atom.Hash]int),
	}
	b.atoms = append(b.atoms, atom.Atom{
		ContentHash:   root,
		Modality:      modality,
		Subtype:       atom.SubtypeFileMetadata,
		ContentType:   source.ContentType,
		CanonicalText: summary,
		Metadata:      metadata,
	})
	return b
}

// Root returns the content hash of the file-metadata atom.
func (b *Builder) Root() atom.Hash {
	return b.root
}

// Add appends one atom and composes it under spec.Parent (the root
// when zero). Returns the atom's content hash, which callers use as
// the parent for nested structure.
func (b *Builder) Add(spec Spec) (atom.Hash, error) {
	if len(spec.Value) > atom.MaxValueSize {
		return atom.Hash{}, fmt.Errorf("atom value is %d bytes, exceeds maximum %d (use AddChunked)",
			len(spec.Value), atom.MaxValueSize)
	}

	modality := spec.Modality
	if modality == "" {
		modality = b.modality
	}
	hashInput := spec.HashInput
	if hashInput == nil {
		hashInput = spec.Value
	}

	contentHash := atom.HashContent(hashInput)
	b.atoms = append(b.atoms, atom.Atom{
		Value:         spec.Value,
		ContentHash:   contentHash,
		Modality:      modality,
		Subtype:       spec.Subtype,
		ContentType:   spec.ContentType,
		CanonicalText: spec.CanonicalText,
		Metadata:      spec.Metadata,
	})
	b.Compose(spec.Parent, contentHash, spec.Position)
	return contentHash, nil
}

// AddChunked splits spec.Value into a sequence of ≤64-byte sibling
// atoms under spec.Parent. Concatenating the chunk values in
// ascending SequenceIndex order reproduces spec.Value bit-for-bit.
// position maps a chunk's byte offset within spec.Value to its
// Position string; nil leaves positions empty. Returns the chunk
// hashes in order.
func (b *Builder) AddChunked(spec Spec, position func(offset int) string) ([]atom.Hash, error) {
	payload := spec.Value
	if len(payload) == 0 {
		return nil, nil
	}

	var hashes []atom.Hash
	for offset := 0; offset < len(payload); offset += atom.MaxValueSize {
		end := offset + atom.MaxValueSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[offset:end]

		chunkSpec := Spec{
			Parent:      spec.Parent,
			Modality:    spec.Modality,
			Subtype:     spec.Subtype,
			ContentType: spec.ContentType,
			Value:       chunk,
			Metadata:    spec.Metadata,
		}
		if position != nil {
			chunkSpec.Position = position(offset)
		}
		if spec.Textual && utf8.Valid(chunk) {
			chunkSpec.CanonicalText = string(chunk)
		}

		hash, err := b.Add(chunkSpec)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

// Compose appends a composition edge from parent (the root when zero)
// to component, assigning the parent's next SequenceIndex. Use when
// linking an atom added elsewhere (a child archive entry's root, a
// frame's pixel blocks) under an additional parent.
func (b *Builder) Compose(parent, component atom.Hash, position string) {
	if parent == (atom.Hash{}) {
		parent = b.root
	}
	index := b.nextIndex[parent]
	b.nextIndex[parent] = index + 1
	b.comps = append(b.comps, atom.Composition{
		ParentHash:    parent,
		ComponentHash: component,
		SequenceIndex: index,
		Position:      position,
	})
}

// AddChild queues a nested raw source (an archive entry) for
// recursive atomization by the orchestrator.
func (b *Builder) AddChild(source atom.SourceMetadata, content []byte) {
	b.children = append(b.children, atom.ChildSource{Source: source, Content: content})
}

// ChildError queues a child whose extraction failed. The orchestrator
// reports the error against this child without touching siblings.
func (b *Builder) ChildError(source atom.SourceMetadata, err error) {
	b.children = append(b.children, atom.ChildSource{Source: source, Err: err})
}

// Warn records a soft failure. Warnings never abort the result.
func (b *Builder) Warn(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

// Finish seals the result: counts, duration, atomizer name, and
// detected format. The Builder must not be used afterwards.
func (b *Builder) Finish(atomizerName, detectedFormat string) *atom.Result {
	unique := make(map[atom.Hash]struct{}, len(b.atoms))
	for _, a := range b.atoms {
		unique[a.ContentHash] = struct{}{}
	}

	return &atom.Result{
		Atoms:        b.atoms,
		Compositions: b.comps,
		ChildSources: b.children,
		Root:         b.root,
		Info: atom.ProcessingInfo{
			TotalAtoms:     len(b.atoms),
			UniqueAtoms:    len(unique),
			DurationMs:     time.Since(b.start).Milliseconds(),
			AtomizerType:   atomizerName,
			DetectedFormat: detectedFormat,
			Warnings:       b.warnings,
		},
	}
}

// summarize renders the standard file-metadata canonical text.
func summarize(source atom.SourceMetadata, detail string) string {
	if detail == "" {
		return fmt.Sprintf("%s (%d bytes)", source.FileName, source.SizeBytes)
	}
	return fmt.Sprintf("%s (%d bytes, %s)", source.FileName, source.SizeBytes, detail)
}
