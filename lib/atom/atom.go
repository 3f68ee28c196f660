// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atom

import (
	"fmt"
	"path"
	"strings"
)

// MaxValueSize is the hard upper bound on an atom's value, in bytes.
// This is a protocol constant: the persistence collaborator sizes its
// records around it, and every atomizer splits larger payloads into
// ordered sibling atoms instead of exceeding it.
const MaxValueSize = 64

// Modality is the coarse content-family tag of an atom.
const (
	ModalityText     = "text"
	ModalityImage    = "image"
	ModalityAudio    = "audio"
	ModalityVideo    = "video"
	ModalityCode     = "code"
	ModalityModel    = "model"
	ModalityBinary   = "binary"
	ModalityDocument = "document"
)

// Subtype is the fine-grained classifier of an atom. Atomizers may
// define their own; these are the ones produced by the built-in set.
const (
	SubtypeFileMetadata = "file-metadata"
	SubtypeSentence     = "sentence"
	SubtypeHeading      = "heading"
	SubtypeCodeBlock    = "code-block"
	SubtypeListItem     = "list-item"
	SubtypeLink         = "link"
	SubtypeTableRow     = "table-row"
	SubtypeTreeNode     = "tree-node"
	SubtypeImport       = "import"
	SubtypeFunction     = "function"
	SubtypeClass        = "class"
	SubtypeComment      = "comment"
	SubtypePixelBlock   = "pixel-block"
	SubtypeSampleBuffer = "sample-buffer"
	SubtypeFrame        = "frame"
	SubtypeModelKV      = "model-kv"
	SubtypeGraphNode    = "graph-node"
	SubtypeTensor       = "tensor"
	SubtypeTensorData   = "tensor-data"
	SubtypeArchiveEntry = "archive-entry"
	SubtypeByteChunk    = "byte-chunk"
	SubtypeOCRText      = "ocr-text"
	SubtypeObjectLabel  = "object-label"
	SubtypeSceneDesc    = "scene-description"
)

// Atom is the indivisible unit of decomposed content. Atoms are
// immutable after creation: atomizers build them, the orchestrator
// aggregates them, and the persistence collaborator deduplicates them
// by ContentHash.
type Atom struct {
	// Value is the atom's byte payload, at most MaxValueSize bytes.
	// May be empty for atoms whose identity lives entirely in the
	// hash input (file-metadata, structured tree containers).
	Value []byte `json:"value,omitempty"`

	// ContentHash is the SHA-256 digest of the atom's hash input.
	// For chunk atoms the hash input is Value itself; for summary
	// atoms it is the full underlying payload. Identical hash means
	// identical underlying content.
	ContentHash Hash `json:"content_hash"`

	// Modality is the coarse type tag (text, image, audio, ...).
	Modality string `json:"modality"`

	// Subtype is the atomizer-defined fine classifier
	// (sentence, pixel-block, tensor, file-metadata, ...).
	Subtype string `json:"subtype"`

	// ContentType is the MIME type of the underlying content, when
	// known. Empty otherwise.
	ContentType string `json:"content_type,omitempty"`

	// CanonicalText is an optional human-readable rendering of the
	// atom. Unlike Value it has no size bound.
	CanonicalText string `json:"canonical_text,omitempty"`

	// Metadata is an optional JSON object of atomizer-specific
	// attributes.
	Metadata string `json:"metadata,omitempty"`
}

// Validate checks the atom's size invariant.
func (a *Atom) Validate() error {
	if len(a.Value) > MaxValueSize {
		return fmt.Errorf("atom value is %d bytes, exceeds maximum %d", len(a.Value), MaxValueSize)
	}
	if a.Modality == "" {
		return fmt.Errorf("atom %s has no modality", ShortRef(a.ContentHash))
	}
	return nil
}

// Composition is a directed edge expressing that one atom is a
// structural component of another. Both endpoints are referenced by
// content hash, not by storage identity.
type Composition struct {
	// ParentHash is the content hash of the containing atom.
	ParentHash Hash `json:"parent_hash"`

	// ComponentHash is the content hash of the component atom. It
	// must correspond to an atom in the same result, or to a parent
	// supplied by an enclosing recursion level.
	ComponentHash Hash `json:"component_hash"`

	// SequenceIndex orders the components of one parent. Unique among
	// siblings; concatenating chunk-atom values in ascending index
	// reproduces the original payload for chunking atomizers.
	SequenceIndex int `json:"sequence_index"`

	// Position is an optional structural or spatial coordinate
	// (character offset, pixel coordinates, tensor index, timestamp).
	// Semantics are atomizer-defined but stable and comparable within
	// one parent's children.
	Position string `json:"position,omitempty"`
}

// SourceMetadata describes where a byte payload came from. Constructed
// once per source and propagated unchanged into child sources, with
// only FileName and SourceURI rewritten.
type SourceMetadata struct {
	FileName    string `json:"file_name"`
	SourceURI   string `json:"source_uri,omitempty"`
	SourceType  string `json:"source_type,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
	TenantID    string `json:"tenant_id,omitempty"`
	Metadata    string `json:"metadata,omitempty"`
}

// Extension returns the lowercased file extension of the source,
// including the leading dot ("" when the file name has none). This is
// the extension handed to Atomizer.CanHandle.
func (s SourceMetadata) Extension() string {
	return strings.ToLower(path.Ext(s.FileName))
}

// ChildOf derives the metadata for a nested source discovered inside
// this one (an archive entry). Everything is propagated unchanged
// except FileName, which becomes the entry name, SourceURI, which
// gains a "!/" entry suffix in the style of archive URIs, and
// SizeBytes, which is the entry's decompressed size.
func (s SourceMetadata) ChildOf(entryName string, sizeBytes int64) SourceMetadata {
	child := s
	child.FileName = entryName
	child.SizeBytes = sizeBytes
	child.ContentType = ""
	if s.SourceURI != "" {
		child.SourceURI = s.SourceURI + "!/" + entryName
	} else {
		child.SourceURI = s.FileName + "!/" + entryName
	}
	return child
}

// ChildSource is a nested raw input discovered during atomization (an
// archive entry), queued by the orchestrator for recursive processing.
type ChildSource struct {
	Source  SourceMetadata `json:"source"`
	Content []byte         `json:"-"`

	// Err is non-nil when the entry could not be extracted (resource
	// limit exceeded during decompression, unreadable entry). The
	// orchestrator reports it against this child; siblings are
	// unaffected.
	Err error `json:"-"`
}

// ProcessingInfo summarizes one atomizer invocation.
type ProcessingInfo struct {
	TotalAtoms     int      `json:"total_atoms"`
	UniqueAtoms    int      `json:"unique_atoms"`
	DurationMs     int64    `json:"duration_ms"`
	AtomizerType   string   `json:"atomizer_type"`
	DetectedFormat string   `json:"detected_format"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Result is the output of one atomizer invocation.
type Result struct {
	Atoms        []Atom         `json:"atoms"`
	Compositions []Composition  `json:"compositions"`
	ChildSources []ChildSource  `json:"child_sources,omitempty"`
	Info         ProcessingInfo `json:"info"`

	// Root is the content hash of the mandatory file-metadata atom.
	// All top-level content atoms compose into it; an enclosing
	// archive's entry atom carries the same hash, which is how child
	// results link into their parent without extra bookkeeping.
	Root Hash `json:"root"`
}
