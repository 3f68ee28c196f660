// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/granule-foundation/granule/lib/atom"
)

// ArchiveAtomizer decomposes container formats — zip, tar, and the
// gzip, zstd, and lz4 single-stream compressors — into one
// archive-entry atom plus one child source per entry. The entry
// atom's content hash covers the entry's bytes, which is the same
// hash the child's own file-metadata atom will carry, so recursive
// results link into the enclosing archive without extra bookkeeping.
//
// Compressed tarballs need no special casing: gzip yields one child
// ("model.tar" from "model.tar.gz") that the pipeline re-dispatches
// to this atomizer at the next depth.
//
// Extraction is metered: an entry whose decompressed size exceeds the
// per-entry cap is recorded as a failed child (ResourceLimitError)
// and its siblings continue; the entry-count cap works the same way.
// A corrupt container aborts with atom.ParseError. An empty archive
// yields a metadata-only result with zero children.
type ArchiveAtomizer struct {
	maxEntryBytes   int64
	maxChildSources int
}

// NewArchiveAtomizer creates the archive atomizer with the given
// per-entry decompressed-size cap and per-archive entry-count cap.
func NewArchiveAtomizer(maxEntryBytes int64, maxChildSources int) *ArchiveAtomizer {
	return &ArchiveAtomizer{
		maxEntryBytes:   maxEntryBytes,
		maxChildSources: maxChildSources,
	}
}

func (a *ArchiveAtomizer) Name() string  { return "archive" }
func (a *ArchiveAtomizer) Priority() int { return 55 }

func (a *ArchiveAtomizer) CanHandle(contentType, extension string) bool {
	switch contentType {
	case "application/zip", "application/x-tar", "application/gzip",
		"application/x-gzip", "application/zstd", "application/x-lz4":
		return true
	}
	switch extension {
	case ".zip", ".tar", ".gz", ".tgz", ".zst", ".lz4":
		return true
	}
	return false
}

// Compression magic prefixes.
var (
	zipMagic  = []byte("PK")
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

func (a *ArchiveAtomizer) Atomize(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	if len(content) == 0 {
		b := NewBuilder(content, source, atom.ModalityBinary, summarize(source, "archive"))
		return b.Finish(a.Name(), "archive"), nil
	}

	switch {
	case bytes.HasPrefix(content, zipMagic):
		return a.atomizeZip(ctx, content, source)
	case bytes.HasPrefix(content, gzipMagic):
		return a.atomizeStream(ctx, content, source, "gzip")
	case bytes.HasPrefix(content, zstdMagic):
		return a.atomizeStream(ctx, content, source, "zstd")
	case bytes.HasPrefix(content, lz4Magic):
		return a.atomizeStream(ctx, content, source, "lz4")
	case isTar(content) || source.Extension() == ".tar":
		return a.atomizeTar(ctx, content, source)
	}
	return nil, atom.NewParseError("archive", "unrecognized container magic")
}

// isTar checks the ustar magic at its fixed header offset.
func isTar(content []byte) bool {
	return len(content) >= 263 && bytes.Equal(content[257:262], []byte("ustar"))
}

func (a *ArchiveAtomizer) atomizeZip(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	reader, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, atom.WrapParseError("zip", "opening archive", err)
	}

	b := NewBuilder(content, source, atom.ModalityBinary,
		summarize(source, fmt.Sprintf("zip archive, %d entries", len(reader.File))))

	entries := 0
	for _, file := range reader.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if file.FileInfo().IsDir() {
			continue
		}
		if !a.admitEntry(b, source, file.Name, &entries) {
			break
		}

		rc, err := file.Open()
		if err != nil {
			b.ChildError(source.ChildOf(file.Name, 0),
				fmt.Errorf("opening zip entry %q: %w", file.Name, err))
			continue
		}
		data, err := a.readEntry(rc, source, file.Name)
		rc.Close()
		if err != nil {
			b.ChildError(source.ChildOf(file.Name, 0), err)
			continue
		}
		if err := a.addEntry(b, source, file.Name, data); err != nil {
			return nil, err
		}
	}
	return b.Finish(a.Name(), "zip"), nil
}

func (a *ArchiveAtomizer) atomizeTar(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	reader := tar.NewReader(bytes.NewReader(content))

	b := NewBuilder(content, source, atom.ModalityBinary, summarize(source, "tar archive"))

	entries := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, atom.WrapParseError("tar", "reading entry header", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if !a.admitEntry(b, source, header.Name, &entries) {
			break
		}

		data, err := a.readEntry(reader, source, header.Name)
		if err != nil {
			b.ChildError(source.ChildOf(header.Name, 0), err)
			// The entry body was partially consumed; Next realigns to
			// the following header.
			continue
		}
		if err := a.addEntry(b, source, header.Name, data); err != nil {
			return nil, err
		}
	}
	return b.Finish(a.Name(), "tar"), nil
}

// atomizeStream handles single-stream compressors: the whole payload
// decompresses to exactly one child.
func (a *ArchiveAtomizer) atomizeStream(ctx context.Context, content []byte, source atom.SourceMetadata, format string) (*atom.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		decompressed io.Reader
		closeFn      func()
	)
	switch format {
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(content))
		if err != nil {
			return nil, atom.WrapParseError("gzip", "opening stream", err)
		}
		decompressed, closeFn = gz, func() { gz.Close() }
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(content))
		if err != nil {
			return nil, atom.WrapParseError("zstd", "opening stream", err)
		}
		decompressed, closeFn = zr.IOReadCloser(), zr.Close
	case "lz4":
		decompressed, closeFn = lz4.NewReader(bytes.NewReader(content)), func() {}
	}
	defer closeFn()

	b := NewBuilder(content, source, atom.ModalityBinary,
		summarize(source, format+" compressed stream"))

	entryName := streamEntryName(source.FileName, source.Extension())
	data, err := a.readEntry(decompressed, source, entryName)
	if err != nil {
		b.ChildError(source.ChildOf(entryName, 0), err)
		return b.Finish(a.Name(), format), nil
	}
	if err := a.addEntry(b, source, entryName, data); err != nil {
		return nil, err
	}
	return b.Finish(a.Name(), format), nil
}

// streamEntryName derives the inner name of a compressed stream:
// "model.tar.gz" holds "model.tar", ".tgz" expands to ".tar", and an
// unknown shape appends ".out".
func streamEntryName(fileName, extension string) string {
	switch extension {
	case ".gz", ".zst", ".lz4":
		return strings.TrimSuffix(fileName, extension)
	case ".tgz":
		return strings.TrimSuffix(fileName, extension) + ".tar"
	}
	return fileName + ".out"
}

// admitEntry enforces the per-archive entry-count cap. On overflow it
// records one failed child carrying the limit error and tells the
// caller to stop expanding.
func (a *ArchiveAtomizer) admitEntry(b *Builder, source atom.SourceMetadata, name string, entries *int) bool {
	if *entries >= a.maxChildSources {
		b.ChildError(source.ChildOf(name, 0), &atom.ResourceLimitError{
			Resource: "child sources",
			Limit:    int64(a.maxChildSources),
			Actual:   int64(*entries + 1),
			Source:   source.FileName,
		})
		return false
	}
	*entries++
	return true
}

// readEntry reads one entry's decompressed bytes, failing with
// ResourceLimitError when they exceed the per-entry cap.
func (a *ArchiveAtomizer) readEntry(r io.Reader, source atom.SourceMetadata, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, a.maxEntryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("extracting %q: %w", name, err)
	}
	if int64(len(data)) > a.maxEntryBytes {
		return nil, &atom.ResourceLimitError{
			Resource: "entry bytes",
			Limit:    a.maxEntryBytes,
			Actual:   int64(len(data)),
			Source:   name,
		}
	}
	return data, nil
}

// addEntry emits the archive-entry atom and queues the child source.
// The atom's hash input is the entry's content, so it equals the
// content hash of the child's own root atom.
func (a *ArchiveAtomizer) addEntry(b *Builder, source atom.SourceMetadata, name string, data []byte) error {
	metadata, _ := atom.EncodeMetadata(map[string]any{
		"entry_name": name,
		"size_bytes": len(data),
	})
	if _, err := b.Add(Spec{
		Subtype:       atom.SubtypeArchiveEntry,
		HashInput:     data,
		CanonicalText: name,
		Metadata:      metadata,
		Position:      name,
	}); err != nil {
		return err
	}
	b.AddChild(source.ChildOf(name, int64(len(data))), data)
	return nil
}
