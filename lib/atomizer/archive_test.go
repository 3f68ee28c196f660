// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/granule-foundation/granule/lib/atom"
)

func encodeTestZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range entries {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestArchiveAtomizer() *ArchiveAtomizer {
	return NewArchiveAtomizer(defaultMaxEntryBytes, defaultMaxChildSources)
}

func TestArchiveZipTwoEntries(t *testing.T) {
	readme := []byte("Read me first.")
	config := []byte(`{"port":1}`)
	content := encodeTestZip(t, map[string][]byte{
		"readme.txt":  readme,
		"config.json": config,
	})

	result, err := newTestArchiveAtomizer().Atomize(context.Background(), content, testSource("bundle.zip", "application/zip", len(content)))
	if err != nil {
		t.Fatal(err)
	}

	entries := atomsOfSubtype(result, atom.SubtypeArchiveEntry)
	if len(entries) != 2 {
		t.Fatalf("got %d entry atoms, want 2", len(entries))
	}
	if len(result.ChildSources) != 2 {
		t.Fatalf("got %d child sources, want 2", len(result.ChildSources))
	}

	// The entry atom's hash equals the hash of the child's content,
	// which is what the child's own root atom will carry.
	for _, child := range result.ChildSources {
		if child.Err != nil {
			t.Fatalf("unexpected child error: %v", child.Err)
		}
		found := false
		for _, entry := range entries {
			if entry.ContentHash == atom.HashContent(child.Content) {
				found = true
			}
		}
		if !found {
			t.Errorf("no entry atom matches child %q", child.Source.FileName)
		}
	}
}

func TestArchiveChildSourceNames(t *testing.T) {
	content := encodeTestZip(t, map[string][]byte{"inner.txt": []byte("x")})
	result, err := newTestArchiveAtomizer().Atomize(context.Background(), content, testSource("outer.zip", "application/zip", len(content)))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.ChildSources) != 1 {
		t.Fatal("want one child")
	}
	child := result.ChildSources[0].Source
	if child.FileName != "inner.txt" {
		t.Errorf("child file name = %q", child.FileName)
	}
	if child.SourceURI != "outer.zip!/inner.txt" {
		t.Errorf("child source URI = %q", child.SourceURI)
	}
	if child.SizeBytes != 1 {
		t.Errorf("child size = %d, want 1", child.SizeBytes)
	}
}

func TestArchiveEmptyZip(t *testing.T) {
	content := encodeTestZip(t, nil)
	result, err := newTestArchiveAtomizer().Atomize(context.Background(), content, testSource("empty.zip", "application/zip", len(content)))
	if err != nil {
		t.Fatalf("empty archive must not fail: %v", err)
	}
	if got := contentAtoms(result); len(got) != 0 {
		t.Errorf("empty archive produced %d content atoms", len(got))
	}
	if len(result.ChildSources) != 0 {
		t.Errorf("empty archive produced %d children", len(result.ChildSources))
	}
}

func TestArchiveCorruptZipIsParseError(t *testing.T) {
	content := []byte("PK\x03\x04 but the rest is garbage")
	_, err := newTestArchiveAtomizer().Atomize(context.Background(), content, testSource("bad.zip", "application/zip", len(content)))
	var parseErr *atom.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestArchiveEntryByteCap(t *testing.T) {
	big := bytes.Repeat([]byte("A"), 100)
	content := encodeTestZip(t, map[string][]byte{
		"big.bin":   big,
		"small.bin": []byte("ok"),
	})

	capped := NewArchiveAtomizer(50, defaultMaxChildSources)
	result, err := capped.Atomize(context.Background(), content, testSource("b.zip", "application/zip", len(content)))
	if err != nil {
		t.Fatalf("per-entry overflow must not abort the archive: %v", err)
	}

	var failed, succeeded int
	for _, child := range result.ChildSources {
		if child.Err != nil {
			var limitErr *atom.ResourceLimitError
			if !errors.As(child.Err, &limitErr) {
				t.Errorf("child error %T is not a ResourceLimitError", child.Err)
			}
			failed++
		} else {
			succeeded++
		}
	}
	if failed != 1 || succeeded != 1 {
		t.Errorf("failed=%d succeeded=%d, want 1 and 1", failed, succeeded)
	}
}

func TestArchiveChildCountCap(t *testing.T) {
	content := encodeTestZip(t, map[string][]byte{
		"a.txt": []byte("a"),
		"b.txt": []byte("b"),
		"c.txt": []byte("c"),
	})

	capped := NewArchiveAtomizer(defaultMaxEntryBytes, 2)
	result, err := capped.Atomize(context.Background(), content, testSource("c.zip", "application/zip", len(content)))
	if err != nil {
		t.Fatal(err)
	}

	var failed, succeeded int
	for _, child := range result.ChildSources {
		if child.Err != nil {
			failed++
		} else {
			succeeded++
		}
	}
	if succeeded != 2 || failed != 1 {
		t.Errorf("succeeded=%d failed=%d, want 2 and 1", succeeded, failed)
	}
}

func TestArchiveTar(t *testing.T) {
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	body := []byte("tar entry body")
	if err := w.WriteHeader(&tar.Header{Name: "doc.txt", Mode: 0o644, Size: int64(len(body))}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	result, err := newTestArchiveAtomizer().Atomize(context.Background(), buf.Bytes(), testSource("docs.tar", "application/x-tar", buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.ChildSources) != 1 {
		t.Fatalf("got %d children, want 1", len(result.ChildSources))
	}
	if !bytes.Equal(result.ChildSources[0].Content, body) {
		t.Error("tar entry content mismatch")
	}
}

func TestArchiveGzipStream(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte("compressed payload")); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	result, err := newTestArchiveAtomizer().Atomize(context.Background(), buf.Bytes(), testSource("notes.txt.gz", "application/gzip", buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.ChildSources) != 1 {
		t.Fatalf("got %d children, want 1", len(result.ChildSources))
	}
	child := result.ChildSources[0]
	if child.Source.FileName != "notes.txt" {
		t.Errorf("child name = %q", child.Source.FileName)
	}
	if child.Source.SourceURI != "notes.txt.gz!/notes.txt" {
		t.Errorf("child source URI = %q", child.Source.SourceURI)
	}
	if string(child.Content) != "compressed payload" {
		t.Errorf("child content = %q", child.Content)
	}
}

func TestArchiveUnknownMagicIsParseError(t *testing.T) {
	content := []byte("no container here, just text that is long enough")
	_, err := newTestArchiveAtomizer().Atomize(context.Background(), content, testSource("x.zip", "application/zip", len(content)))
	var parseErr *atom.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}
