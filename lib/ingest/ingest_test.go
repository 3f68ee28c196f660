// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/granule-foundation/granule/lib/atom"
	"github.com/granule-foundation/granule/lib/atomizer"
	"github.com/granule-foundation/granule/lib/config"
)

func testPipeline(cfg *config.Config) *Pipeline {
	return New(atomizer.DefaultRegistry(atomizer.Options{
		MaxEntryBytes:   cfg.MaxEntryBytes,
		MaxChildSources: cfg.MaxChildSources,
	}), cfg, nil)
}

func testSource(name, contentType string, size int) atom.SourceMetadata {
	return atom.SourceMetadata{FileName: name, ContentType: contentType, SizeBytes: int64(size)}
}

func encodeZip(t *testing.T, entries map[string][]byte) []byte {
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

func TestIngestPlainText(t *testing.T) {
	content := []byte("One sentence. Another sentence.")
	result, err := testPipeline(config.Default()).Ingest(context.Background(),
		content, testSource("note.txt", "text/plain", len(content)))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(result.Results))
	}
	if len(result.Failures) != 0 {
		t.Fatalf("unexpected failures: %v", result.Failures)
	}
	if result.TotalAtoms < 3 {
		t.Errorf("TotalAtoms = %d, want root + 2 sentences", result.TotalAtoms)
	}
}

func TestIngestRecursesIntoArchives(t *testing.T) {
	content := encodeZip(t, map[string][]byte{
		"readme.txt": []byte("Hello from inside."),
	})
	result, err := testPipeline(config.Default()).Ingest(context.Background(),
		content, testSource("bundle.zip", "application/zip", len(content)))
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Results) != 2 {
		t.Fatalf("got %d results, want archive + child", len(result.Results))
	}
	var archive, child *SourceResult
	for i := range result.Results {
		switch result.Results[i].Depth {
		case 0:
			archive = &result.Results[i]
		case 1:
			child = &result.Results[i]
		}
	}
	if archive == nil || child == nil {
		t.Fatal("missing archive or child result")
	}

	// The archive's entry atom and the child's root atom share a
	// content hash, which is what links the trees together.
	var linked bool
	for _, a := range archive.Result.Atoms {
		if a.Subtype == atom.SubtypeArchiveEntry && a.ContentHash == child.Result.Root {
			linked = true
		}
	}
	if !linked {
		t.Error("archive entry atom does not link to the child root")
	}
}

func TestIngestDepthLimit(t *testing.T) {
	inner := encodeZip(t, map[string][]byte{"deep.txt": []byte("bottom")})
	outer := encodeZip(t, map[string][]byte{"inner.zip": inner})

	cfg := config.Default()
	cfg.MaxDepth = 1
	result, err := testPipeline(cfg).Ingest(context.Background(),
		outer, testSource("outer.zip", "application/zip", len(outer)))
	if err != nil {
		t.Fatal(err)
	}

	// outer (depth 0) and inner.zip (depth 1) atomize; deep.txt would
	// be depth 2 and must be refused.
	if len(result.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(result.Results))
	}
	if len(result.Failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(result.Failures))
	}
	var limitErr *atom.ResourceLimitError
	if !errors.As(result.Failures[0].Err, &limitErr) {
		t.Fatalf("failure %T is not a ResourceLimitError", result.Failures[0].Err)
	}
	if limitErr.Resource != "recursion depth" {
		t.Errorf("limit resource = %q", limitErr.Resource)
	}
}

func TestIngestDecompressionCeiling(t *testing.T) {
	big := bytes.Repeat([]byte("A"), 4096)
	content := encodeZip(t, map[string][]byte{"big.txt": big})

	cfg := config.Default()
	cfg.MaxDecompressedBytes = 1024
	result, err := testPipeline(cfg).Ingest(context.Background(),
		content, testSource("b.zip", "application/zip", len(content)))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(result.Failures))
	}
	var limitErr *atom.ResourceLimitError
	if !errors.As(result.Failures[0].Err, &limitErr) {
		t.Fatalf("failure %T is not a ResourceLimitError", result.Failures[0].Err)
	}
	if limitErr.Resource != "decompressed bytes" {
		t.Errorf("limit resource = %q", limitErr.Resource)
	}
}

func TestIngestChildFailurePreservesSiblings(t *testing.T) {
	content := encodeZip(t, map[string][]byte{
		"good.txt": []byte("This one works."),
		"bad.json": []byte(`{"broken":`),
	})
	result, err := testPipeline(config.Default()).Ingest(context.Background(),
		content, testSource("mixed.zip", "application/zip", len(content)))
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Results) != 2 {
		t.Fatalf("got %d results, want archive + good child", len(result.Results))
	}
	if len(result.Failures) != 1 {
		t.Fatalf("got %d failures, want 1 for the broken child", len(result.Failures))
	}
	var parseErr *atom.ParseError
	if !errors.As(result.Failures[0].Err, &parseErr) {
		t.Errorf("failure %T is not a ParseError", result.Failures[0].Err)
	}
	if result.Failures[0].Source.FileName != "bad.json" {
		t.Errorf("failure recorded against %q", result.Failures[0].Source.FileName)
	}
}

func TestIngestAllMergesSources(t *testing.T) {
	a := []byte("First file sentence.")
	b := []byte("Second file sentence.")
	inputs := []Input{
		{Content: a, Source: testSource("a.txt", "text/plain", len(a))},
		{Content: b, Source: testSource("b.txt", "text/plain", len(b))},
	}

	result, err := testPipeline(config.Default()).IngestAll(context.Background(), inputs)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(result.Results))
	}
	if result.TotalAtoms == 0 || result.UniqueAtoms == 0 {
		t.Error("merged counters not populated")
	}
	if result.UniqueAtoms > result.TotalAtoms {
		t.Error("unique exceeds total")
	}
}

func TestIngestAllIsolatesFailures(t *testing.T) {
	good := []byte("Fine text.")
	inputs := []Input{
		{Content: good, Source: testSource("ok.txt", "text/plain", len(good))},
		{Content: []byte(`{"nope":`), Source: testSource("bad.json", "application/json", 9)},
	}
	result, err := testPipeline(config.Default()).IngestAll(context.Background(), inputs)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Results) != 1 || len(result.Failures) != 1 {
		t.Errorf("results=%d failures=%d, want 1 and 1", len(result.Results), len(result.Failures))
	}
}

// captureStore records flushed atoms and compositions.
type captureStore struct {
	atoms        []atom.Atom
	compositions []atom.Composition
}

func (c *captureStore) UpsertAtoms(ctx context.Context, atoms []atom.Atom) error {
	c.atoms = append(c.atoms, atoms...)
	return nil
}

func (c *captureStore) PutCompositions(ctx context.Context, compositions []atom.Composition) error {
	c.compositions = append(c.compositions, compositions...)
	return nil
}

func TestFlush(t *testing.T) {
	content := []byte("Persist me. Please.")
	pipeline := testPipeline(config.Default())
	result, err := pipeline.Ingest(context.Background(), content, testSource("p.txt", "text/plain", len(content)))
	if err != nil {
		t.Fatal(err)
	}

	store := &captureStore{}
	if err := pipeline.Flush(context.Background(), result, store); err != nil {
		t.Fatal(err)
	}
	if len(store.atoms) != result.TotalAtoms {
		t.Errorf("flushed %d atoms, result counted %d", len(store.atoms), result.TotalAtoms)
	}
	if len(store.compositions) == 0 {
		t.Error("no compositions flushed")
	}
}

func TestIngestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	content := []byte("Never processed.")
	_, err := testPipeline(config.Default()).Ingest(ctx, content, testSource("c.txt", "text/plain", len(content)))
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
