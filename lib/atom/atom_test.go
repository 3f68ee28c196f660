// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atom

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"
)

func TestHashContentDeterministic(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, 1024),
	}
	for _, input := range inputs {
		first := HashContent(input)
		second := HashContent(input)
		if first != second {
			t.Errorf("HashContent(%d bytes) not deterministic", len(input))
		}
		if first != sha256.Sum256(input) {
			t.Errorf("HashContent(%d bytes) is not SHA-256", len(input))
		}
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	input := []byte("the quick brown fox")
	first := FingerprintContent(input)
	second := FingerprintContent(input)
	if first != second {
		t.Error("FingerprintContent not deterministic")
	}

	// Bytes 0-31 must be the SHA-256 content hash.
	contentHash := HashContent(input)
	if !bytes.Equal(first[:32], contentHash[:]) {
		t.Error("fingerprint prefix does not match content hash")
	}

	// The tag half must not simply repeat the hash half.
	if bytes.Equal(first[:32], first[32:]) {
		t.Error("fingerprint tag equals content hash; keyed tag missing")
	}
}

func TestFingerprintDistinguishesInputs(t *testing.T) {
	a := FingerprintContent([]byte("input a"))
	b := FingerprintContent([]byte("input b"))
	if a == b {
		t.Error("distinct inputs produced equal fingerprints")
	}
}

func TestParseHashRoundTrip(t *testing.T) {
	original := HashContent([]byte("round trip"))
	parsed, err := ParseHash(FormatHash(original))
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if parsed != original {
		t.Error("hash did not survive format/parse round trip")
	}
}

func TestParseHashRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"zz",
		"abcd",                 // too short
		FormatHash(Hash{})[2:], // 62 hex chars
	}
	for _, input := range cases {
		if _, err := ParseHash(input); err == nil {
			t.Errorf("ParseHash(%q) accepted invalid input", input)
		}
	}
}

func TestShortRef(t *testing.T) {
	hash := HashContent([]byte("ref"))
	ref := ShortRef(hash)
	if len(ref) != len("atom-")+12 {
		t.Errorf("ShortRef length = %d, want %d", len(ref), len("atom-")+12)
	}
	if ref[:5] != "atom-" {
		t.Errorf("ShortRef prefix = %q, want %q", ref[:5], "atom-")
	}
}

func TestAtomValidate(t *testing.T) {
	valid := Atom{
		Value:       bytes.Repeat([]byte{1}, MaxValueSize),
		ContentHash: HashContent([]byte("x")),
		Modality:    ModalityBinary,
		Subtype:     SubtypeByteChunk,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid atom rejected: %v", err)
	}

	oversized := valid
	oversized.Value = bytes.Repeat([]byte{1}, MaxValueSize+1)
	if err := oversized.Validate(); err == nil {
		t.Error("oversized atom accepted")
	}

	noModality := valid
	noModality.Modality = ""
	if err := noModality.Validate(); err == nil {
		t.Error("atom without modality accepted")
	}
}

func TestSourceMetadataExtension(t *testing.T) {
	cases := []struct {
		fileName string
		want     string
	}{
		{"report.TXT", ".txt"},
		{"model.gguf", ".gguf"},
		{"archive.tar.gz", ".gz"},
		{"README", ""},
	}
	for _, c := range cases {
		source := SourceMetadata{FileName: c.fileName}
		if got := source.Extension(); got != c.want {
			t.Errorf("Extension(%q) = %q, want %q", c.fileName, got, c.want)
		}
	}
}

func TestChildOf(t *testing.T) {
	parent := SourceMetadata{
		FileName:    "bundle.zip",
		SourceURI:   "uploads/bundle.zip",
		SourceType:  "upload",
		ContentType: "application/zip",
		SizeBytes:   4096,
		TenantID:    "tenant-1",
	}

	child := parent.ChildOf("inner/file1.txt", 123)
	if child.FileName != "inner/file1.txt" {
		t.Errorf("child FileName = %q", child.FileName)
	}
	if child.SourceURI != "uploads/bundle.zip!/inner/file1.txt" {
		t.Errorf("child SourceURI = %q", child.SourceURI)
	}
	if child.SizeBytes != 123 {
		t.Errorf("child SizeBytes = %d", child.SizeBytes)
	}
	if child.ContentType != "" {
		t.Errorf("child ContentType = %q, want empty (re-detected on dispatch)", child.ContentType)
	}
	if child.TenantID != parent.TenantID || child.SourceType != parent.SourceType {
		t.Error("tenant/source type not propagated unchanged")
	}
}

func TestMergeMetadata(t *testing.T) {
	cases := []struct {
		name        string
		base, extra string
		want        string
		wantErr     bool
	}{
		{name: "both empty", base: "", extra: "", want: ""},
		{name: "base only", base: `{"a":1}`, extra: "", want: `{"a":1}`},
		{name: "extra wins", base: `{"a":1,"b":2}`, extra: `{"b":3}`, want: `{"a":1,"b":3}`},
		{name: "sorted keys", base: `{"z":1}`, extra: `{"a":2}`, want: `{"a":2,"z":1}`},
		{name: "invalid base", base: `{broken`, extra: "", wantErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := MergeMetadata(c.base, c.extra)
			if c.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("MergeMetadata: %v", err)
			}
			if got != c.want {
				t.Errorf("MergeMetadata = %q, want %q", got, c.want)
			}
		})
	}
}

func BenchmarkHashContent(b *testing.B) {
	sizes := []struct {
		name string
		size int
	}{
		{"64B", MaxValueSize},
		{"4KB", 4 * 1024},
		{"64KB", 64 * 1024},
		{"1MB", 1024 * 1024},
	}
	for _, s := range sizes {
		input := bytes.Repeat([]byte{0x5A}, s.size)
		b.Run("size="+s.name, func(b *testing.B) {
			b.SetBytes(int64(s.size))
			b.ReportAllocs()
			for b.Loop() {
				HashContent(input)
			}
		})
	}
}

func BenchmarkFingerprintContent(b *testing.B) {
	input := bytes.Repeat([]byte{0x5A}, 64*1024)
	b.SetBytes(int64(len(input)))
	b.ReportAllocs()
	for b.Loop() {
		FingerprintContent(input)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	var parseErr *ParseError
	wrapped := fmt.Errorf("atomizing source: %w", NewParseError("gguf", "invalid magic"))
	if !errors.As(wrapped, &parseErr) {
		t.Fatal("errors.As failed to find ParseError through wrapping")
	}
	if parseErr.Format != "gguf" {
		t.Errorf("ParseError.Format = %q", parseErr.Format)
	}

	var limitErr *ResourceLimitError
	wrapped = fmt.Errorf("expanding archive: %w", &ResourceLimitError{
		Resource: "decompressed bytes",
		Limit:    100,
		Actual:   200,
		Source:   "bomb.zip!/inner",
	})
	if !errors.As(wrapped, &limitErr) {
		t.Fatal("errors.As failed to find ResourceLimitError through wrapping")
	}
}
