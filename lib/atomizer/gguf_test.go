// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/granule-foundation/granule/lib/atom"
)

// ggufWriter assembles test fixtures in the GGUF wire layout.
type ggufWriter struct{ bytes.Buffer }

func (w *ggufWriter) u32(v uint32) { binary.Write(w, binary.LittleEndian, v) }
func (w *ggufWriter) u64(v uint64) { binary.Write(w, binary.LittleEndian, v) }
func (w *ggufWriter) str(s string) {
	w.u64(uint64(len(s)))
	w.WriteString(s)
}

func encodeTestGGUF(tensorData []byte) []byte {
	return encodeTestGGUFAt(tensorData, 0)
}

// encodeTestGGUFAt places the tensor descriptor at the given region
// offset while writing the data itself at offset 0, so an offset past
// the region end yields a descriptor with no backing bytes.
func encodeTestGGUFAt(tensorData []byte, offset uint64) []byte {
	var w ggufWriter
	w.WriteString("GGUF")
	w.u32(3) // version
	w.u64(1) // tensor count
	w.u64(2) // kv count

	w.str("general.name")
	w.u32(ggufTypeString)
	w.str("tiny-test")

	w.str("general.parameter_count")
	w.u32(ggufTypeUint64)
	w.u64(42)

	// Tensor descriptor: one 1-D tensor.
	w.str("weights")
	w.u32(1) // n_dims
	w.u64(uint64(len(tensorData)))
	w.u32(0) // ggml type f32
	w.u64(offset)

	// Align to the default 32-byte boundary, then the data region.
	for w.Len()%ggufDefaultAlignment != 0 {
		w.WriteByte(0)
	}
	w.Write(tensorData)
	return w.Bytes()
}

func TestGGUFModel(t *testing.T) {
	tensorData := bytes.Repeat([]byte{0x10, 0x20}, 50) // 100 bytes
	content := encodeTestGGUF(tensorData)

	result, err := NewGGUFAtomizer().Atomize(context.Background(), content, testSource("model.gguf", "", len(content)))
	if err != nil {
		t.Fatal(err)
	}

	kvs := atomsOfSubtype(result, atom.SubtypeModelKV)
	if len(kvs) != 2 {
		t.Fatalf("got %d model-kv atoms, want 2", len(kvs))
	}
	if kvs[0].CanonicalText != "general.name=tiny-test" {
		t.Errorf("first kv = %q", kvs[0].CanonicalText)
	}
	if kvs[1].CanonicalText != "general.parameter_count=42" {
		t.Errorf("second kv = %q", kvs[1].CanonicalText)
	}

	tensors := atomsOfSubtype(result, atom.SubtypeTensor)
	if len(tensors) != 1 {
		t.Fatalf("got %d tensor atoms, want 1", len(tensors))
	}
	if !strings.Contains(tensors[0].CanonicalText, "weights") {
		t.Errorf("tensor text = %q", tensors[0].CanonicalText)
	}
	if tensors[0].ContentHash != atom.HashContent(tensorData) {
		t.Error("tensor hash does not cover its data")
	}

	chunks := atomsOfSubtype(result, atom.SubtypeTensorData)
	var reassembled []byte
	for _, chunk := range chunks {
		reassembled = append(reassembled, chunk.Value...)
	}
	if !bytes.Equal(reassembled, tensorData) {
		t.Error("tensor-data chunks do not reproduce the tensor bytes")
	}
}

func TestGGUFSmallTensorInline(t *testing.T) {
	tensorData := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	content := encodeTestGGUF(tensorData)

	result, err := NewGGUFAtomizer().Atomize(context.Background(), content, testSource("model.gguf", "", len(content)))
	if err != nil {
		t.Fatal(err)
	}

	tensors := atomsOfSubtype(result, atom.SubtypeTensor)
	if len(tensors) != 1 {
		t.Fatalf("got %d tensor atoms, want 1", len(tensors))
	}
	if !bytes.Equal(tensors[0].Value, tensorData) {
		t.Error("small tensor does not carry its data inline")
	}
	if chunks := atomsOfSubtype(result, atom.SubtypeTensorData); len(chunks) != 0 {
		t.Errorf("got %d tensor-data chunks for an inline tensor, want 0", len(chunks))
	}
	for _, comp := range result.Compositions {
		if comp.ParentHash == comp.ComponentHash {
			t.Error("composition edge composes an atom onto itself")
		}
	}
}

func TestGGUFTensorOffsetBeyondRegionIsWarning(t *testing.T) {
	content := encodeTestGGUFAt([]byte{1, 2, 3, 4}, 4096)

	result, err := NewGGUFAtomizer().Atomize(context.Background(), content, testSource("model.gguf", "", len(content)))
	if err != nil {
		t.Fatalf("missing tensor data must degrade, not fail: %v", err)
	}
	if len(result.Info.Warnings) != 1 {
		t.Fatalf("got %d warnings, want 1: %v", len(result.Info.Warnings), result.Info.Warnings)
	}
	if !strings.Contains(result.Info.Warnings[0], "weights") {
		t.Errorf("warning %q does not name the tensor", result.Info.Warnings[0])
	}
	if tensors := atomsOfSubtype(result, atom.SubtypeTensor); len(tensors) != 1 {
		t.Errorf("got %d tensor atoms, want 1", len(tensors))
	}
}

func TestGGUFEmptyInput(t *testing.T) {
	result, err := NewGGUFAtomizer().Atomize(context.Background(), nil, testSource("empty.gguf", "", 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Atoms) != 1 {
		t.Errorf("got %d atoms for empty input, want metadata only", len(result.Atoms))
	}
}

func TestGGUFBadMagicIsParseError(t *testing.T) {
	content := []byte("NOTGGUF")
	_, err := NewGGUFAtomizer().Atomize(context.Background(), content, testSource("fake.gguf", "", len(content)))
	var parseErr *atom.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestGGUFUnsupportedVersionIsParseError(t *testing.T) {
	var w ggufWriter
	w.WriteString("GGUF")
	w.u32(1)
	w.u64(0)
	w.u64(0)
	_, err := NewGGUFAtomizer().Atomize(context.Background(), w.Bytes(), testSource("v1.gguf", "", w.Len()))
	var parseErr *atom.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestGGUFTruncatedHeaderIsParseError(t *testing.T) {
	var w ggufWriter
	w.WriteString("GGUF")
	w.u32(3)
	w.u64(0)
	w.u64(5) // declares five kv pairs, provides none
	_, err := NewGGUFAtomizer().Atomize(context.Background(), w.Bytes(), testSource("trunc.gguf", "", w.Len()))
	var parseErr *atom.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}
