// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/granule-foundation/granule/lib/atom"
)

func encodeTestPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestImagePNG(t *testing.T) {
	content := encodeTestPNG(t, 4, 4)
	result, err := NewImageAtomizer(Enrichment{}).Atomize(context.Background(), content, testSource("img.png", "image/png", len(content)))
	if err != nil {
		t.Fatal(err)
	}

	blocks := atomsOfSubtype(result, atom.SubtypePixelBlock)
	if len(blocks) == 0 {
		t.Fatal("no pixel-block atoms")
	}
	var total int
	for _, block := range blocks {
		total += len(block.Value)
		if len(block.Value) > atom.MaxValueSize {
			t.Errorf("pixel block is %d bytes", len(block.Value))
		}
	}
	if total != len(content) {
		t.Errorf("pixel blocks cover %d bytes, want %d", total, len(content))
	}
	if len(result.Info.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Info.Warnings)
	}
}

func TestImageMagicOnlySucceeds(t *testing.T) {
	// A payload that is nothing but the PNG signature: the header
	// probe fails, but magic validation passes and the content still
	// chunks.
	content := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	result, err := NewImageAtomizer(Enrichment{}).Atomize(context.Background(), content, testSource("stub.png", "image/png", len(content)))
	if err != nil {
		t.Fatal(err)
	}
	if blocks := atomsOfSubtype(result, atom.SubtypePixelBlock); len(blocks) < 1 {
		t.Error("want at least one pixel-block atom")
	}
	if len(result.Info.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Info.Warnings)
	}
}

func TestImageBadMagicIsParseError(t *testing.T) {
	content := []byte("definitely not an image")
	_, err := NewImageAtomizer(Enrichment{}).Atomize(context.Background(), content, testSource("fake.png", "image/png", len(content)))
	var parseErr *atom.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

type staticOCR struct{ text string }

func (s staticOCR) ExtractText(ctx context.Context, image []byte) (string, error) {
	return s.text, nil
}

type failingOCR struct{}

func (failingOCR) ExtractText(ctx context.Context, image []byte) (string, error) {
	return "", fmt.Errorf("service unavailable")
}

type staticDetector struct{ objects []DetectedObject }

func (s staticDetector) DetectObjects(ctx context.Context, image []byte) ([]DetectedObject, error) {
	return s.objects, nil
}

func TestImageEnrichmentAtoms(t *testing.T) {
	content := encodeTestPNG(t, 2, 2)
	enrichment := Enrichment{
		OCR:     staticOCR{text: "STOP"},
		Objects: staticDetector{objects: []DetectedObject{{Label: "sign", Confidence: 0.9}}},
	}
	result, err := NewImageAtomizer(enrichment).Atomize(context.Background(), content, testSource("sign.png", "image/png", len(content)))
	if err != nil {
		t.Fatal(err)
	}

	ocr := atomsOfSubtype(result, atom.SubtypeOCRText)
	if len(ocr) != 1 || ocr[0].CanonicalText != "STOP" {
		t.Errorf("OCR atoms = %v", ocr)
	}
	labels := atomsOfSubtype(result, atom.SubtypeObjectLabel)
	if len(labels) != 1 || labels[0].CanonicalText != "sign" {
		t.Errorf("object label atoms = %v", labels)
	}
	if len(result.Info.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Info.Warnings)
	}
}

func TestImageEnrichmentFailureIsWarning(t *testing.T) {
	content := encodeTestPNG(t, 2, 2)
	result, err := NewImageAtomizer(Enrichment{OCR: failingOCR{}}).Atomize(context.Background(), content, testSource("x.png", "image/png", len(content)))
	if err != nil {
		t.Fatalf("enrichment failure must not abort: %v", err)
	}
	if len(result.Info.Warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(result.Info.Warnings))
	}
	if blocks := atomsOfSubtype(result, atom.SubtypePixelBlock); len(blocks) == 0 {
		t.Error("pixel blocks missing despite enrichment failure")
	}
}

func TestImagePixelPositionMapping(t *testing.T) {
	if got := pixelPosition(0, 10, 10, 0); got != "(0,0,0,0)" {
		t.Errorf("pixelPosition(0) = %q", got)
	}
	if got := pixelPosition(25, 10, 10, 2); got != "(5,2,0,2)" {
		t.Errorf("pixelPosition(25) = %q", got)
	}
	if got := pixelPosition(64, 0, 0, 0); got != "offset=64" {
		t.Errorf("pixelPosition without dimensions = %q", got)
	}
}
