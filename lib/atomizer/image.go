// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/granule-foundation/granule/lib/atom"
)

// ImageAtomizer decomposes encoded raster images (PNG, JPEG, GIF)
// into 64-byte pixel-block atoms, plus optional enrichment atoms
// (OCR text, object labels, scene description) when the services are
// configured.
//
// The image is never rasterized: pixel-block atoms carry slices of
// the encoded stream, so the round trip is byte-exact over the atom
// values. The header is probed with image.DecodeConfig only to derive
// (x,y,layer,frame) positions; a failed probe silently falls back to
// byte-offset positions. Unrecognized magic bytes are a structural
// violation and abort with atom.ParseError.
type ImageAtomizer struct {
	enrichment Enrichment
}

// NewImageAtomizer creates the image atomizer with the given optional
// enrichment services.
func NewImageAtomizer(enrichment Enrichment) *ImageAtomizer {
	return &ImageAtomizer{enrichment: enrichment}
}

func (im *ImageAtomizer) Name() string  { return "image" }
func (im *ImageAtomizer) Priority() int { return 50 }

func (im *ImageAtomizer) CanHandle(contentType, extension string) bool {
	switch contentType {
	case "image/png", "image/jpeg", "image/gif":
		return true
	}
	if strings.HasPrefix(contentType, "image/") {
		return true
	}
	switch extension {
	case ".png", ".jpg", ".jpeg", ".gif":
		return true
	}
	return false
}

// Image magic prefixes.
var (
	pngMagic   = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	jpegMagic  = []byte{0xFF, 0xD8, 0xFF}
	gif87Magic = []byte("GIF87a")
	gif89Magic = []byte("GIF89a")
)

// detectImageFormat identifies the encoding from magic bytes, or ""
// when no known magic matches.
func detectImageFormat(content []byte) string {
	switch {
	case bytes.HasPrefix(content, pngMagic):
		return "png"
	case bytes.HasPrefix(content, jpegMagic):
		return "jpeg"
	case bytes.HasPrefix(content, gif87Magic), bytes.HasPrefix(content, gif89Magic):
		return "gif"
	}
	return ""
}

func (im *ImageAtomizer) Atomize(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	if len(content) == 0 {
		b := NewBuilder(content, source, atom.ModalityImage, summarize(source, "image"))
		return b.Finish(im.Name(), "image"), nil
	}

	format := detectImageFormat(content)
	if format == "" {
		return nil, atom.NewParseError("image", "unrecognized magic bytes")
	}

	b := NewBuilder(content, source, atom.ModalityImage, summarize(source, format+" image"))

	// Header probe for positional context. Truncated or corrupt data
	// past the magic is fine: positions degrade to byte offsets.
	width, height := 0, 0
	if config, _, err := image.DecodeConfig(bytes.NewReader(content)); err == nil {
		width, height = config.Width, config.Height
	}

	if err := addPixelBlocks(ctx, b, atom.Hash{}, content, "image/"+format, width, height, 0); err != nil {
		return nil, err
	}
	im.enrich(ctx, b, content)
	return b.Finish(im.Name(), format), nil
}

// addPixelBlocks splits an encoded image into 64-byte pixel-block
// atoms under parent. With known dimensions the position maps the
// byte offset onto the raster as (x,y,layer,frame); otherwise it is
// the plain byte offset. Shared with the video atomizer for
// per-frame splitting.
func addPixelBlocks(ctx context.Context, b *Builder, parent atom.Hash, content []byte, contentType string, width, height, frame int) error {
	for offset := 0; offset < len(content); offset += atom.MaxValueSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := offset + atom.MaxValueSize
		if end > len(content) {
			end = len(content)
		}
		if _, err := b.Add(Spec{
			Parent:      parent,
			Subtype:     atom.SubtypePixelBlock,
			ContentType: contentType,
			Value:       content[offset:end],
			Position:    pixelPosition(offset, width, height, frame),
		}); err != nil {
			return err
		}
	}
	return nil
}

func pixelPosition(offset, width, height, frame int) string {
	if width <= 0 || height <= 0 {
		return fmt.Sprintf("offset=%d", offset)
	}
	x := offset % width
	y := (offset / width) % height
	layer := offset / (width * height)
	return fmt.Sprintf("(%d,%d,%d,%d)", x, y, layer, frame)
}

// enrich runs the configured enrichment services. Each failure is a
// warning; enrichment never aborts the result.
func (im *ImageAtomizer) enrich(ctx context.Context, b *Builder, content []byte) {
	if im.enrichment.OCR != nil {
		callCtx, cancel := im.enrichment.callContext(ctx)
		text, err := im.enrichment.OCR.ExtractText(callCtx, content)
		cancel()
		switch {
		case err != nil:
			b.Warn("OCR failed: %v", err)
		case strings.TrimSpace(text) != "":
			if _, err := b.AddChunked(Spec{
				Modality:    atom.ModalityText,
				Subtype:     atom.SubtypeOCRText,
				ContentType: "text/plain",
				Value:       []byte(text),
				Textual:     true,
			}, nil); err != nil {
				b.Warn("recording OCR text: %v", err)
			}
		}
	}

	if im.enrichment.Objects != nil {
		callCtx, cancel := im.enrichment.callContext(ctx)
		objects, err := im.enrichment.Objects.DetectObjects(callCtx, content)
		cancel()
		if err != nil {
			b.Warn("object detection failed: %v", err)
		}
		for _, object := range objects {
			metadata, _ := atom.EncodeMetadata(map[string]any{
				"confidence": object.Confidence,
			})
			if _, err := b.AddChunked(Spec{
				Subtype:     atom.SubtypeObjectLabel,
				ContentType: "text/plain",
				Value:       []byte(object.Label),
				Metadata:    metadata,
				Textual:     true,
			}, nil); err != nil {
				b.Warn("recording object label: %v", err)
			}
		}
	}

	if im.enrichment.Scene != nil {
		callCtx, cancel := im.enrichment.callContext(ctx)
		description, err := im.enrichment.Scene.DescribeScene(callCtx, content)
		cancel()
		switch {
		case err != nil:
			b.Warn("scene description failed: %v", err)
		case strings.TrimSpace(description) != "":
			if _, err := b.AddChunked(Spec{
				Modality:    atom.ModalityText,
				Subtype:     atom.SubtypeSceneDesc,
				ContentType: "text/plain",
				Value:       []byte(description),
				Textual:     true,
			}, nil); err != nil {
				b.Warn("recording scene description: %v", err)
			}
		}
	}
}
