// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"bytes"
	"context"
	"fmt"
	"image/gif"

	"github.com/granule-foundation/granule/lib/atom"
)

// VideoAtomizer decomposes frame-sequence video into frame atoms,
// each composing the 64-byte pixel-block atoms of its image data.
// Two containers are understood: animated GIF (decoded frame walk,
// position carries the frame index and cumulative timestamp from the
// GIF delay table) and concatenated MJPEG streams (split on the JPEG
// start-of-image marker, each segment chunked encoded).
//
// GIF sources dispatch to the image atomizer by default (same
// priority, earlier registration); declare the content type as
// video/gif to select the frame walk. A payload with neither GIF nor
// JPEG magic aborts with atom.ParseError. GIF integrity is
// container-level: gif.DecodeAll validates the whole animation, so a
// corrupt frame fails the source. MJPEG segments are independent; a
// segment too short to be a JPEG degrades to a warning and remaining
// frames continue.
type VideoAtomizer struct{}

// NewVideoAtomizer creates the video atomizer.
func NewVideoAtomizer() *VideoAtomizer {
	return &VideoAtomizer{}
}

func (v *VideoAtomizer) Name() string  { return "video" }
func (v *VideoAtomizer) Priority() int { return 50 }

func (v *VideoAtomizer) CanHandle(contentType, extension string) bool {
	if contentType == "video/gif" || contentType == "video/mjpeg" ||
		contentType == "video/x-motion-jpeg" {
		return true
	}
	switch extension {
	case ".mjpeg", ".mjpg", ".gif":
		return true
	}
	return false
}

func (v *VideoAtomizer) Atomize(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	if len(content) == 0 {
		b := NewBuilder(content, source, atom.ModalityVideo, summarize(source, "video"))
		return b.Finish(v.Name(), "video"), nil
	}

	switch {
	case bytes.HasPrefix(content, gif87Magic), bytes.HasPrefix(content, gif89Magic):
		return v.atomizeGIF(ctx, content, source)
	case bytes.HasPrefix(content, jpegMagic):
		return v.atomizeMJPEG(ctx, content, source)
	}
	return nil, atom.NewParseError("video", "payload has neither GIF nor JPEG magic")
}

// atomizeGIF walks the decoded frames of an animated GIF. Each frame
// atom's hash covers the frame's paletted pixel data, and its pixel
// blocks slice that data so positions map exactly onto the raster.
func (v *VideoAtomizer) atomizeGIF(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	b := NewBuilder(content, source, atom.ModalityVideo, summarize(source, "animated gif"))

	decoded, err := gif.DecodeAll(bytes.NewReader(content))
	if err != nil {
		return nil, atom.WrapParseError("gif", "decoding animation", err)
	}

	timestampMs := 0
	for index, frame := range decoded.Image {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bounds := frame.Bounds()
		width, height := bounds.Dx(), bounds.Dy()

		metadata, _ := atom.EncodeMetadata(map[string]any{
			"width":        width,
			"height":       height,
			"timestamp_ms": timestampMs,
		})
		frameSpec := Spec{
			Subtype:       atom.SubtypeFrame,
			ContentType:   "image/gif",
			HashInput:     frame.Pix,
			CanonicalText: fmt.Sprintf("frame %d (%dx%d)", index, width, height),
			Metadata:      metadata,
			Position:      fmt.Sprintf("frame=%d,t=%dms", index, timestampMs),
		}
		// A raster that fits in one atom is carried inline: a lone
		// pixel block would hash the same bytes as the frame atom and
		// compose the frame onto itself.
		if len(frame.Pix) <= atom.MaxValueSize {
			frameSpec.Value = frame.Pix
		}
		frameHash, err := b.Add(frameSpec)
		if err != nil {
			return nil, err
		}
		if len(frame.Pix) > atom.MaxValueSize {
			if err := addPixelBlocks(ctx, b, frameHash, frame.Pix, "image/gif", width, height, index); err != nil {
				return nil, err
			}
		}

		if index < len(decoded.Delay) {
			// GIF delays are hundredths of a second.
			timestampMs += decoded.Delay[index] * 10
		}
	}
	return b.Finish(v.Name(), "gif"), nil
}

// atomizeMJPEG splits a concatenated JPEG stream on the start-of-image
// marker. Each segment becomes a frame atom over its encoded bytes.
// No timing information exists in raw MJPEG, so positions carry the
// frame index and byte offset.
func (v *VideoAtomizer) atomizeMJPEG(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	b := NewBuilder(content, source, atom.ModalityVideo, summarize(source, "mjpeg stream"))

	starts := jpegFrameStarts(content)
	for index, start := range starts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := len(content)
		if index+1 < len(starts) {
			end = starts[index+1]
		}
		segment := content[start:end]
		if len(segment) < len(jpegMagic) {
			b.Warn("frame %d is %d bytes, too short to be a JPEG", index, len(segment))
			continue
		}

		metadata, _ := atom.EncodeMetadata(map[string]any{"size_bytes": len(segment)})
		frameSpec := Spec{
			Subtype:       atom.SubtypeFrame,
			ContentType:   "image/jpeg",
			HashInput:     segment,
			CanonicalText: fmt.Sprintf("frame %d (%d bytes)", index, len(segment)),
			Metadata:      metadata,
			Position:      fmt.Sprintf("frame=%d,offset=%d", index, start),
		}
		if len(segment) <= atom.MaxValueSize {
			frameSpec.Value = segment
		}
		frameHash, err := b.Add(frameSpec)
		if err != nil {
			return nil, err
		}
		if len(segment) > atom.MaxValueSize {
			if err := addPixelBlocks(ctx, b, frameHash, segment, "image/jpeg", 0, 0, index); err != nil {
				return nil, err
			}
		}
	}
	return b.Finish(v.Name(), "mjpeg"), nil
}

// jpegFrameStarts returns the offsets of every JPEG start-of-image
// marker in the stream.
func jpegFrameStarts(content []byte) []int {
	var starts []int
	for offset := 0; offset+len(jpegMagic) <= len(content); {
		next := bytes.Index(content[offset:], jpegMagic)
		if next < 0 {
			break
		}
		starts = append(starts, offset+next)
		offset += next + len(jpegMagic)
	}
	return starts
}
