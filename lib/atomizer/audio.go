// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/granule-foundation/granule/lib/atom"
)

// AudioAtomizer decomposes RIFF/WAVE audio into 64-byte sample-buffer
// atoms. The fmt chunk supplies channel count, sample rate, and bit
// depth for the file-metadata atom; sample-buffer positions count
// sample frames so a reader can seek by time.
//
// A missing RIFF/WAVE signature is a structural violation and aborts
// with atom.ParseError. Truncated chunks past a valid header degrade
// to warnings.
type AudioAtomizer struct{}

// NewAudioAtomizer creates the WAV atomizer.
func NewAudioAtomizer() *AudioAtomizer {
	return &AudioAtomizer{}
}

func (a *AudioAtomizer) Name() string  { return "audio" }
func (a *AudioAtomizer) Priority() int { return 50 }

func (a *AudioAtomizer) CanHandle(contentType, extension string) bool {
	switch contentType {
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
		return true
	}
	return extension == ".wav"
}

// wavFormat is the decoded fmt chunk.
type wavFormat struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
	blockAlign    uint16
}

func (a *AudioAtomizer) Atomize(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	if len(content) == 0 {
		b := NewBuilder(content, source, atom.ModalityAudio, summarize(source, "audio"))
		return b.Finish(a.Name(), "wav"), nil
	}
	if len(content) < 12 || !bytes.Equal(content[0:4], []byte("RIFF")) || !bytes.Equal(content[8:12], []byte("WAVE")) {
		return nil, atom.NewParseError("wav", "missing RIFF/WAVE signature")
	}

	b := NewBuilder(content, source, atom.ModalityAudio, summarize(source, "wav audio"))

	var format *wavFormat
	offset := 12
	for offset+8 <= len(content) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunkID := string(content[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(content[offset+4 : offset+8]))
		chunkStart := offset + 8
		chunkEnd := chunkStart + chunkSize
		if chunkEnd > len(content) {
			b.Warn("chunk %q declares %d bytes but only %d remain, truncating",
				chunkID, chunkSize, len(content)-chunkStart)
			chunkEnd = len(content)
		}
		chunk := content[chunkStart:chunkEnd]

		switch chunkID {
		case "fmt ":
			decoded, err := decodeWavFormat(chunk)
			if err != nil {
				b.Warn("decoding fmt chunk: %v", err)
				break
			}
			format = decoded
		case "data":
			if err := addSampleBuffers(ctx, b, chunk, format); err != nil {
				return nil, err
			}
		}

		// Chunks are word-aligned; odd sizes carry a pad byte.
		offset = chunkEnd
		if chunkSize%2 == 1 && offset < len(content) {
			offset++
		}
	}

	return b.Finish(a.Name(), "wav"), nil
}

func decodeWavFormat(chunk []byte) (*wavFormat, error) {
	if len(chunk) < 16 {
		return nil, fmt.Errorf("fmt chunk is %d bytes, need at least 16", len(chunk))
	}
	return &wavFormat{
		audioFormat:   binary.LittleEndian.Uint16(chunk[0:2]),
		channels:      binary.LittleEndian.Uint16(chunk[2:4]),
		sampleRate:    binary.LittleEndian.Uint32(chunk[4:8]),
		blockAlign:    binary.LittleEndian.Uint16(chunk[12:14]),
		bitsPerSample: binary.LittleEndian.Uint16(chunk[14:16]),
	}, nil
}

// addSampleBuffers splits the data chunk into 64-byte sample-buffer
// atoms. Position is the index of the first sample frame in the
// chunk when the fmt chunk supplied a block alignment, byte offset
// otherwise.
func addSampleBuffers(ctx context.Context, b *Builder, data []byte, format *wavFormat) error {
	metadata := ""
	if format != nil {
		metadata, _ = atom.EncodeMetadata(map[string]any{
			"channels":        format.channels,
			"sample_rate":     format.sampleRate,
			"bits_per_sample": format.bitsPerSample,
		})
	}

	for offset := 0; offset < len(data); offset += atom.MaxValueSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := offset + atom.MaxValueSize
		if end > len(data) {
			end = len(data)
		}
		position := fmt.Sprintf("offset=%d", offset)
		if format != nil && format.blockAlign > 0 {
			position = fmt.Sprintf("frame=%d", offset/int(format.blockAlign))
		}
		if _, err := b.Add(Spec{
			Subtype:     atom.SubtypeSampleBuffer,
			ContentType: "audio/wav",
			Value:       data[offset:end],
			Position:    position,
			Metadata:    metadata,
		}); err != nil {
			return err
		}
	}
	return nil
}
