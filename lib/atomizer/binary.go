// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"context"
	"fmt"

	"github.com/granule-foundation/granule/lib/atom"
)

// BinaryAtomizer is the universal fallback: it splits any payload into
// 64-byte byte-chunk atoms. Registered at the lowest priority so it
// only handles sources no format-aware atomizer claims.
//
// Concatenating the chunk values in SequenceIndex order reproduces the
// input bit-for-bit.
type BinaryAtomizer struct{}

// NewBinaryAtomizer creates the fallback atomizer.
func NewBinaryAtomizer() *BinaryAtomizer {
	return &BinaryAtomizer{}
}

func (ba *BinaryAtomizer) Name() string  { return "binary" }
func (ba *BinaryAtomizer) Priority() int { return 1 }

// CanHandle accepts everything.
func (ba *BinaryAtomizer) CanHandle(contentType, extension string) bool {
	return true
}

func (ba *BinaryAtomizer) Atomize(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	b := NewBuilder(content, source, atom.ModalityBinary, summarize(source, "opaque binary"))

	contentType := source.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	for offset := 0; offset < len(content); offset += atom.MaxValueSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := offset + atom.MaxValueSize
		if end > len(content) {
			end = len(content)
		}
		if _, err := b.Add(Spec{
			Subtype:     atom.SubtypeByteChunk,
			ContentType: contentType,
			Value:       content[offset:end],
			Position:    fmt.Sprintf("offset=%d", offset),
		}); err != nil {
			return nil, err
		}
	}
	return b.Finish(ba.Name(), "binary"), nil
}
