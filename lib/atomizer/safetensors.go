// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/granule-foundation/granule/lib/atom"
)

// SafeTensorsAtomizer decomposes SafeTensors weight files: an 8-byte
// little-endian header length, a JSON header mapping tensor names to
// dtype/shape/data_offsets (plus an optional __metadata__ string
// table), and a raw data section the offsets index into.
//
// The __metadata__ table becomes model-kv atoms, each tensor becomes
// a tensor atom with its data chunked beneath it. A malformed header
// aborts with atom.ParseError; tensor offsets pointing past the end
// of the file degrade to warnings.
type SafeTensorsAtomizer struct{}

// NewSafeTensorsAtomizer creates the SafeTensors atomizer.
func NewSafeTensorsAtomizer() *SafeTensorsAtomizer {
	return &SafeTensorsAtomizer{}
}

func (s *SafeTensorsAtomizer) Name() string  { return "safetensors" }
func (s *SafeTensorsAtomizer) Priority() int { return 60 }

func (s *SafeTensorsAtomizer) CanHandle(contentType, extension string) bool {
	return contentType == "application/x-safetensors" || extension == ".safetensors"
}

// safetensorsEntry is one tensor's header record.
type safetensorsEntry struct {
	Dtype       string   `json:"dtype"`
	Shape       []uint64 `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

func (s *SafeTensorsAtomizer) Atomize(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	if len(content) == 0 {
		b := NewBuilder(content, source, atom.ModalityModel, summarize(source, "safetensors model"))
		return b.Finish(s.Name(), "safetensors"), nil
	}
	if len(content) < 8 {
		return nil, atom.NewParseError("safetensors", "file shorter than the 8-byte header length")
	}
	headerLen := binary.LittleEndian.Uint64(content[0:8])
	if headerLen > uint64(len(content)-8) {
		return nil, atom.NewParseError("safetensors",
			fmt.Sprintf("header declares %d bytes but only %d remain", headerLen, len(content)-8))
	}
	headerBytes := content[8 : 8+headerLen]
	data := content[8+headerLen:]

	var header map[string]json.RawMessage
	decoder := json.NewDecoder(bytes.NewReader(headerBytes))
	if err := decoder.Decode(&header); err != nil {
		return nil, atom.WrapParseError("safetensors", "decoding JSON header", err)
	}

	b := NewBuilder(content, source, atom.ModalityModel,
		summarize(source, fmt.Sprintf("safetensors model, %d header entries", len(header))))

	names := make([]string, 0, len(header))
	for name := range header {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if name == "__metadata__" {
			var table map[string]string
			if err := json.Unmarshal(header[name], &table); err != nil {
				return nil, atom.WrapParseError("safetensors", "decoding __metadata__", err)
			}
			keys := make([]string, 0, len(table))
			for key := range table {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				key := key
				metadata, _ := atom.EncodeMetadata(map[string]any{"key": key})
				if _, err := b.AddChunked(Spec{
					Subtype:     atom.SubtypeModelKV,
					ContentType: "application/x-safetensors",
					Value:       []byte(key + "=" + table[key]),
					Metadata:    metadata,
					Textual:     true,
				}, func(int) string { return key }); err != nil {
					return nil, err
				}
			}
			continue
		}

		var entry safetensorsEntry
		if err := json.Unmarshal(header[name], &entry); err != nil {
			return nil, atom.WrapParseError("safetensors",
				fmt.Sprintf("decoding tensor entry %q", name), err)
		}
		begin, end := entry.DataOffsets[0], entry.DataOffsets[1]
		if begin < 0 || end < begin {
			return nil, atom.NewParseError("safetensors",
				fmt.Sprintf("tensor %q has invalid data offsets [%d,%d]", name, begin, end))
		}

		var tensorData []byte
		switch {
		case end <= int64(len(data)):
			tensorData = data[begin:end]
		case begin < int64(len(data)):
			b.Warn("tensor %q data truncated: offsets [%d,%d] but %d data bytes", name, begin, end, len(data))
			tensorData = data[begin:]
		default:
			b.Warn("tensor %q data missing: offsets [%d,%d] but %d data bytes", name, begin, end, len(data))
		}

		shape := make([]string, len(entry.Shape))
		for i, d := range entry.Shape {
			shape[i] = fmt.Sprintf("%d", d)
		}
		metadata, _ := atom.EncodeMetadata(map[string]any{
			"dtype":      entry.Dtype,
			"shape":      strings.Join(shape, "x"),
			"size_bytes": len(tensorData),
		})
		tensorSpec := Spec{
			Subtype:       atom.SubtypeTensor,
			ContentType:   "application/x-safetensors",
			HashInput:     tensorData,
			CanonicalText: fmt.Sprintf("tensor %s %s [%s]", name, entry.Dtype, strings.Join(shape, "x")),
			Metadata:      metadata,
			Position:      name,
		}
		// Data that fits in one atom is carried inline: a lone chunk
		// would hash the same bytes as the tensor atom and compose the
		// tensor onto itself.
		if len(tensorData) <= atom.MaxValueSize {
			tensorSpec.Value = tensorData
		}
		tensorHash, err := b.Add(tensorSpec)
		if err != nil {
			return nil, err
		}

		if len(tensorData) > atom.MaxValueSize {
			name := name
			if _, err := b.AddChunked(Spec{
				Parent:      tensorHash,
				Subtype:     atom.SubtypeTensorData,
				ContentType: "application/x-safetensors",
				Value:       tensorData,
			}, func(offset int) string {
				return fmt.Sprintf("%s[%d]", name, offset)
			}); err != nil {
				return nil, err
			}
		}
	}

	return b.Finish(s.Name(), "safetensors"), nil
}
