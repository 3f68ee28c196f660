// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/granule-foundation/granule/lib/atom"
)

// GGUFAtomizer decomposes GGUF model files (llama.cpp weight format,
// versions 2 and 3) into model-kv atoms for the metadata table,
// tensor atoms for each tensor descriptor, and 64-byte tensor-data
// chunks sliced from the aligned data region.
//
// The round trip is semantic: metadata and tensor layout are fully
// recoverable, tensor bytes are recoverable per tensor in chunk
// order. Bad magic, an unsupported version, or a truncated header
// aborts with atom.ParseError.
type GGUFAtomizer struct{}

// NewGGUFAtomizer creates the GGUF atomizer.
func NewGGUFAtomizer() *GGUFAtomizer {
	return &GGUFAtomizer{}
}

func (g *GGUFAtomizer) Name() string  { return "gguf" }
func (g *GGUFAtomizer) Priority() int { return 60 }

func (g *GGUFAtomizer) CanHandle(contentType, extension string) bool {
	return contentType == "application/x-gguf" || extension == ".gguf"
}

// GGUF metadata value types.
const (
	ggufTypeUint8   = 0
	ggufTypeInt8    = 1
	ggufTypeUint16  = 2
	ggufTypeInt16   = 3
	ggufTypeUint32  = 4
	ggufTypeInt32   = 5
	ggufTypeFloat32 = 6
	ggufTypeBool    = 7
	ggufTypeString  = 8
	ggufTypeArray   = 9
	ggufTypeUint64  = 10
	ggufTypeInt64   = 11
	ggufTypeFloat64 = 12
)

const ggufDefaultAlignment = 32

// ggufReader is a little-endian cursor over the file. Every read
// checks bounds; a short file surfaces as an error rather than a
// panic.
type ggufReader struct {
	data []byte
	pos  int
}

func (r *ggufReader) remaining() int { return len(r.data) - r.pos }

func (r *ggufReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("need %d bytes at offset %d, have %d", n, r.pos, r.remaining())
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *ggufReader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *ggufReader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *ggufReader) string() (string, error) {
	length, err := r.uint64()
	if err != nil {
		return "", err
	}
	if length > uint64(r.remaining()) {
		return "", fmt.Errorf("string of %d bytes at offset %d exceeds remaining %d", length, r.pos, r.remaining())
	}
	b, err := r.bytes(int(length))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// scalarSize returns the encoded size of a fixed-width value type, or
// 0 for strings and arrays.
func ggufScalarSize(valueType uint32) int {
	switch valueType {
	case ggufTypeUint8, ggufTypeInt8, ggufTypeBool:
		return 1
	case ggufTypeUint16, ggufTypeInt16:
		return 2
	case ggufTypeUint32, ggufTypeInt32, ggufTypeFloat32:
		return 4
	case ggufTypeUint64, ggufTypeInt64, ggufTypeFloat64:
		return 8
	}
	return 0
}

// value reads one metadata value and renders it as display text.
// Large arrays render as a preview plus element count so a tokenizer
// vocabulary does not explode the atom stream.
func (r *ggufReader) value(valueType uint32) (string, error) {
	switch valueType {
	case ggufTypeString:
		return r.string()
	case ggufTypeArray:
		elemType, err := r.uint32()
		if err != nil {
			return "", err
		}
		count, err := r.uint64()
		if err != nil {
			return "", err
		}
		const preview = 8
		var elems []string
		for i := uint64(0); i < count; i++ {
			elem, err := r.value(elemType)
			if err != nil {
				return "", fmt.Errorf("array element %d: %w", i, err)
			}
			if i < preview {
				elems = append(elems, elem)
			}
		}
		rendered := "[" + strings.Join(elems, ", ")
		if count > preview {
			rendered += fmt.Sprintf(", … %d total", count)
		}
		return rendered + "]", nil
	default:
		size := ggufScalarSize(valueType)
		if size == 0 {
			return "", fmt.Errorf("unknown value type %d", valueType)
		}
		raw, err := r.bytes(size)
		if err != nil {
			return "", err
		}
		return renderGGUFScalar(valueType, raw), nil
	}
}

func renderGGUFScalar(valueType uint32, raw []byte) string {
	switch valueType {
	case ggufTypeUint8:
		return fmt.Sprintf("%d", raw[0])
	case ggufTypeInt8:
		return fmt.Sprintf("%d", int8(raw[0]))
	case ggufTypeBool:
		if raw[0] != 0 {
			return "true"
		}
		return "false"
	case ggufTypeUint16:
		return fmt.Sprintf("%d", binary.LittleEndian.Uint16(raw))
	case ggufTypeInt16:
		return fmt.Sprintf("%d", int16(binary.LittleEndian.Uint16(raw)))
	case ggufTypeUint32:
		return fmt.Sprintf("%d", binary.LittleEndian.Uint32(raw))
	case ggufTypeInt32:
		return fmt.Sprintf("%d", int32(binary.LittleEndian.Uint32(raw)))
	case ggufTypeFloat32:
		return fmt.Sprintf("%g", math.Float32frombits(binary.LittleEndian.Uint32(raw)))
	case ggufTypeUint64:
		return fmt.Sprintf("%d", binary.LittleEndian.Uint64(raw))
	case ggufTypeInt64:
		return fmt.Sprintf("%d", int64(binary.LittleEndian.Uint64(raw)))
	case ggufTypeFloat64:
		return fmt.Sprintf("%g", math.Float64frombits(binary.LittleEndian.Uint64(raw)))
	}
	return ""
}

// ggufTensorInfo is one entry of the tensor descriptor table.
type ggufTensorInfo struct {
	name       string
	dims       []uint64
	tensorType uint32
	offset     uint64
}

func (g *GGUFAtomizer) Atomize(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	if len(content) == 0 {
		b := NewBuilder(content, source, atom.ModalityModel, summarize(source, "gguf model"))
		return b.Finish(g.Name(), "gguf"), nil
	}
	if len(content) < 4 || string(content[0:4]) != "GGUF" {
		return nil, atom.NewParseError("gguf", "missing GGUF magic")
	}
	r := &ggufReader{data: content, pos: 4}

	version, err := r.uint32()
	if err != nil {
		return nil, atom.WrapParseError("gguf", "reading version", err)
	}
	if version != 2 && version != 3 {
		return nil, atom.NewParseError("gguf", fmt.Sprintf("unsupported version %d", version))
	}
	tensorCount, err := r.uint64()
	if err != nil {
		return nil, atom.WrapParseError("gguf", "reading tensor count", err)
	}
	kvCount, err := r.uint64()
	if err != nil {
		return nil, atom.WrapParseError("gguf", "reading metadata count", err)
	}

	b := NewBuilder(content, source, atom.ModalityModel,
		summarize(source, fmt.Sprintf("gguf v%d model, %d tensors", version, tensorCount)))

	alignment := uint64(ggufDefaultAlignment)
	for i := uint64(0); i < kvCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, err := r.string()
		if err != nil {
			return nil, atom.WrapParseError("gguf", fmt.Sprintf("reading metadata key %d", i), err)
		}
		valueType, err := r.uint32()
		if err != nil {
			return nil, atom.WrapParseError("gguf", fmt.Sprintf("reading type of %q", key), err)
		}
		rendered, err := r.value(valueType)
		if err != nil {
			return nil, atom.WrapParseError("gguf", fmt.Sprintf("reading value of %q", key), err)
		}
		if key == "general.alignment" {
			if parsed, ok := parseUint(rendered); ok && parsed > 0 {
				alignment = parsed
			}
		}

		metadata, _ := atom.EncodeMetadata(map[string]any{"key": key, "type": valueType})
		entry := key + "=" + rendered
		if _, err := b.AddChunked(Spec{
			Subtype:     atom.SubtypeModelKV,
			ContentType: "application/x-gguf",
			Value:       []byte(entry),
			Metadata:    metadata,
			Textual:     true,
		}, func(int) string { return key }); err != nil {
			return nil, err
		}
	}

	infos := make([]ggufTensorInfo, 0, tensorCount)
	for i := uint64(0); i < tensorCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := readGGUFTensorInfo(r)
		if err != nil {
			return nil, atom.WrapParseError("gguf", fmt.Sprintf("reading tensor descriptor %d", i), err)
		}
		infos = append(infos, info)
	}

	// Tensor data region begins at the next alignment boundary after
	// the descriptor table; per-tensor offsets are relative to it.
	dataStart := (uint64(r.pos) + alignment - 1) / alignment * alignment
	region := []byte{}
	if dataStart < uint64(len(content)) {
		region = content[dataStart:]
	}

	ordered := make([]ggufTensorInfo, len(infos))
	copy(ordered, infos)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].offset < ordered[j].offset })

	for i, info := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := uint64(len(region))
		if i+1 < len(ordered) && ordered[i+1].offset < end {
			end = ordered[i+1].offset
		}
		var data []byte
		if info.offset < uint64(len(region)) {
			data = region[info.offset:end]
		} else {
			b.Warn("tensor %q data missing: offset %d beyond the %d-byte data region",
				info.name, info.offset, len(region))
		}

		dims := make([]string, len(info.dims))
		for j, d := range info.dims {
			dims[j] = fmt.Sprintf("%d", d)
		}
		metadata, _ := atom.EncodeMetadata(map[string]any{
			"dims":       strings.Join(dims, "x"),
			"type":       info.tensorType,
			"size_bytes": len(data),
		})
		tensorSpec := Spec{
			Subtype:       atom.SubtypeTensor,
			ContentType:   "application/x-gguf",
			HashInput:     data,
			CanonicalText: fmt.Sprintf("tensor %s [%s]", info.name, strings.Join(dims, "x")),
			Metadata:      metadata,
			Position:      info.name,
		}
		// Data that fits in one atom is carried inline: a lone chunk
		// would hash the same bytes as the tensor atom and compose the
		// tensor onto itself.
		if len(data) <= atom.MaxValueSize {
			tensorSpec.Value = data
		}
		tensorHash, err := b.Add(tensorSpec)
		if err != nil {
			return nil, err
		}

		if len(data) > atom.MaxValueSize {
			name := info.name
			if _, err := b.AddChunked(Spec{
				Parent:      tensorHash,
				Subtype:     atom.SubtypeTensorData,
				ContentType: "application/x-gguf",
				Value:       data,
			}, func(offset int) string {
				return fmt.Sprintf("%s[%d]", name, offset)
			}); err != nil {
				return nil, err
			}
		}
	}

	return b.Finish(g.Name(), fmt.Sprintf("gguf-v%d", version)), nil
}

func readGGUFTensorInfo(r *ggufReader) (ggufTensorInfo, error) {
	var info ggufTensorInfo
	var err error
	if info.name, err = r.string(); err != nil {
		return info, err
	}
	nDims, err := r.uint32()
	if err != nil {
		return info, err
	}
	if nDims > 8 {
		return info, fmt.Errorf("tensor %q declares %d dimensions", info.name, nDims)
	}
	for i := uint32(0); i < nDims; i++ {
		dim, err := r.uint64()
		if err != nil {
			return info, err
		}
		info.dims = append(info.dims, dim)
	}
	if info.tensorType, err = r.uint32(); err != nil {
		return info, err
	}
	if info.offset, err = r.uint64(); err != nil {
		return info, err
	}
	return info, nil
}

func parseUint(s string) (uint64, bool) {
	var out uint64
	if _, err := fmt.Sscanf(s, "%d", &out); err != nil {
		return 0, false
	}
	return out, true
}
