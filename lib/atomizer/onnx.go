// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/granule-foundation/granule/lib/atom"
)

// ONNXAtomizer decomposes ONNX model files with a direct protowire
// walk of the ModelProto message: producer and version fields and
// metadata_props become model-kv atoms, each graph node becomes a
// graph-node atom, and each initializer tensor becomes a tensor atom
// with its raw data chunked beneath it.
//
// Walking the wire format directly avoids carrying generated ONNX
// bindings for the handful of fields this needs. Bytes that do not
// parse as a protobuf message abort with atom.ParseError.
type ONNXAtomizer struct{}

// NewONNXAtomizer creates the ONNX atomizer.
func NewONNXAtomizer() *ONNXAtomizer {
	return &ONNXAtomizer{}
}

func (o *ONNXAtomizer) Name() string  { return "onnx" }
func (o *ONNXAtomizer) Priority() int { return 60 }

func (o *ONNXAtomizer) CanHandle(contentType, extension string) bool {
	return contentType == "application/x-onnx" || extension == ".onnx"
}

// ModelProto field numbers.
const (
	onnxModelIRVersion       = 1
	onnxModelProducerName    = 2
	onnxModelProducerVersion = 3
	onnxModelDomain          = 4
	onnxModelVersion         = 5
	onnxModelGraph           = 7
	onnxModelMetadataProps   = 14
)

// GraphProto field numbers.
const (
	onnxGraphNode        = 1
	onnxGraphName        = 2
	onnxGraphInitializer = 5
)

// NodeProto field numbers.
const (
	onnxNodeName   = 3
	onnxNodeOpType = 4
)

// TensorProto field numbers.
const (
	onnxTensorDims     = 1
	onnxTensorDataType = 2
	onnxTensorName     = 8
	onnxTensorRawData  = 9
)

// StringStringEntryProto field numbers.
const (
	onnxEntryKey   = 1
	onnxEntryValue = 2
)

// protoField is one decoded field of a protobuf message.
type protoField struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// walkMessage decodes a protobuf message's fields in wire order,
// calling visit for each. Unknown fields are skipped, malformed wire
// data returns an error.
func walkMessage(buf []byte, visit func(protoField) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]

		field := protoField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			field.varint = v
			buf = buf[n:]
		case protowire.Fixed32Type:
			_, n := protowire.ConsumeFixed32(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]
		case protowire.Fixed64Type:
			_, n := protowire.ConsumeFixed64(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			field.bytes = v
			buf = buf[n:]
		default:
			return fmt.Errorf("unsupported wire type %d for field %d", typ, num)
		}

		if err := visit(field); err != nil {
			return err
		}
	}
	return nil
}

func (o *ONNXAtomizer) Atomize(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	if len(content) == 0 {
		b := NewBuilder(content, source, atom.ModalityModel, summarize(source, "onnx model"))
		return b.Finish(o.Name(), "onnx"), nil
	}

	b := NewBuilder(content, source, atom.ModalityModel, summarize(source, "onnx model"))

	err := walkMessage(content, func(field protoField) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch field.num {
		case onnxModelIRVersion:
			return o.addKV(b, "ir_version", fmt.Sprintf("%d", field.varint))
		case onnxModelVersion:
			return o.addKV(b, "model_version", fmt.Sprintf("%d", field.varint))
		case onnxModelProducerName:
			return o.addKV(b, "producer_name", string(field.bytes))
		case onnxModelProducerVersion:
			return o.addKV(b, "producer_version", string(field.bytes))
		case onnxModelDomain:
			return o.addKV(b, "domain", string(field.bytes))
		case onnxModelMetadataProps:
			key, value, err := decodeStringEntry(field.bytes)
			if err != nil {
				return fmt.Errorf("decoding metadata_props: %w", err)
			}
			return o.addKV(b, key, value)
		case onnxModelGraph:
			return o.addGraph(ctx, b, field.bytes)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, atom.WrapParseError("onnx", "walking ModelProto", err)
	}

	return b.Finish(o.Name(), "onnx"), nil
}

func (o *ONNXAtomizer) addKV(b *Builder, key, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	metadata, _ := atom.EncodeMetadata(map[string]any{"key": key})
	_, err := b.AddChunked(Spec{
		Subtype:     atom.SubtypeModelKV,
		ContentType: "application/x-onnx",
		Value:       []byte(key + "=" + value),
		Metadata:    metadata,
		Textual:     true,
	}, func(int) string { return key })
	return err
}

// addGraph walks a GraphProto, emitting one graph-node atom per node
// and one tensor atom (plus data chunks) per initializer.
func (o *ONNXAtomizer) addGraph(ctx context.Context, b *Builder, graph []byte) error {
	nodeIndex := 0
	return walkMessage(graph, func(field protoField) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch field.num {
		case onnxGraphName:
			return o.addKV(b, "graph_name", string(field.bytes))
		case onnxGraphNode:
			index := nodeIndex
			nodeIndex++
			return o.addNode(b, field.bytes, index)
		case onnxGraphInitializer:
			return o.addInitializer(ctx, b, field.bytes)
		}
		return nil
	})
}

func (o *ONNXAtomizer) addNode(b *Builder, node []byte, index int) error {
	var name, opType string
	err := walkMessage(node, func(field protoField) error {
		switch field.num {
		case onnxNodeName:
			name = string(field.bytes)
		case onnxNodeOpType:
			opType = string(field.bytes)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("decoding node %d: %w", index, err)
	}

	display := opType
	if name != "" {
		display = name + ":" + opType
	}
	metadata, _ := atom.EncodeMetadata(map[string]any{
		"name":    name,
		"op_type": opType,
	})
	_, err = b.AddChunked(Spec{
		Subtype:     atom.SubtypeGraphNode,
		ContentType: "application/x-onnx",
		Value:       []byte(display),
		Metadata:    metadata,
		Textual:     true,
	}, func(int) string { return fmt.Sprintf("node=%d", index) })
	return err
}

func (o *ONNXAtomizer) addInitializer(ctx context.Context, b *Builder, tensor []byte) error {
	var (
		name    string
		dims    []string
		rawData []byte
		dtype   uint64
	)
	err := walkMessage(tensor, func(field protoField) error {
		switch field.num {
		case onnxTensorName:
			name = string(field.bytes)
		case onnxTensorDims:
			switch field.typ {
			case protowire.VarintType:
				dims = append(dims, fmt.Sprintf("%d", field.varint))
			case protowire.BytesType:
				// Packed encoding.
				packed := field.bytes
				for len(packed) > 0 {
					v, n := protowire.ConsumeVarint(packed)
					if n < 0 {
						return protowire.ParseError(n)
					}
					dims = append(dims, fmt.Sprintf("%d", v))
					packed = packed[n:]
				}
			}
		case onnxTensorDataType:
			dtype = field.varint
		case onnxTensorRawData:
			rawData = field.bytes
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("decoding initializer %q: %w", name, err)
	}

	shape := strings.Join(dims, "x")
	metadata, _ := atom.EncodeMetadata(map[string]any{
		"data_type":  dtype,
		"shape":      shape,
		"size_bytes": len(rawData),
	})
	tensorSpec := Spec{
		Subtype:       atom.SubtypeTensor,
		ContentType:   "application/x-onnx",
		HashInput:     rawData,
		CanonicalText: fmt.Sprintf("tensor %s [%s]", name, shape),
		Metadata:      metadata,
		Position:      name,
	}
	// Data that fits in one atom is carried inline: a lone chunk
	// would hash the same bytes as the tensor atom and compose the
	// tensor onto itself.
	if len(rawData) <= atom.MaxValueSize {
		tensorSpec.Value = rawData
	}
	tensorHash, err := b.Add(tensorSpec)
	if err != nil {
		return err
	}
	if len(rawData) <= atom.MaxValueSize {
		return nil
	}

	tensorName := name
	_, err = b.AddChunked(Spec{
		Parent:      tensorHash,
		Subtype:     atom.SubtypeTensorData,
		ContentType: "application/x-onnx",
		Value:       rawData,
	}, func(offset int) string {
		return fmt.Sprintf("%s[%d]", tensorName, offset)
	})
	return err
}

// decodeStringEntry decodes a StringStringEntryProto.
func decodeStringEntry(entry []byte) (key, value string, err error) {
	err = walkMessage(entry, func(field protoField) error {
		switch field.num {
		case onnxEntryKey:
			key = string(field.bytes)
		case onnxEntryValue:
			value = string(field.bytes)
		}
		return nil
	})
	return key, value, err
}
