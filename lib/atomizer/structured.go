// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/granule-foundation/granule/lib/atom"
)

// StructuredAtomizer decomposes JSON, YAML, and XML documents into
// tree-node atoms mirroring the document tree. Each node's content
// hash covers the canonical encoding of its entire subtree, so an
// identical subtree in two documents deduplicates to one atom. The
// node's Value carries the canonical encoding when it fits in 64
// bytes; larger scalars are chunked under the node.
//
// Position strings are paths: "$.servers[0].host" for JSON/YAML,
// "/config/server[1]" for XML. Invalid documents are a structural
// violation and abort with atom.ParseError; ".jsonc" sources are
// stripped of comments and trailing commas before parsing.
type StructuredAtomizer struct{}

// NewStructuredAtomizer creates the structured-document atomizer.
func NewStructuredAtomizer() *StructuredAtomizer {
	return &StructuredAtomizer{}
}

func (s *StructuredAtomizer) Name() string  { return "structured" }
func (s *StructuredAtomizer) Priority() int { return 40 }

func (s *StructuredAtomizer) CanHandle(contentType, extension string) bool {
	switch contentType {
	case "application/json", "text/json", "application/x-yaml",
		"application/yaml", "text/yaml", "application/xml", "text/xml":
		return true
	}
	switch extension {
	case ".json", ".jsonc", ".yaml", ".yml", ".xml":
		return true
	}
	return false
}

func (s *StructuredAtomizer) Atomize(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	format := structuredFormat(source)

	b := NewBuilder(content, source, atom.ModalityDocument, summarize(source, format+" document"))
	if len(bytes.TrimSpace(content)) == 0 {
		return b.Finish(s.Name(), format), nil
	}

	var (
		value any
		err   error
	)
	switch format {
	case "yaml":
		err = yaml.Unmarshal(content, &value)
		if err != nil {
			return nil, atom.WrapParseError("yaml", "decoding document", err)
		}
		value = normalizeYAML(value)
	case "xml":
		root, parseErr := parseXMLTree(content)
		if parseErr != nil {
			return nil, atom.WrapParseError("xml", "decoding document", parseErr)
		}
		if err := addXMLNode(ctx, b, atom.Hash{}, root, "/"+root.name); err != nil {
			return nil, err
		}
		return b.Finish(s.Name(), format), nil
	default:
		payload := content
		if source.Extension() == ".jsonc" {
			payload = jsonc.ToJSON(content)
		}
		decoder := json.NewDecoder(bytes.NewReader(payload))
		decoder.UseNumber()
		if err = decoder.Decode(&value); err != nil {
			return nil, atom.WrapParseError("json", "decoding document", err)
		}
		// Trailing non-whitespace after the first value is malformed.
		if err = decoder.Decode(new(any)); err != io.EOF {
			return nil, atom.NewParseError("json", "trailing data after document")
		}
	}

	if err := addTreeNode(ctx, b, atom.Hash{}, value, "$"); err != nil {
		return nil, err
	}
	return b.Finish(s.Name(), format), nil
}

func structuredFormat(source atom.SourceMetadata) string {
	switch source.Extension() {
	case ".yaml", ".yml":
		return "yaml"
	case ".xml":
		return "xml"
	case ".json", ".jsonc":
		return "json"
	}
	switch source.ContentType {
	case "application/x-yaml", "application/yaml", "text/yaml":
		return "yaml"
	case "application/xml", "text/xml":
		return "xml"
	}
	return "json"
}

// addTreeNode emits one tree-node atom for value and recurses into
// its children. The node's hash input is the canonical encoding of
// the whole subtree, so identical subtrees share an atom.
func addTreeNode(ctx context.Context, b *Builder, parent atom.Hash, value any, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	canonical, err := canonicalEncode(value)
	if err != nil {
		return fmt.Errorf("encoding canonical form of %s: %w", path, err)
	}

	spec := Spec{
		Parent:      parent,
		Position:    path,
		Subtype:     atom.SubtypeTreeNode,
		ContentType: "application/json",
		HashInput:   canonical,
		Metadata:    treeNodeMetadata(value),
	}
	if len(canonical) <= atom.MaxValueSize {
		spec.Value = canonical
		spec.CanonicalText = string(canonical)
	} else {
		spec.CanonicalText = treeNodeSummary(value)
	}

	hash, err := b.Add(spec)
	if err != nil {
		return err
	}

	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := addTreeNode(ctx, b, hash, v[k], path+"."+k); err != nil {
				return err
			}
		}
	case []any:
		for i, elem := range v {
			if err := addTreeNode(ctx, b, hash, elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	default:
		// Scalar too large for one atom: preserve the full canonical
		// text as chunks under the node.
		if len(canonical) > atom.MaxValueSize {
			_, err := b.AddChunked(Spec{
				Parent:      hash,
				Subtype:     atom.SubtypeTreeNode,
				ContentType: "application/json",
				Value:       canonical,
				Textual:     true,
			}, func(offset int) string {
				return fmt.Sprintf("%s@%d", path, offset)
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// canonicalEncode renders a parsed value as deterministic JSON:
// object keys sorted, no insignificant whitespace. encoding/json
// already sorts map keys and json.Number round-trips numeric text.
func canonicalEncode(value any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func treeNodeMetadata(value any) string {
	kind := "null"
	extra := map[string]any{}
	switch v := value.(type) {
	case map[string]any:
		kind = "object"
		extra["size"] = len(v)
	case []any:
		kind = "array"
		extra["size"] = len(v)
	case string:
		kind = "string"
	case json.Number:
		kind = "number"
	case float64, int, int64:
		kind = "number"
	case bool:
		kind = "boolean"
	}
	extra["kind"] = kind
	metadata, _ := atom.EncodeMetadata(extra)
	return metadata
}

func treeNodeSummary(value any) string {
	switch v := value.(type) {
	case map[string]any:
		return fmt.Sprintf("object with %d keys", len(v))
	case []any:
		return fmt.Sprintf("array with %d elements", len(v))
	case string:
		return fmt.Sprintf("string of %d bytes", len(v))
	}
	return ""
}

// normalizeYAML rewrites yaml.v3's decoded forms into the JSON-shaped
// tree the generic walker expects: map keys become strings and nested
// maps are normalized recursively.
func normalizeYAML(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = normalizeYAML(elem)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[fmt.Sprint(k)] = normalizeYAML(elem)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = normalizeYAML(elem)
		}
		return out
	default:
		return v
	}
}

// xmlElement is one element of a parsed XML document.
type xmlElement struct {
	name     string
	attrs    []xml.Attr
	text     string
	children []*xmlElement
}

// parseXMLTree decodes an XML document into an element tree. Character
// data directly inside an element is concatenated into its text.
func parseXMLTree(content []byte) (*xmlElement, error) {
	decoder := xml.NewDecoder(bytes.NewReader(content))
	var stack []*xmlElement
	var root *xmlElement

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			element := &xmlElement{name: t.Name.Local, attrs: t.Attr}
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				top.children = append(top.children, element)
			} else if root != nil {
				return nil, fmt.Errorf("multiple root elements")
			} else {
				root = element
			}
			stack = append(stack, element)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("unmatched end element %q", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text += string(t)
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("no root element")
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("unclosed element %q", stack[len(stack)-1].name)
	}
	return root, nil
}

// addXMLNode emits a tree-node atom per element. The hash input is a
// minimal canonical serialization of the subtree.
func addXMLNode(ctx context.Context, b *Builder, parent atom.Hash, element *xmlElement, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	canonical := canonicalXML(element)
	extra := map[string]any{"element": element.name}
	for _, attr := range element.attrs {
		extra["attr."+attr.Name.Local] = attr.Value
	}
	metadata, _ := atom.EncodeMetadata(extra)

	text := strings.TrimSpace(element.text)
	spec := Spec{
		Parent:      parent,
		Position:    path,
		Subtype:     atom.SubtypeTreeNode,
		ContentType: "application/xml",
		HashInput:   canonical,
		Metadata:    metadata,
	}
	if len(text) > 0 && len(text) <= atom.MaxValueSize {
		spec.Value = []byte(text)
		spec.CanonicalText = text
	} else if len(text) > atom.MaxValueSize {
		spec.CanonicalText = fmt.Sprintf("element <%s> with %d bytes of text", element.name, len(text))
	} else {
		spec.CanonicalText = fmt.Sprintf("element <%s> with %d children", element.name, len(element.children))
	}

	hash, err := b.Add(spec)
	if err != nil {
		return err
	}

	if len(text) > atom.MaxValueSize {
		_, err := b.AddChunked(Spec{
			Parent:      hash,
			Subtype:     atom.SubtypeTreeNode,
			ContentType: "application/xml",
			Value:       []byte(text),
			Textual:     true,
		}, func(offset int) string {
			return fmt.Sprintf("%s/text()@%d", path, offset)
		})
		if err != nil {
			return err
		}
	}

	position := make(map[string]int)
	for _, child := range element.children {
		position[child.name]++
		childPath := fmt.Sprintf("%s/%s[%d]", path, child.name, position[child.name])
		if err := addXMLNode(ctx, b, hash, child, childPath); err != nil {
			return err
		}
	}
	return nil
}

// canonicalXML serializes an element subtree deterministically:
// attributes sorted by name, trimmed text, no insignificant
// whitespace between elements.
func canonicalXML(element *xmlElement) []byte {
	var buf bytes.Buffer
	writeCanonicalXML(&buf, element)
	return buf.Bytes()
}

func writeCanonicalXML(buf *bytes.Buffer, element *xmlElement) {
	attrs := make([]xml.Attr, len(element.attrs))
	copy(attrs, element.attrs)
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name.Local < attrs[j].Name.Local })

	buf.WriteByte('<')
	buf.WriteString(element.name)
	for _, attr := range attrs {
		fmt.Fprintf(buf, " %s=%q", attr.Name.Local, attr.Value)
	}
	buf.WriteByte('>')
	if text := strings.TrimSpace(element.text); text != "" {
		xml.EscapeText(buf, []byte(text))
	}
	for _, child := range element.children {
		writeCanonicalXML(buf, child)
	}
	buf.WriteString("</" + element.name + ">")
}
