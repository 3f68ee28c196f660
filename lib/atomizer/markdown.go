// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/granule-foundation/granule/lib/atom"
)

// markdownParser is initialized once and reused. The parser
// configuration never changes and the goldmark Parser is safe to
// share — actual parsing creates per-call state via Parse(reader).
var (
	markdownParser     goldmark.Markdown
	markdownParserOnce sync.Once
)

func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParser = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		)
	})
	return markdownParser
}

// MarkdownAtomizer decomposes GFM markdown into structural atoms:
// headings, fenced code blocks, list items, links, and table rows.
// The round trip is semantic, not byte-exact — inline formatting
// markers and blank lines are not preserved. Paragraph prose outside
// any of these structures is segmented into sentence atoms.
//
// Markdown always parses (malformed input is just differently shaped
// markdown), so this atomizer never hard-fails.
type MarkdownAtomizer struct{}

// NewMarkdownAtomizer creates the markdown atomizer.
func NewMarkdownAtomizer() *MarkdownAtomizer {
	return &MarkdownAtomizer{}
}

func (m *MarkdownAtomizer) Name() string  { return "markdown" }
func (m *MarkdownAtomizer) Priority() int { return 45 }

func (m *MarkdownAtomizer) CanHandle(contentType, extension string) bool {
	if contentType == "text/markdown" || contentType == "text/x-markdown" {
		return true
	}
	switch extension {
	case ".md", ".markdown", ".mdown":
		return true
	}
	return false
}

func (m *MarkdownAtomizer) Atomize(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	b := NewBuilder(content, source, atom.ModalityDocument, summarize(source, "markdown document"))
	if len(bytes.TrimSpace(content)) == 0 {
		return b.Finish(m.Name(), "markdown"), nil
	}

	document := getMarkdownParser().Parser().Parse(text.NewReader(content))
	lines := newLineIndex(content)

	var walkErr error
	err := ast.Walk(document, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if err := ctx.Err(); err != nil {
			return ast.WalkStop, err
		}

		switch node := n.(type) {
		case *ast.Heading:
			metadata, _ := atom.EncodeMetadata(map[string]any{"level": node.Level})
			_, walkErr = b.AddChunked(Spec{
				Subtype:     atom.SubtypeHeading,
				ContentType: "text/markdown",
				Value:       []byte(nodeText(node, content)),
				Metadata:    metadata,
				Textual:     true,
			}, linePosition(lines, blockOffset(node)))

		case *ast.FencedCodeBlock:
			metadata := ""
			if language := node.Language(content); len(language) > 0 {
				metadata, _ = atom.EncodeMetadata(map[string]any{"language": string(language)})
			}
			_, walkErr = b.AddChunked(Spec{
				Subtype:     atom.SubtypeCodeBlock,
				ContentType: "text/markdown",
				Value:       blockLines(node, content),
				Metadata:    metadata,
				Textual:     true,
			}, linePosition(lines, blockOffset(node)))
			if walkErr != nil {
				return ast.WalkStop, walkErr
			}
			return ast.WalkSkipChildren, nil

		case *ast.CodeBlock:
			_, walkErr = b.AddChunked(Spec{
				Subtype:     atom.SubtypeCodeBlock,
				ContentType: "text/markdown",
				Value:       blockLines(node, content),
				Textual:     true,
			}, linePosition(lines, blockOffset(node)))
			if walkErr != nil {
				return ast.WalkStop, walkErr
			}
			return ast.WalkSkipChildren, nil

		case *ast.ListItem:
			// Only the item's own inline text; nested sublists emit
			// their own list-item atoms.
			itemText := listItemText(node, content)
			if itemText != "" {
				_, walkErr = b.AddChunked(Spec{
					Subtype:     atom.SubtypeListItem,
					ContentType: "text/markdown",
					Value:       []byte(itemText),
					Textual:     true,
				}, linePosition(lines, blockOffset(node)))
			}

		case *ast.Link:
			metadata, _ := atom.EncodeMetadata(map[string]any{
				"destination": string(node.Destination),
			})
			label := nodeText(node, content)
			if label == "" {
				label = string(node.Destination)
			}
			_, walkErr = b.AddChunked(Spec{
				Subtype:     atom.SubtypeLink,
				ContentType: "text/markdown",
				Value:       []byte(label),
				Metadata:    metadata,
				Textual:     true,
			}, linePosition(lines, blockOffset(node)))
			if walkErr != nil {
				return ast.WalkStop, walkErr
			}
			return ast.WalkSkipChildren, nil

		case *ast.AutoLink:
			url := string(node.URL(content))
			metadata, _ := atom.EncodeMetadata(map[string]any{"destination": url})
			_, walkErr = b.AddChunked(Spec{
				Subtype:     atom.SubtypeLink,
				ContentType: "text/markdown",
				Value:       []byte(url),
				Metadata:    metadata,
				Textual:     true,
			}, nil)
			if walkErr != nil {
				return ast.WalkStop, walkErr
			}
			return ast.WalkSkipChildren, nil

		case *extast.TableRow, *extast.TableHeader:
			row := tableRowText(n, content)
			_, walkErr = b.AddChunked(Spec{
				Subtype:     atom.SubtypeTableRow,
				ContentType: "text/markdown",
				Value:       []byte(row),
				Textual:     true,
			}, linePosition(lines, blockOffset(n)))
			if walkErr != nil {
				return ast.WalkStop, walkErr
			}
			return ast.WalkSkipChildren, nil

		case *ast.Paragraph:
			// Paragraph prose becomes sentence atoms unless the
			// paragraph sits inside a list item (handled above) or
			// contains only a link.
			if _, inItem := node.Parent().(*ast.ListItem); inItem {
				return ast.WalkContinue, nil
			}
			prose := nodeText(node, content)
			if strings.TrimSpace(prose) != "" {
				walkErr = addSentenceAtoms(ctx, b, []byte(prose), "text/markdown")
			}
		}
		if walkErr != nil {
			return ast.WalkStop, walkErr
		}
		return ast.WalkContinue, nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if err != nil {
		return nil, err
	}
	return b.Finish(m.Name(), "markdown"), nil
}

// nodeText collects the plain text of a node and its descendants.
func nodeText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	collectText(n, source, &buf)
	return buf.String()
}

func collectText(n ast.Node, source []byte, buf *bytes.Buffer) {
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		switch t := child.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(t.Value)
		default:
			collectText(child, source, buf)
		}
	}
}

// listItemText collects the text of a list item's direct paragraph
// and text-block children, skipping nested lists.
func listItemText(item *ast.ListItem, source []byte) string {
	var buf bytes.Buffer
	for child := item.FirstChild(); child != nil; child = child.NextSibling() {
		switch child.(type) {
		case *ast.List:
			// Nested items produce their own atoms.
		default:
			collectText(child, source, &buf)
		}
	}
	return strings.TrimSpace(buf.String())
}

// tableRowText joins a row's cell texts with " | ".
func tableRowText(row ast.Node, source []byte) string {
	var cells []string
	for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
		cells = append(cells, strings.TrimSpace(nodeText(cell, source)))
	}
	return strings.Join(cells, " | ")
}

// blockLines concatenates a block node's raw source lines.
func blockLines(n ast.Node, source []byte) []byte {
	var buf bytes.Buffer
	segments := n.Lines()
	for i := 0; i < segments.Len(); i++ {
		seg := segments.At(i)
		buf.Write(seg.Value(source))
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// blockOffset returns the byte offset of a node's first source
// segment, or -1 when the node carries none. Lines is only defined
// for block nodes; inline nodes (links) locate through their first
// text descendant.
func blockOffset(n ast.Node) int {
	if n.Type() != ast.TypeInline {
		if segments := n.Lines(); segments != nil && segments.Len() > 0 {
			return segments.At(0).Start
		}
	}
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		if t, ok := child.(*ast.Text); ok {
			return t.Segment.Start
		}
		if offset := blockOffset(child); offset >= 0 {
			return offset
		}
	}
	return -1
}

// lineIndex maps byte offsets to 1-based line numbers.
type lineIndex []int

func newLineIndex(source []byte) lineIndex {
	starts := lineIndex{0}
	for i, c := range source {
		if c == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

func (l lineIndex) lineOf(offset int) int {
	return sort.Search(len(l), func(i int) bool { return l[i] > offset })
}

// linePosition renders "line=N" positions for chunks of a block that
// starts at the given byte offset. Unknown offsets yield no position.
func linePosition(lines lineIndex, offset int) func(int) string {
	if offset < 0 {
		return nil
	}
	line := lines.lineOf(offset)
	return func(int) string {
		return fmt.Sprintf("line=%d", line)
	}
}
