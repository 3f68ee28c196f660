// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/granule-foundation/granule/lib/atom"
)

var pdfMagic = []byte("%PDF-")

const docxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// DocumentAtomizer decomposes paginated document formats. PDF pages
// are read through pdfcpu and their content streams scanned for text
// operators; each page's prose becomes sentence atoms carrying the
// page number. DOCX paragraphs are read from word/document.xml inside
// the container: heading-styled paragraphs become heading atoms, the
// rest become sentence atoms.
//
// A payload that is not a valid PDF or DOCX container aborts with
// atom.ParseError. A single unreadable page inside a valid PDF is a
// warning; remaining pages continue.
type DocumentAtomizer struct{}

// NewDocumentAtomizer creates the PDF/DOCX atomizer.
func NewDocumentAtomizer() *DocumentAtomizer {
	return &DocumentAtomizer{}
}

func (d *DocumentAtomizer) Name() string  { return "document" }
func (d *DocumentAtomizer) Priority() int { return 45 }

func (d *DocumentAtomizer) CanHandle(contentType, extension string) bool {
	if contentType == "application/pdf" || contentType == docxContentType {
		return true
	}
	switch extension {
	case ".pdf", ".docx":
		return true
	}
	return false
}

func (d *DocumentAtomizer) Atomize(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	if len(content) == 0 {
		b := NewBuilder(content, source, atom.ModalityDocument, summarize(source, "document"))
		return b.Finish(d.Name(), "document"), nil
	}

	switch {
	case bytes.HasPrefix(content, pdfMagic):
		return d.atomizePDF(ctx, content, source)
	case bytes.HasPrefix(content, zipMagic):
		return d.atomizeDocx(ctx, content, source)
	}
	return nil, atom.NewParseError("document", "payload has neither PDF nor DOCX magic")
}

// atomizePDF walks the document page by page. Page text is recovered
// by scanning the decoded content stream for text-showing operators,
// which covers unencrypted PDFs with literal-string text runs.
func (d *DocumentAtomizer) atomizePDF(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(content), model.NewDefaultConfiguration())
	if err != nil {
		return nil, atom.WrapParseError("pdf", "reading document", err)
	}

	b := NewBuilder(content, source, atom.ModalityDocument,
		summarize(source, fmt.Sprintf("pdf document, %d pages", pdfCtx.PageCount)))

	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		reader, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr)
		if err != nil {
			b.Warn("page %d: extracting content stream: %v", pageNr, err)
			continue
		}
		stream, err := io.ReadAll(reader)
		if err != nil {
			b.Warn("page %d: reading content stream: %v", pageNr, err)
			continue
		}

		pageText := pdfStreamText(stream)
		if pageText == "" {
			continue
		}
		if err := addPageSentences(ctx, b, pageText, "application/pdf", pageNr); err != nil {
			return nil, err
		}
	}
	return b.Finish(d.Name(), "pdf"), nil
}

// addPageSentences segments one page's prose into sentence atoms
// positioned by page number.
func addPageSentences(ctx context.Context, b *Builder, text, contentType string, pageNr int) error {
	metadata, _ := atom.EncodeMetadata(map[string]any{"page": pageNr})
	for _, span := range segmentSentences(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		sentence := strings.TrimSpace(text[span.start:span.end])
		if sentence == "" {
			continue
		}
		if _, err := b.AddChunked(Spec{
			Subtype:     atom.SubtypeSentence,
			ContentType: contentType,
			Value:       []byte(sentence),
			Metadata:    metadata,
			Textual:     true,
		}, func(int) string {
			return fmt.Sprintf("page=%d", pageNr)
		}); err != nil {
			return err
		}
	}
	return nil
}

// pdfTextLiteral matches literal strings in parentheses: (text).
var pdfTextLiteral = regexp.MustCompile(`\(([^)]*)\)`)

// pdfStreamText scans a decoded content stream for the text-showing
// operators Tj, TJ, and ', plus the positioning operators Td/TD/T*
// that separate runs.
func pdfStreamText(stream []byte) string {
	var out strings.Builder
	for _, line := range bytes.Split(stream, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfTextLiteral.FindAllSubmatch(line, -1) {
				out.WriteString(decodePDFEscapes(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range pdfTextLiteral.FindAllSubmatch(line, -1) {
				out.WriteByte('\n')
				out.WriteString(decodePDFEscapes(m[1]))
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if out.Len() > 0 {
				out.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")):
			out.WriteByte('\n')
		}
	}
	return normalizeDocumentText(out.String())
}

// decodePDFEscapes resolves the backslash escapes of a PDF literal
// string, including octal byte escapes.
func decodePDFEscapes(raw []byte) string {
	var out strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 == len(raw) {
			out.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			out.WriteByte('\n')
		case 'r':
			out.WriteByte('\r')
		case 't':
			out.WriteByte('\t')
		case '\\', '(', ')':
			out.WriteByte(raw[i])
		default:
			if raw[i] < '0' || raw[i] > '7' {
				out.WriteByte(raw[i])
				continue
			}
			value := int(raw[i] - '0')
			for digits := 1; digits < 3 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; digits++ {
				i++
				value = value*8 + int(raw[i]-'0')
			}
			out.WriteByte(byte(value))
		}
	}
	return out.String()
}

// normalizeDocumentText collapses runs of whitespace and drops
// non-printable runes.
func normalizeDocumentText(text string) string {
	var out strings.Builder
	pendingSpace := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = out.Len() > 0
		case unicode.IsPrint(r):
			if pendingSpace {
				out.WriteByte(' ')
				pendingSpace = false
			}
			out.WriteRune(r)
		}
	}
	return out.String()
}

// atomizeDocx reads word/document.xml from the DOCX container and
// walks its paragraphs. Style names carrying a heading level produce
// heading atoms; everything else is prose.
func (d *DocumentAtomizer) atomizeDocx(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	archive, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, atom.WrapParseError("docx", "opening container", err)
	}

	var document *zip.File
	for _, f := range archive.File {
		if f.Name == "word/document.xml" {
			document = f
			break
		}
	}
	if document == nil {
		return nil, atom.NewParseError("docx", "container has no word/document.xml")
	}
	rc, err := document.Open()
	if err != nil {
		return nil, atom.WrapParseError("docx", "opening word/document.xml", err)
	}
	defer rc.Close()

	b := NewBuilder(content, source, atom.ModalityDocument, summarize(source, "docx document"))

	decoder := xml.NewDecoder(rc)
	var (
		paragraph   strings.Builder
		inParagraph bool
		style       string
		index       int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			b.Warn("decoding word/document.xml: %v", err)
			break
		}

		switch t := token.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "p":
				inParagraph = true
				paragraph.Reset()
				style = ""
			case t.Name.Local == "pStyle" && inParagraph:
				for _, attr := range t.Attr {
					if attr.Name.Local == "val" {
						style = attr.Value
					}
				}
			}
		case xml.CharData:
			if inParagraph {
				paragraph.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local != "p" || !inParagraph {
				continue
			}
			inParagraph = false
			text := strings.TrimSpace(paragraph.String())
			if text == "" {
				continue
			}
			index++
			if err := addDocxParagraph(ctx, b, text, style, index); err != nil {
				return nil, err
			}
		}
	}
	return b.Finish(d.Name(), "docx"), nil
}

func addDocxParagraph(ctx context.Context, b *Builder, text, style string, index int) error {
	position := func(int) string { return fmt.Sprintf("paragraph=%d", index) }

	if level := docxHeadingLevel(style); level > 0 {
		metadata, _ := atom.EncodeMetadata(map[string]any{"level": level})
		_, err := b.AddChunked(Spec{
			Subtype:     atom.SubtypeHeading,
			ContentType: docxContentType,
			Value:       []byte(text),
			Metadata:    metadata,
			Textual:     true,
		}, position)
		return err
	}

	for _, span := range segmentSentences(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.AddChunked(Spec{
			Subtype:     atom.SubtypeSentence,
			ContentType: docxContentType,
			Value:       []byte(text[span.start:span.end]),
			Textual:     true,
		}, position); err != nil {
			return err
		}
	}
	return nil
}

// docxHeadingLevel maps a paragraph style name to a heading level:
// "Heading1" through "Heading6", plus "Title" and "Subtitle".
func docxHeadingLevel(style string) int {
	lower := strings.ToLower(style)
	switch lower {
	case "title":
		return 1
	case "subtitle":
		return 2
	}
	if rest, ok := strings.CutPrefix(lower, "heading"); ok {
		if len(rest) == 1 && rest[0] >= '1' && rest[0] <= '6' {
			return int(rest[0] - '0')
		}
	}
	return 0
}
