// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"

	"github.com/granule-foundation/granule/lib/atom"
)

// CodeAtomizer decomposes source code into structural atoms: import
// statements, function declarations, class-like declarations, and
// comments. Lexing is language-aware through chroma's lexer registry,
// so one atomizer covers every language chroma knows.
//
// Never hard-fails: when no lexer matches or tokenization errors, the
// source degrades to sentence atoms with a warning.
type CodeAtomizer struct{}

// NewCodeAtomizer creates the source-code atomizer.
func NewCodeAtomizer() *CodeAtomizer {
	return &CodeAtomizer{}
}

func (c *CodeAtomizer) Name() string  { return "code" }
func (c *CodeAtomizer) Priority() int { return 35 }

func (c *CodeAtomizer) CanHandle(contentType, extension string) bool {
	if strings.HasPrefix(contentType, "text/x-") ||
		contentType == "application/javascript" ||
		contentType == "application/typescript" ||
		strings.HasPrefix(contentType, "application/x-") && strings.Contains(contentType, "script") {
		return true
	}
	if extension == "" {
		return false
	}
	// chroma's plaintext lexer claims *.txt; prose belongs to the
	// text atomizer.
	lexer := lexers.Match("file" + extension)
	return lexer != nil && lexer.Config().Name != "plaintext"
}

// declaration keywords that introduce a named function or type. The
// chroma token stream marks them Keyword or KeywordDeclaration
// depending on the language.
var (
	functionKeywords = map[string]bool{
		"func": true, "def": true, "function": true, "fn": true, "sub": true,
	}
	classKeywords = map[string]bool{
		"class": true, "struct": true, "interface": true, "trait": true,
		"enum": true, "impl": true,
	}
)

func (c *CodeAtomizer) Atomize(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	b := NewBuilder(content, source, atom.ModalityCode, summarize(source, "source code"))

	lexer := lexers.Match(source.FileName)
	if lexer == nil {
		lexer = lexers.Match("file" + source.Extension())
	}
	if lexer != nil && lexer.Config().Name == "plaintext" {
		lexer = nil
	}
	if lexer == nil {
		b.Warn("no lexer for %q, degrading to sentence segmentation", source.FileName)
		if err := addSentenceAtoms(ctx, b, content, "text/plain"); err != nil {
			return nil, err
		}
		return b.Finish(c.Name(), "code"), nil
	}
	lexer = chroma.Coalesce(lexer)
	language := lexer.Config().Name

	iterator, err := lexer.Tokenise(nil, string(content))
	if err != nil {
		b.Warn("tokenizing as %s: %v, degrading to sentence segmentation", language, err)
		if err := addSentenceAtoms(ctx, b, content, "text/plain"); err != nil {
			return nil, err
		}
		return b.Finish(c.Name(), "code"), nil
	}
	tokens := iterator.Tokens()
	lines := strings.Split(string(content), "\n")

	line, column := 1, 1
	lastImportLine := 0
	lastDeclLine := 0

	for i, token := range tokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tokenLine, tokenColumn := line, column

		switch {
		case token.Type.InCategory(chroma.Comment) && token.Type != chroma.CommentPreproc:
			text := strings.TrimSpace(token.Value)
			if text != "" {
				_, err := b.AddChunked(Spec{
					Subtype:     atom.SubtypeComment,
					ContentType: source.ContentType,
					Value:       []byte(text),
					Metadata:    languageMetadata(language),
					Textual:     true,
				}, tokenPosition(tokenLine, tokenColumn))
				if err != nil {
					return nil, err
				}
			}

		case token.Type == chroma.KeywordNamespace && tokenLine != lastImportLine:
			lastImportLine = tokenLine
			statement := trimmedLine(lines, tokenLine)
			if statement != "" {
				_, err := b.AddChunked(Spec{
					Subtype:     atom.SubtypeImport,
					ContentType: source.ContentType,
					Value:       []byte(statement),
					Metadata:    languageMetadata(language),
					Textual:     true,
				}, tokenPosition(tokenLine, tokenColumn))
				if err != nil {
					return nil, err
				}
			}

		case isDeclarationKeyword(token) && tokenLine != lastDeclLine:
			keyword := strings.TrimSpace(token.Value)
			subtype := atom.SubtypeFunction
			if classKeywords[keyword] {
				subtype = atom.SubtypeClass
			}
			name := declaredName(tokens[i+1:])
			if name != "" {
				lastDeclLine = tokenLine
				metadata, _ := atom.EncodeMetadata(map[string]any{
					"language": language,
					"name":     name,
				})
				_, err := b.AddChunked(Spec{
					Subtype:     subtype,
					ContentType: source.ContentType,
					Value:       []byte(trimmedLine(lines, tokenLine)),
					Metadata:    metadata,
					Textual:     true,
				}, tokenPosition(tokenLine, tokenColumn))
				if err != nil {
					return nil, err
				}
			}
		}

		line, column = advancePosition(line, column, token.Value)
	}
	return b.Finish(c.Name(), "code"), nil
}

func isDeclarationKeyword(token chroma.Token) bool {
	if token.Type != chroma.Keyword && token.Type != chroma.KeywordDeclaration {
		return false
	}
	keyword := strings.TrimSpace(token.Value)
	return functionKeywords[keyword] || classKeywords[keyword]
}

// declaredName scans forward for the first identifier token after a
// declaration keyword, giving up at the first newline or punctuation
// that ends the declaration head.
func declaredName(rest []chroma.Token) string {
	for _, token := range rest {
		if strings.ContainsRune(token.Value, '\n') && strings.TrimSpace(token.Value) == "" {
			return ""
		}
		switch {
		case token.Type.InCategory(chroma.Name):
			name := strings.TrimSpace(token.Value)
			if name != "" {
				return name
			}
		case token.Type.InCategory(chroma.Punctuation) && strings.Contains(token.Value, "{"):
			return ""
		case token.Type == chroma.Text || token.Type == chroma.TextWhitespace:
			// Skip whitespace between keyword and name.
		case token.Type.InCategory(chroma.Operator):
			// Receiver parens, generics markers; keep scanning.
		case token.Type.InCategory(chroma.Keyword):
			// "pub fn", "static def": keep scanning.
		default:
			return ""
		}
	}
	return ""
}

func trimmedLine(lines []string, line int) string {
	if line < 1 || line > len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[line-1])
}

func tokenPosition(line, column int) func(int) string {
	return func(int) string {
		return fmt.Sprintf("%d:%d", line, column)
	}
}

func languageMetadata(language string) string {
	metadata, _ := atom.EncodeMetadata(map[string]any{"language": language})
	return metadata
}

// advancePosition walks a token's text and returns the line and
// column immediately after it. Columns are 1-based bytes.
func advancePosition(line, column int, text string) (int, int) {
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			line++
			column = 1
		} else {
			column++
		}
	}
	return line, column
}
