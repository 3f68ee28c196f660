// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/granule-foundation/granule/lib/atom"
)

// TextAtomizer decomposes plain text into sentence atoms.
//
// Sentence boundaries are abbreviation-aware: "Dr. Smith arrived." is
// one sentence, not two. Sentence spans tile the input — every byte,
// including inter-sentence whitespace, belongs to exactly one span —
// so concatenating all chunk values in SequenceIndex order reproduces
// the input bit-for-bit. Position is the byte offset of the chunk in
// the original text.
//
// Never hard-fails: empty or whitespace-only input yields a
// metadata-only result.
type TextAtomizer struct{}

// NewTextAtomizer creates the plain-text atomizer.
func NewTextAtomizer() *TextAtomizer {
	return &TextAtomizer{}
}

func (t *TextAtomizer) Name() string  { return "text" }
func (t *TextAtomizer) Priority() int { return 20 }

func (t *TextAtomizer) CanHandle(contentType, extension string) bool {
	if strings.HasPrefix(contentType, "text/") {
		return true
	}
	switch extension {
	case ".txt", ".text", ".log":
		return true
	}
	return false
}

func (t *TextAtomizer) Atomize(ctx context.Context, content []byte, source atom.SourceMetadata) (*atom.Result, error) {
	b := NewBuilder(content, source, atom.ModalityText, summarize(source, "plain text"))

	if err := addSentenceAtoms(ctx, b, content, source.ContentType); err != nil {
		return nil, err
	}
	return b.Finish(t.Name(), "text"), nil
}

// addSentenceAtoms segments content into sentences and appends one or
// more ≤64-byte sentence atoms per span. Shared with the code
// atomizer's degraded path for unlexable sources.
func addSentenceAtoms(ctx context.Context, b *Builder, content []byte, contentType string) error {
	if len(content) == 0 || len(strings.TrimSpace(string(content))) == 0 {
		return nil
	}
	if contentType == "" {
		contentType = "text/plain"
	}

	for _, span := range segmentSentences(string(content)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := span.start
		_, err := b.AddChunked(Spec{
			Subtype:     atom.SubtypeSentence,
			ContentType: contentType,
			Value:       content[span.start:span.end],
			Textual:     true,
		}, func(offset int) string {
			return fmt.Sprintf("offset=%d", start+offset)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// span is a half-open byte range within the source text.
type span struct {
	start, end int
}

// sentenceTerminators end a sentence when followed by whitespace and
// an upper-case (or end-of-text) continuation.
func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// closingTrail characters may sit between a terminator and the
// whitespace that follows it ("He said \"stop.\" Then...").
func isClosingTrail(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’':
		return true
	}
	return false
}

// abbreviations that end with a period without ending a sentence.
// Lowercased, period-stripped.
var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "rev": {},
	"sr": {}, "jr": {}, "st": {}, "vs": {}, "etc": {}, "fig": {},
	"no": {}, "vol": {}, "dept": {}, "inc": {}, "ltd": {}, "co": {},
	"corp": {}, "approx": {}, "est": {}, "min": {}, "max": {},
	"e.g": {}, "i.e": {}, "cf": {}, "al": {},
}

// segmentSentences splits text into sentence spans that tile the
// entire input: span N ends where span N+1 begins, the first span
// starts at 0, and the last ends at len(text). Trailing whitespace
// after a terminator belongs to the sentence it ends.
func segmentSentences(text string) []span {
	var spans []span
	start := 0

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !isTerminator(r) {
			i += size
			continue
		}

		// Decimal numbers: "3.14" has a digit on both sides of the
		// period and is not a boundary.
		if r == '.' && i > 0 && i+size < len(text) {
			prev, _ := utf8.DecodeLastRuneInString(text[:i])
			next, _ := utf8.DecodeRuneInString(text[i+size:])
			if unicode.IsDigit(prev) && unicode.IsDigit(next) {
				i += size
				continue
			}
		}

		// Abbreviations and single-letter initials do not end a
		// sentence.
		if r == '.' && endsWithAbbreviation(text[:i]) {
			i += size
			continue
		}

		// Absorb closing quotes and brackets after the terminator.
		end := i + size
		for end < len(text) {
			trail, trailSize := utf8.DecodeRuneInString(text[end:])
			if !isClosingTrail(trail) {
				break
			}
			end += trailSize
		}

		// A boundary requires whitespace (or end of text) after the
		// terminator, and the next visible rune must start a new
		// sentence (upper case, digit, or opening quote).
		wsEnd := end
		for wsEnd < len(text) {
			ws, wsSize := utf8.DecodeRuneInString(text[wsEnd:])
			if !unicode.IsSpace(ws) {
				break
			}
			wsEnd += wsSize
		}
		if wsEnd == end && end < len(text) {
			// Terminator glued to more text: not a boundary.
			i = end
			continue
		}
		if wsEnd < len(text) {
			next, _ := utf8.DecodeRuneInString(text[wsEnd:])
			if !unicode.IsUpper(next) && !unicode.IsDigit(next) && next != '"' && next != '“' && next != '\'' {
				i = end
				continue
			}
		}

		// Boundary confirmed: the sentence owns its trailing
		// whitespace so the spans tile the input.
		spans = append(spans, span{start: start, end: wsEnd})
		start = wsEnd
		i = wsEnd
	}

	if start < len(text) {
		spans = append(spans, span{start: start, end: len(text)})
	}
	return spans
}

// endsWithAbbreviation reports whether the text ending just before a
// period finishes with a known abbreviation or a single-letter
// initial ("J. Smith").
func endsWithAbbreviation(prefix string) bool {
	wordStart := len(prefix)
	for wordStart > 0 {
		r, size := utf8.DecodeLastRuneInString(prefix[:wordStart])
		if unicode.IsSpace(r) {
			break
		}
		wordStart -= size
	}
	word := strings.ToLower(strings.TrimRight(prefix[wordStart:], "."))
	if word == "" {
		return false
	}
	if _, ok := abbreviations[word]; ok {
		return true
	}
	// Single-letter initials: "J." in "J. Smith".
	return utf8.RuneCountInString(word) == 1 && unicode.IsLetter([]rune(word)[0])
}
