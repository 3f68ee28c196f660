// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atom

import "fmt"

// ParseError reports a structural failure: a mandatory format
// invariant was violated (bad magic number, unparsable container
// header, invalid required syntax). It propagates out of Atomize and
// the caller treats the whole source as failed. This layer never
// retries.
type ParseError struct {
	// Format is the format being parsed ("gguf", "zip", "json", ...).
	Format string

	// Reason is a human-readable description of the violation.
	Reason string

	// Err is the underlying error, when one exists.
	Err error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parsing %s: %s: %v", e.Format, e.Reason, e.Err)
	}
	return fmt.Sprintf("parsing %s: %s", e.Format, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NewParseError constructs a ParseError without an underlying cause.
func NewParseError(format, reason string) *ParseError {
	return &ParseError{Format: format, Reason: reason}
}

// WrapParseError constructs a ParseError wrapping an underlying cause.
func WrapParseError(format, reason string, err error) *ParseError {
	return &ParseError{Format: format, Reason: reason, Err: err}
}

// ResourceLimitError reports that archive expansion exceeded a
// configured resource ceiling (recursion depth or cumulative
// decompressed size). It is reported against the offending child
// source; sibling branches already completed are preserved.
type ResourceLimitError struct {
	// Resource names the exhausted resource ("recursion depth",
	// "decompressed bytes").
	Resource string

	// Limit is the configured ceiling and Actual the observed value.
	Limit  int64
	Actual int64

	// Source identifies the child that tripped the limit.
	Source string
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("%s: %s limit exceeded: %d > %d", e.Source, e.Resource, e.Actual, e.Limit)
}
