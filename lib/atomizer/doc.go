// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomizer implements format-specific decomposition of raw
// content into atoms, and the registry that selects the right
// decomposer for a source.
//
// An Atomizer is a pure transformation: given a byte payload and its
// source metadata, it produces an immutable Result of atoms and
// composition edges (plus nested child sources for containers). It
// reads no shared state, so invocations are safe to run concurrently
// without locking.
//
// The package is organized around three layers:
//
//   - Contract: the Atomizer interface (Name, Priority, CanHandle,
//     Atomize). Adding a format means implementing these four methods
//     and registering the value — the registry's core logic never
//     changes.
//
//   - Builder: the shared result skeleton. Every atomizer starts by
//     creating a Builder, which records the start time and emits the
//     mandatory file-metadata atom (the implicit root all top-level
//     content atoms compose into), then appends atoms, composition
//     edges, warnings, and child sources, and finally seals the
//     Result with processing counts and duration. The Builder owns
//     SequenceIndex assignment, which keeps sibling ordering
//     deterministic without each atomizer reimplementing it.
//
//   - Formats: one file per content family. Text, markdown,
//     structured (JSON/XML/YAML), code, image, audio, video, model
//     weights (GGUF, SafeTensors, ONNX), archive, and the binary
//     fallback that handles anything.
//
// Failure discipline: structural violations (bad magic, unparsable
// mandatory header, invalid required syntax) abort the call with
// atom.ParseError. Optional enrichment failures (OCR, object
// detection, scene description) append a warning and continue. Empty
// input is never an error — it produces a metadata-only result.
package atomizer
