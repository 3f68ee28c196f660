// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

// Package atom defines the data model of the atomization pipeline: the
// Atom itself (a ≤64-byte content-addressed unit), the Composition edge
// that links a component atom into its parent, the SourceMetadata that
// describes where bytes came from, and the Result produced by one
// atomizer invocation.
//
// All types in this package are plain values. An Atom is created once
// by an atomizer and never mutated; ownership transfers to the
// persistence collaborator, which is the only party that merges
// duplicates by content hash and manages reference counts. The
// pipeline never deletes atoms.
//
// Hashing is split into two layers:
//
//   - ContentHash: SHA-256 over the hash input. The hash input is not
//     necessarily the clamped atom value — a file-metadata atom hashes
//     the entire original payload, a structured tree-node atom hashes
//     the canonical encoding of its subtree. Identical hash means
//     identical underlying content; this is the deduplication key.
//
//   - Fingerprint: a 64-byte composite of the SHA-256 content hash and
//     a keyed-BLAKE3 content tag. Cheaper to compare than re-hashing
//     when a collision-resistant equality key is needed outside the
//     store.
//
// The error taxonomy lives here too: ParseError for structural
// failures that abort a whole source, ResourceLimitError for archive
// expansion limits. Everything else degrades to warnings in
// ProcessingInfo.
package atom
