// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Granule's standard CBOR encoding configuration.
//
// Granule uses two serialization formats with a clear boundary:
//
//   - JSON for human-facing data: atom metadata strings, canonical
//     text renderings, and CLI output.
//   - CBOR for on-disk records: atom records and composition edges
//     written by the filesystem atom store.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every Granule package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes — a requirement for a store keyed by content hash, where
// re-encoding an unchanged record must be a byte-level no-op.
//
// For buffer-oriented operations (record files):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (append-only journals):
//
//	encoder := codec.NewEncoder(file)
//	decoder := codec.NewDecoder(file)
//
// Types shared with JSON output use `json` struct tags only —
// fxamacker/cbor reads json tags as fallback, so one tag controls
// field naming and omitempty for both formats.
package codec
