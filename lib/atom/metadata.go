// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atom

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// MergeMetadata merges two JSON-object metadata strings. Keys from
// extra win on conflict. An empty string on either side is treated as
// the empty object. The output uses sorted keys so that equal inputs
// always produce byte-identical metadata (atoms carrying metadata in
// their hash input stay deterministic).
func MergeMetadata(base, extra string) (string, error) {
	merged := make(map[string]any)

	for _, encoded := range []string{base, extra} {
		if strings.TrimSpace(encoded) == "" {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(encoded), &fields); err != nil {
			return "", fmt.Errorf("merging metadata: %w", err)
		}
		for key, value := range fields {
			merged[key] = value
		}
	}

	if len(merged) == 0 {
		return "", nil
	}
	return encodeSorted(merged)
}

// EncodeMetadata renders a key/value map as a deterministic JSON
// object string (sorted keys). Returns "" for an empty map.
func EncodeMetadata(fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "", nil
	}
	return encodeSorted(fields)
}

// encodeSorted marshals a map with sorted keys. encoding/json already
// sorts map keys, but going through an ordered slice makes the
// determinism explicit rather than incidental.
func encodeSorted(fields map[string]any) (string, error) {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			builder.WriteByte(',')
		}
		encodedKey, err := json.Marshal(key)
		if err != nil {
			return "", fmt.Errorf("encoding metadata key: %w", err)
		}
		encodedValue, err := json.Marshal(fields[key])
		if err != nil {
			return "", fmt.Errorf("encoding metadata value for %q: %w", key, err)
		}
		builder.Write(encodedKey)
		builder.WriteByte(':')
		builder.Write(encodedValue)
	}
	builder.WriteByte('}')
	return builder.String(), nil
}
