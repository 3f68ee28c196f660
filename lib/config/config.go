// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the atomization
// pipeline.
//
// Configuration is loaded from a single YAML file specified by:
//   - the GRANULE_CONFIG environment variable, or
//   - the --config flag passed to the command.
//
// There are no fallback search paths or automatic discovery. This
// keeps configuration deterministic and auditable: the limits below
// bound how much an untrusted input can make the pipeline do, so a
// hidden override is a security problem, not a convenience.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar is the environment variable naming the config file.
const EnvVar = "GRANULE_CONFIG"

// Config holds the pipeline's resource limits and tuning knobs.
// Inputs are untrusted, so every expansion the pipeline performs
// (archive recursion, decompression, enrichment calls) is bounded
// here rather than left to the input's discretion.
type Config struct {
	// MaxDepth is the maximum archive recursion depth. A source at
	// depth 0 may contain archives nested MaxDepth levels deep;
	// children beyond that fail with a resource limit error.
	MaxDepth int `yaml:"max_depth"`

	// MaxDecompressedBytes is the cumulative ceiling on decompressed
	// child-source bytes across one ingestion's whole recursion tree.
	// Bounds archive-bomb amplification.
	MaxDecompressedBytes int64 `yaml:"max_decompressed_bytes"`

	// MaxEntryBytes is the per-entry decompression ceiling applied
	// while extracting a single archive entry. A single entry
	// exceeding it is reported against that entry; siblings proceed.
	MaxEntryBytes int64 `yaml:"max_entry_bytes"`

	// MaxChildSources is the maximum number of entries expanded from
	// one archive. Entries beyond it are dropped with a warning.
	MaxChildSources int `yaml:"max_child_sources"`

	// EnrichmentTimeout bounds each call to an optional enrichment
	// service (OCR, object detection, scene description). A timeout
	// is a warning, never a failure.
	EnrichmentTimeout time.Duration `yaml:"enrichment_timeout"`

	// Workers is the size of the worker pool used when ingesting
	// multiple independent sources. Zero means GOMAXPROCS.
	Workers int `yaml:"workers"`
}

// Default returns the default configuration. The defaults are safe
// for untrusted input: recursion depth 10, 1 GiB cumulative
// decompression, 256 MiB per entry.
func Default() *Config {
	return &Config{
		MaxDepth:             10,
		MaxDecompressedBytes: 1 << 30,
		MaxEntryBytes:        256 << 20,
		MaxChildSources:      10_000,
		EnrichmentTimeout:    30 * time.Second,
		Workers:              0,
	}
}

// Load reads and validates the configuration file at path. When path
// is empty, the GRANULE_CONFIG environment variable is consulted; if
// that is also unset, defaults are returned. Fields absent from the
// file keep their default values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values that would disable the
// resource bounds entirely or make the pipeline misbehave.
func (c *Config) Validate() error {
	if c.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be at least 1, got %d", c.MaxDepth)
	}
	if c.MaxDecompressedBytes < 1 {
		return fmt.Errorf("max_decompressed_bytes must be positive, got %d", c.MaxDecompressedBytes)
	}
	if c.MaxEntryBytes < 1 {
		return fmt.Errorf("max_entry_bytes must be positive, got %d", c.MaxEntryBytes)
	}
	if c.MaxEntryBytes > c.MaxDecompressedBytes {
		return fmt.Errorf("max_entry_bytes (%d) exceeds max_decompressed_bytes (%d)",
			c.MaxEntryBytes, c.MaxDecompressedBytes)
	}
	if c.MaxChildSources < 0 {
		return fmt.Errorf("max_child_sources must not be negative, got %d", c.MaxChildSources)
	}
	if c.EnrichmentTimeout < 0 {
		return fmt.Errorf("enrichment_timeout must not be negative, got %s", c.EnrichmentTimeout)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	return nil
}
