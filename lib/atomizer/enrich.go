// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"context"
	"time"
)

// OCRService extracts visible text from an encoded image.
type OCRService interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

// ObjectDetector identifies objects in an encoded image.
type ObjectDetector interface {
	DetectObjects(ctx context.Context, image []byte) ([]DetectedObject, error)
}

// DetectedObject is one object found by an ObjectDetector.
type DetectedObject struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// SceneDescriber produces a natural-language description of an
// encoded image.
type SceneDescriber interface {
	DescribeScene(ctx context.Context, image []byte) (string, error)
}

// Enrichment bundles the optional image enrichment services. Every
// field may be nil: an absent service means the corresponding atom
// family is simply not produced, with no warning. A present service
// that fails at call time produces a warning and the atomization
// continues — enrichment is never load-bearing.
type Enrichment struct {
	OCR     OCRService
	Objects ObjectDetector
	Scene   SceneDescriber

	// Timeout bounds each service call. Zero means 30 seconds.
	Timeout time.Duration
}

// callContext derives the bounded context for one enrichment call.
func (e Enrichment) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
