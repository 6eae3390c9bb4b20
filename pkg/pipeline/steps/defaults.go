// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package steps

import "context"

// NoopAnalyzer satisfies Analyzer without detecting anything. It lets the
// proxy start and forward traffic before an operator wires in a real PII
// model (spec §1: the analyzer implementation is an external
// collaborator).
type NoopAnalyzer struct{}

func (NoopAnalyzer) Analyze(text string) []PIIHit { return nil }

// NoopEmbedder satisfies Embedder without calling out to any model.
type NoopEmbedder struct{}

func (NoopEmbedder) Embed(ctx context.Context, code string) ([]float32, error) {
	return nil, nil
}

// NoopClassifier satisfies Classifier, always reporting the negative
// class so suspicious-code detection is a no-op until a real classifier
// is wired in.
type NoopClassifier struct{}

func (NoopClassifier) Classify(ctx context.Context, embedding []float32) (bool, float64, error) {
	return false, 0, nil
}
