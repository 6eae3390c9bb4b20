// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package steps

import (
	"context"
	"fmt"
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/go-core-stack/codegate-proxy/pkg/pipeline"
)

// knownSafeLanguages is the literal six-language allowlist copied from
// the original classifier (spec §4.4, §9 "the rationale for excluding
// exactly those six languages is not documented in the source").
var knownSafeLanguages = map[string]struct{}{
	"python":     {},
	"javascript": {},
	"typescript": {},
	"go":         {},
	"rust":       {},
	"java":       {},
}

var fencedCodeBlock = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)\\n(.*?)```")

// Embedder is the external inference collaborator that turns a code
// block into an embedding vector (spec §1: "the embedding model used by
// the suspicious-code classifier" is explicitly out of scope here).
type Embedder interface {
	Embed(ctx context.Context, code string) ([]float32, error)
}

// Classifier runs the ONNX suspicious-code model over an embedding and
// reports whether the positive class won along with its probability.
type Classifier interface {
	Classify(ctx context.Context, embedding []float32) (positive bool, probability float64, err error)
}

// SuspiciousCodeStep flags fenced code blocks in a non-known-safe
// language via an embedding + classifier pair, without ever rewriting
// the request body (spec §4.4 "Suspicious-code step").
type SuspiciousCodeStep struct {
	embedder      Embedder
	classifier    Classifier
	highThreshold float64
}

// NewSuspiciousCodeStep constructs a SuspiciousCodeStep. highThreshold is
// the probability above which an alert is tagged "likely" rather than
// "possibly" (spec §4.4, default 0.9 per spec §9's literal-copy note).
func NewSuspiciousCodeStep(embedder Embedder, classifier Classifier, highThreshold float64) *SuspiciousCodeStep {
	return &SuspiciousCodeStep{embedder: embedder, classifier: classifier, highThreshold: highThreshold}
}

func (s *SuspiciousCodeStep) Name() string { return "suspicious_code" }

func (s *SuspiciousCodeStep) Process(req *pipeline.Request, ctx *pipeline.Context) (pipeline.Result, error) {
	messages := gjson.GetBytes(req.Body, "messages")
	if !messages.IsArray() {
		return pipeline.Result{Request: req, Control: pipeline.Continue}, nil
	}

	for _, msg := range messages.Array() {
		for _, text := range messageTexts(msg.Get("content")) {
			if err := s.scanText(context.Background(), text, ctx); err != nil {
				return pipeline.Result{}, err
			}
		}
	}

	// Never rewrites the body.
	return pipeline.Result{Request: req, Control: pipeline.Continue}, nil
}

func (s *SuspiciousCodeStep) scanText(ctx context.Context, text string, pctx *pipeline.Context) error {
	for _, match := range fencedCodeBlock.FindAllStringSubmatch(text, -1) {
		lang, code := match[1], match[2]
		if _, safe := knownSafeLanguages[lang]; safe {
			continue
		}

		embedding, err := s.embedder.Embed(ctx, code)
		if err != nil {
			return fmt.Errorf("embed code block: %w", err)
		}
		positive, probability, err := s.classifier.Classify(ctx, embedding)
		if err != nil {
			return fmt.Errorf("classify code block: %w", err)
		}
		if !positive {
			continue
		}

		severity := "possibly"
		if probability > s.highThreshold {
			severity = "likely"
		}
		pctx.AddAlert(pipeline.Alert{
			StepName:      s.Name(),
			TriggerString: fmt.Sprintf("suspicious %s code block", orUnknown(lang)),
			Severity:      severity,
		})
	}
	return nil
}

// messageTexts extracts every text blob a message's content carries,
// whether content is a plain string or an ordered list of {type, text}
// parts (spec §4.4).
func messageTexts(content gjson.Result) []string {
	if content.IsArray() {
		var texts []string
		for _, part := range content.Array() {
			if t := part.Get("type").String(); t == "" || t == "text" {
				texts = append(texts, part.Get("text").String())
			}
		}
		return texts
	}
	return []string{content.String()}
}

func orUnknown(lang string) string {
	if lang == "" {
		return "unlabeled"
	}
	return lang
}
