// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package stream

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/go-core-stack/codegate-proxy/pkg/pipeline"
)

// NotifierStep injects a synthetic chunk summarizing redacted PII into
// the response stream, as soon as the first chunk carrying a role
// marker (the start of the assistant's turn) is seen (spec §4.5
// "Redaction-notifier step").
type NotifierStep struct {
	clientSignatures []string
}

// NewNotifierStep constructs a NotifierStep. clientSignatures are the
// known client identity strings checked against alert trigger strings to
// decide whether the client is one that strips non-reasoning content,
// in which case the summary is wrapped in a <thinking> block (spec §4.5;
// pass pipeline.ClientSignatures() in production).
func NewNotifierStep(clientSignatures []string) *NotifierStep {
	return &NotifierStep{clientSignatures: clientSignatures}
}

func (s *NotifierStep) Name() string { return "redaction_notifier" }

func (s *NotifierStep) Process(chunk Chunk, outCtx *OutputContext, inCtx *pipeline.Context) ([]Chunk, error) {
	role := gjson.GetBytes(chunk.Raw, "choices.0.delta.role").String()
	if role == "" {
		return []Chunk{chunk}, nil
	}

	count := inCtx.MetaInt(pipeline.MetaRedactedPIICount)
	if count <= 0 {
		return []Chunk{chunk}, nil
	}

	summary, _ := inCtx.Meta(pipeline.MetaRedactedText)
	text, _ := summary.(string)
	if text == "" {
		inCtx.SetMeta(pipeline.MetaRedactedPIICount, 0)
		return []Chunk{chunk}, nil
	}

	if s.stripsNonReasoningContent(inCtx) {
		text = "<thinking>" + text + "</thinking>"
	}

	// Reset the counter so a later chunk carrying another role marker
	// (e.g. a second turn multiplexed onto the same stream) does not
	// re-notify (spec §4.5 "the counter is reset to 0").
	inCtx.SetMeta(pipeline.MetaRedactedPIICount, 0)

	injected, err := injectedChunk(text)
	if err != nil {
		return nil, err
	}
	return []Chunk{injected, chunk}, nil
}

// stripsNonReasoningContent implements the spec's literal heuristic: the
// client is assumed to strip plain-text reasoning content if any alert
// already raised for this request carries the client's signature in its
// trigger string.
func (s *NotifierStep) stripsNonReasoningContent(inCtx *pipeline.Context) bool {
	for _, alert := range inCtx.Alerts() {
		for _, sig := range s.clientSignatures {
			if strings.Contains(alert.TriggerString, sig) {
				return true
			}
		}
	}
	return false
}
