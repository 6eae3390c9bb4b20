// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package steps holds the concrete request-side pipeline steps named in
// spec §4.4: the PII redacting step and the suspicious-code step.
package steps

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/go-core-stack/codegate-proxy/pkg/pipeline"
	"github.com/go-core-stack/codegate-proxy/pkg/session"
)

// PIIHit is one match an Analyzer reports within a text blob.
type PIIHit struct {
	Start int
	End   int
	Kind  string // one of session.Kind*
	Value string
}

// Analyzer is the external PII-detection collaborator (spec §1: consumed
// via the interfaces named in §6; the analyzer implementation itself is
// out of scope for this repo).
type Analyzer interface {
	Analyze(text string) []PIIHit
}

// contentPart mirrors the {"type":"text","text":"..."} shape a message's
// content list may carry (spec §4.4 "string or ordered list of
// {type, text} parts").
type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// RedactStep walks every message's content, replaces every PII hit with
// a session-scoped placeholder, and injects a system message warning the
// model that redaction took place (spec §4.4 "Redacting step (PII)").
type RedactStep struct {
	analyzer      Analyzer
	store         *session.Store
	systemMessage string
}

// NewRedactStep constructs a RedactStep. systemMessage is the
// configuration-supplied text injected as a leading system message once
// any redaction occurs.
func NewRedactStep(analyzer Analyzer, store *session.Store, systemMessage string) *RedactStep {
	return &RedactStep{analyzer: analyzer, store: store, systemMessage: systemMessage}
}

func (s *RedactStep) Name() string { return "redact_pii" }

func (s *RedactStep) Process(req *pipeline.Request, ctx *pipeline.Context) (pipeline.Result, error) {
	body := req.Body
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return pipeline.Result{Request: req, Control: pipeline.Continue}, nil
	}

	countsByKind := make(map[string]int)
	total := 0
	var details []string

	items := messages.Array()
	for i, msg := range items {
		contentPath := fmt.Sprintf("messages.%d.content", i)
		content := msg.Get("content")

		if content.IsArray() {
			var parts []contentPart
			if err := json.Unmarshal([]byte(content.Raw), &parts); err != nil {
				continue
			}
			changed := false
			for j := range parts {
				if parts[j].Type != "text" && parts[j].Type != "" {
					continue
				}
				rewritten, n := s.redactText(ctx.SessionID, parts[j].Text, countsByKind, &details)
				if n > 0 {
					parts[j].Text = rewritten
					changed = true
					total += n
				}
			}
			if changed {
				marshaled, err := json.Marshal(parts)
				if err != nil {
					return pipeline.Result{}, fmt.Errorf("marshal rewritten content parts: %w", err)
				}
				var err2 error
				body, err2 = sjson.SetRawBytes(body, contentPath, marshaled)
				if err2 != nil {
					return pipeline.Result{}, fmt.Errorf("set rewritten content parts: %w", err2)
				}
			}
			continue
		}

		text := content.String()
		rewritten, n := s.redactText(ctx.SessionID, text, countsByKind, &details)
		if n > 0 {
			total += n
			var err error
			body, err = sjson.SetBytes(body, contentPath, rewritten)
			if err != nil {
				return pipeline.Result{}, fmt.Errorf("set rewritten content: %w", err)
			}
		}
	}

	if total == 0 {
		return pipeline.Result{Request: &pipeline.Request{
			Method: req.Method, Path: req.Path, Headers: req.Headers, Body: body,
		}, Control: pipeline.Continue}, nil
	}

	ctx.AddAlert(pipeline.Alert{
		StepName:      s.Name(),
		TriggerString: summarize(countsByKind, total),
		Severity:      "info",
	})
	ctx.SetMeta(pipeline.MetaRedactedPIICount, total)
	ctx.SetMeta(pipeline.MetaRedactedPIIDetails, details)
	ctx.SetMeta(pipeline.MetaRedactedText, summarize(countsByKind, total))
	ctx.SetMeta(pipeline.MetaSensitiveDataManager, s.store)
	ctx.SetMeta(pipeline.MetaSessionID, ctx.SessionID)

	body, err := s.injectSystemMessage(body)
	if err != nil {
		return pipeline.Result{}, err
	}

	return pipeline.Result{
		Request: &pipeline.Request{Method: req.Method, Path: req.Path, Headers: req.Headers, Body: body},
		Control: pipeline.Continue,
	}, nil
}

// redactText replaces every PII hit in text with a session placeholder,
// processing hits back-to-front so earlier offsets stay valid, and
// returns the rewritten text plus the number of substitutions made.
func (s *RedactStep) redactText(sessionID, text string, countsByKind map[string]int, details *[]string) (string, int) {
	hits := s.analyzer.Analyze(text)
	if len(hits) == 0 {
		return text, 0
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Start > hits[j].Start })

	out := text
	replaced := 0
	for _, hit := range hits {
		if hit.Start < 0 || hit.End > len(out) || hit.Start >= hit.End {
			continue
		}
		replaced++
		token := s.store.Store(sessionID, session.Record{
			OriginalValue: hit.Value,
			ServiceTag:    "pii",
			Kind:          hit.Kind,
		})
		out = out[:hit.Start] + token + out[hit.End:]
		countsByKind[hit.Kind]++
		*details = append(*details, fmt.Sprintf("%s:%s", hit.Kind, token))
	}
	return out, replaced
}

// injectSystemMessage prepends the configured notice as a new leading
// system-role message.
func (s *RedactStep) injectSystemMessage(body []byte) ([]byte, error) {
	if s.systemMessage == "" {
		return body, nil
	}

	existing := gjson.GetBytes(body, "messages")
	rebuilt := []json.RawMessage{}
	notice, err := json.Marshal(map[string]string{"role": "system", "content": s.systemMessage})
	if err != nil {
		return nil, fmt.Errorf("marshal redaction notice: %w", err)
	}
	rebuilt = append(rebuilt, notice)
	for _, m := range existing.Array() {
		rebuilt = append(rebuilt, json.RawMessage(m.Raw))
	}

	marshaled, err := json.Marshal(rebuilt)
	if err != nil {
		return nil, fmt.Errorf("marshal rebuilt messages: %w", err)
	}
	return sjson.SetRawBytes(body, "messages", marshaled)
}

func summarize(countsByKind map[string]int, total int) string {
	kinds := make([]string, 0, len(countsByKind))
	for k := range countsByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	out := fmt.Sprintf("CodeGate protected %d instances of PII", total)
	if len(kinds) == 0 {
		return out
	}
	out += ", including"
	for i, k := range kinds {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(" %d %s", countsByKind[k], k)
	}
	return out
}
