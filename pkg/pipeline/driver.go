// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package pipeline

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/codegate-proxy/pkg/proxyerr"
)

// Definition is a named, non-empty ordered sequence of steps plus the
// normalizer that canonicalizes bodies for it (spec §4.4 "a pipeline is
// a non-empty ordered list of steps").
type Definition struct {
	Name       string
	Normalizer Normalizer
	Steps      []Step
}

// Selector chooses a Definition for an inbound request based on its
// headers, or returns ok=false when the request should be forwarded
// unrewritten (spec §4.4: "the default selector returns a FIM pipeline
// when User-Agent contains a recognized AI-assistant token; otherwise
// the request is forwarded without rewriting").
type Selector func(headers http.Header) (Definition, bool)

// recognizedAssistantTokens mirrors provider.py's Copilot client sniff
// (original_source/providers/copilot/provider.py), reused verbatim by
// the redaction-notifier's "strips non-reasoning content" heuristic.
var recognizedAssistantTokens = []string{
	"GithubCopilot",
	"vscode-copilot",
}

// ClientSignatures returns a copy of the known AI-assistant client
// signatures, reused by the streaming redaction-notifier's
// strips-non-reasoning-content heuristic (spec §4.5).
func ClientSignatures() []string {
	out := make([]string, len(recognizedAssistantTokens))
	copy(out, recognizedAssistantTokens)
	return out
}

// IsRecognizedAssistant reports whether a User-Agent value identifies a
// known AI-assistant client.
func IsRecognizedAssistant(userAgent string) bool {
	for _, tok := range recognizedAssistantTokens {
		if strings.Contains(userAgent, tok) {
			return true
		}
	}
	return false
}

// DefaultSelector picks fimDef when the request carries a recognized
// assistant User-Agent, otherwise reports no pipeline (forward as-is).
func DefaultSelector(fimDef Definition) Selector {
	return func(headers http.Header) (Definition, bool) {
		if IsRecognizedAssistant(headers.Get("User-Agent")) {
			return fimDef, true
		}
		return Definition{}, false
	}
}

// Driver runs a selected pipeline over a request (spec §4.4).
type Driver struct {
	selector        Selector
	requestIDHeader string
	newSessionID    func() string
	logger          zerolog.Logger
}

// NewDriver constructs a Driver. requestIDHeader names the header the
// driver consults before synthesizing a request id (spec §4.4 step 1,
// default "X-Request-ID" per spec §6).
func NewDriver(selector Selector, requestIDHeader string) *Driver {
	return &Driver{
		selector:        selector,
		requestIDHeader: requestIDHeader,
		newSessionID:    uuid.NewString,
		logger:          log.With().Str("component", "pipeline").Logger(),
	}
}

// Outcome is what Run returns: either a rewritten request ready for
// forwarding, or a shortcircuit response to send directly to the client.
type Outcome struct {
	Request      *Request
	Context      *Context
	Shortcircuit *Response
}

// Select exposes the selector so the connection state machine can decide
// up front whether this request needs pipeline treatment at all.
func (d *Driver) Select(headers http.Header) (Definition, bool) {
	return d.selector(headers)
}

// Run drives req through def's steps in order, threading a freshly built
// context, and returns either the rewritten+denormalized request or a
// shortcircuit response (spec §4.4 steps 1-4).
func (d *Driver) Run(def Definition, req *Request) (Outcome, error) {
	requestID := req.Headers.Get(d.requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx := NewContext(requestID, d.newSessionID())

	normalizedBody, err := def.Normalizer.Normalize(req.Body, ctx)
	if err != nil {
		return Outcome{}, proxyerr.New(proxyerr.KindPipelineStepError, err, "normalize request body")
	}

	working := &Request{Method: req.Method, Path: req.Path, Headers: req.Headers, Body: normalizedBody}

	for _, step := range def.Steps {
		result, err := step.Process(working, ctx)
		if err != nil {
			if isCritical(step) {
				return Outcome{}, proxyerr.New(proxyerr.KindPipelineStepError, err,
					fmt.Sprintf("critical step %q failed", step.Name()))
			}
			d.logger.Warn().Err(err).Str("step", step.Name()).Str("request_id", requestID).
				Msg("pipeline step failed; treating as no-op")
			continue
		}

		if result.Request != nil {
			working = result.Request
		}

		if result.Control == Shortcircuit {
			return Outcome{Context: ctx, Shortcircuit: result.Response}, nil
		}
	}

	denormalized, err := def.Normalizer.Denormalize(working.Body, ctx)
	if err != nil {
		return Outcome{}, proxyerr.New(proxyerr.KindPipelineStepError, err, "denormalize request body")
	}
	working.Body = denormalized

	return Outcome{Request: working, Context: ctx}, nil
}

func isCritical(step Step) bool {
	cs, ok := step.(CriticalStep)
	return ok && cs.Critical()
}
