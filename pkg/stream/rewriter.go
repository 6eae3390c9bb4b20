// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package stream implements the streaming response rewriter (spec
// §4.5): it frames server-sent chunked / SSE-style upstream responses,
// runs an ordered list of output steps over each record, and re-emits
// them to the client without ever splitting a record across writes.
package stream

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/go-core-stack/codegate-proxy/pkg/pipeline"
)

const ssePrefix = "data: "
const doneMarker = "[DONE]"

// Chunk is one record flowing through the output step chain: the raw
// JSON payload of an SSE "data:" line, or the entirety of a single JSON
// response body.
type Chunk struct {
	Raw []byte
}

// OutputContext is the per-stream mutable state shared across output
// steps for one response (spec §4.5: "the step owns a prefix_buffer in
// the output context"). One OutputContext exists per logical response
// and is never shared across streams.
type OutputContext struct {
	mu     sync.Mutex
	values map[string]string
}

// NewOutputContext constructs an empty OutputContext.
func NewOutputContext() *OutputContext {
	return &OutputContext{values: make(map[string]string)}
}

// GetString returns the stored string value for key, or "" if absent.
func (c *OutputContext) GetString(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key]
}

// SetString stores a string value under key.
func (c *OutputContext) SetString(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// OutputStep transforms one chunk into zero or more chunks (spec §4.5:
// "zero = swallow, one = pass through or replace, two = injection +
// original").
type OutputStep interface {
	Name() string
	Process(chunk Chunk, outCtx *OutputContext, inCtx *pipeline.Context) ([]Chunk, error)
}

// Rewriter drives one response stream through an ordered list of output
// steps and re-serializes the result back into the original framing.
type Rewriter struct {
	steps  []OutputStep
	inCtx  *pipeline.Context
	outCtx *OutputContext
	sseBuf bytes.Buffer
	logger zerolog.Logger
}

// NewRewriter constructs a Rewriter bound to the request-side pipeline
// context produced for the same logical request (spec §4.5
// "input_context is the context produced by the request-side pipeline
// for the same request").
func NewRewriter(steps []OutputStep, inCtx *pipeline.Context) *Rewriter {
	return &Rewriter{
		steps:  steps,
		inCtx:  inCtx,
		outCtx: NewOutputContext(),
		logger: log.With().Str("component", "stream_rewriter").Str("request_id", inCtx.RequestID).Logger(),
	}
}

// FeedSSE extends the internal buffer with a newly arrived upstream
// chunk and repeatedly extracts+emits every complete SSE record it now
// contains; any trailing partial record stays buffered for the next
// call (spec §4.5 "SSE / chunked JSON stream").
func (r *Rewriter) FeedSSE(data []byte, w io.Writer) error {
	r.sseBuf.Write(data)

	for {
		buf := r.sseBuf.Bytes()
		idx := bytes.Index(buf, []byte("\n\n"))
		if idx < 0 {
			return nil
		}

		record := buf[:idx]
		rest := make([]byte, len(buf)-idx-2)
		copy(rest, buf[idx+2:])
		r.sseBuf.Reset()
		r.sseBuf.Write(rest)

		if err := r.emitRecord(record, w); err != nil {
			return err
		}
	}
}

// Flush writes out any remaining buffered partial record verbatim,
// called when the upstream connection closes (the one write per spec
// §8 that is allowed not to end on a \n\n boundary).
func (r *Rewriter) Flush(w io.Writer) error {
	if r.sseBuf.Len() == 0 {
		return nil
	}
	remaining := r.sseBuf.Bytes()
	r.sseBuf.Reset()
	_, err := w.Write(remaining)
	return err
}

func (r *Rewriter) emitRecord(record []byte, w io.Writer) error {
	payload, ok := bytes.CutPrefix(record, []byte(ssePrefix))
	if !ok {
		// Not a data: line (e.g. a comment or blank keep-alive); pass through.
		_, err := w.Write(append(append([]byte{}, record...), []byte("\n\n")...))
		return err
	}

	if bytes.Equal(bytes.TrimSpace(payload), []byte(doneMarker)) {
		_, err := fmt.Fprintf(w, "%s%s\n\n", ssePrefix, doneMarker)
		return err
	}

	chunks, err := r.runSteps(Chunk{Raw: payload})
	if err != nil {
		return err
	}

	for _, c := range chunks {
		if _, err := fmt.Fprintf(w, "%s%s\n\n", ssePrefix, c.Raw); err != nil {
			return err
		}
	}
	return nil
}

// WriteSingle runs a non-streamed JSON body through the output steps and
// writes the (possibly rewritten) result whole (spec §4.5 "Single JSON
// body").
func (r *Rewriter) WriteSingle(body []byte, w io.Writer) error {
	chunks, err := r.runSteps(Chunk{Raw: body})
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if _, err := w.Write(c.Raw); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rewriter) runSteps(start Chunk) ([]Chunk, error) {
	current := []Chunk{start}
	for _, step := range r.steps {
		var next []Chunk
		for _, c := range current {
			out, err := step.Process(c, r.outCtx, r.inCtx)
			if err != nil {
				r.logger.Warn().Err(err).Str("step", step.Name()).Msg("output step failed; passing chunk through unchanged")
				next = append(next, c)
				continue
			}
			next = append(next, out...)
		}
		current = next
	}
	return current, nil
}

// injectedChunk builds a synthetic chunk carrying only a content delta,
// used by output steps that need to prepend a message (e.g. the
// redaction notifier) without depending on the provider's exact schema
// beyond the canonical choices[0].delta.content field.
func injectedChunk(text string) (Chunk, error) {
	raw, err := sjson.SetBytes([]byte(`{}`), "choices.0.delta.content", text)
	if err != nil {
		return Chunk{}, fmt.Errorf("build injected chunk: %w", err)
	}
	return Chunk{Raw: raw}, nil
}
