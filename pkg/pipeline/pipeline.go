// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package pipeline implements the request-side pipeline driver (spec
// §4.4): a non-empty ordered list of steps, each exposing a uniform
// process(request, context) contract, threaded through a shared context
// that carries alerts and metadata for the lifetime of one logical
// request.
package pipeline

import "net/http"

// Control tells the driver what to do after a step runs.
type Control int

const (
	// Continue passes the (possibly rewritten) request to the next step.
	Continue Control = iota
	// Shortcircuit terminates the pipeline; the carried Response is sent
	// to the client directly, with no upstream call.
	Shortcircuit
)

// Request is the canonical, normalized shape a pipeline step operates on:
// a JSON body plus the header list the step may need to read (e.g. for a
// User-Agent based heuristic).
type Request struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte // canonical JSON after normalization
}

// Response is what a step supplies when it shortcircuits the pipeline.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Alert is one entry a step appends to the context (spec §3 "Pipeline
// context... ordered list of raised alerts").
type Alert struct {
	StepName      string
	TriggerString string
	Severity      string
}

// Result is what a Step.Process call returns.
type Result struct {
	Request  *Request
	Control  Control
	Response *Response
}

// Step is one unit of request transformation (spec §9: "dynamic dispatch
// over pipeline steps becomes a tagged capability... no inheritance
// tree").
type Step interface {
	Name() string
	Process(req *Request, ctx *Context) (Result, error)
}

// CriticalStep is implemented by steps that must abort the forwarded
// response (rather than fail open) when they error (spec §7).
type CriticalStep interface {
	Critical() bool
}
