// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxyerr defines the fixed set of error kinds the proxy raises
// and the HTTP status each maps to when it reaches a client connection.
package proxyerr

import (
	"fmt"
	"net/http"
)

// Kind identifies one of the fixed error categories the proxy can raise.
type Kind string

const (
	KindConfigInvalid       Kind = "config_invalid"
	KindCAUnavailable       Kind = "ca_unavailable"
	KindRouteMiss           Kind = "route_miss"
	KindClientProtocolError Kind = "client_protocol_error"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindPipelineStepError   Kind = "pipeline_step_error"
	KindBufferOverflow      Kind = "buffer_overflow"
	KindSessionExpired      Kind = "session_expired"
)

// statusByKind mirrors the policy table in spec §7.
var statusByKind = map[Kind]int{
	KindConfigInvalid:       0, // aborts startup, never reaches the wire
	KindCAUnavailable:       0, // aborts startup; a per-CONNECT mint failure writes its own 502
	KindRouteMiss:           http.StatusNotFound,
	KindClientProtocolError: http.StatusBadRequest,
	KindUpstreamUnavailable: http.StatusBadGateway,
	KindPipelineStepError:   http.StatusInternalServerError,
	KindBufferOverflow:      http.StatusRequestEntityTooLarge,
	KindSessionExpired:      0, // handled inline by the unredaction step, never closes the conn
}

// Error is the proxy's typed error: a kind, an underlying cause, and a
// human-readable detail. The wire status is derived from the kind by
// Status.
type Error struct {
	Kind   Kind
	Cause  error
	Detail string
}

// New builds an Error of the given kind wrapping cause, with an optional
// human-readable detail appended to the canned body.
func New(kind Kind, cause error, detail string) *Error {
	return &Error{Kind: kind, Cause: cause, Detail: detail}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Status returns the HTTP status this error's kind maps to, and whether
// the kind has a mapped status. ConfigInvalid, CAUnavailable and
// SessionExpired report ok=false: the first two abort startup (a
// CAUnavailable raised while minting a CONNECT leaf is answered with a
// 502 written by the connection state machine itself), and
// SessionExpired is swallowed by the unredaction step.
func (e *Error) Status() (status int, ok bool) {
	s, known := statusByKind[e.Kind]
	if !known || s == 0 {
		return 0, false
	}
	return s, true
}

// Critical reports whether a PipelineStepError should replace the
// forwarded response with a canned error body instead of being treated
// as a no-op (spec §7: "unless the step declares itself critical").
type Critical interface {
	Critical() bool
}
