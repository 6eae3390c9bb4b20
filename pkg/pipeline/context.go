// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package pipeline

import "sync"

// Well-known metadata keys (spec §3 "semantic keys include...").
const (
	MetaRedactedPIICount     = "redacted_pii_count"
	MetaRedactedPIIDetails   = "redacted_pii_details"
	MetaRedactedText         = "redacted_text"
	MetaSensitiveDataManager = "sensitive_data_manager"
	MetaSessionID            = "session_id"
)

// Context is the per-logical-request state threaded through every step
// (spec §3 "Pipeline context").
type Context struct {
	RequestID string
	SessionID string

	mu       sync.Mutex
	alerts   []Alert
	metadata map[string]any
}

// NewContext constructs a Context for one logical request.
func NewContext(requestID, sessionID string) *Context {
	return &Context{
		RequestID: requestID,
		SessionID: sessionID,
		metadata:  make(map[string]any),
	}
}

// AddAlert appends one alert; steps may be invoked concurrently with
// metadata access from elsewhere (e.g. a worker-pool-offloaded analyzer),
// so this is synchronized.
func (c *Context) AddAlert(a Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

// Alerts returns a snapshot copy of the raised alerts.
func (c *Context) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// SetMeta stores a metadata value under key.
func (c *Context) SetMeta(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Meta retrieves a metadata value, and whether it was present.
func (c *Context) Meta(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.metadata[key]
	return v, ok
}

// MetaInt retrieves an int metadata value, defaulting to 0.
func (c *Context) MetaInt(key string) int {
	v, ok := c.Meta(key)
	if !ok {
		return 0
	}
	n, _ := v.(int)
	return n
}
