// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package pipeline

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Normalizer canonicalizes a provider-shaped JSON body into the common
// "messages" shape the pipeline steps operate on, and reverses that
// transform once the pipeline has finished (spec §4.4 step 2/4). ctx is
// the request's own pipeline Context, so a normalizer that needs to carry
// state between the two calls stores it there rather than on itself — a
// Definition's Normalizer is shared by every request that selects that
// pipeline (spec §4.4 "pipelines ... carry no cross-request state beyond
// the shared session store"), so the normalizer value itself must stay
// safe for concurrent use.
type Normalizer interface {
	Normalize(body []byte, ctx *Context) ([]byte, error)
	Denormalize(canonical []byte, ctx *Context) ([]byte, error)
}

// IdentityNormalizer is used by any pipeline whose provider already
// speaks the canonical {"messages":[{"role":...,"content":...}]} shape
// (the common case for chat-completions-style upstreams).
type IdentityNormalizer struct{}

func (IdentityNormalizer) Normalize(body []byte, ctx *Context) ([]byte, error)   { return body, nil }
func (IdentityNormalizer) Denormalize(body []byte, ctx *Context) ([]byte, error) { return body, nil }

// metaFIMSuffix is the Context metadata key FIMNormalizer uses to carry
// the suffix half of a fill-in-the-middle request from Normalize through
// to Denormalize.
const metaFIMSuffix = "fim_suffix"

// FIMNormalizer canonicalizes a Copilot-style fill-in-the-middle
// completion request — {"prompt": "...", "suffix": "..."} — into a
// single synthetic user message so the redaction and suspicious-code
// steps can operate uniformly, then reverses the transform, restoring
// prompt/suffix from the (possibly rewritten) message content (spec
// glossary "FIM pipeline"). FIMNormalizer itself carries no per-request
// state: it is shared by every request that selects the FIM pipeline, so
// the suffix is stashed on the request's own Context instead.
type FIMNormalizer struct{}

func (FIMNormalizer) Normalize(body []byte, ctx *Context) ([]byte, error) {
	ctx.SetMeta(metaFIMSuffix, gjson.GetBytes(body, "suffix").String())
	prompt := gjson.GetBytes(body, "prompt").String()

	out, err := sjson.SetBytes(body, "messages.0.role", "user")
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "messages.0.content", prompt)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (FIMNormalizer) Denormalize(canonical []byte, ctx *Context) ([]byte, error) {
	// A step may prepend messages (the redacting step injects a system
	// notice), so the prompt is read back from the last user message.
	content := gjson.GetBytes(canonical, "messages.0.content").String()
	for _, msg := range gjson.GetBytes(canonical, "messages").Array() {
		if msg.Get("role").String() == "user" {
			content = msg.Get("content").String()
		}
	}
	suffix, _ := ctx.Meta(metaFIMSuffix)
	suffixStr, _ := suffix.(string)

	out, err := sjson.SetBytes(canonical, "prompt", content)
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "suffix", suffixStr)
	if err != nil {
		return nil, err
	}
	out, err = sjson.DeleteBytes(out, "messages")
	if err != nil {
		return nil, err
	}
	return out, nil
}
