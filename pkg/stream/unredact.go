// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package stream

import (
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/go-core-stack/codegate-proxy/pkg/pipeline"
	"github.com/go-core-stack/codegate-proxy/pkg/session"
)

const prefixBufferKey = "prefix_buffer"

const contentPath = "choices.0.delta.content"

// UnredactStep scans streamed content deltas for placeholder tokens and
// substitutes the original sensitive values back in before the chunk
// reaches the client (spec §4.5 "Unredaction step"). A placeholder may
// straddle a chunk boundary; the incomplete tail is held in the output
// context's prefix_buffer until enough bytes arrive to resolve it.
type UnredactStep struct {
	store    *session.Store
	sentinel byte
}

// NewUnredactStep constructs an UnredactStep bound to the session store
// that holds the original values placeholders were minted from.
func NewUnredactStep(store *session.Store) *UnredactStep {
	return &UnredactStep{store: store, sentinel: store.Sentinel()}
}

func (s *UnredactStep) Name() string { return "unredact" }

func (s *UnredactStep) Process(chunk Chunk, outCtx *OutputContext, inCtx *pipeline.Context) ([]Chunk, error) {
	content := gjson.GetBytes(chunk.Raw, contentPath)
	if !content.Exists() || content.String() == "" {
		return []Chunk{chunk}, nil
	}

	pending := outCtx.GetString(prefixBufferKey)
	combined := pending + content.String()

	emitted, leftover := s.unredact(combined, inCtx.SessionID)
	outCtx.SetString(prefixBufferKey, leftover)

	if emitted == "" && leftover != "" {
		// Entire delta absorbed into the pending buffer; nothing to emit yet.
		return nil, nil
	}

	raw, err := sjson.SetBytes(chunk.Raw, contentPath, emitted)
	if err != nil {
		return nil, err
	}
	return []Chunk{{Raw: raw}}, nil
}

// unredact walks content left to right, substituting every complete
// "#<uuid>#"-shaped placeholder with its original value and holding back
// any suffix that could still grow into one (spec §4.5, §8: "no
// placeholder is ever split across two separate chunk emissions").
func (s *UnredactStep) unredact(content string, sessionID string) (emitted string, leftover string) {
	var out []byte
	i := 0
	n := len(content)

	for i < n {
		if content[i] != s.sentinel {
			out = append(out, content[i])
			i++
			continue
		}

		closeRel := indexByte(content[i+1:], s.sentinel)
		if closeRel < 0 {
			candidate := content[i+1:]
			if isPossibleUUIDPrefix(candidate) {
				return string(out), content[i:]
			}
			out = append(out, content[i])
			i++
			continue
		}

		closeIdx := i + 1 + closeRel
		inner := content[i+1 : closeIdx]
		if isFullUUID(inner) {
			placeholder := content[i : closeIdx+1]
			if original, ok := s.store.GetOriginal(sessionID, placeholder); ok {
				out = append(out, original...)
			} else {
				log.Warn().Str("session_id", sessionID).Msg("placeholder token not found in session store; emitting verbatim")
				out = append(out, placeholder...)
			}
			i = closeIdx + 1
			continue
		}

		out = append(out, content[i])
		i++
	}

	return string(out), ""
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// isFullUUID reports whether s is exactly a canonical lowercase
// 8-4-4-4-12 hex UUID.
func isFullUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	return isPossibleUUIDPrefix(s)
}

// isPossibleUUIDPrefix reports whether s consists only of lowercase hex
// digits in non-hyphen positions and hyphens at the four fixed UUID
// hyphen positions, truncated to whatever length has arrived so far.
func isPossibleUUIDPrefix(s string) bool {
	if len(s) > 36 {
		return false
	}
	hyphenAt := map[int]bool{8: true, 13: true, 18: true, 23: true}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if hyphenAt[i] {
			if c != '-' {
				return false
			}
			continue
		}
		if !isHexDigit(c) {
			return false
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}
