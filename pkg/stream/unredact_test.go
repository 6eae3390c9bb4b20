// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/go-core-stack/codegate-proxy/pkg/pipeline"
	"github.com/go-core-stack/codegate-proxy/pkg/session"
)

func deltaChunk(t *testing.T, content string) Chunk {
	t.Helper()
	raw, err := sjson.SetBytes([]byte(`{}`), contentPath, content)
	require.NoError(t, err)
	return Chunk{Raw: raw}
}

func gjsonGet(raw []byte, path string) string {
	return gjson.GetBytes(raw, path).String()
}

func TestUnredactStepSubstitutesPlaceholderWithinOneChunk(t *testing.T) {
	store := session.New('#', time.Hour)
	token := store.Store("sess-1", session.Record{OriginalValue: "john@example.com", Kind: session.KindEmail})

	step := NewUnredactStep(store)
	outCtx := NewOutputContext()
	inCtx := pipeline.NewContext("req-1", "sess-1")

	out, err := step.Process(deltaChunk(t, "email me at "+token+" ok"), outCtx, inCtx)
	require.NoError(t, err)
	require.Len(t, out, 1)

	got := gjsonContent(t, out[0])
	require.Equal(t, "email me at john@example.com ok", got)
}

func TestUnredactStepHoldsPlaceholderSplitAcrossChunks(t *testing.T) {
	store := session.New('#', time.Hour)
	token := store.Store("sess-1", session.Record{OriginalValue: "john@example.com", Kind: session.KindEmail})

	step := NewUnredactStep(store)
	outCtx := NewOutputContext()
	inCtx := pipeline.NewContext("req-1", "sess-1")

	mid := len(token) / 2
	first, second := token[:mid], token[mid:]

	out1, err := step.Process(deltaChunk(t, "hello "+first), outCtx, inCtx)
	require.NoError(t, err)
	require.Len(t, out1, 1, "the plain-text prefix is flushed immediately")
	require.Equal(t, "hello ", gjsonContent(t, out1[0]))
	require.NotEmpty(t, outCtx.GetString(prefixBufferKey), "incomplete placeholder must be held in the prefix buffer")

	out2, err := step.Process(deltaChunk(t, second+" done"), outCtx, inCtx)
	require.NoError(t, err)
	require.Len(t, out2, 1)
	require.Equal(t, "john@example.com done", gjsonContent(t, out2[0]))
}

func TestUnredactStepEmitsUnresolvedPlaceholderVerbatimWhenSessionExpired(t *testing.T) {
	store := session.New('#', time.Hour)
	token := store.Store("sess-1", session.Record{OriginalValue: "secret", Kind: session.KindSecret})
	store.Drop("sess-1")

	step := NewUnredactStep(store)
	outCtx := NewOutputContext()
	inCtx := pipeline.NewContext("req-1", "sess-1")

	out, err := step.Process(deltaChunk(t, "value: "+token), outCtx, inCtx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "value: "+token, gjsonContent(t, out[0]))
}

func TestUnredactStepPassesThroughChunksWithoutContent(t *testing.T) {
	store := session.New('#', time.Hour)
	step := NewUnredactStep(store)
	outCtx := NewOutputContext()
	inCtx := pipeline.NewContext("req-1", "sess-1")

	chunk := Chunk{Raw: []byte(`{"choices":[{"delta":{"role":"assistant"}}]}`)}
	out, err := step.Process(chunk, outCtx, inCtx)
	require.NoError(t, err)
	require.Equal(t, []Chunk{chunk}, out)
}

func TestIsPossibleUUIDPrefixRejectsBadHyphenPositions(t *testing.T) {
	require.True(t, isPossibleUUIDPrefix(""))
	require.True(t, isPossibleUUIDPrefix("ab12"))
	require.True(t, isPossibleUUIDPrefix("abcdef12-1234"))
	require.False(t, isPossibleUUIDPrefix("abcdef1-"))
	require.False(t, isPossibleUUIDPrefix("zz"))
}

func TestIsFullUUIDRequiresExactLength(t *testing.T) {
	require.True(t, isFullUUID("abcdef12-1234-1234-1234-1234567890ab"))
	require.False(t, isFullUUID("abcdef12-1234-1234-1234-1234567890a"))
}

func gjsonContent(t *testing.T, c Chunk) string {
	t.Helper()
	return gjsonGet(c.Raw, contentPath)
}
