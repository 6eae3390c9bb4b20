// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package stream

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-core-stack/codegate-proxy/pkg/pipeline"
	"github.com/go-core-stack/codegate-proxy/pkg/session"
)

func TestRewriterFeedSSEBuffersPartialRecords(t *testing.T) {
	inCtx := pipeline.NewContext("req-1", "sess-1")
	r := NewRewriter(nil, inCtx)

	var out bytes.Buffer
	first := `data: ` + `{"choices":[{"delta":{"content":"hi"}}]}`
	require.NoError(t, r.FeedSSE([]byte(first), &out))
	require.Empty(t, out.Bytes(), "no complete record yet, nothing should be written")

	require.NoError(t, r.FeedSSE([]byte("\n\n"), &out))
	require.Contains(t, out.String(), `"content":"hi"`)
	require.True(t, bytes.HasSuffix(out.Bytes(), []byte("\n\n")))
}

func TestRewriterFeedSSEPassesDoneMarkerThrough(t *testing.T) {
	inCtx := pipeline.NewContext("req-1", "sess-1")
	r := NewRewriter(nil, inCtx)

	var out bytes.Buffer
	require.NoError(t, r.FeedSSE([]byte("data: [DONE]\n\n"), &out))
	require.Equal(t, "data: [DONE]\n\n", out.String())
}

func TestRewriterRunsStepsOverEachRecord(t *testing.T) {
	store := session.New('#', time.Hour)
	token := store.Store("sess-1", session.Record{OriginalValue: "john@example.com", Kind: session.KindEmail})

	inCtx := pipeline.NewContext("req-1", "sess-1")
	r := NewRewriter([]OutputStep{NewUnredactStep(store)}, inCtx)

	var out bytes.Buffer
	record := `data: {"choices":[{"delta":{"content":"contact ` + token + `"}}]}` + "\n\n"
	require.NoError(t, r.FeedSSE([]byte(record), &out))
	require.Contains(t, out.String(), "john@example.com")
	require.NotContains(t, out.String(), token)
}

func TestRewriterWriteSingleAppliesSteps(t *testing.T) {
	store := session.New('#', time.Hour)
	token := store.Store("sess-1", session.Record{OriginalValue: "secret-value", Kind: session.KindSecret})

	inCtx := pipeline.NewContext("req-1", "sess-1")
	r := NewRewriter([]OutputStep{NewUnredactStep(store)}, inCtx)

	var out bytes.Buffer
	body := []byte(`{"choices":[{"delta":{"content":"key is ` + token + `"}}]}`)
	require.NoError(t, r.WriteSingle(body, &out))
	require.Contains(t, out.String(), "secret-value")
}

func TestRewriterFlushWritesTrailingPartialRecord(t *testing.T) {
	inCtx := pipeline.NewContext("req-1", "sess-1")
	r := NewRewriter(nil, inCtx)

	var out bytes.Buffer
	require.NoError(t, r.FeedSSE([]byte("data: {\"partial"), &out))
	require.Empty(t, out.Bytes())

	require.NoError(t, r.Flush(&out))
	require.Equal(t, "data: {\"partial", out.String())
}

func TestNotifierStepFiresOnceOnFirstRoleChunk(t *testing.T) {
	inCtx := pipeline.NewContext("req-1", "sess-1")
	inCtx.SetMeta(pipeline.MetaRedactedPIICount, 2)
	inCtx.SetMeta(pipeline.MetaRedactedText, "CodeGate protected 2 instances of PII, including 2 email")

	step := NewNotifierStep(nil)
	outCtx := NewOutputContext()

	roleChunk := Chunk{Raw: []byte(`{"choices":[{"delta":{"role":"assistant"}}]}`)}
	out, err := step.Process(roleChunk, outCtx, inCtx)
	require.NoError(t, err)
	require.Len(t, out, 2, "an injected summary chunk followed by the original")
	require.Contains(t, gjsonContent2(out[0]), "CodeGate protected 2 instances of PII")
	require.Equal(t, 0, inCtx.MetaInt(pipeline.MetaRedactedPIICount), "counter must reset after notifying")

	second := Chunk{Raw: []byte(`{"choices":[{"delta":{"role":"assistant"}}]}`)}
	out2, err := step.Process(second, outCtx, inCtx)
	require.NoError(t, err)
	require.Equal(t, []Chunk{second}, out2, "must not re-notify once the counter is reset")
}

func TestNotifierStepWrapsInThinkingWhenClientSignatureSeenInAlerts(t *testing.T) {
	inCtx := pipeline.NewContext("req-1", "sess-1")
	inCtx.SetMeta(pipeline.MetaRedactedPIICount, 1)
	inCtx.SetMeta(pipeline.MetaRedactedText, "CodeGate protected 1 instance of PII")
	inCtx.AddAlert(pipeline.Alert{StepName: "redact_pii", TriggerString: "GithubCopilot client session", Severity: "info"})

	step := NewNotifierStep(pipeline.ClientSignatures())
	outCtx := NewOutputContext()

	roleChunk := Chunk{Raw: []byte(`{"choices":[{"delta":{"role":"assistant"}}]}`)}
	out, err := step.Process(roleChunk, outCtx, inCtx)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Contains(t, gjsonContent2(out[0]), "<thinking>")
}

func TestNotifierStepSkipsInjectionWhenNothingToReport(t *testing.T) {
	inCtx := pipeline.NewContext("req-1", "sess-1")
	step := NewNotifierStep(nil)
	outCtx := NewOutputContext()

	roleChunk := Chunk{Raw: []byte(`{"choices":[{"delta":{"role":"assistant"}}]}`)}
	out, err := step.Process(roleChunk, outCtx, inCtx)
	require.NoError(t, err)
	require.Equal(t, []Chunk{roleChunk}, out)
}

func gjsonContent2(c Chunk) string {
	return gjsonGet(c.Raw, contentPath)
}
