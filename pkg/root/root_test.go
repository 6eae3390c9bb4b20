// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package root

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-core-stack/codegate-proxy/pkg/config"
	"github.com/go-core-stack/codegate-proxy/pkg/pipeline/steps"
)

type fakeAnalyzer struct{}

func (fakeAnalyzer) Analyze(text string) []steps.PIIHit { return nil }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, code string) ([]float32, error) {
	return []float32{0}, nil
}

type fakeClassifier struct{}

func (fakeClassifier) Classify(ctx context.Context, embedding []float32) (bool, float64, error) {
	return false, 0, nil
}

func newTestConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		CertsDir:                dir,
		CACertFile:              "ca.crt",
		CAKeyFile:               "ca.key",
		MaxHeaderBytes:          1 << 20,
		RequestIDHeader:         "X-Request-ID",
		SessionIdleTimeout:      30 * time.Minute,
		PlaceholderSentinel:     '#',
		SuspiciousHighThreshold: 0.9,
	}
}

func testCollaborators() Collaborators {
	return Collaborators{Analyzer: fakeAnalyzer{}, Embedder: fakeEmbedder{}, Classifier: fakeClassifier{}}
}

func TestNewGeneratesCARootOnFirstConstruction(t *testing.T) {
	cfg := newTestConfig(t)

	r, err := New(cfg, testCollaborators())
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(cfg.CertsDir, "ca.crt"))
	require.FileExists(t, filepath.Join(cfg.CertsDir, "ca.key"))

	pem, err := r.CA.RootCertPEM()
	require.NoError(t, err)
	require.Contains(t, string(pem), "CERTIFICATE")
}

func TestNewReusesExistingRootOnSecondConstruction(t *testing.T) {
	cfg := newTestConfig(t)

	first, err := New(cfg, testCollaborators())
	require.NoError(t, err)
	firstPEM, err := first.CA.RootCertPEM()
	require.NoError(t, err)

	second, err := New(cfg, testCollaborators())
	require.NoError(t, err)
	secondPEM, err := second.CA.RootCertPEM()
	require.NoError(t, err)

	require.Equal(t, firstPEM, secondPEM)
}

func TestNewPipelineSelectsDefinitionOnlyForRecognizedAssistant(t *testing.T) {
	cfg := newTestConfig(t)
	r, err := New(cfg, testCollaborators())
	require.NoError(t, err)

	h := http.Header{}
	h.Set("User-Agent", "vscode-copilot/1.0")
	_, ok := r.Driver.Select(h)
	require.True(t, ok)

	h.Set("User-Agent", "curl/8.0")
	_, ok = r.Driver.Select(h)
	require.False(t, ok)
}

func TestNewMachineBuildsAConnstateMachineForAConnection(t *testing.T) {
	cfg := newTestConfig(t)
	upstream, _ := url.Parse("http://127.0.0.1:0")
	cfg.Routes = []config.Route{{PathPrefix: "/", UpstreamURL: upstream}}

	r, err := New(cfg, testCollaborators())
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	m := r.NewMachine(server)
	require.NotNil(t, m)
}

func TestControlHandlerServesHealthAndRootCert(t *testing.T) {
	cfg := newTestConfig(t)
	r, err := New(cfg, testCollaborators())
	require.NoError(t, err)

	srv := httptest.NewServer(r.ControlHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/ca.crt")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
