// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package root is CodeGate's explicit dependency-injection root (spec
// §9): it owns construction of every long-lived component and wires
// them together, so no package reaches for a package-level singleton
// and tests can build a fresh, isolated stack per case.
package root

import (
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/codegate-proxy/pkg/ca"
	"github.com/go-core-stack/codegate-proxy/pkg/config"
	"github.com/go-core-stack/codegate-proxy/pkg/connstate"
	"github.com/go-core-stack/codegate-proxy/pkg/pipeline"
	"github.com/go-core-stack/codegate-proxy/pkg/pipeline/steps"
	"github.com/go-core-stack/codegate-proxy/pkg/route"
	"github.com/go-core-stack/codegate-proxy/pkg/session"
	"github.com/go-core-stack/codegate-proxy/pkg/stream"
	"github.com/go-core-stack/codegate-proxy/pkg/tlsctx"
)

// Collaborators bundles the external components spec §1 names as
// deliberately out of scope for this repo (the PII analyzer's NLP model,
// the suspicious-code embedder and its classifier). The root wires them
// into the pipeline without knowing how any of them actually work.
type Collaborators struct {
	Analyzer   steps.Analyzer
	Embedder   steps.Embedder
	Classifier steps.Classifier
}

// Root holds every long-lived, shared component a connection needs.
type Root struct {
	Config  config.Config
	CA      *ca.CA
	TLS     *tlsctx.Factory
	Routes  *route.Table
	Driver  *pipeline.Driver
	Session *session.Store

	outputSteps []stream.OutputStep
	logger      zerolog.Logger
}

// New constructs a Root from cfg and the external collaborators,
// generating the CA's root keypair on disk if it is not already present
// (or unconditionally when cfg.ForceCerts is set).
func New(cfg config.Config, collab Collaborators) (*Root, error) {
	authority, err := ca.New(cfg.CACertPath(), cfg.CAKeyPath())
	if err != nil {
		return nil, fmt.Errorf("construct CA: %w", err)
	}
	if err := authority.EnsureRoot(cfg.ForceCerts); err != nil {
		return nil, fmt.Errorf("ensure CA root: %w", err)
	}

	sessions := session.New(cfg.PlaceholderSentinel, cfg.SessionIdleTimeout)

	fimDef := pipeline.Definition{
		Name:       "fim",
		Normalizer: &pipeline.FIMNormalizer{},
		Steps: []pipeline.Step{
			steps.NewRedactStep(collab.Analyzer, sessions, redactedSystemPrompt),
			steps.NewSuspiciousCodeStep(collab.Embedder, collab.Classifier, cfg.SuspiciousHighThreshold),
		},
	}
	driver := pipeline.NewDriver(pipeline.DefaultSelector(fimDef), cfg.RequestIDHeader)

	outputSteps := []stream.OutputStep{
		stream.NewUnredactStep(sessions),
		stream.NewNotifierStep(pipeline.ClientSignatures()),
	}

	return &Root{
		Config:      cfg,
		CA:          authority,
		TLS:         tlsctx.New(authority, cfg.VerifyUpstreamTLS),
		Routes:      route.New(cfg.Routes),
		Driver:      driver,
		Session:     sessions,
		outputSteps: outputSteps,
		logger:      log.With().Str("component", "root").Logger(),
	}, nil
}

// redactedSystemPrompt is injected once any redaction occurs in a
// request, matching the operator-facing warning the original Python
// config shipped under prompts.pii_redacted.
const redactedSystemPrompt = "Some of the content in this conversation was redacted to protect " +
	"sensitive information. Redacted values are not visible to you."

// NewMachine builds a connstate.Machine for a freshly accepted client
// connection, wiring it to this Root's shared components.
func (r *Root) NewMachine(conn net.Conn) *connstate.Machine {
	return connstate.New(conn, r.Routes, r.TLS, r.Driver, r.outputSteps, connstate.Config{
		MaxHeaderBytes: r.Config.MaxHeaderBytes,
		ProxyAgent:     "CodeGate",
		DialTimeout:    0,
	})
}

// ControlHandler returns the HTTP handler served on the control-plane
// listener (spec §6 "control-plane listener"): a liveness probe and the
// root certificate download clients need to trust the proxy's minted
// leaves.
func (r *Root) ControlHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ca.crt", func(w http.ResponseWriter, req *http.Request) {
		pem, err := r.CA.RootCertPEM()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-pem-file")
		_, _ = w.Write(pem)
	})
	return mux
}
