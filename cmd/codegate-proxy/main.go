// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-core-stack/codegate-proxy/pkg/config"
	"github.com/go-core-stack/codegate-proxy/pkg/pipeline/steps"
	"github.com/go-core-stack/codegate-proxy/pkg/root"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	// Configuration errors, including an invalid log level, exit 1 (spec
	// §6); anything after that which prevents startup is an unexpected
	// fatal error and exits 2.
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Error().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
		os.Exit(1)
	}
	log.Logger = log.Level(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	r, err := root.New(cfg, root.Collaborators{
		Analyzer:   steps.NoopAnalyzer{},
		Embedder:   steps.NoopEmbedder{},
		Classifier: steps.NoopClassifier{},
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to construct dependency root")
		os.Exit(2)
	}

	proxyAddr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ProxyPort)
	proxyListener, err := net.Listen("tcp", proxyAddr)
	if err != nil {
		log.Error().Err(err).Str("addr", proxyAddr).Msg("failed to bind proxy listener")
		os.Exit(2)
	}

	controlAddr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ControlPort)
	controlServer := &http.Server{Addr: controlAddr, Handler: r.ControlHandler()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// forceCtx is handed to every connection's Machine.Run, not ctx: it is
	// only cancelled once the shutdown grace period elapses (or the drain
	// finishes early), so an in-flight connection is given the full grace
	// period to finish on its own before being forced closed (spec §5
	// "in-flight tasks are cancelled, and the server waits for them to
	// drain (bounded by a configurable grace period)").
	forceCtx, forceCancel := context.WithCancel(context.Background())
	defer forceCancel()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info().Str("addr", proxyAddr).Msg("starting codegate proxy listener")
		return acceptLoop(groupCtx, forceCtx, proxyListener, r)
	})

	group.Go(func() error {
		log.Info().Str("addr", controlAddr).Msg("starting codegate control listener")
		if err := controlServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		sweepIdleSessions(groupCtx, r, cfg.SessionIdleTimeout)
		return nil
	})

	<-ctx.Done()
	log.Info().Msg("shutting down codegate proxy")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer cancel()

	_ = proxyListener.Close()
	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("control listener graceful shutdown failed; forcing close")
		_ = controlServer.Close()
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- group.Wait() }()

	select {
	case err := <-waitDone:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error().Err(err).Msg("codegate proxy exited with error")
			os.Exit(2)
		}
	case <-shutdownCtx.Done():
		log.Warn().Msg("graceful shutdown grace period elapsed; forcing in-flight connections closed")
		forceCancel()
		if err := <-waitDone; err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error().Err(err).Msg("codegate proxy exited with error")
			os.Exit(2)
		}
	}

	log.Info().Msg("codegate proxy stopped")
}

// sweepIdleSessions periodically drops sensitive-data sessions that have
// been untouched past idleTimeout (spec §3 "Session... idle timeout"),
// running on a fraction of the timeout so stale sessions do not linger
// indefinitely between sweeps.
func sweepIdleSessions(ctx context.Context, r *root.Root, idleTimeout time.Duration) {
	interval := idleTimeout / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Session.SweepIdle(now)
		}
	}
}

// acceptLoop accepts client connections until ctx is cancelled or the
// listener is closed, driving each through its own connstate.Machine
// (spec §4.2 "one Machine exists per accepted client connection").
// forceCtx, not ctx, governs the connection's own shutdown: ctx only ever
// stops the Accept loop, while forceCtx is what forces an in-flight
// connection closed once the shutdown grace period elapses.
func acceptLoop(ctx, forceCtx context.Context, ln net.Listener, r *root.Root) error {
	var wg errgroup.Group
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				wg.Wait()
				return nil
			}
			return err
		}

		wg.Go(func() error {
			m := r.NewMachine(conn)
			if err := m.Run(forceCtx); err != nil {
				log.Debug().Err(err).Str("remote_addr", conn.RemoteAddr().String()).
					Msg("connection closed")
			}
			return nil
		})
	}
}
