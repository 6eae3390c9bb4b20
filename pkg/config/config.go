// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package config loads CodeGate's runtime settings from the environment,
// the way the operator layer that owns configuration file loading (an
// external collaborator per spec §1) is expected to populate them before
// handing a Config to the proxy root.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envListenHost           = "CODEGATE_LISTEN_HOST"
	envControlPort          = "CODEGATE_CONTROL_PORT"
	envProxyPort            = "CODEGATE_PROXY_PORT"
	envLogLevel             = "CODEGATE_LOG_LEVEL"
	envLogFormat            = "CODEGATE_LOG_FORMAT"
	envProviderBaseURLs     = "CODEGATE_PROVIDER_URLS" // comma-separated prefix=url pairs
	envCertsDir             = "CODEGATE_CERTS_DIR"
	envCACertFile           = "CODEGATE_CA_CERT_FILE"
	envCAKeyFile            = "CODEGATE_CA_KEY_FILE"
	envServerCertFile       = "CODEGATE_SERVER_CERT_FILE"
	envServerKeyFile        = "CODEGATE_SERVER_KEY_FILE"
	envForceCerts           = "CODEGATE_FORCE_CERTS"
	envMaxHeaderBytes       = "CODEGATE_MAX_HEADER_BYTES"
	envGracefulShutdown     = "CODEGATE_GRACEFUL_SHUTDOWN"
	envRequestIDHeader      = "CODEGATE_REQUEST_ID_HEADER"
	envVerifyUpstreamTLS    = "CODEGATE_VERIFY_UPSTREAM_TLS"
	envSessionIdleTimeout   = "CODEGATE_SESSION_IDLE_TIMEOUT"
	envPlaceholderSentinel  = "CODEGATE_PLACEHOLDER_SENTINEL"
	envSuspiciousThreshold  = "CODEGATE_SUSPICIOUS_THRESHOLD"
	defaultListenHost       = "127.0.0.1"
	defaultControlPort      = 8990
	defaultProxyPort        = 8989
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultCertsDir         = "./codegate_certs"
	defaultCACertFile       = "ca.crt"
	defaultCAKeyFile        = "ca.key"
	defaultServerCertFile   = "server.crt"
	defaultServerKeyFile    = "server.key"
	defaultMaxHeaderBytes   = 10 * 1024 * 1024 // spec §3: capped at 10 MiB
	defaultGracefulShutdown = 10 * time.Second
	defaultRequestIDHeader  = "X-Request-ID"
	defaultSessionIdle      = 30 * time.Minute
	defaultPlaceholderChar  = "#"
	defaultSuspiciousHigh   = 0.9
)

// Route is one static path-prefix-to-upstream mapping (spec §3/§4.3).
type Route struct {
	PathPrefix  string
	UpstreamURL *url.URL
}

// Config captures every runtime setting enumerated in spec §6.
type Config struct {
	ListenHost              string
	ControlPort             int
	ProxyPort               int
	LogLevel                string
	LogFormat               string
	Routes                  []Route
	CertsDir                string
	CACertFile              string
	CAKeyFile               string
	ServerCertFile          string
	ServerKeyFile           string
	ForceCerts              bool
	MaxHeaderBytes          int
	GracefulShutdownTimeout time.Duration
	RequestIDHeader         string
	VerifyUpstreamTLS       bool
	SessionIdleTimeout      time.Duration
	PlaceholderSentinel     byte
	SuspiciousHighThreshold float64
}

// CACertPath returns the resolved path to the root certificate.
func (c Config) CACertPath() string { return join(c.CertsDir, c.CACertFile) }

// CAKeyPath returns the resolved path to the root key.
func (c Config) CAKeyPath() string { return join(c.CertsDir, c.CAKeyFile) }

// ServerCertPath returns the resolved path to the control-plane cert.
func (c Config) ServerCertPath() string { return join(c.CertsDir, c.ServerCertFile) }

// ServerKeyPath returns the resolved path to the control-plane key.
func (c Config) ServerKeyPath() string { return join(c.CertsDir, c.ServerKeyFile) }

func join(dir, file string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + file
	}
	return dir + "/" + file
}

// Load reads configuration from environment variables and validates
// required values.
func Load() (Config, error) {
	routes, err := parseRoutes(os.Getenv(envProviderBaseURLs))
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", envProviderBaseURLs, err)
	}

	sentinel := getString(envPlaceholderSentinel, defaultPlaceholderChar)
	if len(sentinel) != 1 {
		return Config{}, errors.New(envPlaceholderSentinel + " must be exactly one character")
	}

	cfg := Config{
		ListenHost:              getString(envListenHost, defaultListenHost),
		ControlPort:             getInt(envControlPort, defaultControlPort),
		ProxyPort:               getInt(envProxyPort, defaultProxyPort),
		LogLevel:                strings.ToLower(getString(envLogLevel, defaultLogLevel)),
		LogFormat:               strings.ToLower(getString(envLogFormat, defaultLogFormat)),
		Routes:                  routes,
		CertsDir:                getString(envCertsDir, defaultCertsDir),
		CACertFile:              getString(envCACertFile, defaultCACertFile),
		CAKeyFile:               getString(envCAKeyFile, defaultCAKeyFile),
		ServerCertFile:          getString(envServerCertFile, defaultServerCertFile),
		ServerKeyFile:           getString(envServerKeyFile, defaultServerKeyFile),
		ForceCerts:              getBool(envForceCerts, false),
		MaxHeaderBytes:          getInt(envMaxHeaderBytes, defaultMaxHeaderBytes),
		GracefulShutdownTimeout: getDuration(envGracefulShutdown, defaultGracefulShutdown),
		RequestIDHeader:         getString(envRequestIDHeader, defaultRequestIDHeader),
		VerifyUpstreamTLS:       getBool(envVerifyUpstreamTLS, false),
		SessionIdleTimeout:      getDuration(envSessionIdleTimeout, defaultSessionIdle),
		PlaceholderSentinel:     sentinel[0],
		SuspiciousHighThreshold: getFloat(envSuspiciousThreshold, defaultSuspiciousHigh),
	}

	if cfg.ControlPort == cfg.ProxyPort {
		return Config{}, errors.New("control port and proxy port must differ")
	}

	return cfg, nil
}

// parseRoutes decodes "prefix=url,prefix=url" pairs into Route entries,
// preserving declaration order (spec §4.3 iterates in that order).
func parseRoutes(raw string) ([]Route, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var routes []Route
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed route entry %q, want prefix=url", pair)
		}
		prefix := strings.TrimSpace(parts[0])
		upstreamRaw := strings.TrimSpace(parts[1])
		u, err := url.Parse(upstreamRaw)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream url in %q: %w", pair, err)
		}
		if !u.IsAbs() {
			return nil, fmt.Errorf("upstream url %q must be absolute", upstreamRaw)
		}
		routes = append(routes, Route{PathPrefix: prefix, UpstreamURL: u})
	}
	return routes, nil
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getFloat(key string, fallback float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
