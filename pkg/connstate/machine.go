// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package connstate drives one client connection through the states
// named in spec §4.2: READ_HEADERS, DISPATCH, CONNECT_SETUP,
// FORWARD_PLAIN, RELAY, CLOSE. It owns the connection's wire parser and
// the TLS upgrade that follows a successful CONNECT, and wires the
// per-request pipeline driver and streaming response rewriter together.
package connstate

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/codegate-proxy/pkg/pipeline"
	"github.com/go-core-stack/codegate-proxy/pkg/proxyerr"
	"github.com/go-core-stack/codegate-proxy/pkg/route"
	"github.com/go-core-stack/codegate-proxy/pkg/stream"
	"github.com/go-core-stack/codegate-proxy/pkg/tlsctx"
	"github.com/go-core-stack/codegate-proxy/pkg/wire"
)

// hopHeaders are stripped from the upstream response before it is relayed
// to the client; they describe the transport hop itself rather than the
// message (mirrors the hop-by-hop list every HTTP intermediary strips).
// The forwarded request is not filtered by this list: writeForwardedRequest
// keeps every client header except Host and Content-Length.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Machine drives the per-connection state machine (spec §4.2). One
// Machine exists per accepted client connection and is never shared.
type Machine struct {
	// connMu guards conn and tunnelUpstream against the concurrent read
	// armDeadline performs when the shutdown grace period elapses; every
	// other access happens from the single goroutine running Run.
	connMu sync.Mutex
	conn   net.Conn
	parser *wire.Parser

	routes      *route.Table
	tlsFactory  *tlsctx.Factory
	driver      *pipeline.Driver
	outputSteps []stream.OutputStep

	maxHeaderBytes int
	proxyAgent     string
	dialTimeout    time.Duration

	// tunnelUpstream is the upstream connection opened once during
	// CONNECT_SETUP and reused by every inner request relayed through the
	// tunnel (spec §4.2 step 3/5); nil outside of a CONNECT tunnel.
	tunnelUpstream   net.Conn
	tunnelHostHeader string

	logger zerolog.Logger
}

// Config carries the per-Machine tunables sourced from the proxy's
// runtime configuration.
type Config struct {
	MaxHeaderBytes int
	ProxyAgent     string
	DialTimeout    time.Duration
}

// New constructs a Machine for one freshly accepted client connection.
func New(conn net.Conn, routes *route.Table, tlsFactory *tlsctx.Factory, driver *pipeline.Driver, outputSteps []stream.OutputStep, cfg Config) *Machine {
	if cfg.ProxyAgent == "" {
		cfg.ProxyAgent = "CodeGate"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Machine{
		conn:           conn,
		parser:         wire.NewParser(cfg.MaxHeaderBytes),
		routes:         routes,
		tlsFactory:     tlsFactory,
		driver:         driver,
		outputSteps:    outputSteps,
		maxHeaderBytes: cfg.MaxHeaderBytes,
		proxyAgent:     cfg.ProxyAgent,
		dialTimeout:    cfg.DialTimeout,
		logger:         log.With().Str("component", "connstate").Str("remote_addr", conn.RemoteAddr().String()).Logger(),
	}
}

// Run drives the connection until the client disconnects or an
// unrecoverable protocol error occurs (spec §4.2 states 1-6).
func (m *Machine) Run(ctx context.Context) error {
	defer m.conn.Close()
	defer func() {
		if m.tunnelUpstream != nil {
			m.tunnelUpstream.Close()
		}
	}()

	// ctx is the process's bounded shutdown deadline, not a per-request
	// cancellation signal: it is only ever cancelled once the grace
	// period elapses, at which point any Read/Write this Machine has
	// blocked on must be forced to return (spec §5 "in-flight tasks are
	// cancelled, and the server waits for them to drain (bounded by a
	// configurable grace period)").
	stop := context.AfterFunc(ctx, func() { m.armDeadline(time.Now()) })
	defer stop()

	for {
		req, err := m.readHeaders()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return m.handleProtocolError(err)
		}

		if req.Line.IsConnect() {
			if err := m.handleConnect(ctx, req); err != nil {
				return m.handleProtocolError(err)
			}
			continue
		}

		if err := m.handleForwardPlain(ctx, req); err != nil {
			return m.handleProtocolError(err)
		}
	}
}

// armDeadline forces any Read or Write this Machine is currently blocked
// on to return immediately, on both the client connection and the tunnel
// upstream when a CONNECT tunnel is open. Safe to call concurrently with
// the goroutine running Run: SetDeadline itself is safe for concurrent
// use on a net.Conn, and connMu only protects the Machine's own field
// reads against the handleConnect reassignment.
func (m *Machine) armDeadline(t time.Time) {
	m.connMu.Lock()
	conn := m.conn
	tunnel := m.tunnelUpstream
	m.connMu.Unlock()

	if conn != nil {
		conn.SetDeadline(t)
	}
	if tunnel != nil {
		tunnel.SetDeadline(t)
	}
}

// readHeaders implements READ_HEADERS: feed bytes into the parser until a
// full request-line-plus-headers block is available.
func (m *Machine) readHeaders() (*wire.Request, error) {
	buf := make([]byte, 8*1024)
	for {
		req, ok, err := m.parser.TryParse()
		if err != nil {
			return nil, err
		}
		if ok {
			return req, nil
		}

		n, err := m.conn.Read(buf)
		if n > 0 {
			if ferr := m.parser.Feed(buf[:n]); ferr != nil {
				return nil, ferr
			}
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// handleConnect implements CONNECT_SETUP: mint a leaf for the target host,
// dial the real upstream over TLS, reply 200, upgrade the client socket to
// TLS, and re-enter READ_HEADERS on the decrypted inner stream. The dialed
// upstream connection is kept on the Machine and reused for every inner
// request the tunnel carries (spec §4.2 step 3: "Open a TLS connection to
// the real upstream ... Re-enter READ_HEADERS on the decrypted inner
// stream").
func (m *Machine) handleConnect(ctx context.Context, req *wire.Request) error {
	host, port, err := net.SplitHostPort(req.Line.Target)
	if err != nil {
		host, port = req.Line.Target, "443"
	}

	serverCfg, err := m.tlsFactory.ServerConfigForHost(host)
	if err != nil {
		m.writeStatusLine(http.StatusBadGateway, "certificate unavailable")
		return proxyerr.New(proxyerr.KindCAUnavailable, err, fmt.Sprintf("mint leaf for %s", host))
	}

	hostHeader := host
	if port != "443" {
		hostHeader = net.JoinHostPort(host, port)
	}

	upstream, err := m.dialUpstream(ctx, &url.URL{Scheme: "https", Host: net.JoinHostPort(host, port)})
	if err != nil {
		m.writeStatusLine(http.StatusBadGateway, err.Error())
		return proxyerr.New(proxyerr.KindUpstreamUnavailable, err, fmt.Sprintf("dial upstream %s", host))
	}

	if _, err := fmt.Fprintf(m.conn, "HTTP/1.1 200 Connection Established\r\nProxy-Agent: %s\r\n\r\n", m.proxyAgent); err != nil {
		upstream.Close()
		return err
	}

	leftover := m.parser.Remainder(req.BodyOffset)
	wrapped := newPrefixedConn(m.conn, leftover)

	tlsConn := tls.Server(wrapped, serverCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		upstream.Close()
		return proxyerr.New(proxyerr.KindClientProtocolError, err, "client tls handshake")
	}

	m.connMu.Lock()
	m.conn = tlsConn
	m.tunnelUpstream = upstream
	m.connMu.Unlock()
	m.parser = wire.NewParser(m.maxHeaderBytes)
	m.tunnelHostHeader = hostHeader
	m.logger.Debug().Str("host", host).Msg("connect tunnel established")
	return nil
}

// handleForwardPlain implements FORWARD_PLAIN, RELAY and the per-request
// portion of CLOSE: resolve the upstream, run the pipeline when
// applicable, forward the request, and stream the response back.
func (m *Machine) handleForwardPlain(ctx context.Context, req *wire.Request) error {
	path, err := requestPath(req.Line.Target)
	if err != nil {
		m.writeStatusLine(http.StatusBadRequest, "malformed request target")
		return proxyerr.New(proxyerr.KindClientProtocolError, err, "parse request target")
	}

	upstreamURL, err := m.resolveUpstream(req, path)
	if err != nil {
		m.writeStatusLine(http.StatusNotFound, "no route for "+path)
		return proxyerr.New(proxyerr.KindRouteMiss, err, path)
	}

	if isUpgradeRequest(req) {
		return m.handleUpgrade(ctx, req, upstreamURL)
	}

	body, leftover, err := m.readBody(req)
	if err != nil {
		return err
	}

	headers := headerListToHTTP(req.Headers)

	var forwardBody = body
	var streamCtx *pipeline.Context
	var outputSteps []stream.OutputStep

	def, selected := m.driver.Select(headers)
	if selected {
		outcome, err := m.driver.Run(def, &pipeline.Request{
			Method: req.Line.Method, Path: path, Headers: headers, Body: body,
		})
		if err != nil {
			m.writeStatusLine(http.StatusInternalServerError, "pipeline failure")
			return err
		}
		streamCtx = outcome.Context
		outputSteps = m.outputSteps

		if outcome.Shortcircuit != nil {
			m.writeShortcircuit(outcome.Shortcircuit)
			m.parser.Reset(leftover)
			return nil
		}
		forwardBody = outcome.Request.Body
	} else {
		streamCtx = pipeline.NewContext(req.Line.Method+"-"+path, "")
	}

	upstream := m.tunnelUpstream
	if upstream == nil {
		var err error
		upstream, err = m.dialUpstream(ctx, upstreamURL)
		if err != nil {
			m.writeStatusLine(http.StatusBadGateway, err.Error())
			return proxyerr.New(proxyerr.KindUpstreamUnavailable, err, upstreamURL.Host)
		}
		defer upstream.Close()
	}

	if err := writeForwardedRequest(upstream, req, upstreamURL, forwardBody); err != nil {
		return proxyerr.New(proxyerr.KindUpstreamUnavailable, err, "write request to upstream")
	}

	if err := m.relayResponse(upstream, streamCtx, outputSteps); err != nil {
		return proxyerr.New(proxyerr.KindUpstreamUnavailable, err, "relay response from upstream")
	}

	m.parser.Reset(leftover)
	return nil
}

// isUpgradeRequest reports whether the client is asking to switch
// protocols (e.g. a WebSocket handshake). Such connections carry no JSON
// body worth running through the pipeline, so once the upstream accepts
// the upgrade the connection state machine steps aside and relays bytes
// verbatim for the rest of the connection's life.
func isUpgradeRequest(req *wire.Request) bool {
	if v, ok := req.Get("Upgrade"); ok && v != "" {
		return true
	}
	v, ok := req.Get("Connection")
	return ok && strings.Contains(strings.ToLower(v), "upgrade")
}

// handleUpgrade forwards the upgrade request as-is and then relays the
// connection verbatim in both directions; the pipeline and streaming
// rewriter never see protocol-switched traffic.
func (m *Machine) handleUpgrade(ctx context.Context, req *wire.Request, upstreamURL *url.URL) error {
	upstream := m.tunnelUpstream
	if upstream == nil {
		var err error
		upstream, err = m.dialUpstream(ctx, upstreamURL)
		if err != nil {
			m.writeStatusLine(http.StatusBadGateway, err.Error())
			return proxyerr.New(proxyerr.KindUpstreamUnavailable, err, upstreamURL.Host)
		}
		defer upstream.Close()
	}

	leftover := m.parser.Remainder(req.BodyOffset)
	if err := writeForwardedRequest(upstream, req, upstreamURL, leftover); err != nil {
		return proxyerr.New(proxyerr.KindUpstreamUnavailable, err, "write upgrade request to upstream")
	}

	return relayVerbatim(m.conn, upstream)
}

// resolveUpstream picks the upstream URL for an inner request. Inside an
// already-open CONNECT tunnel the upstream is fixed to the CONNECT target
// (spec §4.2 step 5 "RELAY"); only outside a tunnel does it apply the
// proxy-ep Authorization hint (spec §6) ahead of the static route table
// (spec §4.3).
func (m *Machine) resolveUpstream(req *wire.Request, path string) (*url.URL, error) {
	if m.tunnelUpstream != nil {
		return tunnelRequestURL(m.tunnelHostHeader, path)
	}

	if auth, ok := req.Get("Authorization"); ok {
		if hint, ok := route.ExtractProxyEndpointHint(auth); ok {
			u, err := route.ResolveHint(hint)
			if err != nil {
				return nil, err
			}
			withPath, err := url.Parse(path)
			if err != nil {
				return nil, err
			}
			u.Path = withPath.Path
			u.RawQuery = withPath.RawQuery
			return u, nil
		}
	}

	u, ok := m.routes.Resolve(path)
	if !ok {
		return nil, fmt.Errorf("no route matches %q", path)
	}
	return u, nil
}

// readBody pulls the request body (if any) off the connection beyond
// whatever the header parser already buffered, returning the body bytes
// and any bytes still pending after it (the start of a pipelined
// request).
func (m *Machine) readBody(req *wire.Request) (body []byte, leftover []byte, err error) {
	want := req.ContentLength()
	have := m.parser.Remainder(req.BodyOffset)

	buf := make([]byte, 8*1024)
	for len(have) < want {
		n, rerr := m.conn.Read(buf)
		if n > 0 {
			have = append(have, buf[:n]...)
		}
		if rerr != nil {
			if len(have) >= want {
				break
			}
			return nil, nil, rerr
		}
	}

	if want > len(have) {
		want = len(have)
	}
	body = have[:want]
	leftover = have[want:]
	return body, leftover, nil
}

func (m *Machine) dialUpstream(ctx context.Context, u *url.URL) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: m.dialTimeout}
	addr := hostWithPort(u)

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if u.Scheme == "https" {
		tlsConn := tls.Client(conn, m.tlsFactory.ClientConfig(u.Hostname()))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		return tlsConn, nil
	}
	return conn, nil
}

// relayResponse reads the upstream's status line, headers and body, runs
// the body through the streaming response rewriter, and writes the
// result to the client (spec §4.5).
func (m *Machine) relayResponse(upstream net.Conn, streamCtx *pipeline.Context, outputSteps []stream.OutputStep) error {
	br := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return fmt.Errorf("read upstream response: %w", err)
	}
	defer resp.Body.Close()

	stripHopHeaders(resp.Header)

	rewriter := stream.NewRewriter(outputSteps, streamCtx)

	if isEventStream(resp) {
		return m.relayChunked(resp, rewriter)
	}
	return m.relaySingleBody(resp, rewriter)
}

func (m *Machine) relayChunked(resp *http.Response, rewriter *stream.Rewriter) error {
	resp.Header.Del("Content-Length")
	resp.Header.Set("Transfer-Encoding", "chunked")
	if err := writeResponseHead(m.conn, resp); err != nil {
		return err
	}

	cw := newChunkedWriter(m.conn)
	buf := make([]byte, 4*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if ferr := rewriter.FeedSSE(buf[:n], cw); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			if ferr := rewriter.Flush(cw); ferr != nil {
				return ferr
			}
			return cw.Close()
		}
		if err != nil {
			return err
		}
	}
}

func (m *Machine) relaySingleBody(resp *http.Response, rewriter *stream.Rewriter) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var out strings.Builder
	if werr := rewriter.WriteSingle(body, &out); werr != nil {
		return werr
	}

	resp.Header.Set("Content-Length", strconv.Itoa(out.Len()))
	if err := writeResponseHead(m.conn, resp); err != nil {
		return err
	}
	_, err = io.WriteString(m.conn, out.String())
	return err
}

func (m *Machine) handleProtocolError(err error) error {
	var perr *proxyerr.Error
	if errors.As(err, &perr) {
		if status, ok := perr.Status(); ok {
			m.writeStatusLine(status, perr.Error())
		}
	}
	m.logger.Warn().Err(err).Msg("connection closed after error")
	return err
}

func (m *Machine) writeStatusLine(status int, body string) {
	fmt.Fprintf(m.conn, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
}

func (m *Machine) writeShortcircuit(resp *pipeline.Response) {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", resp.Status, http.StatusText(resp.Status))
	for k, vs := range resp.Headers {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(resp.Body))
	b.Write(resp.Body)
	io.WriteString(m.conn, b.String())
}

// requestPath extracts the path+query from a request target, handling
// both absolute-form (http(s)://host/path) and origin-form (/path)
// targets (spec §4.2 step 4).
func requestPath(target string) (string, error) {
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", err
		}
		return u.RequestURI(), nil
	}
	return target, nil
}

// tunnelRequestURL builds the per-request URL for a request relayed
// through an already-open CONNECT tunnel: the host is pinned to the
// CONNECT target and only path and query vary per inner request.
func tunnelRequestURL(hostHeader, path string) (*url.URL, error) {
	withPath, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	return &url.URL{Scheme: "https", Host: hostHeader, Path: withPath.Path, RawQuery: withPath.RawQuery}, nil
}

func hostWithPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return u.Host + ":443"
	}
	return u.Host + ":80"
}

func headerListToHTTP(headers []wire.Header) http.Header {
	h := make(http.Header, len(headers))
	for _, entry := range headers {
		h.Add(entry.Name, entry.Value)
	}
	return h
}

func stripHopHeaders(h http.Header) {
	for k := range hopHeaders {
		h.Del(k)
	}
}

func isEventStream(resp *http.Response) bool {
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return true
	}
	return resp.ContentLength < 0
}

// writeForwardedRequest writes the request line, the forwarded header
// list (every client header except Host and Content-Length, per spec
// §4.2 step 4), and the body to upstream.
func writeForwardedRequest(upstream net.Conn, req *wire.Request, upstreamURL *url.URL, body []byte) error {
	var b strings.Builder
	requestURI := upstreamURL.RequestURI()
	fmt.Fprintf(&b, "%s %s %s\r\n", req.Line.Method, requestURI, req.Line.Version)
	fmt.Fprintf(&b, "Host: %s\r\n", upstreamURL.Host)
	for _, h := range req.Headers {
		if strings.EqualFold(h.Name, "Host") || strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))

	if _, err := io.WriteString(upstream, b.String()); err != nil {
		return err
	}
	_, err := upstream.Write(body)
	return err
}

func writeResponseHead(w io.Writer, resp *http.Response) error {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %s\r\n", resp.Status)
	for k, vs := range resp.Header {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}
