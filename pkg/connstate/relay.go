// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package connstate

import (
	"bytes"
	"fmt"
	"io"
	"net"
)

// prefixedConn replays buffered bytes before falling through to the
// wrapped connection's own Read, so bytes already pulled off the wire by
// the READ_HEADERS parser are not lost when the same socket is handed to
// a TLS handshake (spec §4.2 step 3, §9 "cyclic references" resolved by
// keeping the parser's leftover buffer explicit rather than re-buffering
// inside the TLS layer).
type prefixedConn struct {
	net.Conn
	prefix *bytes.Reader
}

func newPrefixedConn(c net.Conn, leftover []byte) net.Conn {
	if len(leftover) == 0 {
		return c
	}
	return &prefixedConn{Conn: c, prefix: bytes.NewReader(leftover)}
}

func (p *prefixedConn) Read(b []byte) (int, error) {
	if p.prefix != nil && p.prefix.Len() > 0 {
		n, err := p.prefix.Read(b)
		if p.prefix.Len() == 0 {
			p.prefix = nil
		}
		return n, err
	}
	return p.Conn.Read(b)
}

// halfCloser is implemented by connections that support independently
// closing their write side (spec §4.2 step 6 "either end closing
// triggers a half-close on the other").
type halfCloser interface {
	CloseWrite() error
}

// relayVerbatim copies bytes bidirectionally between the client and
// upstream connections until either side closes, half-closing the write
// side of the peer as soon as one direction reaches EOF. Used for
// traffic the connection state machine does not route through the
// pipeline (spec §4.2 step 5 "forwarded verbatim otherwise").
func relayVerbatim(client, upstream net.Conn) error {
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, client)
		halfClose(upstream)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(client, upstream)
		halfClose(client)
		errc <- err
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func halfClose(c net.Conn) {
	if hc, ok := c.(halfCloser); ok {
		_ = hc.CloseWrite()
		return
	}
	_ = c.Close()
}

// chunkedWriter wraps a connection and frames every Write as one HTTP/1.1
// chunk, for forwarding a streamed upstream response to the client
// without knowing its total length up front (spec §4.5 "processed
// chunk-by-chunk without waiting for EOF").
type chunkedWriter struct {
	w io.Writer
}

func newChunkedWriter(w io.Writer) *chunkedWriter {
	return &chunkedWriter{w: w}
}

func (c *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := c.w.Write(p); err != nil {
		return 0, err
	}
	if _, err := c.w.Write([]byte("\r\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close writes the terminating zero-length chunk.
func (c *chunkedWriter) Close() error {
	_, err := c.w.Write([]byte("0\r\n\r\n"))
	return err
}
