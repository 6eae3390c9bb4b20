// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package wire implements the incremental HTTP/1.1 request-line and
// header parser that the connection state machine feeds with raw bytes
// as they arrive off the socket (spec §4.2 component 3, §3 "Connection
// state").
package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-core-stack/codegate-proxy/pkg/proxyerr"
)

// MaxHeaderBytes is the default cap on the growing read buffer before
// headers are fully parsed (spec §3: "capped at 10 MiB; overflow is a
// protocol error surfaced as 413").
const MaxHeaderBytes = 10 * 1024 * 1024

var headerTerminator = []byte("\r\n\r\n")

// Header preserves the original casing and insertion order of a single
// "Name: value" line, per spec §3.
type Header struct {
	Name  string
	Value string
}

// RequestLine is the parsed first line of an HTTP/1.1 message.
type RequestLine struct {
	Method  string
	Target  string
	Version string
}

// IsConnect reports whether this request line is a CONNECT tunnel setup.
func (r RequestLine) IsConnect() bool {
	return strings.EqualFold(r.Method, "CONNECT")
}

// Request is a fully parsed request-line-plus-headers; the body, if any,
// follows immediately in the source buffer starting at BodyOffset.
type Request struct {
	Line       RequestLine
	Headers    []Header
	BodyOffset int
}

// Get returns the first header value matching name (case-insensitive),
// and whether it was found.
func (r *Request) Get(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// ContentLength returns the parsed Content-Length header, or 0 if absent
// or malformed.
func (r *Request) ContentLength() int {
	v, ok := r.Get("Content-Length")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Parser accumulates bytes from a client connection and extracts complete
// request-line-plus-header blocks. It is READ_HEADERS from spec §4.2
// step 1: one Parser is reused across the pipelined requests of a single
// stream (reset between them); the connection state machine starts a
// fresh Parser for the decrypted inner stream after a CONNECT.
type Parser struct {
	buf      bytes.Buffer
	maxBytes int
}

// NewParser constructs a Parser capped at maxBytes of buffered header
// data. A maxBytes of 0 uses MaxHeaderBytes.
func NewParser(maxBytes int) *Parser {
	if maxBytes <= 0 {
		maxBytes = MaxHeaderBytes
	}
	return &Parser{maxBytes: maxBytes}
}

// Feed appends newly read bytes to the internal buffer. It returns
// proxyerr(KindBufferOverflow) if the buffer would exceed the configured
// cap before a full header block is seen.
func (p *Parser) Feed(chunk []byte) error {
	if p.buf.Len()+len(chunk) > p.maxBytes && !bytes.Contains(p.buf.Bytes(), headerTerminator) {
		combined := append(p.buf.Bytes()[:p.buf.Len():p.buf.Len()], chunk...)
		idx := bytes.Index(combined, headerTerminator)
		if idx < 0 || idx+len(headerTerminator) > p.maxBytes {
			return proxyerr.New(proxyerr.KindBufferOverflow, nil, "header block exceeds maximum size")
		}
	}
	p.buf.Write(chunk)
	return nil
}

// TryParse attempts to extract one complete request from the buffered
// bytes. ok is false when more data is needed. A malformed request line
// or header yields proxyerr(KindClientProtocolError).
func (p *Parser) TryParse() (req *Request, ok bool, err error) {
	raw := p.buf.Bytes()
	idx := bytes.Index(raw, headerTerminator)
	if idx < 0 {
		return nil, false, nil
	}

	headerBlock := raw[:idx]
	bodyOffset := idx + len(headerTerminator)

	lines := strings.Split(string(headerBlock), "\r\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, false, proxyerr.New(proxyerr.KindClientProtocolError, nil, "empty request line")
	}

	reqLine, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, false, err
	}

	headers, err := parseHeaders(lines[1:])
	if err != nil {
		return nil, false, err
	}

	return &Request{Line: reqLine, Headers: headers, BodyOffset: bodyOffset}, true, nil
}

// Remainder returns the bytes following the most recently parsed
// request's headers (its body plus anything pipelined after it).
func (p *Parser) Remainder(bodyOffset int) []byte {
	raw := p.buf.Bytes()
	if bodyOffset > len(raw) {
		return nil
	}
	out := make([]byte, len(raw)-bodyOffset)
	copy(out, raw[bodyOffset:])
	return out
}

// Reset clears the buffer and primes it with leftover bytes (e.g. after
// consuming one pipelined request's body).
func (p *Parser) Reset(leftover []byte) {
	p.buf.Reset()
	if len(leftover) > 0 {
		p.buf.Write(leftover)
	}
}

func parseRequestLine(line string) (RequestLine, error) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return RequestLine{}, proxyerr.New(proxyerr.KindClientProtocolError, nil,
			fmt.Sprintf("malformed request line: %q", line))
	}
	return RequestLine{Method: parts[0], Target: parts[1], Version: parts[2]}, nil
}

func parseHeaders(lines []string) ([]Header, error) {
	var headers []Header
	for _, line := range lines {
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, proxyerr.New(proxyerr.KindClientProtocolError, nil,
				fmt.Sprintf("malformed header line: %q", line))
		}
		name := line[:colon]
		value := strings.TrimSpace(line[colon+1:])
		headers = append(headers, Header{Name: name, Value: value})
	}
	return headers, nil
}
