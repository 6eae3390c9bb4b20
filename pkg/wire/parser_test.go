// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-core-stack/codegate-proxy/pkg/proxyerr"
)

func TestTryParseNeedsMoreData(t *testing.T) {
	p := NewParser(0)
	require.NoError(t, p.Feed([]byte("GET / HTTP/1.1\r\nHost: example.com")))
	_, ok, err := p.TryParse()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTryParseConnect(t *testing.T) {
	p := NewParser(0)
	require.NoError(t, p.Feed([]byte("CONNECT api.example.com:443 HTTP/1.1\r\n\r\n")))
	req, ok, err := p.TryParse()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, req.Line.IsConnect())
	require.Equal(t, "api.example.com:443", req.Line.Target)
}

func TestTryParsePreservesHeaderOrderAndCasing(t *testing.T) {
	p := NewParser(0)
	raw := "POST /v1/chat HTTP/1.1\r\nHost: example.com\r\nX-Request-ID: abc\r\nContent-Length: 5\r\n\r\nhello"
	require.NoError(t, p.Feed([]byte(raw)))
	req, ok, err := p.TryParse()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []Header{
		{Name: "Host", Value: "example.com"},
		{Name: "X-Request-ID", Value: "abc"},
		{Name: "Content-Length", Value: "5"},
	}, req.Headers)
	require.Equal(t, 5, req.ContentLength())
	require.Equal(t, "hello", string(p.Remainder(req.BodyOffset)))
}

func TestFeedOverflowsBeforeTerminator(t *testing.T) {
	p := NewParser(16)
	err := p.Feed([]byte(strings.Repeat("a", 17)))
	require.Error(t, err)
	var pe *proxyerr.Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, proxyerr.KindBufferOverflow, pe.Kind)
}

func TestFeedAllowsGrowthUntilTerminatorFound(t *testing.T) {
	p := NewParser(64)
	require.NoError(t, p.Feed([]byte("GET / HTTP/1.1\r\n")))
	require.NoError(t, p.Feed([]byte("Host: example.com\r\n\r\n")))
	_, ok, err := p.TryParse()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMalformedRequestLine(t *testing.T) {
	p := NewParser(0)
	require.NoError(t, p.Feed([]byte("GARBAGE\r\n\r\n")))
	_, _, err := p.TryParse()
	require.Error(t, err)
	var pe *proxyerr.Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, proxyerr.KindClientProtocolError, pe.Kind)
}

func TestResetPrimesWithLeftover(t *testing.T) {
	p := NewParser(0)
	require.NoError(t, p.Feed([]byte("GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\n\r\n")))
	req, ok, err := p.TryParse()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/a", req.Line.Target)

	leftover := p.Remainder(req.BodyOffset)
	p.Reset(leftover)

	req2, ok, err := p.TryParse()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/b", req2.Line.Target)
}
