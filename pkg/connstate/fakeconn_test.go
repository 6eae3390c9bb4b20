// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package connstate

import (
	"io"
	"net"
	"time"
)

// fakeConn adapts a plain io.Reader/io.Writer pair to net.Conn for tests
// that only exercise Read/Write, not real socket semantics.
type fakeConn struct {
	r io.Reader
	w io.Writer
}

func (f *fakeConn) Read(b []byte) (int, error) {
	if f.r == nil {
		return 0, io.EOF
	}
	return f.r.Read(b)
}

func (f *fakeConn) Write(b []byte) (int, error) {
	if f.w == nil {
		return len(b), nil
	}
	return f.w.Write(b)
}

func (f *fakeConn) Close() error                       { return nil }
func (f *fakeConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (f *fakeConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }
