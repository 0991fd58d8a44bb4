package server

import (
	"net"
	"time"

	"github.com/aeolun/relay/pkg/protocol"
)

// frameConn writes envelopes to a net.Conn as length-prefixed frames.
// The hub's writer goroutine is its only writer, so writes need no lock.
type frameConn struct {
	conn         net.Conn
	writeTimeout time.Duration
}

func newFrameConn(conn net.Conn, writeTimeout time.Duration) *frameConn {
	return &frameConn{conn: conn, writeTimeout: writeTimeout}
}

// WriteEvent encodes and sends one envelope
func (fc *frameConn) WriteEvent(env *protocol.Envelope) error {
	if fc.writeTimeout > 0 {
		if err := fc.conn.SetWriteDeadline(time.Now().Add(fc.writeTimeout)); err != nil {
			return err
		}
	}
	return protocol.WriteEnvelope(fc.conn, env)
}

// Close closes the underlying connection, which also ends its read loop
func (fc *frameConn) Close() error {
	return fc.conn.Close()
}
