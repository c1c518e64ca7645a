package gateway

import (
	"errors"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrConnClosed is returned by Transport.ReadMessage when the peer sent a
// close frame or the underlying connection is gone.
var ErrConnClosed = errors.New("gateway: connection closed")

// Transport is the seam between Session/Gateway and the wire: production
// code talks raw WebSocket frames via wsTransport, tests talk in-memory
// channels via a fake, without either side knowing the difference.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// wsTransport is the production Transport, grounded directly on the
// teacher's readPump/writePump (internal/shared/pump_read.go,
// pump_write.go): raw gobwas/ws frames over a net.Conn, text frames only.
type wsTransport struct {
	conn net.Conn
}

func NewWSTransport(conn net.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	data, op, err := wsutil.ReadClientData(t.conn)
	if err != nil {
		return nil, err
	}
	switch op {
	case ws.OpClose:
		return nil, ErrConnClosed
	case ws.OpPing:
		// wsutil answers pings with a pong automatically; nothing to do.
		return nil, nil
	default:
		return data, nil
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return wsutil.WriteServerMessage(t.conn, ws.OpText, data)
}

func (t *wsTransport) Ping() error {
	return wsutil.WriteServerMessage(t.conn, ws.OpPing, nil)
}

func (t *wsTransport) SetReadDeadline(tm time.Time) error  { return t.conn.SetReadDeadline(tm) }
func (t *wsTransport) SetWriteDeadline(tm time.Time) error { return t.conn.SetWriteDeadline(tm) }
func (t *wsTransport) Close() error                        { return t.conn.Close() }
