package coordinator

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodewire/blearbiter/pkg/wire"
)

// agentLink adapts a *websocket.Conn to nodepool.Link, serializing writes
// through a single writer goroutine fed by a buffered send channel.
type agentLink struct {
	conn       *websocket.Conn
	remoteAddr string

	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newAgentLink(conn *websocket.Conn) *agentLink {
	return &agentLink{
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		send:       make(chan []byte, 64),
		closed:     make(chan struct{}),
	}
}

// Send implements nodepool.Link.
func (l *agentLink) Send(env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	select {
	case l.send <- data:
		return nil
	case <-l.closed:
		return errWriterClosed
	default:
		return errSendBufferFull
	}
}

// Ping implements nodepool.Link. WriteControl is safe to call concurrently
// with writePump's WriteMessage calls, unlike WriteMessage itself.
func (l *agentLink) Ping() error {
	return l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// Close implements nodepool.Link. It only signals l.closed; l.send is never
// closed, since Send and Close race from unrelated goroutines (handoff,
// routing, node removal) and a send on a closed channel would panic.
func (l *agentLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
	})
	return l.conn.Close()
}

// writePump drains the send channel onto the connection until closed.
func (l *agentLink) writePump() {
	for {
		select {
		case data := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-l.closed:
			return
		}
	}
}

// RemoteAddr implements nodepool.Link.
func (l *agentLink) RemoteAddr() string {
	return l.remoteAddr
}
