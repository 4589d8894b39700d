package broker

import (
	"sync"

	"github.com/gorilla/websocket"
)

// transportWriter adapts a *websocket.Conn to session.Writer. gorilla's Conn
// permits at most one concurrent writer; the mutex covers the handshake
// write, which happens before the session's own writer goroutine starts.
type transportWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newTransportWriter(conn *websocket.Conn) *transportWriter {
	return &transportWriter{conn: conn}
}

func (t *transportWriter) WriteText(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *transportWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}
