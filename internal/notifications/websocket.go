package notifications

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const websocketWriteTimeout = 5 * time.Second

// WebSocketSink streams events as JSON text frames to a push gateway that
// relays them to UI sessions. A failed write drops the connection; the next
// attempt redials.
type WebSocketSink struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSink returns nil when no gateway URL is configured.
func NewWebSocketSink(url string, header http.Header) *WebSocketSink {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	return &WebSocketSink{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Name identifies the sink in logs and metrics.
func (w *WebSocketSink) Name() string { return "websocket" }

// Publish writes one event, dialing first if needed.
func (w *WebSocketSink) Publish(ctx context.Context, event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		conn, _, err := w.dialer.DialContext(ctx, w.url, w.header)
		if err != nil {
			return fmt.Errorf("dial push gateway: %w", err)
		}
		w.conn = conn
	}
	deadline := time.Now().Add(websocketWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteJSON(event); err != nil {
		_ = w.conn.Close()
		w.conn = nil
		return fmt.Errorf("write push gateway: %w", err)
	}
	return nil
}

// Close sends a close frame and releases the connection.
func (w *WebSocketSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(time.Second))
	err := w.conn.Close()
	w.conn = nil
	return err
}
