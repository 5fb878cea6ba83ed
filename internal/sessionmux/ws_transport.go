package sessionmux

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// wsTransport adapts a *websocket.Conn to the Transport interface. Every
// frame is carried as a single WebSocket text message, matching the CDP
// wire convention.
type wsTransport struct {
	conn *websocket.Conn
}

func (w *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsTransport) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsTransport) Close() error {
	return w.conn.Close()
}

// DialWebSocket connects to a CDP debugger WebSocket URL (as returned by the
// browser's /json target list) and wraps it as a Transport.
func DialWebSocket(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("sessionmux: ws dial %s: %w", url, err)
	}
	return &wsTransport{conn: conn}, nil
}

// DialWebSocketWithRetry dials url, retrying with exponential backoff until
// ctx is done. Useful when attaching races the target's debugger endpoint
// becoming available just after targetCreated.
func DialWebSocketWithRetry(ctx context.Context, url string) (Transport, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	var t Transport
	err := backoff.Retry(func() error {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return err
		}
		t = &wsTransport{conn: conn}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("sessionmux: ws dial with retry %s: %w", url, err)
	}
	return t, nil
}
