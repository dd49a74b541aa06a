package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"
)

const writeWait = 10 * time.Second

// Upgrader accepts bridge connections on the driver's HTTP server.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the bridge is served to the local kiosk host, not to browsers
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebsocketTransport carries one message per websocket text frame.
type WebsocketTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewWebsocketTransport(logger *slog.Logger, conn *websocket.Conn) *WebsocketTransport {
	return &WebsocketTransport{
		conn:   conn,
		logger: logger.With(slog.String("component", "websocket"), slog.String("remote", conn.RemoteAddr().String())),
	}
}

// DialWebsocket connects the caller side to a driver serving the bridge at url.
func DialWebsocket(ctx context.Context, logger *slog.Logger, url string) (*WebsocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewWebsocketTransport(logger, conn), nil
}

func (t *WebsocketTransport) Send(msg []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrTransportClosed
		}
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func (t *WebsocketTransport) Listen(ctx context.Context, handle func(msg []byte)) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			t.conn.Close()
		case <-done:
		}
	}()

	for {
		kind, msg, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Error("websocket read", "err", err)
				return fmt.Errorf("reading message: %w", err)
			}
			return nil
		}
		if kind != websocket.TextMessage {
			t.logger.Warn("ignoring non text frame", slog.Int("type", kind))
			continue
		}
		handle(msg)
	}
}

// Close sends a close frame and releases the connection.
func (t *WebsocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			t.logger.Debug("sending close frame", "err", werr)
		}
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
