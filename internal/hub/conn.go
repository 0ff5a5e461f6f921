package hub

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Conn is a framed duplex message connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Conn to url. binary selects binary frames over text frames.
type Dialer func(ctx context.Context, url string, binary bool) (Conn, error)

// DialWebsocket is the default Dialer.
func DialWebsocket(ctx context.Context, url string, binary bool) (Conn, error) {
	return DialWebsocketWithHeader(ctx, url, binary, nil)
}

// DialWebsocketWithHeader dials url with extra handshake headers.
func DialWebsocketWithHeader(ctx context.Context, url string, binary bool, header http.Header) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}
	return &wsConn{conn: c, typ: typ}, nil
}

type wsConn struct {
	conn *websocket.Conn
	typ  websocket.MessageType
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, w.typ, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}
