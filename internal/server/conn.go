package server

import (
	"context"
	"errors"
	"io"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/speculo/internal/session"
)

var _ session.Conn = (*wsConn)(nil)

// wsConn adapts a WebSocket to [session.Conn]. Binary messages carry audio;
// text messages from the client are ignored.
type wsConn struct {
	c *websocket.Conn
}

// ReadAudio returns the next binary message. A normal close or going-away
// close from the client is reported as io.EOF.
func (w *wsConn) ReadAudio(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := w.c.Read(ctx)
		if err != nil {
			if clientClosed(err) {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ == websocket.MessageBinary {
			return data, nil
		}
	}
}

// WriteJSON sends v as a text message.
func (w *wsConn) WriteJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, w.c, v)
}

// WriteAudio sends audio as a binary message.
func (w *wsConn) WriteAudio(ctx context.Context, audio []byte) error {
	return w.c.Write(ctx, websocket.MessageBinary, audio)
}

func clientClosed(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return errors.Is(err, io.EOF)
}
