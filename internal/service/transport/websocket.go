package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"securemsg/internal/model"
	"securemsg/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket is a client connection to the relay server.
type WebSocket struct {
	conn   *websocket.Conn
	addr   string
	frames chan model.Frame
	wmu    sync.Mutex
	once   sync.Once
}

var _ Transport = (*WebSocket)(nil)

// Dial opens the relay websocket for addr. serverURL is the http(s) base
// url of the relay.
func Dial(ctx context.Context, serverURL, addr string) (*WebSocket, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u = u.JoinPath("/init")
	u.RawQuery = url.Values{"address": []string{addr}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	ws := &WebSocket{
		conn:   conn,
		addr:   addr,
		frames: make(chan model.Frame, frameBuffer),
	}
	go ws.readLoop()
	return ws, nil
}

func (w *WebSocket) readLoop() {
	defer close(w.frames)
	for {
		var f model.Frame
		if err := w.conn.ReadJSON(&f); err != nil {
			log.Debug("relay websocket closed", zap.String("address", w.addr), zap.Error(err))
			return
		}
		w.frames <- f
	}
}

func (w *WebSocket) Send(ctx context.Context, f model.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.From = w.addr

	w.wmu.Lock()
	defer w.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		w.conn.SetWriteDeadline(deadline)
		defer w.conn.SetWriteDeadline(time.Time{})
	}
	return w.conn.WriteJSON(&f)
}

func (w *WebSocket) Frames() <-chan model.Frame {
	return w.frames
}

func (w *WebSocket) Close() error {
	var err error
	w.once.Do(func() {
		w.wmu.Lock()
		w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		w.wmu.Unlock()
		err = w.conn.Close()
	})
	return err
}
