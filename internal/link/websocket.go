package link

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	appLog "eclock/internal/log"
)

// WebSocket accepts the frame stream as websocket messages. Every text or
// binary message is appended to the stream in arrival order; a reply text
// message reports "ok" or the display error.
type WebSocket struct {
	Sink    io.Writer
	Tracker *Tracker

	upgrader websocket.Upgrader
}

const (
	wsReadLimit  = 1 << 20
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsWriteWait  = 10 * time.Second
)

func NewWebSocket(sink io.Writer, tr *Tracker) *WebSocket {
	return &WebSocket{
		Sink:    sink,
		Tracker: tr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (ws *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		appLog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err.Error())
		return
	}
	defer conn.Close()

	name := "websocket:" + r.RemoteAddr
	if ws.Tracker != nil {
		ws.Tracker.up("websocket")
		defer ws.Tracker.down("websocket")
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		tk := time.NewTicker(wsPingPeriod)
		defer tk.Stop()
		for {
			select {
			case <-done:
				return
			case <-tk.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				appLog.Warn("websocket read failed", "link", name, "err", err.Error())
			}
			return
		}
		if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		reply := "ok"
		if _, err := ws.Sink.Write(data); err != nil {
			reply = "error: " + err.Error()
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
			return
		}
	}
}
