package ws

import (
	"time"

	"github.com/gorilla/websocket"
)

// Routes.
const (
	DevicePath    = "/ws/click-picture"
	ObserverPath  = "/ws/frontend"
	HealthPath    = "/health"
	DocumentsPath = "/api/documents"
)

// Close frames sent by the server.
const (
	CloseInitFailed   = websocket.CloseInternalServerErr
	ReasonInitFailed  = "Failed to initialize camera"
	ReasonResetFailed = "Failed to reset previous scan"
	CloseDeviceBusy   = websocket.ClosePolicyViolation
	ReasonDeviceBusy  = "device already connected"
)

const (
	observerSendBuffer = 64
	controlWriteWait   = time.Second
	maxMessageSize     = 4096

	// writeWait bounds every write; a peer that stops reading is dropped.
	writeWait = 10 * time.Second
	// pongWait is how long a silent peer is kept before its read fails.
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Conn is the subset of *websocket.Conn the registry and sessions use.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// keepAlive limits inbound frames and extends the read deadline on every
// pong, so a peer that vanishes without a close frame is noticed.
func keepAlive(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// ping writes a ping control frame every interval until stop is closed or a
// ping fails.
func ping(conn Conn, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// closeConn sends a close frame and closes conn, ignoring failures.
func closeConn(conn Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait))
	_ = conn.Close()
}
