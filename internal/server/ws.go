package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ganglionhq/ganglion/internal/session"
)

// heartbeatInterval is how often the gateway pings the browser. A client
// that misses pongs past the grace window is considered gone.
const heartbeatInterval = 15 * time.Second

const pongWait = heartbeatInterval * 2

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsRemote adapts a gorilla connection to the capability interface the
// session holds on its browser. gorilla permits one concurrent writer,
// so every write takes the lock.
type wsRemote struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (r *wsRemote) WriteBinary(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (r *wsRemote) WriteText(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

func (r *wsRemote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	return r.conn.Close()
}

func (r *wsRemote) ping() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	width := queryInt(req, "width", 80)
	height := queryInt(req, "height", 24)

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	remote := &wsRemote{conn: conn}
	sess := session.New(session.Options{
		Command: r.cfg.App.Command,
		Debug:   r.cfg.App.Debug,
		Env:     r.cfg.App.Env,
	}, remote, r.downloads, r.logger)

	r.sessions.Add(sess)
	defer func() {
		sess.Stop()
		r.sessions.Remove(sess)
		conn.Close()
		r.logger.Debug("websocket disconnected", "session_id", sess.ID())
	}()

	r.logger.Debug("websocket connected",
		"session_id", sess.ID(),
		"remote_addr", req.RemoteAddr,
		"width", width,
		"height", height,
	)

	if err := sess.Start(width, height); err != nil {
		r.logger.Error("starting app session", "error", err)
		return
	}

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go heartbeat(remote, stopHeartbeat)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Debug("websocket read error", "session_id", sess.ID(), "error", err)
			}
			return
		}
		// Binary messages from the browser carry nothing today.
		if messageType == websocket.TextMessage {
			sess.HandleClientText(message)
		}
	}
}

func heartbeat(remote *wsRemote, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := remote.ping(); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
