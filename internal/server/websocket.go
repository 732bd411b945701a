package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"project-collab-chat/internal/session"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 64 << 10
	sendBuffer   = 128
)

var errConnClosed = errors.New("connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// conn serializes writes to a websocket through a bounded queue
type conn struct {
	id     string
	ws     *websocket.Conn
	logger *zap.SugaredLogger

	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newConn(ws *websocket.Conn, logger *zap.SugaredLogger) *conn {
	id := xid.New().String()
	return &conn{
		id:     id,
		ws:     ws,
		logger: logger.With("conn", id),
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

func (c *conn) start() {
	go c.writeLoop()
}

// enqueue never blocks; a client that cannot keep up is disconnected
func (c *conn) enqueue(payload []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.logger.Warnf("Send buffer of %d frames is full, closing", sendBuffer)
		c.close(websocket.ClosePolicyViolation, "send buffer full")
		return errConnClosed
	}
}

func (c *conn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.logger.Debugf("Writing frame: %v", err)
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (c *conn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}

// sockets tracks open connections so they can be closed on shutdown;
// http.Server.Shutdown does not wait for hijacked connections
type sockets struct {
	mu    sync.Mutex
	conns map[string]*conn
}

func newSockets() *sockets {
	return &sockets{conns: make(map[string]*conn)}
}

func (s *sockets) add(c *conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *sockets) remove(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

func (s *sockets) closeAll() {
	s.mu.Lock()
	all := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		all = append(all, c)
	}
	s.mu.Unlock()

	for _, c := range all {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

type viewFrame struct {
	Type string       `json:"type"`
	View session.View `json:"view"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// chatSocket handles websocket connections on "/ws?user=<id>" endpoint
// every connection drives its own chat session; the client sends
// {"type":"open","project":...}, {"type":"send","text":...}, {"type":"dismiss"} and {"type":"close"}
// and receives every rendered view
func (h *handler) chatSocket(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		http.Error(w, "Query parameter \"user\" must identify a signed-in user", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		h.logger.Debugf("Websocket upgrade: %v", err)
		return
	}

	c := newConn(ws, h.logger)
	c.start()
	h.sockets.add(c)
	defer func() {
		h.sockets.remove(c)
		c.close(websocket.CloseNormalClosure, "session closed")
	}()

	renderer := session.RendererFunc(func(v session.View) {
		payload, err := json.Marshal(viewFrame{Type: "view", View: v})
		if err != nil {
			h.logger.Errorf("Marshaling view: %v", err)
			return
		}
		_ = c.enqueue(payload)
	})

	ctrl, err := session.Start(r.Context(), h.logger, user, h.sessionDeps(), renderer, h.sessionOpts...)
	if err != nil {
		h.replyError(c, "unauthenticated", err.Error())
		return
	}
	defer ctrl.Close()

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debugf("Reading frame: %v", err)
			}
			return
		}

		if done := h.handleFrame(c, ctrl, data); done {
			return
		}
	}
}

// handleFrame applies one client frame to ctrl and reports whether the client asked to close
func (h *handler) handleFrame(c *conn, ctrl *session.Controller, data []byte) bool {
	parser := h.parsers.framesPool.Get()
	defer h.parsers.framesPool.Put(parser)

	v, err := parser.ParseBytes(data)
	if err != nil {
		h.replyError(c, "bad_request", "Malformed JSON")
		return false
	}

	switch string(v.GetStringBytes("type")) {
	case "open":
		if err := ctrl.Open(string(v.GetStringBytes("project"))); err != nil {
			h.replyError(c, "closed", err.Error())
			return true
		}
	case "send":
		if err := ctrl.Send(string(v.GetStringBytes("text"))); err != nil {
			h.replyError(c, "rejected", err.Error())
		}
	case "dismiss":
		ctrl.Dismiss()
	case "close":
		return true
	default:
		h.replyError(c, "unsupported_type", "Unknown frame type")
	}

	return false
}

func (h *handler) replyError(c *conn, code, message string) {
	payload, err := json.Marshal(errorFrame{Type: "error", Code: code, Error: message})
	if err != nil {
		return
	}
	_ = c.enqueue(payload)
}
