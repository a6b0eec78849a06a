package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shepherd-project/gpuwatch/internal/logger"
)

// EventSnapshot carries a full monitor.Snapshot, sent once per refresh.
const EventSnapshot = "snapshot"

const (
	clientQueue  = 16
	eventQueue   = 64
	pingInterval = 54 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// Event is the JSON envelope of every WebSocket message.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// wsClient is one connected viewer. Viewers only listen.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// hub fans encoded events out to every viewer. A viewer whose queue is full
// is disconnected rather than slowing the refresh loop.
type hub struct {
	mu       sync.Mutex
	clients  map[*wsClient]struct{}
	events   chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func newHub() *hub {
	return &hub{
		clients: make(map[*wsClient]struct{}),
		events:  make(chan []byte, eventQueue),
		done:    make(chan struct{}),
	}
}

// Run delivers events until Stop, then disconnects everyone.
func (h *hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				h.removeLocked(c)
			}
			h.mu.Unlock()
			return
		case msg := <-h.events:
			h.fanOut(msg)
		}
	}
}

func (h *hub) fanOut(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			logger.WithField("client", c.id).Warn("websocket 客户端过慢，已断开")
			h.removeLocked(c)
		}
	}
}

func (h *hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Emit queues one event. It never blocks: with the queue full the event is
// lost, the next refresh sends a newer one anyway.
func (h *hub) Emit(eventType string, data interface{}) {
	msg, err := json.Marshal(Event{Type: eventType, Data: data, Timestamp: time.Now().Unix()})
	if err != nil {
		logger.WithError(err).Errorf("编码 %s 事件失败", eventType)
		return
	}

	select {
	case h.events <- msg:
	default:
	}
}

// add registers c unless the hub has stopped.
func (h *hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return false
	default:
	}
	h.clients[c] = struct{}{}
	logger.WithField("client", c.id).Debug("websocket 客户端已连接")
	return true
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	logger.WithField("client", c.id).Debug("websocket 客户端已断开")
}

func (h *hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// writeLoop forwards queued events and keeps the connection alive with pings.
// A closed queue means the hub dropped us.
func (c *wsClient) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		var err error
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			err = c.conn.WriteMessage(websocket.TextMessage, msg)
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = c.conn.WriteMessage(websocket.PingMessage, nil)
		}
		if err != nil {
			return
		}
	}
}

// readLoop discards whatever the viewer sends and returns once it is gone.
func (c *wsClient) readLoop(h *hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.WithField("client", c.id).WithError(err).Warn("websocket 连接异常关闭")
			}
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		// 只读的监控数据，允许任意来源的页面订阅
		return true
	},
}

// handleWebSocket upgrades GET /ws and streams snapshot events.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WithError(err).Warn("websocket 升级失败")
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientQueue),
	}
	if !s.hub.add(client) {
		conn.Close()
		return
	}

	go client.writeLoop()
	client.readLoop(s.hub)
}
