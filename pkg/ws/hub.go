package ws

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType WebSocket 消息类型
const (
	MsgTypeInit            = "init"             // 初始化数据（最近周期与未解决异常）
	MsgTypeAnomalyOpened   = "anomaly_opened"   // 新异常
	MsgTypeAnomalyResolved = "anomaly_resolved" // 异常解决
	MsgTypeCycleCompleted  = "cycle_completed"  // 周期汇总
	MsgTypeSubscribed      = "subscribed"       // 订阅确认
	MsgTypeError           = "error"            // 错误消息
)

// 客户端动作
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Message WebSocket 消息结构
type Message struct {
	Type      string      `json:"type"`
	StationID string      `json:"station_id,omitempty"`
	Data      interface{} `json:"data"`
}

// Request 客户端请求
type Request struct {
	Action    string `json:"action"`
	StationID string `json:"station_id"`
}

type envelope struct {
	stationID string
	payload   []byte
}

type reply struct {
	client  *Client
	payload []byte
}

// Client WebSocket 客户端
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	stations map[string]struct{}
}

// Hub WebSocket 连接管理中心
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	broadcast  chan envelope
	replies    chan reply
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	// 初始数据提供者回调
	getInitData func() interface{}
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		replies:    make(chan reply, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// SetInitDataProvider 设置初始数据提供者
func (h *Hub) SetInitDataProvider(provider func() interface{}) {
	h.getInitData = provider
}

// Run 运行 Hub，ctx 结束时断开全部客户端
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected", zap.Int("total_clients", total))

			h.sendInitData(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client disconnected", zap.Int("total_clients", total))

		case r := <-h.replies:
			h.mu.Lock()
			if h.clients[r.client] {
				select {
				case r.client.send <- r.payload:
				default:
				}
			}
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(env.stationID) {
					continue
				}
				select {
				case client.send <- env.payload:
				default:
					// 慢消费者，关闭连接
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// sendInitData 发送初始数据给新连接的客户端
func (h *Hub) sendInitData(client *Client) {
	if h.getInitData == nil {
		return
	}

	initData := h.getInitData()
	if initData == nil {
		h.logger.Warn("Init data provider returned nil")
		return
	}

	data, err := json.Marshal(Message{Type: MsgTypeInit, Data: initData})
	if err != nil {
		h.logger.Error("Failed to marshal init data", zap.Error(err))
		return
	}

	select {
	case client.send <- data:
		h.logger.Debug("Sent init data to client")
	default:
		h.logger.Warn("Failed to send init data, client buffer full")
	}
}

// Publish 推送事件；stationID 为空的事件发给所有客户端，
// 否则只发给未订阅任何站点或订阅了该站点的客户端
func (h *Hub) Publish(msgType, stationID string, data interface{}) {
	payload, err := json.Marshal(Message{Type: msgType, StationID: stationID, Data: data})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- envelope{stationID: stationID, payload: payload}:
	default:
		h.logger.Warn("Broadcast buffer full, dropping message", zap.String("type", msgType))
	}
}

// ClientCount 获取客户端数量
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient 创建客户端
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		stations: make(map[string]struct{}),
	}
}

// Register 注册客户端
func (c *Client) Register() {
	select {
	case c.hub.register <- c:
	case <-c.hub.done:
		close(c.send)
	}
}

// Unregister 注销客户端
func (c *Client) Unregister() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

func (c *Client) wants(stationID string) bool {
	if stationID == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.stations) == 0 {
		return true
	}
	_, ok := c.stations[stationID]
	return ok
}

// handle 处理订阅请求，返回给客户端的回复
func (c *Client) handle(raw []byte) Message {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Message{Type: MsgTypeError, Data: "invalid request"}
	}
	stationID := strings.TrimSpace(req.StationID)
	if stationID == "" {
		return Message{Type: MsgTypeError, Data: "station_id is required"}
	}

	c.mu.Lock()
	switch req.Action {
	case ActionSubscribe:
		c.stations[stationID] = struct{}{}
	case ActionUnsubscribe:
		delete(c.stations, stationID)
	default:
		c.mu.Unlock()
		return Message{Type: MsgTypeError, Data: "unknown action: " + req.Action}
	}
	subscribed := make([]string, 0, len(c.stations))
	for id := range c.stations {
		subscribed = append(subscribed, id)
	}
	c.mu.Unlock()
	sort.Strings(subscribed)

	return Message{Type: MsgTypeSubscribed, StationID: stationID, Data: subscribed}
}

// ReadPump 读取订阅请求
func (c *Client) ReadPump() {
	defer func() {
		c.Unregister()
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		payload, err := json.Marshal(c.handle(raw))
		if err != nil {
			continue
		}
		select {
		case c.hub.replies <- reply{client: c, payload: payload}:
		case <-c.hub.done:
			return
		}
	}
}

// WritePump 发送消息
func (c *Client) WritePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			break
		}
	}
}
