package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"partyroom/internal/bus"
	"partyroom/logger"
	"partyroom/model"
)

const (
	sendBufferSize = 256
	readLimit      = 8192
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
)

// Client WebSocket 客户端，每个 (房间, 用户) 只保留一个
type Client struct {
	Hub      *RoomHub
	Conn     *websocket.Conn
	Send     chan []byte
	RoomID   string
	UserID   int64
	Username string
}

// NewClient 创建客户端
func NewClient(hub *RoomHub, conn *websocket.Conn, roomID string, userID int64, username string) *Client {
	return &Client{
		Hub:      hub,
		Conn:     conn,
		Send:     make(chan []byte, sendBufferSize),
		RoomID:   roomID,
		UserID:   userID,
		Username: username,
	}
}

// BroadcastMessage 广播消息
type BroadcastMessage struct {
	RoomID    string
	Message   []byte
	ExcludeID int64 // 排除的用户ID（用于不向发送者回发）
	// CloseAfter 投递后断开房间内所有连接（房间删除）
	CloseAfter bool
}

// RoomHub 房间 WebSocket 管理中心
type RoomHub struct {
	// 房间 -> 客户端集合
	rooms map[string]map[*Client]bool

	// 用户 -> 客户端（一个用户在一个房间只能有一个连接）
	userClients map[string]*Client // key: roomID:userID

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu   sync.RWMutex
	done chan struct{}
	once sync.Once

	// 跨实例转发
	instanceID string
	bus        bus.Bus

	// onGone 在客户端被移除后调用（不持有锁）
	onGone func(client *Client)
}

// NewRoomHub 创建房间 Hub；b 为空时只在本实例内广播
func NewRoomHub(b bus.Bus) *RoomHub {
	return &RoomHub{
		rooms:       make(map[string]map[*Client]bool),
		userClients: make(map[string]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client, 64),
		broadcast:   make(chan *BroadcastMessage, 256),
		done:        make(chan struct{}),
		instanceID:  uuid.NewString(),
		bus:         b,
	}
}

// OnClientGone 设置连接移除回调
func (h *RoomHub) OnClientGone(fn func(client *Client)) {
	h.onGone = fn
}

// Run 启动 Hub 主循环
func (h *RoomHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.broadcastToRoom(msg)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Relay 接收其他实例的广播，直到 ctx 结束
func (h *RoomHub) Relay(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}
	return h.bus.Subscribe(ctx, func(env bus.Envelope) {
		if env.Origin == h.instanceID || env.Message == nil {
			return
		}
		data, err := json.Marshal(env.Message)
		if err != nil {
			return
		}
		h.enqueue(&BroadcastMessage{
			RoomID:     env.RoomID,
			Message:    data,
			ExcludeID:  env.ExcludeUserID,
			CloseAfter: env.Message.Type == model.MsgTypeRoomDeleted,
		})
	})
}

// Stop 停止 Hub
func (h *RoomHub) Stop() {
	h.once.Do(func() { close(h.done) })
}

// registerClient 注册客户端，同一用户的旧连接会被踢掉
func (h *RoomHub) registerClient(client *Client) {
	h.mu.Lock()
	roomID := client.RoomID
	userKey := h.userKey(roomID, client.UserID)

	var kicked *Client
	if old, exists := h.userClients[userKey]; exists {
		if h.removeClient(old) {
			kicked = old
		}
	}

	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][client] = true
	h.userClients[userKey] = client
	h.mu.Unlock()

	if kicked != nil {
		h.gone(kicked)
	}
	logger.Info("client registered",
		logger.Room(roomID),
		logger.User(client.UserID),
		logger.String("username", client.Username))
}

// unregisterClient 注销客户端
func (h *RoomHub) unregisterClient(client *Client) {
	h.mu.Lock()
	removed := h.removeClient(client)
	h.mu.Unlock()

	if removed {
		h.gone(client)
		logger.Info("client unregistered",
			logger.Room(client.RoomID),
			logger.User(client.UserID))
	}
}

// removeClient 移除客户端（内部方法，需要持有锁）
func (h *RoomHub) removeClient(client *Client) bool {
	roomID := client.RoomID
	clients, ok := h.rooms[roomID]
	if !ok || !clients[client] {
		return false
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.rooms, roomID)
	}
	userKey := h.userKey(roomID, client.UserID)
	if h.userClients[userKey] == client {
		delete(h.userClients, userKey)
	}
	return true
}

func (h *RoomHub) gone(client *Client) {
	if h.onGone != nil {
		go h.onGone(client)
	}
}

// broadcastToRoom 向本实例内的房间连接投递
func (h *RoomHub) broadcastToRoom(msg *BroadcastMessage) {
	h.mu.RLock()
	clients := h.rooms[msg.RoomID]
	clientList := make([]*Client, 0, len(clients))
	for client := range clients {
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	var slow []*Client
	for _, client := range clientList {
		if msg.ExcludeID > 0 && client.UserID == msg.ExcludeID {
			continue
		}
		select {
		case client.Send <- msg.Message:
		default:
			// 发送缓冲区满，移除客户端
			slow = append(slow, client)
		}
	}
	if msg.CloseAfter {
		slow = clientList
	}
	for _, client := range slow {
		h.unregisterClient(client)
	}
}

// cleanup 清理所有连接
func (h *RoomHub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.rooms {
		for client := range clients {
			close(client.Send)
		}
	}
	h.rooms = make(map[string]map[*Client]bool)
	h.userClients = make(map[string]*Client)
}

// userKey 生成用户键
func (h *RoomHub) userKey(roomID string, userID int64) string {
	return fmt.Sprintf("%s:%d", roomID, userID)
}

// Register 注册客户端
func (h *RoomHub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister 注销客户端
func (h *RoomHub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *RoomHub) enqueue(msg *BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// BroadcastWSMessage 广播到房间（本实例 + 其他实例）
func (h *RoomHub) BroadcastWSMessage(ctx context.Context, roomID string, msg *model.WSMessage, excludeUserID int64) error {
	msg.RoomID = roomID
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.enqueue(&BroadcastMessage{
		RoomID:     roomID,
		Message:    data,
		ExcludeID:  excludeUserID,
		CloseAfter: msg.Type == model.MsgTypeRoomDeleted,
	})
	if h.bus == nil {
		return nil
	}
	return h.bus.Publish(ctx, bus.Envelope{
		Origin:        h.instanceID,
		RoomID:        roomID,
		ExcludeUserID: excludeUserID,
		Message:       msg,
	})
}

// GetClient 获取指定用户的客户端
func (h *RoomHub) GetClient(roomID string, userID int64) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.userClients[h.userKey(roomID, userID)]
}

// GetRoomClientCount 获取本实例房间连接数
func (h *RoomHub) GetRoomClientCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// ========== Client 方法 ==========

// ReadPump 读取消息循环
func (c *Client) ReadPump(ctx context.Context, handler func(ctx context.Context, client *Client, msg *model.WSMessage)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(readLimit)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read error",
					logger.ErrorField(err),
					logger.Room(c.RoomID),
					logger.User(c.UserID))
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("invalid message format",
				logger.ErrorField(err),
				logger.Room(c.RoomID))
			continue
		}
		msg.RoomID = c.RoomID
		msg.UserID = c.UserID
		msg.Username = c.Username
		handler(ctx, c, &msg)
	}
}

// WritePump 写入消息循环，合并发送队列中的消息（以 \n 分隔）
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.Send)
			for i := 0; i < n; i++ {
				next, ok := <-c.Send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage 发送消息给客户端，缓冲区满时丢弃
func (c *Client) SendMessage(msg *model.WSMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	defer func() {
		// Send 可能已被 Hub 关闭
		_ = recover()
	}()
	select {
	case c.Send <- data:
	default:
	}
	return nil
}
