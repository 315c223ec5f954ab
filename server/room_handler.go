package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"partyroom/core/room"
	"partyroom/logger"
	"partyroom/model"
)

// RoomService 房间业务接口，*room.RoomManager 实现了它
type RoomService interface {
	CreateRoom(ctx context.Context, ownerID int64, ownerName, roomName string, playlist []string) (*model.Room, error)
	GetRoom(ctx context.Context, roomID string) (*model.Room, error)
	DeleteRoom(ctx context.Context, roomID string, userID int64) error
	JoinRoom(ctx context.Context, roomID string, userID int64, username string) (*model.Room, error)
	LeaveRoom(ctx context.Context, roomID string, userID int64) error
	ListMembers(ctx context.Context, roomID string) ([]model.RoomMember, error)
	UpdateTransport(ctx context.Context, roomID string, userID int64, u model.TransportUpdate) (*model.Room, error)
	AddSong(ctx context.Context, roomID string, userID int64, songID string) (*model.Room, error)
	RemoveSong(ctx context.Context, roomID string, userID int64, songID string) (*model.Room, error)
	TransferHost(ctx context.Context, roomID string, fromUserID, toUserID int64) (*model.Room, error)
}

// RoomHandler 房间 HTTP 处理器
type RoomHandler struct {
	rooms RoomService
}

// NewRoomHandler 创建房间处理器
func NewRoomHandler(rooms RoomService) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

// ========== HTTP 处理器 ==========

// CreateRoomRequest 创建房间请求
type CreateRoomRequest struct {
	Name     string   `json:"name"`
	Playlist []string `json:"playlist"`
}

// AddSongRequest 添加歌曲请求
type AddSongRequest struct {
	SongID string `json:"songId"`
}

// TransferHostRequest 转移控制权请求
type TransferHostRequest struct {
	UserID int64 `json:"userId"`
}

// CreateRoomHandler 创建房间
func (h *RoomHandler) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	userID, username, _ := UserFromContext(r.Context())

	var req CreateRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		req.Name = username + "的房间"
	}

	created, err := h.rooms.CreateRoom(r.Context(), userID, username, req.Name, req.Playlist)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

// GetRoomHandler 获取房间
func (h *RoomHandler) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	got, err := h.rooms.GetRoom(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, got)
}

// DeleteRoomHandler 删除房间（仅所有者）
func (h *RoomHandler) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := UserFromContext(r.Context())
	if err := h.rooms.DeleteRoom(r.Context(), mux.Vars(r)["id"], userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JoinRoomHandler 加入花名册
func (h *RoomHandler) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	userID, username, _ := UserFromContext(r.Context())
	joined, err := h.rooms.JoinRoom(r.Context(), mux.Vars(r)["id"], userID, username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, joined)
}

// LeaveRoomHandler 离开房间
func (h *RoomHandler) LeaveRoomHandler(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := UserFromContext(r.Context())
	if err := h.rooms.LeaveRoom(r.Context(), mux.Vars(r)["id"], userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMembersHandler 花名册
func (h *RoomHandler) ListMembersHandler(w http.ResponseWriter, r *http.Request) {
	members, err := h.rooms.ListMembers(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if members == nil {
		members = []model.RoomMember{}
	}
	writeData(w, http.StatusOK, members)
}

// UpdateTransportHandler 写入播放检查点（仅房主）
func (h *RoomHandler) UpdateTransportHandler(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := UserFromContext(r.Context())
	var u model.TransportUpdate
	if !decodeBody(w, r, &u) {
		return
	}
	updated, err := h.rooms.UpdateTransport(r.Context(), mux.Vars(r)["id"], userID, u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

// AddSongHandler 添加歌曲（仅房主）
func (h *RoomHandler) AddSongHandler(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := UserFromContext(r.Context())
	var req AddSongRequest
	if !decodeBody(w, r, &req) {
		return
	}
	updated, err := h.rooms.AddSong(r.Context(), mux.Vars(r)["id"], userID, req.SongID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

// RemoveSongHandler 移除歌曲（仅房主）
func (h *RoomHandler) RemoveSongHandler(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := UserFromContext(r.Context())
	vars := mux.Vars(r)
	updated, err := h.rooms.RemoveSong(r.Context(), vars["id"], userID, vars["songId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

// TransferHostHandler 转移播放控制权（仅房主）
func (h *RoomHandler) TransferHostHandler(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := UserFromContext(r.Context())
	var req TransferHostRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		writeError(w, r, fmt.Errorf("%w: userId is required", model.ErrInvalidInput))
		return
	}
	updated, err := h.rooms.TransferHost(r.Context(), mux.Vars(r)["id"], userID, req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "无效的请求")
		return false
	}
	return true
}

// ========== WebSocket 处理器 ==========

// WSHandler 房间实时订阅
type WSHandler struct {
	manager  *room.RoomManager
	upgrader websocket.Upgrader
	// ctx 服务生命周期，连接的读循环随它结束
	ctx context.Context
}

// NewWSHandler 创建 WebSocket 处理器；allowedOrigins 含 "*" 时不校验来源
func NewWSHandler(ctx context.Context, manager *room.RoomManager, allowedOrigins []string) *WSHandler {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return &WSHandler{
		manager: manager,
		ctx:     ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || allowed[origin]
			},
		},
	}
}

// ServeHTTP 升级连接并启动读写循环
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := UserFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "authorization is required")
		return
	}
	roomID := mux.Vars(r)["id"]
	if _, err := h.manager.GetRoom(r.Context(), roomID); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket 升级失败", logger.ErrorField(err), logger.Room(roomID))
		return
	}

	hub := h.manager.GetHub()
	client := room.NewClient(hub, conn, roomID, userID, username)
	hub.Register(client)
	h.manager.OnConnect(h.ctx, client)

	go client.WritePump()
	go client.ReadPump(h.ctx, h.manager.HandleMessage)

	logger.Info("WebSocket 连接建立",
		logger.Room(roomID),
		logger.User(userID),
		logger.String("username", username))
}

// RegisterRoomRoutes 注册房间相关路由
func RegisterRoomRoutes(router *mux.Router, handler *RoomHandler) {
	router.HandleFunc("/rooms", handler.CreateRoomHandler).Methods(http.MethodPost)
	router.HandleFunc("/rooms/{id:[0-9]+}", handler.GetRoomHandler).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{id:[0-9]+}", handler.DeleteRoomHandler).Methods(http.MethodDelete)
	router.HandleFunc("/rooms/{id:[0-9]+}/members", handler.JoinRoomHandler).Methods(http.MethodPost)
	router.HandleFunc("/rooms/{id:[0-9]+}/members", handler.ListMembersHandler).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{id:[0-9]+}/members/me", handler.LeaveRoomHandler).Methods(http.MethodDelete)
	router.HandleFunc("/rooms/{id:[0-9]+}/transport", handler.UpdateTransportHandler).Methods(http.MethodPut)
	router.HandleFunc("/rooms/{id:[0-9]+}/playlist", handler.AddSongHandler).Methods(http.MethodPost)
	router.HandleFunc("/rooms/{id:[0-9]+}/playlist/{songId}", handler.RemoveSongHandler).Methods(http.MethodDelete)
	router.HandleFunc("/rooms/{id:[0-9]+}/host", handler.TransferHostHandler).Methods(http.MethodPut)
}
