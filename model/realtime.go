package model

import (
	"encoding/json"
	"time"
)

// MessageType WebSocket 消息类型
type MessageType string

const (
	// 服务端 -> 客户端
	MsgTypeSubscribed  MessageType = "subscribed"   // 订阅成功（包括重连成功）
	MsgTypeCheckpoint  MessageType = "checkpoint"   // 持久状态变化，data 为完整房间
	MsgTypePresence    MessageType = "presence"     // 在线集合（全量）
	MsgTypeRoomDeleted MessageType = "room_deleted" // 房间被删除
	MsgTypePong        MessageType = "pong"
	MsgTypeError       MessageType = "error"

	// 双向
	MsgTypeProgress MessageType = "progress" // 房主进度广播（不落库）
	MsgTypeNotice   MessageType = "notice"   // 提示（房主离开等）

	// 客户端 -> 服务端
	MsgTypePresenceTrack   MessageType = "presence_track"
	MsgTypePresenceUntrack MessageType = "presence_untrack"
	MsgTypePing            MessageType = "ping"
)

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType     `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	UserID    int64           `json:"userId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewWSMessage 序列化 data 并构造消息
func NewWSMessage(t MessageType, roomID string, data interface{}) (*WSMessage, error) {
	msg := &WSMessage{Type: t, RoomID: roomID, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return msg, nil
}

// ProgressBroadcast 房主的进度广播，至少一次、无序投递
type ProgressBroadcast struct {
	RoomID      string  `json:"roomId"`
	SongID      string  `json:"songId"`
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
	// Timestamp 发送方时钟（毫秒）
	Timestamp int64 `json:"timestamp"`
	// SenderID 发送方会话ID，用于去重和乱序判断
	SenderID string `json:"senderId"`
}

// NoticeKind 提示类型
type NoticeKind string

const (
	NoticeHostLeft         NoticeKind = "host_left"
	NoticeHostDisconnected NoticeKind = "host_disconnected"
)

// Notice 可关闭的提示
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	UserID  int64      `json:"userId,omitempty"`
	At      int64      `json:"at"`
}

// PresenceRecord 在线记录（临时）
type PresenceRecord struct {
	RoomID      string `json:"roomId"`
	UserID      int64  `json:"userId"`
	Username    string `json:"username,omitempty"`
	AnnouncedAt int64  `json:"announcedAt"`
}

// PresenceEventKind presence 信号类型
type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// PresenceState presence 事件，Members 始终为当前全量集合
type PresenceState struct {
	Event   PresenceEventKind `json:"event"`
	UserID  int64             `json:"userId,omitempty"`
	Members []PresenceRecord  `json:"members"`
}

// ErrorData error 消息数据
type ErrorData struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// RealtimeKind 订阅流中的事件类型
type RealtimeKind int

const (
	RealtimeCheckpoint RealtimeKind = iota + 1
	RealtimeProgress
	RealtimePresence
	RealtimeNotice
	RealtimeRoomDeleted
	// RealtimeSubscribed 订阅建立或重连成功
	RealtimeSubscribed
	// RealtimeChannelError 通道错误
	RealtimeChannelError
	// RealtimeChannelTimeout 通道超时
	RealtimeChannelTimeout
)

func (k RealtimeKind) String() string {
	switch k {
	case RealtimeCheckpoint:
		return "checkpoint"
	case RealtimeProgress:
		return "progress"
	case RealtimePresence:
		return "presence"
	case RealtimeNotice:
		return "notice"
	case RealtimeRoomDeleted:
		return "room_deleted"
	case RealtimeSubscribed:
		return "subscribed"
	case RealtimeChannelError:
		return "channel_error"
	case RealtimeChannelTimeout:
		return "channel_timeout"
	default:
		return "unknown"
	}
}

// RealtimeEvent 是订阅交给客户端会话的解码后事件
type RealtimeEvent struct {
	Kind     RealtimeKind
	Room     *Room
	Progress *ProgressBroadcast
	Presence *PresenceState
	Notice   *Notice
	Err      error
}

// DecodeRealtime 把服务端消息转换为会话事件；会话不关心的消息（pong）返回 ok=false
func DecodeRealtime(msg *WSMessage) (RealtimeEvent, bool, error) {
	switch msg.Type {
	case MsgTypeCheckpoint:
		var room Room
		if err := json.Unmarshal(msg.Data, &room); err != nil {
			return RealtimeEvent{}, false, err
		}
		return RealtimeEvent{Kind: RealtimeCheckpoint, Room: &room}, true, nil
	case MsgTypeProgress:
		var p ProgressBroadcast
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return RealtimeEvent{}, false, err
		}
		return RealtimeEvent{Kind: RealtimeProgress, Progress: &p}, true, nil
	case MsgTypePresence:
		var p PresenceState
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return RealtimeEvent{}, false, err
		}
		return RealtimeEvent{Kind: RealtimePresence, Presence: &p}, true, nil
	case MsgTypeNotice:
		var n Notice
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			return RealtimeEvent{}, false, err
		}
		return RealtimeEvent{Kind: RealtimeNotice, Notice: &n}, true, nil
	case MsgTypeRoomDeleted:
		return RealtimeEvent{Kind: RealtimeRoomDeleted}, true, nil
	case MsgTypeSubscribed:
		return RealtimeEvent{Kind: RealtimeSubscribed}, true, nil
	case MsgTypeError:
		var e ErrorData
		_ = json.Unmarshal(msg.Data, &e)
		return RealtimeEvent{Kind: RealtimeChannelError, Err: &ChannelError{Message: e.Message}}, true, nil
	default:
		return RealtimeEvent{}, false, nil
	}
}

// ChannelError 服务端通过通道报告的错误
type ChannelError struct {
	Message string
}

func (e *ChannelError) Error() string {
	return "channel error: " + e.Message
}
