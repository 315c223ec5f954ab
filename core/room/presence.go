package room

import (
	"context"

	"partyroom/logger"
	"partyroom/model"
)

// StateCache 共享的临时状态：房间行读穿缓存与每个房间的在线记录，由 *cache.RoomCache 实现
type StateCache interface {
	GetRoom(ctx context.Context, roomID string) (*model.Room, error)
	SetRoom(ctx context.Context, room *model.Room) error
	InvalidateRoom(ctx context.Context, roomID string) error
	ClearRoom(ctx context.Context, roomID string) error

	SetPresence(ctx context.Context, rec model.PresenceRecord) error
	TouchPresence(ctx context.Context, roomID string, userID int64) (bool, error)
	RemovePresence(ctx context.Context, roomID string, userID int64) error
	ListPresence(ctx context.Context, roomID string) ([]model.PresenceRecord, error)
}

// Track 记录在线并广播全量在线集合。用户身份以连接为准。
func (m *RoomManager) Track(ctx context.Context, client *Client, announcedAt int64) error {
	rec := model.PresenceRecord{
		RoomID:      client.RoomID,
		UserID:      client.UserID,
		Username:    client.Username,
		AnnouncedAt: announcedAt,
	}
	if rec.AnnouncedAt == 0 {
		rec.AnnouncedAt = m.clock.Now().UnixMilli()
	}
	if err := m.cache.SetPresence(ctx, rec); err != nil {
		return err
	}
	m.cancelHostGrace(ctx, client.RoomID, client.UserID)
	m.broadcastPresence(ctx, client.RoomID, model.PresenceJoin, client.UserID)
	return nil
}

// Untrack 移除在线记录并广播
func (m *RoomManager) Untrack(ctx context.Context, roomID string, userID int64) error {
	if err := m.cache.RemovePresence(ctx, roomID, userID); err != nil {
		return err
	}
	m.broadcastPresence(ctx, roomID, model.PresenceLeave, userID)
	return nil
}

// Heartbeat 刷新心跳；记录已过期时重新登记
func (m *RoomManager) Heartbeat(ctx context.Context, client *Client) {
	alive, err := m.cache.TouchPresence(ctx, client.RoomID, client.UserID)
	if err != nil {
		logger.Warn("刷新在线心跳失败",
			logger.ErrorField(err),
			logger.Room(client.RoomID),
			logger.User(client.UserID))
		return
	}
	if !alive {
		if err := m.Track(ctx, client, 0); err != nil {
			logger.Warn("重新登记在线失败", logger.ErrorField(err), logger.Room(client.RoomID))
		}
	}
}

// presenceState 当前全量在线集合
func (m *RoomManager) presenceState(ctx context.Context, roomID string, event model.PresenceEventKind, userID int64) (*model.PresenceState, error) {
	members, err := m.cache.ListPresence(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []model.PresenceRecord{}
	}
	return &model.PresenceState{Event: event, UserID: userID, Members: members}, nil
}

func (m *RoomManager) broadcastPresence(ctx context.Context, roomID string, event model.PresenceEventKind, userID int64) {
	state, err := m.presenceState(ctx, roomID, event, userID)
	if err != nil {
		logger.Warn("获取在线成员失败", logger.ErrorField(err), logger.Room(roomID))
		return
	}
	m.broadcast(ctx, roomID, model.MsgTypePresence, state, 0)
}

// isOnline 用户是否仍有有效心跳（任意实例）
func (m *RoomManager) isOnline(ctx context.Context, roomID string, userID int64) bool {
	members, err := m.cache.ListPresence(ctx, roomID)
	if err != nil {
		// 无法判断时视为在线
		return true
	}
	for _, p := range members {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
