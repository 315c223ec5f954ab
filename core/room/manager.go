package room

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"partyroom/logger"
	"partyroom/model"
	"partyroom/repository"
)

const hostDisconnectedMessage = "The host lost connection; playback is paused"

// RoomManager 房间业务管理器：花名册、播放检查点和房间生命周期的唯一入口
type RoomManager struct {
	repo  repository.RoomRepository
	cache StateCache
	hub   *RoomHub
	clock clockwork.Clock

	// 房主掉线宽限期
	hostGrace   time.Duration
	graceMu     sync.Mutex
	graceTimers map[string]clockwork.Timer

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option 配置 RoomManager
type Option func(*RoomManager)

// WithClock 替换时钟（测试用）
func WithClock(c clockwork.Clock) Option {
	return func(m *RoomManager) { m.clock = c }
}

// WithHostGrace 设置房主掉线宽限期，0 表示立即暂停
func WithHostGrace(d time.Duration) Option {
	return func(m *RoomManager) { m.hostGrace = d }
}

// NewRoomManager 创建房间管理器
func NewRoomManager(repo repository.RoomRepository, stateCache StateCache, hub *RoomHub, opts ...Option) *RoomManager {
	m := &RoomManager{
		repo:        repo,
		cache:       stateCache,
		hub:         hub,
		clock:       clockwork.NewRealClock(),
		hostGrace:   15 * time.Second,
		graceTimers: make(map[string]clockwork.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.rng = rand.New(rand.NewSource(m.clock.Now().UnixNano()))
	if hub != nil {
		hub.OnClientGone(m.clientGone)
	}
	return m
}

// GetHub 获取 Hub 实例
func (m *RoomManager) GetHub() *RoomHub {
	return m.hub
}

// ========== 房间管理 ==========

// CreateRoom 创建房间，房主同时是播放控制者并自动加入花名册
func (m *RoomManager) CreateRoom(ctx context.Context, ownerID int64, ownerName, roomName string, playlist []string) (*model.Room, error) {
	roomName = strings.TrimSpace(roomName)
	if roomName == "" {
		return nil, fmt.Errorf("%w: room name is required", model.ErrInvalidInput)
	}
	songs := make(model.SongIDList, 0, len(playlist))
	for _, id := range playlist {
		if id = strings.TrimSpace(id); id != "" && !songs.Contains(id) {
			songs = append(songs, id)
		}
	}

	roomID, err := m.generateUniqueRoomID(ctx)
	if err != nil {
		return nil, fmt.Errorf("生成房间ID失败: %w", err)
	}

	now := m.clock.Now()
	room := &model.Room{
		ID:        roomID,
		Name:      roomName,
		OwnerID:   ownerID,
		HostID:    ownerID,
		Playlist:  songs,
		UpdatedBy: ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(songs) > 0 {
		room.CurrentSongID = songs[0]
	}
	owner := &model.RoomMember{RoomID: roomID, UserID: ownerID, Username: ownerName, JoinedAt: now}

	if err := m.repo.Create(ctx, room, owner); err != nil {
		return nil, fmt.Errorf("创建房间失败: %w", err)
	}
	m.cacheRoom(ctx, room)

	logger.Info("房间创建成功",
		logger.Room(roomID),
		logger.Int64("ownerId", ownerID),
		logger.String("roomName", roomName))
	return room, nil
}

// generateUniqueRoomID 生成唯一的6位数字房间ID
func (m *RoomManager) generateUniqueRoomID(ctx context.Context) (string, error) {
	for i := 0; i < 100; i++ { // 最多尝试100次
		m.rngMu.Lock()
		id := fmt.Sprintf("%06d", m.rng.Intn(900000)+100000)
		m.rngMu.Unlock()

		exists, err := m.repo.ExistsByID(ctx, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("无法生成唯一房间ID")
}

// GetRoom 读穿缓存获取房间，不存在返回 model.ErrRoomNotFound
func (m *RoomManager) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	if cached, err := m.cache.GetRoom(ctx, roomID); err != nil {
		logger.Warn("读取房间缓存失败", logger.ErrorField(err), logger.Room(roomID))
	} else if cached != nil {
		return cached, nil
	}

	room, err := m.repo.GetByID(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("获取房间失败: %w", err)
	}
	if room == nil {
		return nil, model.ErrRoomNotFound
	}
	m.cacheRoom(ctx, room)
	return room, nil
}

// ListMembers 花名册
func (m *RoomManager) ListMembers(ctx context.Context, roomID string) ([]model.RoomMember, error) {
	if _, err := m.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	members, err := m.repo.ListMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("获取花名册失败: %w", err)
	}
	return members, nil
}

// JoinRoom 加入花名册，重复加入视为成功
func (m *RoomManager) JoinRoom(ctx context.Context, roomID string, userID int64, username string) (*model.Room, error) {
	room, err := m.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	member := &model.RoomMember{RoomID: roomID, UserID: userID, Username: username, JoinedAt: m.clock.Now()}
	if err := m.repo.EnsureMember(ctx, member); err != nil {
		return nil, fmt.Errorf("加入房间失败: %w", err)
	}
	logger.Info("用户加入房间", logger.Room(roomID), logger.User(userID), logger.String("username", username))
	return room, nil
}

// LeaveRoom 移出花名册并清除在线记录
func (m *RoomManager) LeaveRoom(ctx context.Context, roomID string, userID int64) error {
	if _, err := m.GetRoom(ctx, roomID); err != nil {
		return err
	}
	if err := m.repo.RemoveMember(ctx, roomID, userID); err != nil {
		return fmt.Errorf("离开房间失败: %w", err)
	}
	if err := m.Untrack(ctx, roomID, userID); err != nil {
		logger.Warn("移除在线状态失败", logger.ErrorField(err), logger.Room(roomID))
	}
	logger.Info("用户离开房间", logger.Room(roomID), logger.User(userID))
	return nil
}

// DeleteRoom 删除房间（仅所有者）：先删花名册再删房间，随后通知并断开所有连接
func (m *RoomManager) DeleteRoom(ctx context.Context, roomID string, userID int64) error {
	room, err := m.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.OwnerID != userID {
		return model.ErrNotOwner
	}
	if err := m.repo.Delete(ctx, roomID); err != nil {
		return fmt.Errorf("删除房间失败: %w", err)
	}
	if err := m.cache.ClearRoom(ctx, roomID); err != nil {
		logger.Warn("清理房间缓存失败", logger.ErrorField(err), logger.Room(roomID))
	}
	m.stopHostGrace(roomID)
	m.broadcast(ctx, roomID, model.MsgTypeRoomDeleted, nil, 0)

	logger.Info("房间已删除", logger.Room(roomID), logger.Int64("ownerId", userID))
	return nil
}

// ========== 播放控制（仅房主）==========

// UpdateTransport 写入播放检查点并广播完整房间行
func (m *RoomManager) UpdateTransport(ctx context.Context, roomID string, userID int64, u model.TransportUpdate) (*model.Room, error) {
	room, err := m.requireHost(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if u.CurrentTime < 0 {
		return nil, fmt.Errorf("%w: negative position", model.ErrInvalidInput)
	}
	if u.CurrentSongID != "" && !room.Playlist.Contains(u.CurrentSongID) {
		return nil, model.ErrSongNotInPlaylist
	}
	u.UpdatedBy = userID
	updated, err := m.repo.UpdateTransport(ctx, roomID, u)
	if err != nil {
		return nil, err
	}
	m.checkpoint(ctx, updated)
	return updated, nil
}

// AddSong 追加歌曲；空房间会把它设为当前歌曲
func (m *RoomManager) AddSong(ctx context.Context, roomID string, userID int64, songID string) (*model.Room, error) {
	songID = strings.TrimSpace(songID)
	if songID == "" {
		return nil, fmt.Errorf("%w: song id is required", model.ErrInvalidInput)
	}
	room, err := m.requireHost(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if room.Playlist.Contains(songID) {
		return room, nil
	}
	playlist := append(room.Playlist.Clone(), songID)
	var transport *model.TransportUpdate
	if room.CurrentSongID == "" {
		transport = &model.TransportUpdate{CurrentSongID: songID, UpdatedBy: userID}
	}
	updated, err := m.repo.UpdatePlaylist(ctx, roomID, playlist, transport)
	if err != nil {
		return nil, err
	}
	m.checkpoint(ctx, updated)
	return updated, nil
}

// RemoveSong 移除歌曲；移除当前歌曲时切到同位置的下一首（从头开始）
func (m *RoomManager) RemoveSong(ctx context.Context, roomID string, userID int64, songID string) (*model.Room, error) {
	room, err := m.requireHost(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	idx := room.Playlist.IndexOf(songID)
	if idx < 0 {
		return nil, model.ErrSongNotInPlaylist
	}
	playlist := make(model.SongIDList, 0, len(room.Playlist)-1)
	playlist = append(playlist, room.Playlist[:idx]...)
	playlist = append(playlist, room.Playlist[idx+1:]...)

	var transport *model.TransportUpdate
	if room.CurrentSongID == songID {
		next := model.TransportUpdate{UpdatedBy: userID}
		if len(playlist) > 0 {
			next.CurrentSongID = playlist[idx%len(playlist)]
			next.IsPlaying = room.IsPlaying
		}
		transport = &next
	}
	updated, err := m.repo.UpdatePlaylist(ctx, roomID, playlist, transport)
	if err != nil {
		return nil, err
	}
	m.checkpoint(ctx, updated)
	return updated, nil
}

// TransferHost 显式转移播放控制权，目标必须在花名册中
func (m *RoomManager) TransferHost(ctx context.Context, roomID string, fromUserID, toUserID int64) (*model.Room, error) {
	if _, err := m.requireHost(ctx, roomID, fromUserID); err != nil {
		return nil, err
	}
	if fromUserID == toUserID {
		return m.GetRoom(ctx, roomID)
	}
	member, err := m.repo.GetMember(ctx, roomID, toUserID)
	if err != nil {
		return nil, fmt.Errorf("获取成员信息失败: %w", err)
	}
	if member == nil {
		return nil, model.ErrNotMember
	}
	updated, err := m.repo.UpdateHost(ctx, roomID, toUserID)
	if err != nil {
		return nil, err
	}
	m.stopHostGrace(roomID)
	m.checkpoint(ctx, updated)
	logger.Info("播放控制权已转移", logger.Room(roomID), logger.Int64("from", fromUserID), logger.Int64("to", toUserID))
	return updated, nil
}

func (m *RoomManager) requireHost(ctx context.Context, roomID string, userID int64) (*model.Room, error) {
	room, err := m.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsHost(userID) {
		return nil, model.ErrNotHost
	}
	return room, nil
}

// checkpoint 刷新缓存并广播完整房间行
func (m *RoomManager) checkpoint(ctx context.Context, room *model.Room) {
	m.cacheRoom(ctx, room)
	m.broadcast(ctx, room.ID, model.MsgTypeCheckpoint, room, 0)
}

func (m *RoomManager) cacheRoom(ctx context.Context, room *model.Room) {
	if err := m.cache.SetRoom(ctx, room); err != nil {
		logger.Warn("写入房间缓存失败", logger.ErrorField(err), logger.Room(room.ID))
	}
}

// ========== 房主掉线 ==========

// clientGone 连接断开：清除在线记录；房主掉线时启动宽限期
func (m *RoomManager) clientGone(client *Client) {
	if m.hub.GetClient(client.RoomID, client.UserID) != nil {
		// 已被同一用户的新连接替换
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Untrack(ctx, client.RoomID, client.UserID); err != nil {
		logger.Warn("移除在线状态失败", logger.ErrorField(err), logger.Room(client.RoomID))
	}
	room, err := m.GetRoom(ctx, client.RoomID)
	if err != nil || !room.IsHost(client.UserID) {
		return
	}
	member, err := m.repo.GetMember(ctx, client.RoomID, client.UserID)
	if err != nil || member == nil {
		// 房主已主动离开，客户端已处理
		return
	}
	m.startHostGrace(client.RoomID, client.UserID)
}

func (m *RoomManager) startHostGrace(roomID string, hostID int64) {
	m.graceMu.Lock()
	defer m.graceMu.Unlock()
	if t, ok := m.graceTimers[roomID]; ok {
		t.Stop()
	}
	logger.Info("房主掉线，进入宽限期", logger.Room(roomID), logger.User(hostID), logger.Duration("grace", m.hostGrace))
	var t clockwork.Timer
	t = m.clock.AfterFunc(m.hostGrace, func() {
		m.graceMu.Lock()
		current, ok := m.graceTimers[roomID]
		if ok && current == t {
			delete(m.graceTimers, roomID)
		}
		m.graceMu.Unlock()
		if ok && current == t {
			m.hostGraceExpired(roomID, hostID)
		}
	})
	m.graceTimers[roomID] = t
}

// cancelHostGrace 房主重新上线时取消宽限期
func (m *RoomManager) cancelHostGrace(ctx context.Context, roomID string, userID int64) {
	room, err := m.GetRoom(ctx, roomID)
	if err != nil || !room.IsHost(userID) {
		return
	}
	m.stopHostGrace(roomID)
}

func (m *RoomManager) stopHostGrace(roomID string) {
	m.graceMu.Lock()
	defer m.graceMu.Unlock()
	if t, ok := m.graceTimers[roomID]; ok {
		t.Stop()
		delete(m.graceTimers, roomID)
		logger.Debug("房主宽限期取消", logger.Room(roomID))
	}
}

// hostGraceExpired 宽限期结束仍未回来：暂停在当前检查点并通知
func (m *RoomManager) hostGraceExpired(roomID string, hostID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	room, err := m.GetRoom(ctx, roomID)
	if err != nil || !room.IsHost(hostID) {
		return
	}
	if m.isOnline(ctx, roomID, hostID) {
		return
	}
	if room.IsPlaying {
		u := model.TransportOf(room)
		u.IsPlaying = false
		updated, err := m.repo.UpdateTransport(ctx, roomID, u)
		if err != nil {
			logger.Warn("房主掉线暂停失败", logger.ErrorField(err), logger.Room(roomID))
			return
		}
		m.checkpoint(ctx, updated)
	}
	m.broadcast(ctx, roomID, model.MsgTypeNotice, model.Notice{
		Kind:    model.NoticeHostDisconnected,
		Message: hostDisconnectedMessage,
		UserID:  hostID,
		At:      m.clock.Now().UnixMilli(),
	}, 0)
	logger.Info("房主掉线，房间已暂停", logger.Room(roomID), logger.User(hostID))
}

// ========== 广播 ==========

func (m *RoomManager) broadcast(ctx context.Context, roomID string, t model.MessageType, data interface{}, excludeUserID int64) {
	if m.hub == nil {
		return
	}
	msg, err := model.NewWSMessage(t, roomID, data)
	if err != nil {
		logger.Warn("序列化广播消息失败", logger.ErrorField(err), logger.String("type", string(t)))
		return
	}
	if err := m.hub.BroadcastWSMessage(ctx, roomID, msg, excludeUserID); err != nil {
		logger.Warn("跨实例广播失败", logger.ErrorField(err), logger.Room(roomID))
	}
}

// ========== 消息处理器 ==========

// OnConnect 新连接：确认订阅，并下发当前房间行和在线集合
func (m *RoomManager) OnConnect(ctx context.Context, client *Client) {
	send := func(t model.MessageType, data interface{}) {
		msg, err := model.NewWSMessage(t, client.RoomID, data)
		if err == nil {
			_ = client.SendMessage(msg)
		}
	}
	send(model.MsgTypeSubscribed, nil)
	if room, err := m.GetRoom(ctx, client.RoomID); err == nil {
		send(model.MsgTypeCheckpoint, room)
	}
	if state, err := m.presenceState(ctx, client.RoomID, model.PresenceSync, 0); err == nil {
		send(model.MsgTypePresence, state)
	}
}

// HandleMessage 处理 WebSocket 消息
func (m *RoomManager) HandleMessage(ctx context.Context, client *Client, msg *model.WSMessage) {
	switch msg.Type {
	case model.MsgTypePing:
		m.Heartbeat(ctx, client)
		pong, _ := model.NewWSMessage(model.MsgTypePong, client.RoomID, nil)
		_ = client.SendMessage(pong)

	case model.MsgTypePresenceTrack:
		var rec model.PresenceRecord
		if len(msg.Data) > 0 {
			_ = json.Unmarshal(msg.Data, &rec)
		}
		if err := m.Track(ctx, client, rec.AnnouncedAt); err != nil {
			m.replyError(client, err)
		}

	case model.MsgTypePresenceUntrack:
		if err := m.Untrack(ctx, client.RoomID, client.UserID); err != nil {
			m.replyError(client, err)
		}

	case model.MsgTypeProgress:
		var p model.ProgressBroadcast
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			m.replyError(client, fmt.Errorf("%w: bad progress payload", model.ErrInvalidInput))
			return
		}
		if _, err := m.requireHost(ctx, client.RoomID, client.UserID); err != nil {
			m.replyError(client, err)
			return
		}
		p.RoomID = client.RoomID
		m.broadcast(ctx, client.RoomID, model.MsgTypeProgress, p, client.UserID)

	case model.MsgTypeNotice:
		var n model.Notice
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			m.replyError(client, fmt.Errorf("%w: bad notice payload", model.ErrInvalidInput))
			return
		}
		if _, err := m.requireHost(ctx, client.RoomID, client.UserID); err != nil {
			m.replyError(client, err)
			return
		}
		n.UserID = client.UserID
		m.broadcast(ctx, client.RoomID, model.MsgTypeNotice, n, client.UserID)

	default:
		m.replyError(client, fmt.Errorf("%w: unknown message type %q", model.ErrInvalidInput, msg.Type))
	}
}

func (m *RoomManager) replyError(client *Client, err error) {
	logger.Debug("拒绝客户端请求", logger.ErrorField(err), logger.Room(client.RoomID), logger.User(client.UserID))
	msg, mErr := model.NewWSMessage(model.MsgTypeError, client.RoomID, model.ErrorData{Message: err.Error()})
	if mErr == nil {
		_ = client.SendMessage(msg)
	}
}
