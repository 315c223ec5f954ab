package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"partyroom/model"
)

const (
	roomStateKey    = "room:%s:state"        // String: 房间行 JSON（读穿缓存）
	roomPresenceKey = "room:%s:presence:%d"  // String: 用户在线心跳 (roomID:userID)
	roomPresenceSet = "room:%s:online_users" // Set: 在线用户集合
	roomStateTTL    = 10 * time.Minute
	roomSetTTL      = 24 * time.Hour
	presenceTTL     = 60 * time.Second // 心跳过期时间
)

var errNoClient = errors.New("Redis client not initialized")

// RoomCache 房间缓存：房间行读穿缓存 + 在线心跳
type RoomCache struct {
	client *redis.Client
}

// NewRoomCache 创建房间缓存；client 为空时使用全局连接
func NewRoomCache(client *redis.Client) *RoomCache {
	if client == nil {
		client = RedisClient
	}
	return &RoomCache{client: client}
}

// ========== 房间行 ==========

// GetRoom 读取缓存的房间行，未命中返回 nil, nil
func (c *RoomCache) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	if c.client == nil {
		return nil, errNoClient
	}
	data, err := c.client.Get(ctx, fmt.Sprintf(roomStateKey, roomID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var room model.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// SetRoom 写入房间行
func (c *RoomCache) SetRoom(ctx context.Context, room *model.Room) error {
	if c.client == nil {
		return errNoClient
	}
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}
	return c.client.Set(ctx, fmt.Sprintf(roomStateKey, room.ID), data, roomStateTTL).Err()
}

// InvalidateRoom 删除房间行缓存
func (c *RoomCache) InvalidateRoom(ctx context.Context, roomID string) error {
	if c.client == nil {
		return errNoClient
	}
	return c.client.Del(ctx, fmt.Sprintf(roomStateKey, roomID)).Err()
}

// ========== 心跳在线状态管理 ==========

// SetPresence 记录/刷新用户在线心跳
func (c *RoomCache) SetPresence(ctx context.Context, rec model.PresenceRecord) error {
	if c.client == nil {
		return errNoClient
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	presenceKey := fmt.Sprintf(roomPresenceKey, rec.RoomID, rec.UserID)
	onlineSetKey := fmt.Sprintf(roomPresenceSet, rec.RoomID)

	pipe := c.client.Pipeline()
	pipe.Set(ctx, presenceKey, data, presenceTTL)
	pipe.SAdd(ctx, onlineSetKey, rec.UserID)
	pipe.Expire(ctx, onlineSetKey, roomSetTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// TouchPresence 只刷新心跳过期时间，返回记录是否仍存在
func (c *RoomCache) TouchPresence(ctx context.Context, roomID string, userID int64) (bool, error) {
	if c.client == nil {
		return false, errNoClient
	}
	return c.client.Expire(ctx, fmt.Sprintf(roomPresenceKey, roomID, userID), presenceTTL).Result()
}

// RemovePresence 移除用户在线状态
func (c *RoomCache) RemovePresence(ctx context.Context, roomID string, userID int64) error {
	if c.client == nil {
		return errNoClient
	}
	pipe := c.client.Pipeline()
	pipe.Del(ctx, fmt.Sprintf(roomPresenceKey, roomID, userID))
	pipe.SRem(ctx, fmt.Sprintf(roomPresenceSet, roomID), userID)
	_, err := pipe.Exec(ctx)
	return err
}

// ListPresence 返回心跳仍有效的在线记录，并顺带清理过期用户
func (c *RoomCache) ListPresence(ctx context.Context, roomID string) ([]model.PresenceRecord, error) {
	if c.client == nil {
		return nil, errNoClient
	}
	onlineSetKey := fmt.Sprintf(roomPresenceSet, roomID)
	ids, err := c.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := c.client.Pipeline()
	gets := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		gets[i] = pipe.Get(ctx, fmt.Sprintf("room:%s:presence:%s", roomID, id))
	}
	// redis.Nil 会让 Exec 返回错误，逐条检查
	_, _ = pipe.Exec(ctx)

	records := make([]model.PresenceRecord, 0, len(ids))
	expired := make([]interface{}, 0)
	for i, cmd := range gets {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			expired = append(expired, ids[i])
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec model.PresenceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			uid, _ := strconv.ParseInt(ids[i], 10, 64)
			rec = model.PresenceRecord{RoomID: roomID, UserID: uid}
		}
		records = append(records, rec)
	}
	if len(expired) > 0 {
		c.client.SRem(ctx, onlineSetKey, expired...)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records, nil
}

// ========== 清理 ==========

// ClearRoom 清理房间所有缓存
func (c *RoomCache) ClearRoom(ctx context.Context, roomID string) error {
	if c.client == nil {
		return errNoClient
	}
	onlineSetKey := fmt.Sprintf(roomPresenceSet, roomID)
	ids, err := c.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	keys := []string{fmt.Sprintf(roomStateKey, roomID), onlineSetKey}
	for _, id := range ids {
		keys = append(keys, fmt.Sprintf("room:%s:presence:%s", roomID, id))
	}
	return c.client.Del(ctx, keys...).Err()
}
