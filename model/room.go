package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// SongIDList 歌单（有序歌曲ID），以 JSON 列存储
type SongIDList []string

// Scan 实现 sql.Scanner 接口
func (s *SongIDList) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*s = nil
		return nil
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		*s = nil
		return nil
	}
	return json.Unmarshal(bytes, s)
}

// Value 实现 driver.Valuer 接口
func (s SongIDList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Clone 复制歌单
func (s SongIDList) Clone() SongIDList {
	if s == nil {
		return nil
	}
	return append(SongIDList(nil), s...)
}

// IndexOf 返回歌曲位置，不存在时为 -1
func (s SongIDList) IndexOf(songID string) int {
	for i, id := range s {
		if id == songID {
			return i
		}
	}
	return -1
}

// Contains 歌曲是否在歌单中
func (s SongIDList) Contains(songID string) bool {
	return s.IndexOf(songID) >= 0
}

// Room 一起听房间，同时保存当前播放检查点
type Room struct {
	ID      string `json:"id" gorm:"primaryKey;size:8"`
	Name    string `json:"name" gorm:"size:100;not null"`
	OwnerID int64  `json:"ownerId" gorm:"index;not null"`
	// HostID 当前控制播放的用户，任何时刻只有一个
	HostID        int64      `json:"hostId" gorm:"index;not null"`
	Playlist      SongIDList `json:"playlist" gorm:"type:json"`
	CurrentSongID string     `json:"currentSongId" gorm:"size:64"`
	// CurrentTime 播放检查点（秒）
	CurrentTime float64   `json:"currentTime" gorm:"not null;default:0"`
	IsPlaying   bool      `json:"isPlaying" gorm:"not null;default:false"`
	UpdatedBy   int64     `json:"updatedBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	// ListenerCount 派生字段：花名册人数
	ListenerCount int `json:"listenerCount" gorm:"-"`
}

// TableName 指定表名
func (Room) TableName() string {
	return "rooms"
}

// Clone 深拷贝，不与原对象共享切片
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	if r.Playlist != nil {
		c.Playlist = append(SongIDList(nil), r.Playlist...)
	}
	return &c
}

// IsHost 判断用户是否为当前房主
func (r *Room) IsHost(userID int64) bool {
	return r != nil && r.HostID == userID
}

// RoomMember 房间花名册（持久成员关系），离开时删除
type RoomMember struct {
	ID       int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	RoomID   string    `json:"roomId" gorm:"size:8;not null;uniqueIndex:idx_room_user"`
	UserID   int64     `json:"userId" gorm:"not null;uniqueIndex:idx_room_user"`
	Username string    `json:"username" gorm:"size:64"`
	JoinedAt time.Time `json:"joinedAt"`
}

// TableName 指定表名
func (RoomMember) TableName() string {
	return "room_members"
}

// TransportUpdate 房主对播放状态的一次写入（检查点或操作）
type TransportUpdate struct {
	CurrentSongID string  `json:"currentSongId"`
	CurrentTime   float64 `json:"currentTime"`
	IsPlaying     bool    `json:"isPlaying"`
	UpdatedBy     int64   `json:"updatedBy,omitempty"`
}

// Apply 把检查点写入房间
func (u TransportUpdate) Apply(room *Room) {
	room.CurrentSongID = u.CurrentSongID
	room.CurrentTime = u.CurrentTime
	room.IsPlaying = u.IsPlaying
	room.UpdatedBy = u.UpdatedBy
}

// TransportOf 提取房间的播放状态字段
func TransportOf(room *Room) TransportUpdate {
	return TransportUpdate{
		CurrentSongID: room.CurrentSongID,
		CurrentTime:   room.CurrentTime,
		IsPlaying:     room.IsPlaying,
		UpdatedBy:     room.UpdatedBy,
	}
}
