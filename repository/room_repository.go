package repository

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"partyroom/model"
)

// mysqlDuplicateEntry 唯一索引冲突
const mysqlDuplicateEntry = 1062

// RoomRepository 房间数据访问接口
type RoomRepository interface {
	// 房间 CRUD
	Create(ctx context.Context, room *model.Room, owner *model.RoomMember) error
	GetByID(ctx context.Context, id string) (*model.Room, error)
	ExistsByID(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error

	// 播放状态
	UpdateTransport(ctx context.Context, id string, u model.TransportUpdate) (*model.Room, error)
	UpdatePlaylist(ctx context.Context, id string, playlist model.SongIDList, transport *model.TransportUpdate) (*model.Room, error)
	UpdateHost(ctx context.Context, id string, hostID int64) (*model.Room, error)

	// 花名册
	EnsureMember(ctx context.Context, member *model.RoomMember) error
	GetMember(ctx context.Context, roomID string, userID int64) (*model.RoomMember, error)
	RemoveMember(ctx context.Context, roomID string, userID int64) error
	ListMembers(ctx context.Context, roomID string) ([]model.RoomMember, error)
}

// gormRoomRepository GORM 实现
type gormRoomRepository struct {
	db *gorm.DB
}

// NewGormRoomRepository 创建 GORM 房间仓库
func NewGormRoomRepository(db *gorm.DB) RoomRepository {
	return &gormRoomRepository{db: db}
}

// ========== 房间 CRUD ==========

// Create 创建房间，并把房主写入花名册
func (r *gormRoomRepository) Create(ctx context.Context, room *model.Room, owner *model.RoomMember) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		if owner != nil {
			return tx.Create(owner).Error
		}
		return nil
	})
}

// GetByID 根据ID获取房间，不存在时返回 nil, nil
func (r *gormRoomRepository) GetByID(ctx context.Context, id string) (*model.Room, error) {
	var room model.Room
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

// ExistsByID 检查房间ID是否存在
func (r *gormRoomRepository) ExistsByID(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Room{}).
		Where("id = ?", id).
		Count(&count).Error
	return count > 0, err
}

// Delete 先删花名册再删房间，同一事务
func (r *gormRoomRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", id).Delete(&model.RoomMember{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&model.Room{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrRoomNotFound
		}
		return nil
	})
}

// ========== 播放状态 ==========

// UpdateTransport 写入检查点（最后写入者胜出），返回更新后的完整行
func (r *gormRoomRepository) UpdateTransport(ctx context.Context, id string, u model.TransportUpdate) (*model.Room, error) {
	return r.updateRoom(ctx, id, map[string]interface{}{
		"current_song_id": u.CurrentSongID,
		"current_time":    u.CurrentTime,
		"is_playing":      u.IsPlaying,
		"updated_by":      u.UpdatedBy,
	})
}

// UpdatePlaylist 更新歌单；transport 非空时同时切换当前歌曲
func (r *gormRoomRepository) UpdatePlaylist(ctx context.Context, id string, playlist model.SongIDList, transport *model.TransportUpdate) (*model.Room, error) {
	fields := map[string]interface{}{"playlist": playlist}
	if transport != nil {
		fields["current_song_id"] = transport.CurrentSongID
		fields["current_time"] = transport.CurrentTime
		fields["is_playing"] = transport.IsPlaying
		fields["updated_by"] = transport.UpdatedBy
	}
	return r.updateRoom(ctx, id, fields)
}

// UpdateHost 转移播放控制权
func (r *gormRoomRepository) UpdateHost(ctx context.Context, id string, hostID int64) (*model.Room, error) {
	return r.updateRoom(ctx, id, map[string]interface{}{"host_id": hostID})
}

func (r *gormRoomRepository) updateRoom(ctx context.Context, id string, fields map[string]interface{}) (*model.Room, error) {
	fields["updated_at"] = time.Now()
	var room model.Room
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 值未变化时 MySQL 的 RowsAffected 为 0，以回读结果判断是否存在
		if err := tx.Model(&model.Room{}).Where("id = ?", id).Updates(fields).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).First(&room).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

// ========== 花名册 ==========

// EnsureMember 插入花名册，重复插入视为成功
func (r *gormRoomRepository) EnsureMember(ctx context.Context, member *model.RoomMember) error {
	err := r.db.WithContext(ctx).Create(member).Error
	if isDuplicateEntry(err) {
		return nil
	}
	return err
}

// GetMember 获取成员信息
func (r *gormRoomRepository) GetMember(ctx context.Context, roomID string, userID int64) (*model.RoomMember, error) {
	var member model.RoomMember
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &member, nil
}

// RemoveMember 删除花名册记录
func (r *gormRoomRepository) RemoveMember(ctx context.Context, roomID string, userID int64) error {
	return r.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&model.RoomMember{}).Error
}

// ListMembers 花名册，按加入时间排序
func (r *gormRoomRepository) ListMembers(ctx context.Context, roomID string) ([]model.RoomMember, error) {
	var members []model.RoomMember
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("joined_at ASC").
		Find(&members).Error
	return members, err
}

func isDuplicateEntry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}
