package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"partyroom/config"
	"partyroom/logger"
)

// songPrefix 歌曲对象前缀
const songPrefix = "songs/"

var (
	ErrSourceNotFound = errors.New("song source not found")
	ErrBadSongID      = errors.New("invalid song id")
)

// MinioResolver 把歌曲ID解析为可直接播放的预签名地址
type MinioResolver struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

// NewMinioResolver 初始化 MinIO 客户端并确认存储桶存在
func NewMinioResolver(ctx context.Context, cfg *config.Config) (*MinioResolver, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("检查存储桶失败: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建存储桶失败: %w", err)
		}
		logger.Info("created minio bucket", logger.String("bucket", cfg.MinioBucket))
	}

	ttl := cfg.SourceURLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	logger.Info("minio resolver ready",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket),
		logger.Duration("ttl", ttl))
	return &MinioResolver{client: client, bucket: cfg.MinioBucket, ttl: ttl}, nil
}

// SourceURL 返回歌曲的预签名 GET 地址
func (r *MinioResolver) SourceURL(ctx context.Context, songID string) (string, error) {
	key, err := ObjectKey(songID)
	if err != nil {
		return "", err
	}
	if _, err := r.client.StatObject(ctx, r.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", ErrSourceNotFound
		}
		return "", fmt.Errorf("stat %s: %w", key, err)
	}
	u, err := r.client.PresignedGetObject(ctx, r.bucket, key, r.ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// ObjectKey 歌曲ID对应的对象名
func ObjectKey(songID string) (string, error) {
	songID = strings.TrimSpace(songID)
	if songID == "" || strings.ContainsAny(songID, "/\\") || strings.Contains(songID, "..") {
		return "", ErrBadSongID
	}
	return songPrefix + songID, nil
}
