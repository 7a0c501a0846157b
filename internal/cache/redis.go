package cache

import (
	"context"
	"errors"
	"time"

	"github.com/getcharzp/sam2-studio/internal/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis 图片 md5 到会话的映射，以及覆盖层 PNG 缓存
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(cfg *config.RedisConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Redis{
		client: client,
		ttl:    cfg.TTL,
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func sessionKey(md5 string) string {
	return "sam2:session:" + md5
}

func overlayKey(segID uuid.UUID, variant string) string {
	return "sam2:overlay:" + segID.String() + ":" + variant
}

// GetSession 按图片 md5 查找会话，未命中时返回 uuid.Nil
func (r *Redis) GetSession(ctx context.Context, md5 string) (uuid.UUID, error) {
	s, err := r.client.Get(ctx, sessionKey(md5)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, nil
		}
		return uuid.Nil, err
	}
	return uuid.Parse(s)
}

func (r *Redis) SetSession(ctx context.Context, md5 string, id uuid.UUID) error {
	return r.client.Set(ctx, sessionKey(md5), id.String(), r.ttl).Err()
}

func (r *Redis) DeleteSession(ctx context.Context, md5 string) error {
	return r.client.Del(ctx, sessionKey(md5)).Err()
}

// GetOverlay 获取缓存的覆盖层，未命中时返回 nil
//
// # Params:
//
//	segID: 分割 ID
//	variant: 覆盖层版本，颜色改变后版本随之改变
func (r *Redis) GetOverlay(ctx context.Context, segID uuid.UUID, variant string) ([]byte, error) {
	data, err := r.client.Get(ctx, overlayKey(segID, variant)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (r *Redis) SetOverlay(ctx context.Context, segID uuid.UUID, variant string, data []byte) error {
	return r.client.Set(ctx, overlayKey(segID, variant), data, r.ttl).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
